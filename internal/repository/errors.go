package repository

import "errors"

// 通用的存储库错误
var (
	// ErrRoomNotFound 表示请求的房间不存在或已过期
	ErrRoomNotFound = errors.New("repository: room not found")
	// ErrVersionConflict 表示并发写入时版本号不匹配，调用方应重读后重试
	ErrVersionConflict = errors.New("repository: version conflict")
	// ErrBackendUnavailable 表示远端后端因网络或认证问题不可达
	ErrBackendUnavailable = errors.New("repository: backend unavailable")
)
