package service

import "errors"

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrPlayerNotFound     = errors.New("player not found in room")
	ErrInvalidPlayerName  = errors.New("invalid player name")
	ErrInvalidAvatar      = errors.New("invalid avatar")
	ErrInvalidGame        = errors.New("unknown game id")
	ErrInvalidRoomCode    = errors.New("invalid room code")
	ErrBackendUnavailable = errors.New("backend unavailable, try again")
	ErrInternalServer     = errors.New("internal server error")
)
