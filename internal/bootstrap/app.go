package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	// --- 导入内部包 ---
	"arcade-multiplayer/internal/fanout"
	httpHandler "arcade-multiplayer/internal/handler/http"
	wsHandler "arcade-multiplayer/internal/handler/websocket"
	"arcade-multiplayer/internal/hub"
	fileroom "arcade-multiplayer/internal/infra/persistence/file"
	"arcade-multiplayer/internal/infra/setup"
	redisroom "arcade-multiplayer/internal/infra/state/redis"
	"arcade-multiplayer/internal/middleware"
	"arcade-multiplayer/internal/repository"
	"arcade-multiplayer/internal/roomsync"
	"arcade-multiplayer/internal/service"
	"arcade-multiplayer/internal/tasks"
	"arcade-multiplayer/internal/worker"
)

// Config 结构体用于存储从环境变量或文件加载的配置
type Config struct {
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	ServerPort        string
	LogLevel          string
	AppEnv            string // 应用环境 (development/production)
	KeyPrefix         string // Redis Key 前缀
	DataFile          string // 本地模式的持久化文件路径
	PublicBaseURL     string // 拼接可分享房间链接的站点地址
	EvictStalePlayers bool   // 清扫时是否驱逐心跳停滞的玩家
	RateLimitMax      int
	RateLimitWindow   time.Duration
}

// LoadConfig 从环境变量加载配置。
// REDIS_ADDR 是可选的：不设置（或连不上）时使用本地文件后端。
func LoadConfig() (*Config, error) {
	// 优先加载 .env 文件 (如果存在)
	_ = godotenv.Load() // 忽略错误，允许只使用环境变量

	cfg := &Config{
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		ServerPort:    os.Getenv("SERVER_PORT"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		AppEnv:        os.Getenv("APP_ENV"),
		KeyPrefix:     os.Getenv("REDIS_KEY_PREFIX"),
		DataFile:      os.Getenv("DATA_FILE"),
		PublicBaseURL: os.Getenv("PUBLIC_BASE_URL"),
		// --- 设置默认值 ---
		RateLimitMax:    100,
		RateLimitWindow: 1 * time.Second,
	}

	redisDBStr := os.Getenv("REDIS_DB")
	cfg.RedisDB, _ = strconv.Atoi(redisDBStr) // 忽略错误，默认为 0

	cfg.EvictStalePlayers, _ = strconv.ParseBool(os.Getenv("EVICT_STALE_PLAYERS")) // 默认关闭

	// --- 设置其他默认值 ---
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "arcade:"
	}
	if cfg.DataFile == "" {
		cfg.DataFile = "rooms.json"
	}

	// 验证日志级别
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

// App 结构体包含应用的所有组件和配置
type App struct {
	Config      *Config
	Log         *logrus.Logger
	RedisClient *redis.Client // 本地模式下为 nil
	AsynqClient *asynq.Client // 本地模式下为 nil
	AsynqServer *worker.WorkerServer
	Hub         *hub.Hub
	HttpServer  *http.Server

	scores         *service.ScoreReporter
	scheduler      *asynq.Scheduler
	redisClientOpt asynq.RedisClientOpt
}

// NewApp 创建并初始化应用的所有组件
func NewApp() (*App, error) {
	// 1. 加载配置
	cfg, err := LoadConfig()
	if err != nil {
		// 使用标准输出记录启动时错误，因为 logrus 可能还未完全配置
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}

	// 2. 初始化 Logger
	log := logrus.New()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	}
	logLevel, _ := logrus.ParseLevel(cfg.LogLevel) // cfg.LogLevel 已被 LoadConfig 验证
	log.SetLevel(logLevel)
	log.SetOutput(os.Stdout)
	log.Infof("Logger initialized (Level: %s)", logLevel.String())
	log.Info("Configuration loaded successfully")

	app := &App{Config: cfg, Log: log}

	// 3. 选择后端：REDIS_ADDR 可达则用远程 Redis 后端（推送模式），
	// 否则退回本地文件后端（轮询模式）。两种模式对上层完全透明。
	log.Info("Initializing room store backend...")
	var store repository.RoomStore
	var feed repository.RoomFeed
	remote := false

	if cfg.RedisAddr != "" {
		redisClient, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.WithError(err).Warn("Redis unavailable, falling back to local file backend")
		} else {
			redisStore := redisroom.NewRoomStore(redisClient, cfg.KeyPrefix)
			store = redisStore
			feed = redisroom.NewFeed(redisStore)
			app.RedisClient = redisClient
			remote = true
			log.Info("Room store backend: redis (push mode)")
		}
	}
	if !remote {
		fileStore := fileroom.NewRoomStore(cfg.DataFile)
		store = fileStore
		feed = roomsync.NewPollingFeed(fileStore, roomsync.DefaultPollInterval)
		log.Infof("Room store backend: local file %s (poll mode)", cfg.DataFile)
	}

	// 4. 初始化本地扇出通道（同进程内的即时提示）
	fan := fanout.NewChannel()

	// 5. 初始化 Services
	log.Info("Initializing services...")
	roomService := service.NewRoomService(store, fan)
	app.scores = service.NewScoreReporter(roomService, service.DefaultScoreDebounce)
	synchronizer := roomsync.NewSynchronizer(store, feed, fan)
	log.Info("Services initialized")

	// 6. 初始化 Hub
	log.Info("Initializing hub...")
	app.Hub = hub.NewHub(roomService, synchronizer, app.scores)
	log.Info("Hub initialized")

	// 7. 初始化 Handlers
	log.Info("Initializing handlers...")
	roomHandler := httpHandler.NewRoomHandler(roomService, cfg.PublicBaseURL)
	websocketHandler := wsHandler.NewWebSocketHandler(app.Hub, roomService)
	log.Info("Handlers initialized")

	// 8. 远程模式：初始化 Asynq（清扫 worker 和周期调度）
	if remote {
		log.Info("Initializing worker server...")
		app.redisClientOpt = asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}
		app.AsynqClient = asynq.NewClient(app.redisClientOpt)
		redisStore := store.(*redisroom.RoomStore)
		sweepHandler := worker.NewRoomSweepHandler(redisStore, roomService)
		app.AsynqServer = worker.NewWorkerServer(app.redisClientOpt, sweepHandler, log)
		log.Info("Worker server initialized")
	}

	// 9. 初始化 Gin Engine 和路由
	log.Info("Setting up Gin router...")
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(log))

	// --- CORS ---
	router.Use(func(c *gin.Context) {
		allowedOrigin := os.Getenv("CORS_ALLOWED_ORIGIN")
		if allowedOrigin == "" {
			allowedOrigin = "http://localhost:3000" // 开发默认
		}
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Requested-With")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
	// 限流计数器存放在 Redis，只在远程模式下挂载
	if remote {
		router.Use(middleware.RateLimit(app.RedisClient, cfg.KeyPrefix, cfg.RateLimitMax, cfg.RateLimitWindow))
	}

	// --- 设置路由 ---
	api := router.Group("/api")
	roomRoutes := api.Group("/rooms")
	{
		roomRoutes.POST("", roomHandler.CreateRoom)
		roomRoutes.POST("/join", roomHandler.JoinRoom)
		roomRoutes.GET("", roomHandler.ListRooms)
		roomRoutes.GET("/:code", roomHandler.GetRoom)
		roomRoutes.POST("/:code/leave", roomHandler.LeaveRoom)
		roomRoutes.POST("/:code/start", roomHandler.StartGame)
		roomRoutes.POST("/:code/end", roomHandler.EndGame)
		roomRoutes.POST("/:code/finalize", roomHandler.FinalizeScores)
		roomRoutes.POST("/:code/state", roomHandler.UpdateRoomState)
	}
	wsRoutes := router.Group("/ws")
	{
		wsRoutes.GET("/room/:code", websocketHandler.HandleConnection)
	}
	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	log.Info("Router setup complete")

	// 10. 初始化 HTTP Server
	app.HttpServer = &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}
	log.Info("Application assembled successfully")

	return app, nil
}

// Start 启动应用的所有后台 Goroutine 和 HTTP 服务器
func (a *App) Start() {
	a.Log.Info("Starting application background routines...")
	go a.Hub.Run()
	a.Log.Info("Hub routine started")

	if a.AsynqServer != nil {
		go a.AsynqServer.Start()
		a.Log.Info("Asynq worker server routine started")
		a.registerPeriodicTasks()
	}

	// 启动 HTTP 服务器
	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
}

// registerPeriodicTasks 注册周期性的房间清扫任务。
// 房间过期本身在读路径过滤；清扫负责把残留文档真正清掉。
func (a *App) registerPeriodicTasks() {
	a.scheduler = asynq.NewScheduler(a.redisClientOpt, &asynq.SchedulerOpts{})

	taskPayload, err := tasks.NewRoomSweepTask(a.Config.EvictStalePlayers)
	if err != nil {
		a.Log.Errorf("Failed to create room sweep task payload: %v", err)
		return
	}
	task := asynq.NewTask(tasks.TypeRoomSweep, taskPayload)

	schedule := "@every 5m"
	entryID, err := a.scheduler.Register(schedule, task, asynq.Queue("default"))
	if err != nil {
		a.Log.Errorf("Could not register periodic room sweep task: %v", err)
	} else {
		a.Log.Infof("Periodic room sweep task registered with schedule '%s' (EntryID: %s)", schedule, entryID)
	}

	go func() {
		a.Log.Info("Asynq scheduler starting...")
		if err := a.scheduler.Run(); err != nil {
			if !errors.Is(err, asynq.ErrServerClosed) {
				a.Log.Errorf("Asynq scheduler Run() failed: %v", err)
			} else {
				a.Log.Info("Asynq scheduler stopped.")
			}
		}
	}()
}

// Shutdown 优雅地关闭应用
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")

	// 1. 停止 Hub 的房间订阅
	if a.Hub != nil {
		a.Hub.StopAllSubscriptions()
	}

	// 2. 停止调度器和 Worker Server
	if a.scheduler != nil {
		a.scheduler.Shutdown()
	}
	if a.AsynqServer != nil {
		a.AsynqServer.Shutdown()
	}

	// 3. 优雅关闭 HTTP 服务器
	a.Log.Info("Shutting down HTTP server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	} else {
		a.Log.Info("HTTP server shut down gracefully.")
	}

	// 4. 落下所有待写的分数
	if a.scores != nil {
		a.scores.Close()
	}

	// 5. 关闭 Asynq Client
	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq client: %v", err)
		} else {
			a.Log.Info("Asynq client closed.")
		}
	}

	// 6. 关闭 Redis 连接
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		} else {
			a.Log.Info("Redis connection closed.")
		}
	}

	a.Log.Info("Application shutdown complete.")
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   clientIP,
			"method":      method,
			"path":        path,
		})

		if errorMessage != "" {
			entry.Error(errorMessage)
		} else {
			// 区分状态码记录日志级别
			if statusCode >= 500 {
				entry.Error("Server error")
			} else if statusCode >= 400 {
				entry.Warn("Client error")
			} else {
				entry.Info("Request handled")
			}
		}
	}
}
