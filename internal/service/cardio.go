package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-cardio/common/database"
	"wisefido-cardio/common/mqtt"
	rediscommon "wisefido-cardio/common/redis"
	"wisefido-cardio/internal/config"
	"wisefido-cardio/internal/consumer"
	"wisefido-cardio/internal/httpapi"
	"wisefido-cardio/internal/inference"
	"wisefido-cardio/internal/metrics"
	"wisefido-cardio/internal/repository"
	"wisefido-cardio/internal/session"
	"wisefido-cardio/internal/storage"
	"wisefido-cardio/internal/telemetry"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const (
	stopTimeout      = 30 * time.Second
	lastSeenInterval = 5 * time.Second
	kvOpTimeout      = 500 * time.Millisecond
	healthTimeout    = 2 * time.Second
)

// CardioService 心音/心电流式推理服务
type CardioService struct {
	config *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client
	registry    *prometheus.Registry

	manager      *session.Manager
	orchestrator *inference.Orchestrator
	consumer     *consumer.MQTTConsumer
	lastSeen     *consumer.LastSeenTracker
	publisher    *telemetry.Publisher
	hub          *telemetry.Hub
	server       *httpapi.Server

	cancel context.CancelFunc
}

// NewCardioService 创建服务；MQTT 与数据库不可用时返回错误，Redis 不可用时降级运行
func NewCardioService(cfg *config.Config, logger *zap.Logger) (*CardioService, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 初始化数据库
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := repository.EnsureSchema(ctx, db); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	// 初始化 Redis（可选）
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(ctx, redisClient); err != nil {
		logger.Warn("Redis unavailable, live cache and telemetry stream disabled", zap.Error(err))
		_ = rediscommon.Close(redisClient)
		redisClient = nil
	}

	// 初始化 MQTT
	mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		_ = database.Close(db)
		if redisClient != nil {
			_ = rediscommon.Close(redisClient)
		}
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mtr := metrics.New(registry)

	// 创建 Repository
	sessionRepo := repository.NewSessionRepository(db, logger)
	resultRepo := repository.NewResultRepository(db, logger)
	telemetryRepo := repository.NewTelemetryRepository(db, logger)

	blobs, err := storage.NewFileStore(cfg.Cardio.Storage.Dir, logger)
	if err != nil {
		mqttClient.Disconnect()
		_ = database.Close(db)
		return nil, err
	}

	// 推理编排
	models := inference.LoadModels(cfg.Cardio.Inference.ModelDir, cfg.Cardio.DemoMode, cfg.Cardio.Inference.HTTPTimeout, logger)
	orchestrator := inference.NewOrchestrator(models, resultRepo, blobs, inference.Options{
		Workers:    cfg.Cardio.Inference.Workers,
		QueueSize:  cfg.Cardio.Inference.QueueSize,
		Registerer: registry,
		Retry:      repository.DefaultRetryConfig(),
	}, mtr, logger)

	// 会话管理
	manager := session.NewManager(session.ConfigFrom(cfg), sessionRepo, orchestrator, mtr, logger)

	// 通道路由
	var (
		lastSeen *consumer.LastSeenTracker
		devices  httpapi.DeviceLastSeen
	)
	if redisClient != nil {
		lastSeen = consumer.NewLastSeenTracker(rediscommon.NewRedisKVStore(redisClient, rediscommon.WithOpTimeout(kvOpTimeout)), cfg.Cardio.LastSeenTTL, lastSeenInterval, logger)
		devices = lastSeen
	}
	mqttConsumer := consumer.NewMQTTConsumer(cfg, mqttClient, manager, lastSeen, mtr, logger)

	// 遥测
	hub := telemetry.NewHub(logger)
	publisher := telemetry.NewPublisher(manager, telemetry.Config{
		Interval:      cfg.TelemetryInterval(),
		WindowSamples: cfg.Cardio.Telemetry.WindowSamples,
		PersistEvery:  cfg.Cardio.Telemetry.PersistEvery,
	}, mtr, logger)
	publisher.AddSink(telemetry.NewMQTTSink(mqttClient, cfg.Cardio.TopicRoot, time.Second))
	publisher.AddSink(hub)
	var liveCache httpapi.LiveCache
	if redisClient != nil {
		cache := telemetry.NewCacheSink(rediscommon.NewRedisKVStore(redisClient, rediscommon.WithOpTimeout(kvOpTimeout)), cfg.Cardio.Telemetry.CacheTTL)
		publisher.AddSink(cache)
		publisher.AddPersistSink(telemetry.NewStreamSink(redisClient, cfg.Cardio.Telemetry.Stream, cfg.Cardio.Telemetry.StreamMaxLen))
		liveCache = cache
	}
	publisher.AddPersistSink(telemetry.NewRepositorySink(telemetryRepo))

	s := &CardioService{
		config:       cfg,
		logger:       logger,
		db:           db,
		redisClient:  redisClient,
		mqttClient:   mqttClient,
		registry:     registry,
		manager:      manager,
		orchestrator: orchestrator,
		consumer:     mqttConsumer,
		lastSeen:     lastSeen,
		publisher:    publisher,
		hub:          hub,
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Health:      s,
		Sessions:    manager,
		Records:     sessionRepo,
		Predictions: resultRepo,
		Devices:     devices,
		Live:        liveCache,
		LiveSocket:  hub.ServeWS,
		Gatherer:    registry,
		Logger:      logger,
	})
	s.server = httpapi.NewServer(cfg.HTTP.Addr, router, logger)
	return s, nil
}

// Start 启动全部组件；HTTP 服务异常退出时通过返回的 channel 报告
func (s *CardioService) Start(ctx context.Context) (<-chan error, error) {
	s.logger.Info("Starting cardio service components",
		zap.Bool("demo_mode", s.config.Cardio.DemoMode),
		zap.String("topic_root", s.config.Cardio.TopicRoot),
	)

	// 工作池使用独立 context，停止时先排空在途任务再取消
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if err := s.orchestrator.Start(runCtx); err != nil {
		return nil, fmt.Errorf("failed to start inference pool: %w", err)
	}
	s.manager.Start()
	if s.lastSeen != nil {
		s.lastSeen.Start()
	}
	if err := s.consumer.Start(); err != nil {
		return nil, fmt.Errorf("failed to start mqtt consumer: %w", err)
	}
	s.publisher.Start(runCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Start(); err != nil {
			errCh <- err
		}
	}()

	s.logger.Info("Cardio service started successfully")
	return errCh, nil
}

// Stop 按依赖顺序停止：先停入口，再排空推理，最后关闭会话与连接
func (s *CardioService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping cardio service")

	s.consumer.Stop()
	if s.lastSeen != nil {
		s.lastSeen.Stop()
	}
	s.publisher.Stop()

	if err := s.orchestrator.Stop(stopTimeout); err != nil {
		s.logger.Warn("Inference pool did not drain in time", zap.Error(err))
	}
	s.manager.Stop()
	s.hub.Close()

	if err := s.server.Stop(ctx); err != nil {
		s.logger.Error("Error stopping HTTP server", zap.Error(err))
	}
	if s.cancel != nil {
		s.cancel()
	}

	s.mqttClient.Disconnect()

	// 关闭 Redis
	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			s.logger.Error("Error closing Redis client", zap.Error(err))
		}
	}

	// 关闭数据库
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Error closing database connection", zap.Error(err))
		}
	}

	s.logger.Info("Cardio service stopped")
	return nil
}

// Health 健康检查：broker 已连接且数据库可达
func (s *CardioService) Health(ctx context.Context) *httpapi.HealthReport {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	broker := s.mqttClient.IsConnected()
	dbOK := database.Ping(ctx, s.db) == nil
	if !dbOK {
		s.logger.Warn("Database ping failed during health check")
	}
	return &httpapi.HealthReport{
		Healthy:         broker && dbOK,
		BrokerConnected: broker,
		DemoMode:        s.config.Cardio.DemoMode,
		Models:          s.orchestrator.Models().Status(),
		ActiveSessions:  s.manager.ActiveCount(),
		InferencePool:   s.orchestrator.Stats(),
	}
}
