// Package service 负责整合各层组件并管理生命周期。
package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"rideguard/internal/broadcast"
	"rideguard/internal/cache"
	"rideguard/internal/config"
	"rideguard/internal/consumer"
	"rideguard/internal/detector"
	"rideguard/internal/mqtt"
	"rideguard/internal/repository"
	"rideguard/internal/server"
	"rideguard/internal/streams"
)

// IngestService 采集检测服务（整合各层）
type IngestService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	deviceRepo     *repository.DeviceRepository
	tripRepo       *repository.TripRepository
	telemetryRepo  *repository.TelemetryRepository
	alertRepo      *repository.AlertRepository
	predictionRepo *repository.PredictionRepository
	hub            *broadcast.Hub
	riskCache      *cache.RealtimeCache
	alertPublisher *streams.AlertStreamPublisher
	crashDetector  *detector.Detector
	dispatcher     *consumer.Dispatcher
	mqttConsumer   *consumer.MQTTConsumer
	wsServer       *server.Server
}

// NewIngestService 创建服务
func NewIngestService(cfg *config.Config, logger *zap.Logger) (*IngestService, error) {
	// 1. 连接数据库
	db, err := sql.Open("postgres", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 创建 Repository 层
	deviceRepo := repository.NewDeviceRepository(db, logger)
	tripRepo := repository.NewTripRepository(db, logger)
	telemetryRepo := repository.NewTelemetryRepository(db, logger)
	alertRepo := repository.NewAlertRepository(db, logger)
	predictionRepo := repository.NewPredictionRepository(db, logger)

	// 4. 创建广播与缓存层
	hub := broadcast.NewHub(logger)
	riskCache := cache.NewRealtimeCache(
		cache.NewRedisKVStore(redisClient),
		cfg.Cache.RiskKeyPrefix,
		cfg.Cache.RiskSuffix,
		time.Duration(cfg.Cache.RiskTTL)*time.Second,
		logger,
	)
	alertPublisher := streams.NewAlertStreamPublisher(redisClient, cfg.Cache.AlertStream, logger)

	// 5. 创建碰撞检测器
	scorer, err := detector.LoadBaselineScorer(cfg.Detector.ModelConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load scorer: %w", err)
	}
	detectorCfg := detector.DefaultConfig()
	detectorCfg.WarmupWindows = cfg.Detector.WarmupWindows
	detectorCfg.StreakMin = cfg.Detector.StreakMin
	detectorCfg.EvidencePercentile = cfg.Detector.EvidencePercentile
	crashDetector := detector.New(
		detectorCfg,
		scorer,
		predictionRepo,
		alertRepo,
		hub,
		alertPublisher,
		logger,
	)

	// 6. 创建 Dispatcher
	dispatcherCfg := consumer.DefaultConfig()
	dispatcherCfg.QueueSize = cfg.Pipeline.QueueSize
	dispatcher := consumer.NewDispatcher(
		dispatcherCfg,
		deviceRepo,
		tripRepo,
		telemetryRepo,
		alertRepo,
		crashDetector,
		hub,
		riskCache,
		logger,
	)

	svc := &IngestService{
		config:         cfg,
		db:             db,
		redisClient:    redisClient,
		logger:         logger,
		deviceRepo:     deviceRepo,
		tripRepo:       tripRepo,
		telemetryRepo:  telemetryRepo,
		alertRepo:      alertRepo,
		predictionRepo: predictionRepo,
		hub:            hub,
		riskCache:      riskCache,
		alertPublisher: alertPublisher,
		crashDetector:  crashDetector,
		dispatcher:     dispatcher,
		wsServer:       server.New(cfg.Server.Addr, dispatcher, hub, logger),
	}

	// 7. 可选的 MQTT 入站通道
	if cfg.MQTT.Enabled {
		mqttClient, err := mqtt.NewClient(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      cfg.MQTT.QoS,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create mqtt client: %w", err)
		}
		svc.mqttConsumer = consumer.NewMQTTConsumer(
			mqttClient, cfg.MQTT.IngestTopic, cfg.MQTT.QoS, dispatcher, logger,
		)
	}

	return svc, nil
}

// Start 启动消费循环与接入层，阻塞到上下文取消或出错
func (s *IngestService) Start(ctx context.Context) error {
	s.logger.Info("Starting ingest service")

	errChan := make(chan error, 3)

	go func() {
		if err := s.dispatcher.Run(ctx); err != nil {
			errChan <- fmt.Errorf("dispatcher error: %w", err)
		}
	}()

	go func() {
		if err := s.wsServer.Start(ctx); err != nil {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	if s.mqttConsumer != nil {
		go func() {
			if err := s.mqttConsumer.Start(ctx); err != nil {
				errChan <- fmt.Errorf("mqtt consumer error: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// Stop 停止服务并释放连接
func (s *IngestService) Stop() error {
	s.logger.Info("Stopping ingest service")

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}
	return nil
}

// buildDSN 构建数据库连接字符串
func buildDSN(cfg *config.Config) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Database,
		cfg.Database.SSLMode,
	)
}
