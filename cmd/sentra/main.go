package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/orbitpay/sentra/internal/config"
	"github.com/orbitpay/sentra/internal/database"
	"github.com/orbitpay/sentra/internal/security"
	"github.com/orbitpay/sentra/internal/security/alerts"
	"github.com/orbitpay/sentra/internal/security/behavior"
	"github.com/orbitpay/sentra/internal/security/events"
	"github.com/orbitpay/sentra/internal/security/fraud"
	"github.com/orbitpay/sentra/internal/security/ingest"
	"github.com/orbitpay/sentra/internal/security/notification"
	"github.com/orbitpay/sentra/internal/security/risk"
	"github.com/orbitpay/sentra/internal/security/threatintel"
	"github.com/orbitpay/sentra/internal/server"
	"github.com/orbitpay/sentra/pkg/logger"
	"github.com/orbitpay/sentra/pkg/models"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}

	if err := db.AutoMigrate(
		&models.SecurityEvent{},
		&models.UserBehaviorProfile{},
		&models.FraudDetectionRecord{},
		&models.RiskAssessment{},
		&models.SecurityAlert{},
		&models.NotificationRecord{},
	); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = database.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn("Redis unavailable, continuing without cache layer", zap.Error(err))
			redisClient = nil
		}
	}

	store := events.NewStore(db, events.Config{
		BufferSize:    cfg.Security.EventBufferSize,
		FlushInterval: cfg.Security.EventFlushInterval,
	}, log)

	profiles := behavior.NewProfileStore(db, log)

	behaviorCfg := behavior.DefaultConfig()
	behaviorCfg.AnomalyThreshold = cfg.Security.AnomalyThreshold
	behaviorAnalyzer := behavior.NewAnalyzer(profiles, store, behaviorCfg, log)

	fraudCfg := fraud.DefaultConfig()
	fraudCfg.FraudThreshold = cfg.Security.FraudThreshold
	fraudCfg.SuspiciousIPs = cfg.Security.SuspiciousIPs
	fraudCfg.BlacklistedMerchants = cfg.Security.BlacklistedMerchants
	fraudAnalyzer := fraud.NewAnalyzer(db, store, profiles, fraudCfg, log)

	riskCfg := risk.DefaultConfig()
	riskCfg.Validity = cfg.Security.AssessmentValidity
	riskAggregator := risk.NewAggregator(db, redisClient, store, profiles, riskCfg, log)

	notifier := notification.NewService(db, notification.Config{
		SMTPHost:    cfg.Notify.SMTPHost,
		SMTPPort:    cfg.Notify.SMTPPort,
		FromAddress: cfg.Notify.FromAddress,
		PushWebhook: cfg.Notify.PushWebhook,
		SMSProvider: cfg.Notify.SMSProvider,
		SendTimeout: cfg.Notify.SendTimeout,
		Enabled:     cfg.Notify.Enabled,
	}, log)

	alertManager := alerts.NewManager(db, notifier, cfg.Security.AlertRewarmInterval, log)
	if err := alertManager.WarmCache(context.Background()); err != nil {
		log.Warn("Initial alert cache warm failed", zap.Error(err))
	}

	var intel security.IntelChecker
	if cfg.Intel.Enabled {
		intel = threatintel.NewClient(threatintel.Config{
			BaseURL:  cfg.Intel.BaseURL,
			Timeout:  cfg.Intel.Timeout,
			CacheTTL: cfg.Intel.CacheTTL,
		}, redisClient, log)
	}

	orchestrator := security.NewOrchestrator(store, behaviorAnalyzer, fraudAnalyzer,
		riskAggregator, alertManager, intel, security.Config{
			AnomalyThreshold: cfg.Security.AnomalyThreshold,
			FraudThreshold:   cfg.Security.FraudThreshold,
			BlockFraudRisk:   cfg.Security.BlockFraudRisk,
		}, log)

	store.Start()
	alertManager.Start()

	var consumer *ingest.Consumer
	var publisher *ingest.Publisher
	if cfg.Kafka.Enabled {
		kafkaCfg := ingest.DefaultKafkaConfig()
		kafkaCfg.Brokers = cfg.Kafka.Brokers
		kafkaCfg.EventsTopic = cfg.Kafka.EventsTopic
		kafkaCfg.DecisionsTopic = cfg.Kafka.DecisionsTopic
		kafkaCfg.ConsumerGroup = cfg.Kafka.ConsumerGroup

		publisher = ingest.NewPublisher(kafkaCfg, log)
		consumer = ingest.NewConsumer(kafkaCfg, orchestrator, publisher, log)
		consumer.Start()
		log.Info("Kafka ingestion started",
			zap.Strings("brokers", kafkaCfg.Brokers),
			zap.String("topic", kafkaCfg.EventsTopic))
	}

	srv := server.New(cfg.Server, orchestrator, store, alertManager, riskAggregator, profiles, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}

	if consumer != nil {
		consumer.Stop()
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Error("Decision publisher close failed", zap.Error(err))
		}
	}

	alertManager.Stop()

	// The final flush must run so buffered events are not lost.
	if err := store.Stop(shutdownCtx); err != nil {
		log.Error("Event store flush on shutdown failed", zap.Error(err))
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Error("Redis close failed", zap.Error(err))
		}
	}

	log.Info("Shutdown complete")
}
