package main

import (
	"context"
	"fmt"
	"time"

	"giftpocket/internal/config"
	"giftpocket/internal/gateway"
	"giftpocket/internal/infrastructure/cache"
	"giftpocket/internal/infrastructure/database"
	"giftpocket/internal/infrastructure/lock"
	"giftpocket/internal/infrastructure/logging"
	"giftpocket/internal/infrastructure/mq"
	"giftpocket/internal/notify"
	"giftpocket/internal/repository"
	"giftpocket/internal/service"
	"giftpocket/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app holds every long-lived component. Commands build one, use the parts
// they need and Close it on the way out.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	db       *gorm.DB
	redis    *redis.Client
	producer *mq.Producer

	transactions *repository.TransactionRepository
	wallets      *repository.WalletRepository
	users        *repository.UserRepository
	outbox       *repository.OutboxRepository
	ledger       *repository.Ledger

	dispatcher *notify.Dispatcher
	engine     *service.Engine
	webhooks   *service.WebhookProcessor
	payments   *service.PaymentService
	alerter    *notify.KafkaAlerter
}

func newApp() (_ *app, err error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	if err := idgen.Init(1); err != nil {
		return nil, fmt.Errorf("init id generator: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeConnections()
		}
	}()

	a.db, err = database.Open(&cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	a.redis, err = cache.NewRedis(&cfg.Redis, logger)
	if err != nil {
		return nil, err
	}

	a.producer, err = mq.NewProducer(&cfg.Kafka, logger)
	if err != nil {
		return nil, err
	}

	a.transactions = repository.NewTransactionRepository(a.db)
	a.wallets = repository.NewWalletRepository(a.db, cfg.Business.RecentTopupsLimit)
	a.users = repository.NewUserRepository(a.db)
	a.outbox = repository.NewOutboxRepository(a.db)
	a.ledger = repository.NewLedger(a.db, a.transactions, a.wallets)

	channels := []notify.Channel{notify.NewOutboxChannel(a.outbox, cfg.Kafka.Topic.Notification)}
	if cfg.SMTP.Enabled() {
		channels = append(channels, notify.NewEmailChannel(cfg.SMTP))
	}
	a.dispatcher = notify.NewDispatcher(logger, cfg.Business.NotifyQueueSize, cfg.Business.NotifyWorkers, channels...)
	a.dispatcher.Start()

	verifier := gateway.NewClient(cfg.Gateway, logger)
	a.engine = service.NewEngine(a.ledger, verifier, a.users, a.dispatcher, logger,
		service.WithReferenceGuard(lock.NewReferenceGuard(a.redis, cfg.Business.LockTTL, cfg.Gateway.Budget())),
		service.WithTimeout(cfg.Server.RequestTimeout),
	)
	a.webhooks = service.NewWebhookProcessor(a.engine, logger)
	a.payments = service.NewPaymentService(a.transactions, a.wallets, a.users, logger)
	a.alerter = notify.NewKafkaAlerter(a.producer, cfg.Kafka.Topic.Alert, logger)

	logger.Info("giftpocket initialised",
		zap.String("provider", verifier.Provider()),
		zap.String("database", cfg.Database.Driver),
		zap.Duration("request_timeout", cfg.Server.RequestTimeout),
		zap.Bool("email", cfg.SMTP.Enabled()))

	return a, nil
}

// Close drains queued notifications before tearing down connections.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.dispatcher.Stop(ctx)

	a.closeConnections()
	_ = a.logger.Sync()
}

// closeConnections releases whichever of the database, redis and kafka
// clients have been opened.
func (a *app) closeConnections() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("close kafka producer", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
