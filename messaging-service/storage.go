package main

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"wa-saas/shared/auth"
	"wa-saas/shared/config"
	"wa-saas/shared/events"
	"wa-saas/shared/models"
	"wa-saas/shared/quota"
	"wa-saas/shared/whatsapp"
)

var (
	db        *gorm.DB
	rdb       *redis.Client
	natsConn  *nats.Conn
	counter   *quota.Counter
	publisher *events.Publisher
	waClient  *whatsapp.Client
	issuer    *auth.Issuer
	blacklist *auth.Blacklist
	logger    = zap.NewNop()
	cfg       *config.Config

	callbackClient = newCallbackClient()
)

func initDB() {
	var err error
	db, err = models.Open(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("database unavailable", zap.Error(err))
	}
	if err := models.Migrate(db); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
}

func initRedis() {
	rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	counter = quota.NewCounter(rdb)
	blacklist = auth.NewBlacklist(rdb)
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
}

// initNATS is best effort: without NATS the service still sends messages,
// it just stops emitting events.
func initNATS() {
	var err error
	natsConn, err = events.Connect(cfg.NatsURL, logger)
	if err != nil {
		logger.Warn("nats unavailable, events disabled", zap.Error(err))
	}
	publisher = events.NewPublisher(natsConn, logger)
}
