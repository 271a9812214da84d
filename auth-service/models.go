package main

import (
	"context"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"wa-saas/shared/auth"
	"wa-saas/shared/config"
	"wa-saas/shared/models"
)

var (
	db        *gorm.DB
	rdb       *redis.Client
	issuer    *auth.Issuer
	blacklist *auth.Blacklist
	logger    = zap.NewNop()
	cfg       *config.Config
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
	logger.Info("migrations applied")
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
	blacklist = auth.NewBlacklist(rdb)
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
}
