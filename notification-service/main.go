package main

import (
	"log"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"wa-saas/shared/config"
	"wa-saas/shared/events"
	sharedlog "wa-saas/shared/logger"
)

func main() {
	cfg, err := config.Load("8084")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger = sharedlog.New("notification-service", cfg.Development())
	defer logger.Sync()

	sender = newSMSSender(cfg)
	if sender == nil {
		logger.Warn("twilio credentials missing, sms notifications disabled")
	}

	natsConn, err = events.Connect(cfg.NatsURL, logger)
	if err != nil {
		logger.Fatal("nats unavailable", zap.Error(err))
	}
	defer natsConn.Close()

	if err := subscribeToNATS(); err != nil {
		logger.Fatal("nats subscribe failed", zap.Error(err))
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestID())
	e.Use(sharedlog.RequestLogger(logger))
	e.Use(middleware.Recover())

	e.GET("/health", health)
	e.GET("/test-sms", testSMS)

	logger.Info("notification service listening", zap.String("port", cfg.Port))
	if err := e.Start(":" + cfg.Port); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
