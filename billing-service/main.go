package main

import (
	"log"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"wa-saas/shared/auth"
	"wa-saas/shared/config"
	sharedlog "wa-saas/shared/logger"
)

func main() {
	var err error
	cfg, err = config.Load("8083")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger = sharedlog.New("billing-service", cfg.Development())
	defer logger.Sync()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	issuer = auth.NewIssuer(cfg.JWTSecret, cfg.JWTExpiresIn)
	initDB()
	initNATS()
	if natsConn != nil {
		defer natsConn.Close()
	}
	initProviders()

	jobs := cron.New()
	if _, err := jobs.AddFunc("@hourly", func() {
		n, err := expireSubscriptions()
		if err != nil {
			logger.Error("subscription expiry failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("subscriptions expired", zap.Int("count", n))
		}
	}); err != nil {
		logger.Fatal("schedule expiry job", zap.Error(err))
	}
	jobs.Start()
	defer jobs.Stop()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestID())
	e.Use(sharedlog.RequestLogger(logger))
	e.Use(middleware.Recover())

	registerRoutes(e)

	logger.Info("billing service listening", zap.String("port", cfg.Port))
	if err := e.Start(":" + cfg.Port); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func registerRoutes(e *echo.Echo) {
	e.GET("/health", health)
	e.GET("/plans", getPlans)
	e.POST("/webhooks/stripe", stripeWebhook)
	e.POST("/webhooks/razorpay", razorpayWebhook)

	jwt := auth.JWTMiddleware(issuer, nil, logger)
	e.GET("/current", getCurrentSubscription, jwt)
	e.POST("/payment-intent", createPaymentIntent, jwt)
	e.POST("/subscribe", subscribe, jwt)
	e.POST("/cancel", cancelSubscription, jwt)
	e.POST("/razorpay/verify", verifyRazorpayPayment, jwt)
}
