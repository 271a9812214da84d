package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"wa-saas/shared/auth"
	"wa-saas/shared/config"
	sharedlog "wa-saas/shared/logger"
)

func main() {
	cfg, err := config.Load("8080")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := sharedlog.New("api-gateway", cfg.Development())
	defer logger.Sync()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	limiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			limiter.Cleanup(3 * time.Minute)
		}
	}()

	e, err := newGateway(cfg, limiter, connectBlacklist(cfg, logger), logger)
	if err != nil {
		logger.Fatal("gateway setup failed", zap.Error(err))
	}

	logger.Info("api gateway listening", zap.String("port", cfg.Port))
	if err := e.Start(":" + cfg.Port); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

// connectBlacklist enables revoked-token checks when redis is reachable.
func connectBlacklist(cfg *config.Config, logger *zap.Logger) *auth.Blacklist {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, token revocation not checked at the gateway", zap.Error(err))
		return nil
	}
	return auth.NewBlacklist(rdb)
}

type route struct {
	prefix  string
	target  string
	rewrite map[string]string
}

func routes(cfg *config.Config) []route {
	strip := map[string]string{"/api/*": "/$1"}
	return []route{
		{"/api/auth", cfg.AuthServiceURL, map[string]string{"/api/auth/*": "/$1"}},
		{"/api/templates", cfg.MessagingServiceURL, strip},
		{"/api/events", cfg.MessagingServiceURL, strip},
		{"/api/messages", cfg.MessagingServiceURL, strip},
		{"/api/whatsapp-account", cfg.MessagingServiceURL, strip},
		{"/api/webhooks/whatsapp", cfg.MessagingServiceURL, strip},
		{"/api/subscriptions", cfg.BillingServiceURL, map[string]string{"/api/subscriptions/*": "/$1"}},
		{"/api/webhooks/stripe", cfg.BillingServiceURL, strip},
		{"/api/webhooks/razorpay", cfg.BillingServiceURL, strip},
	}
}

func newGateway(cfg *config.Config, limiter *RateLimiter, blacklist *auth.Blacklist, logger *zap.Logger) (*echo.Echo, error) {
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.JWTExpiresIn)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestID())
	e.Use(sharedlog.RequestLogger(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(RateLimitMiddleware(limiter))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "api-gateway"})
	})

	jwt := SkipPublic(auth.JWTMiddleware(issuer, blacklist, logger))
	for _, r := range routes(cfg) {
		target, err := url.Parse(r.target)
		if err != nil || target.Host == "" {
			return nil, fmt.Errorf("bad upstream for %s: %q", r.prefix, r.target)
		}
		proxy := middleware.ProxyWithConfig(middleware.ProxyConfig{
			Balancer: middleware.NewRoundRobinBalancer([]*middleware.ProxyTarget{{URL: target}}),
			Rewrite:  r.rewrite,
			ErrorHandler: func(c echo.Context, err error) error {
				logger.Error("upstream unavailable", zap.String("path", c.Request().URL.Path), zap.Error(err))
				return c.JSON(http.StatusBadGateway, map[string]string{"error": "Service unavailable"})
			},
		})
		e.Group(r.prefix, jwt, proxy)
	}
	return e, nil
}
