package main

import (
	"log"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"wa-saas/shared/auth"
	"wa-saas/shared/config"
	sharedlog "wa-saas/shared/logger"
)

func main() {
	var err error
	cfg, err = config.Load("8081")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger = sharedlog.New("auth-service", cfg.Development())
	defer logger.Sync()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	issuer = auth.NewIssuer(cfg.JWTSecret, cfg.JWTExpiresIn)
	initDB()
	initRedis()

	go cleanupRefreshTokens()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestID())
	e.Use(sharedlog.RequestLogger(logger))
	e.Use(middleware.Recover())

	registerRoutes(e)

	logger.Info("auth service listening", zap.String("port", cfg.Port))
	if err := e.Start(":" + cfg.Port); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func registerRoutes(e *echo.Echo) {
	e.GET("/health", health)
	e.POST("/signup", signup)
	e.POST("/login", login)
	e.POST("/refresh", refreshToken)
	e.POST("/logout", logout)
	e.GET("/check", checkToken)

	e.GET("/me", getMe, auth.JWTMiddleware(issuer, blacklist, logger))
}
