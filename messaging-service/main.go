package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"wa-saas/shared/auth"
	"wa-saas/shared/config"
	sharedlog "wa-saas/shared/logger"
	"wa-saas/shared/whatsapp"
)

func main() {
	var err error
	cfg, err = config.Load("8082")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger = sharedlog.New("messaging-service", cfg.Development())
	defer logger.Sync()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	issuer = auth.NewIssuer(cfg.JWTSecret, cfg.JWTExpiresIn)
	waClient = whatsapp.NewClient(cfg.WhatsAppAPIURL, &http.Client{Timeout: 15 * time.Second})
	initDB()
	initRedis()
	initNATS()
	if natsConn != nil {
		defer natsConn.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewScheduler(runScheduledEvent).Run(ctx, cfg.SchedulerRefresh)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestID())
	e.Use(sharedlog.RequestLogger(logger))
	e.Use(middleware.Recover())

	registerRoutes(e)

	logger.Info("messaging service listening", zap.String("port", cfg.Port))
	if err := e.Start(":" + cfg.Port); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "messaging-service"})
}

func registerRoutes(e *echo.Echo) {
	e.GET("/health", health)
	e.GET("/webhooks/whatsapp", verifyWhatsAppWebhook)
	e.POST("/webhooks/whatsapp", receiveWhatsAppWebhook)

	jwt := auth.JWTMiddleware(issuer, blacklist, logger)

	templates := e.Group("/templates", jwt)
	templates.GET("", getAllTemplates)
	templates.POST("", createTemplate)
	templates.GET("/:id", getTemplate)
	templates.PUT("/:id", updateTemplate)
	templates.DELETE("/:id", deleteTemplate)

	evts := e.Group("/events", jwt)
	evts.GET("", getAllEvents)
	evts.POST("", createEvent)
	evts.GET("/:id", getEvent)
	evts.PUT("/:id", updateEvent)
	evts.DELETE("/:id", deleteEvent)
	evts.POST("/:id/trigger", triggerEvent)

	messages := e.Group("/messages", jwt)
	messages.POST("/send", sendMessage)
	messages.GET("/logs", getMessageLogs)
	messages.GET("/analytics", getAnalytics)

	e.GET("/whatsapp-account", getWhatsAppAccount, jwt)
	e.PUT("/whatsapp-account", putWhatsAppAccount, jwt)
}
