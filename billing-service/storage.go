package main

import (
	"github.com/nats-io/nats.go"
	"github.com/razorpay/razorpay-go"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"wa-saas/shared/auth"
	"wa-saas/shared/config"
	"wa-saas/shared/events"
	"wa-saas/shared/models"
)

// intentClient is the part of the Stripe PaymentIntents client we use.
type intentClient interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// orderCreator is the part of the Razorpay Orders resource we use.
type orderCreator interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type paymentFetcher interface {
	Fetch(paymentID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

var (
	db        *gorm.DB
	natsConn  *nats.Conn
	publisher *events.Publisher
	issuer    *auth.Issuer
	logger    = zap.NewNop()
	cfg       *config.Config

	stripeIntents    intentClient
	razorpayOrders   orderCreator
	razorpayPayments paymentFetcher
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

func initNATS() {
	var err error
	natsConn, err = events.Connect(cfg.NatsURL, logger)
	if err != nil {
		logger.Warn("nats unavailable, events disabled", zap.Error(err))
	}
	publisher = events.NewPublisher(natsConn, logger)
}

// initProviders builds the payment clients that have credentials. A
// provider without credentials answers payment-intent requests with 400.
func initProviders() {
	if cfg.StripeSecretKey != "" {
		sc := client.New(cfg.StripeSecretKey, nil)
		stripeIntents = sc.PaymentIntents
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set, stripe payments disabled")
	}
	if cfg.RazorpayKeyID != "" && cfg.RazorpayKeySecret != "" {
		rc := razorpay.NewClient(cfg.RazorpayKeyID, cfg.RazorpayKeySecret)
		razorpayOrders = rc.Order
		razorpayPayments = rc.Payment
	} else {
		logger.Warn("razorpay credentials not set, razorpay payments disabled")
	}
}
