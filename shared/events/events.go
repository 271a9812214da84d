// Package events defines the NATS subjects and payloads exchanged between
// services.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	SubjectMessageSent           = "messages.sent"
	SubjectMessageFailed         = "messages.failed"
	SubjectMessageStatus         = "messages.status"
	SubjectMessageInbound        = "messages.inbound"
	SubjectSubscriptionActivated = "subscriptions.activated"
)

type MessageEvent struct {
	MessageLogID uint      `json:"message_log_id"`
	UserID       uint      `json:"user_id"`
	TemplateID   *uint     `json:"template_id,omitempty"`
	EventID      *uint     `json:"event_id,omitempty"`
	ToNumber     string    `json:"to_number"`
	MessageID    string    `json:"message_id,omitempty"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// InboundEvent is a message a customer sent to one of a user's numbers.
type InboundEvent struct {
	UserID        uint      `json:"user_id"`
	PhoneNumberID string    `json:"phone_number_id"`
	From          string    `json:"from"`
	MessageID     string    `json:"message_id"`
	Type          string    `json:"type"`
	Text          string    `json:"text,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type SubscriptionEvent struct {
	SubscriptionID uint      `json:"subscription_id"`
	UserID         uint      `json:"user_id"`
	PlanID         uint      `json:"plan_id"`
	PlanName       string    `json:"plan_name"`
	Provider       string    `json:"provider"`
	PaymentID      string    `json:"payment_id"`
	Phone          string    `json:"phone,omitempty"`
	PeriodEnd      time.Time `json:"period_end"`
	Timestamp      time.Time `json:"timestamp"`
}

// Connect dials NATS with reconnects enabled.
func Connect(url string, log *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	log.Info("connected to nats", zap.String("url", url))
	return nc, nil
}

// Publisher sends JSON events. A Publisher without a connection drops
// events, which keeps the HTTP path working when NATS is down.
type Publisher struct {
	nc  *nats.Conn
	log *zap.Logger
}

func NewPublisher(nc *nats.Conn, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{nc: nc, log: log}
}

func (p *Publisher) Publish(subject string, event interface{}) {
	if p == nil || p.nc == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.log.Error("marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Error("publish event", zap.String("subject", subject), zap.Error(err))
		return
	}
	p.log.Debug("published event", zap.String("subject", subject))
}
