package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"wa-saas/shared/config"
	"wa-saas/shared/events"
)

var ErrSMSDisabled = errors.New("sms disabled: twilio credentials not configured")

type SMSSender interface {
	Send(to, body string) error
}

type twilioSender struct {
	client *twilio.RestClient
	from   string
}

// newSMSSender returns nil when Twilio is not configured.
func newSMSSender(cfg *config.Config) SMSSender {
	if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" || cfg.TwilioFromNumber == "" {
		return nil
	}
	return &twilioSender{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.TwilioAccountSID,
			Password: cfg.TwilioAuthToken,
		}),
		from: cfg.TwilioFromNumber,
	}
}

func (s *twilioSender) Send(to, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)

	_, err := s.client.Api.CreateMessage(params)
	return err
}

var (
	natsConn *nats.Conn
	sender   SMSSender
	logger   = zap.NewNop()
)

func sendSMS(phone, message string) error {
	if sender == nil {
		return ErrSMSDisabled
	}
	return sender.Send(phone, message)
}

func subscriptionMessage(evt events.SubscriptionEvent) string {
	msg := fmt.Sprintf("Your %s plan is now active.", evt.PlanName)
	if !evt.PeriodEnd.IsZero() {
		msg += fmt.Sprintf(" It renews on %s.", evt.PeriodEnd.Format("Jan 2, 2006"))
	}
	return msg
}

func failedMessage(evt events.MessageEvent) string {
	msg := fmt.Sprintf("WhatsApp message to %s failed", evt.ToNumber)
	if evt.Error != "" {
		msg += ": " + evt.Error
	}
	return msg
}

func notify(kind, phone, message string) {
	if phone == "" {
		logger.Debug("no phone on event, skipping sms", zap.String("event", kind))
		return
	}
	if err := sendSMS(phone, message); err != nil {
		if errors.Is(err, ErrSMSDisabled) {
			logger.Info("sms skipped", zap.String("event", kind), zap.Error(err))
			return
		}
		logger.Error("failed to send sms", zap.String("event", kind), zap.String("phone", phone), zap.Error(err))
		return
	}
	logger.Info("sms sent", zap.String("event", kind), zap.String("phone", phone))
}

func handleSubscriptionActivated(msg *nats.Msg) {
	var evt events.SubscriptionEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		logger.Warn("bad subscription event", zap.Error(err))
		return
	}
	notify(msg.Subject, evt.Phone, subscriptionMessage(evt))
}

func handleMessageFailed(msg *nats.Msg) {
	var evt events.MessageEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		logger.Warn("bad message event", zap.Error(err))
		return
	}
	notify(msg.Subject, evt.Phone, failedMessage(evt))
}

func subscribeToNATS() error {
	handlers := map[string]nats.MsgHandler{
		events.SubjectSubscriptionActivated: handleSubscriptionActivated,
		events.SubjectMessageFailed:         handleMessageFailed,
	}
	for subject, h := range handlers {
		if _, err := natsConn.Subscribe(subject, h); err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		logger.Info("subscribed", zap.String("subject", subject))
	}
	return nil
}

func health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"service":     "notification-service",
		"sms_enabled": sender != nil,
	})
}

func testSMS(c echo.Context) error {
	phone := c.QueryParam("phone")
	message := c.QueryParam("message")
	if phone == "" || message == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Missing phone or message"})
	}

	if err := sendSMS(phone, message); err != nil {
		if errors.Is(err, ErrSMSDisabled) {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "SMS is not configured"})
		}
		logger.Error("test sms failed", zap.Error(err))
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "Failed to send SMS"})
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "SMS sent successfully"})
}
