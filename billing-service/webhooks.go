package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"wa-saas/shared/models"
)

func verifyStripeEvent(body []byte, signature string) (stripe.Event, error) {
	if cfg.StripeWebhookSecret == "" {
		return stripe.Event{}, fmt.Errorf("stripe webhook secret not configured: %w", ErrInvalidSignature)
	}
	return webhook.ConstructEventWithOptions(body, signature, cfg.StripeWebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

// parseID accepts ids sent as strings or JSON numbers.
func parseID(v interface{}) (uint, error) {
	switch id := v.(type) {
	case string:
		n, err := strconv.ParseUint(id, 10, 64)
		return uint(n), err
	case float64:
		return uint(id), nil
	default:
		return 0, fmt.Errorf("unexpected id %v", v)
	}
}

func activationFromIntent(raw json.RawMessage) (activation, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		return activation{}, err
	}
	userID, err := parseID(pi.Metadata["user_id"])
	if err != nil {
		return activation{}, fmt.Errorf("user_id metadata: %w", err)
	}
	planID, err := parseID(pi.Metadata["plan_id"])
	if err != nil {
		return activation{}, fmt.Errorf("plan_id metadata: %w", err)
	}
	return activation{UserID: userID, PlanID: planID, Provider: models.ProviderStripe, PaymentID: pi.ID}, nil
}

type razorpayEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string          `json:"id"`
				OrderID string          `json:"order_id"`
				Notes   json.RawMessage `json:"notes"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

func activationFromRazorpay(body []byte) (activation, string, error) {
	var evt razorpayEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return activation{}, "", err
	}
	payment := evt.Payload.Payment.Entity
	a := activation{Provider: models.ProviderRazorpay, PaymentID: payment.ID}
	// Razorpay sends notes as an empty array when none were set.
	var notes map[string]interface{}
	if err := json.Unmarshal(payment.Notes, &notes); err == nil {
		if userID, err := parseID(notes["user_id"]); err == nil {
			a.UserID = userID
		}
		if planID, err := parseID(notes["plan_id"]); err == nil {
			a.PlanID = planID
		}
	}
	return a, evt.Event, nil
}
