package main

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/razorpay/razorpay-go/utils"
	"github.com/stripe/stripe-go/v79"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"wa-saas/shared/auth"
	"wa-saas/shared/models"
)

// minorUnits converts a decimal price to cents/paise.
func minorUnits(price float64) int64 {
	return int64(math.Round(price * 100))
}

func providerMessage(err error) string {
	var se *stripe.Error
	if errors.As(err, &se) && se.Msg != "" {
		return se.Msg
	}
	return err.Error()
}

// confirmPayment asks the provider whether paymentID is a completed payment
// that userID made for planID.
func confirmPayment(provider, paymentID string, userID, planID uint) error {
	switch provider {
	case models.ProviderStripe:
		if stripeIntents == nil {
			return ErrProviderDisabled
		}
		pi, err := stripeIntents.Get(paymentID, nil)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUnverified, providerMessage(err))
		}
		if pi.Status != stripe.PaymentIntentStatusSucceeded {
			return fmt.Errorf("%w: status %s", ErrUnverified, pi.Status)
		}
		return matchOwner(pi.Metadata["user_id"], pi.Metadata["plan_id"], userID, planID)
	case models.ProviderRazorpay:
		if razorpayPayments == nil {
			return ErrProviderDisabled
		}
		p, err := razorpayPayments.Fetch(paymentID, nil, nil)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUnverified, err)
		}
		if status, _ := p["status"].(string); status != "captured" {
			return fmt.Errorf("%w: status %v", ErrUnverified, p["status"])
		}
		notes, _ := p["notes"].(map[string]interface{})
		return matchOwner(notes["user_id"], notes["plan_id"], userID, planID)
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrUnverified, provider)
	}
}

func matchOwner(rawUser, rawPlan interface{}, userID, planID uint) error {
	u, errU := parseID(rawUser)
	p, errP := parseID(rawPlan)
	if errU != nil || errP != nil || u != userID || p != planID {
		return fmt.Errorf("%w: payment belongs to another user or plan", ErrUnverified)
	}
	return nil
}

func createPaymentIntent(c echo.Context) error {
	userID, _ := auth.UserID(c)
	type IntentRequest struct {
		PlanID   uint   `json:"plan_id"`
		Provider string `json:"provider"`
	}
	var req IntentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	var plan models.SubscriptionPlan
	if err := db.First(&plan, req.PlanID).Error; err != nil || req.PlanID == 0 {
		if req.PlanID == 0 || errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Plan not found"})
		}
		return internalError(c, "load plan", err)
	}
	userIDStr := strconv.FormatUint(uint64(userID), 10)
	planIDStr := strconv.FormatUint(uint64(plan.ID), 10)

	switch strings.ToLower(req.Provider) {
	case models.ProviderStripe:
		if stripeIntents == nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Stripe is not configured"})
		}
		currency := plan.Currency
		if currency == "" {
			currency = "USD"
		}
		params := &stripe.PaymentIntentParams{
			Amount:   stripe.Int64(minorUnits(plan.Price)),
			Currency: stripe.String(strings.ToLower(currency)),
		}
		params.AddMetadata("user_id", userIDStr)
		params.AddMetadata("plan_id", planIDStr)
		params.SetIdempotencyKey(uuid.NewString())

		pi, err := stripeIntents.New(params)
		if err != nil {
			logger.Warn("stripe payment intent failed", zap.Uint("user_id", userID), zap.Error(err))
			return c.JSON(http.StatusBadRequest, map[string]string{"error": providerMessage(err)})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"provider":        models.ProviderStripe,
			"clientSecret":    pi.ClientSecret,
			"paymentIntentId": pi.ID,
		})

	case models.ProviderRazorpay:
		if razorpayOrders == nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Razorpay is not configured"})
		}
		currency := plan.Currency
		if currency == "" {
			currency = "INR"
		}
		order, err := razorpayOrders.Create(map[string]interface{}{
			"amount":   minorUnits(plan.Price),
			"currency": strings.ToUpper(currency),
			"receipt":  fmt.Sprintf("sub_%d_%d", userID, time.Now().UnixMilli()),
			"notes": map[string]interface{}{
				"user_id": userIDStr,
				"plan_id": planIDStr,
			},
		}, nil)
		if err != nil {
			logger.Warn("razorpay order failed", zap.Uint("user_id", userID), zap.Error(err))
			return c.JSON(http.StatusBadRequest, map[string]string{"error": providerMessage(err)})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"provider": models.ProviderRazorpay,
			"orderId":  order["id"],
			"amount":   order["amount"],
			"currency": order["currency"],
		})

	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid payment provider"})
	}
}

// verifyRazorpayPayment checks the checkout callback signature
// (HMAC-SHA256 of "order_id|payment_id" with the key secret).
func verifyRazorpayPayment(c echo.Context) error {
	type VerifyRequest struct {
		OrderID   string `json:"order_id"`
		PaymentID string `json:"payment_id"`
		Signature string `json:"signature"`
	}
	var req VerifyRequest
	if err := c.Bind(&req); err != nil || req.OrderID == "" || req.PaymentID == "" || req.Signature == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "order_id, payment_id and signature are required"})
	}
	if cfg.RazorpayKeySecret == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Razorpay is not configured"})
	}

	params := map[string]interface{}{
		"razorpay_order_id":   req.OrderID,
		"razorpay_payment_id": req.PaymentID,
	}
	if !utils.VerifyPaymentSignature(params, req.Signature, cfg.RazorpayKeySecret) {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"verified": false, "error": "Invalid payment signature"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"verified": true})
}

func stripeWebhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	evt, err := verifyStripeEvent(body, c.Request().Header.Get("Stripe-Signature"))
	if err != nil {
		logger.Warn("stripe webhook rejected", zap.Error(err))
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Webhook signature verification failed"})
	}

	if string(evt.Type) == "payment_intent.succeeded" {
		a, err := activationFromIntent(evt.Data.Raw)
		if err != nil {
			logger.Warn("stripe intent without usable metadata", zap.String("event_id", evt.ID), zap.Error(err))
			return c.JSON(http.StatusOK, map[string]bool{"received": true})
		}
		if _, created, err := activateSubscription(a); err != nil {
			return internalError(c, "stripe activation", err)
		} else if !created {
			logger.Info("stripe payment already applied", zap.String("payment_id", a.PaymentID))
		}
	}
	return c.JSON(http.StatusOK, map[string]bool{"received": true})
}

func razorpayWebhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	signature := c.Request().Header.Get("X-Razorpay-Signature")
	if cfg.RazorpayWebhookSecret == "" || signature == "" ||
		!utils.VerifyWebhookSignature(string(body), signature, cfg.RazorpayWebhookSecret) {
		logger.Warn("razorpay webhook rejected", zap.Error(ErrInvalidSignature))
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Webhook signature verification failed"})
	}

	a, event, err := activationFromRazorpay(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid payload"})
	}
	if event == "payment.captured" {
		if a.UserID == 0 || a.PlanID == 0 || a.PaymentID == "" {
			logger.Warn("razorpay payment without usable notes", zap.String("payment_id", a.PaymentID))
			return c.JSON(http.StatusOK, map[string]bool{"received": true})
		}
		if _, _, err := activateSubscription(a); err != nil {
			return internalError(c, "razorpay activation", err)
		}
	}
	return c.JSON(http.StatusOK, map[string]bool{"received": true})
}
