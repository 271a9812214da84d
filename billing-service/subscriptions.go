package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wa-saas/shared/auth"
	"wa-saas/shared/events"
	"wa-saas/shared/models"
)

var (
	ErrPlanNotFound     = errors.New("plan not found")
	ErrPaymentReused    = errors.New("payment already applied to another account")
	ErrNoSubscription   = errors.New("no active subscription")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnverified       = errors.New("payment not verified")
	ErrProviderDisabled = errors.New("payment provider not configured")
)

var validProviders = map[string]bool{
	models.ProviderStripe:   true,
	models.ProviderRazorpay: true,
}

type activation struct {
	UserID    uint
	PlanID    uint
	Provider  string
	PaymentID string
}

// activateSubscription records a paid period and moves the user to the
// plan. Replays of the same (provider, payment_id) return the stored row
// with created=false and change nothing.
func activateSubscription(a activation) (sub models.Subscription, created bool, err error) {
	if a.PlanID == 0 {
		return sub, false, ErrPlanNotFound
	}
	var plan models.SubscriptionPlan
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&plan, a.PlanID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPlanNotFound
			}
			return err
		}

		now := time.Now().UTC()
		sub = models.Subscription{
			UserID:             a.UserID,
			PlanID:             a.PlanID,
			Status:             models.SubscriptionActive,
			PaymentProvider:    a.Provider,
			CurrentPeriodStart: now,
			CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		}
		if a.PaymentID != "" {
			pid := a.PaymentID
			sub.PaymentID = &pid
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&sub)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := tx.Where("payment_provider = ? AND payment_id = ?", a.Provider, a.PaymentID).First(&sub).Error; err != nil {
				return err
			}
			if sub.UserID != a.UserID {
				return ErrPaymentReused
			}
			return nil
		}
		created = true

		if err := tx.Model(&models.Subscription{}).
			Where("user_id = ? AND status = ? AND id <> ?", a.UserID, models.SubscriptionActive, sub.ID).
			Update("status", models.SubscriptionCancelled).Error; err != nil {
			return err
		}
		return tx.Model(&models.User{}).Where("id = ?", a.UserID).Update("plan_id", a.PlanID).Error
	})
	if err != nil || !created {
		return sub, created, err
	}

	logger.Info("subscription activated",
		zap.Uint("user_id", a.UserID),
		zap.Uint("plan_id", a.PlanID),
		zap.String("provider", a.Provider))
	publishActivated(sub, plan)
	return sub, true, nil
}

func publishActivated(sub models.Subscription, plan models.SubscriptionPlan) {
	evt := events.SubscriptionEvent{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		PlanID:         plan.ID,
		PlanName:       plan.Name,
		Provider:       sub.PaymentProvider,
		PeriodEnd:      sub.CurrentPeriodEnd,
		Timestamp:      time.Now().UTC(),
	}
	if sub.PaymentID != nil {
		evt.PaymentID = *sub.PaymentID
	}
	var user models.User
	if err := db.Select("phone_number").First(&user, sub.UserID).Error; err == nil {
		evt.Phone = user.PhoneNumber
	}
	publisher.Publish(events.SubjectSubscriptionActivated, evt)
}

func internalError(c echo.Context, msg string, err error) error {
	logger.Error(msg, zap.Error(err), zap.String("path", c.Path()))
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
}

func health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "billing-service"})
}

func getPlans(c echo.Context) error {
	plans := []models.SubscriptionPlan{}
	if err := db.Order("price ASC").Order("id ASC").Find(&plans).Error; err != nil {
		return internalError(c, "get plans", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"plans": plans})
}

type subscriptionView struct {
	models.Subscription
	PlanName string                 `json:"plan_name"`
	Price    float64                `json:"price"`
	Quota    int                    `json:"quota"`
	Features map[string]interface{} `json:"features"`
}

func getCurrentSubscription(c echo.Context) error {
	userID, _ := auth.UserID(c)

	var sub models.Subscription
	res := db.Where("user_id = ? AND status = ?", userID, models.SubscriptionActive).
		Order("created_at DESC").Order("id DESC").Limit(1).Find(&sub)
	if res.Error != nil {
		return internalError(c, "get current subscription", res.Error)
	}

	if res.RowsAffected == 0 {
		var free models.SubscriptionPlan
		if err := db.Where("name = ?", models.FreePlanName).First(&free).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return c.JSON(http.StatusOK, map[string]interface{}{"subscription": nil, "plan": nil})
			}
			return internalError(c, "get free plan", err)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"subscription": nil, "plan": free})
	}

	var plan models.SubscriptionPlan
	if err := db.First(&plan, sub.PlanID).Error; err != nil {
		return internalError(c, "get subscription plan", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"subscription": subscriptionView{
			Subscription: sub,
			PlanName:     plan.Name,
			Price:        plan.Price,
			Quota:        plan.Quota,
			Features:     plan.Features,
		},
		"plan": plan,
	})
}

func subscribe(c echo.Context) error {
	userID, _ := auth.UserID(c)
	type SubscribeRequest struct {
		PlanID          uint   `json:"plan_id"`
		PaymentProvider string `json:"payment_provider"`
		PaymentID       string `json:"payment_id"`
	}
	var req SubscribeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	req.PaymentProvider = strings.ToLower(strings.TrimSpace(req.PaymentProvider))
	if req.PaymentProvider != "" && !validProviders[req.PaymentProvider] {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid payment provider"})
	}

	paymentID := strings.TrimSpace(req.PaymentID)

	var plan models.SubscriptionPlan
	if err := db.First(&plan, req.PlanID).Error; err != nil || req.PlanID == 0 {
		if req.PlanID == 0 || errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Plan not found"})
		}
		return internalError(c, "load plan", err)
	}
	if plan.Price > 0 {
		if req.PaymentProvider == "" || paymentID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "payment_provider and payment_id are required"})
		}
		err := confirmPayment(req.PaymentProvider, paymentID, userID, plan.ID)
		switch {
		case errors.Is(err, ErrProviderDisabled):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Payment provider is not configured"})
		case errors.Is(err, ErrUnverified):
			logger.Warn("subscribe with unverified payment", zap.Uint("user_id", userID), zap.String("payment_id", paymentID), zap.Error(err))
			return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "Payment could not be verified"})
		case err != nil:
			return internalError(c, "confirm payment", err)
		}
	}

	sub, _, err := activateSubscription(activation{
		UserID:    userID,
		PlanID:    plan.ID,
		Provider:  req.PaymentProvider,
		PaymentID: paymentID,
	})
	switch {
	case errors.Is(err, ErrPlanNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Plan not found"})
	case errors.Is(err, ErrPaymentReused):
		return c.JSON(http.StatusConflict, map[string]string{"error": "Payment already used"})
	case err != nil:
		return internalError(c, "subscribe", err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"subscription": sub})
}

// cancelSubscription ends the active subscription and puts the user back on
// the Free plan.
func cancelSubscription(c echo.Context) error {
	userID, _ := auth.UserID(c)

	err := db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Subscription{}).
			Where("user_id = ? AND status = ?", userID, models.SubscriptionActive).
			Update("status", models.SubscriptionCancelled)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNoSubscription
		}
		return tx.Model(&models.User{}).Where("id = ?", userID).Update("plan_id", models.FreePlanID).Error
	})
	if errors.Is(err, ErrNoSubscription) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "No active subscription"})
	}
	if err != nil {
		return internalError(c, "cancel subscription", err)
	}
	logger.Info("subscription cancelled", zap.Uint("user_id", userID))
	return c.JSON(http.StatusOK, map[string]string{"message": "Subscription cancelled"})
}

// expireSubscriptions downgrades users whose paid period has ended.
func expireSubscriptions() (int, error) {
	var expired []models.Subscription
	now := time.Now().UTC()
	if err := db.Where("status = ? AND current_period_end < ?", models.SubscriptionActive, now).Find(&expired).Error; err != nil {
		return 0, fmt.Errorf("find expired subscriptions: %w", err)
	}
	for _, sub := range expired {
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&sub).Update("status", models.SubscriptionCancelled).Error; err != nil {
				return err
			}
			return tx.Model(&models.User{}).Where("id = ? AND plan_id = ?", sub.UserID, sub.PlanID).
				Update("plan_id", models.FreePlanID).Error
		})
		if err != nil {
			return 0, fmt.Errorf("expire subscription %d: %w", sub.ID, err)
		}
	}
	return len(expired), nil
}
