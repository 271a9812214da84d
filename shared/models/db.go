package models

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to postgres.
func Open(dsn string, log *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	log.Info("connected to postgres")
	return db, nil
}

// Migrate creates every table and seeds the default plans.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&SubscriptionPlan{},
		&User{},
		&RefreshToken{},
		&WhatsAppAccount{},
		&Template{},
		&Event{},
		&MessageLog{},
		&Subscription{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return SeedPlans(db)
}

// DefaultPlans are inserted on first start; plan 1 must stay Free.
func DefaultPlans() []SubscriptionPlan {
	return []SubscriptionPlan{
		{ID: 1, Name: FreePlanName, Price: 0, Currency: "USD", Quota: 100,
			Features: map[string]interface{}{"messages_per_month": 100, "templates": 5, "webhooks": false}},
		{ID: 2, Name: "Pro", Price: 29.99, Currency: "USD", Quota: 10000,
			Features: map[string]interface{}{"messages_per_month": 10000, "templates": 50, "webhooks": true}},
		{ID: 3, Name: "Enterprise", Price: 99.99, Currency: "USD", Quota: 100000,
			Features: map[string]interface{}{"messages_per_month": 100000, "templates": -1, "webhooks": true}},
	}
}

func SeedPlans(db *gorm.DB) error {
	plans := DefaultPlans()
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&plans).Error; err != nil {
		return fmt.Errorf("seed plans: %w", err)
	}
	return nil
}

// PlanForUser returns the plan currently attached to the user, falling
// back to Free.
func PlanForUser(db *gorm.DB, userID uint) (SubscriptionPlan, error) {
	var plan SubscriptionPlan
	err := db.Table("subscription_plans").
		Select("subscription_plans.*").
		Joins("JOIN users ON users.plan_id = subscription_plans.id").
		Where("users.id = ?", userID).
		Take(&plan).Error
	if err == nil {
		return plan, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return plan, err
	}
	err = db.Where("name = ?", FreePlanName).Take(&plan).Error
	return plan, err
}
