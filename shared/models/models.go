// Package models holds the gorm models shared by the services that talk to
// the main postgres database.
package models

import (
	"time"
)

const (
	TriggerWebhook   = "webhook"
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"

	MessagePending = "pending"
	MessageSent    = "sent"
	MessageFailed  = "failed"

	SubscriptionActive    = "active"
	SubscriptionCancelled = "cancelled"

	ProviderStripe   = "stripe"
	ProviderRazorpay = "razorpay"

	FreePlanID   uint = 1
	FreePlanName      = "Free"
)

type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"size:255;not null" json:"name"`
	Email        string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"column:password;size:255;not null" json:"-"`
	PhoneNumber  string    `gorm:"size:20" json:"phone_number,omitempty"`
	PlanID       uint      `gorm:"default:1" json:"plan_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"not null"`
	CreatedAt time.Time
}

type SubscriptionPlan struct {
	ID        uint                   `gorm:"primaryKey" json:"id"`
	Name      string                 `gorm:"size:100;uniqueIndex;not null" json:"name"`
	Price     float64                `gorm:"type:decimal(10,2);not null" json:"price"`
	Currency  string                 `gorm:"size:3;default:USD" json:"currency"`
	Quota     int                    `gorm:"not null" json:"quota"`
	Features  map[string]interface{} `gorm:"serializer:json" json:"features"`
	CreatedAt time.Time              `json:"created_at"`
}

// TemplateLimit returns the plan's template cap; -1 means unlimited.
func (p SubscriptionPlan) TemplateLimit() int {
	if v, ok := p.Features["templates"].(float64); ok {
		return int(v)
	}
	if v, ok := p.Features["templates"].(int); ok {
		return v
	}
	return -1
}

type WhatsAppAccount struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	UserID            uint      `gorm:"uniqueIndex;not null" json:"user_id"`
	PhoneNumber       string    `gorm:"size:20;not null" json:"phone_number"`
	AccessToken       string    `gorm:"type:text;not null" json:"-"`
	PhoneNumberID     string    `gorm:"size:100" json:"phone_number_id"`
	BusinessAccountID string    `gorm:"size:100" json:"business_account_id"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (WhatsAppAccount) TableName() string { return "whatsapp_accounts" }

type Template struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index;not null" json:"user_id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Variables []string  `gorm:"serializer:json" json:"variables"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Event struct {
	ID          uint                   `gorm:"primaryKey" json:"id"`
	UserID      uint                   `gorm:"index;not null" json:"user_id"`
	TemplateID  uint                   `gorm:"index;not null" json:"template_id"`
	TriggerType string                 `gorm:"size:50;not null" json:"trigger_type"`
	WebhookURL  *string                `gorm:"size:500" json:"webhook_url"`
	Conditions  map[string]interface{} `gorm:"serializer:json" json:"conditions"`
	IsActive    bool                   `gorm:"default:true" json:"is_active"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

type MessageLog struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	UserID         uint       `gorm:"index;not null" json:"user_id"`
	TemplateID     *uint      `gorm:"index" json:"template_id"`
	EventID        *uint      `gorm:"index" json:"event_id"`
	ToNumber       string     `gorm:"size:20;not null" json:"to_number"`
	MessageID      *string    `gorm:"size:100;index" json:"message_id"`
	Status         string     `gorm:"size:50;default:pending" json:"status"`
	DeliveryStatus *string    `gorm:"size:50" json:"delivery_status"`
	ReadStatus     *string    `gorm:"size:50" json:"read_status"`
	ErrorMessage   *string    `gorm:"type:text" json:"error_message"`
	SentAt         *time.Time `json:"sent_at"`
	DeliveredAt    *time.Time `json:"delivered_at"`
	ReadAt         *time.Time `json:"read_at"`
	CreatedAt      time.Time  `gorm:"index" json:"created_at"`
}

type Subscription struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	UserID             uint      `gorm:"index;not null" json:"user_id"`
	PlanID             uint      `gorm:"not null" json:"plan_id"`
	Status             string    `gorm:"size:50;default:active;index" json:"status"`
	PaymentProvider    string    `gorm:"size:50;uniqueIndex:idx_subscription_payment" json:"payment_provider"`
	PaymentID          *string   `gorm:"size:255;uniqueIndex:idx_subscription_payment" json:"payment_id"`
	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}
