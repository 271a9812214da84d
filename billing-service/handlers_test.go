package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"wa-saas/shared/auth"
	"wa-saas/shared/config"
	"wa-saas/shared/events"
	"wa-saas/shared/models"
)

type fakeIntents struct {
	params  *stripe.PaymentIntentParams
	err     error
	intents map[string]*stripe.PaymentIntent
}

func (f *fakeIntents) Get(id string, _ *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	pi, ok := f.intents[id]
	if !ok {
		return nil, &stripe.Error{Msg: "No such payment_intent: '" + id + "'"}
	}
	return pi, nil
}

func (f *fakeIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.PaymentIntent{ID: "pi_123", ClientSecret: "pi_123_secret_abc"}, nil
}

type fakeOrders struct {
	data map[string]interface{}
}

func (f *fakeOrders) Create(data map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	f.data = data
	return map[string]interface{}{"id": "order_1", "amount": float64(data["amount"].(int64)), "currency": data["currency"]}, nil
}

type fakePayments struct {
	payments map[string]map[string]interface{}
}

func (f *fakePayments) Fetch(id string, _ map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	p, ok := f.payments[id]
	if !ok {
		return nil, errors.New("The id provided does not exist")
	}
	return p, nil
}

func succeededIntent(id string, userID, planID uint) *stripe.PaymentIntent {
	return &stripe.PaymentIntent{
		ID:     id,
		Status: stripe.PaymentIntentStatusSucceeded,
		Metadata: map[string]string{
			"user_id": strconv.FormatUint(uint64(userID), 10),
			"plan_id": strconv.FormatUint(uint64(planID), 10),
		},
	}
}

func setupTestDB(t *testing.T) models.User {
	var err error
	db, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.Migrate(db))

	publisher = events.NewPublisher(nil, nil)
	cfg = &config.Config{
		JWTSecret:             "test-secret",
		JWTExpiresIn:          time.Hour,
		StripeWebhookSecret:   "whsec_test",
		RazorpayKeySecret:     "rzp_secret",
		RazorpayWebhookSecret: "rzp_webhook_secret",
	}
	issuer = auth.NewIssuer(cfg.JWTSecret, cfg.JWTExpiresIn)
	stripeIntents = nil
	razorpayOrders = nil
	razorpayPayments = nil

	user := models.User{Name: "Ravi", Email: "ravi@example.com", PasswordHash: "x", PlanID: models.FreePlanID}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func newContext(method string, body interface{}, userID uint) (echo.Context, *httptest.ResponseRecorder) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, "/", &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	if userID > 0 {
		c.Set(auth.ContextUserID, userID)
	}
	return c, rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func userPlan(t *testing.T, id uint) uint {
	var u models.User
	require.NoError(t, db.First(&u, id).Error)
	return u.PlanID
}

func TestGetPlans(t *testing.T) {
	setupTestDB(t)
	c, rec := newContext(http.MethodGet, nil, 0)
	require.NoError(t, getPlans(c))
	require.Equal(t, http.StatusOK, rec.Code)

	plans := decode(t, rec)["plans"].([]interface{})
	require.Len(t, plans, 3)
	assert.Equal(t, "Free", plans[0].(map[string]interface{})["name"])
	assert.Equal(t, 99.99, plans[2].(map[string]interface{})["price"])
}

func TestCurrentSubscriptionDefaultsToFree(t *testing.T) {
	user := setupTestDB(t)
	c, rec := newContext(http.MethodGet, nil, user.ID)
	require.NoError(t, getCurrentSubscription(c))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Nil(t, body["subscription"])
	assert.Equal(t, "Free", body["plan"].(map[string]interface{})["name"])
}

func TestSubscribeAndCancel(t *testing.T) {
	user := setupTestDB(t)
	stripeIntents = &fakeIntents{intents: map[string]*stripe.PaymentIntent{
		"pi_1": succeededIntent("pi_1", user.ID, 2),
	}}
	razorpayPayments = &fakePayments{payments: map[string]map[string]interface{}{
		"pay_1": {"id": "pay_1", "status": "captured", "notes": map[string]interface{}{"user_id": float64(user.ID), "plan_id": "3"}},
	}}

	c, rec := newContext(http.MethodPost, map[string]interface{}{"plan_id": 2, "payment_provider": "stripe", "payment_id": "pi_1"}, user.ID)
	require.NoError(t, subscribe(c))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, uint(2), userPlan(t, user.ID))

	c, rec = newContext(http.MethodPost, map[string]interface{}{"plan_id": 3, "payment_provider": "razorpay", "payment_id": "pay_1"}, user.ID)
	require.NoError(t, subscribe(c))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, uint(3), userPlan(t, user.ID))

	var active int64
	db.Model(&models.Subscription{}).Where("user_id = ? AND status = ?", user.ID, models.SubscriptionActive).Count(&active)
	assert.Equal(t, int64(1), active)

	c, rec = newContext(http.MethodGet, nil, user.ID)
	require.NoError(t, getCurrentSubscription(c))
	sub := decode(t, rec)["subscription"].(map[string]interface{})
	assert.Equal(t, "Enterprise", sub["plan_name"])
	assert.Equal(t, float64(100000), sub["quota"])

	c, rec = newContext(http.MethodPost, nil, user.ID)
	require.NoError(t, cancelSubscription(c))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.FreePlanID, userPlan(t, user.ID))

	c, rec = newContext(http.MethodPost, nil, user.ID)
	require.NoError(t, cancelSubscription(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscribeValidation(t *testing.T) {
	user := setupTestDB(t)

	c, rec := newContext(http.MethodPost, map[string]interface{}{"plan_id": 42}, user.ID)
	require.NoError(t, subscribe(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	c, rec = newContext(http.MethodPost, map[string]interface{}{"plan_id": 2, "payment_provider": "paypal"}, user.ID)
	require.NoError(t, subscribe(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubscribeRequiresVerifiedPayment(t *testing.T) {
	user := setupTestDB(t)

	c, rec := newContext(http.MethodPost, map[string]interface{}{"plan_id": 2, "payment_provider": "stripe", "payment_id": "pi_x"}, user.ID)
	require.NoError(t, subscribe(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Payment provider is not configured", decode(t, rec)["error"])

	pending := succeededIntent("pi_pending", user.ID, 2)
	pending.Status = stripe.PaymentIntentStatusRequiresPaymentMethod
	stripeIntents = &fakeIntents{intents: map[string]*stripe.PaymentIntent{
		"pi_pending": pending,
		"pi_other":   succeededIntent("pi_other", user.ID+1, 2),
		"pi_basic":   succeededIntent("pi_basic", user.ID, 2),
	}}
	razorpayPayments = &fakePayments{payments: map[string]map[string]interface{}{
		"pay_auth": {"id": "pay_auth", "status": "authorized", "notes": map[string]interface{}{"user_id": float64(user.ID), "plan_id": "3"}},
	}}

	cases := []map[string]interface{}{
		{"plan_id": 2, "payment_provider": "stripe", "payment_id": "pi_unknown"},
		{"plan_id": 2, "payment_provider": "stripe", "payment_id": "pi_pending"},
		{"plan_id": 2, "payment_provider": "stripe", "payment_id": "pi_other"},
		{"plan_id": 3, "payment_provider": "stripe", "payment_id": "pi_basic"},
		{"plan_id": 3, "payment_provider": "razorpay", "payment_id": "pay_auth"},
		{"plan_id": 3, "payment_provider": "razorpay", "payment_id": "pay_missing"},
	}
	for _, body := range cases {
		c, rec := newContext(http.MethodPost, body, user.ID)
		require.NoError(t, subscribe(c))
		assert.Equal(t, http.StatusPaymentRequired, rec.Code, body)
	}

	c, rec = newContext(http.MethodPost, map[string]interface{}{"plan_id": 2}, user.ID)
	require.NoError(t, subscribe(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, models.FreePlanID, userPlan(t, user.ID))
	var n int64
	db.Model(&models.Subscription{}).Count(&n)
	assert.Equal(t, int64(0), n)
}

func TestActivationIsIdempotent(t *testing.T) {
	user := setupTestDB(t)
	a := activation{UserID: user.ID, PlanID: 2, Provider: models.ProviderStripe, PaymentID: "pi_dup"}

	first, created, err := activateSubscription(a)
	require.NoError(t, err)
	assert.True(t, created)

	// Manual downgrade between deliveries must survive a replay.
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", user.ID).Update("plan_id", 1).Error)

	again, created, err := activateSubscription(a)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, models.FreePlanID, userPlan(t, user.ID))

	var n int64
	db.Model(&models.Subscription{}).Count(&n)
	assert.Equal(t, int64(1), n)

	other := models.User{Name: "Eve", Email: "eve@example.com", PasswordHash: "x"}
	require.NoError(t, db.Create(&other).Error)
	_, _, err = activateSubscription(activation{UserID: other.ID, PlanID: 2, Provider: models.ProviderStripe, PaymentID: "pi_dup"})
	assert.ErrorIs(t, err, ErrPaymentReused)
}

func TestPaymentIntentStripe(t *testing.T) {
	user := setupTestDB(t)
	fake := &fakeIntents{}
	stripeIntents = fake

	c, rec := newContext(http.MethodPost, map[string]interface{}{"plan_id": 2, "provider": "stripe"}, user.ID)
	require.NoError(t, createPaymentIntent(c))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, "pi_123_secret_abc", body["clientSecret"])
	assert.Equal(t, "pi_123", body["paymentIntentId"])
	assert.Equal(t, int64(2999), *fake.params.Amount)
	assert.Equal(t, "usd", *fake.params.Currency)
	assert.Equal(t, "2", fake.params.Metadata["plan_id"])
	require.NotNil(t, fake.params.IdempotencyKey)
	assert.Len(t, *fake.params.IdempotencyKey, 36)

	fake.err = errors.New("card declined")
	c, rec = newContext(http.MethodPost, map[string]interface{}{"plan_id": 2, "provider": "stripe"}, user.ID)
	require.NoError(t, createPaymentIntent(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "card declined", decode(t, rec)["error"])
}

func TestPaymentIntentRazorpay(t *testing.T) {
	user := setupTestDB(t)
	fake := &fakeOrders{}
	razorpayOrders = fake

	c, rec := newContext(http.MethodPost, map[string]interface{}{"plan_id": 3, "provider": "razorpay"}, user.ID)
	require.NoError(t, createPaymentIntent(c))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, "order_1", body["orderId"])
	assert.Equal(t, float64(9999), body["amount"])
	assert.Equal(t, "USD", fake.data["currency"])
	assert.Regexp(t, `^sub_\d+_\d+$`, fake.data["receipt"])
}

func TestPaymentIntentErrors(t *testing.T) {
	user := setupTestDB(t)

	c, rec := newContext(http.MethodPost, map[string]interface{}{"plan_id": 99, "provider": "stripe"}, user.ID)
	require.NoError(t, createPaymentIntent(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	c, rec = newContext(http.MethodPost, map[string]interface{}{"plan_id": 2, "provider": "paypal"}, user.ID)
	require.NoError(t, createPaymentIntent(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid payment provider", decode(t, rec)["error"])

	c, rec = newContext(http.MethodPost, map[string]interface{}{"plan_id": 2, "provider": "stripe"}, user.ID)
	require.NoError(t, createPaymentIntent(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func stripeRequest(t *testing.T, payload []byte, header string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", header)
	rec := httptest.NewRecorder()
	return echo.New().NewContext(req, rec), rec
}

func TestStripeWebhook(t *testing.T) {
	user := setupTestDB(t)
	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_777","object":"payment_intent","metadata":{"user_id":"` +
		jsonUint(user.ID) + `","plan_id":"2"}}}}`)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: cfg.StripeWebhookSecret})
	for i := 0; i < 2; i++ {
		c, rec := stripeRequest(t, payload, signed.Header)
		require.NoError(t, stripeWebhook(c))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, true, decode(t, rec)["received"])
	}
	assert.Equal(t, uint(2), userPlan(t, user.ID))

	var n int64
	db.Model(&models.Subscription{}).Where("payment_id = ?", "pi_777").Count(&n)
	assert.Equal(t, int64(1), n)

	c, rec := stripeRequest(t, payload, "t=1,v1=deadbeef")
	require.NoError(t, stripeWebhook(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func jsonUint(id uint) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func sign(secret, msg string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestRazorpayWebhook(t *testing.T) {
	user := setupTestDB(t)
	payload := `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_9","order_id":"order_9","notes":{"user_id":"` +
		jsonUint(user.ID) + `","plan_id":"3"}}}}}`

	req := httptest.NewRequest(http.MethodPost, "/webhooks/razorpay", bytes.NewReader([]byte(payload)))
	req.Header.Set("X-Razorpay-Signature", sign(cfg.RazorpayWebhookSecret, payload))
	rec := httptest.NewRecorder()
	require.NoError(t, razorpayWebhook(echo.New().NewContext(req, rec)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, uint(3), userPlan(t, user.ID))

	req = httptest.NewRequest(http.MethodPost, "/webhooks/razorpay", bytes.NewReader([]byte(payload)))
	req.Header.Set("X-Razorpay-Signature", sign("wrong", payload))
	rec = httptest.NewRecorder()
	require.NoError(t, razorpayWebhook(echo.New().NewContext(req, rec)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRazorpayNotesAsArray(t *testing.T) {
	a, event, err := activationFromRazorpay([]byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","notes":[]}}}}`))
	require.NoError(t, err)
	assert.Equal(t, "payment.captured", event)
	assert.Zero(t, a.UserID)
	assert.Equal(t, "pay_1", a.PaymentID)
}

func TestVerifyRazorpayPayment(t *testing.T) {
	user := setupTestDB(t)

	c, rec := newContext(http.MethodPost, map[string]string{
		"order_id": "order_1", "payment_id": "pay_1", "signature": sign(cfg.RazorpayKeySecret, "order_1|pay_1"),
	}, user.ID)
	require.NoError(t, verifyRazorpayPayment(c))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["verified"])

	c, rec = newContext(http.MethodPost, map[string]string{
		"order_id": "order_1", "payment_id": "pay_2", "signature": sign(cfg.RazorpayKeySecret, "order_1|pay_1"),
	}, user.ID)
	require.NoError(t, verifyRazorpayPayment(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExpireSubscriptions(t *testing.T) {
	user := setupTestDB(t)
	_, _, err := activateSubscription(activation{UserID: user.ID, PlanID: 2, Provider: models.ProviderStripe, PaymentID: "pi_old"})
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.Subscription{}).Where("payment_id = ?", "pi_old").
		Update("current_period_end", time.Now().UTC().Add(-time.Hour)).Error)

	n, err := expireSubscriptions()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.FreePlanID, userPlan(t, user.ID))
}
