package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wa-saas/shared/auth"
	"wa-saas/shared/config"
)

// upstream answers with its name and the path it received.
func upstream(t *testing.T, name string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", name)
		w.Header().Set("X-Path", r.URL.Path)
		w.Header().Set("X-Query", r.URL.RawQuery)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		JWTSecret:           "test-secret",
		JWTExpiresIn:        time.Hour,
		AuthServiceURL:      upstream(t, "auth").URL,
		MessagingServiceURL: upstream(t, "messaging").URL,
		BillingServiceURL:   upstream(t, "billing").URL,
	}
}

func send(h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGatewayRouting(t *testing.T) {
	cfg := testConfig(t)
	e, err := newGateway(cfg, NewRateLimiter(1000, 1000), nil, zap.NewNop())
	require.NoError(t, err)
	token, err := auth.NewIssuer(cfg.JWTSecret, time.Hour).Issue(7, "a@example.com")
	require.NoError(t, err)

	cases := []struct {
		method, path, token string
		upstream, gotPath   string
	}{
		{http.MethodPost, "/api/auth/login", "", "auth", "/login"},
		{http.MethodGet, "/api/auth/me", token, "auth", "/me"},
		{http.MethodGet, "/api/templates", token, "messaging", "/templates"},
		{http.MethodGet, "/api/templates/3", token, "messaging", "/templates/3"},
		{http.MethodPost, "/api/events/3/trigger", token, "messaging", "/events/3/trigger"},
		{http.MethodGet, "/api/messages/logs", token, "messaging", "/messages/logs"},
		{http.MethodPut, "/api/whatsapp-account", token, "messaging", "/whatsapp-account"},
		{http.MethodPost, "/api/webhooks/whatsapp", "", "messaging", "/webhooks/whatsapp"},
		{http.MethodGet, "/api/subscriptions/plans", "", "billing", "/plans"},
		{http.MethodGet, "/api/subscriptions/current", token, "billing", "/current"},
		{http.MethodPost, "/api/webhooks/stripe", "", "billing", "/webhooks/stripe"},
		{http.MethodPost, "/api/webhooks/razorpay", "", "billing", "/webhooks/razorpay"},
	}
	for _, tc := range cases {
		rec := send(e, tc.method, tc.path, tc.token)
		require.Equal(t, http.StatusOK, rec.Code, tc.path)
		assert.Equal(t, tc.upstream, rec.Header().Get("X-Upstream"), tc.path)
		assert.Equal(t, tc.gotPath, rec.Header().Get("X-Path"), tc.path)
	}

	rec := send(e, http.MethodGet, "/api/messages/logs?page=2&limit=10", token)
	assert.Equal(t, "page=2&limit=10", rec.Header().Get("X-Query"))
}

func TestGatewayRequiresToken(t *testing.T) {
	e, err := newGateway(testConfig(t), NewRateLimiter(1000, 1000), nil, zap.NewNop())
	require.NoError(t, err)

	for _, path := range []string{"/api/templates", "/api/messages/send", "/api/subscriptions/current", "/api/auth/me"} {
		rec := send(e, http.MethodGet, path, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	rec := send(e, http.MethodGet, "/api/templates", "garbage")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = send(e, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGatewayRateLimit(t *testing.T) {
	e, err := newGateway(testConfig(t), NewRateLimiter(0.001, 2), nil, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, send(e, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, send(e, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, send(e, http.MethodGet, "/health", "").Code)
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))

	assert.Equal(t, 0, rl.Cleanup(time.Minute))
	assert.Equal(t, 2, rl.Cleanup(0))
}

func TestBadUpstream(t *testing.T) {
	cfg := testConfig(t)
	cfg.BillingServiceURL = "not a url"
	_, err := newGateway(cfg, NewRateLimiter(1, 1), nil, zap.NewNop())
	assert.Error(t, err)
}

func TestIsPublic(t *testing.T) {
	assert.True(t, isPublic("/api/auth/login"))
	assert.True(t, isPublic("/api/subscriptions/plans/"))
	assert.True(t, isPublic("/api/webhooks/stripe"))
	assert.False(t, isPublic("/api/auth/logout"))
	assert.False(t, isPublic("/api/subscriptions/current"))
}
