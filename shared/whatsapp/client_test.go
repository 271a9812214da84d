package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/PNID/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "whatsapp", body["messaging_product"])
		assert.Equal(t, "15551234567", body["to"])
		assert.Equal(t, "text", body["type"])
		assert.Equal(t, "hi there", body["text"].(map[string]interface{})["body"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	id, err := c.SendText(context.Background(), Credentials{PhoneNumberID: "PNID", AccessToken: "tok"}, "+1 (555) 123-4567", "hi there")
	require.NoError(t, err)
	assert.Equal(t, "wamid.1", id)
}

func TestSendTextAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid parameter","type":"OAuthException","code":100}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	_, err := c.SendText(context.Background(), Credentials{PhoneNumberID: "P", AccessToken: "t"}, "1", "x")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Invalid parameter", apiErr.Error())
	assert.Equal(t, 100, apiErr.Code)
}

func TestSendTemplate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		tpl := body["template"].(map[string]interface{})
		assert.Equal(t, "order_update", tpl["name"])
		assert.Equal(t, "en", tpl["language"].(map[string]interface{})["code"])
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.2"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	id, err := c.SendTemplate(context.Background(), Credentials{PhoneNumberID: "P", AccessToken: "t"}, "1", "order_update", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "wamid.2", id)
}

func TestMissingCredentials(t *testing.T) {
	_, err := NewClient("http://unused", nil).SendText(context.Background(), Credentials{}, "1", "x")
	assert.Error(t, err)
}

func TestVerifyChallenge(t *testing.T) {
	got, ok := VerifyChallenge("subscribe", "vt", "123", "vt")
	assert.True(t, ok)
	assert.Equal(t, "123", got)

	_, ok = VerifyChallenge("subscribe", "bad", "123", "vt")
	assert.False(t, ok)
	_, ok = VerifyChallenge("subscribe", "", "123", "")
	assert.False(t, ok)
}

func TestValidSignature(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account"}`)
	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write(body)
	header := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	assert.True(t, ValidSignature(body, header, "app-secret"))
	assert.False(t, ValidSignature(body, header, "other"))
	assert.False(t, ValidSignature(body, "deadbeef", "app-secret"))
}

func TestStatusesAndTime(t *testing.T) {
	var p WebhookPayload
	require.NoError(t, json.Unmarshal([]byte(`{"entry":[{"changes":[{"value":{"statuses":[
		{"id":"wamid.1","status":"delivered","timestamp":"1700000000"},
		{"id":"wamid.2","status":"failed","timestamp":"x","errors":[{"code":131026,"title":"Message undeliverable"}]}
	]}}]}]}`), &p))

	st := p.Statuses()
	require.Len(t, st, 2)
	assert.Equal(t, int64(1700000000), st[0].Time().Unix())
	assert.True(t, st[1].Time().IsZero())
	assert.Equal(t, "Message undeliverable", st[1].ErrorText())
}

func TestInboundMessages(t *testing.T) {
	var p WebhookPayload
	require.NoError(t, json.Unmarshal([]byte(`{"entry":[{"changes":[{"value":{
		"metadata":{"display_phone_number":"15550001111","phone_number_id":"PNID"},
		"messages":[
			{"from":"15551234567","id":"wamid.in1","timestamp":"1700000100","type":"text","text":{"body":"STOP"}},
			{"from":"15551234567","id":"wamid.in2","timestamp":"1700000200","type":"image"}
		]}}]}]}`), &p))

	msgs := p.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "PNID", msgs[0].PhoneNumberID)
	assert.Equal(t, "STOP", msgs[0].Body())
	assert.Equal(t, int64(1700000100), msgs[0].Time().Unix())
	assert.Equal(t, "image", msgs[1].Type)
	assert.Empty(t, msgs[1].Body())
	assert.Empty(t, p.Statuses())
}
