// Package whatsapp talks to the WhatsApp Business Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"
)

var nonDigits = regexp.MustCompile(`[^0-9]`)

// NormalizeNumber strips everything but digits, as the Cloud API expects.
func NormalizeNumber(to string) string {
	return nonDigits.ReplaceAllString(to, "")
}

type Credentials struct {
	PhoneNumberID string
	AccessToken   string
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

type textBody struct {
	Body string `json:"body"`
}

type outbound struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type,omitempty"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *textBody     `json:"text,omitempty"`
	Template         *TemplateBody `json:"template,omitempty"`
}

type TemplateBody struct {
	Name       string            `json:"name"`
	Language   TemplateLanguage  `json:"language"`
	Components []json.RawMessage `json:"components,omitempty"`
}

type TemplateLanguage struct {
	Code string `json:"code"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *APIError `json:"error"`
}

// APIError is the error object returned by the Graph API.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("whatsapp api status %d", e.Status)
	}
	return e.Message
}

// SendText sends a free-form text message and returns the WhatsApp message id.
func (c *Client) SendText(ctx context.Context, creds Credentials, to, text string) (string, error) {
	return c.send(ctx, creds, outbound{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               NormalizeNumber(to),
		Type:             "text",
		Text:             &textBody{Body: text},
	})
}

// SendTemplate sends a pre-approved WhatsApp template.
func (c *Client) SendTemplate(ctx context.Context, creds Credentials, to, name, languageCode string, components []json.RawMessage) (string, error) {
	if languageCode == "" {
		languageCode = "en"
	}
	return c.send(ctx, creds, outbound{
		MessagingProduct: "whatsapp",
		To:               NormalizeNumber(to),
		Type:             "template",
		Template: &TemplateBody{
			Name:       name,
			Language:   TemplateLanguage{Code: languageCode},
			Components: components,
		},
	})
}

func (c *Client) send(ctx context.Context, creds Credentials, payload outbound) (string, error) {
	if creds.PhoneNumberID == "" || creds.AccessToken == "" {
		return "", errors.New("whatsapp credentials missing")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, creds.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read whatsapp response: %w", err)
	}

	var out sendResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if out.Error != nil {
			apiErr.Message, apiErr.Type, apiErr.Code = out.Error.Message, out.Error.Type, out.Error.Code
		}
		return "", apiErr
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", errors.New("whatsapp response has no message id")
	}
	return out.Messages[0].ID, nil
}
