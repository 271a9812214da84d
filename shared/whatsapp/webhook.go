package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

type ChangeValue struct {
	MessagingProduct string    `json:"messaging_product"`
	Metadata         Metadata  `json:"metadata"`
	Statuses         []Status  `json:"statuses,omitempty"`
	Messages         []Message `json:"messages,omitempty"`
}

type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Status struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Timestamp   string    `json:"timestamp"`
	RecipientID string    `json:"recipient_id"`
	Errors      []WAError `json:"errors,omitempty"`
}

// Time converts the unix-seconds timestamp; zero time when unparsable.
func (s Status) Time() time.Time {
	return unixTime(s.Timestamp)
}

func unixTime(ts string) time.Time {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func (s Status) ErrorText() string {
	if len(s.Errors) == 0 {
		return ""
	}
	e := s.Errors[0]
	if e.Message != "" {
		return e.Message
	}
	return e.Title
}

type WAError struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message,omitempty"`
}

type Message struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
}

func (m Message) Time() time.Time {
	return unixTime(m.Timestamp)
}

// Body returns the text of a text message and "" for other types.
func (m Message) Body() string {
	if m.Text == nil {
		return ""
	}
	return m.Text.Body
}

// InboundMessage is a received message tagged with the business number it
// arrived on.
type InboundMessage struct {
	PhoneNumberID string
	Message
}

// Messages flattens every received message in the payload.
func (p WebhookPayload) Messages() []InboundMessage {
	var out []InboundMessage
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				out = append(out, InboundMessage{PhoneNumberID: change.Value.Metadata.PhoneNumberID, Message: m})
			}
		}
	}
	return out
}

// Statuses flattens every status update in the payload.
func (p WebhookPayload) Statuses() []Status {
	var out []Status
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			out = append(out, change.Value.Statuses...)
		}
	}
	return out
}

// VerifyChallenge implements the GET subscription handshake.
func VerifyChallenge(mode, token, challenge, verifyToken string) (string, bool) {
	if verifyToken != "" && mode == "subscribe" && token == verifyToken {
		return challenge, true
	}
	return "", false
}

// ValidSignature checks the X-Hub-Signature-256 header ("sha256=<hex>").
func ValidSignature(body []byte, header, appSecret string) bool {
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}
