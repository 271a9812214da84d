package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"wa-saas/shared/events"
	"wa-saas/shared/models"
	"wa-saas/shared/whatsapp"
)

func verifyWhatsAppWebhook(c echo.Context) error {
	challenge, ok := whatsapp.VerifyChallenge(
		c.QueryParam("hub.mode"),
		c.QueryParam("hub.verify_token"),
		c.QueryParam("hub.challenge"),
		cfg.WhatsAppVerifyToken,
	)
	if !ok {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "Verification failed"})
	}
	logger.Info("whatsapp webhook verified")
	return c.String(http.StatusOK, challenge)
}

func receiveWhatsAppWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if cfg.WhatsAppAppSecret != "" &&
		!whatsapp.ValidSignature(body, c.Request().Header.Get("X-Hub-Signature-256"), cfg.WhatsAppAppSecret) {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
	}

	var payload whatsapp.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid payload"})
	}

	for _, st := range payload.Statuses() {
		if err := applyStatus(st); err != nil {
			logger.Error("apply whatsapp status", zap.String("message_id", st.ID), zap.Error(err))
		}
	}
	inbound, err := inboundEvents(payload.Messages())
	if err != nil {
		logger.Error("resolve inbound messages", zap.Error(err))
	}
	for _, evt := range inbound {
		logger.Info("inbound whatsapp message",
			zap.Uint("user_id", evt.UserID), zap.String("from", evt.From), zap.String("type", evt.Type))
		publisher.Publish(events.SubjectMessageInbound, evt)
	}
	return c.NoContent(http.StatusOK)
}

// inboundEvents maps received messages to the users owning the receiving
// number. Messages for numbers no account claims are dropped.
func inboundEvents(msgs []whatsapp.InboundMessage) ([]events.InboundEvent, error) {
	owners := map[string]uint{}
	var out []events.InboundEvent
	for _, m := range msgs {
		userID, seen := owners[m.PhoneNumberID]
		if !seen {
			var acc models.WhatsAppAccount
			res := db.Where("phone_number_id = ?", m.PhoneNumberID).Limit(1).Find(&acc)
			if res.Error != nil {
				return out, res.Error
			}
			userID = acc.UserID
			owners[m.PhoneNumberID] = userID
		}
		if userID == 0 {
			logger.Debug("inbound message for unknown number", zap.String("phone_number_id", m.PhoneNumberID))
			continue
		}
		at := m.Time()
		if at.IsZero() {
			at = time.Now().UTC()
		}
		out = append(out, events.InboundEvent{
			UserID:        userID,
			PhoneNumberID: m.PhoneNumberID,
			From:          m.From,
			MessageID:     m.ID,
			Type:          m.Type,
			Text:          m.Body(),
			Timestamp:     at,
		})
	}
	return out, nil
}

// applyStatus records a delivery report against the log row with the same
// provider message id. Unknown ids are ignored.
func applyStatus(st whatsapp.Status) error {
	if st.ID == "" {
		return nil
	}
	at := st.Time()
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var updates map[string]interface{}
	switch st.Status {
	case "delivered":
		updates = map[string]interface{}{"delivery_status": st.Status, "delivered_at": at}
	case "read":
		updates = map[string]interface{}{"read_status": st.Status, "read_at": at}
	case "failed":
		updates = map[string]interface{}{"status": models.MessageFailed, "error_message": st.ErrorText()}
	default:
		return nil
	}

	var entry models.MessageLog
	res := db.Where("message_id = ?", st.ID).Limit(1).Find(&entry)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		logger.Debug("status for unknown message", zap.String("message_id", st.ID))
		return nil
	}
	wasCounted := entry.Status == models.MessageSent
	if err := db.Model(&entry).Updates(updates).Error; err != nil {
		return err
	}
	if st.Status == "failed" && wasCounted {
		if err := counter.Release(context.Background(), entry.UserID, entry.CreatedAt); err != nil {
			logger.Warn("quota release failed", zap.Uint("message_log_id", entry.ID), zap.Error(err))
		}
	}

	publisher.Publish(events.SubjectMessageStatus, events.MessageEvent{
		MessageLogID: entry.ID,
		UserID:       entry.UserID,
		TemplateID:   entry.TemplateID,
		EventID:      entry.EventID,
		ToNumber:     entry.ToNumber,
		MessageID:    st.ID,
		Status:       st.Status,
		Error:        st.ErrorText(),
		Timestamp:    at,
	})
	return nil
}
