package main

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"wa-saas/shared/auth"
	"wa-saas/shared/events"
	"wa-saas/shared/models"
	"wa-saas/shared/quota"
	"wa-saas/shared/whatsapp"
)

var (
	ErrNoWhatsAppAccount = errors.New("whatsapp account not configured")
	ErrQuotaExceeded     = errors.New("monthly message quota exceeded")
	ErrInvalidNumber     = errors.New("recipient number has no digits")
)

// approvedTemplate names a template pre-approved in WhatsApp Manager. When
// set, it is sent instead of the rendered text.
type approvedTemplate struct {
	Name       string            `json:"name"`
	Language   string            `json:"language"`
	Components []json.RawMessage `json:"components"`
}

type deliveryRequest struct {
	UserID     uint
	Template   models.Template
	EventID    *uint
	WebhookURL *string
	ToNumber   string
	Variables  map[string]interface{}
	Approved   *approvedTemplate
}

type delivery struct {
	Log     models.MessageLog
	SendErr error
}

func accountCredentials(acc models.WhatsAppAccount) whatsapp.Credentials {
	creds := whatsapp.Credentials{PhoneNumberID: acc.PhoneNumberID, AccessToken: acc.AccessToken}
	if creds.PhoneNumberID == "" {
		creds.PhoneNumberID = cfg.WhatsAppPhoneNumberID
	}
	if creds.AccessToken == "" {
		creds.AccessToken = cfg.WhatsAppAccessToken
	}
	return creds
}

func countMonthlyMessages(ctx context.Context, userID uint, since time.Time) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&models.MessageLog{}).
		Where("user_id = ? AND status <> ? AND created_at >= ?", userID, models.MessageFailed, since).
		Count(&n).Error
	return n, err
}

func checkQuota(ctx context.Context, userID uint) error {
	plan, err := models.PlanForUser(db.WithContext(ctx), userID)
	if err != nil {
		return err
	}
	allowed, err := counter.Allow(ctx, userID, plan.Quota, countMonthlyMessages)
	if err != nil {
		logger.Warn("quota counter unavailable, counting from database", zap.Error(err))
		used, err := countMonthlyMessages(ctx, userID, quota.MonthStart(time.Now()))
		if err != nil {
			return err
		}
		allowed = plan.Quota < 0 || used < int64(plan.Quota)
	}
	if !allowed {
		return ErrQuotaExceeded
	}
	return nil
}

// deliver renders and sends one template message and always records a
// message log. The returned error covers preconditions and storage; a
// provider failure is reported in delivery.SendErr.
func deliver(ctx context.Context, req deliveryRequest) (*delivery, error) {
	if whatsapp.NormalizeNumber(req.ToNumber) == "" {
		return nil, ErrInvalidNumber
	}
	var acc models.WhatsAppAccount
	if err := db.WithContext(ctx).Where("user_id = ?", req.UserID).First(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoWhatsAppAccount
		}
		return nil, err
	}
	if err := checkQuota(ctx, req.UserID); err != nil {
		return nil, err
	}

	var messageID string
	var sendErr error
	if a := req.Approved; a != nil {
		messageID, sendErr = waClient.SendTemplate(ctx, accountCredentials(acc), req.ToNumber, a.Name, a.Language, a.Components)
	} else {
		content := RenderTemplate(req.Template.Content, req.Template.Variables, req.Variables)
		messageID, sendErr = waClient.SendText(ctx, accountCredentials(acc), req.ToNumber, content)
	}

	templateID := req.Template.ID
	entry := models.MessageLog{
		UserID:     req.UserID,
		TemplateID: &templateID,
		EventID:    req.EventID,
		ToNumber:   req.ToNumber,
		Status:     models.MessageSent,
	}
	now := time.Now()
	if sendErr != nil {
		msg := sendErr.Error()
		entry.Status = models.MessageFailed
		entry.ErrorMessage = &msg
		logger.Warn("whatsapp send failed", zap.Uint("user_id", req.UserID), zap.Error(sendErr))
	} else {
		entry.MessageID = &messageID
		entry.SentAt = &now
	}
	if err := db.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, err
	}

	if sendErr == nil {
		if err := counter.Record(ctx, req.UserID); err != nil {
			logger.Warn("quota record failed", zap.Error(err))
		}
	}

	publishDelivery(entry, sendErr)
	if req.WebhookURL != nil && *req.WebhookURL != "" && req.EventID != nil {
		go notifyCallback(*req.WebhookURL, callbackPayload{
			EventID:      *req.EventID,
			MessageLogID: entry.ID,
			MessageID:    messageID,
			Status:       entry.Status,
			ToNumber:     entry.ToNumber,
			Error:        errorText(sendErr),
		})
	}

	return &delivery{Log: entry, SendErr: sendErr}, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func publishDelivery(entry models.MessageLog, sendErr error) {
	evt := events.MessageEvent{
		MessageLogID: entry.ID,
		UserID:       entry.UserID,
		TemplateID:   entry.TemplateID,
		EventID:      entry.EventID,
		ToNumber:     entry.ToNumber,
		Status:       entry.Status,
		Timestamp:    time.Now().UTC(),
	}
	if entry.MessageID != nil {
		evt.MessageID = *entry.MessageID
	}
	if sendErr == nil {
		publisher.Publish(events.SubjectMessageSent, evt)
		return
	}
	evt.Error = sendErr.Error()
	var user models.User
	if err := db.Select("phone_number").First(&user, entry.UserID).Error; err == nil {
		evt.Phone = user.PhoneNumber
	}
	publisher.Publish(events.SubjectMessageFailed, evt)
}

// respondDelivery writes the shared response for send and trigger.
func respondDelivery(c echo.Context, d *delivery, err error, successMsg string) error {
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidNumber):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "to_number is required"})
		case errors.Is(err, ErrNoWhatsAppAccount):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "WhatsApp account not configured"})
		case errors.Is(err, ErrQuotaExceeded):
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "Monthly message quota exceeded"})
		default:
			return internalError(c, "deliver message", err)
		}
	}
	if d.SendErr != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   "Failed to send message",
			"details": d.SendErr.Error(),
			"log":     d.Log,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":   successMsg,
		"messageId": *d.Log.MessageID,
		"log":       d.Log,
	})
}

func sendMessage(c echo.Context) error {
	userID, _ := auth.UserID(c)
	type SendRequest struct {
		TemplateID uint                   `json:"template_id"`
		ToNumber   string                 `json:"to_number"`
		Variables  map[string]interface{} `json:"variables"`
		Approved   *approvedTemplate      `json:"whatsapp_template"`
	}
	var req SendRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if whatsapp.NormalizeNumber(req.ToNumber) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "to_number is required"})
	}
	if req.Approved != nil && strings.TrimSpace(req.Approved.Name) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "whatsapp_template.name is required"})
	}

	t, err := findTemplate(userID, req.TemplateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Template not found"})
		}
		return internalError(c, "load template", err)
	}

	d, err := deliver(c.Request().Context(), deliveryRequest{
		UserID:    userID,
		Template:  t,
		ToNumber:  req.ToNumber,
		Variables: req.Variables,
		Approved:  req.Approved,
	})
	return respondDelivery(c, d, err, "Message sent successfully")
}

type logRow struct {
	models.MessageLog
	TemplateName *string `json:"template_name"`
}

func getMessageLogs(c echo.Context) error {
	userID, _ := auth.UserID(c)
	page, err := strconv.Atoi(c.QueryParam("page"))
	if err != nil || page < 1 {
		page = 1
	}
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	status := strings.TrimSpace(c.QueryParam("status"))

	scope := func(tx *gorm.DB) *gorm.DB {
		tx = tx.Where("ml.user_id = ?", userID)
		if status != "" {
			tx = tx.Where("ml.status = ?", status)
		}
		return tx
	}

	logs := []logRow{}
	err = db.Table("message_logs AS ml").
		Select("ml.*, t.name AS template_name").
		Joins("LEFT JOIN templates t ON ml.template_id = t.id").
		Scopes(scope).
		Order("ml.created_at DESC").Order("ml.id DESC").
		Limit(limit).Offset((page - 1) * limit).
		Scan(&logs).Error
	if err != nil {
		return internalError(c, "get message logs", err)
	}

	var total int64
	if err := db.Table("message_logs AS ml").Scopes(scope).Count(&total).Error; err != nil {
		return internalError(c, "count message logs", err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"logs": logs,
		"pagination": map[string]interface{}{
			"page":       page,
			"limit":      limit,
			"total":      total,
			"totalPages": int(math.Ceil(float64(total) / float64(limit))),
		},
	})
}

func parseDateParam(s string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

type statusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

type dailyCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

type templateCount struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

func getAnalytics(c echo.Context) error {
	userID, _ := auth.UserID(c)

	var start, end time.Time
	hasRange := false
	if s, e := c.QueryParam("start_date"), c.QueryParam("end_date"); s != "" && e != "" {
		var err1, err2 error
		start, err1 = parseDateParam(s, false)
		end, err2 = parseDateParam(e, true)
		if err1 != nil || err2 != nil || end.Before(start) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid date range"})
		}
		hasRange = true
	}
	scope := func(tx *gorm.DB) *gorm.DB {
		tx = tx.Where("ml.user_id = ?", userID)
		if hasRange {
			tx = tx.Where("ml.created_at BETWEEN ? AND ?", start, end)
		}
		return tx
	}

	var total int64
	if err := db.Table("message_logs AS ml").Scopes(scope).Count(&total).Error; err != nil {
		return internalError(c, "analytics total", err)
	}

	byStatus := []statusCount{}
	if err := db.Table("message_logs AS ml").Scopes(scope).
		Select("ml.status AS status, COUNT(*) AS count").
		Group("ml.status").Order("count DESC").
		Scan(&byStatus).Error; err != nil {
		return internalError(c, "analytics by status", err)
	}

	daily, err := dailyCounts(db.Table("message_logs AS ml").Scopes(scope), 30)
	if err != nil {
		return internalError(c, "analytics daily", err)
	}

	topTemplates := []templateCount{}
	if err := db.Table("message_logs AS ml").Scopes(scope).
		Select("t.name AS name, COUNT(ml.id) AS count").
		Joins("JOIN templates t ON ml.template_id = t.id").
		Group("t.id, t.name").Order("count DESC").Limit(10).
		Scan(&topTemplates).Error; err != nil {
		return internalError(c, "analytics top templates", err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":        total,
		"byStatus":     byStatus,
		"daily":        daily,
		"topTemplates": topTemplates,
	})
}

// dailyCounts buckets rows by UTC day, newest first, stopping after maxDays
// distinct days.
func dailyCounts(query *gorm.DB, maxDays int) ([]dailyCount, error) {
	rows, err := query.Select("ml.created_at").Order("ml.created_at DESC").Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []dailyCount{}
	for rows.Next() {
		var created time.Time
		if err := rows.Scan(&created); err != nil {
			return nil, err
		}
		day := created.UTC().Format("2006-01-02")
		if n := len(out); n > 0 && out[n-1].Date == day {
			out[n-1].Count++
			continue
		}
		if len(out) == maxDays {
			break
		}
		out = append(out, dailyCount{Date: day, Count: 1})
	}
	return out, rows.Err()
}
