package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"wa-saas/shared/auth"
	"wa-saas/shared/models"
)

var triggerTypes = map[string]bool{
	models.TriggerWebhook:   true,
	models.TriggerScheduled: true,
	models.TriggerManual:    true,
}

type eventView struct {
	models.Event
	TemplateName    string `json:"template_name"`
	TemplateContent string `json:"template_content,omitempty"`
}

// withTemplates attaches template names with a second query so the json
// serializer fields on Event load through gorm's normal path.
func withTemplates(list []models.Event, content bool) ([]eventView, error) {
	ids := make([]uint, 0, len(list))
	for _, e := range list {
		ids = append(ids, e.TemplateID)
	}
	byID := map[uint]models.Template{}
	if len(ids) > 0 {
		var templates []models.Template
		if err := db.Select("id", "name", "content").Where("id IN ?", ids).Find(&templates).Error; err != nil {
			return nil, err
		}
		for _, t := range templates {
			byID[t.ID] = t
		}
	}

	out := make([]eventView, 0, len(list))
	for _, e := range list {
		v := eventView{Event: e, TemplateName: byID[e.TemplateID].Name}
		if content {
			v.TemplateContent = byID[e.TemplateID].Content
		}
		out = append(out, v)
	}
	return out, nil
}

func findEvent(userID, id uint) (models.Event, error) {
	var e models.Event
	err := db.Where("id = ? AND user_id = ?", id, userID).First(&e).Error
	return e, err
}

// validateSchedule checks that a scheduled event carries a parseable cron
// expression.
func validateSchedule(conditions map[string]interface{}) bool {
	expr, _ := conditions["schedule"].(string)
	if expr == "" {
		return false
	}
	_, err := cron.ParseStandard(expr)
	return err == nil
}

func planAllowsWebhooks(userID uint) (bool, error) {
	plan, err := models.PlanForUser(db, userID)
	if err != nil {
		return false, err
	}
	enabled, _ := plan.Features["webhooks"].(bool)
	return enabled, nil
}

func getAllEvents(c echo.Context) error {
	userID, _ := auth.UserID(c)
	list := []models.Event{}
	if err := db.Where("user_id = ?", userID).Order("created_at DESC").Order("id DESC").Find(&list).Error; err != nil {
		return internalError(c, "get events", err)
	}
	views, err := withTemplates(list, false)
	if err != nil {
		return internalError(c, "get event templates", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"events": views})
}

func getEvent(c echo.Context) error {
	userID, _ := auth.UserID(c)
	id, ok := paramID(c)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Event not found"})
	}
	e, err := findEvent(userID, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Event not found"})
		}
		return internalError(c, "get event", err)
	}
	views, err := withTemplates([]models.Event{e}, true)
	if err != nil {
		return internalError(c, "get event template", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"event": views[0]})
}

// validateEvent checks the fields shared by create and update and returns a
// client message on failure.
func validateEvent(ctx context.Context, userID uint, e models.Event) (int, string, error) {
	if _, err := findTemplate(userID, e.TemplateID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return http.StatusNotFound, "Template not found", nil
		}
		return 0, "", err
	}
	if !triggerTypes[e.TriggerType] {
		return http.StatusBadRequest, "Invalid trigger type", nil
	}
	if e.WebhookURL != nil && *e.WebhookURL != "" {
		switch err := checkCallbackURL(ctx, *e.WebhookURL); {
		case errors.Is(err, errBlockedAddress):
			return http.StatusBadRequest, "Webhook URL must point to a public address", nil
		case err != nil:
			return http.StatusBadRequest, "Invalid webhook URL", nil
		}
		allowed, err := planAllowsWebhooks(userID)
		if err != nil {
			return 0, "", err
		}
		if !allowed {
			return http.StatusForbidden, "Webhooks are not available on your plan", nil
		}
	}
	if e.TriggerType == models.TriggerScheduled && !validateSchedule(e.Conditions) {
		return http.StatusBadRequest, "Scheduled events require a valid conditions.schedule cron expression", nil
	}
	return 0, "", nil
}

func createEvent(c echo.Context) error {
	userID, _ := auth.UserID(c)
	type CreateEventRequest struct {
		TemplateID  uint                   `json:"template_id"`
		TriggerType string                 `json:"trigger_type"`
		WebhookURL  *string                `json:"webhook_url"`
		Conditions  map[string]interface{} `json:"conditions"`
	}
	var req CreateEventRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if req.TemplateID == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "template_id is required"})
	}

	e := models.Event{
		UserID:      userID,
		TemplateID:  req.TemplateID,
		TriggerType: strings.TrimSpace(req.TriggerType),
		WebhookURL:  req.WebhookURL,
		Conditions:  req.Conditions,
		IsActive:    true,
	}
	if e.Conditions == nil {
		e.Conditions = map[string]interface{}{}
	}
	status, msg, err := validateEvent(c.Request().Context(), userID, e)
	if err != nil {
		return internalError(c, "validate event", err)
	}
	if msg != "" {
		return c.JSON(status, map[string]string{"error": msg})
	}

	if err := db.Create(&e).Error; err != nil {
		return internalError(c, "create event", err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"event": e})
}

func updateEvent(c echo.Context) error {
	userID, _ := auth.UserID(c)
	id, ok := paramID(c)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Event not found"})
	}
	type UpdateEventRequest struct {
		TemplateID  *uint                   `json:"template_id"`
		TriggerType *string                 `json:"trigger_type"`
		WebhookURL  *string                 `json:"webhook_url"`
		Conditions  *map[string]interface{} `json:"conditions"`
		IsActive    *bool                   `json:"is_active"`
	}
	var req UpdateEventRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	e, err := findEvent(userID, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Event not found"})
		}
		return internalError(c, "load event", err)
	}

	if req.TemplateID != nil {
		e.TemplateID = *req.TemplateID
	}
	if req.TriggerType != nil {
		e.TriggerType = strings.TrimSpace(*req.TriggerType)
	}
	if req.WebhookURL != nil {
		if *req.WebhookURL == "" {
			e.WebhookURL = nil
		} else {
			e.WebhookURL = req.WebhookURL
		}
	}
	if req.Conditions != nil {
		e.Conditions = *req.Conditions
	}
	if req.IsActive != nil {
		e.IsActive = *req.IsActive
	}

	status, msg, err := validateEvent(c.Request().Context(), userID, e)
	if err != nil {
		return internalError(c, "validate event", err)
	}
	if msg != "" {
		return c.JSON(status, map[string]string{"error": msg})
	}

	if err := db.Save(&e).Error; err != nil {
		return internalError(c, "update event", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"event": e})
}

func deleteEvent(c echo.Context) error {
	userID, _ := auth.UserID(c)
	id, ok := paramID(c)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Event not found"})
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&models.Event{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Model(&models.MessageLog{}).Where("event_id = ? AND user_id = ?", id, userID).Update("event_id", nil).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Event not found"})
	}
	if err != nil {
		return internalError(c, "delete event", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Event deleted successfully"})
}

func triggerEvent(c echo.Context) error {
	userID, _ := auth.UserID(c)
	id, ok := paramID(c)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Event not found or inactive"})
	}
	type TriggerRequest struct {
		ToNumber  string                 `json:"to_number"`
		Variables map[string]interface{} `json:"variables"`
	}
	var req TriggerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	var e models.Event
	if err := db.Where("id = ? AND user_id = ? AND is_active = ?", id, userID, true).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Event not found or inactive"})
		}
		return internalError(c, "load event", err)
	}
	t, err := findTemplate(userID, e.TemplateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Template not found"})
		}
		return internalError(c, "load template", err)
	}

	eventID := e.ID
	d, err := deliver(c.Request().Context(), deliveryRequest{
		UserID:     userID,
		Template:   t,
		EventID:    &eventID,
		WebhookURL: e.WebhookURL,
		ToNumber:   req.ToNumber,
		Variables:  req.Variables,
	})
	return respondDelivery(c, d, err, "Event triggered successfully")
}
