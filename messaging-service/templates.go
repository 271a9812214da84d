package main

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"wa-saas/shared/auth"
	"wa-saas/shared/models"
)

var variableRegexp = regexp.MustCompile(`\{\{(\w+)\}\}`)

// ExtractVariables returns the unique {{name}} placeholders in order of
// first appearance.
func ExtractVariables(content string) []string {
	vars := []string{}
	seen := map[string]bool{}
	for _, m := range variableRegexp.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			vars = append(vars, m[1])
		}
	}
	return vars
}

// RenderTemplate substitutes the template's declared variables. Missing or
// empty values leave the placeholder in place.
func RenderTemplate(content string, declared []string, values map[string]interface{}) string {
	for _, name := range declared {
		v, ok := values[name]
		if !ok || v == nil {
			continue
		}
		s := fmt.Sprint(v)
		if s == "" {
			continue
		}
		content = strings.ReplaceAll(content, "{{"+name+"}}", s)
	}
	return content
}

func paramID(c echo.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func findTemplate(userID, id uint) (models.Template, error) {
	var t models.Template
	err := db.Where("id = ? AND user_id = ?", id, userID).First(&t).Error
	return t, err
}

func internalError(c echo.Context, msg string, err error) error {
	logger.Error(msg, zap.Error(err), zap.String("path", c.Path()))
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
}

func getAllTemplates(c echo.Context) error {
	userID, _ := auth.UserID(c)
	templates := []models.Template{}
	if err := db.Where("user_id = ?", userID).Order("created_at DESC").Order("id DESC").Find(&templates).Error; err != nil {
		return internalError(c, "get templates", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"templates": templates})
}

func getTemplate(c echo.Context) error {
	userID, _ := auth.UserID(c)
	id, ok := paramID(c)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Template not found"})
	}
	t, err := findTemplate(userID, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Template not found"})
		}
		return internalError(c, "get template", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"template": t})
}

type templateRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func bindTemplate(c echo.Context) (templateRequest, string) {
	var req templateRequest
	if err := c.Bind(&req); err != nil {
		return req, "Invalid request"
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return req, "Template name is required"
	}
	if strings.TrimSpace(req.Content) == "" {
		return req, "Template content is required"
	}
	return req, ""
}

func createTemplate(c echo.Context) error {
	userID, _ := auth.UserID(c)
	req, msg := bindTemplate(c)
	if msg != "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
	}

	plan, err := models.PlanForUser(db, userID)
	if err != nil {
		return internalError(c, "load plan", err)
	}
	if limit := plan.TemplateLimit(); limit >= 0 {
		var count int64
		if err := db.Model(&models.Template{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
			return internalError(c, "count templates", err)
		}
		if count >= int64(limit) {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "Template limit reached for your plan"})
		}
	}

	t := models.Template{
		UserID:    userID,
		Name:      req.Name,
		Content:   req.Content,
		Variables: ExtractVariables(req.Content),
	}
	if err := db.Create(&t).Error; err != nil {
		return internalError(c, "create template", err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"template": t})
}

func updateTemplate(c echo.Context) error {
	userID, _ := auth.UserID(c)
	id, ok := paramID(c)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Template not found"})
	}
	req, msg := bindTemplate(c)
	if msg != "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
	}

	t, err := findTemplate(userID, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Template not found"})
		}
		return internalError(c, "load template", err)
	}

	t.Name = req.Name
	t.Content = req.Content
	t.Variables = ExtractVariables(req.Content)
	if err := db.Save(&t).Error; err != nil {
		return internalError(c, "update template", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"template": t})
}

func deleteTemplate(c echo.Context) error {
	userID, _ := auth.UserID(c)
	id, ok := paramID(c)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Template not found"})
	}

	// Mirrors ON DELETE CASCADE on events and SET NULL on message logs.
	err := db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&models.Template{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		eventIDs := tx.Model(&models.Event{}).Select("id").Where("template_id = ? AND user_id = ?", id, userID)
		if err := tx.Model(&models.MessageLog{}).Where("event_id IN (?)", eventIDs).Update("event_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Where("template_id = ? AND user_id = ?", id, userID).Delete(&models.Event{}).Error; err != nil {
			return err
		}
		return tx.Model(&models.MessageLog{}).Where("template_id = ? AND user_id = ?", id, userID).Update("template_id", nil).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Template not found"})
	}
	if err != nil {
		return internalError(c, "delete template", err)
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "Template deleted successfully"})
}
