package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"wa-saas/shared/auth"
	"wa-saas/shared/models"
)

func accountResponse(acc models.WhatsAppAccount) map[string]interface{} {
	return map[string]interface{}{
		"id":                  acc.ID,
		"phone_number":        acc.PhoneNumber,
		"phone_number_id":     acc.PhoneNumberID,
		"business_account_id": acc.BusinessAccountID,
		"has_access_token":    acc.AccessToken != "",
		"updated_at":          acc.UpdatedAt,
	}
}

func getWhatsAppAccount(c echo.Context) error {
	userID, _ := auth.UserID(c)
	var acc models.WhatsAppAccount
	if err := db.Where("user_id = ?", userID).First(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "WhatsApp account not configured"})
		}
		return internalError(c, "get whatsapp account", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"account": accountResponse(acc)})
}

// putWhatsAppAccount upserts the caller's credentials. An omitted access
// token keeps the stored one.
func putWhatsAppAccount(c echo.Context) error {
	userID, _ := auth.UserID(c)
	type AccountRequest struct {
		PhoneNumber       string `json:"phone_number"`
		AccessToken       string `json:"access_token"`
		PhoneNumberID     string `json:"phone_number_id"`
		BusinessAccountID string `json:"business_account_id"`
	}
	var req AccountRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if req.PhoneNumber == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "phone_number is required"})
	}

	var acc models.WhatsAppAccount
	err := db.Where("user_id = ?", userID).First(&acc).Error
	created := false
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		acc = models.WhatsAppAccount{UserID: userID}
		created = true
	case err != nil:
		return internalError(c, "load whatsapp account", err)
	}

	acc.PhoneNumber = req.PhoneNumber
	acc.PhoneNumberID = strings.TrimSpace(req.PhoneNumberID)
	acc.BusinessAccountID = strings.TrimSpace(req.BusinessAccountID)
	if req.AccessToken != "" {
		acc.AccessToken = req.AccessToken
	}

	if err := db.Save(&acc).Error; err != nil {
		return internalError(c, "save whatsapp account", err)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, map[string]interface{}{"account": accountResponse(acc)})
}
