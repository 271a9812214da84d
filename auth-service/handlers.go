package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"wa-saas/shared/auth"
	"wa-saas/shared/models"
)

var (
	emailRegexp = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phoneRegexp = regexp.MustCompile(`^\+?\d{10,15}$`)
)

func validateEmail(email string) bool {
	return emailRegexp.MatchString(email)
}

func generateRandomString(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

type userResponse struct {
	ID     uint   `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	PlanID uint   `json:"plan_id"`
}

func toUserResponse(u models.User) userResponse {
	return userResponse{ID: u.ID, Name: u.Name, Email: u.Email, PlanID: u.PlanID}
}

func createTokenPair(user models.User) (map[string]interface{}, error) {
	accessToken, err := issuer.Issue(user.ID, user.Email)
	if err != nil {
		return nil, err
	}

	refreshTokenString, err := generateRandomString(32)
	if err != nil {
		return nil, err
	}
	rt := models.RefreshToken{
		UserID:    user.ID,
		Token:     refreshTokenString,
		ExpiresAt: time.Now().Add(cfg.RefreshTokenTTL),
	}
	if err := db.Create(&rt).Error; err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"token":         accessToken,
		"refresh_token": refreshTokenString,
		"expires_in":    issuer.TTL().Seconds(),
		"user":          toUserResponse(user),
	}, nil
}

func health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "auth-service"})
}

func signup(c echo.Context) error {
	type SignupRequest struct {
		Name        string `json:"name"`
		Email       string `json:"email"`
		Password    string `json:"password"`
		PhoneNumber string `json:"phone_number"`
	}
	var req SignupRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	if len(req.Name) < 2 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Name must be at least 2 characters"})
	}
	if !validateEmail(req.Email) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Please provide a valid email"})
	}
	if len(req.Password) < 6 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Password must be at least 6 characters"})
	}
	if req.PhoneNumber != "" && !phoneRegexp.MatchString(req.PhoneNumber) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid phone format"})
	}

	var exists int64
	if err := db.Model(&models.User{}).Where("email = ?", req.Email).Count(&exists).Error; err != nil {
		logger.Error("signup lookup failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	if exists > 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "User already exists with this email"})
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		logger.Error("hash password", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	user := models.User{
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: string(hashedPassword),
		PhoneNumber:  req.PhoneNumber,
		PlanID:       models.FreePlanID,
	}
	if err := db.Create(&user).Error; err != nil {
		logger.Error("create user", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	resp, err := createTokenPair(user)
	if err != nil {
		logger.Error("issue tokens", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	resp["message"] = "User created successfully"
	logger.Info("user signed up", zap.Uint("user_id", user.ID))
	return c.JSON(http.StatusCreated, resp)
}

func login(c echo.Context) error {
	type LoginRequest struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	if !validateEmail(req.Email) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Please provide a valid email"})
	}
	if req.Password == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Password is required"})
	}

	var user models.User
	if err := db.Where("email = ?", req.Email).First(&user).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Error("login lookup failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		}
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid email or password"})
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid email or password"})
	}

	resp, err := createTokenPair(user)
	if err != nil {
		logger.Error("issue tokens", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	resp["message"] = "Login successful"
	return c.JSON(http.StatusOK, resp)
}

func refreshToken(c echo.Context) error {
	type RefreshRequest struct {
		RefreshToken string `json:"refresh_token"`
	}
	var req RefreshRequest
	if err := c.Bind(&req); err != nil || req.RefreshToken == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	var rt models.RefreshToken
	if err := db.Where("token = ? AND expires_at > ?", req.RefreshToken, time.Now()).First(&rt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid or expired refresh token"})
		}
		logger.Error("refresh lookup failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	var user models.User
	if err := db.First(&user, rt.UserID).Error; err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid or expired refresh token"})
	}

	// Single use: a replayed refresh token finds nothing to delete.
	res := db.Delete(&rt)
	if res.Error != nil || res.RowsAffected == 0 {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid or expired refresh token"})
	}

	resp, err := createTokenPair(user)
	if err != nil {
		logger.Error("issue tokens", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	return c.JSON(http.StatusOK, resp)
}

func logout(c echo.Context) error {
	if token, ok := auth.BearerToken(c); ok {
		if claims, err := issuer.Parse(token); err == nil && blacklist != nil {
			if err := blacklist.Revoke(c.Request().Context(), token, time.Until(claims.ExpiresAt)); err != nil {
				logger.Warn("blacklist token", zap.Error(err))
			}
		}
	}

	type LogoutRequest struct {
		RefreshToken string `json:"refresh_token"`
	}
	var req LogoutRequest
	if err := c.Bind(&req); err == nil && req.RefreshToken != "" {
		db.Where("token = ?", req.RefreshToken).Delete(&models.RefreshToken{})
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

func checkToken(c echo.Context) error {
	token, ok := auth.BearerToken(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Missing or invalid Authorization header"})
	}

	claims, err := issuer.Parse(token)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
	}
	if blacklist != nil {
		if revoked, err := blacklist.IsRevoked(c.Request().Context(), token); err == nil && revoked {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
		}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"valid":   true,
		"user_id": claims.UserID,
		"email":   claims.Email,
	})
}

func getMe(c echo.Context) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}

	var user models.User
	if err := db.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "User not found"})
		}
		logger.Error("get me", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"user": map[string]interface{}{
			"id":           user.ID,
			"name":         user.Name,
			"email":        user.Email,
			"phone_number": user.PhoneNumber,
			"plan_id":      user.PlanID,
			"created_at":   user.CreatedAt,
		},
	})
}

func cleanupRefreshTokens() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		res := db.Where("expires_at < ?", time.Now()).Delete(&models.RefreshToken{})
		if res.Error != nil {
			logger.Warn("refresh token cleanup failed", zap.Error(res.Error))
			continue
		}
		if res.RowsAffected > 0 {
			logger.Info("expired refresh tokens removed", zap.Int64("count", res.RowsAffected))
		}
	}
}
