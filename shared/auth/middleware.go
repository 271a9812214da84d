package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	ContextUserID = "user_id"
	ContextEmail  = "email"
	ContextToken  = "token"
)

// BearerToken returns the token from the Authorization header.
func BearerToken(c echo.Context) (string, bool) {
	h := c.Request().Header.Get("Authorization")
	if h == "" || !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return token, token != ""
}

// JWTMiddleware rejects requests without a valid, non-revoked token.
// blacklist may be nil.
func JWTMiddleware(issuer *Issuer, blacklist *Blacklist, log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenString, ok := BearerToken(c)
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Access token required"})
			}

			claims, err := issuer.Parse(tokenString)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid or expired token"})
			}

			if blacklist != nil {
				revoked, err := blacklist.IsRevoked(c.Request().Context(), tokenString)
				if err != nil {
					log.Warn("blacklist lookup failed", zap.Error(err))
				} else if revoked {
					return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid or expired token"})
				}
			}

			c.Set(ContextUserID, claims.UserID)
			c.Set(ContextEmail, claims.Email)
			c.Set(ContextToken, tokenString)
			return next(c)
		}
	}
}

// UserID reads the id stored by JWTMiddleware.
func UserID(c echo.Context) (uint, bool) {
	id, ok := c.Get(ContextUserID).(uint)
	return id, ok && id > 0
}
