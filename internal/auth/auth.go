package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"pushrelay/internal/config"
)

// Context keys set by the middleware below.
const (
	ContextUserID = "user_id"
)

var errInvalidToken = errors.New("invalid token")

// parseBearer extracts and verifies the bearer credential, returning the
// authenticated user id. The identity itself is issued by the auth
// system; this subsystem only verifies and reads it.
func parseBearer(authHeader string) (string, error) {
	if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "Bearer ") {
		return "", errInvalidToken
	}

	tokenString := strings.TrimSpace(authHeader[7:])
	if tokenString == "" {
		return "", errInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(config.Current.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return "", errInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errInvalidToken
	}

	switch id := claims["user_id"].(type) {
	case string:
		if id != "" {
			return id, nil
		}
	case float64:
		return strconv.FormatInt(int64(id), 10), nil
	}

	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub, nil
	}

	return "", errInvalidToken
}

// JWTMiddleware requires a valid bearer credential.
func JWTMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Authorization header is required"})
		}

		userID, err := parseBearer(authHeader)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
		}

		c.Set(ContextUserID, userID)
		return next(c)
	}
}

// OptionalJWTMiddleware allows anonymous callers through for device
// registration, but a credential that is supplied and invalid is still
// rejected: a broken token is a caller error, not anonymity.
func OptionalJWTMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" {
			return next(c)
		}

		userID, err := parseBearer(authHeader)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
		}

		c.Set(ContextUserID, userID)
		return next(c)
	}
}

// AdminTokenMiddleware gates operator endpoints behind the pre-shared
// admin secret, checked before any store access.
func AdminTokenMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := c.Request().Header.Get("x-admin-token")
		if token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Admin token is required"})
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(config.Current.AdminToken)) != 1 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid admin token"})
		}

		return next(c)
	}
}

// UserID reads the authenticated identity off the request context;
// empty for anonymous callers.
func UserID(c echo.Context) string {
	if id, ok := c.Get(ContextUserID).(string); ok {
		return id
	}
	return ""
}
