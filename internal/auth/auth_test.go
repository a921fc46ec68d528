package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushrelay/internal/config"
)

const testSecret = "test-secret"

func init() {
	config.Current = &config.Config{
		JWTSecret:  testSecret,
		AdminToken: "admin-token",
	}
}

func signToken(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func runMiddleware(mw func(echo.HandlerFunc) echo.HandlerFunc, headers map[string]string) (*httptest.ResponseRecorder, string) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var seenUserID string
	handler := mw(func(c echo.Context) error {
		seenUserID = UserID(c)
		return c.NoContent(http.StatusOK)
	})
	_ = handler(c)
	return rec, seenUserID
}

func TestJWTMiddleware(t *testing.T) {
	t.Run("valid token", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{
			"user_id": "user-1",
			"exp":     time.Now().Add(time.Hour).Unix(),
		}, testSecret)

		rec, userID := runMiddleware(JWTMiddleware, map[string]string{
			"Authorization": "Bearer " + token,
		})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "user-1", userID)
	})

	t.Run("numeric user id", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{"user_id": 42}, testSecret)

		rec, userID := runMiddleware(JWTMiddleware, map[string]string{
			"Authorization": "Bearer " + token,
		})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "42", userID)
	})

	t.Run("sub claim fallback", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{"sub": "user-2"}, testSecret)

		rec, userID := runMiddleware(JWTMiddleware, map[string]string{
			"Authorization": "Bearer " + token,
		})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "user-2", userID)
	})

	t.Run("missing header", func(t *testing.T) {
		rec, _ := runMiddleware(JWTMiddleware, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{"user_id": "user-1"}, "other-secret")

		rec, _ := runMiddleware(JWTMiddleware, map[string]string{
			"Authorization": "Bearer " + token,
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{
			"user_id": "user-1",
			"exp":     time.Now().Add(-time.Hour).Unix(),
		}, testSecret)

		rec, _ := runMiddleware(JWTMiddleware, map[string]string{
			"Authorization": "Bearer " + token,
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestOptionalJWTMiddleware(t *testing.T) {
	t.Run("anonymous caller passes", func(t *testing.T) {
		rec, userID := runMiddleware(OptionalJWTMiddleware, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, userID)
	})

	t.Run("valid credential attaches identity", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{"user_id": "user-1"}, testSecret)

		rec, userID := runMiddleware(OptionalJWTMiddleware, map[string]string{
			"Authorization": "Bearer " + token,
		})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "user-1", userID)
	})

	t.Run("supplied but invalid credential is rejected", func(t *testing.T) {
		// A broken token is a caller error, not anonymity.
		rec, _ := runMiddleware(OptionalJWTMiddleware, map[string]string{
			"Authorization": "Bearer not-a-token",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestAdminTokenMiddleware(t *testing.T) {
	t.Run("valid token", func(t *testing.T) {
		rec, _ := runMiddleware(AdminTokenMiddleware, map[string]string{
			"x-admin-token": "admin-token",
		})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		rec, _ := runMiddleware(AdminTokenMiddleware, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong token", func(t *testing.T) {
		rec, _ := runMiddleware(AdminTokenMiddleware, map[string]string{
			"x-admin-token": "nope",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
