package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func TestRateLimitMiddleware(t *testing.T) {
	InitSecurity()

	e := echo.New()
	handler := RateLimitMiddleware(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	do := func(remoteAddr string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/push/subscribe", nil)
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		_ = handler(e.NewContext(req, rec))
		return rec.Code
	}

	// The first 30 requests in the window pass, the 31st is throttled.
	for i := 0; i < 30; i++ {
		assert.Equal(t, http.StatusOK, do("203.0.113.7:1234"))
	}
	assert.Equal(t, http.StatusTooManyRequests, do("203.0.113.7:1234"))

	// The limit is per IP; another caller is unaffected.
	assert.Equal(t, http.StatusOK, do("203.0.113.8:1234"))
}
