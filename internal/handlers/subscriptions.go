package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"pushrelay/internal/auth"
	"pushrelay/internal/delivery"
	"pushrelay/internal/dispatch"
	"pushrelay/internal/registry"
)

// PushHandler is the HTTP surface of the push subsystem.
type PushHandler struct {
	registry       *registry.Service
	engine         *dispatch.Engine
	selfTester     *delivery.SelfTester
	receipts       *delivery.Receipts
	vapidPublicKey string
}

func NewPushHandler(reg *registry.Service, engine *dispatch.Engine,
	selfTester *delivery.SelfTester, receipts *delivery.Receipts, vapidPublicKey string) *PushHandler {
	return &PushHandler{
		registry:       reg,
		engine:         engine,
		selfTester:     selfTester,
		receipts:       receipts,
		vapidPublicKey: vapidPublicKey,
	}
}

type SubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
	Token     string `json:"token"`
	Platform  string `json:"platform"`
	UserAgent string `json:"user_agent"`
	DeviceID  string `json:"device_id"`
}

// Subscribe upserts one registration. The owner is always the
// authenticated identity from the bearer credential; anonymous devices
// register under their client-generated device id.
func (h *PushHandler) Subscribe(c echo.Context) error {
	var req SubscribeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = c.Request().UserAgent()
	}

	result, err := h.registry.Upsert(c.Request().Context(), registry.UpsertInput{
		Endpoint:  req.Endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
		Token:     req.Token,
		Platform:  req.Platform,
		UserAgent: userAgent,
		UserID:    auth.UserID(c),
		DeviceID:  req.DeviceID,
	})
	if err != nil {
		if errors.Is(err, registry.ErrUnsupportedEndpoint) || errors.Is(err, registry.ErrMissingKeys) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to store subscription"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":       true,
		"id":       result.ID,
		"provider": result.Provider,
	})
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// Unsubscribe deactivates the endpoint. Unknown endpoints are a no-op
// so the client can always converge to "not subscribed".
func (h *PushHandler) Unsubscribe(c echo.Context) error {
	var req UnsubscribeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if req.Endpoint == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Endpoint is required"})
	}

	if err := h.registry.Deactivate(c.Request().Context(), req.Endpoint); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to remove subscription"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true})
}

// Config serves the public key material clients need to create
// subscriptions. Served, not hardcoded, so keys can rotate without a
// client redeploy.
func (h *PushHandler) Config(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"publicKey": h.vapidPublicKey,
	})
}
