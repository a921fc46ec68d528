package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"pushrelay/internal/auth"
	"pushrelay/internal/delivery"
	"pushrelay/internal/dispatch"
	"pushrelay/internal/queue"
)

type AdminSendRequest struct {
	// UserIDs accepts a single id, a list of ids, or the string "all"
	// for a broadcast.
	UserIDs json.RawMessage `json:"user_ids"`
	Payload dispatch.Job    `json:"payload"`
}

// AdminSend is the targeted/broadcast send for operators. The admin
// token middleware has already run; nothing here trusts end-user auth.
func (h *PushHandler) AdminSend(c echo.Context) error {
	var req AdminSendRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	recipients, err := parseRecipients(req.UserIDs)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	result, err := h.engine.Dispatch(c.Request().Context(), &req.Payload, recipients)
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidPayload) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to dispatch notification"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"total":   result.Total,
		"sent":    result.Sent,
		"failed":  result.Failed,
		"errors":  result.Errors,
	})
}

func parseRecipients(raw json.RawMessage) (dispatch.Recipients, error) {
	if len(raw) == 0 {
		return dispatch.Recipients{}, errors.New("user_ids is required")
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "all" {
			return dispatch.Recipients{Broadcast: true}, nil
		}
		if single == "" {
			return dispatch.Recipients{}, errors.New("user_ids is required")
		}
		return dispatch.Recipients{UserIDs: []string{single}}, nil
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		if len(many) == 0 {
			return dispatch.Recipients{}, errors.New("user_ids is required")
		}
		return dispatch.Recipients{UserIDs: many}, nil
	}

	return dispatch.Recipients{}, errors.New("user_ids must be a string or an array of strings")
}

type SelfTestRequest struct {
	Tag string `json:"tag"`
}

// SelfTest sends a synthetic notification to the caller through the real
// dispatch path and returns the log id to poll.
func (h *PushHandler) SelfTest(c echo.Context) error {
	// Tag is optional and an empty body is fine.
	var req SelfTestRequest
	_ = c.Bind(&req)

	result, err := h.selfTester.Run(c.Request().Context(), auth.UserID(c), req.Tag)
	if err != nil {
		if errors.Is(err, delivery.ErrNoSubscriptions) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "No active subscriptions to test"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Self-test failed"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": result.Result.Sent > 0,
		"tag":     result.Tag,
		"logId":   result.LogID,
	})
}

// SelfTestStatus lets the caller poll a self-test entry. Lookups are
// scoped to the caller's own entries; other users' ids read as absent.
func (h *PushHandler) SelfTestStatus(c echo.Context) error {
	entry, err := h.selfTester.Status(c.Request().Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Log entry not found"})
	}
	return c.JSON(http.StatusOK, entry)
}

// RetryStatus lets operators inspect a scheduled retry task by the id
// logged when it was enqueued.
func (h *PushHandler) RetryStatus(c echo.Context) error {
	info, err := queue.GetTaskStatus(queue.QueueDispatchRetry, c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Task not found"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":      info.ID,
		"queue":   info.Queue,
		"state":   info.State.String(),
		"lastErr": info.LastErr,
		"nextRun": info.NextProcessAt,
	})
}

type DeliveredRequest struct {
	Tag string `json:"tag"`
}

// Delivered is the client-side delivery receipt: it upgrades the
// caller's sent entries for a tag to delivered.
func (h *PushHandler) Delivered(c echo.Context) error {
	var req DeliveredRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if req.Tag == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Tag is required"})
	}

	updated, err := h.receipts.Confirm(c.Request().Context(), req.Tag, auth.UserID(c))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to record delivery"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":      true,
		"updated": updated,
	})
}
