package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPRegistry talks to the server's push endpoints.
type HTTPRegistry struct {
	BaseURL string

	// Token is the caller's bearer credential; empty registers the
	// device anonymously.
	Token string

	Client *http.Client
}

func NewHTTPRegistry(baseURL, token string) *HTTPRegistry {
	return &HTTPRegistry{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *HTTPRegistry) PublicKey(ctx context.Context) (string, error) {
	var resp struct {
		PublicKey string `json:"publicKey"`
	}
	if err := r.do(ctx, http.MethodGet, "/api/push/config", nil, &resp); err != nil {
		return "", err
	}
	if resp.PublicKey == "" {
		return "", fmt.Errorf("server returned no public key")
	}
	return resp.PublicKey, nil
}

func (r *HTTPRegistry) Upsert(ctx context.Context, req UpsertRequest) (*UpsertResult, error) {
	body := map[string]interface{}{
		"endpoint": req.Endpoint,
		"keys": map[string]string{
			"p256dh": req.P256dh,
			"auth":   req.Auth,
		},
		"platform":   req.Platform,
		"user_agent": req.UserAgent,
		"device_id":  req.DeviceID,
	}

	var resp UpsertResult
	if err := r.do(ctx, http.MethodPost, "/api/push/subscribe", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (r *HTTPRegistry) Remove(ctx context.Context, endpoint string) error {
	body := map[string]string{"endpoint": endpoint}
	return r.do(ctx, http.MethodDelete, "/api/push/subscribe", body, nil)
}

func (r *HTTPRegistry) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
