// Package processor calls the remote media processing endpoint. It knows
// nothing about jobs or credits: one call, one source object key.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxErrorBody = 512

// Config holds processing endpoint configuration
type Config struct {
	Endpoint  string
	AuthToken string
	Timeout   time.Duration
}

// Client issues dispatch calls to the processing endpoint
type Client struct {
	endpoint   string
	authToken  string
	httpClient *http.Client
	logger     *slog.Logger
}

// DispatchError is returned for non-2xx responses
type DispatchError struct {
	StatusCode int
	Body       string
}

func (e *DispatchError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("processing endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("processing endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether retrying the same request cannot succeed
func (e *DispatchError) Permanent() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsPermanent reports whether err is a dispatch failure that should not be retried
func IsPermanent(err error) bool {
	var dispatchErr *DispatchError
	if errors.As(err, &dispatchErr) {
		return dispatchErr.Permanent()
	}
	return false
}

type dispatchRequest struct {
	StorageKey string `json:"storageKey"`
}

// NewClient creates a new processing endpoint client
func NewClient(cfg *Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("processor endpoint is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		endpoint:   cfg.Endpoint,
		authToken:  cfg.AuthToken,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// Dispatch starts remote processing of the object at storageKey. It returns
// the response status code when the endpoint answered at all.
func (c *Client) Dispatch(ctx context.Context, storageKey string) (int, error) {
	if storageKey == "" {
		return 0, &DispatchError{StatusCode: http.StatusBadRequest, Body: "empty storage key"}
	}

	body, err := json.Marshal(dispatchRequest{StorageKey: storageKey})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal dispatch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Dispatch call failed",
			slog.String("storage_key", storageKey),
			slog.Duration("latency", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("failed to call processing endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &DispatchError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Info("Dispatch accepted",
		slog.String("storage_key", storageKey),
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", time.Since(start)),
	)

	return resp.StatusCode, nil
}
