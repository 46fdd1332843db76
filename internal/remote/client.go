package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const userAgent = "fleetsync/0.1"

// Client is an HTTP client for the fleet service API. It handles request
// construction, bearer authentication, and error classification.
//
// The client never retries on its own: redelivery of a failed operation
// belongs to the queue's retry budget, and a second transport-level attempt
// inside one dispatch would blur that accounting. Each call is one attempt.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	logger     *slog.Logger
}

// NewClient creates a fleet service client.
// baseURL is typically "https://fleet.example.com".
func NewClient(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		token:      token,
		logger:     logger,
	}
}

// Do executes one request against the fleet service. The path is appended to
// the client's base URL. A non-empty idempotencyKey is sent as the
// Idempotency-Key header so the server can deduplicate redelivered
// operations. Returns the response body for 2xx responses; any other status
// becomes an *APIError.
func (c *Client) Do(ctx context.Context, method, path string, body []byte, idempotencyKey string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("remote: building request %s %s: %w", method, path, err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		if readErr != nil {
			return nil, fmt.Errorf("remote: reading response body for %s %s: %w", method, path, readErr)
		}

		c.logger.Debug("request succeeded",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)

		return respBody, nil
	}

	if readErr != nil {
		respBody = []byte("(failed to read response body)")
	}

	c.logger.Debug("request failed",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
	)

	return nil, &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("X-Request-Id"),
		Body:       respBody,
		Err:        classifyStatus(resp.StatusCode),
	}
}
