package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
)

// Client is the MyWant API client
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL string) *Client {
	return NewClientWithTimeout(baseURL, 30*time.Second)
}

// NewClientWithTimeout creates a new API client with custom timeout
func NewClientWithTimeout(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// APIError is a non-2xx response. It unwraps to the engine sentinel named by
// Code, so errors.Is(err, mywant.ErrNotFound) works across the wire.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (status %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

var sentinels = map[string]error{
	"not_found":          mywant.ErrNotFound,
	"already_exists":     mywant.ErrAlreadyExists,
	"invalid_spec":       mywant.ErrInvalidSpec,
	"conflict":           mywant.ErrConflict,
	"already_pending":    mywant.ErrAlreadyPending,
	"already_decided":    mywant.ErrAlreadyDecided,
	"cycle_detected":     mywant.ErrCycleDetected,
	"already_terminal":   mywant.ErrTerminalState,
	"invalid_transition": mywant.ErrInvalidTransition,
	"agent_unavailable":  mywant.ErrAgentUnavailable,
}

func (e *APIError) Unwrap() error {
	return sentinels[e.Code]
}

// Request performs an HTTP request and decodes JSON response
func (c *Client) Request(ctx context.Context, method, path string, body any, result any) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Decode response if result pointer is provided
	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// RawRequest performs an HTTP request and returns the raw response body
func (c *Client) RawRequest(ctx context.Context, method, path string) ([]byte, error) {
	resp, err := c.doRequest(ctx, method, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// doRequest is an internal helper to perform HTTP requests
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mywant-cli/1.0.0")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	// Handle error responses
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(respBody))}
		var parsed struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Code != "" {
			apiErr.Code = parsed.Code
			apiErr.Message = parsed.Error
		}
		return nil, apiErr
	}
	return resp, nil
}
