// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package overhttp is the HTTP side of the sync engine: a Transport that posts queued mutations,
// a read-through entity fetcher and a connectivity prober.
package overhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mobiletoly/go-overline/overserver"
)

var (
	// ErrNotFound is returned by FetchEntity when the server has no such entity.
	ErrNotFound = errors.New("not found")
)

// TokenFunc returns the bearer token for the next request. It is called per request so
// a refreshed token is picked up without rebuilding the client.
type TokenFunc func(ctx context.Context) (string, error)

// StaticToken returns a TokenFunc that always yields token.
func StaticToken(token string) TokenFunc {
	return func(context.Context) (string, error) { return token, nil }
}

// Config holds HTTP client settings
type Config struct {
	BaseURL    string       // e.g. https://api.example.org
	Token      TokenFunc    // optional
	HTTPClient *http.Client // optional; defaults to a client with RequestTimeout
	Logger     *slog.Logger
	UserAgent  string

	RequestTimeout time.Duration // used only for the default HTTPClient
}

// DefaultConfig returns a Config with sane timeouts for baseURL
func DefaultConfig(baseURL string) *Config {
	return &Config{
		BaseURL:        baseURL,
		UserAgent:      "go-overline",
		RequestTimeout: 30 * time.Second,
	}
}

// Client talks to an overserver-compatible API
type Client struct {
	baseURL   string
	token     TokenFunc
	http      *http.Client
	logger    *slog.Logger
	userAgent string
}

// NewClient validates config and builds a client
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	u, err := url.Parse(config.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", config.BaseURL)
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = "go-overline"
	}
	return &Client{
		baseURL:   strings.TrimRight(config.BaseURL, "/"),
		token:     config.Token,
		http:      httpClient,
		logger:    logger,
		userAgent: userAgent,
	}, nil
}

// statusError is a non-2xx response
type statusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *statusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned status %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// do executes one request. Network failures are returned as-is; non-2xx responses as *statusError.
func (c *Client) do(ctx context.Context, method, path string, header http.Header, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &statusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var apiErr overserver.ErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			se.Code = apiErr.Error
			se.Message = apiErr.Message
		}
		return se
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// FetchEntity loads the server state of one entity
func (c *Client) FetchEntity(ctx context.Context, id string) (*overserver.EntityResponse, error) {
	var entity overserver.EntityResponse
	err := c.do(ctx, http.MethodGet, "/v1/entities/"+url.PathEscape(id), nil, nil, &entity)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &entity, nil
}

// Health calls GET /health and returns nil when the server reports healthy
func (c *Client) Health(ctx context.Context) error {
	var health overserver.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &health); err != nil {
		return err
	}
	if health.Status != overserver.HealthHealthy {
		return fmt.Errorf("server reports %q", health.Status)
	}
	return nil
}
