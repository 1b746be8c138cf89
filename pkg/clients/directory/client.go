// Package directory implements the HTTP client for the Directory Service,
// the external panel component that owns lines, the stream catalog and the
// connection audit log.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"helmsman/pkg/api/directory"
	"helmsman/pkg/cache"
	"helmsman/pkg/clients"
	"helmsman/pkg/logging"
)

// Client is a Directory Service API client.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	serviceToken string
	logger       logging.Logger
	retryConfig  clients.RetryConfig
	auditConfig  clients.RetryConfig
	cache        *cache.Cache
}

// Config configures the Directory Service client.
type Config struct {
	BaseURL              string
	ServiceToken         string
	Timeout              time.Duration
	Logger               logging.Logger
	RetryConfig          *clients.RetryConfig
	CircuitBreakerConfig *clients.CircuitBreakerConfig
	// Cache, when set, serves line and stream lookups with a short TTL and
	// deduplicates concurrent lookups of the same record.
	Cache *cache.Cache
}

// NewClient creates a new Directory Service client.
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	retryConfig := clients.DefaultRetryConfig()
	if config.RetryConfig != nil {
		retryConfig = *config.RetryConfig
	}
	if config.CircuitBreakerConfig != nil {
		retryConfig.CircuitBreaker = clients.NewCircuitBreaker(*config.CircuitBreakerConfig)
	}

	return &Client{
		baseURL:      config.BaseURL,
		httpClient:   &http.Client{Timeout: config.Timeout},
		serviceToken: config.ServiceToken,
		logger:       config.Logger,
		retryConfig:  retryConfig,
		// Audit writes are single-attempt: a lost event is acceptable, a
		// stalled relay path is not.
		auditConfig: clients.NoRetryConfig(),
		cache:       config.Cache,
	}
}

// GetLine resolves a line by id. Returns ErrNotFound for unknown lines.
func (c *Client) GetLine(ctx context.Context, lineID int64) (*directory.Line, error) {
	key := fmt.Sprintf("line:%d", lineID)
	val, ok, err := c.getWithCache(ctx, key, func() (interface{}, bool, error) {
		var line directory.Line
		found, err := c.getJSON(ctx, fmt.Sprintf("%s/api/lines/%d", c.baseURL, lineID), &line)
		if err != nil {
			return nil, false, err
		}
		if !found {
			return nil, false, nil
		}
		return &line, true, nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, directory.ErrNotFound
	}
	return val.(*directory.Line), nil
}

// GetStream resolves a stream by id. Returns ErrNotFound for unknown streams.
func (c *Client) GetStream(ctx context.Context, streamID int64) (*directory.Stream, error) {
	key := fmt.Sprintf("stream:%d", streamID)
	val, ok, err := c.getWithCache(ctx, key, func() (interface{}, bool, error) {
		var stream directory.Stream
		found, err := c.getJSON(ctx, fmt.Sprintf("%s/api/streams/%d", c.baseURL, streamID), &stream)
		if err != nil {
			return nil, false, err
		}
		if !found {
			return nil, false, nil
		}
		return &stream, true, nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, directory.ErrNotFound
	}
	return val.(*directory.Stream), nil
}

// ListLines returns all lines, used for dashboard aggregates.
func (c *Client) ListLines(ctx context.Context) ([]directory.Line, error) {
	var lines []directory.Line
	found, err := c.getJSON(ctx, c.baseURL+"/api/lines", &lines)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return lines, nil
}

// ListStreams returns all catalog streams, used for dashboard aggregates.
func (c *Client) ListStreams(ctx context.Context) ([]directory.Stream, error) {
	var streams []directory.Stream
	found, err := c.getJSON(ctx, c.baseURL+"/api/streams", &streams)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return streams, nil
}

// RecordConnectionOpen writes a connection-start audit event. Single attempt,
// best-effort.
func (c *Client) RecordConnectionOpen(ctx context.Context, event *directory.ConnectionOpen) error {
	return c.postJSON(ctx, c.baseURL+"/api/connections", event, c.auditConfig)
}

// RecordConnectionClose writes a connection-cleanup audit event. Single
// attempt, best-effort.
func (c *Client) RecordConnectionClose(ctx context.Context, event *directory.ConnectionClose) error {
	url := fmt.Sprintf("%s/api/connections/%s/close", c.baseURL, event.ConnectionID)
	return c.postJSON(ctx, url, event, c.auditConfig)
}

func (c *Client) getWithCache(ctx context.Context, key string, loader func() (interface{}, bool, error)) (interface{}, bool, error) {
	if c.cache == nil {
		return loader()
	}
	return c.cache.Get(ctx, key, func(context.Context, string) (interface{}, bool, error) {
		return loader()
	})
}

// getJSON issues an authenticated GET and decodes the body into out.
// Returns found=false on 404.
func (c *Client) getJSON(ctx context.Context, url string, out interface{}) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := clients.DoWithRetry(ctx, c.httpClient, req, c.retryConfig)
	if err != nil {
		return false, fmt.Errorf("failed to call directory service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if c.logger != nil {
			c.logger.WithFields(logging.Fields{
				"status_code": resp.StatusCode,
				"url":         url,
				"response":    string(body),
			}).Error("Directory service request failed")
		}
		return false, fmt.Errorf("directory service returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	return true, nil
}

func (c *Client) postJSON(ctx context.Context, url string, body interface{}, retry clients.RetryConfig) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := clients.DoWithRetry(ctx, c.httpClient, req, retry)
	if err != nil {
		return fmt.Errorf("failed to call directory service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("directory service returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}
}
