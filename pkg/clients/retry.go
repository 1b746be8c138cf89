package clients

import (
	"bytes"
	"context"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// RetryConfig configures retry behavior for HTTP clients
type RetryConfig struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Jitter         bool
	RetryFunc      func(resp *http.Response, err error) bool
	CircuitBreaker *CircuitBreaker
}

// DefaultRetryConfig returns sensible defaults for HTTP retries
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		RetryFunc:  DefaultShouldRetry,
	}
}

// NoRetryConfig disables retries entirely. Used for best-effort writes such
// as connection audit events, which must not delay the relay path.
func NoRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 0,
		RetryFunc:  func(*http.Response, error) bool { return false },
	}
}

// DefaultShouldRetry retries on transport errors, server errors and rate limits
func DefaultShouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	if resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// DoWithRetry executes an HTTP request with exponential backoff retry and an
// optional circuit breaker.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, config RetryConfig) (*http.Response, error) {
	if config.CircuitBreaker == nil {
		return doRetryAttempts(ctx, client, req, config)
	}

	var resp *http.Response
	var err error

	cbErr := config.CircuitBreaker.Call(func() error {
		resp, err = doRetryAttempts(ctx, client, req, config)
		if err != nil {
			return err
		}
		if resp != nil && resp.StatusCode >= 500 {
			return &ServerStatusError{StatusCode: resp.StatusCode}
		}
		return nil
	})

	if cbErr != nil && err == nil {
		// Circuit open, or the breaker counted a 5xx as failure. The caller
		// still gets the response when one exists.
		if resp != nil {
			return resp, nil
		}
		return nil, cbErr
	}

	return resp, err
}

func doRetryAttempts(ctx context.Context, client *http.Client, req *http.Request, config RetryConfig) (*http.Response, error) {
	var lastResp *http.Response
	var lastErr error

	if config.RetryFunc == nil {
		config.RetryFunc = DefaultShouldRetry
	}

	// Snapshot the request body so every attempt gets a fresh reader.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		_ = req.Body.Close()
	}

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt-1)))
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
			if config.Jitter {
				jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
				delay += jitter
			}

			select {
			case <-ctx.Done():
				return lastResp, ctx.Err()
			case <-time.After(delay):
			}
		}

		var attemptReq *http.Request
		if bodyBytes != nil {
			attemptReq, lastErr = http.NewRequestWithContext(ctx, req.Method, req.URL.String(), bytes.NewReader(bodyBytes))
		} else {
			attemptReq, lastErr = http.NewRequestWithContext(ctx, req.Method, req.URL.String(), nil)
		}
		if lastErr != nil {
			return nil, lastErr
		}
		attemptReq.Header = req.Header.Clone()

		resp, err := client.Do(attemptReq)
		lastResp = resp
		lastErr = err

		if !config.RetryFunc(resp, err) {
			return resp, err
		}

		if attempt == config.MaxRetries {
			break
		}

		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
	}

	return lastResp, lastErr
}

// ServerStatusError marks a 5xx response as a failure for the circuit breaker
type ServerStatusError struct {
	StatusCode int
}

func (e *ServerStatusError) Error() string {
	return http.StatusText(e.StatusCode)
}
