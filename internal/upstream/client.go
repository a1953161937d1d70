// Package upstream performs single fetch attempts against the guide service
// and classifies their outcome. Retries are the caller's concern.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"guidefetch/internal/core"
	"guidefetch/internal/httpclient"
	"guidefetch/internal/retry"
)

// maxBodySize caps how much of a response is read.
const maxBodySize = 16 << 20

// Config holds configuration for the upstream client
type Config struct {
	// UserAgents rotated across requests. Empty uses the built-in list.
	UserAgents []string
	// RotateEvery switches user agent after this many requests.
	RotateEvery int

	// Referer and Origin sent with every request when set
	Referer string
	Origin  string

	// CircuitBreaker configuration
	CircuitBreaker *CircuitBreakerConfig
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures before opening the circuit
	FailureThreshold int
	// SuccessThreshold is the number of successes in half-open state to close the circuit
	SuccessThreshold int
	// Timeout is how long to wait before transitioning from open to half-open
	Timeout time.Duration
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		RotateEvery: 25,
		CircuitBreaker: &CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		},
	}
}

// Client fetches payloads described by core.Locator.
type Client struct {
	httpClient     *http.Client
	config         Config
	agents         *httpclient.UserAgentRotator
	circuitBreaker *circuitBreaker
}

// New creates a client with the given HTTP client. A nil client uses the
// shared default.
func New(httpClient *http.Client, config Config) *Client {
	if httpClient == nil {
		httpClient = httpclient.NewHTTPClient(nil)
	}
	c := &Client{
		httpClient: httpClient,
		config:     config,
		agents:     httpclient.NewUserAgentRotator(config.UserAgents, config.RotateEvery),
	}
	if config.CircuitBreaker != nil {
		c.circuitBreaker = newCircuitBreaker(
			config.CircuitBreaker.FailureThreshold,
			config.CircuitBreaker.SuccessThreshold,
			config.CircuitBreaker.Timeout,
		)
	}
	return c
}

// Fetch performs one attempt for task and returns the response payload. Every
// failure is a *core.FetchError.
func (c *Client) Fetch(ctx context.Context, task *core.Task) ([]byte, error) {
	if c.circuitBreaker != nil && !c.circuitBreaker.Allow() {
		return nil, core.NewTransientError(task.Key, 0, "circuit breaker is open - upstream temporarily unavailable", nil)
	}

	req, err := c.buildRequest(ctx, task)
	if err != nil {
		return nil, core.NewFatalError(task.Key, 0, "failed to build request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Cancellation is not the upstream's fault.
		if ctx.Err() == nil {
			c.recordFailure(core.ErrorClassTransient)
		}
		return nil, core.NewTransientError(task.Key, 0, "request failed: "+err.Error(), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		if ctx.Err() == nil {
			c.recordFailure(core.ErrorClassTransient)
		}
		return nil, core.NewTransientError(task.Key, resp.StatusCode, "failed to read response", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && retry.ValidPayload(body) {
		c.recordSuccess()
		return body, nil
	}

	fetchErr := classify(task.Key, resp, body)
	c.recordFailure(fetchErr.Class)
	if fetchErr.Class == core.ErrorClassBlocked {
		c.agents.Rotate()
	}
	return nil, fetchErr
}

// classify converts an unusable response to a FetchError.
func classify(key core.Key, resp *http.Response, body []byte) *core.FetchError {
	status := resp.StatusCode
	switch retry.Classify(nil, status, body) {
	case core.ErrorClassRateLimited:
		msg := "rate limited"
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			msg += " (retry after " + ra + ")"
		}
		return core.NewRateLimitedError(key, msg)
	case core.ErrorClassBlocked:
		return core.NewBlockedError(key, status, "request blocked by upstream")
	case core.ErrorClassFatal:
		return core.NewFatalError(key, status, fmt.Sprintf("upstream rejected request: %s", snippet(body)), nil)
	default:
		if status >= 200 && status < 300 {
			return core.NewTransientError(key, status, "invalid payload", nil)
		}
		return core.NewTransientError(key, status, fmt.Sprintf("upstream error: %s", snippet(body)), nil)
	}
}

func snippet(body []byte) string {
	const n = 200
	body = bytes.TrimSpace(body)
	if len(body) > n {
		return string(body[:n]) + "..."
	}
	return string(body)
}

// buildRequest creates an HTTP request from the task's locator
func (c *Client) buildRequest(ctx context.Context, task *core.Task) (*http.Request, error) {
	loc := task.Source
	if loc.URL == "" {
		return nil, errors.New("empty locator url")
	}
	method := loc.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(loc.Body) > 0 {
		body = bytes.NewReader(loc.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, loc.URL, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", c.agents.Next())
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if c.config.Referer != "" {
		req.Header.Set("Referer", c.config.Referer)
	}
	if c.config.Origin != "" {
		req.Header.Set("Origin", c.config.Origin)
	}
	if loc.ContentType != "" {
		req.Header.Set("Content-Type", loc.ContentType)
	}
	for k, v := range loc.Headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

// Only transient failures count against the breaker. Rate limiting and
// blocking are handled by the adaptive controllers.
func (c *Client) recordFailure(class core.ErrorClass) {
	if c.circuitBreaker == nil {
		return
	}
	if class == core.ErrorClassTransient {
		c.circuitBreaker.RecordFailure()
		return
	}
	// The upstream answered, so it is reachable.
	c.circuitBreaker.RecordSuccess()
}

func (c *Client) recordSuccess() {
	if c.circuitBreaker != nil {
		c.circuitBreaker.RecordSuccess()
	}
}

// CircuitState returns the breaker state: closed, open or half-open.
func (c *Client) CircuitState() string {
	if c.circuitBreaker == nil {
		return "disabled"
	}
	return c.circuitBreaker.State()
}

// circuitBreaker implements a simple circuit breaker pattern
type circuitBreaker struct {
	mu               sync.RWMutex
	state            circuitState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	lastFailure      time.Time
	halfOpenAllowed  bool // Controls single-trial behavior in half-open state
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func newCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		state:            circuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		halfOpenAllowed:  true,
	}
}

// Allow reports whether a request may proceed. In half-open state only one
// trial request is admitted until it resolves.
func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed:
		return true
	case circuitOpen:
		if time.Since(cb.lastFailure) > cb.timeout {
			cb.state = circuitHalfOpen
			cb.successes = 0
			cb.halfOpenAllowed = false
			slog.Info("upstream circuit half-open, probing")
			return true
		}
		return false
	case circuitHalfOpen:
		if cb.halfOpenAllowed {
			cb.halfOpenAllowed = false
			return true
		}
		return false
	}
	return true
}

// RecordSuccess records a successful request
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == circuitHalfOpen {
		cb.successes++
		cb.halfOpenAllowed = true
		if cb.successes >= cb.successThreshold {
			cb.state = circuitClosed
			cb.successes = 0
			slog.Info("upstream circuit closed")
		}
	}
}

// RecordFailure records a failed request
func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case circuitHalfOpen:
		cb.state = circuitOpen
		cb.successes = 0
		cb.halfOpenAllowed = true
		slog.Warn("upstream circuit re-opened after failed trial request")
	case circuitClosed:
		if cb.failures >= cb.failureThreshold {
			cb.state = circuitOpen
			slog.Warn("upstream circuit opened", "consecutive_failures", cb.failures)
		}
	}
}

// State returns the current state of the circuit breaker
func (cb *circuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	switch cb.state {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}
