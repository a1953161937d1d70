package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidefetch/internal/core"
)

const okPayload = `{"channels":[{"callSign":"KPBS","events":[]}]}`

func task(url string) *core.Task {
	return core.NewTask(core.Target{
		Key:    core.BlockKey("2026101709"),
		Source: core.Locator{Method: http.MethodGet, URL: url},
	}, 0)
}

func fetchError(t *testing.T, err error) *core.FetchError {
	t.Helper()
	var fe *core.FetchError
	require.True(t, errors.As(err, &fe), "expected *core.FetchError, got %T", err)
	return fe
}

func TestFetch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a", r.Header.Get("User-Agent"))
		assert.Equal(t, "https://guide.example.com/", r.Header.Get("Referer"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(okPayload))
	}))
	defer server.Close()

	c := New(server.Client(), Config{UserAgents: []string{"a", "b"}, Referer: "https://guide.example.com/"})
	body, err := c.Fetch(context.Background(), task(server.URL))
	require.NoError(t, err)
	assert.JSONEq(t, okPayload, string(body))
}

func TestFetch_PostBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.Equal(t, "yes", r.Header.Get("X-Extra"))
		b, _ := io.ReadAll(r.Body)
		assert.Equal(t, "programSeriesID=SH001", string(b))
		_, _ = w.Write([]byte(`{"seriesId":"SH001","title":"News"}`))
	}))
	defer server.Close()

	c := New(server.Client(), DefaultConfig())
	tk := core.NewTask(core.Target{
		Key: core.EntityKey("SH001"),
		Source: core.Locator{
			Method:      http.MethodPost,
			URL:         server.URL,
			Body:        []byte("programSeriesID=SH001"),
			ContentType: "application/x-www-form-urlencoded",
			Headers:     map[string]string{"X-Extra": "yes"},
		},
	}, 0)
	_, err := c.Fetch(context.Background(), tk)
	require.NoError(t, err)
}

func TestFetch_Classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   core.ErrorClass
	}{
		{"TooManyRequests", http.StatusTooManyRequests, "slow down", core.ErrorClassRateLimited},
		{"Forbidden", http.StatusForbidden, "nope", core.ErrorClassBlocked},
		{"ChallengePage", http.StatusOK, "<html><div id=\"captcha-container\"></div></html>", core.ErrorClassBlocked},
		{"ServerError", http.StatusBadGateway, "bad gateway", core.ErrorClassTransient},
		{"NotFound", http.StatusNotFound, "missing", core.ErrorClassFatal},
		{"BadRequest", http.StatusBadRequest, "bad", core.ErrorClassFatal},
		{"InvalidPayload", http.StatusOK, "{", core.ErrorClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := New(server.Client(), Config{})
			body, err := c.Fetch(context.Background(), task(server.URL))
			require.Error(t, err)
			assert.Nil(t, body)
			fe := fetchError(t, err)
			assert.Equal(t, tt.want, fe.Class)
			assert.Equal(t, core.BlockKey("2026101709"), fe.Key)
		})
	}
}

func TestFetch_BlockedRotatesUserAgent(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("User-Agent"))
		mu.Unlock()
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	c := New(server.Client(), Config{UserAgents: []string{"a", "b", "c"}})
	for i := 0; i < 3; i++ {
		_, _ = c.Fetch(context.Background(), task(server.URL))
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestFetch_NetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	c := New(nil, Config{})
	_, err := c.Fetch(context.Background(), task(url))
	assert.Equal(t, core.ErrorClassTransient, fetchError(t, err).Class)
}

func TestFetch_EmptyURLIsFatal(t *testing.T) {
	c := New(nil, Config{})
	_, err := c.Fetch(context.Background(), task(""))
	assert.Equal(t, core.ErrorClassFatal, fetchError(t, err).Class)
}

func TestFetch_CircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := New(server.Client(), Config{CircuitBreaker: &CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	}})

	for i := 0; i < 2; i++ {
		_, err := c.Fetch(context.Background(), task(server.URL))
		require.Error(t, err)
	}
	assert.Equal(t, "open", c.CircuitState())

	_, err := c.Fetch(context.Background(), task(server.URL))
	fe := fetchError(t, err)
	assert.Equal(t, core.ErrorClassTransient, fe.Class)
	assert.Contains(t, fe.Message, "circuit breaker is open")
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetch_RateLimitDoesNotOpenCircuit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := New(server.Client(), Config{CircuitBreaker: &CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour}})
	for i := 0; i < 3; i++ {
		_, _ = c.Fetch(context.Background(), task(server.URL))
	}
	assert.Equal(t, "closed", c.CircuitState())
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	cb := newCircuitBreaker(1, 2, time.Millisecond)
	cb.RecordFailure()
	assert.Equal(t, "open", cb.State())

	time.Sleep(5 * time.Millisecond)
	assert.True(t, cb.Allow())
	assert.Equal(t, "half-open", cb.State())
	assert.False(t, cb.Allow(), "only one trial request while half-open")

	cb.RecordSuccess()
	assert.True(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, "closed", cb.State())
}
