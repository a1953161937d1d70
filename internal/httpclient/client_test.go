package httpclient

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPClient(t *testing.T) {
	t.Run("NilUsesDefaults", func(t *testing.T) {
		c := NewHTTPClient(nil)
		assert.Equal(t, 15*time.Second, c.Timeout)
		tr, ok := c.Transport.(*http.Transport)
		require.True(t, ok)
		assert.Equal(t, 16, tr.MaxIdleConnsPerHost)
		assert.Equal(t, 10*time.Second, tr.ResponseHeaderTimeout)
	})

	t.Run("CustomTimeouts", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Timeout = 3 * time.Second
		cfg.ResponseHeaderTimeout = time.Second
		c := NewHTTPClient(&cfg)
		assert.Equal(t, 3*time.Second, c.Timeout)
		tr := c.Transport.(*http.Transport)
		assert.Equal(t, time.Second, tr.ResponseHeaderTimeout)
	})
}

func TestUserAgentRotator(t *testing.T) {
	t.Run("PeriodicRotation", func(t *testing.T) {
		r := NewUserAgentRotator([]string{"a", "b", "c"}, 2)
		var got []string
		for i := 0; i < 7; i++ {
			got = append(got, r.Next())
		}
		assert.Equal(t, []string{"a", "a", "b", "b", "c", "c", "a"}, got)
	})

	t.Run("ExplicitRotate", func(t *testing.T) {
		r := NewUserAgentRotator([]string{"a", "b"}, 0)
		assert.Equal(t, "a", r.Next())
		assert.Equal(t, "a", r.Next())
		r.Rotate()
		assert.Equal(t, "b", r.Current())
		assert.Equal(t, "b", r.Next())
	})

	t.Run("DefaultsWhenEmpty", func(t *testing.T) {
		r := NewUserAgentRotator(nil, 25)
		assert.Equal(t, DefaultUserAgents[0], r.Next())
	})

	t.Run("ConcurrentUse", func(t *testing.T) {
		r := NewUserAgentRotator(nil, 3)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					assert.NotEmpty(t, r.Next())
				}
			}()
		}
		wg.Wait()
	})
}
