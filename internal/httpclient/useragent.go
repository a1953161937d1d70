package httpclient

import (
	"log/slog"
	"sync"
)

// DefaultUserAgents are desktop browser identities.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/115.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
}

// UserAgentRotator hands out user agents, switching to the next one every
// `every` requests and whenever Rotate is called. Safe for concurrent use.
type UserAgentRotator struct {
	mu     sync.Mutex
	agents []string
	every  int
	index  int
	served int
}

// NewUserAgentRotator creates a rotator. An empty list uses DefaultUserAgents;
// every <= 0 disables periodic rotation.
func NewUserAgentRotator(agents []string, every int) *UserAgentRotator {
	if len(agents) == 0 {
		agents = DefaultUserAgents
	}
	return &UserAgentRotator{agents: append([]string(nil), agents...), every: every}
}

// Next returns the user agent for the next request.
func (r *UserAgentRotator) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.every > 0 && r.served > 0 && r.served%r.every == 0 {
		r.index = (r.index + 1) % len(r.agents)
	}
	r.served++
	return r.agents[r.index]
}

// Rotate switches to the next user agent immediately.
func (r *UserAgentRotator) Rotate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.index = (r.index + 1) % len(r.agents)
	slog.Debug("user agent rotated", "index", r.index)
}

// Current returns the user agent in use without counting a request.
func (r *UserAgentRotator) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agents[r.index]
}
