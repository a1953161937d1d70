//go:build e2e

package e2e

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
)

// Upstream paths served by MockGuideServer.
const (
	gridPath    = "/api/grid"
	detailsPath = "/api/program/overviewDetails"
)

// MockGuideServer simulates the listings upstream.
type MockGuideServer struct {
	server *httptest.Server

	mu       sync.Mutex
	requests map[string]int
	// failures maps a path or series id to the statuses returned before
	// the request succeeds, consumed in order.
	failures map[string][]int
	series   []string
}

// NewMockGuideServer creates a server whose blocks reference series.
func NewMockGuideServer(series ...string) *MockGuideServer {
	m := &MockGuideServer{
		requests: make(map[string]int),
		failures: make(map[string][]int),
		series:   series,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+gridPath, func(w http.ResponseWriter, _ *http.Request) {
		if status, fail := m.record(gridPath); fail {
			w.WriteHeader(status)
			return
		}
		_, _ = w.Write(m.gridPayload())
	})
	mux.HandleFunc("POST "+detailsPath, func(w http.ResponseWriter, r *http.Request) {
		id := r.FormValue("programSeriesID")
		if status, fail := m.record(id); fail {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"unavailable"}`))
			return
		}
		_, _ = fmt.Fprintf(w, `{"seriesId":%q,"seriesDescription":"details"}`, id)
	})
	m.server = httptest.NewServer(mux)
	return m
}

// FailWith makes the next requests for key answer with statuses. key is
// gridPath for blocks or a series id.
func (m *MockGuideServer) FailWith(key string, statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[key] = append(m.failures[key], statuses...)
}

// Requests returns how many requests were received for key.
func (m *MockGuideServer) Requests(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[key]
}

// URL returns the base URL of the server.
func (m *MockGuideServer) URL() string {
	return m.server.URL
}

// Close stops the server.
func (m *MockGuideServer) Close() {
	m.server.Close()
}

func (m *MockGuideServer) record(key string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[key]++
	queue := m.failures[key]
	if len(queue) == 0 {
		return 0, false
	}
	m.failures[key] = queue[1:]
	return queue[0], true
}

func (m *MockGuideServer) gridPayload() []byte {
	events := ""
	for i, id := range m.series {
		if i > 0 {
			events += ","
		}
		events += fmt.Sprintf(`{"program":{"seriesId":%q,"title":"Show %d"}}`, id, i)
	}
	return []byte(`{"channels":[{"callSign":"KPBS","events":[` + events + `]}]}`)
}
