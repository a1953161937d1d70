//go:build contract

package contract

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
)

type replayRoute struct {
	statusCode int
	body       []byte
}

// replayTransport answers requests from recorded fixtures keyed by method
// and path. Query strings and bodies are ignored.
type replayTransport struct {
	routes map[string]replayRoute

	mu    sync.Mutex
	calls map[string]int
}

func replayKey(method, path string) string {
	return method + " " + path
}

func (rt *replayTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		_, _ = io.Copy(io.Discard, req.Body)
		_ = req.Body.Close()
	}

	key := replayKey(req.Method, req.URL.Path)
	rt.mu.Lock()
	rt.calls[key]++
	rt.mu.Unlock()

	route, ok := rt.routes[key]
	if !ok {
		route = replayRoute{
			statusCode: http.StatusNotFound,
			body:       []byte(fmt.Sprintf(`{"error":"missing replay route: %s"}`, key)),
		}
	}
	statusCode := route.statusCode
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	return &http.Response{
		StatusCode: statusCode,
		Status:     fmt.Sprintf("%d %s", statusCode, http.StatusText(statusCode)),
		Header: http.Header{
			"Content-Type": []string{"application/json"},
		},
		Body:    io.NopCloser(bytes.NewReader(route.body)),
		Request: req,
	}, nil
}

func (rt *replayTransport) count(method, path string) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.calls[replayKey(method, path)]
}

func newReplayTransport(t *testing.T, routes map[string]replayRoute) *replayTransport {
	t.Helper()
	return &replayTransport{routes: routes, calls: make(map[string]int)}
}
