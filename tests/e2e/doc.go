// Package e2e runs the full acquisition pipeline against a scripted guide
// server that can inject failures.
//
// Run with: go test -tags=e2e ./tests/e2e/...
package e2e
