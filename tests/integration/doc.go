// Package integration runs the acquisition engine against a real Redis
// cache started with testcontainers.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration
