// Package contract validates the handling of recorded upstream responses
// without making network calls. Fixtures under testdata are captured with
// cmd/recordguide.
//
// Run with: go test -tags=contract ./tests/contract/...
package contract
