// Package version holds build metadata injected with -ldflags:
//
//	-X guidefetch/internal/version.Version=v1.2.0
//	-X guidefetch/internal/version.Commit=abc1234
//	-X guidefetch/internal/version.Date=2026-10-17
package version

import (
	"fmt"
	"runtime"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a one-line description of the build.
func Info() string {
	return fmt.Sprintf("guidefetch %s (commit %s, built %s, %s)", Version, Commit, Date, runtime.Version())
}
