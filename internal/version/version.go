// Package version exposes build metadata set at link time:
//
//	go build -ldflags "-X onegate/internal/version.Version=v1.2.0 -X onegate/internal/version.Commit=$(git rev-parse --short HEAD)"
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

// Info returns a one-line human readable build description.
func Info() string {
	return fmt.Sprintf("onegate %s (commit %s, built %s, %s)", Version, Commit, Date, runtime.Version())
}
