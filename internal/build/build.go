// Package build carries version metadata injected at build time.
package build

var (
	// Version is set via ldflags on release builds.
	Version = "dev"
	// AppName is the binary name used in logs and user-facing output.
	AppName = "flowmill"
)
