// Package core is the orchestration layer.  It composes transports,
// sessions and devices into a running server and provides a builder
// that assembles the server from a Config.
//
// Architecture layers (bottom → top):
//
//	transport  →  command  →  device  →  session  →  core  →  cmd (CLI)
package core

import "context"

// Version is overridable at link time:
//
//	go build -ldflags "-X github.com/tvanderbruggen/kserver/internal/core.Version=2.0.0"
var Version = "1.0.0" //nolint:gochecknoglobals

// Mode represents a complete operational mode of kserver.  It owns its
// full lifecycle from binding listeners to teardown.
type Mode interface {
	Run(ctx context.Context) error
}
