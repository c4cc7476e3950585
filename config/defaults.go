package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, the config file, and environment variable loading.

const (
	// DefaultTCPAddr is the TCP listen address.
	DefaultTCPAddr = ":36000"

	// DefaultUnixPath is the Unix-domain socket path.
	DefaultUnixPath = "/var/run/kserver.sock"

	// DefaultWebSocketAddr is the WebSocket listen address.
	DefaultWebSocketAddr = ":8080"

	// DefaultPermissions is granted to sessions of every transport.
	DefaultPermissions = "rw"

	// DefaultReadBufferSize is the per-connection receive buffer.
	DefaultReadBufferSize = 16 * 1024

	// DefaultMaxLineLength bounds an unterminated command record.
	DefaultMaxLineLength = 64 * 1024

	// DefaultMaxStringLength bounds a string argument.
	DefaultMaxStringLength = 1024

	// DefaultMaxHandshakeElements bounds a bulk upload, in 32-bit words.
	DefaultMaxHandshakeElements = 1 << 20

	// DefaultShutdownGrace is how long sessions may drain on shutdown
	// before their connections are closed.
	DefaultShutdownGrace = 5 * time.Second

	// DefaultMemorySize is the MEMORY register file size in bytes.
	DefaultMemorySize = 64 * 1024

	// DefaultStartAttempts is how many times a device start is tried.
	DefaultStartAttempts = 3

	// HandshakeElementSize converts MaxHandshakeElements to bytes.
	HandshakeElementSize = 4
)
