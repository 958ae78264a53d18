package swarm

import "log/slog"

// serverConfig holds every tunable a Server can be constructed with.
// Kept as a single struct filled by functional options, matching the
// teacher's hostConfig/Option pattern.
type serverConfig struct {
	workerCount  uint8
	inboxSize    int
	logLevel     slog.Level
	logger       *slog.Logger
	seedEnv      map[string]string
	deadLetterFn func(*Message)
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		workerCount: 4,
		inboxSize:   4096,
		logLevel:    slog.LevelInfo,
		seedEnv:     make(map[string]string),
	}
}

// Option configures a Server at construction time.
type Option func(*serverConfig)

// WithWorkers sets how many workers the server multiplexes services
// across. Must be at least 1.
func WithWorkers(n uint8) Option {
	return func(c *serverConfig) {
		if n > 0 {
			c.workerCount = n
		}
	}
}

// WithInboxSize sets the buffered capacity of each worker's inbound
// channel.
func WithInboxSize(n int) Option {
	return func(c *serverConfig) {
		if n > 0 {
			c.inboxSize = n
		}
	}
}

// WithLogLevel sets the minimum level the server's logger emits.
func WithLogLevel(level slog.Level) Option {
	return func(c *serverConfig) { c.logLevel = level }
}

// WithLogger overrides the server's logger entirely, bypassing
// NewLogger/WithLogLevel — used by tests that want to capture output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *serverConfig) { c.logger = logger }
}

// WithEnv seeds the env store's sid/name/inner_host/outer_host/
// server_config entries (or any other key) before Start.
func WithEnv(key, value string) Option {
	return func(c *serverConfig) { c.seedEnv[key] = value }
}

// WithDeadLetterHandler stores a callback for messages dropped instead of
// delivered. The server keeps it in its config but never invokes it: no
// code path hands a dropped message to the callback.
func WithDeadLetterHandler(fn func(*Message)) Option {
	return func(c *serverConfig) { c.deadLetterFn = fn }
}
