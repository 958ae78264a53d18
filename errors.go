package swarm

import "errors"

// Sentinel errors surfaced either as error-typed reply Messages (when tied
// to a session) or logged (when not) — the propagation policy of spec.md §7.
var (
	ErrServiceNotFound    = errors.New("swarm: service not found")
	ErrServiceInitFailed  = errors.New("swarm: service init returned false")
	ErrUniqueNameTaken    = errors.New("swarm: unique service name already registered")
	ErrWorkerOutOfRange   = errors.New("swarm: receiver worker id out of range")
	ErrPrefabNotFound     = errors.New("swarm: prefab id not found")
	ErrPrefabCrossWorker  = errors.New("swarm: prefab sender and owner on different workers")
	ErrServerStopped      = errors.New("swarm: server stopped")
	ErrQueueOverflow      = errors.New("swarm: send queue exceeds hard limit")
	ErrConnectTimeout     = errors.New("swarm: connect timeout")
	ErrConnectionClosed   = errors.New("swarm: connection closed")
	ErrUnknownFD          = errors.New("swarm: unknown socket handle")
	ErrInvalidChunkedMode = errors.New("swarm: invalid chunked mode, must be \"r\", \"w\", or \"wr\"")
	ErrClusterPackShort   = errors.New("swarm: cluster envelope too short")
)
