package agency

import "errors"

var (
	// ErrNotLeader is returned to clients whose write/read landed on a
	// peer that is not currently leading; the result carries the leader
	// hint for a redirect.
	ErrNotLeader = errors.New("agency: not leader")

	// ErrStaleTerm marks an incoming RPC that carries a lower term than
	// ours; the reply carries our term so the caller can step down.
	ErrStaleTerm = errors.New("agency: stale term")

	// ErrLogMatch marks a failed prevLogIndex/prevLogTerm check; the
	// leader backs off and retries on its next tick.
	ErrLogMatch = errors.New("agency: log does not match")

	// ErrPersistence marks a failed durable write. Fatal for the agent.
	ErrPersistence = errors.New("agency: persistence failure")

	// ErrShutdown is returned by operations interrupted by Stop.
	ErrShutdown = errors.New("agency: shutting down")
)
