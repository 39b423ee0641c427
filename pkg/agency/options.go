package agency

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/quorumdb/agency/pkg/agency/state"
	"github.com/quorumdb/agency/pkg/transport"
)

// Options carries the static configuration and injected dependencies used
// to assemble an Agent. Cluster size is fixed at len(Endpoints); this
// agency does not reconfigure membership at runtime.
type Options struct {
	// ID is this peer's identifier, an index into Endpoints.
	ID uint64

	// Endpoints lists the peer addresses ordered by peer id.
	Endpoints []string

	// Backend is the durable log substrate (state.NewMemory for tests,
	// state.OpenBolt for real deployments).
	Backend state.Backend

	// Sender ships RPCs to peers.
	Sender transport.RequestSender

	// Election and replication timing.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration

	// Logger is optional; a no-op logger is used when nil.
	Logger *zap.Logger

	// Clock is optional and exists so tests can drive timers; the wall
	// clock is used when nil.
	Clock clock.Clock
}

// Validate checks the options and fills in defaults.
func (o *Options) Validate() error {
	if len(o.Endpoints) == 0 {
		return errors.New("agency: no endpoints configured")
	}
	if int(o.ID) >= len(o.Endpoints) {
		return fmt.Errorf("agency: id %d out of range for %d endpoints", o.ID, len(o.Endpoints))
	}
	if o.Backend == nil {
		return errors.New("agency: nil Backend")
	}
	if o.Sender == nil && len(o.Endpoints) > 1 {
		return errors.New("agency: nil Sender in multi-peer configuration")
	}
	if o.ElectionTimeoutMin <= 0 {
		o.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if o.ElectionTimeoutMax <= o.ElectionTimeoutMin {
		o.ElectionTimeoutMax = 2 * o.ElectionTimeoutMin
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 250 * time.Millisecond
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return nil
}

func (o *Options) size() int { return len(o.Endpoints) }
