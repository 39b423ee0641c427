// Package memberlist implements membership.Membership on HashiCorp
// memberlist.
package memberlist

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	base "github.com/quorumdb/agency/pkg/membership"
)

// Options configures the memberlist-backed membership.
type Options struct {
	// NodeID is the unique node name in the gossip pool; the agency uses
	// the peer id rendered as a string.
	NodeID string

	// Bind is the gossip bind address in host:port form.
	Bind string

	// Advertise is the address peers use to reach this node; memberlist
	// derives it from Bind when empty.
	Advertise string

	// Meta is gossiped alongside the node (e.g., the RPC endpoint).
	Meta map[string]string

	// Logger is optional.
	Logger *zap.Logger

	// Tuning knobs; zero means memberlist defaults.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	SuspicionMult int
}

type impl struct {
	mu     sync.RWMutex
	opts   Options
	ml     *memberlist.Memberlist
	evts   chan base.Event
	logger *zap.Logger
	closed bool
}

// New constructs a memberlist-backed membership.
func New(opts Options) (base.Membership, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("memberlist: empty NodeID")
	}
	if opts.Bind == "" {
		return nil, fmt.Errorf("memberlist: empty Bind address")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &impl{
		opts:   opts,
		logger: opts.Logger.Named("membership"),
		evts:   make(chan base.Event, 64),
	}, nil
}

// Start creates and launches the underlying memberlist instance.
func (m *impl) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ml != nil {
		return nil
	}

	cfg := memberlist.DefaultLANConfig()
	cfg.Name = m.opts.NodeID
	var err error
	if cfg.BindAddr, cfg.BindPort, err = splitHostPort(m.opts.Bind); err != nil {
		return fmt.Errorf("memberlist: bind: %w", err)
	}
	if m.opts.Advertise != "" {
		if cfg.AdvertiseAddr, cfg.AdvertisePort, err = splitHostPort(m.opts.Advertise); err != nil {
			return fmt.Errorf("memberlist: advertise: %w", err)
		}
	}
	if m.opts.ProbeInterval > 0 {
		cfg.ProbeInterval = m.opts.ProbeInterval
	}
	if m.opts.ProbeTimeout > 0 {
		cfg.ProbeTimeout = m.opts.ProbeTimeout
	}
	if m.opts.SuspicionMult > 0 {
		cfg.SuspicionMult = m.opts.SuspicionMult
	}

	metaBytes, _ := json.Marshal(m.opts.Meta)
	cfg.Events = &eventDelegate{emit: m.emit}
	cfg.Delegate = &nodeDelegate{meta: metaBytes}

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return err
	}
	m.ml = ml

	go func() {
		<-ctx.Done()
		_ = m.Stop()
	}()
	return nil
}

func (m *impl) Join(seeds []string) error {
	m.mu.RLock()
	ml := m.ml
	m.mu.RUnlock()
	if ml == nil {
		return fmt.Errorf("memberlist: not started")
	}
	if len(seeds) == 0 {
		return nil
	}
	_, err := ml.Join(seeds)
	return err
}

func (m *impl) Local() base.MemberInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ml == nil {
		return base.MemberInfo{}
	}
	return toInfo(m.ml.LocalNode())
}

func (m *impl) Members() []base.MemberInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ml == nil {
		return nil
	}
	nodes := m.ml.Members()
	out := make([]base.MemberInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toInfo(n))
	}
	return out
}

func (m *impl) Events() <-chan base.Event { return m.evts }

func (m *impl) Leave() error {
	m.mu.RLock()
	ml := m.ml
	m.mu.RUnlock()
	if ml == nil {
		return nil
	}
	return ml.Leave(time.Second)
}

func (m *impl) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.ml != nil {
		_ = m.ml.Shutdown()
		m.ml = nil
	}
	close(m.evts)
	return nil
}

// HealthScore exposes memberlist's awareness score. Implements
// membership.HealthReporter.
func (m *impl) HealthScore() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ml == nil {
		return -1
	}
	return m.ml.GetHealthScore()
}

func (m *impl) emit(e base.Event) {
	defer func() { _ = recover() }() // channel may be closed by Stop
	select {
	case m.evts <- e:
	default:
		m.logger.Warn("dropping membership event, channel full",
			zap.String("type", string(e.Type)))
	}
}

type eventDelegate struct {
	emit func(e base.Event)
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
	if n != nil {
		d.emit(base.Event{Type: base.EventJoin, Member: toInfo(n), At: time.Now()})
	}
}

func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
	// memberlist conflates explicit leave with failure timeouts
	if n != nil {
		d.emit(base.Event{Type: base.EventLeave, Member: toInfo(n), At: time.Now()})
	}
}

func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {
	if n != nil {
		d.emit(base.Event{Type: base.EventJoin, Member: toInfo(n), At: time.Now()})
	}
}

// nodeDelegate propagates static node metadata (the RPC endpoint).
type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) <= limit {
		return d.meta
	}
	if limit <= 0 {
		return nil
	}
	return d.meta[:limit]
}

func (d *nodeDelegate) NotifyMsg([]byte)                {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte { return nil }
func (d *nodeDelegate) LocalState(bool) []byte          { return nil }
func (d *nodeDelegate) MergeRemoteState([]byte, bool)   {}

func toInfo(n *memberlist.Node) base.MemberInfo {
	meta := map[string]string{}
	if len(n.Meta) > 0 {
		_ = json.Unmarshal(n.Meta, &meta)
	}
	return base.MemberInfo{
		ID:   n.Name,
		Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))),
		Meta: meta,
	}
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}
