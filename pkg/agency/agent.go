// Package agency implements the consensus core of the agency: a small
// replicated state machine that totally orders configuration writes over
// a fixed set of peers. The Agent orchestrates four pieces: the
// Constituent (elections and term discipline), the replicated log
// (pkg/agency/state), two K/V views derived from the log (the spearhead
// and the read DB, pkg/agency/store), and the replication driver that
// ships entries to followers and advances the commit index on quorum.
package agency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quorumdb/agency/pkg/agency/state"
	"github.com/quorumdb/agency/pkg/agency/store"
	"github.com/quorumdb/agency/pkg/observability/metrics"
	"github.com/quorumdb/agency/pkg/transport"
)

// Agent is the per-peer orchestrator. It owns the confirmation vector,
// the commit index and both stores; term and vote state belong to the
// Constituent. Log writes go through the agent under ioMu.
type Agent struct {
	opts        Options
	log         *state.Log
	spearhead   *store.Store
	readDB      *store.Store
	constituent *Constituent
	logger      *zap.Logger

	// ioMu guards confirmed, commit advancement, both store mutations
	// and leader-path log appends.
	ioMu      sync.Mutex
	confirmed []uint64

	// commitIndex is written under ioMu and read lock-free by waiters.
	commitIndex atomic.Uint64

	// endpoint table; replaceable through requestVote gossip.
	epMu      sync.RWMutex
	endpoints []string

	// restMu/restCv implement the waiter registry: one condition
	// variable broadcast on every commit advancement and on shutdown.
	restMu sync.Mutex
	restCv *sync.Cond

	// runCh wakes the replication driver on local writes and on
	// leadership changes; done stops it.
	runCh chan struct{}
	done  chan struct{}

	stopped atomic.Bool
	wg      sync.WaitGroup
}

// New builds an agent: it opens the log on the configured backend,
// reconstructs both stores by replaying it, and prepares the constituent.
// Nothing runs until Start.
func New(opts Options) (*Agent, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	log, err := state.Open(opts.Backend)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		opts:      opts,
		log:       log,
		spearhead: store.New(),
		readDB:    store.New(),
		logger:    opts.Logger.Named("agent").With(zap.Uint64("id", opts.ID)),
		confirmed: make([]uint64, opts.size()),
		endpoints: append([]string(nil), opts.Endpoints...),
		runCh:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	a.restCv = sync.NewCond(&a.restMu)
	a.constituent = newConstituent(&a.opts, a, log)

	a.replay()
	return a, nil
}

// replay rebuilds both stores from the persisted log. Entries that
// survived a restart were durable here, so they are treated as committed
// and the commit index resumes at the last index.
func (a *Agent) replay() {
	entries := a.log.Slice(1, state.EndOfLog)
	if len(entries) == 0 {
		return
	}
	payloads := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		payloads[i] = e.Query
	}
	a.spearhead.Apply(payloads)
	a.readDB.Apply(payloads)
	last := entries[len(entries)-1].Index
	a.commitIndex.Store(last)
	a.confirmed[a.opts.ID] = last
	metrics.CommitIndex.Set(float64(last))
	metrics.LastLogIndex.Set(float64(last))
	a.logger.Info("replayed persisted log", zap.Uint64("lastIndex", last))
}

// Start launches the constituent and the replication driver.
func (a *Agent) Start() error {
	if err := a.constituent.Start(); err != nil {
		return fmt.Errorf("agency: starting constituent: %w", err)
	}
	a.wg.Add(1)
	go a.run()
	a.logger.Info("agent started",
		zap.Int("clusterSize", a.opts.size()),
		zap.Uint64("lastLogIndex", a.log.LastIndex()))
	return nil
}

// Stop drains the replication driver, wakes all waiters with a failure
// signal, stops the constituent and closes the log.
func (a *Agent) Stop() error {
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(a.done)
	a.constituent.Stop()
	// take the companion mutex so no waiter is between its predicate
	// check and Wait when the wakeup goes out
	a.restMu.Lock()
	a.restCv.Broadcast()
	a.restMu.Unlock()
	a.wg.Wait()
	err := a.log.Close()
	a.logger.Info("agent stopped")
	return err
}

// ID returns this peer's id.
func (a *Agent) ID() uint64 { return a.opts.ID }

// Term returns the constituent's current term.
func (a *Agent) Term() uint64 { return a.constituent.Term() }

// Leading reports whether this peer currently leads.
func (a *Agent) Leading() bool { return a.constituent.Leading() }

// LeaderID returns the last known leader id, or NoLeader.
func (a *Agent) LeaderID() int64 { return a.constituent.LeaderID() }

// CommitIndex returns the highest index known to be committed.
func (a *Agent) CommitIndex() uint64 { return a.commitIndex.Load() }

// Snapshot returns a point-in-time Info for status and config endpoints.
func (a *Agent) Snapshot() Info {
	return Info{
		ID:           a.opts.ID,
		Endpoints:    a.peerEndpoints(),
		Term:         a.constituent.Term(),
		Role:         a.constituent.Role().String(),
		LeaderID:     a.constituent.LeaderID(),
		CommitIndex:  a.commitIndex.Load(),
		LastLogIndex: a.log.LastIndex(),
		ClusterSize:  a.opts.size(),
	}
}

// ReadDB exposes the committed view for inspection and tests.
func (a *Agent) ReadDB() *store.Store { return a.readDB }

// Write applies the payloads tentatively to the spearhead, appends them
// to the log with fresh indices and schedules replication. Non-leaders
// return a redirect result. A payload whose precondition fails is still
// assigned an index so the client observes a definite outcome.
func (a *Agent) Write(ctx context.Context, payloads []json.RawMessage) (WriteResult, error) {
	if a.stopped.Load() {
		return WriteResult{}, ErrShutdown
	}
	if !a.constituent.Leading() {
		metrics.WritesTotal.WithLabelValues("redirected").Inc()
		return WriteResult{Accepted: false, LeaderID: a.constituent.LeaderID()}, ErrNotLeader
	}

	term := a.constituent.Term()

	a.ioMu.Lock()
	applied := a.spearhead.Apply(payloads)
	first := a.log.LastIndex() + 1
	entries := make([]state.Entry, len(payloads))
	indices := make([]uint64, len(payloads))
	for i, p := range payloads {
		entries[i] = state.Entry{Index: first + uint64(i), Term: term, Query: p}
		indices[i] = first + uint64(i)
	}
	if err := a.log.Append(entries); err != nil {
		a.ioMu.Unlock()
		a.logger.Error("log append failed, terminating agent", zap.Error(err))
		go a.Stop()
		metrics.WritesTotal.WithLabelValues("error").Inc()
		return WriteResult{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	last := indices[len(indices)-1]
	a.confirmed[a.opts.ID] = last
	metrics.LastLogIndex.Set(float64(last))
	// a single-peer agency reaches quorum on its own append
	a.advanceCommitLocked(last, term)
	a.ioMu.Unlock()

	a.wakeWaiters()
	a.signalRun()
	metrics.WritesTotal.WithLabelValues("accepted").Inc()
	return WriteResult{
		Accepted: true,
		LeaderID: int64(a.opts.ID),
		Applied:  applied,
		Indices:  indices,
	}, nil
}

// Read answers a query from the committed view. A single-peer agency
// reads from the spearhead instead, which is identical there and needs
// no replication round. Non-leaders return a redirect result.
func (a *Agent) Read(ctx context.Context, paths []string) (ReadResult, error) {
	if a.stopped.Load() {
		return ReadResult{}, ErrShutdown
	}
	if !a.constituent.Leading() {
		metrics.ReadsTotal.WithLabelValues("redirected").Inc()
		return ReadResult{Accepted: false, LeaderID: a.constituent.LeaderID()}, ErrNotLeader
	}
	db := a.readDB
	if a.opts.size() == 1 {
		db = a.spearhead
	}
	results, ok := db.Read(paths)
	metrics.ReadsTotal.WithLabelValues("accepted").Inc()
	return ReadResult{
		Accepted: true,
		LeaderID: a.constituent.LeaderID(),
		Results:  results,
		Success:  ok,
	}, nil
}

// WaitFor blocks until index is committed, the timeout elapses, or the
// agent stops; only the first case returns true. A single-peer agency
// confirms immediately.
func (a *Agent) WaitFor(index uint64, timeout time.Duration) bool {
	if a.opts.size() == 1 {
		return true
	}
	deadline := a.opts.Clock.Now().Add(timeout)
	// the condition variable has no deadline of its own; arrange a
	// wakeup so the loop can observe the expired clock
	t := a.opts.Clock.AfterFunc(timeout, func() {
		a.restMu.Lock()
		a.restCv.Broadcast()
		a.restMu.Unlock()
	})
	defer t.Stop()

	a.restMu.Lock()
	defer a.restMu.Unlock()
	for {
		if a.stopped.Load() {
			return false
		}
		if a.commitIndex.Load() >= index {
			return true
		}
		if !a.opts.Clock.Now().Before(deadline) {
			metrics.WaitTimeoutsTotal.Inc()
			return false
		}
		a.restCv.Wait()
	}
}

// RecvAppendEntries is the follower ingest path: term check, log-matching
// check, conflict truncation, durable append, and commit-index catch-up
// clamped to the local log.
func (a *Agent) RecvAppendEntries(ctx context.Context, req transport.AppendEntriesRequest) transport.AppendEntriesResponse {
	if a.stopped.Load() {
		return transport.AppendEntriesResponse{Term: a.constituent.Term(), Success: false}
	}
	if !a.constituent.observeLeader(req.Term, req.LeaderID) {
		metrics.AppendRecvTotal.WithLabelValues("stale_term").Inc()
		a.logger.Warn("rejecting append-entries from stale leader",
			zap.Uint64("term", req.Term), zap.Uint64("leader", req.LeaderID),
			zap.Error(ErrStaleTerm))
		return transport.AppendEntriesResponse{Term: a.constituent.Term(), Success: false}
	}

	if req.PrevLogIndex > 0 {
		prev, ok := a.log.EntryAt(req.PrevLogIndex)
		if !ok || prev.Term != req.PrevLogTerm {
			metrics.AppendRecvTotal.WithLabelValues("log_mismatch").Inc()
			a.logger.Info("log mismatch, leader will back off",
				zap.Uint64("prevLogIndex", req.PrevLogIndex),
				zap.Uint64("prevLogTerm", req.PrevLogTerm),
				zap.Error(ErrLogMatch))
			return transport.AppendEntriesResponse{Term: a.constituent.Term(), Success: false}
		}
	}

	a.ioMu.Lock()
	for i, e := range req.Entries {
		existing, ok := a.log.EntryAt(e.Index)
		if ok && existing.Term == e.Term {
			continue
		}
		if ok {
			if err := a.log.TruncateFrom(e.Index); err != nil {
				a.ioMu.Unlock()
				a.logger.Error("log truncate failed, terminating agent", zap.Error(err))
				go a.Stop()
				return transport.AppendEntriesResponse{Term: a.constituent.Term(), Success: false}
			}
		}
		if err := a.log.Append(req.Entries[i:]); err != nil {
			a.ioMu.Unlock()
			a.logger.Error("log append failed, terminating agent", zap.Error(err))
			go a.Stop()
			return transport.AppendEntriesResponse{Term: a.constituent.Term(), Success: false}
		}
		break
	}
	lastIndex := a.log.LastIndex()
	metrics.LastLogIndex.Set(float64(lastIndex))

	newCommit := req.LeaderCommit
	if newCommit > lastIndex {
		newCommit = lastIndex
	}
	if newCommit > a.commitIndex.Load() {
		a.applyCommittedLocked(newCommit)
	}
	a.ioMu.Unlock()

	a.wakeWaiters()
	metrics.AppendRecvTotal.WithLabelValues("ok").Inc()
	return transport.AppendEntriesResponse{Term: a.constituent.Term(), Success: true}
}

// RecvVote handles a requestVote RPC, recording gossiped endpoints before
// the constituent decides.
func (a *Agent) RecvVote(ctx context.Context, req transport.VoteRequest) transport.VoteResponse {
	if len(req.Endpoints) == a.opts.size() {
		a.epMu.Lock()
		copy(a.endpoints, req.Endpoints)
		a.epMu.Unlock()
	}
	return a.constituent.Vote(req)
}

// sendAppendEntries builds and dispatches one replication batch to a
// follower, starting after its confirmed index. An empty batch doubles as
// the heartbeat. The response callback reports progress back through
// reportIn and no-ops once the agent stopped.
func (a *Agent) sendAppendEntries(followerID uint64) {
	a.ioMu.Lock()
	from := a.confirmed[followerID]
	a.ioMu.Unlock()

	batch := a.log.Get(from)
	prev := batch[0]
	req := transport.AppendEntriesRequest{
		Term:         a.constituent.Term(),
		LeaderID:     a.opts.ID,
		PrevLogIndex: prev.Index,
		PrevLogTerm:  prev.Term,
		LeaderCommit: a.commitIndex.Load(),
		Entries:      batch[1:],
	}
	lastInBatch := prev.Index
	if n := len(req.Entries); n > 0 {
		lastInBatch = req.Entries[n-1].Index
		a.logger.Debug("shipping entries",
			zap.Uint64("follower", followerID),
			zap.Int("count", n),
			zap.Uint64("through", lastInBatch))
	}
	endpoint := a.endpointOf(followerID)

	metrics.AppendSentTotal.Inc()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.opts.RPCTimeout)
		defer cancel()
		resp, err := a.opts.Sender.AppendEntries(ctx, endpoint, req)
		if err != nil || a.stopped.Load() {
			// transport failures heal on the next tick
			return
		}
		if resp.Term > req.Term {
			a.constituent.stepDown(resp.Term)
			return
		}
		if resp.Success {
			a.reportIn(followerID, lastInBatch)
		} else {
			a.reportMismatch(followerID)
		}
	}()
}

// reportIn is the replication callback: record follower progress and
// advance the commit index once a strict majority stored the entry.
func (a *Agent) reportIn(followerID, index uint64) {
	a.ioMu.Lock()
	if index > a.confirmed[followerID] {
		a.confirmed[followerID] = index
	}
	if index > a.commitIndex.Load() {
		a.advanceCommitLocked(index, a.constituent.Term())
	}
	a.ioMu.Unlock()

	a.wakeWaiters()
}

// reportMismatch backs the replication cursor off by one so the next tick
// probes an earlier prefix.
func (a *Agent) reportMismatch(followerID uint64) {
	a.ioMu.Lock()
	if a.confirmed[followerID] > 0 {
		a.confirmed[followerID]--
	}
	a.ioMu.Unlock()
}

// advanceCommitLocked commits through index when (1) it is ahead of the
// current commit index, (2) a strict majority of peers confirmed it, and
// (3) the entry was created in the current term. Rule (3) is what keeps
// an overwritten entry from an earlier term from ever committing.
func (a *Agent) advanceCommitLocked(index, term uint64) {
	if index <= a.commitIndex.Load() {
		return
	}
	n := 0
	for _, c := range a.confirmed {
		if c >= index {
			n++
		}
	}
	if n <= a.opts.size()/2 {
		return
	}
	if e, ok := a.log.EntryAt(index); !ok || e.Term != term {
		return
	}
	a.logger.Info("critical mass reached",
		zap.Uint64("from", a.commitIndex.Load()+1), zap.Uint64("through", index))
	a.applyCommittedLocked(index)
}

// applyCommittedLocked applies the log range (commitIndex, index] to the
// read DB in index order and records the new commit index.
func (a *Agent) applyCommittedLocked(index uint64) {
	entries := a.log.Slice(a.commitIndex.Load()+1, index)
	payloads := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		payloads[i] = e.Query
	}
	a.readDB.Apply(payloads)
	a.commitIndex.Store(index)
	metrics.CommitIndex.Set(float64(index))
}

// run is the replication driver. While leading it wakes on every local
// write and at least every heartbeat interval, shipping batches to all
// followers; an empty batch is the heartbeat. While following it sleeps
// until signalled.
func (a *Agent) run() {
	defer a.wg.Done()
	hb := a.opts.Clock.Timer(a.opts.HeartbeatInterval)
	defer hb.Stop()
	for {
		if a.constituent.Leading() {
			hb.Reset(a.opts.HeartbeatInterval)
			select {
			case <-a.done:
				return
			case <-a.runCh:
			case <-hb.C:
			}
		} else {
			select {
			case <-a.done:
				return
			case <-a.runCh:
			}
		}
		if !a.constituent.Leading() {
			continue
		}
		for id := 0; id < a.opts.size(); id++ {
			if uint64(id) != a.opts.ID {
				a.sendAppendEntries(uint64(id))
			}
		}
	}
}

// wakeWaiters broadcasts the waiter condition variable under its
// companion mutex so no waiter misses the signal between its predicate
// check and Wait.
func (a *Agent) wakeWaiters() {
	a.restMu.Lock()
	a.restCv.Broadcast()
	a.restMu.Unlock()
}

func (a *Agent) signalRun() {
	select {
	case a.runCh <- struct{}{}:
	default:
	}
}

// lastLogEntry implements constituentHost.
func (a *Agent) lastLogEntry() state.Entry { return a.log.LastEntry() }

// leadershipGained implements constituentHost: before the new lead term
// serves writes the spearhead is rebuilt from the local log, committed
// prefix plus the still-uncommitted suffix.
func (a *Agent) leadershipGained() {
	a.ioMu.Lock()
	entries := a.log.Slice(1, state.EndOfLog)
	payloads := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		payloads[i] = e.Query
	}
	fresh := store.New()
	fresh.Apply(payloads)
	a.spearhead = fresh
	a.confirmed[a.opts.ID] = a.log.LastIndex()
	a.ioMu.Unlock()

	a.logger.Info("assuming leadership",
		zap.Uint64("term", a.constituent.Term()),
		zap.Uint64("lastLogIndex", a.log.LastIndex()))
	a.signalRun()
}

// peerEndpoints implements constituentHost.
func (a *Agent) peerEndpoints() []string {
	a.epMu.RLock()
	defer a.epMu.RUnlock()
	return append([]string(nil), a.endpoints...)
}

func (a *Agent) endpointOf(id uint64) string {
	a.epMu.RLock()
	defer a.epMu.RUnlock()
	return a.endpoints[id]
}
