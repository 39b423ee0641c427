package agency

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/quorumdb/agency/pkg/agency/state"
	"github.com/quorumdb/agency/pkg/observability/metrics"
	"github.com/quorumdb/agency/pkg/transport"
)

// constituentHost is the narrow capability surface the constituent needs
// from its agent: a log probe for the up-to-date check, the leadership
// notification, and the current endpoint table.
type constituentHost interface {
	lastLogEntry() state.Entry
	leadershipGained()
	peerEndpoints() []string
}

// voteStore persists (currentTerm, votedFor). The pair must be durable
// before a vote reply leaves this peer, otherwise a crashed-and-recovered
// peer could vote twice in one term.
type voteStore interface {
	SaveVote(term uint64, votedFor int64) error
	LoadVote() (uint64, int64, error)
}

// Constituent is the per-peer role machine: follower, candidate or
// leader. It owns term and vote state; everything log- and commit-related
// belongs to the Agent.
type Constituent struct {
	opts   *Options
	host   constituentHost
	votes  voteStore
	sender transport.RequestSender
	clk    clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	role     Role
	term     uint64
	votedFor int64
	leaderID int64

	timer *clock.Timer
	rng   *rand.Rand

	done chan struct{}
	wg   sync.WaitGroup
}

func newConstituent(opts *Options, host constituentHost, votes voteStore) *Constituent {
	return &Constituent{
		opts:     opts,
		host:     host,
		votes:    votes,
		sender:   opts.Sender,
		clk:      opts.Clock,
		logger:   opts.Logger.Named("constituent"),
		role:     Follower,
		votedFor: state.NoVote,
		leaderID: NoLeader,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano() + int64(opts.ID))),
		done:     make(chan struct{}),
	}
}

// Start recovers the persisted (term, votedFor) pair and begins the
// election loop.
func (c *Constituent) Start() error {
	term, votedFor, err := c.votes.LoadVote()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.term, c.votedFor = term, votedFor
	c.timer = c.clk.Timer(c.electionTimeout())
	c.mu.Unlock()
	metrics.Term.Set(float64(term))

	c.wg.Add(1)
	go c.run()
	return nil
}

// Stop terminates the election loop.
func (c *Constituent) Stop() {
	close(c.done)
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Term returns the current term.
func (c *Constituent) Term() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.term
}

// Leading reports whether this peer is leader of its current term.
func (c *Constituent) Leading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role == Leader
}

// LeaderID returns the id of the last observed leader, or NoLeader.
func (c *Constituent) LeaderID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderID
}

// Role returns the current role.
func (c *Constituent) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Constituent) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.timer.C:
			c.startElection()
		}
	}
}

// electionTimeout picks a fresh randomized timeout. Randomization keeps
// peers from campaigning in lockstep and splitting every vote.
func (c *Constituent) electionTimeout() time.Duration {
	min, max := c.opts.ElectionTimeoutMin, c.opts.ElectionTimeoutMax
	return min + time.Duration(c.rng.Int63n(int64(max-min)))
}

func (c *Constituent) resetElectionTimerLocked() {
	if c.timer != nil {
		c.timer.Reset(c.electionTimeout())
	}
}

func (c *Constituent) startElection() {
	c.mu.Lock()
	if c.role == Leader {
		c.mu.Unlock()
		return
	}
	c.role = Candidate
	c.term++
	c.votedFor = int64(c.opts.ID)
	c.leaderID = NoLeader
	term := c.term
	if err := c.votes.SaveVote(term, c.votedFor); err != nil {
		// without a durable self-vote the candidacy is void
		c.logger.Error("cannot persist self-vote, abandoning candidacy",
			zap.Uint64("term", term), zap.Error(err))
		c.role = Follower
		c.resetElectionTimerLocked()
		c.mu.Unlock()
		return
	}
	c.resetElectionTimerLocked()
	c.mu.Unlock()

	metrics.Term.Set(float64(term))
	metrics.ElectionsStarted.Inc()
	c.logger.Info("election timeout, soliciting votes",
		zap.Uint64("term", term))

	size := c.opts.size()
	if size == 1 {
		c.becomeLeader(term)
		return
	}

	last := c.host.lastLogEntry()
	endpoints := c.host.peerEndpoints()
	req := transport.VoteRequest{
		Term:         term,
		CandidateID:  c.opts.ID,
		LastLogIndex: last.Index,
		LastLogTerm:  last.Term,
		Endpoints:    endpoints,
	}

	var granted atomic.Int64
	granted.Store(1) // own vote
	for id := 0; id < size; id++ {
		if uint64(id) == c.opts.ID {
			continue
		}
		go func(id int) {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.RPCTimeout)
			defer cancel()
			resp, err := c.sender.RequestVote(ctx, endpoints[id], req)
			if err != nil {
				c.logger.Debug("vote request failed",
					zap.Int("peer", id), zap.Error(err))
				return
			}
			if resp.Term > term {
				c.stepDown(resp.Term)
				return
			}
			if resp.VoteGranted && int(granted.Add(1)) > size/2 {
				c.becomeLeader(term)
			}
		}(id)
	}
}

func (c *Constituent) becomeLeader(term uint64) {
	c.mu.Lock()
	if c.role != Candidate || c.term != term {
		c.mu.Unlock()
		return
	}
	c.role = Leader
	c.leaderID = int64(c.opts.ID)
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()

	metrics.IsLeader.Set(1)
	metrics.LeaderChanges.Inc()
	c.logger.Info("won election", zap.Uint64("term", term))
	c.host.leadershipGained()
}

// stepDown adopts a higher term observed in an RPC response and reverts
// to follower.
func (c *Constituent) stepDown(term uint64) {
	c.mu.Lock()
	if term <= c.term {
		c.mu.Unlock()
		return
	}
	c.adoptTermLocked(term)
	c.resetElectionTimerLocked()
	c.mu.Unlock()
}

// adoptTermLocked moves to the higher term, clears the vote and becomes
// follower. Persists before returning.
func (c *Constituent) adoptTermLocked(term uint64) {
	wasLeader := c.role == Leader
	c.term = term
	c.votedFor = state.NoVote
	c.role = Follower
	c.leaderID = NoLeader
	if err := c.votes.SaveVote(c.term, c.votedFor); err != nil {
		c.logger.Error("cannot persist adopted term", zap.Uint64("term", term), zap.Error(err))
	}
	if wasLeader {
		metrics.IsLeader.Set(0)
		c.logger.Info("stepping down", zap.Uint64("term", term))
	}
	metrics.Term.Set(float64(term))
}

// observeLeader processes the term carried by an append-entries RPC.
// It returns false when the caller's term is stale. Otherwise the caller
// is accepted as leader for its term: a candidate of the same term yields
// and the election timer is pushed back.
func (c *Constituent) observeLeader(term, leaderID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if term < c.term {
		return false
	}
	if term > c.term {
		c.adoptTermLocked(term)
	} else if c.role != Follower {
		wasLeader := c.role == Leader
		c.role = Follower
		if wasLeader {
			metrics.IsLeader.Set(0)
			c.logger.Info("yielding to leader of same term",
				zap.Uint64("term", term), zap.Uint64("leader", leaderID))
		}
	}
	c.leaderID = int64(leaderID)
	c.resetElectionTimerLocked()
	return true
}

// Vote decides a requestVote RPC. The decision (and any term adoption) is
// persisted before the response is produced.
func (c *Constituent) Vote(req transport.VoteRequest) transport.VoteResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Term < c.term {
		return transport.VoteResponse{Term: c.term, VoteGranted: false}
	}
	if req.Term > c.term {
		c.adoptTermLocked(req.Term)
	}

	if c.votedFor != state.NoVote && c.votedFor != int64(req.CandidateID) {
		return transport.VoteResponse{Term: c.term, VoteGranted: false}
	}

	last := c.host.lastLogEntry()
	upToDate := req.LastLogTerm > last.Term ||
		(req.LastLogTerm == last.Term && req.LastLogIndex >= last.Index)
	if !upToDate {
		return transport.VoteResponse{Term: c.term, VoteGranted: false}
	}

	prev := c.votedFor
	c.votedFor = int64(req.CandidateID)
	if err := c.votes.SaveVote(c.term, c.votedFor); err != nil {
		// an unpersisted vote must not be granted
		c.logger.Error("cannot persist vote", zap.Uint64("term", c.term), zap.Error(err))
		c.votedFor = prev
		return transport.VoteResponse{Term: c.term, VoteGranted: false}
	}
	c.resetElectionTimerLocked()
	metrics.VotesGranted.Inc()
	c.logger.Info("granting vote",
		zap.Uint64("term", c.term), zap.Uint64("candidate", req.CandidateID))
	return transport.VoteResponse{Term: c.term, VoteGranted: true}
}
