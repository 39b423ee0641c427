package agency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumdb/agency/pkg/agency/state"
	"github.com/quorumdb/agency/pkg/transport"
)

// stubHost satisfies constituentHost without a full agent.
type stubHost struct {
	mu   sync.Mutex
	last state.Entry
	led  int
	eps  []string
}

func (h *stubHost) lastLogEntry() state.Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

func (h *stubHost) leadershipGained() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.led++
}

func (h *stubHost) leadCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.led
}

func (h *stubHost) peerEndpoints() []string { return h.eps }

// stubSender answers vote requests from canned responses.
type stubSender struct {
	mu    sync.Mutex
	votes map[string]transport.VoteResponse
}

func (s *stubSender) RequestVote(_ context.Context, endpoint string, _ transport.VoteRequest) (transport.VoteResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.votes[endpoint]
	if !ok {
		return transport.VoteResponse{}, errors.New("unreachable")
	}
	return resp, nil
}

func (s *stubSender) AppendEntries(_ context.Context, _ string, _ transport.AppendEntriesRequest) (transport.AppendEntriesResponse, error) {
	return transport.AppendEntriesResponse{}, errors.New("unreachable")
}

type failingVotes struct{}

func (failingVotes) SaveVote(uint64, int64) error    { return errors.New("disk full") }
func (failingVotes) LoadVote() (uint64, int64, error) { return 0, state.NoVote, nil }

func testConstituent(t *testing.T, id uint64, eps []string, sender transport.RequestSender, votes voteStore) (*Constituent, *stubHost) {
	t.Helper()
	opts := Options{
		ID:        id,
		Endpoints: eps,
		Backend:   state.NewMemory(),
		Sender:    sender,
		// far enough out that no timer fires during a test
		ElectionTimeoutMin: time.Hour,
		ElectionTimeoutMax: 2 * time.Hour,
	}
	require.NoError(t, opts.Validate())
	host := &stubHost{eps: eps}
	if votes == nil {
		votes = state.NewMemory()
	}
	return newConstituent(&opts, host, votes), host
}

func TestVoteGrantAndSingleVotePerTerm(t *testing.T) {
	c, _ := testConstituent(t, 0, []string{"a", "b", "c"}, &stubSender{}, nil)

	resp := c.Vote(transport.VoteRequest{Term: 1, CandidateID: 1})
	assert.True(t, resp.VoteGranted)
	assert.Equal(t, uint64(1), resp.Term)

	// same candidate may ask again in the same term
	resp = c.Vote(transport.VoteRequest{Term: 1, CandidateID: 1})
	assert.True(t, resp.VoteGranted)

	// a different candidate must be denied for this term
	resp = c.Vote(transport.VoteRequest{Term: 1, CandidateID: 2})
	assert.False(t, resp.VoteGranted)

	// a later term resets the vote
	resp = c.Vote(transport.VoteRequest{Term: 2, CandidateID: 2})
	assert.True(t, resp.VoteGranted)
}

func TestVoteDeniedStaleTerm(t *testing.T) {
	c, _ := testConstituent(t, 0, []string{"a", "b", "c"}, &stubSender{}, nil)
	c.mu.Lock()
	c.term = 5
	c.mu.Unlock()

	resp := c.Vote(transport.VoteRequest{Term: 3, CandidateID: 1})
	assert.False(t, resp.VoteGranted)
	assert.Equal(t, uint64(5), resp.Term)
}

func TestVoteDeniedByUpToDateRule(t *testing.T) {
	c, host := testConstituent(t, 0, []string{"a", "b", "c"}, &stubSender{}, nil)
	host.last = state.Entry{Index: 4, Term: 3}

	// candidate's log ends in an older term despite being longer
	resp := c.Vote(transport.VoteRequest{Term: 4, CandidateID: 1, LastLogIndex: 10, LastLogTerm: 2})
	assert.False(t, resp.VoteGranted)
	// term was still adopted
	assert.Equal(t, uint64(4), resp.Term)

	// same last term, shorter log: denied
	resp = c.Vote(transport.VoteRequest{Term: 5, CandidateID: 1, LastLogIndex: 3, LastLogTerm: 3})
	assert.False(t, resp.VoteGranted)

	// same last term, equal index: granted
	resp = c.Vote(transport.VoteRequest{Term: 6, CandidateID: 1, LastLogIndex: 4, LastLogTerm: 3})
	assert.True(t, resp.VoteGranted)
}

func TestVoteNotGrantedWithoutDurability(t *testing.T) {
	c, _ := testConstituent(t, 0, []string{"a", "b", "c"}, &stubSender{}, failingVotes{})

	resp := c.Vote(transport.VoteRequest{Term: 1, CandidateID: 1})
	assert.False(t, resp.VoteGranted)

	// the unpersisted vote must not linger in memory either
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, state.NoVote, c.votedFor)
}

func TestElectionWinsOnMajority(t *testing.T) {
	sender := &stubSender{votes: map[string]transport.VoteResponse{
		"b": {Term: 1, VoteGranted: true},
		// peer c unreachable: 2 of 3 is still a majority
	}}
	c, host := testConstituent(t, 0, []string{"a", "b", "c"}, sender, nil)

	c.startElection()
	assert.Eventually(t, func() bool { return c.Leading() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), c.Term())
	assert.Equal(t, int64(0), c.LeaderID())
	assert.Equal(t, 1, host.leadCount())
}

func TestElectionLosesWithoutMajority(t *testing.T) {
	sender := &stubSender{votes: map[string]transport.VoteResponse{
		"b": {Term: 1, VoteGranted: false},
		"c": {Term: 1, VoteGranted: false},
	}}
	c, host := testConstituent(t, 0, []string{"a", "b", "c"}, sender, nil)

	c.startElection()
	time.Sleep(100 * time.Millisecond)
	assert.False(t, c.Leading())
	assert.Equal(t, Candidate, c.Role())
	assert.Equal(t, 0, host.leadCount())
}

func TestElectionStepsDownOnHigherTermResponse(t *testing.T) {
	sender := &stubSender{votes: map[string]transport.VoteResponse{
		"b": {Term: 9, VoteGranted: false},
	}}
	c, _ := testConstituent(t, 0, []string{"a", "b", "c"}, sender, nil)

	c.startElection()
	assert.Eventually(t, func() bool { return c.Term() == 9 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, Follower, c.Role())
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, state.NoVote, c.votedFor)
}

func TestSingleNodeElectsItself(t *testing.T) {
	c, host := testConstituent(t, 0, []string{"a"}, &stubSender{}, nil)
	c.startElection()
	assert.True(t, c.Leading())
	assert.Equal(t, 1, host.leadCount())
}

func TestLeaderStepsDownOnHigherTermAppend(t *testing.T) {
	c, _ := testConstituent(t, 0, []string{"a"}, &stubSender{}, nil)
	c.startElection()
	require.True(t, c.Leading())
	term := c.Term()

	ok := c.observeLeader(term+1, 0)
	assert.True(t, ok)
	assert.False(t, c.Leading())
	assert.Equal(t, Follower, c.Role())
	assert.Equal(t, term+1, c.Term())
	c.mu.Lock()
	votedFor := c.votedFor
	c.mu.Unlock()
	assert.Equal(t, state.NoVote, votedFor)
}

func TestObserveLeaderRejectsStaleTerm(t *testing.T) {
	c, _ := testConstituent(t, 1, []string{"a", "b", "c"}, &stubSender{}, nil)
	c.mu.Lock()
	c.term = 4
	c.mu.Unlock()

	assert.False(t, c.observeLeader(3, 0))
	assert.True(t, c.observeLeader(4, 0))
	assert.Equal(t, int64(0), c.LeaderID())
}

func TestVotePersistsAcrossRestart(t *testing.T) {
	backend := state.NewMemory()
	opts := Options{
		ID:                 0,
		Endpoints:          []string{"a", "b", "c"},
		Backend:            backend,
		Sender:             &stubSender{},
		ElectionTimeoutMin: time.Hour,
	}
	require.NoError(t, opts.Validate())
	host := &stubHost{eps: opts.Endpoints}

	c := newConstituent(&opts, host, backend)
	require.NoError(t, c.Start())
	resp := c.Vote(transport.VoteRequest{Term: 3, CandidateID: 2})
	require.True(t, resp.VoteGranted)
	c.Stop()

	// a recovered constituent must refuse to vote for anyone else in term 3
	c2 := newConstituent(&opts, host, backend)
	require.NoError(t, c2.Start())
	defer c2.Stop()
	assert.Equal(t, uint64(3), c2.Term())
	resp = c2.Vote(transport.VoteRequest{Term: 3, CandidateID: 1})
	assert.False(t, resp.VoteGranted)
	resp = c2.Vote(transport.VoteRequest{Term: 3, CandidateID: 2})
	assert.True(t, resp.VoteGranted)
}
