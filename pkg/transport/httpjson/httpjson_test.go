package httpjson

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumdb/agency/pkg/agency/state"
	"github.com/quorumdb/agency/pkg/transport"
)

// startServer runs a Server on an ephemeral port with the given handlers
// and returns its host:port.
func startServer(t *testing.T, h transport.Handlers) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := NewServer("127.0.0.1:0", nil)
	require.NoError(t, srv.Start(ctx, h))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return srv.Addr()
}

func TestAppendEntriesRoundTrip(t *testing.T) {
	var got transport.AppendEntriesRequest
	addr := startServer(t, transport.Handlers{
		AppendEntries: func(_ context.Context, req transport.AppendEntriesRequest) transport.AppendEntriesResponse {
			got = req
			return transport.AppendEntriesResponse{Term: req.Term, Success: true}
		},
	})

	c := NewClient(2 * time.Second)
	req := transport.AppendEntriesRequest{
		Term:         3,
		LeaderID:     1,
		PrevLogIndex: 4,
		PrevLogTerm:  2,
		LeaderCommit: 4,
		Entries: []state.Entry{
			{Index: 5, Term: 3, Query: json.RawMessage(`{"ops":[]}`)},
		},
	}
	resp, err := c.AppendEntries(context.Background(), addr, req)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, uint64(3), resp.Term)

	assert.Equal(t, req.Term, got.Term)
	assert.Equal(t, req.LeaderID, got.LeaderID)
	assert.Equal(t, req.PrevLogIndex, got.PrevLogIndex)
	assert.Equal(t, req.PrevLogTerm, got.PrevLogTerm)
	assert.Equal(t, req.LeaderCommit, got.LeaderCommit)
	require.Len(t, got.Entries, 1)
	assert.Equal(t, uint64(5), got.Entries[0].Index)
	assert.Equal(t, uint64(3), got.Entries[0].Term)
}

func TestHeartbeatHasEmptyEntries(t *testing.T) {
	addr := startServer(t, transport.Handlers{
		AppendEntries: func(_ context.Context, req transport.AppendEntriesRequest) transport.AppendEntriesResponse {
			return transport.AppendEntriesResponse{Term: req.Term, Success: len(req.Entries) == 0}
		},
	})

	c := NewClient(2 * time.Second)
	resp, err := c.AppendEntries(context.Background(), addr, transport.AppendEntriesRequest{Term: 1})
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestRequestVoteCarriesEndpointGossip(t *testing.T) {
	var got transport.VoteRequest
	addr := startServer(t, transport.Handlers{
		Vote: func(_ context.Context, req transport.VoteRequest) transport.VoteResponse {
			got = req
			return transport.VoteResponse{Term: req.Term, VoteGranted: true}
		},
	})

	c := NewClient(2 * time.Second)
	req := transport.VoteRequest{
		Term:         7,
		CandidateID:  2,
		LastLogIndex: 10,
		LastLogTerm:  6,
		Endpoints:    []string{"a:1", "b:2", "c:3"},
	}
	resp, err := c.RequestVote(context.Background(), addr, req)
	require.NoError(t, err)
	assert.True(t, resp.VoteGranted)
	assert.Equal(t, req.Term, got.Term)
	assert.Equal(t, req.CandidateID, got.CandidateID)
	assert.Equal(t, req.LastLogIndex, got.LastLogIndex)
	assert.Equal(t, req.LastLogTerm, got.LastLogTerm)
	assert.Equal(t, req.Endpoints, got.Endpoints)
}

func TestWriteAndReadSurface(t *testing.T) {
	addr := startServer(t, transport.Handlers{
		Write: func(_ context.Context, payloads []json.RawMessage) (transport.WriteResponse, error) {
			return transport.WriteResponse{
				Accepted: true,
				LeaderID: 0,
				Applied:  make([]bool, len(payloads)),
				Indices:  []uint64{1},
			}, nil
		},
		Read: func(_ context.Context, paths []string) (transport.ReadResponse, error) {
			return transport.ReadResponse{
				Accepted: true,
				Results:  []json.RawMessage{json.RawMessage(`42`)},
				Success:  []bool{true},
			}, nil
		},
	})

	c := NewClient(2 * time.Second)
	wres, err := c.Write(context.Background(), addr, []json.RawMessage{json.RawMessage(`{"ops":[]}`)})
	require.NoError(t, err)
	assert.True(t, wres.Accepted)
	assert.Equal(t, []uint64{1}, wres.Indices)

	rres, err := c.Read(context.Background(), addr, []string{"/x"})
	require.NoError(t, err)
	assert.True(t, rres.Accepted)
	assert.JSONEq(t, `42`, string(rres.Results[0]))
}

func TestStatusAndHealth(t *testing.T) {
	addr := startServer(t, transport.Handlers{
		Status: func(context.Context) ([]byte, error) {
			return []byte(`{"healthy":true}`), nil
		},
	})

	c := NewClient(2 * time.Second)
	blob, err := c.Status(context.Background(), addr)
	require.NoError(t, err)
	assert.JSONEq(t, `{"healthy":true}`, string(blob))

	// config handler absent: 501
	_, err = c.Config(context.Background(), addr)
	assert.Error(t, err)
}

func TestServerRefusesSecondBind(t *testing.T) {
	addr := startServer(t, transport.Handlers{})
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	dup := NewServer("127.0.0.1:"+port, nil)
	assert.Error(t, dup.Start(context.Background(), transport.Handlers{}))
}
