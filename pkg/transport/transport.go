// Package transport defines the wire surface between agency peers and
// toward clients, independent of protocol. pkg/transport/httpjson and
// pkg/transport/grpc provide the two concrete carriers.
package transport

import (
	"context"
	"encoding/json"

	"github.com/quorumdb/agency/pkg/agency/state"
)

// AppendEntriesRequest replicates a log batch (empty Entries is a
// heartbeat). PrevLogIndex/PrevLogTerm anchor the log-matching check.
type AppendEntriesRequest struct {
	Term         uint64        `json:"term"`
	LeaderID     uint64        `json:"leaderId"`
	PrevLogIndex uint64        `json:"prevLogIndex"`
	PrevLogTerm  uint64        `json:"prevLogTerm"`
	LeaderCommit uint64        `json:"leaderCommit"`
	Entries      []state.Entry `json:"entries"`
}

// AppendEntriesResponse reports the responder's term so a stale leader
// can step down.
type AppendEntriesResponse struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
}

// VoteRequest solicits a vote. Endpoints optionally gossips the sender's
// view of the peer endpoint table.
type VoteRequest struct {
	Term         uint64   `json:"term"`
	CandidateID  uint64   `json:"candidateId"`
	LastLogIndex uint64   `json:"lastLogIndex"`
	LastLogTerm  uint64   `json:"lastLogTerm"`
	Endpoints    []string `json:"endpoints,omitempty"`
}

// VoteResponse carries the voter's term and its decision.
type VoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"voteGranted"`
}

// RequestSender ships RPCs to a peer endpoint. Implementations are
// synchronous; callers needing fire-and-forget dispatch wrap calls in
// their own goroutines.
type RequestSender interface {
	AppendEntries(ctx context.Context, endpoint string, req AppendEntriesRequest) (AppendEntriesResponse, error)
	RequestVote(ctx context.Context, endpoint string, req VoteRequest) (VoteResponse, error)
}

// WriteResponse answers a client write: per-payload applied flags and the
// log indices assigned, or a redirect hint when this peer is not leading.
type WriteResponse struct {
	Accepted bool     `json:"accepted"`
	LeaderID int64    `json:"leaderId"`
	Applied  []bool   `json:"applied,omitempty"`
	Indices  []uint64 `json:"indices,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// ReadResponse answers a client read.
type ReadResponse struct {
	Accepted bool              `json:"accepted"`
	LeaderID int64             `json:"leaderId"`
	Results  []json.RawMessage `json:"results,omitempty"`
	Success  []bool            `json:"success,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Handler funcs keep the servers decoupled from the agent type.
type (
	VoteFunc          func(ctx context.Context, req VoteRequest) VoteResponse
	AppendEntriesFunc func(ctx context.Context, req AppendEntriesRequest) AppendEntriesResponse
	WriteFunc         func(ctx context.Context, payloads []json.RawMessage) (WriteResponse, error)
	ReadFunc          func(ctx context.Context, paths []string) (ReadResponse, error)
	StatusFunc        func(ctx context.Context) ([]byte, error)
	ConfigFunc        func(ctx context.Context) ([]byte, error)
)

// Handlers bundles everything an RPCServer exposes.
type Handlers struct {
	Vote          VoteFunc
	AppendEntries AppendEntriesFunc
	Write         WriteFunc
	Read          ReadFunc
	Status        StatusFunc
	Config        ConfigFunc
}

// RPCServer serves the privileged peer endpoints and the client surface.
type RPCServer interface {
	Start(ctx context.Context, h Handlers) error
	Addr() string
	Stop(ctx context.Context) error
}

// RPCClient performs client-surface calls against an agency endpoint,
// used by the CLI and tooling.
type RPCClient interface {
	Write(ctx context.Context, endpoint string, payloads []json.RawMessage) (WriteResponse, error)
	Read(ctx context.Context, endpoint string, paths []string) (ReadResponse, error)
	Status(ctx context.Context, endpoint string) ([]byte, error)
	Config(ctx context.Context, endpoint string) ([]byte, error)
}
