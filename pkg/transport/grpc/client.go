package grpc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/quorumdb/agency/pkg/transport"
)

// request wrappers for the client-surface methods
type writeReq struct {
	Payloads []json.RawMessage `json:"payloads"`
}

type readReq struct {
	Paths []string `json:"paths"`
}

// Client carries peer RPCs and the client surface over gRPC. Connections
// are cached per peer with idle eviction, which matters for the
// replication driver dialing the same followers every tick.
type Client struct {
	timeout time.Duration
	tlsCfg  *tls.Config
	cm      *ConnManager
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
	}
	if c.tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.DialContext(ctx, target, opts...)
}

func (c *Client) getConn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
	if c.cm == nil {
		c.cm = NewConnManager(30*time.Second, c.dialCtx)
	}
	return c.cm.Get(ctx, addr)
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out interface{}) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return err
	}
	defer rel()
	return cc.Invoke(cctx, method, in, out)
}

// AppendEntries implements transport.RequestSender.
func (c *Client) AppendEntries(ctx context.Context, endpoint string, req transport.AppendEntriesRequest) (transport.AppendEntriesResponse, error) {
	var resp transport.AppendEntriesResponse
	err := c.invoke(ctx, endpoint, "/agency.v1.Agency/AppendEntries", &req, &resp)
	return resp, err
}

// RequestVote implements transport.RequestSender.
func (c *Client) RequestVote(ctx context.Context, endpoint string, req transport.VoteRequest) (transport.VoteResponse, error) {
	var resp transport.VoteResponse
	err := c.invoke(ctx, endpoint, "/agency.v1.Agency/RequestVote", &req, &resp)
	return resp, err
}

// Write implements transport.RPCClient.
func (c *Client) Write(ctx context.Context, endpoint string, payloads []json.RawMessage) (transport.WriteResponse, error) {
	var resp transport.WriteResponse
	err := c.invoke(ctx, endpoint, "/agency.v1.Agency/Write", &writeReq{Payloads: payloads}, &resp)
	return resp, err
}

// Read implements transport.RPCClient.
func (c *Client) Read(ctx context.Context, endpoint string, paths []string) (transport.ReadResponse, error) {
	var resp transport.ReadResponse
	err := c.invoke(ctx, endpoint, "/agency.v1.Agency/Read", &readReq{Paths: paths}, &resp)
	return resp, err
}

// Status implements transport.RPCClient.
func (c *Client) Status(ctx context.Context, endpoint string) ([]byte, error) {
	out := new(blob)
	if err := c.invoke(ctx, endpoint, "/agency.v1.Agency/GetStatus", &empty{}, out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Config implements transport.RPCClient.
func (c *Client) Config(ctx context.Context, endpoint string) ([]byte, error) {
	out := new(blob)
	if err := c.invoke(ctx, endpoint, "/agency.v1.Agency/GetConfig", &empty{}, out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Close releases all cached connections.
func (c *Client) Close() {
	if c.cm != nil {
		c.cm.Close()
	}
}

var (
	_ transport.RequestSender = (*Client)(nil)
	_ transport.RPCClient     = (*Client)(nil)
)
