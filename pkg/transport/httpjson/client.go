package httpjson

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/quorumdb/agency/pkg/agency/state"
	"github.com/quorumdb/agency/pkg/transport"
)

// Client carries both peer RPCs (transport.RequestSender) and the client
// surface (transport.RPCClient) over HTTP. Peer RPCs are single-shot —
// the replication driver retries on its own ticks; client-surface calls
// retry with a short backoff.
type Client struct {
	httpc     *http.Client
	transport *http.Transport
	isTLS     bool
}

// NewClient constructs a Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	tr := &http.Transport{}
	return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches
// requests to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	if c.transport != nil {
		c.transport.TLSClientConfig = cfg
	}
	c.isTLS = cfg != nil
	return c
}

func (c *Client) scheme() string {
	if c.isTLS {
		return "https"
	}
	return "http"
}

// AppendEntries ships a replication batch (or heartbeat) to a peer.
func (c *Client) AppendEntries(ctx context.Context, endpoint string, req transport.AppendEntriesRequest) (transport.AppendEntriesResponse, error) {
	var out transport.AppendEntriesResponse
	q := url.Values{}
	q.Set("term", strconv.FormatUint(req.Term, 10))
	q.Set("leaderId", strconv.FormatUint(req.LeaderID, 10))
	q.Set("prevLogIndex", strconv.FormatUint(req.PrevLogIndex, 10))
	q.Set("prevLogTerm", strconv.FormatUint(req.PrevLogTerm, 10))
	q.Set("leaderCommit", strconv.FormatUint(req.LeaderCommit, 10))
	u := fmt.Sprintf("%s://%s/_api/agency_priv/appendEntries?%s", c.scheme(), endpoint, q.Encode())

	entries := req.Entries
	if entries == nil {
		entries = []state.Entry{}
	}
	body, err := json.Marshal(entries)
	if err != nil {
		return out, err
	}
	return out, c.postJSON(ctx, u, body, &out)
}

// RequestVote solicits a vote from a peer, gossiping the local endpoint
// table in the body.
func (c *Client) RequestVote(ctx context.Context, endpoint string, req transport.VoteRequest) (transport.VoteResponse, error) {
	var out transport.VoteResponse
	q := url.Values{}
	q.Set("term", strconv.FormatUint(req.Term, 10))
	q.Set("candidateId", strconv.FormatUint(req.CandidateID, 10))
	q.Set("lastLogIndex", strconv.FormatUint(req.LastLogIndex, 10))
	q.Set("lastLogTerm", strconv.FormatUint(req.LastLogTerm, 10))
	u := fmt.Sprintf("%s://%s/_api/agency_priv/requestVote?%s", c.scheme(), endpoint, q.Encode())

	body, err := json.Marshal(struct {
		Endpoints []string `json:"endpoints,omitempty"`
	}{Endpoints: req.Endpoints})
	if err != nil {
		return out, err
	}
	return out, c.postJSON(ctx, u, body, &out)
}

// Write submits transaction payloads to an agency endpoint.
func (c *Client) Write(ctx context.Context, endpoint string, payloads []json.RawMessage) (transport.WriteResponse, error) {
	var out transport.WriteResponse
	body, err := json.Marshal(payloads)
	if err != nil {
		return out, err
	}
	u := fmt.Sprintf("%s://%s/_api/agency/write", c.scheme(), endpoint)
	return out, c.postRetry(ctx, u, body, &out)
}

// Read evaluates path queries against an agency endpoint.
func (c *Client) Read(ctx context.Context, endpoint string, paths []string) (transport.ReadResponse, error) {
	var out transport.ReadResponse
	body, err := json.Marshal(paths)
	if err != nil {
		return out, err
	}
	u := fmt.Sprintf("%s://%s/_api/agency/read", c.scheme(), endpoint)
	return out, c.postRetry(ctx, u, body, &out)
}

// Status fetches the status document from an agency endpoint.
func (c *Client) Status(ctx context.Context, endpoint string) ([]byte, error) {
	return c.getBlob(ctx, fmt.Sprintf("%s://%s/_api/agency/status", c.scheme(), endpoint))
}

// Config fetches the configuration document from an agency endpoint.
func (c *Client) Config(ctx context.Context, endpoint string) ([]byte, error) {
	return c.getBlob(ctx, fmt.Sprintf("%s://%s/_api/agency/config", c.scheme(), endpoint))
}

func (c *Client) postJSON(ctx context.Context, u string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	return json.Unmarshal(b, out)
}

func (c *Client) postRetry(ctx context.Context, u string, body []byte, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if lastErr = c.postJSON(ctx, u, body, out); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return lastErr
}

func (c *Client) getBlob(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	return b, nil
}

var (
	_ transport.RequestSender = (*Client)(nil)
	_ transport.RPCClient     = (*Client)(nil)
)
