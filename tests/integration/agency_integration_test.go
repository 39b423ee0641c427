package integration

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumdb/agency/pkg/agency/store"
	"github.com/quorumdb/agency/pkg/bootstrap"
	"github.com/quorumdb/agency/pkg/config"
	"github.com/quorumdb/agency/pkg/transport/httpjson"
)

func freePorts(t *testing.T, n int) []string {
	t.Helper()
	endpoints := make([]string, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		endpoints[i] = ln.Addr().String()
		require.NoError(t, ln.Close())
	}
	return endpoints
}

// startCluster launches n peers over real HTTP with bbolt-backed logs.
// Peer 0 gets the short election timeout and reliably takes the lead.
func startCluster(t *testing.T, n int) ([]*bootstrap.Node, []string) {
	t.Helper()
	endpoints := freePorts(t, n)
	nodes := make([]*bootstrap.Node, n)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for i := 0; i < n; i++ {
		min, max := config.Duration(10*time.Second), config.Duration(20*time.Second)
		if i == 0 {
			min, max = config.Duration(50*time.Millisecond), config.Duration(100*time.Millisecond)
		}
		cfg := config.Config{
			ID:                 uint64(i),
			Endpoints:          endpoints,
			DataDir:            t.TempDir(),
			ElectionTimeoutMin: min,
			ElectionTimeoutMax: max,
			HeartbeatInterval:  config.Duration(25 * time.Millisecond),
			RPCTimeout:         config.Duration(500 * time.Millisecond),
		}
		node, err := bootstrap.Run(ctx, cfg, nil)
		require.NoError(t, err)
		nodes[i] = node
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		for _, n := range nodes {
			_ = n.Stop(stopCtx)
		}
	})
	return nodes, endpoints
}

func setTxn(t *testing.T, path string, value interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(value)
	require.NoError(t, err)
	b, err := json.Marshal(store.Transaction{Ops: []store.Op{{Op: store.OpSet, Path: path, Value: raw}}})
	require.NoError(t, err)
	return b
}

func TestThreeNodesOverHTTP(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	nodes, endpoints := startCluster(t, 3)
	leader := nodes[0].Agent
	require.Eventually(t, leader.Leading, 10*time.Second, 20*time.Millisecond, "no leader elected")

	client := httpjson.NewClient(2 * time.Second)
	ctx := context.Background()

	// write against the leader's endpoint
	wres, err := client.Write(ctx, endpoints[0], []json.RawMessage{setTxn(t, "/plan/shards", 16)})
	require.NoError(t, err)
	require.True(t, wres.Accepted)
	require.Len(t, wres.Indices, 1)
	index := wres.Indices[0]

	assert.True(t, leader.WaitFor(index, 5*time.Second))

	rres, err := client.Read(ctx, endpoints[0], []string{"/plan/shards"})
	require.NoError(t, err)
	require.True(t, rres.Accepted)
	assert.JSONEq(t, `16`, string(rres.Results[0]))

	// followers redirect to the leader
	fres, err := client.Write(ctx, endpoints[1], []json.RawMessage{setTxn(t, "/x", 1)})
	require.NoError(t, err)
	assert.False(t, fres.Accepted)
	assert.Equal(t, int64(0), fres.LeaderID)

	// and converge on the committed state
	for _, n := range nodes[1:] {
		agent := n.Agent
		assert.Eventually(t, func() bool { return agent.CommitIndex() >= index }, 5*time.Second, 20*time.Millisecond)
		v, ok := agent.ReadDB().Get("/plan/shards")
		require.True(t, ok)
		assert.JSONEq(t, `16`, string(v))
	}
}

func TestStatusAndConfigEndpoints(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	nodes, endpoints := startCluster(t, 3)
	require.Eventually(t, nodes[0].Agent.Leading, 10*time.Second, 20*time.Millisecond)

	client := httpjson.NewClient(2 * time.Second)
	ctx := context.Background()

	blob, err := client.Status(ctx, endpoints[0])
	require.NoError(t, err)
	var status struct {
		Healthy  bool   `json:"healthy"`
		Role     string `json:"role"`
		LeaderID int64  `json:"leaderId"`
	}
	require.NoError(t, json.Unmarshal(blob, &status))
	assert.True(t, status.Healthy)
	assert.Equal(t, "leader", status.Role)
	assert.Equal(t, int64(0), status.LeaderID)

	blob, err = client.Config(ctx, endpoints[1])
	require.NoError(t, err)
	var info struct {
		ID          uint64   `json:"id"`
		Endpoints   []string `json:"endpoints"`
		ClusterSize int      `json:"clusterSize"`
	}
	require.NoError(t, json.Unmarshal(blob, &info))
	assert.Equal(t, uint64(1), info.ID)
	assert.Equal(t, endpoints, info.Endpoints)
	assert.Equal(t, 3, info.ClusterSize)
}

func TestWriteWithPreconditionOverHTTP(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	nodes, endpoints := startCluster(t, 3)
	leader := nodes[0].Agent
	require.Eventually(t, leader.Leading, 10*time.Second, 20*time.Millisecond)

	client := httpjson.NewClient(2 * time.Second)
	ctx := context.Background()

	yes := true
	guarded, err := json.Marshal(store.Transaction{
		Ops:  []store.Op{{Op: store.OpSet, Path: "/lock/holder", Value: json.RawMessage(`"me"`)}},
		Cond: []store.Condition{{Path: "/lock/holder", OldEmpty: &yes}},
	})
	require.NoError(t, err)

	// the first claim wins, the identical second claim fails its guard
	wres, err := client.Write(ctx, endpoints[0], []json.RawMessage{guarded, guarded})
	require.NoError(t, err)
	require.True(t, wres.Accepted)
	assert.Equal(t, []bool{true, false}, wres.Applied)
	assert.Len(t, wres.Indices, 2)

	require.True(t, leader.WaitFor(wres.Indices[1], 5*time.Second))
	rres, err := client.Read(ctx, endpoints[0], []string{"/lock/holder"})
	require.NoError(t, err)
	assert.JSONEq(t, `"me"`, string(rres.Results[0]))
}
