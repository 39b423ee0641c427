// Package bootstrap assembles a runnable agency peer from configuration:
// durable log backend, agent, RPC transport and the optional gossip
// liveness view.
package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/quorumdb/agency/pkg/agency"
	"github.com/quorumdb/agency/pkg/agency/state"
	"github.com/quorumdb/agency/pkg/config"
	"github.com/quorumdb/agency/pkg/membership"
	ml "github.com/quorumdb/agency/pkg/membership/memberlist"
	"github.com/quorumdb/agency/pkg/observability/metrics"
	tlsx "github.com/quorumdb/agency/pkg/security/tlsconfig"
	"github.com/quorumdb/agency/pkg/transport"
	mgmtgrpc "github.com/quorumdb/agency/pkg/transport/grpc"
	"github.com/quorumdb/agency/pkg/transport/httpjson"
)

// Node bundles one assembled agency peer and its subsystems.
type Node struct {
	Agent  *agency.Agent
	Client transport.RPCClient

	cfg    config.Config
	srv    transport.RPCServer
	mem    membership.Membership
	logger *zap.Logger
}

// Build assembles a Node from validated configuration without starting
// anything.
func Build(cfg config.Config, logger *zap.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	topts := tlsx.Options{
		Enable:             cfg.TLS.Enable,
		CAFile:             cfg.TLS.CA,
		CertFile:           cfg.TLS.Cert,
		KeyFile:            cfg.TLS.Key,
		ServerName:         cfg.TLS.ServerName,
		InsecureSkipVerify: cfg.TLS.SkipVerify,
	}
	srvTLS, err := topts.Server()
	if err != nil {
		return nil, err
	}
	cliTLS, err := topts.Client()
	if err != nil {
		return nil, err
	}

	// durable log substrate
	var backend state.Backend
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		backend, err = state.OpenBolt(filepath.Join(cfg.DataDir, "agency.db"))
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("no data-dir configured, log is held in memory only")
		backend = state.NewMemory()
	}

	// RPC carrier
	var (
		srv    transport.RPCServer
		sender transport.RequestSender
		client transport.RPCClient
	)
	switch cfg.Proto {
	case "grpc":
		s := mgmtgrpc.NewServer(cfg.Bind)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
		}
		c := mgmtgrpc.NewClient(3 * time.Second)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		srv, sender, client = s, c, c
	default:
		s := httpjson.NewServer(cfg.Bind, logger)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
		}
		c := httpjson.NewClient(3 * time.Second)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		srv, sender, client = s, c, c
	}

	agent, err := agency.New(agency.Options{
		ID:                 cfg.ID,
		Endpoints:          cfg.Endpoints,
		Backend:            backend,
		Sender:             sender,
		ElectionTimeoutMin: cfg.ElectionTimeoutMin.Std(),
		ElectionTimeoutMax: cfg.ElectionTimeoutMax.Std(),
		HeartbeatInterval:  cfg.HeartbeatInterval.Std(),
		RPCTimeout:         cfg.RPCTimeout.Std(),
		Logger:             logger,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}

	n := &Node{Agent: agent, Client: client, cfg: cfg, srv: srv, logger: logger}

	if cfg.Gossip.Enable {
		mem, err := ml.New(ml.Options{
			NodeID:    strconv.FormatUint(cfg.ID, 10),
			Bind:      cfg.Gossip.Bind,
			Advertise: cfg.Gossip.Advertise,
			Meta:      map[string]string{"endpoint": cfg.Endpoints[cfg.ID]},
			Logger:    logger,
		})
		if err != nil {
			backend.Close()
			return nil, err
		}
		n.mem = mem
	}
	return n, nil
}

// Run builds and starts a node; the caller stops it via Stop.
func Run(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Node, error) {
	n, err := Build(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		return nil, err
	}
	return n, nil
}

// Start launches the agent, the RPC server and the gossip view.
func (n *Node) Start(ctx context.Context) error {
	metrics.Register()

	if err := n.Agent.Start(); err != nil {
		return err
	}
	if err := n.srv.Start(ctx, n.handlers()); err != nil {
		return fmt.Errorf("bootstrap: starting rpc server: %w", err)
	}
	n.logger.Info("rpc surface listening", zap.String("addr", n.srv.Addr()), zap.String("proto", n.cfg.Proto))

	if n.mem != nil {
		if err := n.mem.Start(ctx); err != nil {
			return fmt.Errorf("bootstrap: starting membership: %w", err)
		}
		if seeds := n.cfg.Gossip.Seeds; len(seeds) > 0 {
			n.logger.Info("joining gossip seeds", zap.Strings("seeds", seeds))
			if err := n.mem.Join(seeds); err != nil {
				n.logger.Warn("gossip join failed, will retry via probes", zap.Error(err))
			}
		}
	}
	return nil
}

// Stop shuts down all subsystems, aggregating their errors.
func (n *Node) Stop(ctx context.Context) error {
	var errs error
	if n.mem != nil {
		errs = multierr.Append(errs, n.mem.Leave())
		errs = multierr.Append(errs, n.mem.Stop())
	}
	errs = multierr.Append(errs, n.srv.Stop(ctx))
	errs = multierr.Append(errs, n.Agent.Stop())
	return errs
}

func (n *Node) handlers() transport.Handlers {
	return transport.Handlers{
		Vote:          n.Agent.RecvVote,
		AppendEntries: n.Agent.RecvAppendEntries,
		Write: func(ctx context.Context, payloads []json.RawMessage) (transport.WriteResponse, error) {
			res, err := n.Agent.Write(ctx, payloads)
			resp := transport.WriteResponse{
				Accepted: res.Accepted,
				LeaderID: res.LeaderID,
				Applied:  res.Applied,
				Indices:  res.Indices,
			}
			// a redirect is a regular answer, not a transport error
			if err != nil && !errors.Is(err, agency.ErrNotLeader) {
				resp.Error = err.Error()
				return resp, err
			}
			return resp, nil
		},
		Read: func(ctx context.Context, paths []string) (transport.ReadResponse, error) {
			res, err := n.Agent.Read(ctx, paths)
			resp := transport.ReadResponse{
				Accepted: res.Accepted,
				LeaderID: res.LeaderID,
				Results:  res.Results,
				Success:  res.Success,
			}
			if err != nil && !errors.Is(err, agency.ErrNotLeader) {
				resp.Error = err.Error()
				return resp, err
			}
			return resp, nil
		},
		Status: n.statusJSON,
		Config: n.configJSON,
	}
}

type statusDoc struct {
	agency.Info
	Healthy     bool                    `json:"healthy"`
	Members     []membership.MemberInfo `json:"members,omitempty"`
	HealthScore int                     `json:"healthScore"`
}

func (n *Node) statusJSON(ctx context.Context) ([]byte, error) {
	doc := statusDoc{Info: n.Agent.Snapshot(), HealthScore: -1}
	doc.Healthy = doc.LeaderID != agency.NoLeader
	if n.mem != nil {
		doc.Members = n.mem.Members()
		if hr, ok := n.mem.(membership.HealthReporter); ok {
			doc.HealthScore = hr.HealthScore()
		}
	}
	return json.Marshal(doc)
}

func (n *Node) configJSON(ctx context.Context) ([]byte, error) {
	return json.Marshal(n.Agent.Snapshot())
}
