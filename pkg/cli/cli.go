// Package cli provides the agencyd subcommands: running a peer and
// talking to a running agency from the command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/quorumdb/agency/pkg/bootstrap"
	"github.com/quorumdb/agency/pkg/config"
	"github.com/quorumdb/agency/pkg/logger"
	"github.com/quorumdb/agency/pkg/observability/tracing"
	"github.com/quorumdb/agency/pkg/transport/httpjson"
)

// AddAll attaches all agency subcommands to the provided root command.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewWriteCmd())
	root.AddCommand(NewReadCmd())
}

// NewRunCmd returns the "run" command used to start an agency peer.
func NewRunCmd() *cobra.Command {
	var (
		cfgFile      string
		id           uint64
		endpointsCSV string
		bind, proto  string
		dataDir      string
		logLevel     string
		traceEnable  bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an agency peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			var cfg config.Config
			if cfgFile != "" {
				var err error
				if cfg, err = config.Load(cfgFile); err != nil {
					return err
				}
			}
			// flags override file values
			if cmd.Flags().Changed("id") {
				cfg.ID = id
			}
			if endpointsCSV != "" {
				cfg.Endpoints = splitCSV(endpointsCSV)
			}
			if bind != "" {
				cfg.Bind = bind
			}
			if proto != "" {
				cfg.Proto = proto
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if traceEnable {
				cfg.TraceEnable = true
			}

			level, err := zapcore.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q", logLevel)
			}
			log := logger.NewWithLevel(os.Stderr, level)
			defer func() { _ = log.Sync() }()

			if cfg.TraceEnable {
				shutdown, err := tracing.Setup(true)
				if err != nil {
					log.Sugar().Warnf("tracing setup error: %v", err)
				} else {
					defer func() { _ = shutdown(context.Background()) }()
				}
			}

			node, err := bootstrap.Run(ctx, cfg, log)
			if err != nil {
				return err
			}
			<-ctx.Done()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			return node.Stop(stopCtx)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "path to TOML config file")
	cmd.Flags().Uint64Var(&id, "id", 0, "peer id (index into endpoints)")
	cmd.Flags().StringVar(&endpointsCSV, "endpoints", "", "comma-separated peer endpoints ordered by id")
	cmd.Flags().StringVar(&bind, "bind", "", "listen address (default: own endpoint)")
	cmd.Flags().StringVar(&proto, "proto", "", "rpc carrier: http or grpc")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for the durable log")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "minimum log level")
	cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable stdout tracing")
	return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
	var endpoint string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print an agency peer's status document",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c := httpjson.NewClient(3 * time.Second)
			data, err := c.Status(ctx, endpoint)
			if err != nil {
				return err
			}
			return printJSON(cmd, data)
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "127.0.0.1:8531", "agency endpoint (host:port)")
	return cmd
}

// NewWriteCmd returns the "write" command. The argument is a JSON array
// of transactions.
func NewWriteCmd() *cobra.Command {
	var (
		endpoint string
		follow   bool
	)
	cmd := &cobra.Command{
		Use:   "write <transactions-json>",
		Short: "Submit a write query to the agency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payloads []json.RawMessage
			if err := json.Unmarshal([]byte(args[0]), &payloads); err != nil {
				return fmt.Errorf("transactions must be a JSON array: %w", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c := httpjson.NewClient(3 * time.Second)
			resp, err := c.Write(ctx, endpoint, payloads)
			if err != nil {
				return err
			}
			if !resp.Accepted && follow && resp.LeaderID >= 0 {
				// one redirect hop toward the reported leader
				cfgBlob, err := c.Config(ctx, endpoint)
				if err != nil {
					return err
				}
				var info struct {
					Endpoints []string `json:"endpoints"`
				}
				if err := json.Unmarshal(cfgBlob, &info); err != nil {
					return err
				}
				if int(resp.LeaderID) < len(info.Endpoints) {
					resp, err = c.Write(ctx, info.Endpoints[resp.LeaderID], payloads)
					if err != nil {
						return err
					}
				}
			}
			out, _ := json.Marshal(resp)
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "127.0.0.1:8531", "agency endpoint (host:port)")
	cmd.Flags().BoolVar(&follow, "follow", true, "follow one leader redirect")
	return cmd
}

// NewReadCmd returns the "read" command. Arguments are paths.
func NewReadCmd() *cobra.Command {
	var endpoint string
	cmd := &cobra.Command{
		Use:   "read <path>...",
		Short: "Read paths from the agency's committed view",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c := httpjson.NewClient(3 * time.Second)
			resp, err := c.Read(ctx, endpoint, args)
			if err != nil {
				return err
			}
			out, _ := json.Marshal(resp)
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "127.0.0.1:8531", "agency endpoint (host:port)")
	return cmd
}

func printJSON(cmd *cobra.Command, data []byte) error {
	var buf interface{}
	if err := json.Unmarshal(data, &buf); err == nil {
		if pretty, err := json.MarshalIndent(buf, "", "  "); err == nil {
			data = pretty
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func splitCSV(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
