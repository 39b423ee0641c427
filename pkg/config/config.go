// Package config loads and validates the agency's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that (un)marshals as text ("150ms", "1s"),
// for humane TOML files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Gossip configures the optional memberlist-based liveness view.
type Gossip struct {
	Enable    bool     `toml:"enable"`
	Bind      string   `toml:"bind"`
	Advertise string   `toml:"advertise"`
	Seeds     []string `toml:"seeds"`
}

// TLS configures transport security for the RPC surface.
type TLS struct {
	Enable     bool   `toml:"enable"`
	CA         string `toml:"ca"`
	Cert       string `toml:"cert"`
	Key        string `toml:"key"`
	ServerName string `toml:"server-name"`
	SkipVerify bool   `toml:"skip-verify"`
}

// Config is the full node configuration. Endpoints is ordered by peer id
// and fixes the cluster size.
type Config struct {
	ID        uint64   `toml:"id"`
	Endpoints []string `toml:"endpoints"`

	// Bind overrides the listen address; defaults to Endpoints[ID].
	Bind string `toml:"bind"`

	// Proto selects the RPC carrier: "http" (default) or "grpc".
	Proto string `toml:"proto"`

	// DataDir holds the durable log; empty means in-memory (testing only).
	DataDir string `toml:"data-dir"`

	ElectionTimeoutMin Duration `toml:"election-timeout-min"`
	ElectionTimeoutMax Duration `toml:"election-timeout-max"`
	HeartbeatInterval  Duration `toml:"heartbeat-interval"`
	RPCTimeout         Duration `toml:"rpc-timeout"`

	TraceEnable bool `toml:"trace-enable"`

	Gossip Gossip `toml:"gossip"`
	TLS    TLS    `toml:"tls"`
}

// Load reads a TOML config file.
func Load(path string) (Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return c, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("config: endpoints must not be empty")
	}
	if int(c.ID) >= len(c.Endpoints) {
		return fmt.Errorf("config: id %d out of range for %d endpoints", c.ID, len(c.Endpoints))
	}
	if c.Bind == "" {
		c.Bind = c.Endpoints[c.ID]
	}
	switch c.Proto {
	case "", "http":
		c.Proto = "http"
	case "grpc":
	default:
		return fmt.Errorf("config: unknown proto %q", c.Proto)
	}
	if c.ElectionTimeoutMin <= 0 {
		c.ElectionTimeoutMin = Duration(150 * time.Millisecond)
	}
	if c.ElectionTimeoutMax <= c.ElectionTimeoutMin {
		c.ElectionTimeoutMax = 2 * c.ElectionTimeoutMin
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = Duration(250 * time.Millisecond)
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = Duration(500 * time.Millisecond)
	}
	if c.TLS.Enable && (c.TLS.Cert == "" || c.TLS.Key == "") {
		return errors.New("config: tls enabled without cert/key")
	}
	return nil
}
