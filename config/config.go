// Package config handles p4node daemon configuration.
//
// Configuration is loaded with overlay semantics:
//
//  1. Start with built-in defaults (embedded from default.toml)
//  2. Overlay with config file values (if the file exists)
//  3. CLI flags and environment variables override at runtime
//
// The TOML decoder only sets fields present in the file, leaving the
// rest at their default values. A config file that exists but does not
// parse is an error.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/frobware/go-p4node/logging"
)

//go:embed default.toml
var defaultConfigTOML string

// DefaultConfigPath is the default path to the p4node config file.
const DefaultConfigPath = "/etc/p4node/p4node.toml"

// Dataplane backend names.
const (
	BackendSim  = "sim"
	BackendEBPF = "ebpf"
	BackendKnet = "knet"
)

// Config is the top-level p4node configuration.
type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Server    ServerConfig    `toml:"server"`
	Dataplane DataplaneConfig `toml:"dataplane"`
}

// LoggingConfig controls logging behaviour.
type LoggingConfig struct {
	// Level is the log spec (e.g. "info" or "info,node=debug").
	Level string `toml:"level"`
	// Format is the output format: "text" or "json".
	Format string `toml:"format"`
	// Components is an alternative way to set per-component levels.
	Components map[string]string `toml:"components"`
}

// ToSpec converts the LoggingConfig to a log spec string. Level wins
// over Components when both are set.
func (c *LoggingConfig) ToSpec() string {
	if c.Level != "" {
		return c.Level
	}
	if len(c.Components) == 0 {
		return ""
	}

	names := make([]string, 0, len(c.Components))
	for name := range c.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names)+1)
	parts = append(parts, "info")
	for _, name := range names {
		parts = append(parts, name+"="+c.Components[name])
	}
	return strings.Join(parts, ",")
}

// PipelineConfig controls forwarding pipeline installation.
type PipelineConfig struct {
	// EnableStaticTableWrites lets a pipeline push program the static
	// entries carried in the device config. When false they are
	// tracked but never written.
	EnableStaticTableWrites bool `toml:"enable_static_table_writes"`
}

// ServerConfig controls the listeners. Empty addresses disable them.
type ServerConfig struct {
	TCPAddress     string `toml:"tcp_address"`
	MetricsAddress string `toml:"metrics_address"`
}

// DataplaneConfig selects the manager implementations behind each node.
type DataplaneConfig struct {
	// L3Backend is "sim" or "ebpf".
	L3Backend string `toml:"l3_backend"`
	// PacketIOBackend is "sim" or "knet".
	PacketIOBackend string `toml:"packetio_backend"`
	// KnetInterface is the CPU port netdev used by the knet backend.
	KnetInterface string `toml:"knet_interface"`
}

// DefaultConfig returns the configuration in the embedded default.toml.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		return Config{
			Logging:   LoggingConfig{Level: "info", Format: "text"},
			Dataplane: DataplaneConfig{L3Backend: BackendSim, PacketIOBackend: BackendSim},
		}
	}
	return cfg
}

// Load reads configuration from path with overlay semantics. A missing
// file yields the defaults; an unreadable or invalid one is an error.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
	}

	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseSpec(c.Logging.ToSpec()); err != nil {
		errs = append(errs, fmt.Errorf("invalid log spec: %w", err))
	}
	switch c.Dataplane.L3Backend {
	case BackendSim, BackendEBPF:
	default:
		errs = append(errs, fmt.Errorf("unknown l3_backend %q", c.Dataplane.L3Backend))
	}
	switch c.Dataplane.PacketIOBackend {
	case BackendSim:
	case BackendKnet:
		if c.Dataplane.KnetInterface == "" {
			errs = append(errs, errors.New("packetio_backend knet requires knet_interface"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown packetio_backend %q", c.Dataplane.PacketIOBackend))
	}
	return errors.Join(errs...)
}
