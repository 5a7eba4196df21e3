// Package config manages the session engine's configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/bsteffensmeier/goldm/internal/ldm7"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete engine configuration.
type Config struct {
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
	Queue   QueueConfig   `koanf:"queue"`
	Policy  PolicyConfig  `koanf:"policy"`
	Mcast   McastConfig   `koanf:"mcast"`
	Vc      VcConfig      `koanf:"vc"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
// An empty Addr disables the endpoint; a forked-per-peer engine usually
// runs without one.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// QueueConfig locates the product queue and the per-feed index maps.
type QueueConfig struct {
	// Path is the product queue file.
	Path string `koanf:"path"`
	// PimDir is the directory of product-index maps. Empty means the
	// queue's parent directory.
	PimDir string `koanf:"pim_dir"`
}

// PolicyConfig locates the peer-validation allow table.
type PolicyConfig struct {
	// Path is the YAML allow-table file.
	Path string `koanf:"path"`
}

// McastConfig locates the multicast manager.
type McastConfig struct {
	// Socket is the manager's unix socket path.
	Socket string `koanf:"socket"`

	// Publishers declares the feeds the manager daemon publishes.
	// Consumed by the manager side only; the session engine learns the
	// coordinates through subscribe.
	Publishers []PublisherConfig `koanf:"publishers"`
}

// PublisherConfig describes one feed's multicast publisher.
type PublisherConfig struct {
	// Feed is the feed specification, e.g. "NGRID" or "PPS|DDS".
	Feed string `koanf:"feed"`
	// Group is the multicast group address:port.
	Group string `koanf:"group"`
	// Fmtp is the FMTP TCP server address:port.
	Fmtp string `koanf:"fmtp"`
	// Pool is the CIDR block FMTP client addresses are allocated from.
	Pool string `koanf:"pool"`
}

// VcConfig holds the virtual-circuit provisioning parameters.
type VcConfig struct {
	// Workgroup is the provisioning workgroup.
	Workgroup string `koanf:"workgroup"`
	// Interpreter runs the provisioning script.
	Interpreter string `koanf:"interpreter"`
	// Script is the provisioning tool's path.
	Script string `koanf:"script"`
	// Switch, Port, and Vlan form the local circuit endpoint.
	Switch string `koanf:"switch"`
	Port   string `koanf:"port"`
	Vlan   uint32 `koanf:"vlan"`
}

// LocalEndpoint returns the configured local circuit endpoint.
func (vc VcConfig) LocalEndpoint() ldm7.VcEndpoint {
	return ldm7.VcEndpoint{
		SwitchID: vc.Switch,
		PortID:   vc.Port,
		VlanID:   vc.Vlan,
	}
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: "",
			Path: "/metrics",
		},
		Queue: QueueConfig{
			Path: "/var/lib/goldm/products.pq",
		},
		Policy: PolicyConfig{
			Path: "/etc/goldm/allow.yaml",
		},
		Mcast: McastConfig{
			Socket: "/run/goldm/mcast.sock",
		},
		Vc: VcConfig{
			Workgroup:   "goldm",
			Interpreter: "/usr/bin/python3",
			Script:      "/usr/libexec/goldm/vlanUtil",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for engine configuration.
// Variables are named GOLDM_<section>_<key>, e.g., GOLDM_LOG_LEVEL.
const envPrefix = "GOLDM_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOLDM_ prefix), and merges on top of DefaultConfig().
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOLDM_LOG_LEVEL -> log.level and
// GOLDM_QUEUE_PIM_DIR -> queue.pim_dir.
// Strips the GOLDM_ prefix, lowercases, and replaces the first _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":      defaults.Log.Level,
		"log.format":     defaults.Log.Format,
		"metrics.addr":   defaults.Metrics.Addr,
		"metrics.path":   defaults.Metrics.Path,
		"queue.path":     defaults.Queue.Path,
		"queue.pim_dir":  defaults.Queue.PimDir,
		"policy.path":    defaults.Policy.Path,
		"mcast.socket":   defaults.Mcast.Socket,
		"vc.workgroup":   defaults.Vc.Workgroup,
		"vc.interpreter": defaults.Vc.Interpreter,
		"vc.script":      defaults.Vc.Script,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyQueuePath indicates the product queue path is empty.
	ErrEmptyQueuePath = errors.New("queue.path must not be empty")

	// ErrEmptyPolicyPath indicates the allow-table path is empty.
	ErrEmptyPolicyPath = errors.New("policy.path must not be empty")

	// ErrEmptyWorkgroup indicates the provisioning workgroup is empty.
	ErrEmptyWorkgroup = errors.New("vc.workgroup must not be empty")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Queue.Path == "" {
		return ErrEmptyQueuePath
	}
	if cfg.Policy.Path == "" {
		return ErrEmptyPolicyPath
	}
	if cfg.Vc.Workgroup == "" {
		return ErrEmptyWorkgroup
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
