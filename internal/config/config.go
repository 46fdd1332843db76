// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for fleetsync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
// JSON tags mirror the TOML keys so "config show --json" and the TOML file
// speak the same vocabulary.
type Config struct {
	Server  ServerConfig  `toml:"server" json:"server"`
	Queue   QueueConfig   `toml:"queue" json:"queue"`
	Network NetworkConfig `toml:"network" json:"network"`
	Sync    SyncConfig    `toml:"sync" json:"sync"`
	Spool   SpoolConfig   `toml:"spool" json:"spool"`
	Push    PushConfig    `toml:"push" json:"push"`
	Diag    DiagConfig    `toml:"diag" json:"diag"`
	Logging LoggingConfig `toml:"logging" json:"logging"`
}

// ServerConfig identifies the central fleet service and how to talk to it.
// The token is a static bearer credential provisioned per device.
type ServerConfig struct {
	BaseURL        string `toml:"base_url" json:"base_url"`
	Token          string `toml:"token" json:"token,omitempty"`
	RequestTimeout string `toml:"request_timeout" json:"request_timeout"`
}

// QueueConfig controls the durable operation queue.
type QueueConfig struct {
	DBPath     string `toml:"db_path" json:"db_path"`
	MaxRetries int    `toml:"max_retries" json:"max_retries"`
}

// NetworkConfig controls connectivity probing. The probe URL should be a
// cheap endpoint on the fleet service (or any reliable host reachable only
// when the device has real connectivity, not a captive portal).
type NetworkConfig struct {
	ProbeURL       string `toml:"probe_url" json:"probe_url,omitempty"`
	ProbeInterval  string `toml:"probe_interval" json:"probe_interval"`
	ProbeTimeout   string `toml:"probe_timeout" json:"probe_timeout"`
	ConnectionType string `toml:"connection_type" json:"connection_type"`
}

// SyncConfig controls drain behavior after connectivity returns.
type SyncConfig struct {
	Debounce    string `toml:"debounce" json:"debounce"`
	SyncOnStart bool   `toml:"sync_on_start" json:"sync_on_start"`
}

// SpoolConfig controls the drop-directory ingress. Other programs on the
// device enqueue operations by writing JSON envelopes into the spool dir.
type SpoolConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Dir     string `toml:"dir" json:"dir"`
}

// PushConfig controls the websocket listener for server-issued sync nudges.
type PushConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	URL     string `toml:"url" json:"url,omitempty"`
}

// DiagConfig controls the local diagnostics endpoint. It binds to loopback
// by default; exposing it beyond the device is not supported.
type DiagConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Addr    string `toml:"addr" json:"addr"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level" json:"log_level"`
	LogFormat string `toml:"log_format" json:"log_format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	ServerURL  *string // --server flag
	DBPath     *string // --db flag
	Debounce   *string // --debounce flag
}

// Duration accessors. Validation guarantees these fields parse on any Config
// that came through Load or Resolve; hand-built Configs with bad values get
// zero, which every consumer treats as "use your default".

// TimeoutDuration returns the parsed request timeout.
func (s *ServerConfig) TimeoutDuration() time.Duration {
	return parseDuration(s.RequestTimeout)
}

// IntervalDuration returns the parsed probe interval.
func (n *NetworkConfig) IntervalDuration() time.Duration {
	return parseDuration(n.ProbeInterval)
}

// TimeoutDuration returns the parsed probe timeout.
func (n *NetworkConfig) TimeoutDuration() time.Duration {
	return parseDuration(n.ProbeTimeout)
}

// DebounceDuration returns the parsed post-reconnect debounce.
func (s *SyncConfig) DebounceDuration() time.Duration {
	return parseDuration(s.Debounce)
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}
