package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain and are chosen so a device works with
// nothing but a base_url and token configured.
const (
	defaultRequestTimeout = "30s"
	defaultMaxRetries     = 3
	defaultProbeInterval  = "30s"
	defaultProbeTimeout   = "5s"
	defaultConnectionType = "unknown"
	defaultDebounce       = "2s"
	defaultDiagAddr       = "127.0.0.1:7848"
	defaultLogLevel       = "info"
	defaultLogFormat      = "auto"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			RequestTimeout: defaultRequestTimeout,
		},
		Queue: QueueConfig{
			DBPath:     DefaultDBPath(),
			MaxRetries: defaultMaxRetries,
		},
		Network: NetworkConfig{
			ProbeInterval:  defaultProbeInterval,
			ProbeTimeout:   defaultProbeTimeout,
			ConnectionType: defaultConnectionType,
		},
		Sync: SyncConfig{
			Debounce:    defaultDebounce,
			SyncOnStart: true,
		},
		Spool: SpoolConfig{
			Dir: DefaultSpoolDir(),
		},
		Push: PushConfig{},
		Diag: DiagConfig{
			Addr: defaultDiagAddr,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
