package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minMaxRetries    = 0
	maxMaxRetries    = 20
	minProbeInterval = 1 * time.Second
	minProbeTimeout  = 100 * time.Millisecond
	minDebounce      = 0 * time.Second
	minReqTimeout    = 1 * time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateQueue(&cfg.Queue)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateSpool(&cfg.Spool)...)
	errs = append(errs, validatePush(&cfg.Push)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if s.BaseURL != "" {
		errs = append(errs, validateURL("server.base_url", s.BaseURL, httpSchemes)...)
	}

	errs = append(errs, validateDurationMin("server.request_timeout", s.RequestTimeout, minReqTimeout)...)

	return errs
}

func validateQueue(q *QueueConfig) []error {
	var errs []error

	if q.DBPath == "" {
		errs = append(errs, errors.New("queue.db_path: must not be empty"))
	}

	if q.MaxRetries < minMaxRetries || q.MaxRetries > maxMaxRetries {
		errs = append(errs, fmt.Errorf("queue.max_retries: must be between %d and %d, got %d",
			minMaxRetries, maxMaxRetries, q.MaxRetries))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	if n.ProbeURL != "" {
		errs = append(errs, validateURL("network.probe_url", n.ProbeURL, httpSchemes)...)
	}

	errs = append(errs, validateDurationMin("network.probe_interval", n.ProbeInterval, minProbeInterval)...)
	errs = append(errs, validateDurationMin("network.probe_timeout", n.ProbeTimeout, minProbeTimeout)...)

	return errs
}

func validateSync(s *SyncConfig) []error {
	return validateDurationMin("sync.debounce", s.Debounce, minDebounce)
}

func validateSpool(s *SpoolConfig) []error {
	if s.Enabled && s.Dir == "" {
		return []error{errors.New("spool.dir: required when spool.enabled is true")}
	}

	return nil
}

func validatePush(p *PushConfig) []error {
	if !p.Enabled {
		return nil
	}

	if p.URL == "" {
		return []error{errors.New("push.url: required when push.enabled is true")}
	}

	return validateURL("push.url", p.URL, wsSchemes)
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

var httpSchemes = map[string]bool{"http": true, "https": true}

var wsSchemes = map[string]bool{"ws": true, "wss": true, "http": true, "https": true}

func validateURL(field, value string, schemes map[string]bool) []error {
	u, err := url.Parse(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid URL %q: %w", field, value, err)}
	}

	if !schemes[u.Scheme] || u.Host == "" {
		return []error{fmt.Errorf("%s: must be an absolute URL with a supported scheme, got %q", field, value)}
	}

	return nil
}

// validateDurationMin checks that a duration string parses and meets a minimum.
func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}
