package config

import (
	"fmt"
	"io"
)

// redactedToken stands in for the bearer token in any rendered output.
const redactedToken = "(redacted)"

// Redacted returns a display-safe copy of cfg with the server token masked.
// Config holds only value-type sections, so the shallow copy is a full one.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Server.Token != "" {
		out.Server.Token = redactedToken
	}

	return &out
}

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w: the effective values after all four override
// layers (defaults -> file -> env -> CLI) have been applied. The server
// token is never printed.
func RenderEffective(c *Config, w io.Writer) error {
	c = c.Redacted()
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration\n\n")

	renderServerSection(ew, &c.Server)
	renderQueueSection(ew, &c.Queue)
	renderNetworkSection(ew, &c.Network)
	renderSyncSection(ew, &c.Sync)
	renderSpoolSection(ew, &c.Spool)
	renderPushSection(ew, &c.Push)
	renderDiagSection(ew, &c.Diag)
	renderLoggingSection(ew, &c.Logging)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderServerSection(ew *errWriter, s *ServerConfig) {
	ew.printf("[server]\n")
	ew.printf("  base_url        = %q\n", s.BaseURL)

	if s.Token != "" {
		ew.printf("  token           = %q\n", s.Token)
	}

	ew.printf("  request_timeout = %q\n", s.RequestTimeout)
	ew.printf("\n")
}

func renderQueueSection(ew *errWriter, q *QueueConfig) {
	ew.printf("[queue]\n")
	ew.printf("  db_path     = %q\n", q.DBPath)
	ew.printf("  max_retries = %d\n", q.MaxRetries)
	ew.printf("\n")
}

func renderNetworkSection(ew *errWriter, n *NetworkConfig) {
	ew.printf("[network]\n")

	if n.ProbeURL != "" {
		ew.printf("  probe_url       = %q\n", n.ProbeURL)
	}

	ew.printf("  probe_interval  = %q\n", n.ProbeInterval)
	ew.printf("  probe_timeout   = %q\n", n.ProbeTimeout)
	ew.printf("  connection_type = %q\n", n.ConnectionType)
	ew.printf("\n")
}

func renderSyncSection(ew *errWriter, s *SyncConfig) {
	ew.printf("[sync]\n")
	ew.printf("  debounce      = %q\n", s.Debounce)
	ew.printf("  sync_on_start = %t\n", s.SyncOnStart)
	ew.printf("\n")
}

func renderSpoolSection(ew *errWriter, s *SpoolConfig) {
	ew.printf("[spool]\n")
	ew.printf("  enabled = %t\n", s.Enabled)
	ew.printf("  dir     = %q\n", s.Dir)
	ew.printf("\n")
}

func renderPushSection(ew *errWriter, p *PushConfig) {
	ew.printf("[push]\n")
	ew.printf("  enabled = %t\n", p.Enabled)

	if p.URL != "" {
		ew.printf("  url     = %q\n", p.URL)
	}

	ew.printf("\n")
}

func renderDiagSection(ew *errWriter, d *DiagConfig) {
	ew.printf("[diag]\n")
	ew.printf("  enabled = %t\n", d.Enabled)
	ew.printf("  addr    = %q\n", d.Addr)
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", l.LogLevel)
	ew.printf("  log_format = %q\n", l.LogFormat)
}
