//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FringeDweller/fleetsync/testutil"
)

// binaryPath holds the fleetsync binary built by TestMain.
var binaryPath string

// deviceToken is the bearer token shared by every test device and its fake
// fleet service.
const deviceToken = "e2e-device-token"

func TestMain(m *testing.M) {
	// Build binary to temp dir.
	tmpDir, err := os.MkdirTemp("", "fleetsync-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(tmpDir)

	binaryPath = filepath.Join(tmpDir, "fleetsync")

	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	cmd.Dir = findModuleRoot()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "building binary: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// findModuleRoot walks up from the current dir to find go.mod.
func findModuleRoot() string {
	dir, _ := os.Getwd()
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Fallback to ".." — e2e/ is one level below module root.
			return ".."
		}

		dir = parent
	}
}

// device is one isolated fleetsync installation: its own HOME and XDG trees,
// its own config file and queue database, pointed at a fake fleet service.
// Every test provisions its own so queue state and PID files never cross.
type device struct {
	t    *testing.T
	home string
}

// newDevice provisions a device configured against serverURL. extraConfig is
// appended to the generated TOML verbatim, so tests can add sections like
// [spool] or override [queue] limits.
func newDevice(t *testing.T, serverURL, extraConfig string) *device {
	t.Helper()

	home := t.TempDir()
	cfgDir := filepath.Join(home, ".config", "fleetsync")
	require.NoError(t, os.MkdirAll(cfgDir, 0o755))

	cfg := fmt.Sprintf(`[server]
base_url = %q
token = %q
request_timeout = "5s"

[network]
probe_url = %q
probe_interval = "1s"
probe_timeout = "2s"

[sync]
debounce = "100ms"

%s`, serverURL, deviceToken, serverURL+"/healthz", extraConfig)

	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.toml"), []byte(cfg), 0o600))

	return &device{t: t, home: home}
}

// env is the subprocess environment: HOME and XDG dirs under the device's
// temp root, production FLEETSYNC_* overrides neutralized. Later entries win,
// so appending to os.Environ() masks anything inherited from the host.
func (d *device) env() []string {
	return append(os.Environ(),
		"HOME="+d.home,
		"XDG_CONFIG_HOME="+filepath.Join(d.home, ".config"),
		"XDG_DATA_HOME="+filepath.Join(d.home, ".local", "share"),
		"FLEETSYNC_CONFIG=",
		"FLEETSYNC_SERVER_URL=",
		"FLEETSYNC_TOKEN=",
		"FLEETSYNC_DB_PATH=",
	)
}

// dataDir is where the binary puts the queue database, spool, and PID file
// for this device.
func (d *device) dataDir() string {
	return filepath.Join(d.home, ".local", "share", "fleetsync")
}

// run executes the fleetsync binary and fails the test on nonzero exit.
func (d *device) run(args ...string) (string, string) {
	d.t.Helper()

	stdout, stderr, err := d.tryRun(args...)
	if err != nil {
		d.t.Fatalf("fleetsync %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout, stderr)
	}

	return stdout, stderr
}

// tryRun is run without the exit-code assertion, for commands expected to
// fail.
func (d *device) tryRun(args ...string) (string, string, error) {
	d.t.Helper()

	cmd := exec.Command(binaryPath, args...)
	cmd.Env = d.env()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stdout.String(), stderr.String(), err
}

// command prepares a long-running invocation (watch) without starting it.
func (d *device) command(args ...string) *exec.Cmd {
	cmd := exec.Command(binaryPath, args...)
	cmd.Env = d.env()

	return cmd
}

// enqueue runs `queue add` and returns the new operation ID from stdout.
func (d *device) enqueue(opType, payload string, extra ...string) string {
	d.t.Helper()

	args := append([]string{"queue", "add", opType, "--payload", payload}, extra...)
	stdout, _ := d.run(args...)

	id := strings.TrimSpace(stdout)
	require.NotEmpty(d.t, id, "queue add should print the operation ID")

	return id
}

// opJSON mirrors the fields of a queued operation that tests assert on.
// E2E tests can't import internal packages, so the shape is restated here.
type opJSON struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	RetryCount   int             `json:"retry_count"`
	LastError    string          `json:"last_error"`
	ConflictData json.RawMessage `json:"conflict_data"`
}

// listOps runs `queue list --json` with an optional --status filter.
func (d *device) listOps(status string) []opJSON {
	d.t.Helper()

	args := []string{"queue", "list", "--json"}
	if status != "" {
		args = append(args, "--status", status)
	}

	stdout, _ := d.run(args...)

	var ops []opJSON
	require.NoError(d.t, json.Unmarshal([]byte(stdout), &ops), "queue list output: %s", stdout)

	return ops
}

// startFleet runs the fake fleet service for one test.
func startFleet(t *testing.T) (*testutil.FakeFleet, *httptest.Server) {
	t.Helper()

	fleet := testutil.NewFakeFleet(deviceToken)
	srv := httptest.NewServer(fleet.Handler())
	t.Cleanup(srv.Close)

	return fleet, srv
}

// deadServerURL returns a loopback URL nothing listens on, for offline tests.
func deadServerURL(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	url := "http://" + ln.Addr().String()
	require.NoError(t, ln.Close())

	return url
}

// freePort reserves then releases a loopback port, for the diag listener.
func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	return port
}

// waitFor polls cond until it returns true or timeout passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(50 * time.Millisecond)
	}

	t.Fatal(msg)
}
