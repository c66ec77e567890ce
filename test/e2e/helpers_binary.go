//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

const testAPIKey = "e2e-key"

// tableServer manages a running `tablesync serve` process.
type tableServer struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	logFile string
}

// startServer launches `tablesync serve` on a free port and waits for it to
// become healthy. The server is configured entirely via environment variables.
func startServer(t *testing.T) *tableServer {
	t.Helper()
	requireTablesync(t)
	return startServerIn(t, t.TempDir())
}

func startServerIn(t *testing.T, dataDir string) *tableServer {
	t.Helper()

	port := freePort(t)
	s := &tableServer{
		dataDir: dataDir,
		address: fmt.Sprintf("127.0.0.1:%d", port),
		logFile: filepath.Join(dataDir, "server.log"),
	}

	cmd := exec.Command(tablesyncBin, "serve")
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("TABLESYNC_PORT=%d", port),
		"TABLESYNC_SERVER_DB_PATH="+filepath.Join(dataDir, "server.db"),
		"TABLESYNC_SERVER_API_KEY="+testAPIKey,
		"TABLESYNC_CONFIG_PATH="+filepath.Join(dataDir, "nonexistent.yaml"),
	)

	lf, err := os.OpenFile(s.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start tablesync serve: %v", err)
	}
	s.cmd = cmd

	t.Cleanup(func() {
		s.stop()
		lf.Close()
	})

	if err := s.waitHealthy(10 * time.Second); err != nil {
		logs, _ := os.ReadFile(s.logFile)
		t.Fatalf("%v\nserver log:\n%s", err, logs)
	}
	return s
}

func (s *tableServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
		s.cmd = nil
	}
}

// restartOnSameData stops the server and starts a new one on the same
// data directory. The new server listens on a different port.
func (s *tableServer) restartOnSameData(t *testing.T) *tableServer {
	t.Helper()
	s.stop()
	return startServerIn(t, s.dataDir)
}

func (s *tableServer) baseURL() string {
	return fmt.Sprintf("http://%s", s.address)
}

func (s *tableServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("%s/api/v1/health", s.baseURL())

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("tablesync serve not healthy after %s", timeout)
}

// syncCLI runs tablesync client commands against one local database.
type syncCLI struct {
	dbPath    string
	remoteURL string
}

func newSyncCLI(t *testing.T, server *tableServer) *syncCLI {
	t.Helper()
	return &syncCLI{
		dbPath:    filepath.Join(t.TempDir(), "client.db"),
		remoteURL: server.baseURL(),
	}
}

func (c *syncCLI) exec(t *testing.T, args ...string) (string, error) {
	t.Helper()
	args = append(args, "--db", c.dbPath)
	cmd := exec.Command(tablesyncBin, args...)
	cmd.Env = append(os.Environ(),
		"TABLESYNC_REMOTE_URL="+c.remoteURL,
		"TABLESYNC_API_KEY="+testAPIKey,
		"TABLESYNC_REMOTE_TIMEOUT=2s",
		"TABLESYNC_LOG_LEVEL=error",
		"TABLESYNC_CONFIG_PATH="+filepath.Join(filepath.Dir(c.dbPath), "nonexistent.yaml"),
	)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func (c *syncCLI) mustExec(t *testing.T, args ...string) string {
	t.Helper()
	out, err := c.exec(t, args...)
	if err != nil {
		t.Fatalf("tablesync %v: %v\noutput: %s", args, err, out)
	}
	return out
}

// readJSON returns the local items of table as decoded JSON objects.
func (c *syncCLI) readJSON(t *testing.T, table string, extra ...string) []map[string]any {
	t.Helper()
	args := append([]string{"read", table, "--json"}, extra...)
	out := c.mustExec(t, args...)

	var items []map[string]any
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		t.Fatalf("decode read output: %v\noutput: %s", err, out)
	}
	return items
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
