package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return p
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	return ln.Addr().String()
}

func freePort(t *testing.T) int {
	t.Helper()
	_, p, _ := net.SplitHostPort(freeAddr(t))
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return port
}

const plan = `
[[services]]
id = "db"
command = "sleep"
args = ["30"]
port = 7101

[[services]]
id = "api"
command = "sleep"
args = ["30"]
port = 7102
depends_on = ["db"]

[[services]]
id = "worker"
command = "sleep"
args = ["30"]
port = 7103
depends_on = ["db"]
`

func TestValidatePrintsTiers(t *testing.T) {
	p := writeTOML(t, t.TempDir(), "tierd.toml", plan)
	var out bytes.Buffer
	require.NoError(t, runValidate(&out, p))
	s := out.String()
	assert.Contains(t, s, "3 services in 2 tiers")
	assert.Contains(t, s, "tier 0: [db]")
	assert.Contains(t, s, "tier 1: [api worker]")
}

func TestValidateRejectsCycle(t *testing.T) {
	p := writeTOML(t, t.TempDir(), "cycle.toml", `
[[services]]
id = "a"
command = "x"
port = 7201
depends_on = ["b"]

[[services]]
id = "b"
command = "x"
port = 7202
depends_on = ["a"]
`)
	err := runValidate(&bytes.Buffer{}, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestTiersFromConfig(t *testing.T) {
	p := writeTOML(t, t.TempDir(), "tierd.toml", plan)
	var out bytes.Buffer
	require.NoError(t, runTiers(context.Background(), &out, APIFlags{}, p))
	assert.Contains(t, out.String(), `"services": [`)
	assert.Contains(t, out.String(), `"worker"`)
}

func TestRootValidateViaCobra(t *testing.T) {
	p := writeTOML(t, t.TempDir(), "tierd.toml", plan)
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"validate", "--config", p})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "3 services")

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "validate", "tiers", "status", "resync", "stop"} {
		assert.True(t, names[want], want)
	}
}

func TestConfigPathRequired(t *testing.T) {
	_, err := configPath("", nil)
	require.Error(t, err)
	p, err := configPath("flag.toml", []string{"arg.toml"})
	require.NoError(t, err)
	assert.Equal(t, "arg.toml", p)
}

func TestAPIURL(t *testing.T) {
	assert.Equal(t, "http://x:1/api", apiURL(APIFlags{APIUrl: "http://x:1/api"}, ""))
	assert.Equal(t, "http://127.0.0.1:7420/api", apiURL(APIFlags{}, ""))

	dir := t.TempDir()
	p := writeTOML(t, dir, "tierd.toml", plan+`
[server]
enabled = true
listen = ":9911"
base_path = "ops/"
`)
	assert.Equal(t, "http://127.0.0.1:9911/ops", apiURL(APIFlags{}, p))
}

func TestServeStatusStop(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix sleep")
	}
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	addr := freeAddr(t)
	cfg := fmt.Sprintf(`
use_os_env = true

[supervisor]
readiness_interval = "10ms"
grace_period = "1s"
port_settle = "10ms"

[server]
enabled = true
listen = %q
base_path = "/api"

[log]
level = "error"

[[services]]
id = "db"
command = "sleep"
args = ["30"]
port = %d
health_url = %q

[[services]]
id = "api"
command = "sleep"
args = ["30"]
port = %d
health_url = %q
depends_on = ["db"]
`, addr, freePort(t), healthy.URL, freePort(t), healthy.URL)
	p := writeTOML(t, t.TempDir(), "tierd.toml", cfg)

	sigs := make(chan os.Signal, 2)
	done := make(chan error, 1)
	go func() { done <- runServe(ServeFlags{ConfigPath: p}, nil, sigs) }()

	api := APIFlags{APITimeout: time.Second}
	c := newClient(api, p)
	require.Eventually(t, func() bool {
		rows, err := c.Status(context.Background())
		if err != nil || len(rows) != 2 {
			return false
		}
		return rows[0].Status == "running" && rows[1].Status == "running"
	}, 10*time.Second, 20*time.Millisecond)

	var out bytes.Buffer
	require.NoError(t, runStatus(context.Background(), &out, StatusFlags{APIFlags: api, ID: "api"}, p))
	assert.Contains(t, out.String(), `"depends_on": [`)

	out.Reset()
	require.NoError(t, runResync(context.Background(), &out, ResyncFlags{APIFlags: api, Wait: true}, p))
	assert.Equal(t, "resync complete\n", out.String())

	out.Reset()
	require.NoError(t, runStop(context.Background(), &out, api, p))
	assert.True(t, strings.HasPrefix(out.String(), "shutdown requested"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after stop")
	}
	assert.False(t, c.IsReachable(context.Background()))
}

func TestServeStopsOnSignal(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix sleep")
	}
	cfg := fmt.Sprintf(`
[log]
level = "error"

[[services]]
id = "solo"
command = "sleep"
args = ["30"]
port = %d
health_url = "http://127.0.0.1:1/health"

[supervisor]
readiness_interval = "10ms"
readiness_attempts = 1000
`, freePort(t))
	p := writeTOML(t, t.TempDir(), "tierd.toml", cfg)

	sigs := make(chan os.Signal, 2)
	done := make(chan error, 1)
	go func() { done <- runServe(ServeFlags{ConfigPath: p}, nil, sigs) }()

	// the service never becomes ready; the signal must still end serve
	time.Sleep(100 * time.Millisecond)
	sigs <- syscall.SIGTERM
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after a signal")
	}
}

func TestStatusUnreachableDaemon(t *testing.T) {
	err := runStatus(context.Background(), &bytes.Buffer{}, StatusFlags{APIFlags: APIFlags{APIUrl: "http://127.0.0.1:1/api", APITimeout: 200 * time.Millisecond}}, "")
	require.Error(t, err)
}

func TestTiersFromDaemonUsesClient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tiers" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"index":0,"services":["db"]}]`))
	}))
	defer ts.Close()

	var out bytes.Buffer
	require.NoError(t, runTiers(context.Background(), &out, APIFlags{APIUrl: ts.URL + "/api"}, ""))
	assert.Contains(t, out.String(), `"db"`)
}
