package tierd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tierd/pkg/client"
)

type memSink struct {
	mu     sync.Mutex
	events []HistoryEvent
}

func (m *memSink) Send(_ context.Context, e HistoryEvent) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type alwaysHealthy struct{}

func (alwaysHealthy) Probe(context.Context, string) error { return nil }

type neverHealthy struct{}

func (neverHealthy) Probe(context.Context, string) error { return errors.New("connection refused") }

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

func sleeper(t *testing.T, id string, deps ...string) ServiceConfig {
	return ServiceConfig{ID: id, Command: "sleep", Args: []string{"30"}, Port: freePort(t), DependsOn: deps}
}

func testConfig(t *testing.T, server bool) *Config {
	t.Helper()
	fc := FileConfig{
		UseOSEnv: true,
		Services: []ServiceConfig{sleeper(t, "db"), sleeper(t, "api", "db"), sleeper(t, "web", "api")},
	}
	fc.Supervisor.ReadinessInterval = 10 * time.Millisecond
	fc.Supervisor.GracePeriod = time.Second
	fc.Supervisor.PortSettle = 10 * time.Millisecond
	if server {
		fc.Server.Enabled = true
		fc.Server.Listen = "127.0.0.1:0"
		fc.Server.BasePath = "/api"
	}
	cfg, err := ConfigFromFile(fc)
	require.NoError(t, err)
	return cfg
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func waitAllRunning(t *testing.T, s *Supervisor) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, st := range s.Status() {
			if st.Status != Running {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)
}

func TestRunAndShutdown(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix sleep")
	}
	sink := &memSink{}
	s, err := New(testConfig(t, false), WithLogger(quiet()), WithProber(alwaysHealthy{}), WithHistorySinks(sink))
	require.NoError(t, err)
	assert.Equal(t, []Tier{{"db"}, {"api"}, {"web"}}, s.Tiers())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitAllRunning(t, s)
	for _, st := range s.Status() {
		assert.NotZero(t, st.PID, st.ID)
	}
	cancel()
	require.NoError(t, <-done)

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	require.NoError(t, s.Shutdown(sctx))
	for _, st := range s.Status() {
		assert.Equal(t, Stopped, st.Status, st.ID)
		assert.Zero(t, st.PID, st.ID)
	}
	// stopped>starting, starting>running and running>stopped for each service
	assert.Equal(t, 9, sink.count())
}

func TestOperatorAPIStop(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix sleep")
	}
	s, err := New(testConfig(t, true), WithLogger(quiet()), WithProber(alwaysHealthy{}), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	waitAllRunning(t, s)

	require.NotEmpty(t, s.Addr())
	c := client.New(client.Config{BaseURL: "http://" + s.Addr() + "/api", Timeout: 2 * time.Second})
	rows, err := c.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "web", rows[2].ID)
	assert.Equal(t, 2, rows[2].Tier)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s.RunID(), h.RunID)

	require.NoError(t, c.Stop(context.Background()))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after POST /stop")
	}
	require.NoError(t, s.Shutdown(context.Background()))
	assert.False(t, c.IsReachable(context.Background()))
}

func TestStopDuringStartUp(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix sleep")
	}
	fc := FileConfig{
		UseOSEnv: true,
		Services: []ServiceConfig{sleeper(t, "db"), sleeper(t, "api", "db")},
	}
	fc.Supervisor.ReadinessInterval = 10 * time.Millisecond
	fc.Supervisor.ReadinessAttempts = 100000
	fc.Supervisor.GracePeriod = time.Second
	fc.Supervisor.PortSettle = 10 * time.Millisecond
	cfg, err := ConfigFromFile(fc)
	require.NoError(t, err)
	s, err := New(cfg, WithLogger(quiet()), WithProber(neverHealthy{}), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		st, ok := s.StatusOf("db")
		return ok && st.Status == Starting && st.PID != 0
	}, 5*time.Second, 10*time.Millisecond)

	s.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop during start-up")
	}
	st, _ := s.StatusOf("api")
	assert.Equal(t, Stopped, st.Status)
	assert.Zero(t, st.PID)

	require.NoError(t, s.Shutdown(context.Background()))
	for _, st := range s.Status() {
		assert.Equal(t, Stopped, st.Status, st.ID)
	}
}

func TestNewRejectsUnvalidatedConfig(t *testing.T) {
	_, err := New(&Config{})
	require.Error(t, err)
}

func TestConfigFromFileRejectsCycle(t *testing.T) {
	_, err := ConfigFromFile(FileConfig{Services: []ServiceConfig{
		{ID: "a", Command: "x", Port: 7001, DependsOn: []string{"b"}},
		{ID: "b", Command: "x", Port: 7002, DependsOn: []string{"a"}},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}
