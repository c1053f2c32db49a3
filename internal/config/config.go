package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/tierd/internal/env"
	"github.com/loykin/tierd/internal/errs"
	"github.com/loykin/tierd/internal/health"
	"github.com/loykin/tierd/internal/logger"
	"github.com/loykin/tierd/internal/metrics"
	"github.com/loykin/tierd/internal/port"
	"github.com/loykin/tierd/internal/registry"
	"github.com/loykin/tierd/internal/restart"
	"github.com/loykin/tierd/internal/scheduler"
)

// DefaultMaxRestarts applies when a service does not set max_restarts.
const DefaultMaxRestarts = 3

// Defaults shared by the file loader and programmatic callers.
const (
	DefaultGracePeriod = 5 * time.Second
	DefaultListen      = "127.0.0.1:7420"
	DefaultBasePath    = "/api"
)

// FileConfig represents the top-level configuration file structure.
type FileConfig struct {
	Env          []string          `mapstructure:"env"`
	EnvFiles     []string          `mapstructure:"env_files"`
	UseOSEnv     bool              `mapstructure:"use_os_env"`
	Supervisor   SupervisorConfig  `mapstructure:"supervisor"`
	Server       ServerConfig      `mapstructure:"server"`
	Metrics      MetricsConfig     `mapstructure:"metrics"`
	Log          logger.Config     `mapstructure:"log"`
	History      HistoryConfig     `mapstructure:"history"`
	Interpreters map[string]string `mapstructure:"interpreters"`
	ServicesDir  string            `mapstructure:"services_dir"`
	Services     []ServiceConfig   `mapstructure:"services"`
}

// SupervisorConfig tunes probing, recovery and shutdown.
type SupervisorConfig struct {
	ReadinessInterval time.Duration `mapstructure:"readiness_interval"`
	ReadinessAttempts int           `mapstructure:"readiness_attempts"`
	LivenessInterval  time.Duration `mapstructure:"liveness_interval"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	RestartDelay      time.Duration `mapstructure:"restart_delay"`
	GracePeriod       time.Duration `mapstructure:"grace_period"`
	PortSettle        time.Duration `mapstructure:"port_settle"`
	PortReclaimTries  int           `mapstructure:"port_reclaim_tries"`
	PortHost          string        `mapstructure:"port_host"`
}

// Health returns the probing schedule for the health checker.
func (s SupervisorConfig) Health() health.Config {
	return health.Config{
		ReadyInterval:  s.ReadinessInterval,
		ReadyAttempts:  s.ReadinessAttempts,
		LivenessPeriod: s.LivenessInterval,
	}
}

// Port returns the reclaimer settings.
func (s SupervisorConfig) Port() port.Config {
	return port.Config{Host: s.PortHost, Settle: s.PortSettle, Tries: s.PortReclaimTries}
}

// ServerConfig configures the operator HTTP API.
type ServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

// MetricsConfig enables the Prometheus endpoint and resource sampling.
type MetricsConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

// HistoryConfig lists transition sinks by DSN.
type HistoryConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	DSNs      []string `mapstructure:"dsns"`
	QueueSize int      `mapstructure:"queue_size"`
}

// ServiceConfig is one [[services]] entry.
type ServiceConfig struct {
	ID          string   `mapstructure:"id"`
	Name        string   `mapstructure:"name"`
	Command     string   `mapstructure:"command"`
	Args        []string `mapstructure:"args"`
	Port        int      `mapstructure:"port"`
	Kind        string   `mapstructure:"kind"`
	DependsOn   []string `mapstructure:"depends_on"`
	HealthURL   string   `mapstructure:"health_url"`
	MaxRestarts *int     `mapstructure:"max_restarts"`
	WorkDir     string   `mapstructure:"workdir"`
	Env         []string `mapstructure:"env"`
}

// Descriptor converts the entry, applying defaults for omitted fields.
func (sc ServiceConfig) Descriptor() registry.ServiceDescriptor {
	maxRestarts := DefaultMaxRestarts
	if sc.MaxRestarts != nil {
		maxRestarts = *sc.MaxRestarts
	}
	name := sc.Name
	if name == "" {
		name = sc.ID
	}
	return registry.ServiceDescriptor{
		ID:          sc.ID,
		Name:        name,
		Command:     sc.Command,
		Args:        sc.Args,
		Port:        sc.Port,
		Kind:        registry.Kind(strings.ToLower(strings.TrimSpace(sc.Kind))),
		DependsOn:   sc.DependsOn,
		HealthURL:   sc.HealthURL,
		MaxRestarts: maxRestarts,
		WorkDir:     sc.WorkDir,
		Env:         sc.Env,
	}
}

// Config is a loaded, validated configuration ready to supervise.
type Config struct {
	Path         string
	File         FileConfig
	Env          *env.Env
	Interpreters registry.Interpreters
	Registry     *registry.Registry
	Tiers        []scheduler.Tier
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("use_os_env", true)
	v.SetDefault("supervisor.readiness_interval", health.DefaultReadyInterval)
	v.SetDefault("supervisor.readiness_attempts", health.DefaultReadyAttempts)
	v.SetDefault("supervisor.liveness_interval", health.DefaultLivenessPeriod)
	v.SetDefault("supervisor.probe_timeout", health.DefaultProbeTimeout)
	v.SetDefault("supervisor.restart_delay", restart.DefaultDelay)
	v.SetDefault("supervisor.grace_period", DefaultGracePeriod)
	v.SetDefault("supervisor.port_settle", port.DefaultSettle)
	v.SetDefault("supervisor.port_reclaim_tries", port.DefaultTries)
	v.SetDefault("supervisor.port_host", "127.0.0.1")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", DefaultBasePath)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.queue_size", 1024)
}

// newViper prepares a reader for path; the format follows the extension and defaults to TOML.
// Settings may be overridden by TIERD_<SECTION>_<KEY> environment variables.
func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".toml":
	default:
		v.SetConfigType("toml")
	}
	v.SetEnvPrefix("tierd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func readFile(path string) (FileConfig, error) {
	v := newViper(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return FileConfig{}, errs.New(errs.KindConfiguration, "", "read "+path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, errs.New(errs.KindConfiguration, "", "decode "+path, err)
	}
	return fc, nil
}

// Load reads path, resolves the service definitions and validates them. Every
// failure is a ConfigurationError and nothing has been spawned when it returns.
func Load(path string) (*Config, error) {
	fc, err := readFile(path)
	if err != nil {
		return nil, err
	}
	base := filepath.Dir(path)
	if fc.ServicesDir != "" {
		extra, err := loadServicesDir(resolve(base, fc.ServicesDir))
		if err != nil {
			return nil, err
		}
		fc.Services = append(fc.Services, extra...)
	}
	for i, p := range fc.EnvFiles {
		fc.EnvFiles[i] = resolve(base, p)
	}
	if fc.Log.File.Dir != "" {
		fc.Log.File.Dir = resolve(base, fc.Log.File.Dir)
	}
	return FromFile(path, fc)
}

// FromFile validates an already decoded configuration.
func FromFile(path string, fc FileConfig) (*Config, error) {
	if err := validateSupervisor(fc.Supervisor); err != nil {
		return nil, err
	}
	descs := make([]registry.ServiceDescriptor, 0, len(fc.Services))
	for _, sc := range fc.Services {
		descs = append(descs, sc.Descriptor())
	}
	reg, err := registry.New(descs)
	if err != nil {
		return nil, err
	}
	tiers, err := scheduler.Plan(reg)
	if err != nil {
		return nil, err
	}
	ge, err := globalEnv(fc)
	if err != nil {
		return nil, err
	}
	interp := registry.DefaultInterpreters()
	for k, v := range fc.Interpreters {
		interp[registry.Kind(strings.ToLower(k))] = v
	}
	return &Config{
		Path:         path,
		File:         fc,
		Env:          ge,
		Interpreters: interp,
		Registry:     reg,
		Tiers:        tiers,
	}, nil
}

func validateSupervisor(s SupervisorConfig) error {
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"readiness_interval", s.ReadinessInterval},
		{"liveness_interval", s.LivenessInterval},
		{"probe_timeout", s.ProbeTimeout},
		{"restart_delay", s.RestartDelay},
		{"grace_period", s.GracePeriod},
		{"port_settle", s.PortSettle},
	}
	for _, c := range durations {
		if c.d < 0 {
			return errs.Configuration("supervisor.%s must not be negative", c.name)
		}
	}
	if s.ReadinessAttempts < 0 {
		return errs.Configuration("supervisor.readiness_attempts must not be negative")
	}
	if s.PortReclaimTries < 0 {
		return errs.Configuration("supervisor.port_reclaim_tries must not be negative")
	}
	return nil
}

// loadServicesDir reads one service per file from dir, in file name order.
func loadServicesDir(dir string) ([]ServiceConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.New(errs.KindConfiguration, "", "read services_dir", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".toml", ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	out := make([]ServiceConfig, 0, len(names))
	for _, n := range names {
		p := filepath.Join(dir, n)
		v := newViper(p)
		if err := v.ReadInConfig(); err != nil {
			return nil, errs.New(errs.KindConfiguration, "", "read "+p, err)
		}
		var sc ServiceConfig
		if err := v.Unmarshal(&sc); err != nil {
			return nil, errs.New(errs.KindConfiguration, "", "decode "+p, err)
		}
		if sc.ID == "" {
			sc.ID = strings.TrimSuffix(n, filepath.Ext(n))
		}
		out = append(out, sc)
	}
	return out, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// globalEnv layers OS env (when enabled), env_files in order, then the env list.
func globalEnv(fc FileConfig) (*env.Env, error) {
	e := env.New()
	if fc.UseOSEnv {
		e.FromOS()
	} else {
		e.WithoutOS()
	}
	for _, p := range fc.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, errs.New(errs.KindConfiguration, "", "env file "+p, err)
		}
		e.SetPairs(pairs)
	}
	e.SetPairs(fc.Env)
	return e, nil
}

// LoadGlobalEnv merges env from config: top-level env, env_files contents, and optionally OS env when UseOSEnv is true.
// Precedence: OS env (when enabled) provides base; then apply file vars; then top-level env list overrides last.
// Values are returned unexpanded.
func LoadGlobalEnv(path string) ([]string, error) {
	fc, err := readFile(path)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	if fc.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i > 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	base := filepath.Dir(path)
	for _, p := range fc.EnvFiles {
		pairs, err := loadEnvFile(resolve(base, p))
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range fc.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for n, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			return nil, fmt.Errorf("%s:%d: expected KEY=VALUE", clean, n+1)
		}
		m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
	}
	return m, nil
}
