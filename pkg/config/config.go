package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/browserpool/pkg/browser"
	"github.com/odvcencio/browserpool/pkg/browser/adapters/wsworker"
	"github.com/odvcencio/browserpool/pkg/paths"
)

const (
	DefaultAdminListen = "127.0.0.1:9470"
	DefaultLogLevel    = "info"
	DefaultServiceName = "browserpoold"
)

// Config is the daemon configuration.
type Config struct {
	Worker  WorkerConfig          `yaml:"worker"`
	Session browser.SessionConfig `yaml:"session"`
	Admin   AdminConfig           `yaml:"admin"`
	Logging LoggingConfig         `yaml:"logging"`
	Tracing TracingConfig         `yaml:"tracing"`
}

// WorkerConfig controls how automation workers are built, launched and
// spoken to.
type WorkerConfig struct {
	Dir            string   `yaml:"dir"`
	BuildArtifact  string   `yaml:"build_artifact"`
	InstallCommand []string `yaml:"install_command"`
	BuildCommand   []string `yaml:"build_command"`
	LaunchCommand  []string `yaml:"launch_command"`
	Env            []string `yaml:"env"`
	Host           string   `yaml:"host"`

	ReadyTimeout       time.Duration `yaml:"ready_timeout"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	HandshakePolicy    string        `yaml:"handshake_policy"`
	CommandTimeout     time.Duration `yaml:"command_timeout"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	HealthProbeTimeout time.Duration `yaml:"health_probe_timeout"`
	StopTimeout        time.Duration `yaml:"stop_timeout"`
	MaxFrameSize       int64         `yaml:"max_frame_size"`

	LaunchRate  float64 `yaml:"launch_rate"`
	LaunchBurst int     `yaml:"launch_burst"`
}

// AdminConfig configures the operational HTTP surface.
type AdminConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	AllowRemote bool   `yaml:"allow_remote"`
}

// LoggingConfig configures daemon logs.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	ToFile bool   `yaml:"to_file"`
}

// TracingConfig configures command spans.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	adapter := wsworker.DefaultConfig()
	return &Config{
		Worker: WorkerConfig{
			Dir:                adapter.WorkerDir,
			BuildArtifact:      adapter.BuildArtifact,
			InstallCommand:     adapter.InstallCommand,
			BuildCommand:       adapter.BuildCommand,
			LaunchCommand:      adapter.LaunchCommand,
			Host:               adapter.Host,
			ReadyTimeout:       adapter.ReadyTimeout,
			ConnectTimeout:     adapter.ConnectTimeout,
			HandshakeTimeout:   adapter.HandshakeTimeout,
			HandshakePolicy:    adapter.HandshakePolicy,
			CommandTimeout:     adapter.CommandTimeout,
			PingInterval:       adapter.PingInterval,
			PingTimeout:        adapter.PingTimeout,
			HealthProbeTimeout: adapter.HealthProbeTimeout,
			StopTimeout:        adapter.StopTimeout,
			MaxFrameSize:       adapter.MaxFrameSize,
			LaunchRate:         adapter.LaunchRate,
			LaunchBurst:        adapter.LaunchBurst,
		},
		Session: browser.DefaultSessionConfig(),
		Admin: AdminConfig{
			Enabled: true,
			Listen:  DefaultAdminListen,
		},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
		},
		Tracing: TracingConfig{
			ServiceName: DefaultServiceName,
		},
	}
}

// Load loads configuration from default locations with proper precedence
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// ~/.browserpool/config.yaml
	if userPath := paths.UserConfigPath(); userPath != "" {
		if err := loadAndMerge(cfg, userPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	// ./.browserpool/config.yaml
	if err := loadAndMerge(cfg, paths.ProjectConfigPath()); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, paths.ExpandHome(path)); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverridesForTest exposes env override logic for tests without file I/O.
func ApplyEnvOverridesForTest(cfg *Config) {
	applyEnvOverrides(cfg)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BROWSERPOOL_WORKER_DIR"); v != "" {
		cfg.Worker.Dir = v
	}
	if v := os.Getenv("BROWSERPOOL_LAUNCH_COMMAND"); v != "" {
		if fields := strings.Fields(v); len(fields) > 0 {
			cfg.Worker.LaunchCommand = fields
		}
	}
	if v := os.Getenv("BROWSERPOOL_HANDSHAKE_POLICY"); v != "" {
		cfg.Worker.HandshakePolicy = strings.ToLower(strings.TrimSpace(v))
	}
	if d, ok := envDuration("BROWSERPOOL_READY_TIMEOUT"); ok {
		cfg.Worker.ReadyTimeout = d
	}
	if d, ok := envDuration("BROWSERPOOL_COMMAND_TIMEOUT"); ok {
		cfg.Worker.CommandTimeout = d
	}
	if v := os.Getenv("BROWSERPOOL_LAUNCH_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			cfg.Worker.LaunchRate = rate
		}
	}

	if val, ok := envBool("BROWSERPOOL_HEADLESS"); ok {
		cfg.Session.Headless = val
	}
	if val, ok := envBool("BROWSERPOOL_CONNECT_OVER_CDP"); ok {
		cfg.Session.ConnectOverCDP = val
	}
	if v := os.Getenv("BROWSERPOOL_CDP_URL"); v != "" {
		cfg.Session.CDPURL = v
	}
	if v := os.Getenv("BROWSERPOOL_CACHE_DIR"); v != "" {
		cfg.Session.CacheDir = v
	}

	if v := os.Getenv("BROWSERPOOL_ADMIN_LISTEN"); v != "" {
		cfg.Admin.Listen = v
	}
	if val, ok := envBool("BROWSERPOOL_ADMIN_ENABLED"); ok {
		cfg.Admin.Enabled = val
	}
	if v := os.Getenv("BROWSERPOOL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if val, ok := envBool("BROWSERPOOL_LOG_TO_FILE"); ok {
		cfg.Logging.ToFile = val
	}
	if val, ok := envBool("BROWSERPOOL_TRACING"); ok {
		cfg.Tracing.Enabled = val
	}
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func envDuration(key string) (time.Duration, bool) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return 0, false
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Adapter().Validate(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	if strings.TrimSpace(c.Session.SessionID) == "" {
		return errors.New("session.session_id must not be empty")
	}
	if c.Session.ConnectOverCDP && strings.TrimSpace(c.Session.CDPURL) == "" {
		return errors.New("session.cdp_url is required when connect_over_cdp is set")
	}

	if c.Admin.Enabled {
		if strings.TrimSpace(c.Admin.Listen) == "" {
			return errors.New("admin.listen is required when the admin server is enabled")
		}
		if !c.Admin.AllowRemote && !isLoopbackBindAddress(c.Admin.Listen) {
			return fmt.Errorf("admin.listen %q is not a loopback address (set admin.allow_remote to expose it)", c.Admin.Listen)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	return nil
}

// Adapter converts the worker section into the adapter's config. The worker
// directory is resolved to an absolute path.
func (c *Config) Adapter() wsworker.Config {
	w := c.Worker
	return wsworker.Config{
		WorkerDir:          ResolveWorkerDir(w.Dir),
		BuildArtifact:      w.BuildArtifact,
		InstallCommand:     w.InstallCommand,
		BuildCommand:       w.BuildCommand,
		LaunchCommand:      w.LaunchCommand,
		Env:                w.Env,
		Host:               w.Host,
		ReadyTimeout:       w.ReadyTimeout,
		ConnectTimeout:     w.ConnectTimeout,
		HandshakeTimeout:   w.HandshakeTimeout,
		HandshakePolicy:    strings.ToLower(strings.TrimSpace(w.HandshakePolicy)),
		CommandTimeout:     w.CommandTimeout,
		PingInterval:       w.PingInterval,
		PingTimeout:        w.PingTimeout,
		HealthProbeTimeout: w.HealthProbeTimeout,
		StopTimeout:        w.StopTimeout,
		MaxFrameSize:       w.MaxFrameSize,
		LaunchRate:         w.LaunchRate,
		LaunchBurst:        w.LaunchBurst,
	}
}

// ResolveWorkerDir returns the absolute worker directory. Relative paths are
// resolved against the current working directory; an empty dir means the
// working directory itself.
func ResolveWorkerDir(dir string) string {
	dir = paths.ExpandHome(dir)
	if dir == "" {
		dir = "."
	}
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}

func isLoopbackBindAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	switch strings.ToLower(host) {
	case "localhost":
		return true
	case "0.0.0.0", "::":
		return false
	default:
		ip := net.ParseIP(host)
		if ip == nil {
			return false
		}
		return ip.IsLoopback()
	}
}
