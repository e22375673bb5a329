package wsworker

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Handshake policies for a slow init command.
const (
	HandshakeLenient = "lenient"
	HandshakeStrict  = "strict"
)

const (
	defaultMaxFrameSize = 50 << 20
	readySentinel       = "SERVER_READY:"
)

// Config controls how the worker adapter builds, launches and talks to the
// automation worker.
type Config struct {
	// WorkerDir is the working directory of every worker command.
	WorkerDir string
	// BuildArtifact is checked relative to WorkerDir; when missing the
	// install command runs first.
	BuildArtifact  string
	InstallCommand []string
	BuildCommand   []string
	LaunchCommand  []string
	Env            []string

	Host string

	ReadyTimeout       time.Duration
	ConnectTimeout     time.Duration
	HandshakeTimeout   time.Duration
	HandshakePolicy    string
	CommandTimeout     time.Duration
	PingInterval       time.Duration
	PingTimeout        time.Duration
	HealthProbeTimeout time.Duration
	StopTimeout        time.Duration
	MaxFrameSize       int64

	// LaunchRate caps worker launches per second. Zero means unlimited.
	LaunchRate  float64
	LaunchBurst int
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		WorkerDir:          ".",
		BuildArtifact:      "node_modules",
		InstallCommand:     []string{"npm", "install"},
		BuildCommand:       []string{"npm", "run", "build"},
		LaunchCommand:      []string{"node", "websocket-server.js"},
		Host:               "localhost",
		ReadyTimeout:       10 * time.Second,
		ConnectTimeout:     10 * time.Second,
		HandshakeTimeout:   60 * time.Second,
		HandshakePolicy:    HandshakeLenient,
		CommandTimeout:     60 * time.Second,
		PingInterval:       30 * time.Second,
		PingTimeout:        10 * time.Second,
		HealthProbeTimeout: time.Second,
		StopTimeout:        2 * time.Second,
		MaxFrameSize:       defaultMaxFrameSize,
		LaunchBurst:        1,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if strings.TrimSpace(c.WorkerDir) != "" {
		defaults.WorkerDir = c.WorkerDir
	}
	if strings.TrimSpace(c.BuildArtifact) != "" {
		defaults.BuildArtifact = c.BuildArtifact
	}
	// A nil command keeps the default; an empty non-nil one disables the step.
	if c.InstallCommand != nil {
		defaults.InstallCommand = c.InstallCommand
	}
	if c.BuildCommand != nil {
		defaults.BuildCommand = c.BuildCommand
	}
	if len(c.LaunchCommand) > 0 {
		defaults.LaunchCommand = c.LaunchCommand
	}
	if len(c.Env) > 0 {
		defaults.Env = c.Env
	}
	if strings.TrimSpace(c.Host) != "" {
		defaults.Host = c.Host
	}
	if c.ReadyTimeout != 0 {
		defaults.ReadyTimeout = c.ReadyTimeout
	}
	if c.ConnectTimeout != 0 {
		defaults.ConnectTimeout = c.ConnectTimeout
	}
	if c.HandshakeTimeout != 0 {
		defaults.HandshakeTimeout = c.HandshakeTimeout
	}
	if strings.TrimSpace(c.HandshakePolicy) != "" {
		defaults.HandshakePolicy = strings.ToLower(strings.TrimSpace(c.HandshakePolicy))
	}
	if c.CommandTimeout != 0 {
		defaults.CommandTimeout = c.CommandTimeout
	}
	if c.PingInterval != 0 {
		defaults.PingInterval = c.PingInterval
	}
	if c.PingTimeout != 0 {
		defaults.PingTimeout = c.PingTimeout
	}
	if c.HealthProbeTimeout != 0 {
		defaults.HealthProbeTimeout = c.HealthProbeTimeout
	}
	if c.StopTimeout != 0 {
		defaults.StopTimeout = c.StopTimeout
	}
	if c.MaxFrameSize != 0 {
		defaults.MaxFrameSize = c.MaxFrameSize
	}
	if c.LaunchRate != 0 {
		defaults.LaunchRate = c.LaunchRate
	}
	if c.LaunchBurst != 0 {
		defaults.LaunchBurst = c.LaunchBurst
	}
	return defaults
}

// Validate checks whether the config is usable.
func (c Config) Validate() error {
	if len(c.LaunchCommand) == 0 || strings.TrimSpace(c.LaunchCommand[0]) == "" {
		return errors.New("launch_command is required")
	}
	if c.ReadyTimeout <= 0 {
		return errors.New("ready_timeout must be greater than zero")
	}
	if c.ConnectTimeout < 0 || c.HandshakeTimeout < 0 || c.CommandTimeout < 0 {
		return errors.New("timeouts must be zero or positive")
	}
	if c.PingInterval < 0 || c.PingTimeout < 0 || c.HealthProbeTimeout < 0 || c.StopTimeout < 0 {
		return errors.New("keep-alive timeouts must be zero or positive")
	}
	if c.MaxFrameSize <= 0 {
		return errors.New("max_frame_size must be greater than zero")
	}
	switch c.HandshakePolicy {
	case HandshakeLenient, HandshakeStrict:
	default:
		return fmt.Errorf("handshake_policy %q must be %q or %q", c.HandshakePolicy, HandshakeLenient, HandshakeStrict)
	}
	if c.LaunchRate < 0 {
		return errors.New("launch_rate must be zero or positive")
	}
	if c.LaunchRate > 0 && c.LaunchBurst <= 0 {
		return errors.New("launch_burst must be greater than zero when launch_rate is set")
	}
	return nil
}
