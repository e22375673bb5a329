package wsworker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, 10*time.Second, cfg.ReadyTimeout)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 10*time.Second, cfg.PingTimeout)
	assert.Equal(t, time.Second, cfg.HealthProbeTimeout)
	assert.Equal(t, int64(50*1024*1024), cfg.MaxFrameSize)
	assert.Equal(t, []string{"node", "websocket-server.js"}, cfg.LaunchCommand)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_WithDefaultsKeepsOverrides(t *testing.T) {
	cfg := Config{
		WorkerDir:       "/opt/worker",
		InstallCommand:  []string{},
		LaunchCommand:   []string{"./worker"},
		ReadyTimeout:    time.Second,
		HandshakePolicy: " Strict ",
		LaunchRate:      2,
		LaunchBurst:     4,
	}.withDefaults()

	assert.Equal(t, "/opt/worker", cfg.WorkerDir)
	assert.Empty(t, cfg.InstallCommand, "an empty command disables the step")
	assert.Equal(t, []string{"npm", "run", "build"}, cfg.BuildCommand)
	assert.Equal(t, []string{"./worker"}, cfg.LaunchCommand)
	assert.Equal(t, time.Second, cfg.ReadyTimeout)
	assert.Equal(t, HandshakeStrict, cfg.HandshakePolicy)
	assert.Equal(t, 2.0, cfg.LaunchRate)
	assert.Equal(t, 4, cfg.LaunchBurst)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing launch command", func(c *Config) { c.LaunchCommand = nil }},
		{"blank launch binary", func(c *Config) { c.LaunchCommand = []string{" "} }},
		{"zero ready timeout", func(c *Config) { c.ReadyTimeout = 0 }},
		{"negative command timeout", func(c *Config) { c.CommandTimeout = -time.Second }},
		{"negative ping timeout", func(c *Config) { c.PingTimeout = -time.Second }},
		{"zero frame size", func(c *Config) { c.MaxFrameSize = 0 }},
		{"unknown handshake policy", func(c *Config) { c.HandshakePolicy = "optimistic" }},
		{"negative launch rate", func(c *Config) { c.LaunchRate = -1 }},
		{"rate without burst", func(c *Config) { c.LaunchRate = 1; c.LaunchBurst = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
