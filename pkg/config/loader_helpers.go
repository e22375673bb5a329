package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/odvcencio/browserpool/pkg/browser"
	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base. Zero values in override leave base
// untouched unless raw shows the key was written explicitly.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}
	mergeWorker(&base.Worker, override.Worker, raw)
	mergeSession(&base.Session, override.Session, raw)

	if fieldSet(raw, "admin", "enabled") {
		base.Admin.Enabled = override.Admin.Enabled
	}
	if strings.TrimSpace(override.Admin.Listen) != "" {
		base.Admin.Listen = override.Admin.Listen
	}
	if fieldSet(raw, "admin", "allow_remote") {
		base.Admin.AllowRemote = override.Admin.AllowRemote
	}

	if strings.TrimSpace(override.Logging.Level) != "" {
		base.Logging.Level = override.Logging.Level
	}
	if fieldSet(raw, "logging", "to_file") {
		base.Logging.ToFile = override.Logging.ToFile
	}

	if fieldSet(raw, "tracing", "enabled") {
		base.Tracing.Enabled = override.Tracing.Enabled
	}
	if strings.TrimSpace(override.Tracing.ServiceName) != "" {
		base.Tracing.ServiceName = override.Tracing.ServiceName
	}
}

func mergeWorker(base *WorkerConfig, override WorkerConfig, raw map[string]any) {
	if strings.TrimSpace(override.Dir) != "" {
		base.Dir = override.Dir
	}
	if strings.TrimSpace(override.BuildArtifact) != "" {
		base.BuildArtifact = override.BuildArtifact
	}
	// An explicit empty list disables the install or build step.
	if fieldSet(raw, "worker", "install_command") {
		base.InstallCommand = nonNil(override.InstallCommand)
	}
	if fieldSet(raw, "worker", "build_command") {
		base.BuildCommand = nonNil(override.BuildCommand)
	}
	if len(override.LaunchCommand) > 0 {
		base.LaunchCommand = override.LaunchCommand
	}
	if len(override.Env) > 0 {
		base.Env = override.Env
	}
	if strings.TrimSpace(override.Host) != "" {
		base.Host = override.Host
	}
	if override.ReadyTimeout != 0 {
		base.ReadyTimeout = override.ReadyTimeout
	}
	if override.ConnectTimeout != 0 {
		base.ConnectTimeout = override.ConnectTimeout
	}
	if override.HandshakeTimeout != 0 {
		base.HandshakeTimeout = override.HandshakeTimeout
	}
	if strings.TrimSpace(override.HandshakePolicy) != "" {
		base.HandshakePolicy = override.HandshakePolicy
	}
	if override.CommandTimeout != 0 {
		base.CommandTimeout = override.CommandTimeout
	}
	if override.PingInterval != 0 {
		base.PingInterval = override.PingInterval
	}
	if override.PingTimeout != 0 {
		base.PingTimeout = override.PingTimeout
	}
	if override.HealthProbeTimeout != 0 {
		base.HealthProbeTimeout = override.HealthProbeTimeout
	}
	if override.StopTimeout != 0 {
		base.StopTimeout = override.StopTimeout
	}
	if override.MaxFrameSize != 0 {
		base.MaxFrameSize = override.MaxFrameSize
	}
	if fieldSet(raw, "worker", "launch_rate") {
		base.LaunchRate = override.LaunchRate
	}
	if override.LaunchBurst != 0 {
		base.LaunchBurst = override.LaunchBurst
	}
}

func mergeSession(base *browser.SessionConfig, override browser.SessionConfig, raw map[string]any) {
	if strings.TrimSpace(override.SessionID) != "" {
		base.SessionID = override.SessionID
	}
	if fieldSet(raw, "session", "headless") {
		base.Headless = override.Headless
	}
	if strings.TrimSpace(override.UserDataDir) != "" {
		base.UserDataDir = override.UserDataDir
	}
	if fieldSet(raw, "session", "stealth") {
		base.Stealth = override.Stealth
	}
	if strings.TrimSpace(override.CacheDir) != "" {
		base.CacheDir = override.CacheDir
	}
	if fieldSet(raw, "session", "enabled_tools") {
		base.EnabledTools = override.EnabledTools
	}
	if fieldSet(raw, "session", "browser_log_to_file") {
		base.BrowserLogToFile = override.BrowserLogToFile
	}
	if strings.TrimSpace(override.DefaultStartURL) != "" {
		base.DefaultStartURL = override.DefaultStartURL
	}
	mergeTimeouts(&base.Timeouts, override.Timeouts)
	if fieldSet(raw, "session", "viewport_limit") {
		base.ViewportLimit = override.ViewportLimit
	}
	if fieldSet(raw, "session", "connect_over_cdp") {
		base.ConnectOverCDP = override.ConnectOverCDP
	}
	if strings.TrimSpace(override.CDPURL) != "" {
		base.CDPURL = override.CDPURL
	}
}

func mergeTimeouts(base *browser.Timeouts, override browser.Timeouts) {
	if override.Default != nil {
		base.Default = override.Default
	}
	if override.Short != nil {
		base.Short = override.Short
	}
	if override.Navigation != nil {
		base.Navigation = override.Navigation
	}
	if override.NetworkIdle != nil {
		base.NetworkIdle = override.NetworkIdle
	}
	if override.Screenshot != nil {
		base.Screenshot = override.Screenshot
	}
	if override.PageStability != nil {
		base.PageStability = override.PageStability
	}
	if override.DOMContentLoaded != nil {
		base.DOMContentLoaded = override.DOMContentLoaded
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// fieldSet reports whether the YAML document wrote the key at path, so that
// false booleans and empty lists can be told apart from absent ones.
func fieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}
