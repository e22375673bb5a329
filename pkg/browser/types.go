package browser

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Worker command names understood by the automation worker.
const (
	CommandInit          = "init"
	CommandPing          = "ping"
	CommandOpenBrowser   = "open_browser"
	CommandCloseBrowser  = "close_browser"
	CommandVisitPage     = "visit_page"
	CommandBack          = "back"
	CommandForward       = "forward"
	CommandPageSnapshot  = "get_page_snapshot"
	CommandSOMScreenshot = "get_som_screenshot"
	CommandClick         = "click"
	CommandType          = "type"
	CommandSelect        = "select"
	CommandScroll        = "scroll"
	CommandEnter         = "enter"
	CommandWaitUser      = "wait_user"
	CommandSwitchTab     = "switch_tab"
	CommandCloseTab      = "close_tab"
	CommandTabInfo       = "get_tab_info"
)

const (
	DefaultSessionID    = "default"
	DefaultStartURL     = "https://google.com/"
	DefaultCDPURL       = "http://localhost:9222"
	DefaultCacheDir     = "tmp/"
	DefaultScrollAmount = 500

	cloneSessionIDLength   = 8
	cloneCacheDirComponent = "_clone_"
)

// State is the lifecycle state of a worker connection.
type State int

const (
	StateUninitialized State = iota
	StateStarting
	StateConnected
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Timeouts holds per-phase browser timeouts in milliseconds. Nil fields
// leave the worker's own defaults in place.
type Timeouts struct {
	Default          *int `json:"default_timeout,omitempty" yaml:"default_timeout"`
	Short            *int `json:"short_timeout,omitempty" yaml:"short_timeout"`
	Navigation       *int `json:"navigation_timeout,omitempty" yaml:"navigation_timeout"`
	NetworkIdle      *int `json:"network_idle_timeout,omitempty" yaml:"network_idle_timeout"`
	Screenshot       *int `json:"screenshot_timeout,omitempty" yaml:"screenshot_timeout"`
	PageStability    *int `json:"page_stability_timeout,omitempty" yaml:"page_stability_timeout"`
	DOMContentLoaded *int `json:"dom_content_loaded_timeout,omitempty" yaml:"dom_content_loaded_timeout"`
}

// SessionConfig configures a browser session. It is sent unchanged to the
// worker as the params of the init command.
type SessionConfig struct {
	SessionID        string   `json:"session_id" yaml:"session_id"`
	Headless         bool     `json:"headless" yaml:"headless"`
	UserDataDir      string   `json:"user_data_dir,omitempty" yaml:"user_data_dir"`
	Stealth          bool     `json:"stealth" yaml:"stealth"`
	CacheDir         string   `json:"cache_dir" yaml:"cache_dir"`
	EnabledTools     []string `json:"enabled_tools,omitempty" yaml:"enabled_tools"`
	BrowserLogToFile bool     `json:"browser_log_to_file" yaml:"browser_log_to_file"`
	DefaultStartURL  string   `json:"default_start_url" yaml:"default_start_url"`

	Timeouts `yaml:",inline"`

	ViewportLimit  bool   `json:"viewport_limit" yaml:"viewport_limit"`
	ConnectOverCDP bool   `json:"connect_over_cdp" yaml:"connect_over_cdp"`
	CDPURL         string `json:"cdp_url,omitempty" yaml:"cdp_url"`
}

// DefaultSessionConfig returns the recommended session defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SessionID:       DefaultSessionID,
		Stealth:         true,
		CacheDir:        DefaultCacheDir,
		DefaultStartURL: DefaultStartURL,
		ConnectOverCDP:  true,
		CDPURL:          DefaultCDPURL,
	}
}

// Normalized fills empty fields from DefaultSessionConfig.
func (c SessionConfig) Normalized() SessionConfig {
	defaults := DefaultSessionConfig()
	if strings.TrimSpace(c.SessionID) == "" {
		c.SessionID = defaults.SessionID
	}
	if strings.TrimSpace(c.CacheDir) == "" {
		c.CacheDir = defaults.CacheDir
	}
	if strings.TrimSpace(c.DefaultStartURL) == "" {
		c.DefaultStartURL = defaults.DefaultStartURL
	}
	if c.ConnectOverCDP && strings.TrimSpace(c.CDPURL) == "" {
		c.CDPURL = defaults.CDPURL
	}
	return c
}

// Clone derives the configuration for a sibling session. An empty newID is
// replaced by a short random identifier. The clone gets its own cache
// directory nested under the parent's.
func (c SessionConfig) Clone(newID string) SessionConfig {
	if strings.TrimSpace(newID) == "" {
		newID = NewCloneSessionID()
	}
	out := c.Copy()
	out.SessionID = newID
	out.CacheDir = CloneCacheDir(c.CacheDir, newID)
	return out
}

// Copy returns a deep copy of c for the same session.
func (c SessionConfig) Copy() SessionConfig {
	out := c
	if c.EnabledTools != nil {
		out.EnabledTools = append([]string(nil), c.EnabledTools...)
	}
	out.Timeouts = c.Timeouts.clone()
	return out
}

// NewCloneSessionID returns a short random session identifier.
func NewCloneSessionID() string {
	return uuid.NewString()[:cloneSessionIDLength]
}

// CloneCacheDir returns the cache directory for a cloned session.
func CloneCacheDir(parent, sessionID string) string {
	parent = strings.TrimRight(parent, "/")
	return parent + "/" + cloneCacheDirComponent + sessionID + "/"
}

func (t Timeouts) clone() Timeouts {
	cp := func(v *int) *int {
		if v == nil {
			return nil
		}
		n := *v
		return &n
	}
	return Timeouts{
		Default:          cp(t.Default),
		Short:            cp(t.Short),
		Navigation:       cp(t.Navigation),
		NetworkIdle:      cp(t.NetworkIdle),
		Screenshot:       cp(t.Screenshot),
		PageStability:    cp(t.PageStability),
		DOMContentLoaded: cp(t.DOMContentLoaded),
	}
}

// ConnectionInfo describes a pooled connection.
type ConnectionInfo struct {
	SessionID    string `json:"session_id"`
	ConnectionID string `json:"connection_id"`
	State        string `json:"state"`
}
