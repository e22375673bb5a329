package wsworker

import (
	"errors"
	"strings"

	"github.com/odvcencio/browserpool/pkg/browser"
	"github.com/odvcencio/browserpool/pkg/observability"
)

// Runtime creates worker-backed connections.
type Runtime struct {
	cfg        Config
	supervisor *Supervisor
	logger     *observability.Logger
}

var _ browser.Runtime = (*Runtime)(nil)

// NewRuntime creates a worker runtime adapter.
func NewRuntime(cfg Config, logger *observability.Logger) (*Runtime, error) {
	merged := cfg.withDefaults()
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Runtime{
		cfg:        merged,
		supervisor: NewSupervisor(merged, logger),
		logger:     logger,
	}, nil
}

// Config returns the effective adapter configuration.
func (r *Runtime) Config() Config { return r.cfg }

// NewConnection returns an unstarted connection for sessionCfg.
func (r *Runtime) NewConnection(sessionCfg browser.SessionConfig) (browser.Connection, error) {
	if r == nil {
		return nil, browser.ErrUnavailable
	}
	if strings.TrimSpace(sessionCfg.SessionID) == "" {
		return nil, errors.New("session_id is required")
	}
	return newConn(r.cfg, sessionCfg, r.supervisor, r.logger), nil
}

// Close releases runtime resources. Connections are owned by the pool and
// closed there.
func (r *Runtime) Close() error {
	return nil
}
