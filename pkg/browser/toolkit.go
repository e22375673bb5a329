package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	bperrors "github.com/odvcencio/browserpool/pkg/errors"
	"github.com/odvcencio/browserpool/pkg/observability"
)

// waitUserGrace covers the worker's reply after a wait_user timeout.
const waitUserGrace = 5 * time.Second

// Toolkit is the operation-level API for one browser session. It resolves
// its connection from the pool on every call, so a connection replaced by
// the pool is picked up transparently.
type Toolkit struct {
	pool   *Pool
	cfg    SessionConfig
	logger *observability.Logger

	// resolved is set once a connection has been obtained for this session.
	resolved atomic.Bool
}

// NewToolkit creates a toolkit for cfg backed by pool.
func NewToolkit(pool *Pool, cfg SessionConfig) *Toolkit {
	cfg = cfg.Normalized()
	logger := observability.Nop()
	if pool != nil {
		logger = pool.logger
	}
	return &Toolkit{
		pool:   pool,
		cfg:    cfg,
		logger: logger.Named("toolkit").WithSession(cfg.SessionID),
	}
}

// SessionID returns the session this toolkit drives.
func (t *Toolkit) SessionID() string { return t.cfg.SessionID }

// Config returns a copy of the session configuration.
func (t *Toolkit) Config() SessionConfig { return t.cfg.Copy() }

// Clone returns a toolkit for a sibling session sharing the same pool. An
// empty newID gets a short random identifier; the sibling uses its own
// cache directory under this session's.
func (t *Toolkit) Clone(newID string) *Toolkit {
	return NewToolkit(t.pool, t.cfg.Clone(newID))
}

// Open resolves the session's connection and opens the browser.
func (t *Toolkit) Open(ctx context.Context) (json.RawMessage, error) {
	return t.Command(ctx, CommandOpenBrowser, map[string]any{})
}

// Command sends a named command with params to the session's worker.
func (t *Toolkit) Command(ctx context.Context, name string, params any) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := observability.StartSpan(ctx, "browser.command",
		trace.WithAttributes(
			observability.AttrSessionID.String(t.cfg.SessionID),
			observability.AttrCommand.String(name),
		),
	)
	defer span.End()

	conn, err := t.connection(ctx)
	if err != nil {
		return nil, t.fail(span, name, err)
	}
	span.SetAttributes(observability.AttrConnectionID.String(conn.ID()))

	started := time.Now()
	result, err := conn.Send(ctx, name, params)
	t.pool.Metrics().RecordCommand(name, err, time.Since(started))
	if err != nil {
		return nil, t.fail(span, name, err)
	}
	return result, nil
}

// Close closes the browser if this toolkit ever reached its worker and
// releases the session's pool entry. The close_browser failure is logged,
// not returned.
func (t *Toolkit) Close(ctx context.Context) error {
	if t.resolved.Load() {
		if _, err := t.CloseBrowser(ctx); err != nil {
			t.logger.Error("error closing browser", slog.String("error", err.Error()))
		}
	}
	if _, err := t.pool.CloseConnection(t.cfg.SessionID); err != nil {
		return bperrors.Wrap(err, bperrors.ErrCodeInternal, "release session").
			WithContext("session_id", t.cfg.SessionID)
	}
	t.logger.Info("released session connection")
	return nil
}

func (t *Toolkit) connection(ctx context.Context) (Connection, error) {
	if t.pool == nil {
		return nil, ErrUnavailable
	}
	conn, err := t.pool.GetConnection(ctx, t.cfg.SessionID, t.cfg)
	if err != nil {
		return nil, err
	}
	if conn.State() == StateDegraded {
		t.logger.Warn("connection degraded after pool retrieval, recreating",
			slog.String("connection_id", conn.ID()))
		t.pool.Evict(t.cfg.SessionID, conn, EvictDegraded)
		conn, err = t.pool.GetConnection(ctx, t.cfg.SessionID, t.cfg)
		if err != nil {
			return nil, err
		}
	}
	t.resolved.Store(true)
	return conn, nil
}

func (t *Toolkit) fail(span trace.Span, command string, err error) error {
	code := Code(err)
	wrapped := bperrors.Wrap(err, code, fmt.Sprintf("browser %s failed", command)).
		WithContext("session_id", t.cfg.SessionID).
		WithContext("command", command).
		WithRetryable(IsRetryableError(err))
	if g, ok := failureGuidance[code]; ok {
		wrapped = wrapped.WithUserMessage(g.message).WithRemediation(g.tips...)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, string(code))
	span.SetAttributes(observability.AttrErrorCode.String(string(code)))
	t.logger.CommandFailed(command, err)
	return wrapped
}

type guidance struct {
	message string
	tips    []string
}

var failureGuidance = map[bperrors.ErrorCode]guidance{
	bperrors.ErrCodeBuildFailure: {
		message: "The browser worker could not be built.",
		tips:    []string{"Run npm install and npm run build in the worker directory", "Check that node and npm are on PATH"},
	},
	bperrors.ErrCodeWorkerStartup: {
		message: "The browser worker exited before it was ready.",
		tips:    []string{"Read the worker stderr included in the error"},
	},
	bperrors.ErrCodeWorkerStartupTimeout: {
		message: "The browser worker did not report readiness in time.",
		tips:    []string{"Raise worker.ready_timeout", "Check that the worker prints SERVER_READY:<port>"},
	},
	bperrors.ErrCodeConnectFailure: {
		message: "The browser worker started but its socket could not be reached.",
		tips:    []string{"Check worker.host and any local firewall rules"},
	},
	bperrors.ErrCodeCommandTimeout: {
		message: "The browser did not answer in time. The session is still usable.",
		tips:    []string{"Retry the operation", "Raise worker.command_timeout for slow pages"},
	},
	bperrors.ErrCodeDisconnected: {
		message: "The connection to the browser worker was lost.",
		tips:    []string{"Retry the operation; the next call starts a new worker"},
	},
}

// CloseBrowser closes the worker's browser.
func (t *Toolkit) CloseBrowser(ctx context.Context) (json.RawMessage, error) {
	return t.Command(ctx, CommandCloseBrowser, map[string]any{})
}

// VisitPage navigates the current tab to url.
func (t *Toolkit) VisitPage(ctx context.Context, url string) (json.RawMessage, error) {
	return t.Command(ctx, CommandVisitPage, map[string]any{"url": url})
}

// Back navigates back in history.
func (t *Toolkit) Back(ctx context.Context) (json.RawMessage, error) {
	return t.Command(ctx, CommandBack, map[string]any{})
}

// Forward navigates forward in history.
func (t *Toolkit) Forward(ctx context.Context) (json.RawMessage, error) {
	return t.Command(ctx, CommandForward, map[string]any{})
}

// PageSnapshot returns the page's element snapshot.
func (t *Toolkit) PageSnapshot(ctx context.Context) (json.RawMessage, error) {
	return t.Command(ctx, CommandPageSnapshot, map[string]any{})
}

// SOMScreenshot captures a set-of-marks screenshot.
func (t *Toolkit) SOMScreenshot(ctx context.Context, readImage bool, instruction string) (json.RawMessage, error) {
	params := map[string]any{"read_image": readImage}
	if instruction != "" {
		params["instruction"] = instruction
	}
	return t.Command(ctx, CommandSOMScreenshot, params)
}

// Click clicks the element with the given snapshot ref.
func (t *Toolkit) Click(ctx context.Context, ref string) (json.RawMessage, error) {
	return t.Command(ctx, CommandClick, map[string]any{"ref": ref})
}

// Type types text into the element with the given ref.
func (t *Toolkit) Type(ctx context.Context, ref, text string) (json.RawMessage, error) {
	return t.Command(ctx, CommandType, map[string]any{"ref": ref, "text": text})
}

// Select chooses value in the select element with the given ref.
func (t *Toolkit) Select(ctx context.Context, ref, value string) (json.RawMessage, error) {
	return t.Command(ctx, CommandSelect, map[string]any{"ref": ref, "value": value})
}

// Scroll scrolls the page. A non-positive amount uses DefaultScrollAmount.
func (t *Toolkit) Scroll(ctx context.Context, direction string, amount int) (json.RawMessage, error) {
	if amount <= 0 {
		amount = DefaultScrollAmount
	}
	return t.Command(ctx, CommandScroll, map[string]any{"direction": direction, "amount": amount})
}

// Enter presses Enter on the focused element.
func (t *Toolkit) Enter(ctx context.Context) (json.RawMessage, error) {
	return t.Command(ctx, CommandEnter, map[string]any{})
}

// WaitUser blocks until the user resumes the session or timeout elapses.
// A positive timeout also bounds the call, with a short grace for the
// worker's reply, unless ctx already carries a deadline. A zero timeout
// sends no limit to the worker; the call is then bounded by ctx or, when
// ctx has no deadline, by the connection's command timeout.
func (t *Toolkit) WaitUser(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	params := map[string]any{}
	if timeout > 0 {
		params["timeout"] = timeout.Seconds()
		if ctx == nil {
			ctx = context.Background()
		}
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout+waitUserGrace)
			defer cancel()
		}
	}
	return t.Command(ctx, CommandWaitUser, params)
}

// SwitchTab activates the tab with tabID.
func (t *Toolkit) SwitchTab(ctx context.Context, tabID string) (json.RawMessage, error) {
	return t.Command(ctx, CommandSwitchTab, map[string]any{"tab_id": tabID})
}

// CloseTab closes the tab with tabID.
func (t *Toolkit) CloseTab(ctx context.Context, tabID string) (json.RawMessage, error) {
	return t.Command(ctx, CommandCloseTab, map[string]any{"tab_id": tabID})
}

// TabInfo lists the open tabs.
func (t *Toolkit) TabInfo(ctx context.Context) (json.RawMessage, error) {
	return t.Command(ctx, CommandTabInfo, map[string]any{})
}
