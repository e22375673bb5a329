package wsworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"

	"github.com/odvcencio/browserpool/pkg/browser"
	"github.com/odvcencio/browserpool/pkg/observability"
)

// Conn is one worker process plus the WebSocket connected to it. Commands
// are multiplexed over the socket by correlation id; replies may arrive in
// any order.
type Conn struct {
	id         string
	sessionCfg browser.SessionConfig
	cfg        Config
	launcher   launcher
	logger     *observability.Logger

	mu       sync.Mutex
	state    browser.State
	ws       *websocket.Conn
	worker   workerProcess
	port     int
	pending  map[string]chan reply
	cancel   context.CancelFunc
	loopDone chan struct{}
}

type reply struct {
	frame responseFrame
	err   error
}

var _ browser.Connection = (*Conn)(nil)

func newConn(cfg Config, sessionCfg browser.SessionConfig, l launcher, logger *observability.Logger) *Conn {
	id := ulid.Make().String()
	if logger == nil {
		logger = observability.Nop()
	}
	return &Conn{
		id:         id,
		sessionCfg: sessionCfg,
		cfg:        cfg,
		launcher:   l,
		logger:     logger.WithConnection(sessionCfg.SessionID, id),
		pending:    make(map[string]chan reply),
	}
}

// ID returns the connection instance identifier.
func (c *Conn) ID() string { return c.id }

// SessionID returns the session this connection serves.
func (c *Conn) SessionID() string { return c.sessionCfg.SessionID }

// State returns the current lifecycle state.
func (c *Conn) State() browser.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Port returns the port the worker announced, or zero before Start.
func (c *Conn) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// Pending returns the number of commands awaiting a reply.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Start builds and launches the worker, connects to it and sends the init
// handshake. Everything acquired is released again if Start fails.
func (c *Conn) Start(ctx context.Context) (err error) {
	c.mu.Lock()
	switch c.state {
	case browser.StateUninitialized:
		c.state = browser.StateStarting
	case browser.StateClosed:
		c.mu.Unlock()
		return browser.ErrSessionClosed
	default:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("connection already started (%s)", state)
	}
	c.mu.Unlock()

	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	worker, err := c.launcher.start(ctx)
	if err != nil {
		return err
	}
	port := worker.Port()
	if err := c.attachWorker(worker, port); err != nil {
		_ = worker.Terminate(c.cfg.StopTimeout)
		return err
	}

	ws, err := c.dial(ctx, port)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	if c.state == browser.StateClosed {
		c.mu.Unlock()
		cancel()
		_ = ws.CloseNow()
		return browser.ErrSessionClosed
	}
	c.ws = ws
	c.cancel = cancel
	c.loopDone = done
	c.mu.Unlock()

	go c.receiveLoop(loopCtx, ws, done)
	go c.keepAlive(loopCtx, ws)

	if err := c.handshake(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == browser.StateStarting {
		c.state = browser.StateConnected
	}
	state := c.state
	c.mu.Unlock()
	if state != browser.StateConnected {
		return fmt.Errorf("%w: connection %s during start", browser.ErrDisconnected, state)
	}
	c.logger.Info("worker connection established", slog.Int("port", port))
	return nil
}

func (c *Conn) attachWorker(worker workerProcess, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == browser.StateClosed {
		return browser.ErrSessionClosed
	}
	c.worker = worker
	c.port = port
	return nil
}

func (c *Conn) dial(ctx context.Context, port int) (*websocket.Conn, error) {
	dialCtx := ctx
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}
	url := "ws://" + net.JoinHostPort(c.cfg.Host, strconv.Itoa(port))
	ws, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", browser.ErrConnectFailure, url, err)
	}
	ws.SetReadLimit(c.cfg.MaxFrameSize)
	return ws, nil
}

func (c *Conn) handshake(ctx context.Context) error {
	hsCtx := ctx
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}
	_, err := c.send(hsCtx, browser.CommandInit, c.sessionCfg)
	if err == nil {
		return nil
	}
	if errors.Is(err, browser.ErrCommandTimeout) && c.cfg.HandshakePolicy == HandshakeLenient && ctx.Err() == nil {
		c.logger.Warn("init handshake timed out, continuing", slog.Duration("timeout", c.cfg.HandshakeTimeout))
		return nil
	}
	return fmt.Errorf("init handshake: %w", err)
}

// Send issues a command and waits for its reply. When ctx carries no
// deadline the configured command timeout applies. A timeout fails only
// this call; the connection stays usable.
func (c *Conn) Send(ctx context.Context, command string, params any) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	switch state := c.State(); state {
	case browser.StateConnected:
	case browser.StateClosed:
		return nil, browser.ErrSessionClosed
	case browser.StateDegraded:
		return nil, fmt.Errorf("%w: connection degraded", browser.ErrDisconnected)
	default:
		return nil, fmt.Errorf("%w: connection %s", browser.ErrUnavailable, state)
	}
	return c.send(ctx, command, params)
}

func (c *Conn) send(ctx context.Context, command string, params any) (json.RawMessage, error) {
	ctx, cancel := c.withCommandTimeout(ctx)
	defer cancel()

	id := uuid.NewString()
	payload, err := encodeRequest(id, command, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan reply, 1)
	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: socket not established", browser.ErrDisconnected)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	started := time.Now()
	c.logger.CommandSent(id, command, len(payload))
	if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
		c.removePending(id)
		c.degrade(ws, fmt.Sprintf("write %s: %v", command, err))
		return nil, fmt.Errorf("%w: write %s: %v", browser.ErrDisconnected, command, err)
	}

	select {
	case r := <-ch:
		return c.resolve(id, command, r, started)
	case <-ctx.Done():
		c.removePending(id)
		// The reply may have landed between the deadline and the removal.
		select {
		case r := <-ch:
			return c.resolve(id, command, r, started)
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", browser.ErrCommandTimeout, command, time.Since(started).Round(time.Millisecond))
		}
		return nil, ctx.Err()
	}
}

func (c *Conn) resolve(id, command string, r reply, started time.Time) (json.RawMessage, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.frame.failed() {
		return nil, browser.NewWorkerError(command, r.frame.errorMessage())
	}
	c.logger.CommandCompleted(id, command, time.Since(started))
	return r.frame.Result, nil
}

func (c *Conn) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) withCommandTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline || c.cfg.CommandTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.CommandTimeout)
}

func (c *Conn) receiveLoop(ctx context.Context, ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	var reason string
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			reason = disconnectReason(ctx, err)
			break
		}
		frame, err := decodeResponse(data)
		if err != nil {
			c.logger.Error("dropping worker frame", slog.String("error", err.Error()))
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[frame.ID]
		if ok {
			delete(c.pending, frame.ID)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("reply for unknown request", slog.String("message_id", frame.ID))
			continue
		}
		ch <- reply{frame: frame}
	}
	c.disconnect(ws, reason)
}

// disconnect fails every pending request and marks the connection degraded.
func (c *Conn) disconnect(ws *websocket.Conn, reason string) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	if c.state != browser.StateClosed {
		c.state = browser.StateDegraded
	}
	pending := c.pending
	c.pending = make(map[string]chan reply)
	c.mu.Unlock()

	_ = ws.CloseNow()
	c.logger.Disconnected(reason, len(pending))
	err := fmt.Errorf("%w: %s", browser.ErrDisconnected, reason)
	for _, ch := range pending {
		ch <- reply{err: err}
	}
}

// degrade closes the socket; the receive loop observes the close and
// fails pending requests.
func (c *Conn) degrade(ws *websocket.Conn, reason string) {
	c.mu.Lock()
	if c.state != browser.StateClosed {
		c.state = browser.StateDegraded
	}
	c.mu.Unlock()
	c.logger.Warn("connection degraded", slog.String("reason", reason))
	_ = ws.CloseNow()
}

func (c *Conn) keepAlive(ctx context.Context, ws *websocket.Conn) {
	if c.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.degrade(ws, "keep-alive ping: "+err.Error())
				}
				return
			}
		}
	}
}

// Healthy reports whether the connection can be reused: the socket is
// present, the connection is Connected, the worker is running and a ping
// is answered within the probe timeout. The probe ignores ctx cancellation
// so one caller giving up never marks a shared connection unhealthy.
func (c *Conn) Healthy(ctx context.Context) bool {
	c.mu.Lock()
	ws, state, worker := c.ws, c.state, c.worker
	c.mu.Unlock()
	if ws == nil || state != browser.StateConnected {
		return false
	}
	if worker != nil && !worker.Alive() {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.HealthProbeTimeout)
	defer cancel()
	if err := ws.Ping(probeCtx); err != nil {
		c.logger.Debug("health probe failed", slog.String("error", err.Error()))
		return false
	}
	return true
}

// Close releases the socket and the worker and fails any pending requests.
// Closing an already closed connection is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == browser.StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = browser.StateClosed
	ws, worker, cancel, done := c.ws, c.worker, c.cancel, c.loopDone
	c.ws = nil
	pending := c.pending
	c.pending = make(map[string]chan reply)
	c.mu.Unlock()

	if ws != nil {
		closed := make(chan struct{})
		go func() {
			_ = ws.Close(websocket.StatusNormalClosure, "session closed")
			close(closed)
		}()
		select {
		case <-closed:
		case <-time.After(c.cfg.StopTimeout):
			_ = ws.CloseNow()
		}
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(c.cfg.StopTimeout):
		}
	}

	err := fmt.Errorf("%w: connection closed", browser.ErrDisconnected)
	for _, ch := range pending {
		ch <- reply{err: err}
	}

	var stopErr error
	if worker != nil {
		stopErr = worker.Terminate(c.cfg.StopTimeout)
	}
	c.logger.Info("worker connection closed", slog.Int("failed_pending", len(pending)))
	return stopErr
}

func disconnectReason(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return "connection closed locally"
	}
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Reason != "" {
			return fmt.Sprintf("closed by worker: %d %s", closeErr.Code, closeErr.Reason)
		}
		return fmt.Sprintf("closed by worker: %d", closeErr.Code)
	}
	return "read: " + err.Error()
}
