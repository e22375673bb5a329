package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/browserpool/pkg/observability"
)

// Pool keeps one started connection per session id. A single lock covers
// the whole get-or-create and evict sequence so concurrent callers for the
// same session never start two workers. Command traffic does not take the
// lock once a connection has been resolved.
type Pool struct {
	runtime Runtime
	logger  *observability.Logger
	metrics *Metrics

	mu    sync.Mutex
	conns map[string]Connection
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *observability.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) PoolOption {
	return func(p *Pool) {
		p.metrics = m
	}
}

// NewPool creates a Pool backed by the provided runtime.
func NewPool(runtime Runtime, opts ...PoolOption) *Pool {
	p := &Pool{
		runtime: runtime,
		logger:  observability.Nop(),
		conns:   make(map[string]Connection),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("pool")
	return p
}

// Metrics returns the pool's metrics collector, which may be nil.
func (p *Pool) Metrics() *Metrics {
	if p == nil {
		return nil
	}
	return p.metrics
}

// GetConnection returns the healthy connection for sessionID, replacing an
// unhealthy one and creating one when absent. A new connection is started
// before it is stored; start failures are returned and nothing is stored.
func (p *Pool) GetConnection(ctx context.Context, sessionID string, cfg SessionConfig) (Connection, error) {
	if p == nil || p.runtime == nil {
		return nil, ErrUnavailable
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.SessionID == "" {
		cfg.SessionID = sessionID
	}
	logger := p.logger.WithSession(sessionID)

	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[sessionID]; ok {
		if conn.Healthy(ctx) {
			logger.Debug("reusing healthy connection", slog.String("connection_id", conn.ID()))
			return conn, nil
		}
		logger.Info("removing unhealthy connection",
			slog.String("connection_id", conn.ID()),
			slog.String("state", conn.State().String()),
		)
		p.evictLocked(sessionID, conn, EvictUnhealthy)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "browser.connection.start",
		trace.WithAttributes(observability.AttrSessionID.String(sessionID)))
	defer span.End()

	logger.Info("creating connection")
	conn, err := p.runtime.NewConnection(cfg)
	if err != nil {
		p.metrics.RecordStartFailure(err)
		observability.RecordError(ctx, err)
		span.SetStatus(codes.Error, string(Code(err)))
		return nil, err
	}
	if err := conn.Start(ctx); err != nil {
		p.metrics.RecordStartFailure(err)
		observability.RecordError(ctx, err)
		span.SetStatus(codes.Error, string(Code(err)))
		logger.Error("connection start failed", slog.String("error", err.Error()), slog.String("code", string(Code(err))))
		return nil, err
	}
	p.conns[sessionID] = conn
	p.metrics.RecordConnectionCreated()
	span.SetAttributes(observability.AttrConnectionID.String(conn.ID()))
	logger.Info("connection created", slog.String("connection_id", conn.ID()))
	return conn, nil
}

// Evict removes conn from the pool if it is still the entry for sessionID
// and closes it. It reports whether an entry was removed.
func (p *Pool) Evict(sessionID string, conn Connection, reason string) bool {
	if p == nil || conn == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	current, ok := p.conns[sessionID]
	if !ok || current != conn {
		return false
	}
	p.evictLocked(sessionID, conn, reason)
	return true
}

// CloseConnection evicts and closes the connection for sessionID and reports
// whether the session had one. It is a no-op when the session has none.
func (p *Pool) CloseConnection(sessionID string) (bool, error) {
	if p == nil {
		return false, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[sessionID]
	if !ok {
		return false, nil
	}
	delete(p.conns, sessionID)
	p.metrics.RecordConnectionEvicted(EvictClosed)
	if err := conn.Close(); err != nil {
		p.logger.WithSession(sessionID).Error("close connection", slog.String("error", err.Error()))
		return true, err
	}
	p.logger.WithSession(sessionID).Info("closed connection")
	return true, nil
}

// CloseAll evicts and closes every connection.
func (p *Pool) CloseAll() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var g errgroup.Group
	for sessionID, conn := range p.conns {
		delete(p.conns, sessionID)
		p.metrics.RecordConnectionEvicted(EvictClosed)
		g.Go(func() error {
			if err := conn.Close(); err != nil {
				p.logger.WithSession(sessionID).Error("close connection", slog.String("error", err.Error()))
				return fmt.Errorf("close session %s: %w", sessionID, err)
			}
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("closed all connections")
	return err
}

// Close closes every connection and releases the runtime.
func (p *Pool) Close() error {
	if p == nil {
		return nil
	}
	err := p.CloseAll()
	if p.runtime != nil {
		err = errors.Join(err, p.runtime.Close())
	}
	return err
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Lookup returns the pooled connection for sessionID without probing it.
func (p *Pool) Lookup(sessionID string) (Connection, bool) {
	if p == nil {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[sessionID]
	return conn, ok
}

// Sessions returns a snapshot of pooled connections ordered by session id.
func (p *Pool) Sessions() []ConnectionInfo {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	infos := make([]ConnectionInfo, 0, len(p.conns))
	for sessionID, conn := range p.conns {
		infos = append(infos, ConnectionInfo{
			SessionID:    sessionID,
			ConnectionID: conn.ID(),
			State:        conn.State().String(),
		})
	}
	p.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].SessionID < infos[j].SessionID })
	return infos
}

func (p *Pool) evictLocked(sessionID string, conn Connection, reason string) {
	delete(p.conns, sessionID)
	p.metrics.RecordConnectionEvicted(reason)
	if err := conn.Close(); err != nil {
		p.logger.WithSession(sessionID).Debug("error closing evicted connection", slog.String("error", err.Error()))
	}
}
