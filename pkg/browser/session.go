package browser

import (
	"context"
	"encoding/json"
)

//go:generate mockgen -destination=mocks/mock_browser.go -package=mocks github.com/odvcencio/browserpool/pkg/browser Runtime,Connection

// Runtime creates worker connections. Connections returned by NewConnection
// are not started; the pool calls Start before storing them.
type Runtime interface {
	NewConnection(cfg SessionConfig) (Connection, error)
	Close() error
}

// Connection is the port implemented by worker transport adapters. One
// Connection owns one worker process and one socket.
type Connection interface {
	ID() string
	SessionID() string
	State() State
	Start(ctx context.Context) error
	Send(ctx context.Context, command string, params any) (json.RawMessage, error)
	Healthy(ctx context.Context) bool
	Close() error
}
