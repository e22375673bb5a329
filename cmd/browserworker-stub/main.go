// Command browserworker-stub is a stand-in automation worker. It speaks the
// worker protocol without driving a browser: it announces its port on stdout
// and answers every command over a websocket.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/odvcencio/browserpool/pkg/browser"
	"github.com/odvcencio/browserpool/pkg/observability"
)

const readySentinel = "SERVER_READY:"

type options struct {
	host            string
	port            int
	readyDelay      time.Duration
	initDelay       time.Duration
	exitBeforeReady bool
	logLevel        string
}

type request struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

type response struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

func main() {
	opts := options{}
	flag.StringVar(&opts.host, "host", "127.0.0.1", "interface to listen on")
	flag.IntVar(&opts.port, "port", 0, "port to listen on (0 picks a free port)")
	flag.DurationVar(&opts.readyDelay, "ready-delay", 0, "wait before announcing readiness")
	flag.DurationVar(&opts.initDelay, "init-delay", 0, "wait before answering init")
	flag.BoolVar(&opts.exitBeforeReady, "exit-before-ready", false, "exit with an error before announcing readiness")
	flag.StringVar(&opts.logLevel, "log-level", "info", "log level")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := observability.NewLogger("browserworker-stub", observability.ParseLevel(opts.logLevel))
	if err := run(ctx, opts, os.Stdout, logger); err != nil {
		fmt.Fprintf(os.Stderr, "browserworker-stub: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, stdout io.Writer, logger *observability.Logger) error {
	if opts.exitBeforeReady {
		return errors.New("simulated startup failure")
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(opts.host, strconv.Itoa(opts.port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	w := newStubWorker(opts, logger)
	server := &http.Server{Handler: w, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if opts.readyDelay > 0 {
		select {
		case <-time.After(opts.readyDelay):
		case <-ctx.Done():
			return server.Close()
		}
	}
	port := ln.Addr().(*net.TCPAddr).Port
	fmt.Fprintf(stdout, "%s%d\n", readySentinel, port)
	logger.Info("worker ready", slog.Int("port", port))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	w.closeAll()
	logger.Info("worker stopped")
	return nil
}

// stubWorker serves one websocket per connection and answers commands
// concurrently, so replies may arrive out of order.
type stubWorker struct {
	opts     options
	logger   *observability.Logger
	upgrader gws.Upgrader

	mu      sync.Mutex
	sockets map[*socket]struct{}
}

type socket struct {
	mu sync.Mutex
	ws *gws.Conn
}

func (s *socket) write(resp response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteJSON(resp)
}

func (s *socket) close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := gws.FormatCloseMessage(code, reason)
	_ = s.ws.WriteControl(gws.CloseMessage, msg, time.Now().Add(time.Second))
	_ = s.ws.Close()
}

func newStubWorker(opts options, logger *observability.Logger) *stubWorker {
	return &stubWorker{
		opts:    opts,
		logger:  logger,
		sockets: make(map[*socket]struct{}),
	}
}

func (w *stubWorker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	ws, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	sock := &socket{ws: ws}
	w.mu.Lock()
	w.sockets[sock] = struct{}{}
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.sockets, sock)
		w.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil || req.ID == "" {
			w.logger.Debug("ignoring malformed request")
			continue
		}
		go w.handle(sock, req)
	}
}

func (w *stubWorker) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for sock := range w.sockets {
		sock.close(gws.CloseGoingAway, "worker shutting down")
	}
}

func (w *stubWorker) handle(sock *socket, req request) {
	resp := response{ID: req.ID, Success: true}
	switch req.Command {
	case browser.CommandInit:
		if w.opts.initDelay > 0 {
			time.Sleep(w.opts.initDelay)
		}
		var cfg browser.SessionConfig
		if err := json.Unmarshal(req.Params, &cfg); err != nil {
			resp.Success = false
			resp.Error = "invalid session config: " + err.Error()
			break
		}
		resp.Result = map[string]any{"session_id": cfg.SessionID}
	case browser.CommandPing:
		resp.Result = map[string]any{"pong": true}
	case browser.CommandOpenBrowser:
		resp.Result = map[string]any{"opened": true}
	case browser.CommandCloseBrowser:
		resp.Result = map[string]any{"closed": true}
	case "echo":
		resp.Result = req.Params
	case "sleep":
		var p struct {
			MS int `json:"ms"`
		}
		_ = json.Unmarshal(req.Params, &p)
		time.Sleep(time.Duration(p.MS) * time.Millisecond)
		resp.Result = map[string]any{"slept_ms": p.MS}
	case "fail":
		var p struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(req.Params, &p)
		resp.Success = false
		resp.Error = p.Message
	case "disconnect":
		sock.close(gws.CloseGoingAway, "disconnect requested")
		return
	case "crash":
		w.logger.Error("crash requested")
		os.Exit(3)
	default:
		resp.Result = map[string]any{"command": req.Command, "params": req.Params}
	}
	if err := sock.write(resp); err != nil {
		w.logger.Debug("write failed", slog.String("error", err.Error()))
	}
}
