package wsworker

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/browserpool/pkg/browser"
)

type inbound struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

// peer is the server side of one worker socket.
type peer struct {
	mu sync.Mutex
	ws *gws.Conn
}

func (p *peer) sendRaw(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ws.WriteMessage(gws.TextMessage, []byte(data))
}

func (p *peer) reply(id string, result any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ws.WriteJSON(map[string]any{"id": id, "success": true, "result": result})
}

func (p *peer) fail(id, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ws.WriteJSON(map[string]any{"id": id, "success": false, "error": message})
}

func (p *peer) close(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg := gws.FormatCloseMessage(gws.CloseGoingAway, reason)
	_ = p.ws.WriteControl(gws.CloseMessage, msg, time.Now().Add(time.Second))
	_ = p.ws.Close()
}

// fakeWorkerServer speaks the worker protocol over a gorilla websocket.
type fakeWorkerServer struct {
	srv      *httptest.Server
	upgrader gws.Upgrader
	handle   func(p *peer, req inbound)
	inits    chan json.RawMessage
	sockets  atomic.Int32

	// silent drops pings without answering, like a wedged worker.
	silent atomic.Bool
}

func newFakeWorkerServer(t *testing.T, handle func(p *peer, req inbound)) *fakeWorkerServer {
	t.Helper()
	if handle == nil {
		handle = defaultHandler
	}
	fs := &fakeWorkerServer{handle: handle, inits: make(chan json.RawMessage, 4)}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.sockets.Add(1)
		defer ws.Close()
		if fs.silent.Load() {
			ws.SetPingHandler(func(string) error { return nil })
		}
		p := &peer{ws: ws}
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req inbound
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			if req.Command == browser.CommandInit {
				select {
				case fs.inits <- req.Params:
				default:
				}
			}
			go fs.handle(p, req)
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeWorkerServer) port(t *testing.T) int {
	t.Helper()
	u, err := url.Parse(fs.srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func defaultHandler(p *peer, req inbound) {
	switch req.Command {
	case browser.CommandPing:
		p.reply(req.ID, map[string]any{"pong": true})
	case "echo":
		p.reply(req.ID, req.Params)
	default:
		p.reply(req.ID, map[string]any{})
	}
}

type fakeWorker struct {
	port       int
	alive      atomic.Bool
	terminated atomic.Int32
	stderr     string
}

func newFakeWorker(port int) *fakeWorker {
	w := &fakeWorker{port: port}
	w.alive.Store(true)
	return w
}

func (w *fakeWorker) Port() int      { return w.port }
func (w *fakeWorker) Alive() bool    { return w.alive.Load() }
func (w *fakeWorker) Stderr() string { return w.stderr }

func (w *fakeWorker) Terminate(time.Duration) error {
	w.terminated.Add(1)
	w.alive.Store(false)
	return nil
}

type fakeLauncher struct {
	worker *fakeWorker
	err    error
	starts atomic.Int32
}

func (l *fakeLauncher) start(context.Context) (workerProcess, error) {
	l.starts.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	return l.worker, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.ConnectTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.CommandTimeout = 2 * time.Second
	cfg.StopTimeout = 200 * time.Millisecond
	return cfg
}

func newTestConn(t *testing.T, cfg Config, l launcher) *Conn {
	t.Helper()
	c := newConn(cfg, browser.SessionConfig{SessionID: "s1", Headless: true}, l, nil)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func startedConn(t *testing.T, handle func(p *peer, req inbound)) (*Conn, *fakeWorkerServer, *fakeWorker) {
	t.Helper()
	fs := newFakeWorkerServer(t, handle)
	worker := newFakeWorker(fs.port(t))
	c := newTestConn(t, testConfig(), &fakeLauncher{worker: worker})
	require.NoError(t, c.Start(context.Background()))
	return c, fs, worker
}

func unusedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}
