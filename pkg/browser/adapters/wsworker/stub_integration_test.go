//go:build integration

package wsworker_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/browserpool/pkg/browser"
	"github.com/odvcencio/browserpool/pkg/browser/adapters/wsworker"
)

var (
	stubOnce sync.Once
	stubPath string
	stubErr  error
)

// buildStub compiles cmd/browserworker-stub once per test binary, unless
// BROWSERWORKER_STUB points at a prebuilt one.
func buildStub(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub worker supervision is POSIX-only")
	}
	if path := os.Getenv("BROWSERWORKER_STUB"); path != "" {
		return path
	}
	stubOnce.Do(func() {
		dir, err := os.MkdirTemp("", "browserworker-stub")
		if err != nil {
			stubErr = err
			return
		}
		stubPath = filepath.Join(dir, "browserworker-stub")
		cmd := exec.Command("go", "build", "-o", stubPath, "github.com/odvcencio/browserpool/cmd/browserworker-stub")
		out, err := cmd.CombinedOutput()
		if err != nil {
			stubErr = errors.New(string(out))
		}
	})
	require.NoError(t, stubErr, "build stub worker")
	return stubPath
}

func stubConfig(t *testing.T, args ...string) wsworker.Config {
	t.Helper()
	return wsworker.Config{
		WorkerDir:        t.TempDir(),
		InstallCommand:   []string{},
		BuildCommand:     []string{},
		LaunchCommand:    append([]string{buildStub(t), "-log-level", "debug"}, args...),
		Host:             "127.0.0.1",
		ReadyTimeout:     5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		CommandTimeout:   5 * time.Second,
		StopTimeout:      time.Second,
	}
}

func newStubPool(t *testing.T, cfg wsworker.Config) (*browser.Pool, *browser.Metrics) {
	t.Helper()
	rt, err := wsworker.NewRuntime(cfg, nil)
	require.NoError(t, err)
	metrics := browser.NewMetrics(prometheus.NewRegistry())
	pool := browser.NewPool(rt, browser.WithMetrics(metrics))
	t.Cleanup(func() { _ = pool.Close() })
	return pool, metrics
}

func TestStub_ToolkitLifecycle(t *testing.T) {
	pool, metrics := newStubPool(t, stubConfig(t))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := browser.DefaultSessionConfig()
	cfg.SessionID = "lifecycle"
	tk := browser.NewToolkit(pool, cfg)

	res, err := tk.Open(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"opened":true}`, string(res))

	res, err = tk.Command(ctx, "echo", map[string]any{"hello": "world"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(res))

	res, err = tk.VisitPage(ctx, "https://example.com")
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"visit_page","params":{"url":"https://example.com"}}`, string(res))

	require.Equal(t, 1, pool.Len())
	require.NoError(t, tk.Close(ctx))
	assert.Equal(t, 0, pool.Len())
	assert.Equal(t, int64(1), metrics.Snapshot().ConnectionsCreated)
}

func TestStub_ConcurrentCommandsCorrelate(t *testing.T) {
	pool, _ := newStubPool(t, stubConfig(t))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pool.GetConnection(ctx, "concurrent", browser.SessionConfig{})
	require.NoError(t, err)

	var g errgroup.Group
	for i := range 20 {
		g.Go(func() error {
			res, err := conn.Send(ctx, "sleep", map[string]any{"ms": (20 - i) * 10})
			if err != nil {
				return err
			}
			var body struct {
				SleptMS int `json:"slept_ms"`
			}
			if err := json.Unmarshal(res, &body); err != nil {
				return err
			}
			if body.SleptMS != (20-i)*10 {
				return errors.New("reply delivered to the wrong caller")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestStub_WorkerCrashRecreatesConnection(t *testing.T) {
	pool, _ := newStubPool(t, stubConfig(t))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := browser.DefaultSessionConfig()
	cfg.SessionID = "crash"
	tk := browser.NewToolkit(pool, cfg)

	_, err := tk.Open(ctx)
	require.NoError(t, err)
	first, ok := pool.Lookup("crash")
	require.True(t, ok)

	_, err = tk.Command(ctx, "crash", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, browser.ErrDisconnected)
	assert.True(t, browser.IsRetryableError(err))

	_, err = tk.Command(ctx, browser.CommandPing, nil)
	require.NoError(t, err)
	second, ok := pool.Lookup("crash")
	require.True(t, ok)
	assert.NotEqual(t, first.ID(), second.ID())
}

func TestStub_ExitBeforeReady(t *testing.T) {
	pool, metrics := newStubPool(t, stubConfig(t, "-exit-before-ready"))

	_, err := pool.GetConnection(context.Background(), "early-exit", browser.SessionConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, browser.ErrWorkerStartup)
	assert.Contains(t, err.Error(), "simulated startup failure")
	assert.Equal(t, 0, pool.Len())
	assert.Equal(t, int64(1), metrics.Snapshot().StartFailures)
}

func TestStub_ReadyTimeout(t *testing.T) {
	cfg := stubConfig(t, "-ready-delay", "5s")
	cfg.ReadyTimeout = 300 * time.Millisecond
	pool, _ := newStubPool(t, cfg)

	_, err := pool.GetConnection(context.Background(), "slow-ready", browser.SessionConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, browser.ErrWorkerStartupTimeout)
}

func TestStub_HandshakePolicies(t *testing.T) {
	t.Run("lenient tolerates slow init", func(t *testing.T) {
		cfg := stubConfig(t, "-init-delay", "1s")
		cfg.HandshakeTimeout = 200 * time.Millisecond
		pool, _ := newStubPool(t, cfg)

		conn, err := pool.GetConnection(context.Background(), "lenient", browser.SessionConfig{})
		require.NoError(t, err)
		assert.Equal(t, browser.StateConnected, conn.State())
	})

	t.Run("strict fails slow init", func(t *testing.T) {
		cfg := stubConfig(t, "-init-delay", "1s")
		cfg.HandshakeTimeout = 200 * time.Millisecond
		cfg.HandshakePolicy = wsworker.HandshakeStrict
		pool, _ := newStubPool(t, cfg)

		_, err := pool.GetConnection(context.Background(), "strict", browser.SessionConfig{})
		require.Error(t, err)
		assert.ErrorIs(t, err, browser.ErrCommandTimeout)
		assert.Equal(t, 0, pool.Len())
	})
}
