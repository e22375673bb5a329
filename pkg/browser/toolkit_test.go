package browser_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"

	"github.com/odvcencio/browserpool/pkg/browser"
	"github.com/odvcencio/browserpool/pkg/browser/mocks"
	bperrors "github.com/odvcencio/browserpool/pkg/errors"
)

func newToolkit(t *testing.T, sessionID string) (*gomock.Controller, *mocks.MockRuntime, *browser.Toolkit, *browser.Metrics) {
	t.Helper()
	ctrl := gomock.NewController(t)
	runtime := mocks.NewMockRuntime(ctrl)
	metrics := browser.NewMetrics(prometheus.NewRegistry())
	pool := browser.NewPool(runtime, browser.WithMetrics(metrics))
	cfg := browser.DefaultSessionConfig()
	cfg.SessionID = sessionID
	return ctrl, runtime, browser.NewToolkit(pool, cfg), metrics
}

func expectStarted(ctrl *gomock.Controller, runtime *mocks.MockRuntime, id string) *mocks.MockConnection {
	conn := newConnectedMock(ctrl, id)
	runtime.EXPECT().NewConnection(gomock.Any()).Return(conn, nil)
	conn.EXPECT().Start(gomock.Any()).Return(nil)
	return conn
}

func TestToolkit_CommandReturnsResult(t *testing.T) {
	ctrl, runtime, tk, metrics := newToolkit(t, "s1")
	conn := expectStarted(ctrl, runtime, "conn-1")
	conn.EXPECT().Send(gomock.Any(), "ping", gomock.Any()).Return(json.RawMessage(`{"pong":true}`), nil)

	result, err := tk.Command(context.Background(), "ping", map[string]any{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":true}`, string(result))
	assert.Equal(t, int64(1), metrics.Snapshot().CommandCount)
}

func TestToolkit_ReResolvesConnectionEveryCall(t *testing.T) {
	ctrl, runtime, tk, _ := newToolkit(t, "s1")
	conn := expectStarted(ctrl, runtime, "conn-1")
	conn.EXPECT().Healthy(gomock.Any()).Return(true).Times(2)
	conn.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).Return(json.RawMessage(`{}`), nil).Times(3)

	for range 3 {
		_, err := tk.Back(context.Background())
		require.NoError(t, err)
	}
}

func TestToolkit_ErrorsAreStructured(t *testing.T) {
	ctrl, runtime, tk, metrics := newToolkit(t, "s1")
	conn := expectStarted(ctrl, runtime, "conn-1")
	conn.EXPECT().Send(gomock.Any(), browser.CommandClick, gomock.Any()).
		Return(nil, fmt.Errorf("%w: click after 60s", browser.ErrCommandTimeout))

	_, err := tk.Click(context.Background(), "e12")
	require.Error(t, err)

	structured, ok := bperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, bperrors.ErrCodeCommandTimeout, structured.Code)
	assert.True(t, structured.Retryable)
	assert.Equal(t, "s1", structured.Context["session_id"])
	assert.Equal(t, browser.CommandClick, structured.Context["command"])
	assert.Contains(t, structured.Reason(), "click after 60s")
	assert.NotEmpty(t, structured.UserMessage)
	assert.NotEmpty(t, structured.Remediation)
	assert.ErrorIs(t, err, browser.ErrCommandTimeout)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.CommandFailures)
	assert.Equal(t, int64(1), snap.CommandTimeouts)
}

func TestToolkit_WorkerErrorIsNotRetryable(t *testing.T) {
	ctrl, runtime, tk, _ := newToolkit(t, "s1")
	conn := expectStarted(ctrl, runtime, "conn-1")
	conn.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, browser.NewWorkerError(browser.CommandVisitPage, "net::ERR_NAME_NOT_RESOLVED"))

	_, err := tk.VisitPage(context.Background(), "https://nope.invalid")
	require.Error(t, err)
	assert.True(t, bperrors.IsCode(err, bperrors.ErrCodeCommandFailed))
	assert.False(t, bperrors.IsRetryable(err))
	assert.Contains(t, err.Error(), "ERR_NAME_NOT_RESOLVED")
}

func TestToolkit_StartFailureSurfacesCode(t *testing.T) {
	ctrl, runtime, tk, _ := newToolkit(t, "s1")
	conn := newConnectedMock(ctrl, "conn-1")
	runtime.EXPECT().NewConnection(gomock.Any()).Return(conn, nil)
	conn.EXPECT().Start(gomock.Any()).
		Return(fmt.Errorf("%w: exited before ready: Error: Cannot find module 'ws'", browser.ErrWorkerStartup))

	_, err := tk.Open(context.Background())
	require.Error(t, err)
	assert.True(t, bperrors.IsCode(err, bperrors.ErrCodeWorkerStartup))
	assert.Contains(t, err.Error(), "Cannot find module 'ws'")
}

func TestToolkit_RecreatesDegradedConnection(t *testing.T) {
	ctrl, runtime, tk, _ := newToolkit(t, "s1")
	degraded := mocks.NewMockConnection(ctrl)
	degraded.EXPECT().ID().Return("conn-degraded").AnyTimes()
	degraded.EXPECT().State().Return(browser.StateDegraded).AnyTimes()
	fresh := newConnectedMock(ctrl, "conn-fresh")

	gomock.InOrder(
		runtime.EXPECT().NewConnection(gomock.Any()).Return(degraded, nil),
		runtime.EXPECT().NewConnection(gomock.Any()).Return(fresh, nil),
	)
	degraded.EXPECT().Start(gomock.Any()).Return(nil)
	degraded.EXPECT().Close().Return(nil)
	fresh.EXPECT().Start(gomock.Any()).Return(nil)
	fresh.EXPECT().Send(gomock.Any(), browser.CommandOpenBrowser, gomock.Any()).Return(json.RawMessage(`{}`), nil)

	_, err := tk.Open(context.Background())
	require.NoError(t, err)
}

func TestToolkit_CloseWithoutUseOnlyReleases(t *testing.T) {
	_, _, tk, _ := newToolkit(t, "s1")

	// No connection was ever resolved, so no close_browser is sent and no
	// worker is started just to close it.
	require.NoError(t, tk.Close(context.Background()))
}

func TestToolkit_CloseSendsCloseBrowserThenReleases(t *testing.T) {
	ctrl, runtime, tk, _ := newToolkit(t, "s1")
	conn := expectStarted(ctrl, runtime, "conn-1")
	conn.EXPECT().Healthy(gomock.Any()).Return(true)
	gomock.InOrder(
		conn.EXPECT().Send(gomock.Any(), browser.CommandOpenBrowser, gomock.Any()).Return(json.RawMessage(`{}`), nil),
		conn.EXPECT().Send(gomock.Any(), browser.CommandCloseBrowser, gomock.Any()).Return(nil, browser.ErrDisconnected),
		conn.EXPECT().Close().Return(nil),
	)

	_, err := tk.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, tk.Close(context.Background()), "close_browser failures are logged only")
}

func TestToolkit_CloneDerivesSiblingSession(t *testing.T) {
	_, _, tk, _ := newToolkit(t, "s1")

	clone := tk.Clone("")
	assert.Len(t, clone.SessionID(), 8)
	assert.NotEqual(t, tk.SessionID(), clone.SessionID())
	assert.Equal(t, "tmp/_clone_"+clone.SessionID()+"/", clone.Config().CacheDir)

	named := tk.Clone("sib")
	assert.Equal(t, "sib", named.SessionID())
	assert.Equal(t, "tmp/_clone_sib/", named.Config().CacheDir)
	assert.Equal(t, tk.Config().DefaultStartURL, named.Config().DefaultStartURL)
}

func TestToolkit_ConfigKeepsSessionCacheDir(t *testing.T) {
	tk := browser.NewToolkit(nil, browser.SessionConfig{SessionID: "s1", CacheDir: "tmp/", EnabledTools: []string{"click"}})

	cfg := tk.Config()
	assert.Equal(t, "s1", cfg.SessionID)
	assert.Equal(t, "tmp/", cfg.CacheDir)
	assert.Equal(t, "tmp/", tk.Config().CacheDir, "repeated reads are stable")

	cfg.EnabledTools[0] = "changed"
	assert.Equal(t, []string{"click"}, tk.Config().EnabledTools)

	sibling := tk.Clone("sib")
	assert.Equal(t, "tmp/_clone_sib/", sibling.Config().CacheDir)
	assert.Equal(t, "tmp/_clone_sib/", sibling.Config().CacheDir)
}

func TestToolkit_WaitUserBoundsCallByTimeout(t *testing.T) {
	ctrl, runtime, tk, _ := newToolkit(t, "s1")
	conn := expectStarted(ctrl, runtime, "conn-1")
	conn.EXPECT().Healthy(gomock.Any()).Return(true).AnyTimes()

	var deadlines []time.Duration
	conn.EXPECT().Send(gomock.Any(), browser.CommandWaitUser, gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ string, _ any) (json.RawMessage, error) {
			if deadline, ok := ctx.Deadline(); ok {
				deadlines = append(deadlines, time.Until(deadline))
			} else {
				deadlines = append(deadlines, 0)
			}
			return json.RawMessage(`{}`), nil
		}).Times(3)

	_, err := tk.WaitUser(context.Background(), 2*time.Minute)
	require.NoError(t, err)
	_, err = tk.WaitUser(context.Background(), 0)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = tk.WaitUser(ctx, 2*time.Minute)
	require.NoError(t, err)

	require.Len(t, deadlines, 3)
	assert.Greater(t, deadlines[0], 2*time.Minute, "long waits outlive the default command timeout")
	assert.Zero(t, deadlines[1], "zero timeout leaves the connection default in charge")
	assert.LessOrEqual(t, deadlines[2], 10*time.Second, "caller deadlines are kept")
}

func TestToolkit_TypedOperationParams(t *testing.T) {
	ctrl, runtime, tk, _ := newToolkit(t, "s1")
	conn := expectStarted(ctrl, runtime, "conn-1")
	conn.EXPECT().Healthy(gomock.Any()).Return(true).AnyTimes()

	sent := map[string]any{}
	conn.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, command string, params any) (json.RawMessage, error) {
			sent[command] = params
			return json.RawMessage(`{}`), nil
		}).AnyTimes()

	ctx := context.Background()
	_, err := tk.Scroll(ctx, "down", 0)
	require.NoError(t, err)
	_, err = tk.Type(ctx, "e3", "hello")
	require.NoError(t, err)
	_, err = tk.WaitUser(ctx, 90*time.Second)
	require.NoError(t, err)
	_, err = tk.SOMScreenshot(ctx, true, "")
	require.NoError(t, err)
	_, err = tk.SwitchTab(ctx, "tab-2")
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"direction": "down", "amount": browser.DefaultScrollAmount}, sent[browser.CommandScroll])
	assert.Equal(t, map[string]any{"ref": "e3", "text": "hello"}, sent[browser.CommandType])
	assert.Equal(t, map[string]any{"timeout": float64(90)}, sent[browser.CommandWaitUser])
	assert.Equal(t, map[string]any{"read_image": true}, sent[browser.CommandSOMScreenshot])
	assert.Equal(t, map[string]any{"tab_id": "tab-2"}, sent[browser.CommandSwitchTab])
}

func TestToolkit_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	ctrl, runtime, tk, _ := newToolkit(t, "traced")
	conn := expectStarted(ctrl, runtime, "conn-1")
	conn.EXPECT().Send(gomock.Any(), browser.CommandTabInfo, gomock.Any()).Return(nil, browser.ErrDisconnected)

	_, err := tk.TabInfo(context.Background())
	require.Error(t, err)

	spans := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range recorder.Ended() {
		spans[s.Name()] = s
	}
	require.Contains(t, spans, "browser.connection.start")
	assert.Equal(t, codes.Unset, spans["browser.connection.start"].Status().Code)

	require.Contains(t, spans, "browser.command")
	span := spans["browser.command"]
	assert.Equal(t, spans["browser.connection.start"].Parent().SpanID(), span.SpanContext().SpanID())
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, "DISCONNECTED", span.Status().Description)

	attrs := map[string]string{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "traced", attrs["browser.session.id"])
	assert.Equal(t, browser.CommandTabInfo, attrs["browser.command"])
	assert.Equal(t, "conn-1", attrs["browser.connection.id"])
	assert.Equal(t, "DISCONNECTED", attrs["browser.error.code"])
}
