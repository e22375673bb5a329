package wsworker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/odvcencio/browserpool/pkg/browser"
	"github.com/odvcencio/browserpool/pkg/observability"
)

const maxStderrBytes = 64 << 10

// launcher produces a ready worker for a new connection.
type launcher interface {
	start(ctx context.Context) (workerProcess, error)
}

// workerProcess is the part of a Worker a connection depends on.
type workerProcess interface {
	Port() int
	Alive() bool
	Stderr() string
	Terminate(grace time.Duration) error
}

// Supervisor builds and launches automation workers.
type Supervisor struct {
	cfg     Config
	logger  *observability.Logger
	limiter *rate.Limiter

	buildMu sync.Mutex
	built   bool
}

// NewSupervisor creates a supervisor for cfg. cfg is expected to be validated.
func NewSupervisor(cfg Config, logger *observability.Logger) *Supervisor {
	if logger == nil {
		logger = observability.Nop()
	}
	s := &Supervisor{cfg: cfg, logger: logger.Named("supervisor")}
	if cfg.LaunchRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.LaunchRate), cfg.LaunchBurst)
	}
	return s
}

func (s *Supervisor) start(ctx context.Context) (workerProcess, error) {
	if err := s.EnsureBuilt(ctx); err != nil {
		return nil, err
	}
	w, err := s.Launch(ctx)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// EnsureBuilt installs dependencies when the build artifact is missing and
// runs the build command. A successful build is not repeated for the
// lifetime of the supervisor.
func (s *Supervisor) EnsureBuilt(ctx context.Context) error {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	if s.built {
		return nil
	}

	artifact := filepath.Join(s.cfg.WorkerDir, s.cfg.BuildArtifact)
	if _, err := os.Stat(artifact); errors.Is(err, os.ErrNotExist) && len(s.cfg.InstallCommand) > 0 {
		s.logger.Warn("build artifact missing, installing dependencies", slog.String("artifact", artifact))
		if err := s.runStep(ctx, "install", s.cfg.InstallCommand); err != nil {
			return err
		}
		s.logger.Info("dependencies installed")
	}
	if len(s.cfg.BuildCommand) > 0 {
		if err := s.runStep(ctx, "build", s.cfg.BuildCommand); err != nil {
			return err
		}
		s.logger.Info("worker build completed")
	}
	s.built = true
	return nil
}

func (s *Supervisor) runStep(ctx context.Context, step string, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = s.cfg.WorkerDir
	cmd.Env = s.environ()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		s.logger.Error("worker "+step+" failed", slog.String("error", err.Error()), slog.String("stderr", detail))
		return fmt.Errorf("%w: %s %q: %v: %s", browser.ErrBuildFailure, step, strings.Join(argv, " "), err, detail)
	}
	if warnings := strings.TrimSpace(stderr.String()); warnings != "" {
		s.logger.Warn("worker "+step+" warnings", slog.String("stderr", warnings))
	}
	return nil
}

// Launch starts the worker and waits for it to announce its port on stdout.
func (s *Supervisor) Launch(ctx context.Context) (*Worker, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: launch throttled: %v", browser.ErrWorkerStartup, err)
		}
	}

	argv := s.cfg.LaunchCommand
	// The worker outlives the launching request, so it is not bound to ctx.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.cfg.WorkerDir
	cmd.Env = s.environ()
	cmd.WaitDelay = s.cfg.StopTimeout

	w := &Worker{
		cmd:    cmd,
		stderr: &tailBuffer{limit: maxStderrBytes},
		ready:  make(chan int, 1),
		done:   make(chan struct{}),
	}
	cmd.Stdout = &lineWriter{onLine: w.stdoutLine(s.logger)}
	cmd.Stderr = w.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", browser.ErrWorkerStartup, err)
	}
	go func() {
		w.exitErr = cmd.Wait()
		close(w.done)
	}()

	timer := time.NewTimer(s.cfg.ReadyTimeout)
	defer timer.Stop()

	select {
	case port := <-w.ready:
		w.port = port
		s.logger.Info("worker ready", slog.Int("port", port), slog.Int("pid", w.PID()))
		return w, nil
	case <-w.done:
		// Wait returns only after stdout has been fully copied, so a
		// sentinel printed right before exit is already in ready.
		select {
		case port := <-w.ready:
			w.port = port
			return w, nil
		default:
		}
		return nil, fmt.Errorf("%w: exited before ready (%v): %s", browser.ErrWorkerStartup, w.exitErr, w.Stderr())
	case <-timer.C:
		_ = w.kill()
		return nil, fmt.Errorf("%w: no %s line within %s", browser.ErrWorkerStartupTimeout, strings.TrimSuffix(readySentinel, ":"), s.cfg.ReadyTimeout)
	case <-ctx.Done():
		_ = w.kill()
		return nil, fmt.Errorf("%w: %v", browser.ErrWorkerStartup, ctx.Err())
	}
}

func (s *Supervisor) environ() []string {
	if len(s.cfg.Env) == 0 {
		return nil
	}
	return append(os.Environ(), s.cfg.Env...)
}

// Worker is a launched automation worker process.
type Worker struct {
	cmd     *exec.Cmd
	port    int
	stderr  *tailBuffer
	ready   chan int
	done    chan struct{}
	exitErr error

	readyOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
}

// Port returns the port announced by the worker.
func (w *Worker) Port() int { return w.port }

// PID returns the worker's process id.
func (w *Worker) PID() int {
	if w.cmd == nil || w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// Alive reports whether the worker process is still running.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Done is closed once the worker has exited and been reaped.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Stderr returns the tail of the worker's standard error.
func (w *Worker) Stderr() string {
	return strings.TrimSpace(w.stderr.String())
}

// Terminate asks the worker to stop, killing it if it is still running
// after grace. It is safe to call more than once.
func (w *Worker) Terminate(grace time.Duration) error {
	w.stopOnce.Do(func() {
		if !w.Alive() {
			return
		}
		if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			w.stopErr = w.kill()
			return
		}
		select {
		case <-w.done:
			return
		case <-time.After(grace):
		}
		w.stopErr = w.kill()
	})
	return w.stopErr
}

func (w *Worker) kill() error {
	if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker: %w", err)
	}
	select {
	case <-w.done:
	case <-time.After(w.cmd.WaitDelay + time.Second):
	}
	return nil
}

func (w *Worker) stdoutLine(logger *observability.Logger) func(string) {
	return func(line string) {
		logger.Debug("worker output", slog.String("line", line))
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), readySentinel)
		if !ok {
			return
		}
		port, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil || port <= 0 || port > 65535 {
			logger.Warn("ignoring unparseable ready line", slog.String("line", line))
			return
		}
		w.readyOnce.Do(func() { w.ready <- port })
	}
}

// lineWriter splits a byte stream into lines.
type lineWriter struct {
	mu     sync.Mutex
	buf    []byte
	onLine func(string)
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.buf = append(lw.buf, p...)
	for {
		i := bytes.IndexByte(lw.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(lw.buf[:i]), "\r")
		lw.buf = lw.buf[i+1:]
		lw.onLine(line)
	}
	if len(lw.buf) > maxStderrBytes {
		lw.buf = lw.buf[:0]
	}
	return len(p), nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; b.limit > 0 && over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
