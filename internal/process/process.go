package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/tierd/internal/errs"
	"github.com/loykin/tierd/internal/logger"
	"github.com/loykin/tierd/internal/registry"
)

// reapTimeout bounds how long Stop waits for the exit to be observed after SIGKILL.
const reapTimeout = 2 * time.Second

// sendSignal delivers signals to a child's process group.
var sendSignal = signalGroup

// Options configures a Launcher.
type Options struct {
	Interpreters registry.Interpreters
	Log          logger.Config
	Logger       *slog.Logger
	// WaitDelay bounds how long Wait keeps copying output after the child exits,
	// in case grandchildren still hold the pipes.
	WaitDelay time.Duration
}

// Launcher spawns service processes.
type Launcher struct {
	opts Options
}

func NewLauncher(opts Options) *Launcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = time.Second
	}
	return &Launcher{opts: opts}
}

// Launch starts the service described by d with environment env.
// Child stdout and stderr are forwarded line by line to the logger, tagged with the service id.
// Any failure to spawn is returned as a LaunchError.
func (l *Launcher) Launch(d registry.ServiceDescriptor, env []string) (*Process, error) {
	if err := checkScript(d); err != nil {
		return nil, errs.New(errs.KindLaunch, d.ID, "script not found", err)
	}
	cmd, err := d.BuildCommand(l.opts.Interpreters)
	if err != nil {
		return nil, errs.New(errs.KindLaunch, d.ID, "build command", err)
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)
	cmd.WaitDelay = l.opts.WaitDelay

	var teeOut, teeErr io.WriteCloser
	if l.opts.Log.TeeFiles {
		teeOut, teeErr, err = l.opts.Log.ProcessWriters(d.ID)
		if err != nil {
			l.opts.Logger.Warn("child log files unavailable", "service", d.ID, "err", err)
		}
	}
	log := l.opts.Logger.With("service", d.ID)
	stdout := logger.NewLineWriter(log.With("stream", "stdout"), slog.LevelInfo, teeOut)
	stderr := logger.NewLineWriter(log.With("stream", "stderr"), slog.LevelWarn, teeErr)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, errs.New(errs.KindLaunch, d.ID, "start", err)
	}
	p := &Process{
		service:   d.ID,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		closers:   []io.Closer{stdout, stderr},
	}
	go p.wait()
	return p, nil
}

// checkScript verifies that interpreted scripts exist before spawning an interpreter for them.
func checkScript(d registry.ServiceDescriptor) error {
	if d.Kind != registry.KindPython && d.Kind != registry.KindNode {
		return nil
	}
	path := d.Command
	if !filepath.IsAbs(path) && d.WorkDir != "" {
		path = filepath.Join(d.WorkDir, path)
	}
	_, err := os.Stat(path)
	return err
}

// Process is one spawned child. Exactly one goroutine waits on it; Done is
// closed once the exit has been observed.
type Process struct {
	service   string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}
	closers   []io.Closer

	mu       sync.Mutex
	exitErr  error
	exitedAt time.Time
	stopping bool // true when Stop has been requested; the exit is expected
}

func (p *Process) PID() int             { return p.pid }
func (p *Process) Service() string      { return p.service }
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed when the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the error from Wait; nil for a zero exit status. Valid after Done.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// StopRequested reports whether Stop was called, making the exit expected.
func (p *Process) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// Alive reports whether the process has not yet been reaped.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return processExists(p.pid)
	}
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	for _, c := range p.closers {
		_ = c.Close()
	}
	p.mu.Lock()
	p.exitErr = err
	p.exitedAt = time.Now()
	p.mu.Unlock()
	close(p.done)
}

// Stop sends SIGTERM to the process group and waits up to grace for the exit.
// When grace elapses or ctx is cancelled first, or SIGTERM cannot be delivered,
// the group is killed. forced reports whether SIGKILL was needed.
func (p *Process) Stop(ctx context.Context, grace time.Duration) (forced bool, err error) {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	select {
	case <-p.done:
		return false, nil
	default:
	}
	if serr := sendSignal(p.pid, syscall.SIGTERM); serr != nil {
		if kerr := p.Kill(); kerr != nil {
			return true, errors.Join(fmt.Errorf("signal %d: %w", p.pid, serr), kerr)
		}
		return true, nil
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
		return false, nil
	case <-t.C:
	case <-ctx.Done():
	}
	return true, p.Kill()
}

// Kill sends SIGKILL to the process group and waits briefly for the exit to be reaped.
func (p *Process) Kill() error {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
	if err := sendSignal(p.pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill %d: %w", p.pid, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(reapTimeout):
		return errors.New("process did not exit after kill")
	}
}
