package resource

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopGrace = 5 * time.Second

// Runner spawns and supervises one configured program. The process runs in
// its own process group so shells and their children are signalled
// together.
type Runner struct {
	program string
	args    []string
	dir     string
	grace   time.Duration
	log     *logrus.Entry

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}
}

// NewRunner prepares a runner; nothing is started until Start.
func NewRunner(program string, args []string, dir string, log *logrus.Entry) *Runner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runner{
		program: program,
		args:    append([]string(nil), args...),
		dir:     dir,
		grace:   DefaultStopGrace,
		log:     log.WithField("program", program),
	}
}

// SetStopGrace overrides DefaultStopGrace.
func (r *Runner) SetStopGrace(d time.Duration) {
	r.mu.Lock()
	r.grace = d
	r.mu.Unlock()
}

func (r *Runner) String() string {
	return strings.TrimSpace(r.program + " " + strings.Join(r.args, " "))
}

// Start spawns the program with a piped stdin. Output lines are forwarded
// to the logger at debug level.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aliveLocked() {
		return nil
	}

	r.log.WithField("args", r.args).Debug("Starting command")
	cmd := exec.Command(r.program, r.args...)
	cmd.Dir = r.dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe for %s: %w", r.program, err)
	}
	stdout := r.log.WriterLevel(logrus.DebugLevel)
	stderr := r.log.WriterLevel(logrus.WarnLevel)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return fmt.Errorf("failed to start %s: %w", r.program, err)
	}

	done := make(chan struct{})
	r.cmd = cmd
	r.stdin = stdin
	r.done = done
	go func() {
		err := cmd.Wait()
		_ = stdout.Close()
		_ = stderr.Close()
		entry := r.log.WithField("pid", cmd.Process.Pid)
		if err != nil {
			entry.WithError(err).Info("Command exited")
		} else {
			entry.Debug("Command exited")
		}
		close(done)
	}()
	return nil
}

// IsRunning reports whether the last started process has not exited yet.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aliveLocked()
}

func (r *Runner) aliveLocked() bool {
	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Stop terminates the process group gracefully, escalates to SIGKILL after
// the grace period and waits for the exit.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.aliveLocked() {
		r.cmd, r.stdin, r.done = nil, nil, nil
		return nil
	}

	pid := r.cmd.Process.Pid
	_ = r.stdin.Close()
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return fmt.Errorf("failed to terminate %s (pid %d): %w", r.program, pid, err)
	}
	select {
	case <-r.done:
	case <-time.After(r.grace):
		r.log.WithField("pid", pid).Warn("Command ignored SIGTERM, killing")
		if err := unix.Kill(-pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			return fmt.Errorf("failed to kill %s (pid %d): %w", r.program, pid, err)
		}
		<-r.done
	}
	r.cmd, r.stdin, r.done = nil, nil, nil
	return nil
}

// Run executes the program to completion. A non-zero exit status is
// returned as an *exec.ExitError.
func (r *Runner) Run(ctx context.Context) error {
	r.log.WithField("args", r.args).Debug("Running command")
	cmd := exec.CommandContext(ctx, r.program, r.args...)
	cmd.Dir = r.dir
	return cmd.Run()
}
