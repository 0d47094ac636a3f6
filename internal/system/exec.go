package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	DefaultCommandTimeout = 30 * time.Second
	DefaultMaxOutput      = 10 << 20

	// pipeGrace bounds how long output pipes may stay open after the
	// process is gone or killed.
	pipeGrace = 500 * time.Millisecond
)

// Command is one external program invocation. Args are passed as argv, never
// through a shell.
type Command struct {
	Name    string
	Args    []string
	Timeout time.Duration
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

type ExecResult struct {
	Stdout string
	Stderr string
}

// Runner is the part of the executor the port engine depends on.
type Runner interface {
	Execute(ctx context.Context, cmd Command) (ExecResult, error)
	ExecuteElevated(ctx context.Context, cmd Command) (ExecResult, error)
}

type ExecConfig struct {
	Timeout   time.Duration
	MaxOutput int64
}

type Executor struct {
	cfg ExecConfig

	lookPath func(string) (string, error)
	euid     func() int
}

func NewExecutor(cfg ExecConfig) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCommandTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	return &Executor{
		cfg:      cfg,
		lookPath: exec.LookPath,
		euid:     os.Geteuid,
	}
}

// CommandExists reports whether name resolves to an executable.
func (e *Executor) CommandExists(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	_, err := e.lookPath(name)
	return err == nil
}

// HasElevatedPrivileges checks the effective uid on every call.
func (e *Executor) HasElevatedPrivileges() bool {
	return e.euid() == 0
}

func (e *Executor) ExecuteElevated(ctx context.Context, cmd Command) (ExecResult, error) {
	if !e.HasElevatedPrivileges() {
		return ExecResult{}, &PermissionError{Command: cmd.String()}
	}
	return e.Execute(ctx, cmd)
}

func (e *Executor) Execute(ctx context.Context, cmd Command) (ExecResult, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	// Only the command timeout stops a started command; the caller's
	// cancellation and deadline are not inherited.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	stdout := &capWriter{limit: e.cfg.MaxOutput, onOverflow: cancel}
	stderr := &capWriter{limit: e.cfg.MaxOutput, onOverflow: cancel}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Stdout = stdout
	c.Stderr = stderr
	c.WaitDelay = pipeGrace
	killProcessGroup(c)
	err := c.Run()

	res := ExecResult{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	if err == nil || (errors.Is(err, exec.ErrWaitDelay) && ctx.Err() == nil) {
		// A clean exit whose detached children still held the pipes.
		return res, nil
	}

	xerr := &ExecutionError{Command: cmd.String(), ExitCode: -1, Stderr: res.Stderr}
	var exitErr *exec.ExitError
	switch {
	case stdout.overflowed() || stderr.overflowed():
		xerr.Err = fmt.Errorf("%w (%d bytes)", ErrOutputLimit, e.cfg.MaxOutput)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		xerr.Err = fmt.Errorf("timed out after %s", timeout)
	case errors.As(err, &exitErr):
		xerr.ExitCode = exitErr.ExitCode()
		xerr.Err = err
	default:
		xerr.Err = err
	}
	return res, xerr
}

// capWriter buffers up to limit bytes and fires onOverflow once past it.
type capWriter struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int64
	over       bool
	onOverflow func()
}

func (w *capWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.over {
		return len(p), nil
	}
	room := w.limit - int64(w.buf.Len())
	if int64(len(p)) > room {
		if room > 0 {
			w.buf.Write(p[:room])
		}
		w.over = true
		if w.onOverflow != nil {
			w.onOverflow()
		}
		return len(p), nil
	}
	return w.buf.Write(p)
}

func (w *capWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *capWriter) overflowed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.over
}
