package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dohuyhoang93/DirectorySync/internal/command"
)

var ErrLaunch = errors.New("launching process")

// DefaultWaitDelay bounds how long Wait keeps reading the output pipes after
// the process was killed, a grandchild may still hold them open.
const DefaultWaitDelay = time.Second

// Stream names an output stream of a process.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// LineFunc receives the output of a process line by line, while it runs.
type LineFunc func(ctx context.Context, stream Stream, line string)

// Terminator prepares a command to run in its own process group and kills
// the whole tree of a process. Implementations are platform specific.
type Terminator interface {
	Prepare(cmd *exec.Cmd)
	// Kill returns os.ErrProcessDone when there is nothing left to kill.
	Kill(pid int) error
}

// Runner launches external commands. It keeps no state between runs, so one
// Runner serves any number of concurrent processes.
type Runner struct {
	terminator Terminator
	waitDelay  time.Duration
}

func NewRunner() *Runner {
	return NewRunnerWith(newPlatformTerminator())
}

// NewRunnerWith uses a custom Terminator.
func NewRunnerWith(t Terminator) *Runner {
	return &Runner{
		terminator: t,
		waitDelay:  DefaultWaitDelay,
	}
}

// Result of a finished process.
type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	// ExitCode is -1 when the process did not exit on its own.
	ExitCode   int
	Stdout     string
	Stderr     string
	Terminated bool
	// AuxLog is the content of the log file the tool was told to write.
	AuxLog string
	// Err is set when the process could not be launched or waited for.
	// A non zero exit code alone is not an error.
	Err error
}

// Process is a handle of a started command.
type Process struct {
	runner     *Runner
	cmd        *exec.Cmd
	ctx        context.Context
	stdout     *lineWriter
	stderr     *lineWriter
	started    time.Time
	terminated atomic.Bool
	done       atomic.Bool
	once       sync.Once
	result     Result
}

// Start launches the command in a new process group. When ctx is canceled
// the whole group is killed. fn may be nil.
func (r *Runner) Start(ctx context.Context, proto command.Command, fn LineFunc) (*Process, error) {
	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	r.terminator.Prepare(cmd)
	cmd.Cancel = func() error {
		return r.terminator.Kill(cmd.Process.Pid)
	}
	cmd.WaitDelay = r.waitDelay

	p := &Process{
		runner: r,
		cmd:    cmd,
		ctx:    ctx,
		stdout: &lineWriter{ctx: ctx, stream: Stdout, fn: fn},
		stderr: &lineWriter{ctx: ctx, stream: Stderr, fn: fn},
	}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr

	p.started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrLaunch, proto.Path, err)
	}
	slog.DebugContext(ctx, "process started", "path", proto.Path, "pid", cmd.Process.Pid)
	return p, nil
}

// Run starts the command and waits for it.
func (r *Runner) Run(ctx context.Context, proto command.Command, fn LineFunc) Result {
	p, err := r.Start(ctx, proto, fn)
	if err != nil {
		now := time.Now().UTC()
		return Result{
			Path:     proto.Path,
			Args:     proto.Args,
			Started:  now,
			Stopped:  now,
			ExitCode: -1,
			Err:      err,
		}
	}
	return p.Wait()
}

// Pid returns the process id, which is the id of its process group too.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Wait blocks until the process exits and its output is collected.
// It is safe to call more than once.
func (p *Process) Wait() Result {
	p.once.Do(func() {
		err := p.cmd.Wait()
		p.done.Store(true)
		p.stdout.flush()
		p.stderr.flush()

		state := p.cmd.ProcessState
		// a kill which came after the process exited on its own does not count
		exited := state != nil && exitedItself(state)
		res := Result{
			Path:       p.cmd.Path,
			Args:       p.cmd.Args[1:],
			Started:    p.started,
			Stopped:    time.Now().UTC(),
			ExitCode:   -1,
			Stdout:     p.stdout.String(),
			Stderr:     p.stderr.String(),
			Terminated: !exited && (p.terminated.Load() || p.ctx.Err() != nil),
		}
		if state != nil {
			res.ExitCode = state.ExitCode()
		}

		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
		case exited && p.ctx.Err() != nil && errors.Is(err, p.ctx.Err()):
		case errors.Is(err, exec.ErrWaitDelay):
			slog.WarnContext(p.ctx, "output pipes still open after exit", "pid", p.Pid())
		default:
			res.Err = err
		}
		p.result = res
		slog.DebugContext(p.ctx, "process stopped",
			"pid", p.Pid(),
			"exit_code", res.ExitCode,
			"duration", res.Stopped.Sub(res.Started).String())
	})
	return p.result
}

// Terminate kills the process and all its children. It never fails: a
// process which has already exited is ignored and other errors are logged.
func (p *Process) Terminate(ctx context.Context) {
	if p.done.Load() {
		return
	}
	p.terminated.Store(true)
	err := p.runner.terminator.Kill(p.Pid())
	switch {
	case err == nil:
		slog.InfoContext(ctx, "process terminated", "pid", p.Pid())
	case errors.Is(err, os.ErrProcessDone):
		slog.DebugContext(ctx, "process already exited", "pid", p.Pid())
	default:
		slog.WarnContext(ctx, "terminating process failed", "pid", p.Pid(), "error", err)
	}
}

// lineWriter keeps everything written and hands complete lines to fn.
// exec.Cmd writes to it from a single goroutine.
type lineWriter struct {
	ctx     context.Context
	stream  Stream
	fn      LineFunc
	mx      sync.Mutex
	all     bytes.Buffer
	partial []byte
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.all.Write(b)
	if w.fn == nil {
		return len(b), nil
	}
	w.partial = append(w.partial, b...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.partial[:i]), "\r")
		w.partial = w.partial[i+1:]
		w.fn(w.ctx, w.stream, line)
	}
	return len(b), nil
}

func (w *lineWriter) flush() {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.fn != nil && len(w.partial) > 0 {
		w.fn(w.ctx, w.stream, strings.TrimRight(string(w.partial), "\r"))
	}
	w.partial = nil
}

func (w *lineWriter) String() string {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.all.String()
}
