package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/dohuyhoang93/DirectorySync/internal/command"
	"github.com/dohuyhoang93/DirectorySync/internal/log"
	"github.com/dohuyhoang93/DirectorySync/internal/model"
	"github.com/dohuyhoang93/DirectorySync/internal/report"
	"github.com/dohuyhoang93/DirectorySync/internal/walk"
)

var ErrSlotBusy = errors.New("slot busy")

// MirrorFailureCode is the lowest robocopy exit code signaling a failure,
// codes below it report what was copied.
const MirrorFailureCode = 8

// maxAuxLog caps how much of the tail of a tool log ends in a diagnostic.
const maxAuxLog = 64 << 10

// Handle is a live process which can be killed.
type Handle interface {
	Terminate(ctx context.Context)
}

// Registry tracks the live process of each execution slot, so a stop
// request knows what to kill.
type Registry interface {
	Register(slot string, h Handle) error
	Release(slot string, h Handle)
}

// Executor runs one job to completion.
type Executor interface {
	RunOne(ctx context.Context, reg Registry, job model.Job, slot string) (bool, string)
}

// JobRunner runs a single job end to end and reports every transition.
type JobRunner struct {
	runner   *Runner
	builder  command.Builder
	reporter *report.Reporter
}

func NewJobRunner(runner *Runner, builder command.Builder, reporter *report.Reporter) *JobRunner {
	return &JobRunner{
		runner:   runner,
		builder:  builder,
		reporter: reporter,
	}
}

// RunOne returns true when the tool reported success, otherwise false and
// a diagnostic. Failures are reported, never returned as errors.
func (r *JobRunner) RunOne(ctx context.Context, reg Registry, job model.Job, slot string) (bool, string) {
	key := job.Key()
	ctx = log.ContextAttrs(ctx,
		slog.String("job", key.String()),
		slog.String("slot", slot),
	)

	r.reporter.Status(ctx, key, model.StatusSyncing, "")
	r.reporter.Log(ctx, report.Info, "syncing "+key.String())

	cmd, err := r.builder.Build(job)
	if err != nil {
		return r.fail(ctx, key, "command generation failed: "+err.Error())
	}

	if job.Tool == model.ToolMirror && job.MirrorOptions().CleanRust {
		r.cleanRust(ctx, reg, slot, job.Source)
	}

	if ctx.Err() != nil {
		return r.fail(ctx, key, "sync canceled")
	}

	r.reporter.Log(ctx, report.Info, "executing: "+cmd.String())
	res := r.execute(ctx, reg, slot, cmd)

	if ok, diag := classify(cmd, res); !ok {
		return r.fail(ctx, key, diag)
	}

	r.reporter.Status(ctx, key, model.StatusCompleted, "")
	r.reporter.Log(ctx, report.Success, "completed "+key.String())
	return true, ""
}

func (r *JobRunner) fail(ctx context.Context, key model.Key, diag string) (bool, string) {
	r.reporter.Log(ctx, report.Error, "failed "+key.String()+": "+diag)
	r.reporter.Status(ctx, key, model.StatusFailed, diag)
	r.reporter.Error(ctx, "sync of "+key.String()+" failed: "+diag)
	return false, diag
}

// execute runs cmd with its handle registered in slot. The scratch log of
// the tool is read into the result and removed.
func (r *JobRunner) execute(ctx context.Context, reg Registry, slot string, cmd command.Command) Result {
	if cmd.LogFile != "" {
		defer func() {
			if err := os.Remove(cmd.LogFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				slog.WarnContext(ctx, "removing tool log failed", "path", cmd.LogFile, "error", err)
			}
		}()
	}

	proc, err := r.runner.Start(ctx, cmd, r.forward)
	if err != nil {
		return Result{Path: cmd.Path, Args: cmd.Args, ExitCode: -1, Err: err}
	}

	if err := reg.Register(slot, proc); err != nil {
		proc.Terminate(ctx)
		res := proc.Wait()
		res.Err = err
		return res
	}
	defer reg.Release(slot, proc)

	res := proc.Wait()
	if cmd.LogFile != "" {
		aux, err := tail(cmd.LogFile, maxAuxLog)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.WarnContext(ctx, "reading tool log failed", "path", cmd.LogFile, "error", err)
		}
		res.AuxLog = aux
	}
	return res
}

// cleanRust runs cargo clean in every Cargo project below source. Failures
// are reported as warnings and do not stop the sync.
func (r *JobRunner) cleanRust(ctx context.Context, reg Registry, slot, source string) {
	for dir, err := range walk.Dirs(ctx, os.DirFS(source), source, command.CargoManifest, walk.DefaultSkip) {
		if err != nil {
			r.reporter.Log(ctx, report.Warning, "scanning for rust projects: "+err.Error())
			continue
		}
		if ctx.Err() != nil {
			return
		}
		cmd := r.builder.CargoClean(dir)
		r.reporter.Log(ctx, report.Info, "cleaning rust project "+dir)
		res := r.execute(ctx, reg, slot, cmd)
		switch {
		case res.Err != nil:
			r.reporter.Log(ctx, report.Warning, "cargo clean failed: "+res.Err.Error())
		case res.ExitCode != 0:
			r.reporter.Log(ctx, report.Warning, "cargo clean exited with code "+strconv.Itoa(res.ExitCode))
		}
	}
}

func (r *JobRunner) forward(ctx context.Context, stream Stream, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	sev := report.Info
	if stream == Stderr {
		sev = report.Warning
	}
	r.reporter.Log(ctx, sev, line)
}

// classify applies the exit code convention of the tool.
func classify(cmd command.Command, res Result) (bool, string) {
	switch {
	case res.Err != nil:
		return false, res.Err.Error()
	case res.Terminated:
		return false, "terminated"
	case res.ExitCode < 0:
		return false, "exited abnormally"
	}

	var b strings.Builder
	switch cmd.Tool {
	case model.ToolMirror:
		if res.ExitCode < MirrorFailureCode {
			return true, ""
		}
		fmt.Fprintf(&b, "%s exited with code %d", cmd.Tool, res.ExitCode)
		section(&b, "stderr", res.Stderr)
	default:
		if res.ExitCode == 0 {
			return true, ""
		}
		fmt.Fprintf(&b, "%s exited with code %d", cmd.Tool, res.ExitCode)
		section(&b, "log", res.AuxLog)
		section(&b, "stderr", res.Stderr)
	}
	return false, b.String()
}

func section(b *strings.Builder, name, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	b.WriteString("\n" + name + ":\n" + text)
}

// tail returns at most limit trailing bytes of a file.
func tail(path string, limit int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if off := info.Size() - limit; off > 0 {
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			return "", err
		}
	}
	b, err := io.ReadAll(io.LimitReader(f, limit))
	return string(b), err
}
