package service_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dohuyhoang93/DirectorySync/internal/command"
	"github.com/dohuyhoang93/DirectorySync/internal/model"
	"github.com/dohuyhoang93/DirectorySync/internal/report"
	"github.com/dohuyhoang93/DirectorySync/internal/service"

	"github.com/stretchr/testify/require"
)

// blocker is a process which runs until it is terminated.
type blocker struct {
	once       sync.Once
	done       chan struct{}
	terminated atomic.Bool
}

func newBlocker() *blocker {
	return &blocker{done: make(chan struct{})}
}

func (b *blocker) Terminate(context.Context) {
	b.terminated.Store(true)
	b.once.Do(func() { close(b.done) })
}

// fakeExec simulates job runs by the job source: "block" registers a
// blocker and waits for its termination, "panic" panics, anything else
// succeeds at once.
type fakeExec struct {
	active    atomic.Int32
	maxActive atomic.Int32
	runs      atomic.Int32
	mx        sync.Mutex
	blockers  []*blocker
}

func (f *fakeExec) RunOne(ctx context.Context, reg service.Registry, job model.Job, slot string) (bool, string) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	f.runs.Add(1)

	switch job.Source {
	case "panic":
		panic("boom")
	case "block":
		b := newBlocker()
		f.mx.Lock()
		f.blockers = append(f.blockers, b)
		f.mx.Unlock()
		if err := reg.Register(slot, b); err != nil {
			return false, err.Error()
		}
		defer reg.Release(slot, b)
		<-b.done
		return false, "terminated"
	}
	return true, ""
}

func (f *fakeExec) blocker(i int) *blocker {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.blockers[i]
}

func newScheduler(t *testing.T, exec service.Executor) (*service.Scheduler, *report.Subscription) {
	t.Helper()
	reporter := report.New()
	t.Cleanup(reporter.Close)
	sub := reporter.Subscribe(1024)
	s := service.NewScheduler(exec, reporter, service.WithBackoff(20*time.Millisecond))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, s.Shutdown(ctx))
	})
	return s, sub
}

func hasSlot(s *service.Scheduler, slot string) func() bool {
	return func() bool {
		for _, x := range s.Snapshot().Slots {
			if x == slot || strings.HasPrefix(x, slot) {
				return true
			}
		}
		return false
	}
}

func job(src string) model.Job {
	return model.Job{Source: src, Destination: src + "-dst", Tool: model.ToolMirror, Mode: model.ModeMirror, Enabled: true}
}

func TestSchedulerCycleOrder(t *testing.T) {
	t.Parallel()
	shell(t)
	reporter := report.New()
	t.Cleanup(reporter.Close)
	sub := reporter.Subscribe(1024)
	jr := service.NewJobRunner(service.NewRunner(), command.Builder{MirrorPath: mirrorTool}, reporter)
	s := service.NewScheduler(jr, reporter)

	jobs := []model.Job{job("one"), job("fail"), job("three"), {Source: "off", Destination: "x", Tool: model.ToolMirror}}
	require.NoError(t, s.Start(t.Context(), jobs, time.Hour))
	events := await(t, sub, logText("sync cycle completed, next cycle in 1h0m0s"))
	s.Stop()
	s.Wait()
	require.False(t, s.IsRunning())

	type seen struct {
		src    string
		status model.Status
	}
	var got []seen
	for _, ev := range events {
		switch ev := ev.(type) {
		case report.StatusEvent:
			got = append(got, seen{ev.Job.Source, ev.Status})
		case report.ErrorEvent:
			got = append(got, seen{"error", ""})
		}
	}
	require.Equal(t, []seen{
		{"one", model.StatusSyncing},
		{"one", model.StatusCompleted},
		{"fail", model.StatusSyncing},
		{"fail", model.StatusFailed},
		{"error", ""},
		{"three", model.StatusSyncing},
		{"three", model.StatusCompleted},
	}, got)

	await(t, sub, logText("sync manager stopped"))
}

func TestSchedulerStartTwice(t *testing.T) {
	t.Parallel()
	var exec fakeExec
	s, _ := newScheduler(t, &exec)

	jobs := []model.Job{job("a"), job("b")}
	require.NoError(t, s.Start(t.Context(), jobs, 5*time.Millisecond))
	require.ErrorIs(t, s.Start(t.Context(), jobs, 5*time.Millisecond), service.ErrAlreadyRunning)
	require.ErrorIs(t, s.Start(t.Context(), jobs, time.Hour), service.ErrAlreadyRunning)

	require.Eventually(t, func() bool { return exec.runs.Load() >= 10 }, 5*time.Second, time.Millisecond)
	require.Equal(t, int32(1), exec.maxActive.Load())

	s.Stop()
	s.Wait()
	require.False(t, s.IsRunning())

	// restart after stop
	require.NoError(t, s.Start(t.Context(), jobs, time.Hour))
	require.True(t, s.IsRunning())
}

func TestSchedulerStopTerminates(t *testing.T) {
	t.Parallel()
	var exec fakeExec
	s, sub := newScheduler(t, &exec)

	require.NoError(t, s.Start(t.Context(), []model.Job{job("block"), job("after")}, time.Hour))
	require.Eventually(t, hasSlot(s, service.CycleSlot), 2*time.Second, time.Millisecond)
	require.Len(t, s.Snapshot().Jobs, 2)

	s.Stop()
	require.Eventually(t, func() bool { return !s.IsRunning() }, 2*time.Second, time.Millisecond)
	require.True(t, exec.blocker(0).terminated.Load())
	require.Equal(t, int32(1), exec.runs.Load(), "no job starts after stop")
	require.Empty(t, s.Snapshot().Slots)
	await(t, sub, logText("sync manager stopped"))

	// the cycle state is reset
	st := s.Snapshot()
	require.Empty(t, st.Jobs)
	require.Zero(t, st.Interval)

	// no-op
	s.Stop()
	require.False(t, s.IsRunning())
}

func TestSchedulerStopDuringSleep(t *testing.T) {
	t.Parallel()
	var exec fakeExec
	s, sub := newScheduler(t, &exec)

	require.NoError(t, s.Start(t.Context(), []model.Job{job("a")}, time.Hour))
	await(t, sub, logText("sync cycle completed, next cycle in 1h0m0s"))
	start := time.Now()
	s.Stop()
	s.Wait()
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestSchedulerRunSingle(t *testing.T) {
	t.Parallel()
	var exec fakeExec
	s, _ := newScheduler(t, &exec)

	t.Run("stopped", func(t *testing.T) {
		require.True(t, <-s.RunSingle(t.Context(), job("x")))
		require.False(t, s.IsRunning())
	})

	t.Run("while cycle runs", func(t *testing.T) {
		require.NoError(t, s.Start(t.Context(), []model.Job{job("block")}, time.Hour))
		require.Eventually(t, hasSlot(s, service.CycleSlot), 2*time.Second, time.Millisecond)

		require.True(t, <-s.RunSingle(t.Context(), job("y")))
		require.True(t, s.IsRunning())
		require.False(t, exec.blocker(0).terminated.Load())
		require.True(t, hasSlot(s, service.CycleSlot)())

		s.Stop()
		s.Wait()
	})

	t.Run("own slot", func(t *testing.T) {
		ret := s.RunSingle(t.Context(), job("block"))
		require.Eventually(t, hasSlot(s, service.AdhocPrefix), 2*time.Second, time.Millisecond)
		// stop targets the cycle only
		s.Stop()
		require.False(t, exec.blocker(1).terminated.Load())
		ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
		defer cancel()
		require.NoError(t, s.Shutdown(ctx))
		require.False(t, <-ret)
		require.True(t, exec.blocker(1).terminated.Load())
	})
}

func TestSchedulerShutdownAdhoc(t *testing.T) {
	t.Parallel()
	shell(t)

	// a cargo which blocks in every project it cleans
	tools := t.TempDir()
	cargo := filepath.Join(tools, "cargo")
	require.NoError(t, os.WriteFile(cargo, []byte("#!/bin/sh\ntouch \"$(dirname \"$3\")/started\"\nsleep 30\n"), 0o755))
	src := t.TempDir()
	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, os.MkdirAll(filepath.Join(src, p), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(src, p, "Cargo.toml"), nil, 0o644))
	}

	reporter := report.New()
	t.Cleanup(reporter.Close)
	sub := reporter.Subscribe(1024)
	jr := service.NewJobRunner(service.NewRunner(), command.Builder{MirrorPath: mirrorTool, CargoPath: cargo}, reporter)
	s := service.NewScheduler(jr, reporter)

	j := job(src)
	j.Mirror = &model.MirrorOptions{CleanRust: true}
	// the daemon detaches ad-hoc runs from the request
	ret := s.RunSingle(context.WithoutCancel(t.Context()), j)
	require.Eventually(t, hasSlot(s, service.AdhocPrefix), 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		started, _ := filepath.Glob(filepath.Join(src, "*", "started"))
		return len(started) == 1
	}, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, s.Shutdown(ctx))
	require.Less(t, time.Since(start), 3*time.Second)
	require.False(t, <-ret)
	require.Empty(t, s.Snapshot().Slots)

	started, err := filepath.Glob(filepath.Join(src, "*", "started"))
	require.NoError(t, err)
	require.Len(t, started, 1, "no cargo clean starts after shutdown")
	for _, ev := range drain(sub) {
		if l, ok := ev.(report.LogEvent); ok {
			require.False(t, strings.HasPrefix(l.Text, "executing: "), "mirror tool started after shutdown")
		}
	}
}

func TestSchedulerLoopFault(t *testing.T) {
	t.Parallel()
	var exec fakeExec
	s, sub := newScheduler(t, &exec)

	require.NoError(t, s.Start(t.Context(), []model.Job{job("panic")}, time.Hour))
	for range 2 {
		events := await(t, sub, func(ev report.Event) bool {
			_, ok := ev.(report.ErrorEvent)
			return ok
		})
		require.Contains(t, events[len(events)-1].(report.ErrorEvent).Text, "sync cycle fault: boom")
	}
	require.True(t, s.IsRunning())

	s.Stop()
	s.Wait()
}

func TestSchedulerDefaults(t *testing.T) {
	t.Parallel()
	var exec fakeExec
	s, sub := newScheduler(t, &exec)

	require.NoError(t, s.Start(t.Context(), []model.Job{job("a"), {Source: "b", Destination: "c"}}, 0))
	events := await(t, sub, func(ev report.Event) bool {
		l, ok := ev.(report.LogEvent)
		return ok && l.Severity == report.Warning
	})
	require.Contains(t, events[len(events)-1].(report.LogEvent).Text, "invalid interval")

	st := s.Snapshot()
	require.True(t, st.Running)
	require.Equal(t, model.DefaultInterval, st.Interval)
	require.Equal(t, []model.Key{{Source: "a", Destination: "a-dst"}}, st.Jobs)
}

func TestSchedulerContextCancel(t *testing.T) {
	t.Parallel()
	var exec fakeExec
	s, _ := newScheduler(t, &exec)

	ctx, cancel := context.WithCancel(t.Context())
	require.NoError(t, s.Start(ctx, []model.Job{job("block")}, time.Hour))
	require.Eventually(t, hasSlot(s, service.CycleSlot), 2*time.Second, time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return !s.IsRunning() }, 2*time.Second, time.Millisecond)
	require.True(t, exec.blocker(0).terminated.Load())
}

func TestSchedulerNoJobs(t *testing.T) {
	t.Parallel()
	var exec fakeExec
	s, _ := newScheduler(t, &exec)

	require.ErrorIs(t, s.Start(t.Context(), nil, time.Hour), service.ErrNoJobs)
	require.ErrorIs(t, s.Start(t.Context(), []model.Job{{Source: "a", Destination: "b"}}, time.Hour), service.ErrNoJobs)
	require.False(t, s.IsRunning())
}
