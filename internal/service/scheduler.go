package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dohuyhoang93/DirectorySync/internal/model"
	"github.com/dohuyhoang93/DirectorySync/internal/report"
)

var (
	ErrAlreadyRunning = errors.New("sync already running")
	ErrNoJobs         = errors.New("no enabled jobs to sync")
)

const (
	// CycleSlot holds the process of the job the cycle is running.
	CycleSlot = "cycle"
	// AdhocPrefix starts the slot name of an ad-hoc run.
	AdhocPrefix = "adhoc:"
	// DefaultBackoff is the pause after a fault of the cycle loop.
	DefaultBackoff = 5 * time.Second
)

// Scheduler runs the job set repeatedly with a pause between cycles, and
// single jobs on request. It is the only owner of the running state and of
// the live process handles.
type Scheduler struct {
	exec     Executor
	reporter *report.Reporter
	backoff  time.Duration

	mx       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	jobs     []model.Job
	interval time.Duration
	slots    map[string]Handle
	done     chan struct{}
	// adhocs cancels the ad-hoc runs by slot
	adhocs   map[string]context.CancelFunc

	adhoc sync.WaitGroup
}

type SchedulerOption func(*Scheduler)

// WithBackoff sets the pause after a fault of the cycle loop.
func WithBackoff(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.backoff = d
	}
}

func NewScheduler(exec Executor, reporter *report.Reporter, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		exec:     exec,
		reporter: reporter,
		backoff:  DefaultBackoff,
		slots:    make(map[string]Handle),
		adhocs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State is a point in time view of the scheduler.
type State struct {
	Running  bool          `json:"running"`
	Interval time.Duration `json:"interval"`
	Jobs     []model.Key   `json:"jobs"`
	Slots    []string      `json:"slots"`
}

// Start snapshots the enabled jobs and spawns the cycle loop. The loop runs
// until Stop is called or ctx is canceled.
func (s *Scheduler) Start(ctx context.Context, jobs []model.Job, interval time.Duration) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	if s.running {
		s.reporter.Log(ctx, report.Warning, "sync is already running")
		return ErrAlreadyRunning
	}
	if interval <= 0 {
		s.reporter.Log(ctx, report.Warning, fmt.Sprintf("invalid interval %s: using %s", interval, model.DefaultInterval))
		interval = model.DefaultInterval
	}

	enabled := model.Enabled(jobs)
	if len(enabled) == 0 {
		s.reporter.Log(ctx, report.Warning, ErrNoJobs.Error())
		return ErrNoJobs
	}

	s.jobs = enabled
	s.interval = interval
	s.running = true
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(jobs []model.Job, done chan struct{}) {
		defer close(done)
		stop := context.AfterFunc(ctx, s.Stop)
		defer stop()
		s.loop(loopCtx, jobs, interval)
	}(s.jobs, s.done)

	s.reporter.Log(ctx, report.Info, fmt.Sprintf("sync started: %d jobs, interval %s", len(s.jobs), interval))
	return nil
}

// Stop cancels the cycle and kills its live process. It does not wait for
// the loop to exit, use Wait for that. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mx.Lock()
	if !s.running || s.cancel == nil {
		s.mx.Unlock()
		return
	}
	s.cancel()
	s.cancel = nil
	h := s.slots[CycleSlot]
	s.mx.Unlock()

	ctx := context.Background()
	s.reporter.Log(ctx, report.Info, "stopping sync")
	if h != nil {
		h.Terminate(ctx)
	}
}

// IsRunning reports whether a cycle loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.running
}

// Wait blocks until the cycle loop exits. It returns at once when the
// scheduler was never started.
func (s *Scheduler) Wait() {
	s.mx.Lock()
	done := s.done
	s.mx.Unlock()
	if done != nil {
		<-done
	}
}

// RunSingle runs one job out of band in its own slot. It neither touches the
// running state nor waits for the cycle. The returned channel receives the
// outcome once. The run ends with ctx or with Shutdown.
func (s *Scheduler) RunSingle(ctx context.Context, job model.Job) <-chan bool {
	slot := AdhocPrefix + uuid.NewString()
	job = job.Clone()
	ret := make(chan bool, 1)

	ctx, cancel := context.WithCancel(ctx)
	s.mx.Lock()
	s.adhocs[slot] = cancel
	s.mx.Unlock()

	s.adhoc.Go(func() {
		defer close(ret)
		defer func() {
			s.mx.Lock()
			delete(s.adhocs, slot)
			s.mx.Unlock()
			cancel()
		}()
		defer func() {
			if r := recover(); r != nil {
				s.fault(ctx, fmt.Sprintf("ad-hoc sync of %s: %v", job.Key(), r))
				ret <- false
			}
		}()
		ok, _ := s.exec.RunOne(ctx, s, job, slot)
		ret <- ok
	})
	return ret
}

// Shutdown stops the cycle, cancels the ad-hoc runs so they start no further
// process, kills every live process and waits for all runs to return or ctx
// to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.Stop()

	s.mx.Lock()
	cancels := slices.Collect(maps.Values(s.adhocs))
	handles := slices.Collect(maps.Values(s.slots))
	s.mx.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	for _, h := range handles {
		h.Terminate(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.Wait()
		s.adhoc.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current state.
func (s *Scheduler) Snapshot() State {
	s.mx.Lock()
	defer s.mx.Unlock()
	st := State{
		Running:  s.running,
		Interval: s.interval,
		Slots:    slices.Sorted(maps.Keys(s.slots)),
	}
	for _, j := range s.jobs {
		st.Jobs = append(st.Jobs, j.Key())
	}
	return st
}

// Register implements Registry.
func (s *Scheduler) Register(slot string, h Handle) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.slots[slot]; ok {
		return fmt.Errorf("%w: %s", ErrSlotBusy, slot)
	}
	s.slots[slot] = h
	return nil
}

// Release implements Registry. A slot is cleared only by its own handle.
func (s *Scheduler) Release(slot string, h Handle) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.slots[slot] == h {
		delete(s.slots, slot)
	}
}

func (s *Scheduler) loop(ctx context.Context, jobs []model.Job, interval time.Duration) {
	defer func() {
		s.mx.Lock()
		s.running = false
		s.cancel = nil
		s.jobs = nil
		s.interval = 0
		s.mx.Unlock()
		s.reporter.Log(context.WithoutCancel(ctx), report.Info, "sync manager stopped")
	}()

	for ctx.Err() == nil {
		s.reporter.Log(ctx, report.Info, "starting sync cycle")
		if err := s.cycle(ctx, jobs); err != nil {
			s.fault(ctx, err.Error())
			if !sleep(ctx, s.backoff) {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
		s.reporter.Log(ctx, report.Info, "sync cycle completed, next cycle in "+interval.String())
		if !sleep(ctx, interval) {
			return
		}
	}
}

// cycle runs the jobs in order, a panic is turned into an error.
func (s *Scheduler) cycle(ctx context.Context, jobs []model.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync cycle fault: %v", r)
		}
	}()
	for _, job := range jobs {
		if ctx.Err() != nil {
			return nil
		}
		s.exec.RunOne(ctx, s, job, CycleSlot)
	}
	return nil
}

func (s *Scheduler) fault(ctx context.Context, text string) {
	slog.ErrorContext(ctx, "loop fault", "error", text)
	ctx = context.WithoutCancel(ctx)
	s.reporter.Log(ctx, report.Error, text)
	s.reporter.Error(ctx, text)
}

// sleep returns false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
