// Package report carries log lines, job status transitions and error notices
// from the sync engine to its observers. Producers never block: every
// subscriber owns a bounded queue which drops its oldest event when full.
package report

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dohuyhoang93/DirectorySync/internal/model"
)

// Severity of a log line.
type Severity string

const (
	Info    Severity = "INFO"
	Success Severity = "SUCCESS"
	Warning Severity = "WARNING"
	Error   Severity = "ERROR"
)

// DefaultBuffer is the queue size of a subscriber created with size <= 0.
const DefaultBuffer = 256

// Event is implemented by LogEvent, StatusEvent and ErrorEvent.
type Event interface {
	isEvent()
	At() time.Time
}

// LogEvent is a line for the log view.
type LogEvent struct {
	Time     time.Time
	Severity Severity
	Text     string
}

// StatusEvent is a job status transition. Diagnostic is set on failure.
type StatusEvent struct {
	Time       time.Time
	Job        model.Key
	Status     model.Status
	Diagnostic string
}

// ErrorEvent is a standalone notice meant for a dialog.
type ErrorEvent struct {
	Time time.Time
	Text string
}

func (LogEvent) isEvent()    {}
func (StatusEvent) isEvent() {}
func (ErrorEvent) isEvent()  {}

func (e LogEvent) At() time.Time    { return e.Time }
func (e StatusEvent) At() time.Time { return e.Time }
func (e ErrorEvent) At() time.Time  { return e.Time }

// Reporter fans events out to subscribers. The zero value is not usable, use New.
type Reporter struct {
	mx     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
	now    func() time.Time
}

func New() *Reporter {
	return &Reporter{
		subs: make(map[*Subscription]struct{}),
		now:  time.Now,
	}
}

// Log publishes a log line.
func (r *Reporter) Log(ctx context.Context, severity Severity, text string) {
	r.publish(ctx, LogEvent{Time: r.now(), Severity: severity, Text: text})
}

// Status publishes a status transition of the job identified by key.
func (r *Reporter) Status(ctx context.Context, key model.Key, status model.Status, diagnostic string) {
	r.publish(ctx, StatusEvent{Time: r.now(), Job: key, Status: status, Diagnostic: diagnostic})
}

// Error publishes an error notice.
func (r *Reporter) Error(ctx context.Context, text string) {
	r.publish(ctx, ErrorEvent{Time: r.now(), Text: text})
}

// Subscribe registers a new observer with a queue of size events.
func (r *Reporter) Subscribe(size int) *Subscription {
	if size <= 0 {
		size = DefaultBuffer
	}
	s := &Subscription{
		r:  r,
		ch: make(chan Event, size),
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	if r.closed {
		close(s.ch)
		return s
	}
	r.subs[s] = struct{}{}
	return s
}

// Close ends every subscription. Events published afterwards are discarded.
func (r *Reporter) Close() {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for s := range r.subs {
		close(s.ch)
		delete(r.subs, s)
	}
}

func (r *Reporter) publish(ctx context.Context, ev Event) {
	slog.DebugContext(ctx, "report", "event", ev)

	// publishing under the lock keeps the per-producer order in every queue
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.closed {
		return
	}
	for s := range r.subs {
		s.push(ev)
	}
}

// Subscription is a single observer's view of the event stream.
type Subscription struct {
	r       *Reporter
	ch      chan Event
	dropped uint64 // guarded by r.mx
}

// C returns the event channel. It is closed by Unsubscribe or Reporter.Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the consumer lagged.
func (s *Subscription) Dropped() uint64 {
	s.r.mx.Lock()
	defer s.r.mx.Unlock()
	return s.dropped
}

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.r.mx.Lock()
	defer s.r.mx.Unlock()
	if _, ok := s.r.subs[s]; !ok {
		return
	}
	delete(s.r.subs, s)
	close(s.ch)
}

// push must be called with r.mx held.
func (s *Subscription) push(ev Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}
