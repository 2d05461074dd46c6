package report_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dohuyhoang93/DirectorySync/internal/model"
	"github.com/dohuyhoang93/DirectorySync/internal/report"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func drain(sub *report.Subscription) []report.Event {
	var ret []report.Event
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return ret
			}
			ret = append(ret, ev)
		default:
			return ret
		}
	}
}

func TestReporterOrder(t *testing.T) {
	t.Parallel()
	r := report.New()
	t.Cleanup(r.Close)
	sub := r.Subscribe(16)

	key := model.Key{Source: "a", Destination: "b"}
	ctx := t.Context()
	r.Status(ctx, key, model.StatusSyncing, "")
	r.Log(ctx, report.Info, "executing")
	r.Status(ctx, key, model.StatusFailed, "exit code 8")
	r.Error(ctx, "a -> b failed")

	events := drain(sub)
	require.Len(t, events, 4)
	require.Equal(t, model.StatusSyncing, events[0].(report.StatusEvent).Status)
	require.Equal(t, "executing", events[1].(report.LogEvent).Text)
	require.Equal(t, "exit code 8", events[2].(report.StatusEvent).Diagnostic)
	require.Equal(t, key, events[2].(report.StatusEvent).Job)
	require.Equal(t, "a -> b failed", events[3].(report.ErrorEvent).Text)
}

func TestReporterDropOldest(t *testing.T) {
	t.Parallel()
	r := report.New()
	t.Cleanup(r.Close)
	sub := r.Subscribe(3)

	for i := range 10 {
		r.Log(t.Context(), report.Info, fmt.Sprint(i))
	}

	events := drain(sub)
	require.Len(t, events, 3)
	require.Equal(t, "7", events[0].(report.LogEvent).Text)
	require.Equal(t, "9", events[2].(report.LogEvent).Text)
	require.EqualValues(t, 7, sub.Dropped())
}

func TestReporterNoConsumerDoesNotBlock(t *testing.T) {
	t.Parallel()
	r := report.New()
	t.Cleanup(r.Close)
	_ = r.Subscribe(1)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			for range 1000 {
				r.Log(t.Context(), report.Warning, "spam")
			}
		})
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producers blocked on an absent consumer")
	}
}

func TestReporterClose(t *testing.T) {
	t.Parallel()
	r := report.New()
	sub := r.Subscribe(1)
	other := r.Subscribe(1)
	other.Unsubscribe()
	other.Unsubscribe()

	r.Close()
	r.Close()
	r.Log(t.Context(), report.Info, "after close")

	_, ok := <-sub.C()
	require.False(t, ok)
	_, ok = <-other.C()
	require.False(t, ok)

	late := r.Subscribe(1)
	_, ok = <-late.C()
	require.False(t, ok)
}

func TestEnvelope(t *testing.T) {
	t.Parallel()
	now := time.Now()
	events := []report.Event{
		report.LogEvent{Time: now, Severity: report.Success, Text: "done"},
		report.StatusEvent{Time: now, Job: model.Key{Source: "s", Destination: "d"}, Status: model.StatusFailed, Diagnostic: "boom"},
		report.ErrorEvent{Time: now, Text: "boom"},
	}
	for _, ev := range events {
		got, err := report.Wrap(ev).Unwrap()
		require.NoError(t, err)
		require.Equal(t, ev, got)
	}

	_, err := report.Envelope{Type: "nope"}.Unwrap()
	require.Error(t, err)
}
