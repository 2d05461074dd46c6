package history_test

import (
	"testing"
	"time"

	"github.com/dohuyhoang93/DirectorySync/internal/history"
	"github.com/dohuyhoang93/DirectorySync/internal/model"
	"github.com/dohuyhoang93/DirectorySync/internal/report"

	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *history.Store {
	t.Helper()
	s, err := history.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func status(at time.Time, key model.Key, st model.Status, diag string) report.StatusEvent {
	return report.StatusEvent{Time: at, Job: key, Status: st, Diagnostic: diag}
}

func TestRecord(t *testing.T) {
	t.Parallel()
	s := open(t)
	ctx := t.Context()
	a := model.Key{Source: "a", Destination: "b"}
	c := model.Key{Source: "c", Destination: "d"}
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	events := []report.Event{
		status(t0, a, model.StatusSyncing, ""),
		report.LogEvent{Time: t0, Severity: report.Info, Text: "ignored"},
		status(t0.Add(time.Second), a, model.StatusCompleted, ""),
		status(t0.Add(2*time.Second), c, model.StatusSyncing, ""),
		status(t0.Add(3*time.Second), c, model.StatusFailed, "exit code 8"),
		status(t0.Add(4*time.Second), a, model.StatusSyncing, ""),
		report.ErrorEvent{Time: t0, Text: "ignored"},
	}
	for _, ev := range events {
		require.NoError(t, s.Record(ctx, ev))
	}

	runs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	require.Equal(t, a, runs[0].Key())
	require.Equal(t, model.StatusSyncing, runs[0].Status)
	require.Nil(t, runs[0].FinishedAt)
	require.Zero(t, runs[0].Duration())

	require.Equal(t, c, runs[1].Key())
	require.Equal(t, model.StatusFailed, runs[1].Status)
	require.Equal(t, "exit code 8", runs[1].Diagnostic)
	require.Equal(t, time.Second, runs[1].Duration())

	require.Equal(t, model.StatusCompleted, runs[2].Status)

	runs, err = s.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.Equal(t, a, latest[0].Key())
	require.Equal(t, model.StatusSyncing, latest[0].Status)
	require.Equal(t, c, latest[1].Key())
}

func TestRecordOverlapping(t *testing.T) {
	t.Parallel()
	s := open(t)
	ctx := t.Context()
	a := model.Key{Source: "a", Destination: "b"}
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	// a cycle run and an ad-hoc run of the same job
	require.NoError(t, s.Record(ctx, status(t0, a, model.StatusSyncing, "")))
	require.NoError(t, s.Record(ctx, status(t0.Add(time.Second), a, model.StatusSyncing, "")))
	require.NoError(t, s.Record(ctx, status(t0.Add(2*time.Second), a, model.StatusCompleted, "")))
	require.NoError(t, s.Record(ctx, status(t0.Add(3*time.Second), a, model.StatusFailed, "terminated")))
	// finish without a start
	require.NoError(t, s.Record(ctx, status(t0.Add(4*time.Second), a, model.StatusFailed, "orphan")))

	runs, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	require.Equal(t, "orphan", runs[0].Diagnostic)
	require.Zero(t, runs[0].Duration())
	require.Equal(t, "terminated", runs[1].Diagnostic)
	require.Equal(t, 2*time.Second, runs[1].Duration())
	require.Equal(t, model.StatusCompleted, runs[2].Status)
	require.Equal(t, 2*time.Second, runs[2].Duration())
}

func TestFollow(t *testing.T) {
	t.Parallel()
	s := open(t)
	r := report.New()
	sub := r.Subscribe(0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Follow(t.Context(), sub)
	}()

	key := model.Key{Source: "x", Destination: "y"}
	r.Status(t.Context(), key, model.StatusSyncing, "")
	r.Status(t.Context(), key, model.StatusCompleted, "")
	r.Close()
	<-done

	runs, err := s.Recent(t.Context(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, model.StatusCompleted, runs[0].Status)
}
