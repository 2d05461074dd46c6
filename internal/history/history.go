// Package history keeps the outcome of every job run for the lifetime of the
// daemon. Runs are recorded from the status events of a report.Reporter.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dohuyhoang93/DirectorySync/internal/model"
	"github.com/dohuyhoang93/DirectorySync/internal/report"
)

// Memory is the DSN of a private in-memory database.
const Memory = "file::memory:"

// Run is one execution of a job.
type Run struct {
	gorm.Model
	Source      string       `gorm:"not null;index:idx_run_pair"`
	Destination string       `gorm:"not null;index:idx_run_pair"`
	Status      model.Status `gorm:"not null"`
	Diagnostic  string
	StartedAt   time.Time `gorm:"not null"`
	FinishedAt  *time.Time
}

func (r Run) Key() model.Key {
	return model.Key{Source: r.Source, Destination: r.Destination}
}

// Duration of a finished run, zero while it is running.
func (r Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

type Store struct {
	db *gorm.DB
	mx sync.Mutex
	// open runs per job, oldest first. An ad-hoc run may overlap a cycle
	// run of the same job.
	open map[model.Key][]uint
}

// Open opens the store at dsn, an empty dsn means Memory.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = Memory
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	// every connection to :memory: is a database of its own
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Run{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return &Store{
		db:   db,
		open: make(map[model.Key][]uint),
	}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record stores a status event. Syncing opens a run, Completed and Failed
// finish the oldest open run of the job. Other events are ignored.
func (s *Store) Record(ctx context.Context, ev report.Event) error {
	st, ok := ev.(report.StatusEvent)
	if !ok {
		return nil
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	db := s.db.WithContext(ctx)

	switch st.Status {
	case model.StatusSyncing:
		run := Run{
			Source:      st.Job.Source,
			Destination: st.Job.Destination,
			Status:      st.Status,
			StartedAt:   st.Time,
		}
		if err := db.Create(&run).Error; err != nil {
			return fmt.Errorf("recording run of %s: %w", st.Job, err)
		}
		s.open[st.Job] = append(s.open[st.Job], run.ID)
		return nil
	case model.StatusCompleted, model.StatusFailed:
		finished := st.Time
		ids := s.open[st.Job]
		if len(ids) == 0 {
			run := Run{
				Source:      st.Job.Source,
				Destination: st.Job.Destination,
				Status:      st.Status,
				Diagnostic:  st.Diagnostic,
				StartedAt:   finished,
				FinishedAt:  &finished,
			}
			return db.Create(&run).Error
		}
		id := ids[0]
		if len(ids) == 1 {
			delete(s.open, st.Job)
		} else {
			s.open[st.Job] = ids[1:]
		}
		err := db.Model(&Run{}).Where("id = ?", id).Updates(map[string]any{
			"status":      st.Status,
			"diagnostic":  st.Diagnostic,
			"finished_at": finished,
		}).Error
		if err != nil {
			return fmt.Errorf("finishing run of %s: %w", st.Job, err)
		}
		return nil
	default:
		return nil
	}
}

// Follow records the events of sub until ctx ends or sub is closed.
func (s *Store) Follow(ctx context.Context, sub *report.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := s.Record(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
				slog.WarnContext(ctx, "recording history failed", "error", err)
			}
		}
	}
}

// Recent returns the last n runs, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Run, error) {
	if n <= 0 {
		n = 20
	}
	var runs []Run
	err := s.db.WithContext(ctx).Order("id DESC").Limit(n).Find(&runs).Error
	return runs, err
}

// Latest returns the last run of every job ordered by source and destination.
func (s *Store) Latest(ctx context.Context) ([]Run, error) {
	last := s.db.WithContext(ctx).Model(&Run{}).Select("MAX(id)").Group("source, destination")
	var runs []Run
	err := s.db.WithContext(ctx).Where("id IN (?)", last).Order("source, destination").Find(&runs).Error
	return runs, err
}
