// Package scheduler submits periodic pipeline tasks.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/queue"
	"github.com/log-zero/sentinel/internal/tasks"
)

// Entry submits Task with Args every Every.
type Entry struct {
	Task  string
	Args  any
	Every time.Duration
}

// Beat returns the default schedule: pattern analysis over windowHours and
// retention cleanup.
func Beat(patternEvery time.Duration, windowHours int, cleanupEvery time.Duration) []Entry {
	return []Entry{
		{Task: tasks.TaskDetectPatterns, Args: tasks.PatternArgs{TimeWindowHours: windowHours}, Every: patternEvery},
		{Task: tasks.TaskCleanupResults, Args: tasks.CleanupArgs{}, Every: cleanupEvery},
	}
}

// Scheduler runs a fixed set of entries.
type Scheduler struct {
	submitter queue.Submitter
	entries   []Entry
	logger    *zap.Logger
}

// New creates a Scheduler. Entries with a non-positive period are ignored.
func New(submitter queue.Submitter, entries []Entry, logger *zap.Logger) *Scheduler {
	active := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Every > 0 {
			active = append(active, e)
		}
	}
	return &Scheduler{submitter: submitter, entries: active, logger: logger}
}

// Run blocks until ctx is cancelled. The first submission of each entry
// happens one period after start.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, e := range s.entries {
		wg.Add(1)
		go func(e Entry) {
			defer wg.Done()
			s.loop(ctx, e)
		}(e)
	}
	s.logger.Info("Scheduler started", zap.Int("entries", len(s.entries)))
	wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, e Entry) {
	ticker := time.NewTicker(e.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			taskID, err := s.submitter.Submit(ctx, e.Task, e.Args)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("Scheduled submit failed", zap.String("task", e.Task), zap.Error(err))
				}
				continue
			}
			s.logger.Debug("Scheduled task submitted", zap.String("task", e.Task), zap.String("task_id", taskID))
		}
	}
}
