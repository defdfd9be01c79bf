// AngelaMos | 2026
// sweeper.go

package sweeper

import (
	"context"
	"log/slog"
	"time"
)

// Task removes expired rows from one retention domain and reports how
// many it deleted.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// Sweeper periodically runs its tasks until the context is cancelled.
// One missed run is not fatal; the next tick retries.
type Sweeper struct {
	interval time.Duration
	timeout  time.Duration
	tasks    []Task
	logger   *slog.Logger
}

func New(
	interval time.Duration,
	logger *slog.Logger,
	tasks ...Task,
) *Sweeper {
	return &Sweeper{
		interval: interval,
		timeout:  interval / 2,
		tasks:    tasks,
		logger:   logger.With("component", "sweeper"),
	}
}

// Start blocks until ctx is cancelled. Callers run it in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started",
		"interval", s.interval.String(),
		"tasks", len(s.tasks),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	for _, task := range s.tasks {
		taskCtx, cancel := context.WithTimeout(ctx, s.timeout)
		deleted, err := task.Run(taskCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("sweep task failed",
				"task", task.Name,
				"error", err,
			)
			continue
		}

		if deleted > 0 {
			s.logger.Info("sweep task completed",
				"task", task.Name,
				"deleted", deleted,
			)
		}
	}
}
