package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

// ExpireSessionsArgs is the periodic sweep job.
type ExpireSessionsArgs struct {
	Limit int `json:"limit"`
}

func (ExpireSessionsArgs) Kind() string { return "expire_checkout_sessions" }

// Sweeper is the part of Manager the sweep job needs.
type Sweeper interface {
	ExpireStale(ctx context.Context, now time.Time, limit int) (int, error)
}

type ExpireSessionsWorker struct {
	river.WorkerDefaults[ExpireSessionsArgs]
	sweeper Sweeper
	log     *slog.Logger
}

func NewExpireSessionsWorker(s Sweeper, log *slog.Logger) *ExpireSessionsWorker {
	if log == nil {
		log = slog.Default()
	}
	return &ExpireSessionsWorker{sweeper: s, log: log}
}

func (w *ExpireSessionsWorker) Work(ctx context.Context, job *river.Job[ExpireSessionsArgs]) error {
	limit := job.Args.Limit
	if limit <= 0 {
		limit = 500
	}
	n, err := w.sweeper.ExpireStale(ctx, time.Now().UTC(), limit)
	if err != nil {
		return fmt.Errorf("expire stale sessions: %w", err)
	}
	if n > 0 {
		w.log.Info("expired stale checkout sessions", "count", n)
	}
	return nil
}

// PeriodicJobs schedules the sweep every interval.
func PeriodicJobs(interval time.Duration, limit int) []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(interval),
			func() (river.JobArgs, *river.InsertOpts) {
				return ExpireSessionsArgs{Limit: limit}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}
