package scheduler

import (
	"context"
	"log/slog"
	"time"

	"finalarm/internal/ingest"
	"finalarm/internal/model"
)

// Evaluator runs a full evaluation pass. *engine.Engine satisfies it.
type Evaluator interface {
	EvaluateNow(ctx context.Context) ([]model.Alert, error)
}

// EvaluateJob re-runs every enabled rule so time-based rules (payday,
// month rollover, daily spikes) fire without new account activity.
type EvaluateJob struct {
	ctx     context.Context
	eval    Evaluator
	timeout time.Duration
	logger  *slog.Logger
}

func NewEvaluateJob(ctx context.Context, eval Evaluator, logger *slog.Logger) *EvaluateJob {
	return &EvaluateJob{ctx: ctx, eval: eval, timeout: time.Minute, logger: logger}
}

func (j *EvaluateJob) Name() string { return "evaluate" }

func (j *EvaluateJob) Run() error {
	ctx, cancel := context.WithTimeout(j.ctx, j.timeout)
	defer cancel()
	created, err := j.eval.EvaluateNow(ctx)
	if err != nil {
		return err
	}
	if len(created) > 0 && j.logger != nil {
		j.logger.Info("scheduled evaluation raised alerts", "count", len(created))
	}
	return nil
}

// SyncJob pulls a provider source into the engine.
type SyncJob struct {
	ctx     context.Context
	syncer  *ingest.Syncer
	timeout time.Duration
}

func NewSyncJob(ctx context.Context, syncer *ingest.Syncer) *SyncJob {
	return &SyncJob{ctx: ctx, syncer: syncer, timeout: 2 * time.Minute}
}

func (j *SyncJob) Name() string { return "sync" }

func (j *SyncJob) Run() error {
	ctx, cancel := context.WithTimeout(j.ctx, j.timeout)
	defer cancel()
	_, err := j.syncer.Sync(ctx)
	return err
}
