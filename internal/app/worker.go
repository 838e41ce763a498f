package app

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaycohen-verbali/Image-generation/internal/adapter/observability"
	"github.com/shaycohen-verbali/Image-generation/internal/domain"
)

// RunProcessor executes one claimed run to a terminal status. Satisfied by
// usecase.Runner.
type RunProcessor interface {
	ProcessRun(ctx domain.Context, runID string) (domain.Run, error)
}

// Worker polls the run queue and processes claimed runs on a bounded pool.
// Parallelism and poll cadence come from the runtime configuration and are
// re-read every iteration, so operators can tune a live worker.
type Worker struct {
	Runs   domain.RunRepository
	Config domain.ConfigRepository
	Runner RunProcessor

	inFlight atomic.Int64
}

// NewWorker wires a queue worker.
func NewWorker(runs domain.RunRepository, cfg domain.ConfigRepository, runner RunProcessor) *Worker {
	return &Worker{Runs: runs, Config: cfg, Runner: runner}
}

const busyBackoff = 250 * time.Millisecond

// Run blocks until ctx is cancelled, then waits for in-flight runs to finish.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	slog.Info("worker started")
	for {
		if err := ctx.Err(); err != nil {
			break
		}
		cfg, err := w.Config.Get(ctx)
		if err != nil {
			slog.Error("worker config read failed", slog.Any("error", err))
			if !sleepCtx(ctx, time.Second) {
				break
			}
			continue
		}
		maxParallel := int64(domain.ClampParallelRuns(cfg.MaxParallelRuns))
		poll := time.Duration(cfg.WorkerPollSeconds * float64(time.Second))
		if poll <= 0 {
			poll = 3 * time.Second
		}

		claimed := 0
		for w.inFlight.Load() < maxParallel {
			run, err := w.Runs.ClaimNextQueued(ctx)
			if err != nil {
				slog.Error("claim failed", slog.Any("error", err))
				break
			}
			if run == nil {
				break
			}
			claimed++
			w.inFlight.Add(1)
			observability.ClaimRun()
			wg.Add(1)
			go func(run domain.Run) {
				defer wg.Done()
				defer w.inFlight.Add(-1)
				w.process(ctx, run)
			}(*run)
		}

		switch {
		case claimed > 0:
			// Queue may still have work; loop again immediately.
		case w.inFlight.Load() >= maxParallel:
			if !sleepCtx(ctx, busyBackoff) {
				break
			}
		default:
			if !sleepCtx(ctx, poll) {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	slog.Info("worker draining", slog.Int64("in_flight", w.inFlight.Load()))
	wg.Wait()
	return nil
}

func (w *Worker) process(ctx context.Context, run domain.Run) {
	start := time.Now()
	done, err := w.Runner.ProcessRun(ctx, run.ID)
	if err != nil {
		observability.FinishRun(string(domain.RunFailedTechnical))
		slog.Error("run processing failed",
			slog.String("run_id", run.ID),
			slog.Any("error", err),
			slog.Duration("elapsed", time.Since(start)))
		return
	}
	observability.FinishRun(string(done.Status))
	slog.Info("run finished",
		slog.String("run_id", done.ID),
		slog.String("status", string(done.Status)),
		slog.Duration("elapsed", time.Since(start)))
}

// sleepCtx sleeps for d or until ctx is done; false means the context ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
