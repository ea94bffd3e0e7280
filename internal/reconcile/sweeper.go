package reconcile

import (
	"context"
	"time"

	"github.com/initials101/mpesa-gateway/internal/model"
	"github.com/initials101/mpesa-gateway/pkg/logger"
)

const sweepBatchSize = 100

// RunSweeper periodically resolves PENDING transactions whose hard
// deadline passed while no timer was armed for them, which happens
// after a process restart. It blocks until ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

func (e *Engine) sweepOnce(ctx context.Context) {
	cutoff := e.now() - int64(e.cfg.HardTimeout/time.Second)
	stale, err := e.store.FindStalePending(ctx, cutoff, sweepBatchSize)
	if err != nil {
		logger.Error("sweeper: stale scan failed", "error", err.Error())
		return
	}
	if len(stale) == 0 {
		return
	}

	logger.Info("sweeper: resolving overdue transactions", "count", len(stale))
	for _, tx := range stale {
		e.resolveOverdue(ctx, SourceSweeper, tx)
	}
}

// ResumePending re-arms lifecycles for transactions left PENDING by a
// previous run. Call once at startup, after the store is reachable.
func (e *Engine) ResumePending(ctx context.Context, find func(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error)) error {
	pending := model.StatusPending
	page := 1
	for {
		txs, _, err := find(ctx, model.TransactionFilter{
			Status:   &pending,
			Page:     page,
			PageSize: sweepBatchSize,
		})
		if err != nil {
			return err
		}
		if len(txs) == 0 {
			return nil
		}
		for _, tx := range txs {
			e.Resume(tx)
		}
		logger.Info("resumed pending lifecycles", "count", len(txs), "page", page)
		if len(txs) < sweepBatchSize {
			return nil
		}
		page++
	}
}
