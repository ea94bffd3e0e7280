package reconcile

import (
	"context"
	"time"

	"github.com/pkg/errors"

	gateway "github.com/initials101/mpesa-gateway/internal/gateways"
	"github.com/initials101/mpesa-gateway/internal/model"
	"github.com/initials101/mpesa-gateway/internal/repository"
	"github.com/initials101/mpesa-gateway/pkg/logger"
)

// fireTimeout is the hard-deadline backstop. If the transaction is
// already resolved it only marks the timeout flag and leaves. If it is
// still PENDING, one final best-effort status query runs before the
// CANCELLED write; a definitive answer at the last moment wins over
// the local cancellation.
func (e *Engine) fireTimeout(correlationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := e.store.FindByCorrelationID(ctx, correlationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			logger.Warn("timeout fired for unknown transaction", "correlation_id", correlationID)
			return
		}
		logger.Error("timeout: store read failed",
			"correlation_id", correlationID,
			"error", err.Error(),
		)
		return
	}

	if tx.Status != model.StatusPending {
		if _, err := e.store.MarkTimeoutHandled(ctx, correlationID); err != nil {
			logger.Error("timeout: flag update failed",
				"correlation_id", correlationID,
				"error", err.Error(),
			)
		}
		e.release(correlationID)
		return
	}

	e.resolveOverdue(ctx, SourceTimeout, tx)
}

// resolveOverdue runs the hard-deadline resolution for a PENDING
// transaction: one best-effort final status query for queryable kinds,
// then the local cancellation. The in-process timer and the sweeper
// both land here, so a transaction picked up after a restart still gets
// its last chance at a definitive answer.
func (e *Engine) resolveOverdue(ctx context.Context, source string, tx *model.Transaction) {
	// TODO: add a Transaction Status query for B2C so disbursements get
	// the same last chance at a definitive answer.
	if e.querier != nil && tx.Kind == model.KindSTKPush {
		resp, err := e.querier.STKQuery(ctx, tx.CorrelationID)
		if err == nil {
			upd := ProviderResolution(resp.ResultCode, resp.ResultDesc, nil)
			if _, rerr := e.Resolve(ctx, source, tx, upd); rerr == nil {
				return
			}
		} else if !errors.Is(err, gateway.ErrIndeterminate) {
			logger.Warn("final status query before cancellation failed",
				"correlation_id", tx.CorrelationID,
				"source", source,
				"error", err.Error(),
			)
		}
	}

	if _, err := e.Resolve(ctx, source, tx, LocalCancellation(ReasonHardTimeout)); err != nil {
		logger.Error("hard-deadline cancellation failed",
			"correlation_id", tx.CorrelationID,
			"source", source,
			"error", err.Error(),
		)
	}
}
