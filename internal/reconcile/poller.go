package reconcile

import (
	"context"
	"time"

	"github.com/pkg/errors"

	gateway "github.com/initials101/mpesa-gateway/internal/gateways"
	"github.com/initials101/mpesa-gateway/internal/model"
	"github.com/initials101/mpesa-gateway/internal/repository"
	"github.com/initials101/mpesa-gateway/pkg/logger"
	"github.com/initials101/mpesa-gateway/pkg/prom"
)

// runPoller queries the provider for a definitive result until one
// arrives or the attempt budget runs out. Indeterminate responses and
// transient gateway errors both consume the normal tick and nothing
// more. Exhaustion of the budget resolves the transaction CANCELLED
// through the same at-most-once gate every other source uses.
func (e *Engine) runPoller(ctx context.Context, correlationID string) {
	if !sleep(ctx, e.cfg.GraceDelay) {
		return
	}

	for attempt := 1; attempt <= e.cfg.PollMaxAttempts; attempt++ {
		if attempt > 1 && !sleep(ctx, e.cfg.PollInterval) {
			return
		}

		tx, err := e.store.FindByCorrelationID(ctx, correlationID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				logger.Warn("poller: transaction vanished", "correlation_id", correlationID)
				e.release(correlationID)
				return
			}
			logger.Error("poller: store read failed",
				"correlation_id", correlationID,
				"error", err.Error(),
			)
			prom.AddPollTick("error")
			continue
		}
		if tx.Status != model.StatusPending {
			prom.AddPollTick("already_resolved")
			e.release(correlationID)
			return
		}

		resp, err := e.querier.STKQuery(ctx, correlationID)
		if err != nil {
			if errors.Is(err, gateway.ErrIndeterminate) {
				prom.AddPollTick("indeterminate")
				logger.Debug("poller: still processing",
					"correlation_id", correlationID,
					"attempt", attempt,
				)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			prom.AddPollTick("error")
			logger.Warn("poller: status query failed",
				"correlation_id", correlationID,
				"attempt", attempt,
				"error", err.Error(),
			)
			continue
		}

		prom.AddPollTick("definitive")
		upd := ProviderResolution(resp.ResultCode, resp.ResultDesc, nil)
		if _, err := e.Resolve(ctx, SourcePoller, tx, upd); err != nil {
			logger.Error("poller: resolution failed",
				"correlation_id", correlationID,
				"error", err.Error(),
			)
		}
		return
	}

	// Budget exhausted with no definitive answer.
	tx, err := e.store.FindByCorrelationID(ctx, correlationID)
	if err != nil {
		return
	}
	if tx.Status != model.StatusPending {
		e.release(correlationID)
		return
	}
	prom.AddPollTick("exhausted")
	if _, err := e.Resolve(ctx, SourcePoller, tx, LocalCancellation(ReasonPollExhausted)); err != nil {
		logger.Error("poller: cancellation after exhausted budget failed",
			"correlation_id", correlationID,
			"error", err.Error(),
		)
	}
}

// sleep waits for d or until ctx is cancelled, reporting whether the
// full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
