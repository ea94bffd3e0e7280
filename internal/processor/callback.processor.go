package processor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/initials101/mpesa-gateway/internal/model"
	"github.com/initials101/mpesa-gateway/internal/queue"
	"github.com/initials101/mpesa-gateway/pkg/logger"
)

// CallbackResolver is the service slice that turns a raw webhook body
// into a reconciliation outcome.
type CallbackResolver interface {
	ProcessCallback(ctx context.Context, kind model.TransactionKind, payload []byte) error
}

// CallbackProcessor replays queued webhook payloads into the
// reconciliation path. The dedupe layer is best-effort queue hygiene;
// the store-level CAS remains the authority on at-most-once
// resolution, so a duplicate slipping through is harmless.
type CallbackProcessor struct {
	resolver    CallbackResolver
	idempotency *IdempotencyService
}

func NewCallbackProcessor(resolver CallbackResolver, idempotency *IdempotencyService) *CallbackProcessor {
	return &CallbackProcessor{
		resolver:    resolver,
		idempotency: idempotency,
	}
}

func (p *CallbackProcessor) GetType() string {
	return "callback"
}

func (p *CallbackProcessor) Process(ctx context.Context, queueMessage *queue.Message) error {
	var job model.CallbackJob
	if err := json.Unmarshal(queueMessage.Data, &job); err != nil {
		logger.Error("unparseable callback job", "error", err)
		return err // DLQ
	}

	procCtx, err := p.idempotency.AcquireProcessingLock(ctx, job.RecordID)
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			logger.Info("callback already processed, skipping", "record_id", job.RecordID)
			return nil
		}
		if errors.Is(err, ErrMaxRetriesExceeded) {
			// Give up on this delivery; the sweeper or repair path
			// covers a transaction the callback would have resolved.
			logger.Error("callback retries exhausted", "record_id", job.RecordID)
			return nil
		}
		if errors.Is(err, ErrLockAcquireFailed) {
			return errors.New("lock held by another consumer")
		}
		return err
	}
	defer func() {
		if procCtx.lockAcquired {
			p.idempotency.ReleaseLock(ctx, procCtx)
		}
	}()

	logger.Info("processing callback",
		"record_id", job.RecordID,
		"kind", string(job.Kind),
		"retry_count", procCtx.RetryCount,
	)

	if err := p.resolver.ProcessCallback(ctx, job.Kind, job.Payload); err != nil {
		if markErr := p.idempotency.MarkFailure(ctx, procCtx, err); markErr != nil {
			logger.Error("failed to mark callback failure", "record_id", job.RecordID, "error", markErr)
		}
		return err // NACK to retry
	}

	if markErr := p.idempotency.MarkSuccess(ctx, procCtx); markErr != nil {
		logger.Error("failed to mark callback success", "record_id", job.RecordID, "error", markErr)
	}
	return nil
}
