package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	gateway "github.com/initials101/mpesa-gateway/internal/gateways"
	"github.com/initials101/mpesa-gateway/internal/model"
	"github.com/initials101/mpesa-gateway/internal/repository"
	"github.com/initials101/mpesa-gateway/pkg/logger"
	"github.com/initials101/mpesa-gateway/pkg/prom"
)

// Store is the slice of the transaction store the engine needs. The
// store is the only shared mutable state; every terminal transition
// goes through its compare-and-set primitive, so the engine is safe to
// run in multiple processes against the same store.
type Store interface {
	FindByCorrelationID(ctx context.Context, correlationID string) (*model.Transaction, error)
	CompareAndSetStatus(ctx context.Context, correlationID string, expected model.TransactionStatus, upd model.ResolutionUpdate) (bool, error)
	MarkTimeoutHandled(ctx context.Context, correlationID string) (bool, error)
	FindStalePending(ctx context.Context, cutoff int64, limit int) ([]*model.Transaction, error)
}

// StatusQuerier asks the provider for a definitive result. Indeterminate
// "still processing" responses surface as gateway.ErrIndeterminate, which
// is not an error condition for the poller.
type StatusQuerier interface {
	STKQuery(ctx context.Context, correlationID string) (*gateway.QueryResponse, error)
}

// Resolution sources, recorded in logs and metrics.
const (
	SourceWebhook = "webhook"
	SourcePoller  = "poller"
	SourceTimeout = "timeout"
	SourceSweeper = "sweeper"
)

type lifecycle struct {
	cancelPoll context.CancelFunc
	timer      *time.Timer
}

// Engine applies terminal transitions at most once per transaction and
// owns the per-transaction timer and poller resources. Cancellation of
// those resources is best-effort; a timer that fires a moment after a
// resolution is a safe no-op because the store-level CAS rejects it.
type Engine struct {
	store   Store
	querier StatusQuerier
	cfg     Config

	mu     sync.Mutex
	active map[string]*lifecycle

	now func() int64
}

func NewEngine(store Store, querier StatusQuerier, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		store:   store,
		querier: querier,
		cfg:     cfg,
		active:  make(map[string]*lifecycle),
		now:     model.Now,
	}, nil
}

// Begin arms the hard-timeout timer for a freshly created transaction
// and, for kinds the provider can be queried about, starts the status
// poller.
func (e *Engine) Begin(tx *model.Transaction) {
	e.beginWithDeadline(tx, e.cfg.HardTimeout)
}

// Resume re-arms the lifecycle for a transaction found PENDING after a
// restart. The remaining deadline is computed from CreatedAt; an
// already-overdue transaction fires immediately.
func (e *Engine) Resume(tx *model.Transaction) {
	elapsed := time.Duration(e.now()-tx.CreatedAt) * time.Second
	remaining := e.cfg.HardTimeout - elapsed
	if remaining < 0 {
		remaining = 0
	}
	e.beginWithDeadline(tx, remaining)
}

func (e *Engine) beginWithDeadline(tx *model.Transaction, deadline time.Duration) {
	id := tx.CorrelationID

	lc := &lifecycle{}
	lc.timer = time.AfterFunc(deadline, func() { e.fireTimeout(id) })

	if e.querier != nil && tx.Kind == model.KindSTKPush {
		pollCtx, cancel := context.WithCancel(context.Background())
		lc.cancelPoll = cancel
		go e.runPoller(pollCtx, id)
	}

	e.mu.Lock()
	if prev, ok := e.active[id]; ok {
		prev.stop()
	}
	e.active[id] = lc
	e.mu.Unlock()
}

// Resolve applies a terminal transition if and only if the transaction
// is still PENDING. A lost race is not an error: the proposal is
// discarded, counted as stale, and the caller gets applied=false.
func (e *Engine) Resolve(ctx context.Context, source string, tx *model.Transaction, upd model.ResolutionUpdate) (bool, error) {
	if !upd.Status.IsTerminal() {
		return false, errors.Errorf("reconcile: %s is not a terminal status", upd.Status)
	}
	if upd.UpdatedAt == 0 {
		upd.UpdatedAt = e.now()
	}
	// The resolved row will never need its timeout handled again.
	upd.TimeoutHandled = true

	applied, err := e.store.CompareAndSetStatus(ctx, tx.CorrelationID, model.StatusPending, upd)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			logger.Warn("resolution for unknown transaction discarded",
				"correlation_id", tx.CorrelationID,
				"source", source,
			)
			e.release(tx.CorrelationID)
		}
		return false, err
	}

	if !applied {
		// Someone else already resolved it; this process has no reason
		// to keep the timer or poller alive.
		e.release(tx.CorrelationID)
		prom.AddStaleResolution(source)
		logger.Debug("stale resolution discarded",
			"correlation_id", tx.CorrelationID,
			"source", source,
			"proposed_status", string(upd.Status),
		)
		return false, nil
	}

	prom.AddResolution(source, string(upd.Status))
	if tx.CreatedAt > 0 {
		prom.ObserveTimeToResolution(float64(upd.UpdatedAt-tx.CreatedAt), string(tx.Kind))
	}
	logger.Info("transaction resolved",
		"correlation_id", tx.CorrelationID,
		"source", source,
		"status", string(upd.Status),
	)

	e.release(tx.CorrelationID)
	return true, nil
}

// release cancels the poller and timer for a correlation ID. Safe to
// call for IDs this process never tracked (webhooks may resolve
// transactions initiated by another instance).
func (e *Engine) release(correlationID string) {
	e.mu.Lock()
	lc, ok := e.active[correlationID]
	if ok {
		delete(e.active, correlationID)
	}
	e.mu.Unlock()
	if ok {
		lc.stop()
	}
}

// Stop cancels every tracked lifecycle. Pending transactions are picked
// up again by Resume or the sweeper after restart.
func (e *Engine) Stop() {
	e.mu.Lock()
	lcs := make([]*lifecycle, 0, len(e.active))
	for _, lc := range e.active {
		lcs = append(lcs, lc)
	}
	e.active = make(map[string]*lifecycle)
	e.mu.Unlock()

	for _, lc := range lcs {
		lc.stop()
	}
}

// TrackedCount reports how many lifecycles this process is holding.
func (e *Engine) TrackedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (lc *lifecycle) stop() {
	if lc.timer != nil {
		lc.timer.Stop()
	}
	if lc.cancelPoll != nil {
		lc.cancelPoll()
	}
}
