package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gateway "github.com/initials101/mpesa-gateway/internal/gateways"
	"github.com/initials101/mpesa-gateway/internal/model"
	"github.com/initials101/mpesa-gateway/internal/repository/memory"
)

func testConfig() Config {
	return Config{
		GraceDelay:      time.Millisecond,
		PollInterval:    2 * time.Millisecond,
		PollMaxAttempts: 3,
		HardTimeout:     500 * time.Millisecond,
		SweepInterval:   10 * time.Millisecond,
	}
}

type fakeQuerier struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (*gateway.QueryResponse, error)
}

func (f *fakeQuerier) STKQuery(ctx context.Context, correlationID string) (*gateway.QueryResponse, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fn := f.fn
	f.mu.Unlock()
	return fn(call)
}

func (f *fakeQuerier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func alwaysIndeterminate(int) (*gateway.QueryResponse, error) {
	return nil, gateway.ErrIndeterminate
}

func newPendingTx(t *testing.T, store *memory.TransactionStore, id string, kind model.TransactionKind) *model.Transaction {
	t.Helper()
	tx, err := store.Create(context.Background(), &model.Transaction{
		CorrelationID:    id,
		Kind:             kind,
		Amount:           100,
		Phone:            "254700000001",
		AccountReference: "INV-1",
		Status:           model.StatusPending,
	})
	require.NoError(t, err)
	return tx
}

func TestOutcomeMapping(t *testing.T) {
	tests := []struct {
		code       int
		desc       string
		wantStatus model.TransactionStatus
		wantReason string
	}{
		{0, "whatever", model.StatusSuccess, "The service request is processed successfully."},
		{1032, "", model.StatusCancelled, "Request cancelled by user"},
		{1037, "", model.StatusCancelled, "DS timeout, user cannot be reached"},
		{1, "", model.StatusFailed, "The balance is insufficient for the transaction"},
		{15, "", model.StatusFailed, "Duplicate request detected"},
		{2001, "", model.StatusFailed, "The initiator information is invalid"},
		{9999, "Some provider text", model.StatusFailed, "Some provider text"},
	}
	for _, tc := range tests {
		status, reason := Outcome(tc.code, tc.desc)
		assert.Equal(t, tc.wantStatus, status, "code %d", tc.code)
		assert.Equal(t, tc.wantReason, reason, "code %d", tc.code)
	}
}

func TestResolveAtMostOnce(t *testing.T) {
	store := memory.NewTransactionStore()
	engine, err := NewEngine(store, nil, testConfig())
	require.NoError(t, err)

	tx := newPendingTx(t, store, "race-1", model.KindSTKPush)

	// Webhook, poll ticks and timeout all racing for the same row.
	updates := []struct {
		source string
		upd    model.ResolutionUpdate
	}{
		{SourceWebhook, ProviderResolution(0, "ok", map[string]string{model.MetaReceiptNumber: "ABC123"})},
		{SourcePoller, ProviderResolution(1032, "", nil)},
		{SourcePoller, ProviderResolution(1, "", nil)},
		{SourceTimeout, LocalCancellation(ReasonHardTimeout)},
		{SourcePoller, LocalCancellation(ReasonPollExhausted)},
	}

	var wg sync.WaitGroup
	applied := make(chan string, len(updates))
	for _, u := range updates {
		wg.Add(1)
		go func(source string, upd model.ResolutionUpdate) {
			defer wg.Done()
			ok, err := engine.Resolve(context.Background(), source, tx, upd)
			require.NoError(t, err)
			if ok {
				applied <- source
			}
		}(u.source, u.upd)
	}
	wg.Wait()
	close(applied)

	var winners []string
	for s := range applied {
		winners = append(winners, s)
	}
	require.Len(t, winners, 1, "exactly one resolution must win")

	got, err := store.FindByCorrelationID(context.Background(), "race-1")
	require.NoError(t, err)
	assert.True(t, got.Status.IsTerminal())
	assert.True(t, got.TimeoutHandled)
}

func TestSuccessCodeAlwaysMapsToSuccess(t *testing.T) {
	store := memory.NewTransactionStore()
	engine, err := NewEngine(store, nil, testConfig())
	require.NoError(t, err)

	tx := newPendingTx(t, store, "ws_1", model.KindSTKPush)

	upd := ProviderResolution(0, "The service request is processed successfully.",
		map[string]string{model.MetaReceiptNumber: "ABC123"})
	ok, err := engine.Resolve(context.Background(), SourceWebhook, tx, upd)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.FindByCorrelationID(context.Background(), "ws_1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, got.Status)
	require.NotNil(t, got.ResultCode)
	assert.Equal(t, 0, *got.ResultCode)
	assert.Equal(t, "ABC123", got.Metadata[model.MetaReceiptNumber])
}

func TestReplayedResolutionIsNoop(t *testing.T) {
	store := memory.NewTransactionStore()
	engine, err := NewEngine(store, nil, testConfig())
	require.NoError(t, err)

	tx := newPendingTx(t, store, "replay-1", model.KindSTKPush)

	upd := ProviderResolution(0, "ok", map[string]string{model.MetaReceiptNumber: "R1"})
	ok, err := engine.Resolve(context.Background(), SourceWebhook, tx, upd)
	require.NoError(t, err)
	require.True(t, ok)

	first, err := store.FindByCorrelationID(context.Background(), "replay-1")
	require.NoError(t, err)

	// Same payload delivered again.
	ok, err = engine.Resolve(context.Background(), SourceWebhook, tx, upd)
	require.NoError(t, err)
	assert.False(t, ok)

	second, err := store.FindByCorrelationID(context.Background(), "replay-1")
	require.NoError(t, err)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt, "replay must not touch updated_at")
	assert.Equal(t, first.Status, second.Status)
}

func TestStaleResolutionDoesNotOverwrite(t *testing.T) {
	store := memory.NewTransactionStore()
	engine, err := NewEngine(store, nil, testConfig())
	require.NoError(t, err)

	tx := newPendingTx(t, store, "stale-1", model.KindSTKPush)

	ok, err := engine.Resolve(context.Background(), SourceWebhook, tx, ProviderResolution(0, "ok", nil))
	require.NoError(t, err)
	require.True(t, ok)

	// Late timeout proposal after the webhook already won.
	ok, err = engine.Resolve(context.Background(), SourceTimeout, tx, LocalCancellation(ReasonHardTimeout))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.FindByCorrelationID(context.Background(), "stale-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, got.Status)
}

func TestPollerExhaustionCancels(t *testing.T) {
	store := memory.NewTransactionStore()
	querier := &fakeQuerier{fn: alwaysIndeterminate}
	engine, err := NewEngine(store, querier, testConfig())
	require.NoError(t, err)
	defer engine.Stop()

	tx := newPendingTx(t, store, "ws_2", model.KindSTKPush)
	engine.Begin(tx)

	require.Eventually(t, func() bool {
		got, err := store.FindByCorrelationID(context.Background(), "ws_2")
		return err == nil && got.Status == model.StatusCancelled
	}, 2*time.Second, 5*time.Millisecond)

	got, err := store.FindByCorrelationID(context.Background(), "ws_2")
	require.NoError(t, err)
	require.NotNil(t, got.ResultDesc)
	assert.Equal(t, ReasonPollExhausted, *got.ResultDesc)
	assert.Nil(t, got.ResultCode, "locally cancelled rows carry no provider code")
	assert.Equal(t, testConfig().PollMaxAttempts, querier.callCount())

	// A hard timeout firing afterwards must be a no-op.
	engine.fireTimeout("ws_2")
	after, err := store.FindByCorrelationID(context.Background(), "ws_2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, after.Status)
	assert.Equal(t, ReasonPollExhausted, *after.ResultDesc)
}

func TestPollerDefinitiveResultResolves(t *testing.T) {
	store := memory.NewTransactionStore()
	querier := &fakeQuerier{fn: func(call int) (*gateway.QueryResponse, error) {
		if call < 2 {
			return nil, gateway.ErrIndeterminate
		}
		return &gateway.QueryResponse{ResultCode: 1032, ResultDesc: "Request cancelled by user"}, nil
	}}
	engine, err := NewEngine(store, querier, testConfig())
	require.NoError(t, err)
	defer engine.Stop()

	tx := newPendingTx(t, store, "defn-1", model.KindSTKPush)
	engine.Begin(tx)

	require.Eventually(t, func() bool {
		got, err := store.FindByCorrelationID(context.Background(), "defn-1")
		return err == nil && got.Status == model.StatusCancelled
	}, 2*time.Second, 5*time.Millisecond)

	got, err := store.FindByCorrelationID(context.Background(), "defn-1")
	require.NoError(t, err)
	require.NotNil(t, got.ResultCode)
	assert.Equal(t, 1032, *got.ResultCode)
}

func TestPollerStopsAfterExternalResolution(t *testing.T) {
	store := memory.NewTransactionStore()
	querier := &fakeQuerier{fn: alwaysIndeterminate}

	cfg := testConfig()
	cfg.GraceDelay = 50 * time.Millisecond
	engine, err := NewEngine(store, querier, cfg)
	require.NoError(t, err)
	defer engine.Stop()

	tx := newPendingTx(t, store, "ext-1", model.KindSTKPush)
	engine.Begin(tx)

	// Webhook wins while the poller is still in its grace delay.
	ok, err := engine.Resolve(context.Background(), SourceWebhook, tx, ProviderResolution(0, "ok", nil))
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, querier.callCount(), "poller must not query after resolution")
	assert.Zero(t, engine.TrackedCount())
}

func TestTimeoutCancelsUnresolvedDisbursement(t *testing.T) {
	store := memory.NewTransactionStore()

	cfg := testConfig()
	cfg.HardTimeout = 30 * time.Millisecond
	cfg.GraceDelay = time.Millisecond
	cfg.PollInterval = time.Millisecond
	cfg.PollMaxAttempts = 1
	engine, err := NewEngine(store, nil, cfg)
	require.NoError(t, err)
	defer engine.Stop()

	tx := newPendingTx(t, store, "b2c-1", model.KindB2C)
	engine.Begin(tx)

	require.Eventually(t, func() bool {
		got, err := store.FindByCorrelationID(context.Background(), "b2c-1")
		return err == nil && got.Status == model.StatusCancelled
	}, 2*time.Second, 5*time.Millisecond)

	got, err := store.FindByCorrelationID(context.Background(), "b2c-1")
	require.NoError(t, err)
	require.NotNil(t, got.ResultDesc)
	assert.Equal(t, ReasonHardTimeout, *got.ResultDesc)
	assert.True(t, got.TimeoutHandled)
}

func TestTimeoutNoopOnResolvedTransaction(t *testing.T) {
	store := memory.NewTransactionStore()
	engine, err := NewEngine(store, nil, testConfig())
	require.NoError(t, err)

	tx := newPendingTx(t, store, "done-1", model.KindSTKPush)
	ok, err := engine.Resolve(context.Background(), SourceWebhook, tx, ProviderResolution(0, "ok", nil))
	require.NoError(t, err)
	require.True(t, ok)

	engine.fireTimeout("done-1")

	got, err := store.FindByCorrelationID(context.Background(), "done-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, got.Status)
	assert.True(t, got.TimeoutHandled)
}

func TestSweeperResolvesOverduePending(t *testing.T) {
	store := memory.NewTransactionStore()
	engine, err := NewEngine(store, nil, testConfig())
	require.NoError(t, err)

	old := model.Now() - 3600
	_, err = store.Create(context.Background(), &model.Transaction{
		CorrelationID:    "orphan-1",
		Kind:             model.KindSTKPush,
		Amount:           50,
		Phone:            "254700000002",
		AccountReference: "INV-2",
		Status:           model.StatusPending,
		CreatedAt:        old,
		UpdatedAt:        old,
	})
	require.NoError(t, err)

	engine.sweepOnce(context.Background())

	got, err := store.FindByCorrelationID(context.Background(), "orphan-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	require.NotNil(t, got.ResultDesc)
	assert.Equal(t, ReasonHardTimeout, *got.ResultDesc)
}

func TestSweeperRecoversDefinitiveResultAfterRestart(t *testing.T) {
	store := memory.NewTransactionStore()
	querier := &fakeQuerier{fn: func(int) (*gateway.QueryResponse, error) {
		return &gateway.QueryResponse{ResultCode: 0, ResultDesc: "The service request is processed successfully."}, nil
	}}
	engine, err := NewEngine(store, querier, testConfig())
	require.NoError(t, err)

	// Paid, but the webhook was lost and the process restarted before
	// the timer could run its final query.
	old := model.Now() - 3600
	_, err = store.Create(context.Background(), &model.Transaction{
		CorrelationID:    "orphan-2",
		Kind:             model.KindSTKPush,
		Amount:           75,
		Phone:            "254700000004",
		AccountReference: "INV-4",
		Status:           model.StatusPending,
		CreatedAt:        old,
		UpdatedAt:        old,
	})
	require.NoError(t, err)

	engine.sweepOnce(context.Background())

	got, err := store.FindByCorrelationID(context.Background(), "orphan-2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, got.Status, "sweeper must not cancel what the provider settled")
	require.NotNil(t, got.ResultCode)
	assert.Equal(t, 0, *got.ResultCode)
	assert.Equal(t, 1, querier.callCount())
}

func TestStaleResolutionReleasesLifecycle(t *testing.T) {
	store := memory.NewTransactionStore()
	querier := &fakeQuerier{fn: alwaysIndeterminate}

	cfg := testConfig()
	cfg.GraceDelay = time.Hour
	engine, err := NewEngine(store, querier, cfg)
	require.NoError(t, err)
	defer engine.Stop()

	tx := newPendingTx(t, store, "peer-1", model.KindSTKPush)
	engine.Begin(tx)
	require.Equal(t, 1, engine.TrackedCount())

	// Another process wins the CAS directly against the shared store.
	applied, err := store.CompareAndSetStatus(context.Background(), "peer-1", model.StatusPending,
		model.ResolutionUpdate{Status: model.StatusSuccess, UpdatedAt: model.Now(), TimeoutHandled: true})
	require.NoError(t, err)
	require.True(t, applied)

	// The local late webhook loses and must drop the timer and poller.
	ok, err := engine.Resolve(context.Background(), SourceWebhook, tx, ProviderResolution(1032, "", nil))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, engine.TrackedCount())
}

func TestPollerReleasesAfterPeerResolution(t *testing.T) {
	store := memory.NewTransactionStore()
	querier := &fakeQuerier{fn: alwaysIndeterminate}

	cfg := testConfig()
	cfg.GraceDelay = 20 * time.Millisecond
	engine, err := NewEngine(store, querier, cfg)
	require.NoError(t, err)
	defer engine.Stop()

	tx := newPendingTx(t, store, "peer-2", model.KindSTKPush)
	engine.Begin(tx)

	applied, err := store.CompareAndSetStatus(context.Background(), "peer-2", model.StatusPending,
		model.ResolutionUpdate{Status: model.StatusSuccess, UpdatedAt: model.Now(), TimeoutHandled: true})
	require.NoError(t, err)
	require.True(t, applied)

	// First tick sees the row resolved and drops the lifecycle without
	// ever querying the provider.
	require.Eventually(t, func() bool { return engine.TrackedCount() == 0 },
		2*time.Second, 5*time.Millisecond)
	assert.Zero(t, querier.callCount())
}

func TestResumeOverdueFiresImmediately(t *testing.T) {
	store := memory.NewTransactionStore()
	engine, err := NewEngine(store, nil, testConfig())
	require.NoError(t, err)
	defer engine.Stop()

	old := model.Now() - 3600
	tx, err := store.Create(context.Background(), &model.Transaction{
		CorrelationID:    "resume-1",
		Kind:             model.KindB2C,
		Amount:           50,
		Phone:            "254700000003",
		AccountReference: "INV-3",
		Status:           model.StatusPending,
		CreatedAt:        old,
		UpdatedAt:        old,
	})
	require.NoError(t, err)

	engine.Resume(tx)

	require.Eventually(t, func() bool {
		got, err := store.FindByCorrelationID(context.Background(), "resume-1")
		return err == nil && got.Status == model.StatusCancelled
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{
		GraceDelay:      5 * time.Second,
		PollInterval:    5 * time.Second,
		PollMaxAttempts: 12,
		HardTimeout:     120 * time.Second,
		SweepInterval:   time.Minute,
	}
	require.NoError(t, cfg.Validate())

	// Hard timeout inside the polling window must be rejected.
	cfg.HardTimeout = 60 * time.Second
	require.Error(t, cfg.Validate())

	cfg.HardTimeout = 120 * time.Second
	cfg.PollMaxAttempts = 0
	require.Error(t, cfg.Validate())
}

func TestResolveRejectsNonTerminalStatus(t *testing.T) {
	store := memory.NewTransactionStore()
	engine, err := NewEngine(store, nil, testConfig())
	require.NoError(t, err)

	tx := newPendingTx(t, store, "nt-1", model.KindSTKPush)
	_, err = engine.Resolve(context.Background(), SourceWebhook, tx, model.ResolutionUpdate{
		Status: model.StatusPending,
	})
	require.Error(t, err)
}
