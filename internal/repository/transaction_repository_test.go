package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/initials101/mpesa-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPendingTransaction(correlationID string) *model.Transaction {
	return &model.Transaction{
		CorrelationID:    correlationID,
		Kind:             model.KindSTKPush,
		Amount:           100,
		Phone:            "254712345678",
		AccountReference: "INV-001",
		Description:      "order payment",
		Status:           model.StatusPending,
	}
}

func TestTransactionRepository_Create(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	t.Run("create transaction successfully", func(t *testing.T) {
		created, err := repo.Create(ctx, newPendingTransaction("ws_CO_001"))
		require.NoError(t, err)
		assert.NotZero(t, created.ID)
		assert.Equal(t, "ws_CO_001", created.CorrelationID)
		assert.Equal(t, model.StatusPending, created.Status)
		assert.NotZero(t, created.CreatedAt)
		assert.Equal(t, created.CreatedAt, created.UpdatedAt)
	})

	t.Run("duplicate correlation id is rejected", func(t *testing.T) {
		_, err := repo.Create(ctx, newPendingTransaction("ws_CO_dup"))
		require.NoError(t, err)

		_, err = repo.Create(ctx, newPendingTransaction("ws_CO_dup"))
		assert.ErrorIs(t, err, ErrDuplicateCorrelationID)
	})
}

func TestTransactionRepository_FindByCorrelationID(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	_, err := repo.Create(ctx, newPendingTransaction("ws_CO_find"))
	require.NoError(t, err)

	t.Run("found", func(t *testing.T) {
		tx, err := repo.FindByCorrelationID(ctx, "ws_CO_find")
		require.NoError(t, err)
		assert.Equal(t, "ws_CO_find", tx.CorrelationID)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := repo.FindByCorrelationID(ctx, "ws_CO_missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTransactionRepository_FindByEitherID(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	b2c := newPendingTransaction("AG_20260830_0001")
	b2c.Kind = model.KindB2C
	b2c.OriginatorConversationID = "OCI-0001"
	_, err := repo.Create(ctx, b2c)
	require.NoError(t, err)

	t.Run("match by primary id", func(t *testing.T) {
		matches, err := repo.FindByEitherID(ctx, "AG_20260830_0001", "")
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "AG_20260830_0001", matches[0].CorrelationID)
	})

	t.Run("match by originator conversation id", func(t *testing.T) {
		matches, err := repo.FindByEitherID(ctx, "", "OCI-0001")
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "OCI-0001", matches[0].OriginatorConversationID)
	})

	t.Run("no identifiers", func(t *testing.T) {
		_, err := repo.FindByEitherID(ctx, "", "")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("no match", func(t *testing.T) {
		_, err := repo.FindByEitherID(ctx, "AG_other", "OCI-other")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTransactionRepository_CompareAndSetStatus(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	code := 0
	desc := "The service request is processed successfully."

	t.Run("applies when status matches expected", func(t *testing.T) {
		_, err := repo.Create(ctx, newPendingTransaction("ws_CO_cas1"))
		require.NoError(t, err)

		applied, err := repo.CompareAndSetStatus(ctx, "ws_CO_cas1", model.StatusPending, model.ResolutionUpdate{
			Status:         model.StatusSuccess,
			ResultCode:     &code,
			ResultDesc:     &desc,
			Metadata:       map[string]string{model.MetaReceiptNumber: "QK12XYZ789"},
			TimeoutHandled: true,
			UpdatedAt:      model.Now(),
		})
		require.NoError(t, err)
		assert.True(t, applied)

		tx, err := repo.FindByCorrelationID(ctx, "ws_CO_cas1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusSuccess, tx.Status)
		require.NotNil(t, tx.ResultCode)
		assert.Equal(t, 0, *tx.ResultCode)
		assert.Equal(t, "QK12XYZ789", tx.Metadata[model.MetaReceiptNumber])
		assert.True(t, tx.TimeoutHandled)
	})

	t.Run("loses when another source already resolved", func(t *testing.T) {
		_, err := repo.Create(ctx, newPendingTransaction("ws_CO_cas2"))
		require.NoError(t, err)

		applied, err := repo.CompareAndSetStatus(ctx, "ws_CO_cas2", model.StatusPending, model.ResolutionUpdate{
			Status: model.StatusSuccess, ResultCode: &code, TimeoutHandled: true, UpdatedAt: model.Now(),
		})
		require.NoError(t, err)
		require.True(t, applied)

		cancelCode := 1032
		applied, err = repo.CompareAndSetStatus(ctx, "ws_CO_cas2", model.StatusPending, model.ResolutionUpdate{
			Status: model.StatusCancelled, ResultCode: &cancelCode, TimeoutHandled: true, UpdatedAt: model.Now(),
		})
		require.NoError(t, err)
		assert.False(t, applied)

		tx, err := repo.FindByCorrelationID(ctx, "ws_CO_cas2")
		require.NoError(t, err)
		assert.Equal(t, model.StatusSuccess, tx.Status)
	})

	t.Run("metadata merge never overwrites existing keys", func(t *testing.T) {
		tx := newPendingTransaction("ws_CO_cas3")
		tx.Metadata = map[string]string{model.MetaReceiptNumber: "ORIGINAL"}
		_, err := repo.Create(ctx, tx)
		require.NoError(t, err)

		applied, err := repo.CompareAndSetStatus(ctx, "ws_CO_cas3", model.StatusPending, model.ResolutionUpdate{
			Status:     model.StatusSuccess,
			ResultCode: &code,
			Metadata: map[string]string{
				model.MetaReceiptNumber:   "REPLACEMENT",
				model.MetaTransactionDate: "20260830120000",
			},
			TimeoutHandled: true,
			UpdatedAt:      model.Now(),
		})
		require.NoError(t, err)
		require.True(t, applied)

		got, err := repo.FindByCorrelationID(ctx, "ws_CO_cas3")
		require.NoError(t, err)
		assert.Equal(t, "ORIGINAL", got.Metadata[model.MetaReceiptNumber])
		assert.Equal(t, "20260830120000", got.Metadata[model.MetaTransactionDate])
	})

	t.Run("unknown correlation id", func(t *testing.T) {
		_, err := repo.CompareAndSetStatus(ctx, "ws_CO_nope", model.StatusPending, model.ResolutionUpdate{
			Status: model.StatusCancelled, UpdatedAt: model.Now(),
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTransactionRepository_MarkTimeoutHandled(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	_, err := repo.Create(ctx, newPendingTransaction("ws_CO_th"))
	require.NoError(t, err)

	flipped, err := repo.MarkTimeoutHandled(ctx, "ws_CO_th")
	require.NoError(t, err)
	assert.True(t, flipped)

	flipped, err = repo.MarkTimeoutHandled(ctx, "ws_CO_th")
	require.NoError(t, err)
	assert.False(t, flipped)
}

func TestTransactionRepository_Find(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tx := newPendingTransaction(fmt.Sprintf("ws_CO_list_%d", i))
		if i < 2 {
			tx.Status = model.StatusSuccess
		}
		_, err := repo.Create(ctx, tx)
		require.NoError(t, err)
	}

	t.Run("filter by status", func(t *testing.T) {
		status := model.StatusSuccess
		txs, total, err := repo.Find(ctx, model.TransactionFilter{Status: &status})
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
		assert.Len(t, txs, 2)
	})

	t.Run("pagination", func(t *testing.T) {
		txs, total, err := repo.Find(ctx, model.TransactionFilter{Page: 2, PageSize: 2})
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
		assert.Len(t, txs, 2)
	})
}

func TestTransactionRepository_FindStalePending(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	now := model.Now()

	stale := newPendingTransaction("ws_CO_stale")
	stale.CreatedAt = now - 3600
	stale.UpdatedAt = stale.CreatedAt
	_, err := repo.Create(ctx, stale)
	require.NoError(t, err)

	fresh := newPendingTransaction("ws_CO_fresh")
	_, err = repo.Create(ctx, fresh)
	require.NoError(t, err)

	resolved := newPendingTransaction("ws_CO_resolved")
	resolved.Status = model.StatusSuccess
	resolved.CreatedAt = now - 3600
	resolved.UpdatedAt = resolved.CreatedAt
	_, err = repo.Create(ctx, resolved)
	require.NoError(t, err)

	found, err := repo.FindStalePending(ctx, now-60, 100)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "ws_CO_stale", found[0].CorrelationID)
}

func TestTransactionRepository_RepairPath(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	code := 0
	mismatch := newPendingTransaction("ws_CO_mismatch")
	mismatch.Status = model.StatusFailed
	mismatch.ResultCode = &code
	_, err := repo.Create(ctx, mismatch)
	require.NoError(t, err)

	_, err = repo.Create(ctx, newPendingTransaction("ws_CO_clean"))
	require.NoError(t, err)

	rows, err := repo.FindSuccessCodeMismatches(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ws_CO_mismatch", rows[0].CorrelationID)

	err = repo.ForceStatus(ctx, "ws_CO_mismatch", model.StatusSuccess)
	require.NoError(t, err)

	rows, err = repo.FindSuccessCodeMismatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	t.Run("force status on unknown id", func(t *testing.T) {
		err := repo.ForceStatus(ctx, "ws_CO_nope", model.StatusSuccess)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTransactionRepository_Stats(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	success := newPendingTransaction("ws_CO_stats1")
	success.Status = model.StatusSuccess
	success.Amount = 150
	_, err := repo.Create(ctx, success)
	require.NoError(t, err)

	b2c := newPendingTransaction("AG_stats2")
	b2c.Kind = model.KindB2C
	b2c.Status = model.StatusSuccess
	b2c.Amount = 50
	_, err = repo.Create(ctx, b2c)
	require.NoError(t, err)

	_, err = repo.Create(ctx, newPendingTransaction("ws_CO_stats3"))
	require.NoError(t, err)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ByStatus[model.StatusSuccess])
	assert.Equal(t, int64(1), stats.ByStatus[model.StatusPending])
	assert.Equal(t, int64(2), stats.ByKind[model.KindSTKPush])
	assert.Equal(t, int64(1), stats.ByKind[model.KindB2C])
	assert.Equal(t, int64(200), stats.SuccessAmount)
}
