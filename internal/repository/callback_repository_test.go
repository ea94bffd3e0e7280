package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/initials101/mpesa-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbackRepository_CreateAndList(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewCallbackRepository(db)
	ctx := context.Background()

	first := &model.CallbackRecord{
		ID:            uuid.New().String(),
		Kind:          model.KindSTKPush,
		CorrelationID: "ws_CO_audit",
		Payload:       []byte(`{"Body":{"stkCallback":{"ResultCode":0}}}`),
		ReceivedAt:    1000,
	}
	_, err := repo.Create(ctx, first)
	require.NoError(t, err)

	// a replayed webhook gets its own record
	second := &model.CallbackRecord{
		ID:            uuid.New().String(),
		Kind:          model.KindSTKPush,
		CorrelationID: "ws_CO_audit",
		Payload:       []byte(`{"Body":{"stkCallback":{"ResultCode":0}}}`),
		ReceivedAt:    1005,
	}
	_, err = repo.Create(ctx, second)
	require.NoError(t, err)

	other := &model.CallbackRecord{
		ID:            uuid.New().String(),
		Kind:          model.KindB2C,
		CorrelationID: "AG_other",
		Payload:       []byte(`{}`),
		ReceivedAt:    1010,
	}
	_, err = repo.Create(ctx, other)
	require.NoError(t, err)

	records, err := repo.ListByCorrelationID(ctx, "ws_CO_audit")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, first.ID, records[0].ID)
	assert.Equal(t, second.ID, records[1].ID)

	records, err = repo.ListByCorrelationID(ctx, "ws_CO_none")
	require.NoError(t, err)
	assert.Empty(t, records)
}
