package repository

import (
	"context"

	"github.com/initials101/mpesa-gateway/internal/model"
	"github.com/initials101/mpesa-gateway/pkg/pg"
)

// CallbackRepository persists the write-once webhook audit trail.
// Records are never updated or deleted by the gateway.
type CallbackRepository struct {
	*pg.DB
}

func NewCallbackRepository(db *pg.DB) *CallbackRepository {
	return &CallbackRepository{
		db,
	}
}

func (r *CallbackRepository) Create(ctx context.Context, c *model.CallbackRecord) (*model.CallbackRecord, error) {
	entity := toCallbackRecordEntity(c)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toCallbackRecordModel(entity), nil
}

func (r *CallbackRepository) ListByCorrelationID(ctx context.Context, correlationID string) ([]*model.CallbackRecord, error) {
	var entities []*CallbackRecordEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("received_at ASC").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}

	records := make([]*model.CallbackRecord, len(entities))
	for i, e := range entities {
		records[i] = toCallbackRecordModel(e)
	}
	return records, nil
}
