package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/initials101/mpesa-gateway/internal/model"
	"github.com/initials101/mpesa-gateway/pkg/pg"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no transaction matches a correlation ID.
	ErrNotFound = errors.New("transaction not found")
	// ErrDuplicateCorrelationID is returned when Create hits the unique index.
	ErrDuplicateCorrelationID = errors.New("correlation id already exists")
)

type TransactionRepository struct {
	*pg.DB
}

func NewTransactionRepository(db *pg.DB) *TransactionRepository {
	return &TransactionRepository{
		db,
	}
}

func (r *TransactionRepository) Create(ctx context.Context, t *model.Transaction) (*model.Transaction, error) {
	if t.CreatedAt == 0 {
		t.CreatedAt = model.Now()
	}
	if t.UpdatedAt == 0 {
		t.UpdatedAt = t.CreatedAt
	}
	entity := toTransactionEntity(t)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateCorrelationID
		}
		return nil, err
	}

	return toTransactionModel(entity), nil
}

// FindByCorrelationID looks a transaction up by its primary correlation ID.
func (r *TransactionRepository) FindByCorrelationID(ctx context.Context, correlationID string) (*model.Transaction, error) {
	var entity TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toTransactionModel(&entity), nil
}

// FindByEitherID returns every transaction whose primary or originator
// conversation ID matches one of the given identifiers. Disbursement
// webhooks may be keyed by either, so callers get the full match set and
// decide what an ambiguous multi-match means.
func (r *TransactionRepository) FindByEitherID(ctx context.Context, conversationID, originatorID string) ([]*model.Transaction, error) {
	q := r.Read(ctx).WithContext(ctx).Model(&TransactionEntity{})

	switch {
	case conversationID != "" && originatorID != "":
		q = q.Where(
			"correlation_id IN (?, ?) OR originator_conversation_id IN (?, ?)",
			conversationID, originatorID, conversationID, originatorID,
		)
	case conversationID != "":
		q = q.Where("correlation_id = ? OR originator_conversation_id = ?", conversationID, conversationID)
	case originatorID != "":
		q = q.Where("correlation_id = ? OR originator_conversation_id = ?", originatorID, originatorID)
	default:
		return nil, ErrNotFound
	}

	var entities []*TransactionEntity
	if err := q.Find(&entities).Error; err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, ErrNotFound
	}
	return toTransactionModels(entities), nil
}

// CompareAndSetStatus applies a terminal transition if and only if the
// row's status still equals expected at write time. Returns false when
// another resolution source already won the race. The metadata merge is
// append-only: keys already present are never overwritten.
func (r *TransactionRepository) CompareAndSetStatus(ctx context.Context, correlationID string, expected model.TransactionStatus, upd model.ResolutionUpdate) (bool, error) {
	applied := false

	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		var entity TransactionEntity
		err := r.Write(ctx).WithContext(ctx).
			Where("correlation_id = ?", correlationID).
			First(&entity).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		metadata := mergeMetadataJSON(entity.Metadata, upd.Metadata)

		res := r.Write(ctx).WithContext(ctx).
			Model(&TransactionEntity{}).
			Where("correlation_id = ? AND status = ?", correlationID, string(expected)).
			Updates(map[string]interface{}{
				"status":          string(upd.Status),
				"result_code":     upd.ResultCode,
				"result_desc":     upd.ResultDesc,
				"metadata":        metadata,
				"timeout_handled": upd.TimeoutHandled,
				"updated_at":      upd.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		applied = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// MarkTimeoutHandled flips the flag for a transaction whose timeout fired
// after it had already resolved. No-op when the flag is already set.
func (r *TransactionRepository) MarkTimeoutHandled(ctx context.Context, correlationID string) (bool, error) {
	res := r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("correlation_id = ? AND timeout_handled = ?", correlationID, false).
		Updates(map[string]interface{}{
			"timeout_handled": true,
			"updated_at":      model.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *TransactionRepository) Find(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error) {
	q := r.Read(ctx).WithContext(ctx).Model(&TransactionEntity{})

	if f.Status != nil {
		q = q.Where("status = ?", string(*f.Status))
	}
	if f.Kind != nil {
		q = q.Where("kind = ?", string(*f.Kind))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at"
	if f.Desc {
		order += " DESC"
	} else {
		order += " ASC"
	}

	pageSize := f.PageSize
	if pageSize <= 0 || pageSize > 1000 {
		pageSize = 50
	}
	page := f.Page
	if page < 1 {
		page = 1
	}

	var entities []*TransactionEntity
	if err := q.Order(order).Limit(pageSize).Offset((page - 1) * pageSize).Find(&entities).Error; err != nil {
		return nil, 0, err
	}

	return toTransactionModels(entities), total, nil
}

// FindStalePending returns PENDING transactions created at or before the
// cutoff whose timeout has not yet been handled. The deadline sweeper uses
// this to re-arm timeouts lost across restarts.
func (r *TransactionRepository) FindStalePending(ctx context.Context, cutoff int64, limit int) ([]*model.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	var entities []*TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("status = ? AND created_at <= ? AND timeout_handled = ?", string(model.StatusPending), cutoff, false).
		Order("created_at ASC").
		Limit(limit).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toTransactionModels(entities), nil
}

// FindSuccessCodeMismatches returns rows where the provider reported the
// success code but the persisted status is not SUCCESS. This is the
// historical defect class the repair path corrects.
func (r *TransactionRepository) FindSuccessCodeMismatches(ctx context.Context) ([]*model.Transaction, error) {
	var entities []*TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("result_code = ? AND status <> ?", 0, string(model.StatusSuccess)).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toTransactionModels(entities), nil
}

// ForceStatus is the administrative correction path. It bypasses the CAS
// gate deliberately; normal reconciliation must never use it.
func (r *TransactionRepository) ForceStatus(ctx context.Context, correlationID string, status model.TransactionStatus) error {
	res := r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("correlation_id = ?", correlationID).
		Updates(map[string]interface{}{
			"status":     string(status),
			"updated_at": model.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *TransactionRepository) Stats(ctx context.Context) (*model.TransactionStats, error) {
	stats := &model.TransactionStats{
		ByStatus: make(map[model.TransactionStatus]int64),
		ByKind:   make(map[model.TransactionKind]int64),
	}

	type bucket struct {
		Key   string
		Total int64
	}

	var byStatus []bucket
	err := r.Read(ctx).WithContext(ctx).Model(&TransactionEntity{}).
		Select("status AS key, COUNT(*) AS total").
		Group("status").
		Scan(&byStatus).Error
	if err != nil {
		return nil, err
	}
	for _, b := range byStatus {
		stats.ByStatus[model.TransactionStatus(b.Key)] = b.Total
	}

	var byKind []bucket
	err = r.Read(ctx).WithContext(ctx).Model(&TransactionEntity{}).
		Select("kind AS key, COUNT(*) AS total").
		Group("kind").
		Scan(&byKind).Error
	if err != nil {
		return nil, err
	}
	for _, b := range byKind {
		stats.ByKind[model.TransactionKind(b.Key)] = b.Total
	}

	var successAmount *int64
	err = r.Read(ctx).WithContext(ctx).Model(&TransactionEntity{}).
		Select("SUM(amount)").
		Where("status = ?", string(model.StatusSuccess)).
		Scan(&successAmount).Error
	if err != nil {
		return nil, err
	}
	if successAmount != nil {
		stats.SuccessAmount = *successAmount
	}

	return stats, nil
}

func mergeMetadataJSON(existing string, add map[string]string) string {
	merged := make(map[string]string)
	if existing != "" {
		_ = json.Unmarshal([]byte(existing), &merged)
	}
	for k, v := range add {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return ""
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return existing
	}
	return string(b)
}
