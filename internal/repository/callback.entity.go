package repository

import (
	"github.com/initials101/mpesa-gateway/internal/model"
)

type CallbackRecordEntity struct {
	ID            string `db:"id"             gorm:"primaryKey;column:id;type:uuid"`
	Kind          string `db:"kind"           gorm:"column:kind;not null"`
	CorrelationID string `db:"correlation_id" gorm:"column:correlation_id;index"`
	Payload       []byte `db:"payload"        gorm:"column:payload"`
	ReceivedAt    int64  `db:"received_at"    gorm:"column:received_at;not null"`
}

func (CallbackRecordEntity) TableName() string {
	return "callback_records"
}

func toCallbackRecordEntity(c *model.CallbackRecord) *CallbackRecordEntity {
	if c == nil {
		return nil
	}
	return &CallbackRecordEntity{
		ID:            c.ID,
		Kind:          string(c.Kind),
		CorrelationID: c.CorrelationID,
		Payload:       c.Payload,
		ReceivedAt:    c.ReceivedAt,
	}
}

func toCallbackRecordModel(e *CallbackRecordEntity) *model.CallbackRecord {
	if e == nil {
		return nil
	}
	return &model.CallbackRecord{
		ID:            e.ID,
		Kind:          model.TransactionKind(e.Kind),
		CorrelationID: e.CorrelationID,
		Payload:       e.Payload,
		ReceivedAt:    e.ReceivedAt,
	}
}
