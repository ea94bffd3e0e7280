package repository

import (
	"encoding/json"

	"github.com/initials101/mpesa-gateway/internal/model"
)

type TransactionEntity struct {
	ID                       int64   `db:"id"                         gorm:"primaryKey;autoIncrement;column:id"`
	CorrelationID            string  `db:"correlation_id"             gorm:"column:correlation_id;not null;uniqueIndex"`
	OriginatorConversationID string  `db:"originator_conversation_id" gorm:"column:originator_conversation_id;index"`
	Kind                     string  `db:"kind"                       gorm:"column:kind;not null;index"`
	Amount                   int64   `db:"amount"                     gorm:"column:amount;not null"`
	Phone                    string  `db:"phone"                      gorm:"column:phone;not null"`
	AccountReference         string  `db:"account_reference"          gorm:"column:account_reference;not null"`
	Description              string  `db:"description"                gorm:"column:description"`
	Status                   string  `db:"status"                     gorm:"column:status;not null;index"`
	ResultCode               *int    `db:"result_code"                gorm:"column:result_code"`
	ResultDesc               *string `db:"result_desc"               gorm:"column:result_desc"`
	Metadata                 string  `db:"metadata"                   gorm:"column:metadata"` // JSON object
	TimeoutHandled           bool    `db:"timeout_handled"            gorm:"column:timeout_handled;not null;default:false"`
	CreatedAt                int64   `db:"created_at"                 gorm:"column:created_at;not null"`
	UpdatedAt                int64   `db:"updated_at"                 gorm:"column:updated_at;not null"`
}

func (TransactionEntity) TableName() string {
	return "transactions"
}

func toTransactionEntity(t *model.Transaction) *TransactionEntity {
	if t == nil {
		return nil
	}
	e := &TransactionEntity{
		ID:                       t.ID,
		CorrelationID:            t.CorrelationID,
		OriginatorConversationID: t.OriginatorConversationID,
		Kind:                     string(t.Kind),
		Amount:                   t.Amount,
		Phone:                    t.Phone,
		AccountReference:         t.AccountReference,
		Description:              t.Description,
		Status:                   string(t.Status),
		ResultCode:               t.ResultCode,
		ResultDesc:               t.ResultDesc,
		TimeoutHandled:           t.TimeoutHandled,
		CreatedAt:                t.CreatedAt,
		UpdatedAt:                t.UpdatedAt,
	}
	if len(t.Metadata) > 0 {
		if b, err := json.Marshal(t.Metadata); err == nil {
			e.Metadata = string(b)
		}
	}
	return e
}

func toTransactionModel(e *TransactionEntity) *model.Transaction {
	if e == nil {
		return nil
	}
	t := &model.Transaction{
		ID:                       e.ID,
		CorrelationID:            e.CorrelationID,
		OriginatorConversationID: e.OriginatorConversationID,
		Kind:                     model.TransactionKind(e.Kind),
		Amount:                   e.Amount,
		Phone:                    e.Phone,
		AccountReference:         e.AccountReference,
		Description:              e.Description,
		Status:                   model.TransactionStatus(e.Status),
		ResultCode:               e.ResultCode,
		ResultDesc:               e.ResultDesc,
		TimeoutHandled:           e.TimeoutHandled,
		CreatedAt:                e.CreatedAt,
		UpdatedAt:                e.UpdatedAt,
	}
	if e.Metadata != "" {
		m := make(map[string]string)
		if err := json.Unmarshal([]byte(e.Metadata), &m); err == nil {
			t.Metadata = m
		}
	}
	return t
}

func toTransactionModels(entities []*TransactionEntity) []*model.Transaction {
	if entities == nil {
		return nil
	}
	models := make([]*model.Transaction, len(entities))
	for i, e := range entities {
		models[i] = toTransactionModel(e)
	}
	return models
}
