package model

import (
	"errors"
	"time"
)

// TransactionStatus is the lifecycle state of a payment transaction.
// PENDING is the only non-terminal state; once a transaction leaves it,
// no further transition is allowed except the administrative repair path.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusSuccess   TransactionStatus = "SUCCESS"
	StatusFailed    TransactionStatus = "FAILED"
	StatusCancelled TransactionStatus = "CANCELLED"
)

// IsTerminal reports whether the status permits no further transition.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// TransactionKind distinguishes the Daraja flows we reconcile.
type TransactionKind string

const (
	KindSTKPush TransactionKind = "stk_push" // business prompts the payer's device
	KindB2C     TransactionKind = "b2c"      // business disburses funds out
	KindC2B     TransactionKind = "c2b"      // merchant-initiated inbound payment
)

// Metadata keys with defined meaning. The metadata map is append-only;
// resolution merges new keys in, it never removes or rewrites existing ones.
const (
	MetaReceiptNumber   = "mpesaReceiptNumber"
	MetaTransactionDate = "transactionDate"
	MetaB2CReceipt      = "transactionReceipt"
	MetaB2CCharges      = "b2cChargesPaid"
	MetaRawPayload      = "rawProviderPayload"
)

// Transaction is the unit of reconciliation, keyed by the provider-issued
// correlation ID (CheckoutRequestID for STK push, ConversationID for B2C).
type Transaction struct {
	ID                       int64             `json:"id"`
	CorrelationID            string            `json:"correlation_id"`
	OriginatorConversationID string            `json:"originator_conversation_id,omitempty"`
	Kind                     TransactionKind   `json:"kind"`
	Amount                   int64             `json:"amount"`
	Phone                    string            `json:"phone"`
	AccountReference         string            `json:"account_reference"`
	Description              string            `json:"description,omitempty"`
	Status                   TransactionStatus `json:"status"`
	ResultCode               *int              `json:"result_code,omitempty"`
	ResultDesc               *string           `json:"result_desc,omitempty"`
	Metadata                 map[string]string `json:"metadata,omitempty"`
	TimeoutHandled           bool              `json:"timeout_handled"`
	CreatedAt                int64             `json:"created_at"` // seconds since epoch
	UpdatedAt                int64             `json:"updated_at"`
}

func (Transaction) TableName() string { return "transactions" }

// PaymentRequest is the input for initiating a payment lifecycle.
type PaymentRequest struct {
	Kind             TransactionKind
	Amount           int64
	Phone            string
	AccountReference string
	Description      string
}

func (p PaymentRequest) Validate() error {
	if p.Kind == "" {
		return errors.New("kind is required")
	}
	if p.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	if p.Phone == "" {
		return errors.New("phone is required")
	}
	if p.AccountReference == "" {
		return errors.New("account_reference is required")
	}
	return nil
}

// TransactionFilter controls Find queries.
type TransactionFilter struct {
	Status   *TransactionStatus
	Kind     *TransactionKind
	Page     int // 1-based
	PageSize int // default 50
	Desc     bool
}

// TransactionStats is the aggregate view over the store.
type TransactionStats struct {
	ByStatus      map[TransactionStatus]int64 `json:"by_status"`
	ByKind        map[TransactionKind]int64   `json:"by_kind"`
	SuccessAmount int64                       `json:"success_amount"`
}

// Now returns the epoch-second clock used for Created/UpdatedAt.
func Now() int64 { return time.Now().Unix() }
