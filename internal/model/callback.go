package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// CallbackRecord is the write-once audit row for every inbound webhook,
// stored regardless of whether the payload resolved a transaction.
type CallbackRecord struct {
	ID            string          `json:"id"`
	Kind          TransactionKind `json:"kind"`
	CorrelationID string          `json:"correlation_id"`
	Payload       []byte          `json:"payload"`
	ReceivedAt    int64           `json:"received_at"`
}

func (CallbackRecord) TableName() string { return "callback_records" }

func NewCallbackRecord(kind TransactionKind, correlationID string, payload []byte) *CallbackRecord {
	return &CallbackRecord{
		ID:            uuid.New().String(),
		Kind:          kind,
		CorrelationID: correlationID,
		Payload:       payload,
		ReceivedAt:    time.Now().Unix(),
	}
}

// CallbackJob is the queue envelope carrying a raw webhook body from
// the fast acknowledgment path to the processor.
type CallbackJob struct {
	RecordID string          `json:"record_id"`
	Kind     TransactionKind `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}

// STKCallbackEnvelope is the push-payment result Daraja posts to the
// callback URL. Metadata items are name/value pairs that get reduced
// into the transaction's flat metadata map.
type STKCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []CallbackMetadataItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type CallbackMetadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

// ReduceMetadataItems flattens Daraja's name/value item list into a string
// map, normalizing the handful of names we care about to our metadata keys.
func ReduceMetadataItems(items []CallbackMetadataItem) map[string]string {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		if item.Name == "" || item.Value == nil {
			continue
		}
		var v string
		switch val := item.Value.(type) {
		case string:
			v = val
		case float64:
			// JSON numbers decode as float64; receipt amounts and dates
			// are whole values, render them without an exponent
			v = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			b, err := json.Marshal(val)
			if err != nil {
				continue
			}
			v = string(b)
		}
		out[normalizeMetadataName(item.Name)] = v
	}
	return out
}

func normalizeMetadataName(name string) string {
	switch name {
	case "MpesaReceiptNumber":
		return MetaReceiptNumber
	case "TransactionDate":
		return MetaTransactionDate
	case "TransactionReceipt":
		return MetaB2CReceipt
	case "B2CChargesPaidAccountAvailableFunds":
		return MetaB2CCharges
	}
	// lower-case first rune, Daraja uses PascalCase names
	r := []rune(name)
	if r[0] >= 'A' && r[0] <= 'Z' {
		r[0] = r[0] - 'A' + 'a'
	}
	return string(r)
}

// B2CResultEnvelope is the disbursement result envelope. The transaction
// is matched against either ConversationID or OriginatorConversationID.
type B2CResultEnvelope struct {
	Result struct {
		ResultType               int    `json:"ResultType"`
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
		ResultParameters         struct {
			ResultParameter []CallbackMetadataItem `json:"ResultParameter"`
		} `json:"ResultParameters"`
	} `json:"Result"`
}

// ParseSTKCallback decodes a raw push-payment webhook body.
func ParseSTKCallback(payload []byte) (*STKCallbackEnvelope, error) {
	var env STKCallbackEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("parse stk callback: %w", err)
	}
	if env.Body.StkCallback.CheckoutRequestID == "" {
		return nil, fmt.Errorf("stk callback missing CheckoutRequestID")
	}
	return &env, nil
}

// ParseB2CResult decodes a raw disbursement webhook body.
func ParseB2CResult(payload []byte) (*B2CResultEnvelope, error) {
	var env B2CResultEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("parse b2c result: %w", err)
	}
	if env.Result.ConversationID == "" && env.Result.OriginatorConversationID == "" {
		return nil, fmt.Errorf("b2c result missing conversation identifiers")
	}
	return &env, nil
}
