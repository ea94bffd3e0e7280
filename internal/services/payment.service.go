package services

import (
	"context"
	"errors"
	"fmt"

	gateway "github.com/initials101/mpesa-gateway/internal/gateways"
	"github.com/initials101/mpesa-gateway/internal/model"
	"github.com/initials101/mpesa-gateway/internal/reconcile"
	"github.com/initials101/mpesa-gateway/internal/repository"
	"github.com/initials101/mpesa-gateway/pkg/logger"
	"github.com/initials101/mpesa-gateway/pkg/prom"
)

var (
	ErrNotFound        = errors.New("transaction not found")
	ErrGatewayRejected = errors.New("payment request rejected by provider")
	ErrRetryNotAllowed = errors.New("only FAILED or CANCELLED transactions can be retried")
	ErrUnsupportedKind = errors.New("unsupported transaction kind")
)

type TransactionStore interface {
	Create(ctx context.Context, t *model.Transaction) (*model.Transaction, error)
	FindByCorrelationID(ctx context.Context, correlationID string) (*model.Transaction, error)
	FindByEitherID(ctx context.Context, conversationID, originatorID string) ([]*model.Transaction, error)
	Find(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error)
	FindSuccessCodeMismatches(ctx context.Context) ([]*model.Transaction, error)
	ForceStatus(ctx context.Context, correlationID string, status model.TransactionStatus) error
	Stats(ctx context.Context) (*model.TransactionStats, error)
}

type CallbackStore interface {
	Create(ctx context.Context, c *model.CallbackRecord) (*model.CallbackRecord, error)
	ListByCorrelationID(ctx context.Context, correlationID string) ([]*model.CallbackRecord, error)
}

// PaymentGateway is the provider client slice the service initiates through.
type PaymentGateway interface {
	STKPush(ctx context.Context, amount int64, phone, accountRef, description string) (*gateway.InitiateResponse, error)
	B2CPayment(ctx context.Context, amount int64, phone, commandID, remarks string) (*gateway.InitiateResponse, error)
}

// Resolver is the reconciliation engine slice the service hands
// lifecycle ownership and webhook resolutions to.
type Resolver interface {
	Begin(tx *model.Transaction)
	Resolve(ctx context.Context, source string, tx *model.Transaction, upd model.ResolutionUpdate) (bool, error)
}

// Publisher pushes raw callback payloads onto the processing queue.
type Publisher interface {
	PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error)
}

type PaymentService struct {
	transactions TransactionStore
	callbacks    CallbackStore
	gateway      PaymentGateway
	resolver     Resolver
	queue        Publisher
}

func NewPaymentService(transactions TransactionStore, callbacks CallbackStore, gw PaymentGateway, resolver Resolver, queue Publisher) *PaymentService {
	return &PaymentService{
		transactions: transactions,
		callbacks:    callbacks,
		gateway:      gw,
		resolver:     resolver,
		queue:        queue,
	}
}

// InitiateSTKPush asks the provider to prompt the payer's device, then
// persists the PENDING transaction and starts its reconciliation
// lifecycle. A provider business rejection surfaces as
// ErrGatewayRejected, not as a transport error.
func (s *PaymentService) InitiateSTKPush(ctx context.Context, req model.PaymentRequest) (*model.Transaction, error) {
	req.Kind = model.KindSTKPush
	if err := req.Validate(); err != nil {
		return nil, err
	}

	resp, err := s.gateway.STKPush(ctx, req.Amount, req.Phone, req.AccountReference, req.Description)
	if err != nil {
		return nil, fmt.Errorf("stk push: %w", err)
	}
	if !resp.Accepted {
		logger.Warn("stk push rejected",
			"phone", req.Phone,
			"response_code", resp.ResponseCode,
			"description", resp.ResponseDescription,
		)
		return nil, fmt.Errorf("%w: %s", ErrGatewayRejected, resp.ResponseDescription)
	}

	return s.persistPending(ctx, req, resp)
}

// InitiateB2C disburses funds to the counterparty. commandID selects
// the provider's disbursement flavor and defaults inside the gateway
// client when empty.
func (s *PaymentService) InitiateB2C(ctx context.Context, req model.PaymentRequest, commandID string) (*model.Transaction, error) {
	req.Kind = model.KindB2C
	if err := req.Validate(); err != nil {
		return nil, err
	}

	resp, err := s.gateway.B2CPayment(ctx, req.Amount, req.Phone, commandID, req.Description)
	if err != nil {
		return nil, fmt.Errorf("b2c payment: %w", err)
	}
	if !resp.Accepted {
		logger.Warn("b2c payment rejected",
			"phone", req.Phone,
			"response_code", resp.ResponseCode,
			"description", resp.ResponseDescription,
		)
		return nil, fmt.Errorf("%w: %s", ErrGatewayRejected, resp.ResponseDescription)
	}

	return s.persistPending(ctx, req, resp)
}

func (s *PaymentService) persistPending(ctx context.Context, req model.PaymentRequest, resp *gateway.InitiateResponse) (*model.Transaction, error) {
	tx := &model.Transaction{
		CorrelationID:            resp.CorrelationID,
		OriginatorConversationID: resp.OriginatorConversationID,
		Kind:                     req.Kind,
		Amount:                   req.Amount,
		Phone:                    req.Phone,
		AccountReference:         req.AccountReference,
		Description:              req.Description,
		Status:                   model.StatusPending,
	}
	created, err := s.transactions.Create(ctx, tx)
	if err != nil {
		// Accepted by the provider but not persisted; the sweeper cannot
		// help a row that does not exist, so this must be loud.
		logger.Error("accepted payment could not be persisted",
			"correlation_id", resp.CorrelationID,
			"error", err.Error(),
		)
		return nil, fmt.Errorf("persist transaction: %w", err)
	}

	s.resolver.Begin(created)
	logger.Info("payment initiated",
		"correlation_id", created.CorrelationID,
		"kind", string(created.Kind),
		"amount", created.Amount,
	)
	return created, nil
}

// AcceptCallback is the fast acknowledgment path. It records the raw
// payload for audit and enqueues it for processing; the HTTP layer
// responds 200 regardless, so any error here is for logging only.
func (s *PaymentService) AcceptCallback(ctx context.Context, kind model.TransactionKind, payload []byte) error {
	correlationID := peekCorrelationID(kind, payload)
	record := model.NewCallbackRecord(kind, correlationID, payload)

	if _, err := s.callbacks.Create(ctx, record); err != nil {
		logger.Error("callback audit write failed",
			"correlation_id", correlationID,
			"kind", string(kind),
			"error", err.Error(),
		)
	}
	prom.AddCallbackReceived(string(kind))

	job := model.CallbackJob{RecordID: record.ID, Kind: kind, Payload: payload}
	if _, err := s.queue.PublishJSON(ctx, job, nil); err != nil {
		logger.Error("callback enqueue failed, processing inline",
			"correlation_id", correlationID,
			"error", err.Error(),
		)
		// Queue outage must not lose the resolution.
		return s.ProcessCallback(ctx, kind, payload)
	}
	return nil
}

// peekCorrelationID extracts the correlation ID for the audit record
// without failing the fast path on malformed payloads.
func peekCorrelationID(kind model.TransactionKind, payload []byte) string {
	switch kind {
	case model.KindB2C:
		if env, err := model.ParseB2CResult(payload); err == nil {
			if env.Result.ConversationID != "" {
				return env.Result.ConversationID
			}
			return env.Result.OriginatorConversationID
		}
	default:
		if env, err := model.ParseSTKCallback(payload); err == nil {
			return env.Body.StkCallback.CheckoutRequestID
		}
	}
	return ""
}

// ProcessCallback parses a webhook payload and hands the resolution to
// the reconciliation engine. Unknown correlation IDs are logged and
// discarded; the provider may call back for transactions this instance
// never created.
func (s *PaymentService) ProcessCallback(ctx context.Context, kind model.TransactionKind, payload []byte) error {
	switch kind {
	case model.KindB2C:
		return s.processB2CResult(ctx, payload)
	case model.KindSTKPush:
		return s.processSTKCallback(ctx, payload)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
}

func (s *PaymentService) processSTKCallback(ctx context.Context, payload []byte) error {
	env, err := model.ParseSTKCallback(payload)
	if err != nil {
		return err
	}
	cb := env.Body.StkCallback

	tx, err := s.transactions.FindByCorrelationID(ctx, cb.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			logger.Warn("callback for unknown transaction discarded",
				"correlation_id", cb.CheckoutRequestID,
				"result_code", cb.ResultCode,
			)
			return nil
		}
		return err
	}

	metadata := model.ReduceMetadataItems(cb.CallbackMetadata.Item)
	upd := reconcile.ProviderResolution(cb.ResultCode, cb.ResultDesc, metadata)
	_, err = s.resolver.Resolve(ctx, reconcile.SourceWebhook, tx, upd)
	return err
}

func (s *PaymentService) processB2CResult(ctx context.Context, payload []byte) error {
	env, err := model.ParseB2CResult(payload)
	if err != nil {
		return err
	}
	res := env.Result

	matches, err := s.transactions.FindByEitherID(ctx, res.ConversationID, res.OriginatorConversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			logger.Warn("b2c result for unknown transaction discarded",
				"conversation_id", res.ConversationID,
				"originator_conversation_id", res.OriginatorConversationID,
			)
			return nil
		}
		return err
	}

	tx := matches[0]
	if len(matches) > 1 {
		// Both identifiers matched different rows. Prefer the primary
		// conversation ID and make the ambiguity visible.
		for _, m := range matches {
			if m.CorrelationID == res.ConversationID {
				tx = m
				break
			}
		}
		logger.Warn("ambiguous b2c result matched multiple transactions",
			"conversation_id", res.ConversationID,
			"originator_conversation_id", res.OriginatorConversationID,
			"match_count", len(matches),
			"resolved_correlation_id", tx.CorrelationID,
		)
	}

	metadata := model.ReduceMetadataItems(res.ResultParameters.ResultParameter)
	if metadata == nil {
		metadata = make(map[string]string, 1)
	}
	if res.TransactionID != "" {
		metadata[model.MetaB2CReceipt] = res.TransactionID
	}

	upd := reconcile.ProviderResolution(res.ResultCode, res.ResultDesc, metadata)
	_, err = s.resolver.Resolve(ctx, reconcile.SourceWebhook, tx, upd)
	return err
}

// QueryTransaction is the read path, not part of reconciliation.
func (s *PaymentService) QueryTransaction(ctx context.Context, correlationID string) (*model.Transaction, error) {
	tx, err := s.transactions.FindByCorrelationID(ctx, correlationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	return tx, err
}

func (s *PaymentService) ListTransactions(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error) {
	return s.transactions.Find(ctx, f)
}

func (s *PaymentService) ListCallbacks(ctx context.Context, correlationID string) ([]*model.CallbackRecord, error) {
	return s.callbacks.ListByCorrelationID(ctx, correlationID)
}

func (s *PaymentService) Stats(ctx context.Context) (*model.TransactionStats, error) {
	return s.transactions.Stats(ctx)
}

// RetryTransaction re-runs initiation for a FAILED or CANCELLED
// transaction. The retry is a new lifecycle with a new correlation ID;
// the original row is left as the historical record.
func (s *PaymentService) RetryTransaction(ctx context.Context, correlationID string) (*model.Transaction, error) {
	tx, err := s.transactions.FindByCorrelationID(ctx, correlationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if tx.Status != model.StatusFailed && tx.Status != model.StatusCancelled {
		return nil, ErrRetryNotAllowed
	}

	req := model.PaymentRequest{
		Kind:             tx.Kind,
		Amount:           tx.Amount,
		Phone:            tx.Phone,
		AccountReference: tx.AccountReference,
		Description:      tx.Description,
	}
	switch tx.Kind {
	case model.KindSTKPush:
		return s.InitiateSTKPush(ctx, req)
	case model.KindB2C:
		return s.InitiateB2C(ctx, req, "")
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, tx.Kind)
	}
}

// RepairMismatchedStatuses is the administrative recovery path for rows
// whose result code indicates success but whose status is not SUCCESS.
// Every correction is logged; returns the number of rows corrected.
func (s *PaymentService) RepairMismatchedStatuses(ctx context.Context) (int, error) {
	rows, err := s.transactions.FindSuccessCodeMismatches(ctx)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, tx := range rows {
		if err := s.transactions.ForceStatus(ctx, tx.CorrelationID, model.StatusSuccess); err != nil {
			logger.Error("status repair failed",
				"correlation_id", tx.CorrelationID,
				"error", err.Error(),
			)
			continue
		}
		logger.Warn("repaired success-code status mismatch",
			"correlation_id", tx.CorrelationID,
			"previous_status", string(tx.Status),
		)
		repaired++
	}
	return repaired, nil
}
