package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/initials101/mpesa-gateway/internal/model"
	"github.com/initials101/mpesa-gateway/internal/services"
	xhttp "github.com/initials101/mpesa-gateway/pkg/http"
)

type MockPaymentService struct {
	mock.Mock
}

func (m *MockPaymentService) InitiateSTKPush(ctx context.Context, req model.PaymentRequest) (*model.Transaction, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *MockPaymentService) InitiateB2C(ctx context.Context, req model.PaymentRequest, commandID string) (*model.Transaction, error) {
	args := m.Called(ctx, req, commandID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *MockPaymentService) QueryTransaction(ctx context.Context, correlationID string) (*model.Transaction, error) {
	args := m.Called(ctx, correlationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *MockPaymentService) ListTransactions(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*model.Transaction), args.Get(1).(int64), args.Error(2)
}

func (m *MockPaymentService) ListCallbacks(ctx context.Context, correlationID string) ([]*model.CallbackRecord, error) {
	args := m.Called(ctx, correlationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.CallbackRecord), args.Error(1)
}

func (m *MockPaymentService) Stats(ctx context.Context) (*model.TransactionStats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TransactionStats), args.Error(1)
}

func (m *MockPaymentService) RetryTransaction(ctx context.Context, correlationID string) (*model.Transaction, error) {
	args := m.Called(ctx, correlationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *MockPaymentService) RepairMismatchedStatuses(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockPaymentService) AcceptCallback(ctx context.Context, kind model.TransactionKind, payload []byte) error {
	args := m.Called(ctx, kind, payload)
	return args.Error(0)
}

func setupTestContext(method, path string, body []byte) *xhttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	return ctx
}

func TestPaymentHandler_InitiateSTKPush(t *testing.T) {
	t.Run("successful initiation", func(t *testing.T) {
		svc := new(MockPaymentService)
		handler := NewPaymentHandler(svc)

		body, _ := json.Marshal(initiatePaymentRequest{
			Amount:           150,
			Phone:            "254712345678",
			AccountReference: "INV-001",
			Description:      "Order 1",
		})

		expected := &model.Transaction{
			CorrelationID: "ws_1",
			Kind:          model.KindSTKPush,
			Status:        model.StatusPending,
			Amount:        150,
		}
		svc.On("InitiateSTKPush", mock.Anything, mock.MatchedBy(func(req model.PaymentRequest) bool {
			return req.Amount == 150 && req.Phone == "254712345678"
		})).Return(expected, nil)

		ctx := setupTestContext("POST", "/api/v1/payments/stkpush", body)
		handler.InitiateSTKPush(ctx)

		assert.Equal(t, 201, ctx.Response.StatusCode())

		var got model.Transaction
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &got))
		assert.Equal(t, "ws_1", got.CorrelationID)
		assert.Equal(t, model.StatusPending, got.Status)
		svc.AssertExpectations(t)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		handler := NewPaymentHandler(new(MockPaymentService))

		ctx := setupTestContext("POST", "/api/v1/payments/stkpush", []byte("not json"))
		handler.InitiateSTKPush(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())
	})

	t.Run("provider rejection", func(t *testing.T) {
		svc := new(MockPaymentService)
		handler := NewPaymentHandler(svc)

		body, _ := json.Marshal(initiatePaymentRequest{Amount: 10, Phone: "254700000000", AccountReference: "X"})
		svc.On("InitiateSTKPush", mock.Anything, mock.Anything).
			Return(nil, services.ErrGatewayRejected)

		ctx := setupTestContext("POST", "/api/v1/payments/stkpush", body)
		handler.InitiateSTKPush(ctx)

		assert.Equal(t, 422, ctx.Response.StatusCode())
	})
}

func TestPaymentHandler_GetTransaction(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		svc := new(MockPaymentService)
		handler := NewPaymentHandler(svc)

		svc.On("QueryTransaction", mock.Anything, "ws_1").
			Return(&model.Transaction{CorrelationID: "ws_1", Status: model.StatusSuccess}, nil)

		ctx := setupTestContext("GET", "/api/v1/transactions/ws_1", nil)
		ctx.SetUserValue("id", "ws_1")
		handler.GetTransaction(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())
	})

	t.Run("not found", func(t *testing.T) {
		svc := new(MockPaymentService)
		handler := NewPaymentHandler(svc)

		svc.On("QueryTransaction", mock.Anything, "ghost").
			Return(nil, services.ErrNotFound)

		ctx := setupTestContext("GET", "/api/v1/transactions/ghost", nil)
		ctx.SetUserValue("id", "ghost")
		handler.GetTransaction(ctx)

		assert.Equal(t, 404, ctx.Response.StatusCode())
	})
}

func TestPaymentHandler_ListTransactions(t *testing.T) {
	svc := new(MockPaymentService)
	handler := NewPaymentHandler(svc)

	svc.On("ListTransactions", mock.Anything, mock.MatchedBy(func(f model.TransactionFilter) bool {
		return f.Status != nil && *f.Status == model.StatusSuccess && f.Page == 2 && f.Desc
	})).Return([]*model.Transaction{{CorrelationID: "ws_1"}}, int64(51), nil)

	ctx := setupTestContext("GET", "/api/v1/transactions?status=success&page=2&order=desc", nil)
	handler.ListTransactions(ctx)

	assert.Equal(t, 200, ctx.Response.StatusCode())

	var resp listTransactionsResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.Equal(t, int64(51), resp.Total)
	require.Len(t, resp.Items, 1)
}

func TestPaymentHandler_RetryTransaction(t *testing.T) {
	t.Run("not retryable", func(t *testing.T) {
		svc := new(MockPaymentService)
		handler := NewPaymentHandler(svc)

		svc.On("RetryTransaction", mock.Anything, "ws_1").
			Return(nil, services.ErrRetryNotAllowed)

		ctx := setupTestContext("POST", "/api/v1/transactions/ws_1/retry", nil)
		ctx.SetUserValue("id", "ws_1")
		handler.RetryTransaction(ctx)

		assert.Equal(t, 409, ctx.Response.StatusCode())
	})

	t.Run("retried", func(t *testing.T) {
		svc := new(MockPaymentService)
		handler := NewPaymentHandler(svc)

		svc.On("RetryTransaction", mock.Anything, "ws_1").
			Return(&model.Transaction{CorrelationID: "ws_2", Status: model.StatusPending}, nil)

		ctx := setupTestContext("POST", "/api/v1/transactions/ws_1/retry", nil)
		ctx.SetUserValue("id", "ws_1")
		handler.RetryTransaction(ctx)

		assert.Equal(t, 201, ctx.Response.StatusCode())
	})
}

func TestCallbackHandler_AlwaysAcknowledges(t *testing.T) {
	t.Run("acceptance failure still returns 200", func(t *testing.T) {
		svc := new(MockPaymentService)
		handler := NewCallbackHandler(svc)

		svc.On("AcceptCallback", mock.Anything, model.KindSTKPush, mock.Anything).
			Return(errors.New("store down"))

		ctx := setupTestContext("POST", "/api/v1/callbacks/stkpush", []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_1","ResultCode":0}}}`))
		handler.STKPushCallback(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())

		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
		assert.EqualValues(t, 0, resp["ResultCode"])
	})

	t.Run("b2c payload forwarded with kind", func(t *testing.T) {
		svc := new(MockPaymentService)
		handler := NewCallbackHandler(svc)

		payload := []byte(`{"Result":{"ConversationID":"AG_1","ResultCode":0}}`)
		svc.On("AcceptCallback", mock.Anything, model.KindB2C, payload).Return(nil)

		ctx := setupTestContext("POST", "/api/v1/callbacks/b2c", payload)
		handler.B2CResultCallback(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())
		svc.AssertExpectations(t)
	})
}
