package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/fasthttp/router"

	"github.com/initials101/mpesa-gateway/internal/model"
	"github.com/initials101/mpesa-gateway/internal/services"
	xhttp "github.com/initials101/mpesa-gateway/pkg/http"
)

type PaymentService interface {
	InitiateSTKPush(ctx context.Context, req model.PaymentRequest) (*model.Transaction, error)
	InitiateB2C(ctx context.Context, req model.PaymentRequest, commandID string) (*model.Transaction, error)
	QueryTransaction(ctx context.Context, correlationID string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error)
	ListCallbacks(ctx context.Context, correlationID string) ([]*model.CallbackRecord, error)
	Stats(ctx context.Context) (*model.TransactionStats, error)
	RetryTransaction(ctx context.Context, correlationID string) (*model.Transaction, error)
	RepairMismatchedStatuses(ctx context.Context) (int, error)
}

type PaymentHandler struct {
	svc PaymentService
}

func NewPaymentHandler(svc PaymentService) *PaymentHandler {
	return &PaymentHandler{svc: svc}
}

func RegisterPaymentRoutes(e *router.Group, h *PaymentHandler) {
	e.POST("/payments/stkpush", h.InitiateSTKPush)
	e.POST("/payments/b2c", h.InitiateB2C)
	e.GET("/transactions", h.ListTransactions)
	e.GET("/transactions/{id}", h.GetTransaction)
	e.GET("/transactions/{id}/callbacks", h.ListTransactionCallbacks)
	e.POST("/transactions/{id}/retry", h.RetryTransaction)
	e.GET("/stats", h.GetStats)
	e.POST("/admin/repair-statuses", h.RepairStatuses)
}

type initiatePaymentRequest struct {
	Amount           int64  `json:"amount"`
	Phone            string `json:"phone"`
	AccountReference string `json:"account_reference"`
	Description      string `json:"description"`
	CommandID        string `json:"command_id,omitempty"` // b2c only
}

type listTransactionsResponse struct {
	Items []*model.Transaction `json:"items"`
	Total int64                `json:"total"`
}

type repairResponse struct {
	Repaired int `json:"repaired"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *PaymentHandler) InitiateSTKPush(ctx *xhttp.RequestCtx) {
	var req initiatePaymentRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	tx, err := h.svc.InitiateSTKPush(ctx, model.PaymentRequest{
		Amount:           req.Amount,
		Phone:            req.Phone,
		AccountReference: req.AccountReference,
		Description:      req.Description,
	})
	if err != nil {
		if errors.Is(err, services.ErrGatewayRejected) {
			writeError(ctx, 422, err.Error())
			return
		}
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 201, tx)
}

func (h *PaymentHandler) InitiateB2C(ctx *xhttp.RequestCtx) {
	var req initiatePaymentRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	tx, err := h.svc.InitiateB2C(ctx, model.PaymentRequest{
		Amount:           req.Amount,
		Phone:            req.Phone,
		AccountReference: req.AccountReference,
		Description:      req.Description,
	}, req.CommandID)
	if err != nil {
		if errors.Is(err, services.ErrGatewayRejected) {
			writeError(ctx, 422, err.Error())
			return
		}
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 201, tx)
}

func (h *PaymentHandler) GetTransaction(ctx *xhttp.RequestCtx) {
	id, ok := ctx.UserValue("id").(string)
	if !ok || id == "" {
		writeError(ctx, 400, "missing transaction id")
		return
	}

	tx, err := h.svc.QueryTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			writeError(ctx, 404, "transaction not found")
			return
		}
		writeError(ctx, 500, err.Error())
		return
	}
	writeJSON(ctx, 200, tx)
}

func (h *PaymentHandler) ListTransactions(ctx *xhttp.RequestCtx) {
	var f model.TransactionFilter

	if v := query(ctx, "status"); v != "" {
		s := model.TransactionStatus(strings.ToUpper(v))
		f.Status = &s
	}
	if v := query(ctx, "kind"); v != "" {
		k := model.TransactionKind(strings.ToLower(v))
		f.Kind = &k
	}
	if v := query(ctx, "page"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Page = n
		}
	}
	if v := query(ctx, "page_size"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.PageSize = n
		}
	}
	if strings.EqualFold(query(ctx, "order"), "desc") {
		f.Desc = true
	}

	items, total, err := h.svc.ListTransactions(ctx, f)
	if err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, listTransactionsResponse{Items: items, Total: total})
}

func (h *PaymentHandler) ListTransactionCallbacks(ctx *xhttp.RequestCtx) {
	id, ok := ctx.UserValue("id").(string)
	if !ok || id == "" {
		writeError(ctx, 400, "missing transaction id")
		return
	}

	records, err := h.svc.ListCallbacks(ctx, id)
	if err != nil {
		writeError(ctx, 500, err.Error())
		return
	}
	writeJSON(ctx, 200, records)
}

func (h *PaymentHandler) RetryTransaction(ctx *xhttp.RequestCtx) {
	id, ok := ctx.UserValue("id").(string)
	if !ok || id == "" {
		writeError(ctx, 400, "missing transaction id")
		return
	}

	tx, err := h.svc.RetryTransaction(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotFound):
			writeError(ctx, 404, "transaction not found")
		case errors.Is(err, services.ErrRetryNotAllowed):
			writeError(ctx, 409, err.Error())
		default:
			writeError(ctx, 400, err.Error())
		}
		return
	}
	writeJSON(ctx, 201, tx)
}

func (h *PaymentHandler) GetStats(ctx *xhttp.RequestCtx) {
	stats, err := h.svc.Stats(ctx)
	if err != nil {
		writeError(ctx, 500, err.Error())
		return
	}
	writeJSON(ctx, 200, stats)
}

func (h *PaymentHandler) RepairStatuses(ctx *xhttp.RequestCtx) {
	repaired, err := h.svc.RepairMismatchedStatuses(ctx)
	if err != nil {
		writeError(ctx, 500, err.Error())
		return
	}
	writeJSON(ctx, 200, repairResponse{Repaired: repaired})
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	return json.Unmarshal(ctx.PostBody(), dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}
