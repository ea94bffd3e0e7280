package handlers

import (
	"context"

	"github.com/fasthttp/router"

	"github.com/initials101/mpesa-gateway/internal/model"
	xhttp "github.com/initials101/mpesa-gateway/pkg/http"
	"github.com/initials101/mpesa-gateway/pkg/logger"
)

type CallbackService interface {
	AcceptCallback(ctx context.Context, kind model.TransactionKind, payload []byte) error
}

// CallbackHandler receives provider webhooks. The provider gets a 200
// acknowledgment no matter what; a failure on our side must never make
// the provider retry or mark the callback URL dead.
type CallbackHandler struct {
	svc CallbackService
}

func NewCallbackHandler(svc CallbackService) *CallbackHandler {
	return &CallbackHandler{svc: svc}
}

func RegisterCallbackRoutes(e *router.Group, h *CallbackHandler) {
	e.POST("/callbacks/stkpush", h.STKPushCallback)
	e.POST("/callbacks/b2c", h.B2CResultCallback)
}

func (h *CallbackHandler) STKPushCallback(ctx *xhttp.RequestCtx) {
	h.accept(ctx, model.KindSTKPush)
}

func (h *CallbackHandler) B2CResultCallback(ctx *xhttp.RequestCtx) {
	h.accept(ctx, model.KindB2C)
}

func (h *CallbackHandler) accept(ctx *xhttp.RequestCtx, kind model.TransactionKind) {
	body := make([]byte, len(ctx.PostBody()))
	copy(body, ctx.PostBody())

	if err := h.svc.AcceptCallback(ctx, kind, body); err != nil {
		logger.Error("callback acceptance failed",
			"kind", string(kind),
			"error", err.Error(),
		)
	}

	// Daraja expects this acknowledgment shape.
	writeJSON(ctx, 200, map[string]interface{}{
		"ResultCode": 0,
		"ResultDesc": "Accepted",
	})
}
