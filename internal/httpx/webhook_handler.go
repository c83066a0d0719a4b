package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sokoby/checkout/internal/apperr"
	"github.com/sokoby/checkout/internal/webhook"
)

const maxWebhookBody = 1 << 20

type WebhookIngress interface {
	Handle(ctx context.Context, payload []byte, signature string) (webhook.Result, error)
}

type WebhookHandler struct {
	Ingress WebhookIngress
	Log     *zap.Logger
}

func (h *WebhookHandler) Register(r chi.Router) {
	r.Post("/webhooks/payments", h.receive)
}

// receive answers 400 only for deliveries that must never be retried and 500
// when a retry may succeed; everything else is acknowledged.
func (h *WebhookHandler) receive(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "payload too large"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	res, err := h.Ingress.Handle(ctx, payload, r.Header.Get(webhook.SignatureHeader))
	switch {
	case errors.Is(err, apperr.ErrInvalidSignature):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid signature"})
	case err != nil:
		h.Log.Error("webhook not processed", zap.String("event_id", res.EventID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "processing failed"})
	default:
		writeJSON(w, http.StatusOK, res)
	}
}
