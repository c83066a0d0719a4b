package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sokoby/checkout/internal/orders"
	"github.com/sokoby/checkout/internal/payments"
	"github.com/sokoby/checkout/internal/redisx"
)

const IdempotencyHeader = "Idempotency-Key"

type OrderService interface {
	Place(ctx context.Context, in orders.PlaceInput) (orders.Placed, error)
	Get(ctx context.Context, id string) (orders.Order, error)
	Cancel(ctx context.Context, id string) (orders.Order, error)
	UpdateStatus(ctx context.Context, id string, next orders.Status) (orders.Order, error)
}

type PaymentReader interface {
	GetByOrder(ctx context.Context, orderID string) (payments.Payment, error)
}

type StatusCache interface {
	Get(ctx context.Context, orderID string) (redisx.OrderStatus, bool, error)
	Set(ctx context.Context, st redisx.OrderStatus) error
}

type Idempotency interface {
	Claim(ctx context.Context, key string) (redisx.StoredResponse, bool, error)
	Complete(ctx context.Context, key string, resp redisx.StoredResponse) error
	Release(ctx context.Context, key string) error
}

// OrdersHandler serves the order API. Cache and Idem are optional.
type OrdersHandler struct {
	Orders   OrderService
	Payments PaymentReader
	Cache    StatusCache
	Idem     Idempotency
	Log      *zap.Logger
}

type statusReq struct {
	Status orders.Status `json:"status"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.placeOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Get("/orders/{id}/payment", h.getPayment)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/status", h.updateStatus)
}

func (h *OrdersHandler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var in orders.PlaceInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	key := r.Header.Get(IdempotencyHeader)
	if key != "" && h.Idem != nil {
		stored, claimed, err := h.Idem.Claim(ctx, key)
		switch {
		case errors.Is(err, redisx.ErrInFlight):
			writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
			return
		case err != nil:
			// Redis is a shortcut; the order can still be placed.
			h.Log.Warn("idempotency claim failed", zap.Error(err))
			key = ""
		case !claimed:
			w.Header().Set("Idempotent-Replayed", "true")
			writeStored(w, stored)
			return
		}
	}

	placed, err := h.Orders.Place(ctx, in)
	if err != nil {
		if key != "" && h.Idem != nil {
			if rerr := h.Idem.Release(context.WithoutCancel(ctx), key); rerr != nil {
				h.Log.Warn("idempotency release failed", zap.Error(rerr))
			}
		}
		writeError(w, h.Log, err)
		return
	}

	body, err := json.Marshal(placed)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	resp := redisx.StoredResponse{Status: http.StatusCreated, Location: "/orders/" + placed.Order.ID, Body: body}
	if key != "" && h.Idem != nil {
		if err := h.Idem.Complete(ctx, key, resp); err != nil {
			h.Log.Warn("idempotency store failed", zap.String("order_id", placed.Order.ID), zap.Error(err))
		}
	}
	writeStored(w, resp)
}

func writeStored(w http.ResponseWriter, resp redisx.StoredResponse) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Location != "" {
		w.Header().Set("Location", resp.Location)
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Orders.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// getStatus answers from the cache when it can and refills it on a miss.
func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Cache != nil {
		st, ok, err := h.Cache.Get(ctx, orderID)
		if err != nil {
			h.Log.Warn("status cache read failed", zap.String("order_id", orderID), zap.Error(err))
		}
		if ok {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}

	o, err := h.Orders.Get(ctx, orderID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	st := redisx.OrderStatus{OrderID: o.ID, Status: string(o.Status), UpdatedAt: o.UpdatedAt}
	if h.Cache != nil {
		if err := h.Cache.Set(ctx, st); err != nil {
			h.Log.Warn("status cache write failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *OrdersHandler) getPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	p, err := h.Payments.GetByOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.Cancel(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "status is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.UpdateStatus(ctx, chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
