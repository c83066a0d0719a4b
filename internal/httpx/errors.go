package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sokoby/checkout/internal/apperr"
	"github.com/sokoby/checkout/internal/pricing"
)

type errorBody struct {
	Error    string              `json:"error"`
	Fields   []apperr.FieldError `json:"fields,omitempty"`
	Stock    *apperr.StockError  `json:"stock,omitempty"`
	Discount string              `json:"discount,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP. Anything unrecognised is a
// 500 whose detail stays in the log.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	code, body := classify(err)
	if code >= http.StatusInternalServerError {
		log.Error("request failed", zap.Int("status", code), zap.Error(err))
	}
	writeJSON(w, code, body)
}

func classify(err error) (int, errorBody) {
	var (
		ve *apperr.ValidationError
		se *apperr.StockError
		de *pricing.DiscountError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, errorBody{Error: "validation failed", Fields: ve.Fields}
	case errors.As(err, &se):
		return http.StatusUnprocessableEntity, errorBody{Error: "insufficient stock", Stock: se}
	case errors.As(err, &de):
		return http.StatusBadRequest, errorBody{Error: "invalid discount", Discount: de.Reason}
	case errors.Is(err, apperr.ErrInvalidSignature):
		return http.StatusBadRequest, errorBody{Error: "invalid signature"}
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrPaymentNotFound):
		return http.StatusNotFound, errorBody{Error: "not found"}
	case errors.Is(err, apperr.ErrInvalidTransition):
		return http.StatusConflict, errorBody{Error: err.Error()}
	case errors.Is(err, apperr.ErrDuplicatePayment):
		return http.StatusConflict, errorBody{Error: "payment already exists"}
	case errors.Is(err, apperr.ErrGateway):
		return http.StatusBadGateway, errorBody{Error: "payment gateway unavailable"}
	}
	return http.StatusInternalServerError, errorBody{Error: "internal error"}
}
