// Package apperr holds the error kinds shared by the checkout core.
// Callers match with errors.Is against the sentinels; the richer types
// below unwrap to one of them.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrInvariant         = errors.New("invariant violation")
	ErrGateway           = errors.New("payment gateway error")
	ErrNotFound          = errors.New("not found")
	ErrDuplicatePayment  = errors.New("payment already exists for order")
	ErrInvalidDiscount   = errors.New("invalid discount")
)

type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every rejected field of a request.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validation builds a single-field ValidationError.
func Validation(field, reason string) error {
	return &ValidationError{Fields: []FieldError{{Field: field, Reason: reason}}}
}

// StockError reports which order line could not be reserved.
// Line is 1-based; zero means the reservation was not part of an order.
type StockError struct {
	Line      int    `json:"line,omitempty"`
	SKU       string `json:"sku"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func (e *StockError) Error() string {
	msg := fmt.Sprintf("insufficient stock for sku %s: requested %d, available %d", e.SKU, e.Requested, e.Available)
	if e.Line > 0 {
		msg = fmt.Sprintf("line %d: %s", e.Line, msg)
	}
	return msg
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

type TransitionError struct {
	From   string
	To     string
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid status transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Invariantf wraps ErrInvariant with a formatted detail.
func Invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with a formatted detail.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
