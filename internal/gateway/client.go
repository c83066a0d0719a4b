// Package gateway talks to the external card-payment gateway. It only opens
// checkout sessions and reads their outcome back; settlement of the outcome
// happens in the payments package.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/sokoby/checkout/internal/apperr"
)

type OutcomeKind string

const (
	Pending   OutcomeKind = "PENDING"
	Succeeded OutcomeKind = "SUCCEEDED"
	Failed    OutcomeKind = "FAILED"
	Canceled  OutcomeKind = "CANCELED"
)

func (k OutcomeKind) Terminal() bool {
	return k == Succeeded || k == Failed || k == Canceled
}

// Outcome is the gateway's verdict on a checkout session, normalised from
// either a webhook or a direct lookup.
type Outcome struct {
	Kind            OutcomeKind
	Reason          string
	PaymentIntentID string
	// OrderRef is the client reference the session was opened with.
	OrderRef string
}

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RetryCount int
}

type SessionRequest struct {
	Amount     int64
	Currency   string
	OrderRef   string
	SuccessURL string
	CancelURL  string
}

type Session struct {
	ID          string
	RedirectURL string
}

type Client struct {
	http *resty.Client
}

func New(cfg Config, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.APIKey).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetLogger(log.Named("gateway").Sugar()).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	return &Client{http: c}
}

type sessionBody struct {
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	ClientReferenceID string            `json:"client_reference_id"`
	SuccessURL        string            `json:"success_url,omitempty"`
	CancelURL         string            `json:"cancel_url,omitempty"`
	Metadata          map[string]string `json:"metadata"`
	PaymentIntentData intentData        `json:"payment_intent_data"`
}

// intentData is copied onto the payment intent, so intent events carry the
// order reference even before the session completes.
type intentData struct {
	Metadata map[string]string `json:"metadata"`
}

// OrderIDMetadataKey names the order reference in session and intent metadata.
const OrderIDMetadataKey = "order_id"

type sessionResponse struct {
	ID                string `json:"id"`
	URL               string `json:"url"`
	Status            string `json:"status"`
	PaymentStatus     string `json:"payment_status"`
	PaymentIntent     string `json:"payment_intent"`
	ClientReferenceID string `json:"client_reference_id"`
	FailureMessage    string `json:"failure_message"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// CreateSession opens a checkout session for one order. The order reference
// doubles as the idempotency key, so a retried request cannot open a second
// session for the same order.
func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	var (
		out    sessionResponse
		apiErr errorResponse
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.OrderRef).
		SetBody(sessionBody{
			Amount:            req.Amount,
			Currency:          req.Currency,
			ClientReferenceID: req.OrderRef,
			SuccessURL:        req.SuccessURL,
			CancelURL:         req.CancelURL,
			Metadata:          map[string]string{OrderIDMetadataKey: req.OrderRef},
			PaymentIntentData: intentData{Metadata: map[string]string{OrderIDMetadataKey: req.OrderRef}},
		}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v1/checkout/sessions")
	if err != nil {
		return Session{}, fmt.Errorf("%w: create session: %w", apperr.ErrGateway, err)
	}
	if resp.IsError() {
		return Session{}, statusError("create session", resp, apiErr)
	}
	if out.ID == "" || out.URL == "" {
		return Session{}, fmt.Errorf("%w: create session: response without session id or url", apperr.ErrGateway)
	}
	return Session{ID: out.ID, RedirectURL: out.URL}, nil
}

// RetrieveOutcome reads the current state of a session.
func (c *Client) RetrieveOutcome(ctx context.Context, sessionID string) (Outcome, error) {
	var (
		out    sessionResponse
		apiErr errorResponse
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", sessionID).
		SetResult(&out).
		SetError(&apiErr).
		Get("/v1/checkout/sessions/{id}")
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: retrieve session %s: %w", apperr.ErrGateway, sessionID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return Outcome{}, apperr.NotFoundf("gateway session %s", sessionID)
	}
	if resp.IsError() {
		return Outcome{}, statusError("retrieve session "+sessionID, resp, apiErr)
	}
	return out.outcome(), nil
}

func (s sessionResponse) outcome() Outcome {
	o := Outcome{Kind: Pending, PaymentIntentID: s.PaymentIntent, OrderRef: s.ClientReferenceID}
	switch {
	case s.Status == "complete" && s.PaymentStatus == "paid":
		o.Kind = Succeeded
	case s.Status == "expired":
		o.Kind = Canceled
		o.Reason = "checkout session expired"
	case s.FailureMessage != "":
		o.Kind = Failed
		o.Reason = s.FailureMessage
	}
	return o
}

func statusError(op string, resp *resty.Response, apiErr errorResponse) error {
	msg := apiErr.Error.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode())
	}
	return fmt.Errorf("%w: %s: status %d: %s", apperr.ErrGateway, op, resp.StatusCode(), msg)
}
