package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// HTTP LEDGER - Client for the platform wallet service
// =============================================================================
//
// WIRE FORMAT:
//   POST {BaseURL}/v1/wallets/{user_id}/credits
//   Idempotency-Key: <entry id>
//   {"amount_units": 125, "unit": "cents", "reason": "...", "reference_id": "..."}
//
//   2xx → {"transaction_id": "...", "credited_at": "RFC3339", "replayed": false}
//   4xx → {"code": "account_frozen", "message": "..."}  (terminal, except 408/429)
//   5xx, 408, 429, network errors → transient

type HTTPLedger struct {
	BaseURL string
	Client  *http.Client
	Limiter *rate.Limiter
	Token   string // optional bearer token
}

// HTTPLedgerOptions configures NewHTTPLedger.
type HTTPLedgerOptions struct {
	Timeout        time.Duration
	RequestsPerSec float64 // 0 disables client-side rate limiting
	Burst          int
	Token          string
}

func NewHTTPLedger(baseURL string, opts HTTPLedgerOptions) *HTTPLedger {
	l := &HTTPLedger{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: opts.Timeout},
		Token:   opts.Token,
	}
	if opts.RequestsPerSec > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		l.Limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), burst)
	}
	return l
}

type creditBody struct {
	AmountUnits int64  `json:"amount_units"`
	Unit        string `json:"unit"`
	Reason      string `json:"reason,omitempty"`
	ReferenceID string `json:"reference_id,omitempty"`
}

type creditResponse struct {
	TransactionID string    `json:"transaction_id"`
	CreditedAt    time.Time `json:"credited_at"`
	Replayed      bool      `json:"replayed"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusError is a transient non-2xx response from the wallet service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("wallet service returned %d: %s", e.StatusCode, e.Body)
}

func (l *HTTPLedger) Credit(ctx context.Context, req CreditRequest) (Receipt, error) {
	if l.Limiter != nil {
		if err := l.Limiter.Wait(ctx); err != nil {
			return Receipt{}, fmt.Errorf("wallet rate limit: %w", err)
		}
	}

	payload, err := json.Marshal(creditBody{
		AmountUnits: req.Amount.Units,
		Unit:        string(req.Amount.Unit),
		Reason:      req.Reason,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		return Receipt{}, err
	}

	endpoint := fmt.Sprintf("%s/v1/wallets/%s/credits", l.BaseURL, url.PathEscape(string(req.UserID)))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if l.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+l.Token)
	}

	resp, err := l.Client.Do(httpReq)
	if err != nil {
		return Receipt{}, fmt.Errorf("wallet credit request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Receipt{}, fmt.Errorf("read wallet response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out creditResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return Receipt{}, fmt.Errorf("decode wallet response: %w", err)
		}
		if out.TransactionID == "" {
			return Receipt{}, fmt.Errorf("wallet response missing transaction_id")
		}
		return Receipt{
			TransactionID: generic.TransactionID(out.TransactionID),
			CreditedAt:    out.CreditedAt,
			Replayed:      out.Replayed,
		}, nil

	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return Receipt{}, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var eb errorBody
		_ = json.Unmarshal(body, &eb)
		if eb.Code == "" {
			eb.Code = http.StatusText(resp.StatusCode)
		}
		if eb.Message == "" {
			eb.Message = string(body)
		}
		return Receipt{}, &RejectedError{Code: eb.Code, Message: eb.Message}

	default:
		return Receipt{}, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}
