package wallet_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/wallet"
)

func credit(key, user string, units int64) wallet.CreditRequest {
	return wallet.CreditRequest{
		IdempotencyKey: key,
		UserID:         generic.UserID(user),
		Amount:         generic.NewAmount(units, generic.UnitCents),
		Reason:         "Commission payout day 1",
		ReferenceID:    "rec-1",
	}
}

// =============================================================================
// LOCAL LEDGER
// =============================================================================

func TestLocalLedger_IdempotentReplay(t *testing.T) {
	// GIVEN: A credit already applied
	ledger := wallet.NewLocalLedger(wallet.NewMemoryStore())
	ctx := context.Background()
	first, err := ledger.Credit(ctx, credit("entry-1", "u1", 125))
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	// WHEN: The same key is credited again
	second, err := ledger.Credit(ctx, credit("entry-1", "u1", 125))
	require.NoError(t, err)

	// THEN: Original receipt, no second credit
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	balance, err := ledger.Balance(ctx, "u1", generic.UnitCents)
	require.NoError(t, err)
	assert.Equal(t, int64(125), balance.Units)
}

func TestLocalLedger_ConcurrentSameKey(t *testing.T) {
	ledger := wallet.NewLocalLedger(wallet.NewMemoryStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]generic.TransactionID, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := ledger.Credit(ctx, credit("entry-1", "u1", 50))
			assert.NoError(t, err)
			ids[i] = r.TransactionID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	txs, err := ledger.Transactions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestLocalLedger_Rejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		req  wallet.CreditRequest
		code string
	}{
		{"missing key", credit("", "u1", 10), "missing_idempotency_key"},
		{"zero amount", credit("k1", "u1", 0), "invalid_amount"},
		{"negative amount", credit("k2", "u1", -5), "invalid_amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := wallet.NewLocalLedger(wallet.NewMemoryStore())
			_, err := ledger.Credit(ctx, tt.req)

			var rejected *wallet.RejectedError
			require.True(t, errors.As(err, &rejected))
			assert.Equal(t, tt.code, rejected.Code)
			assert.True(t, wallet.IsRejected(err))
		})
	}
}

func TestLocalLedger_FrozenAccount(t *testing.T) {
	ledger := wallet.NewLocalLedger(wallet.NewMemoryStore())
	ctx := context.Background()
	ledger.Freeze("u1", "compliance hold")

	_, err := ledger.Credit(ctx, credit("entry-1", "u1", 10))
	require.True(t, wallet.IsRejected(err))
	assert.Contains(t, err.Error(), "account_frozen")

	ledger.Unfreeze("u1")
	_, err = ledger.Credit(ctx, credit("entry-1", "u1", 10))
	require.NoError(t, err)
}

func TestLocalLedger_UsesClock(t *testing.T) {
	ledger := wallet.NewLocalLedger(wallet.NewMemoryStore())
	at := time.Date(2025, time.March, 2, 0, 0, 0, 0, time.UTC)
	ledger.Clock = generic.NewFixedClock(at)

	r, err := ledger.Credit(context.Background(), credit("entry-1", "u1", 10))
	require.NoError(t, err)
	assert.True(t, r.CreditedAt.Equal(at))
}

// =============================================================================
// HTTP LEDGER
// =============================================================================

func TestHTTPLedger_Success(t *testing.T) {
	// GIVEN: A wallet service that accepts credits
	var (
		gotPath, gotKey, gotAuth string
		gotBody                  map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"transaction_id":"wtx-9","credited_at":"2025-03-02T10:00:00Z","replayed":true}`))
	}))
	defer srv.Close()

	ledger := wallet.NewHTTPLedger(srv.URL+"/", wallet.HTTPLedgerOptions{Timeout: time.Second, Token: "secret"})

	// WHEN: Crediting
	r, err := ledger.Credit(context.Background(), credit("entry-1", "u 1", 125))

	// THEN: Request carries the key and body, receipt decoded
	require.NoError(t, err)
	assert.Equal(t, generic.TransactionID("wtx-9"), r.TransactionID)
	assert.True(t, r.Replayed)
	assert.Equal(t, "/v1/wallets/u 1/credits", gotPath)
	assert.Equal(t, "entry-1", gotKey)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, float64(125), gotBody["amount_units"])
	assert.Equal(t, "cents", gotBody["unit"])
	assert.Equal(t, "rec-1", gotBody["reference_id"])
}

func TestHTTPLedger_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		rejected bool
		code     string
	}{
		{"frozen account", http.StatusConflict, `{"code":"account_frozen","message":"hold"}`, true, "account_frozen"},
		{"bad request without body", http.StatusBadRequest, ``, true, "Bad Request"},
		{"rate limited", http.StatusTooManyRequests, `slow down`, false, ""},
		{"request timeout", http.StatusRequestTimeout, ``, false, ""},
		{"server error", http.StatusBadGateway, `upstream`, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			ledger := wallet.NewHTTPLedger(srv.URL, wallet.HTTPLedgerOptions{Timeout: time.Second})
			_, err := ledger.Credit(context.Background(), credit("entry-1", "u1", 10))
			require.Error(t, err)

			assert.Equal(t, tt.rejected, wallet.IsRejected(err))
			if tt.rejected {
				var rejected *wallet.RejectedError
				require.True(t, errors.As(err, &rejected))
				assert.Equal(t, tt.code, rejected.Code)
				return
			}
			var statusErr *wallet.StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, tt.status, statusErr.StatusCode)
		})
	}
}

func TestHTTPLedger_MissingTransactionIDIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ledger := wallet.NewHTTPLedger(srv.URL, wallet.HTTPLedgerOptions{Timeout: time.Second})
	_, err := ledger.Credit(context.Background(), credit("entry-1", "u1", 10))
	require.Error(t, err)
	assert.False(t, wallet.IsRejected(err))
}

func TestHTTPLedger_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ledger := wallet.NewHTTPLedger(srv.URL, wallet.HTTPLedgerOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := ledger.Credit(ctx, credit("entry-1", "u1", 10))
	require.Error(t, err)
	assert.False(t, wallet.IsRejected(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPLedger_RateLimiterHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"transaction_id":"wtx-1"}`))
	}))
	defer srv.Close()

	// One request per minute with a burst of one
	ledger := wallet.NewHTTPLedger(srv.URL, wallet.HTTPLedgerOptions{Timeout: time.Second, RequestsPerSec: 1.0 / 60, Burst: 1})

	_, err := ledger.Credit(context.Background(), credit("entry-1", "u1", 10))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ledger.Credit(ctx, credit("entry-2", "u1", 10))
	require.Error(t, err)
	assert.False(t, wallet.IsRejected(err))
}
