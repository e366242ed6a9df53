package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAccountant(t *testing.T, handler http.HandlerFunc, retries int) *HTTPAccountant {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	acct, err := NewHTTPAccountant(Config{
		BaseURL:    srv.URL + "/",
		APIKey:     "ledger-key",
		MaxRetries: retries,
		Backoff:    time.Millisecond,
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	return acct
}

func TestConsumeCreditSuccess(t *testing.T) {
	acct := newTestAccountant(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/credits/consume", r.URL.Path)
		assert.Equal(t, "Bearer ledger-key", r.Header.Get("Authorization"))
		var body consumeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "appt-1", body.AppointmentID)
		w.WriteHeader(http.StatusNoContent)
	}, 0)

	assert.NoError(t, acct.ConsumeCredit(context.Background(), "appt-1"))
}

func TestConsumeCreditNoActiveCredit(t *testing.T) {
	notFound := newTestAccountant(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, 0)
	assert.ErrorIs(t, notFound.ConsumeCredit(context.Background(), "appt-1"), ErrNoActiveCredit)

	conflict := newTestAccountant(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"no_active_credit","message":"credit already used"}`))
	}, 0)
	assert.ErrorIs(t, conflict.ConsumeCredit(context.Background(), "appt-1"), ErrNoActiveCredit)
}

func TestConsumeCreditRetriesServerErrors(t *testing.T) {
	var calls int32
	acct := newTestAccountant(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}, 2)

	assert.NoError(t, acct.ConsumeCredit(context.Background(), "appt-1"))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestConsumeCreditGivesUpAfterRetries(t *testing.T) {
	acct := newTestAccountant(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 1)

	err := acct.ConsumeCredit(context.Background(), "appt-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoActiveCredit)
}

func TestConsumeCreditClientErrorNotRetried(t *testing.T) {
	var calls int32
	acct := newTestAccountant(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}, 3)

	assert.Error(t, acct.ConsumeCredit(context.Background(), "appt-1"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestNewHTTPAccountantRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPAccountant(Config{})
	assert.Error(t, err)
}
