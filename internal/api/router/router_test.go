package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/slotkeeper/internal/booking"
	"github.com/wolfman30/slotkeeper/internal/capacity"
	"github.com/wolfman30/slotkeeper/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/slotkeeper/internal/http/middleware"
	"github.com/wolfman30/slotkeeper/internal/policy"
	"github.com/wolfman30/slotkeeper/internal/sweeper"
	"github.com/wolfman30/slotkeeper/internal/waitlist"
	"github.com/wolfman30/slotkeeper/pkg/logging"
)

const testSecret = "router-test-secret"

func newTestRouter(t *testing.T, checks map[string]HealthCheck) http.Handler {
	t.Helper()

	logger := logging.Default()
	appts := booking.NewMemoryStore()
	gate := capacity.NewGate(capacity.StaticLimits{Default: 1}, appts, logger)
	policies := policy.NewResolver(policy.NewMemoryStore(), logger)
	bookings := booking.NewService(appts, gate, policies, logger)
	queue := waitlist.NewQueue(waitlist.NewMemoryStore(), bookings, logger)
	bookings.SetSlotListener(queue)

	return New(&Config{
		Logger:       logger,
		Appointments: booking.NewHandler(bookings, logger),
		Waitlist:     waitlist.NewHandler(queue, logger),
		ProviderSettings: handlers.NewProviderSettingsHandler(handlers.ProviderSettingsConfig{
			Policies: policies,
			Limits:   gate,
			Logger:   logger,
		}),
		Sweeps:       sweeper.NewHandler(sweeper.New(bookings, queue, logger)),
		AuthSecret:   testSecret,
		RateLimiter:  httpmiddleware.NewRateLimiter(100, 100),
		HealthChecks: checks,
	})
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	claims := httpmiddleware.ActorClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func call(t *testing.T, h http.Handler, bearer, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouterHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
	})

	rr := call(t, router, "", http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "ok", resp["database"])
}

func TestRouterHealthReportsFailingDependency(t *testing.T) {
	router := newTestRouter(t, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})

	rr := call(t, router, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "degraded")
}

func TestRouterRequiresToken(t *testing.T) {
	router := newTestRouter(t, nil)

	rr := call(t, router, "", http.MethodGet, "/v1/appointments", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = call(t, router, "", http.MethodPost, "/internal/sweeps", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRouterSweepsRequireSystemRole(t *testing.T) {
	router := newTestRouter(t, nil)

	rr := call(t, router, token(t, "client-a", httpmiddleware.RoleClient), http.MethodPost, "/internal/sweeps", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = call(t, router, token(t, "scheduler", httpmiddleware.RoleSystem), http.MethodPost, "/internal/sweeps", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var summary sweeper.Summary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &summary))
	assert.Zero(t, summary.AutoRejected)
}

func TestRouterFreedSeatGoesToWaitlist(t *testing.T) {
	router := newTestRouter(t, nil)
	slot := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Hour)
	alice := token(t, "client-a", httpmiddleware.RoleClient)
	bob := token(t, "client-b", httpmiddleware.RoleClient)
	provider := token(t, "prov-1", httpmiddleware.RoleProvider)

	rr := call(t, router, alice, http.MethodPost, "/v1/appointments", map[string]any{
		"provider_id": "prov-1",
		"starts_at":   slot.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var appt booking.Appointment
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &appt))

	rr = call(t, router, provider, http.MethodPost, "/v1/appointments/"+appt.ID+"/transitions",
		map[string]any{"status": "confirmed"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = call(t, router, bob, http.MethodPost, "/v1/appointments", map[string]any{
		"provider_id": "prov-1",
		"starts_at":   slot.Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), "capacity_exceeded")

	rr = call(t, router, bob, http.MethodPost, "/v1/waitlist", map[string]any{
		"provider_id": "prov-1",
		"slot":        slot.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var entry waitlist.Entry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entry))

	rr = call(t, router, alice, http.MethodPost, "/v1/appointments/"+appt.ID+"/transitions",
		map[string]any{"status": "cancelled_by_client"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = call(t, router, bob, http.MethodPost, "/v1/waitlist/"+entry.ID+"/confirm", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var confirmed waitlist.Entry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &confirmed))
	assert.Equal(t, waitlist.StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.AppointmentID)

	rr = call(t, router, provider, http.MethodGet, "/v1/slots/remaining?provider_id=prov-1&slot="+slot.Format(time.RFC3339), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var remaining booking.RemainingResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &remaining))
	assert.Equal(t, 0, remaining.Remaining)
}

func TestRouterProviderSettings(t *testing.T) {
	router := newTestRouter(t, nil)
	provider := token(t, "prov-1", httpmiddleware.RoleProvider)

	rr := call(t, router, provider, http.MethodGet, "/v1/providers/me/capacity", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"capacity":1`)

	rr = call(t, router, provider, http.MethodPut, "/v1/providers/me/capacity", map[string]any{"capacity": 2})
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
}
