package booking

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/slotkeeper/internal/capacity"
	"github.com/wolfman30/slotkeeper/internal/http/middleware"
	"github.com/wolfman30/slotkeeper/pkg/logging"
)

func newTestRouter(f *fixture) http.Handler {
	h := NewHandler(f.svc, logging.Default())
	r := chi.NewRouter()
	r.Route("/v1/appointments", h.Routes)
	r.Get("/v1/slots/remaining", h.Remaining)
	return r
}

func doAs(t *testing.T, router http.Handler, p middleware.Principal, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if p.ID != "" {
		req = req.WithContext(middleware.WithPrincipal(req.Context(), p))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

var (
	providerPrincipal = middleware.Principal{ID: "prov-1", Role: middleware.RoleProvider}
	clientPrincipal   = middleware.Principal{ID: "client-a", Role: middleware.RoleClient}
)

func TestHandlerCreateAndTransition(t *testing.T) {
	f := newFixture(t, capacity.StaticLimits{})
	router := newTestRouter(f)

	rec := doAs(t, router, clientPrincipal, http.MethodPost, "/v1/appointments", map[string]any{
		"provider_id": "prov-1",
		"starts_at":   "2026-03-01T10:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created Appointment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "client-a", created.ClientID)
	assert.Equal(t, StatusPending, created.Status)

	rec = doAs(t, router, providerPrincipal, http.MethodPost, "/v1/appointments/"+created.ID+"/transitions", map[string]string{"status": "confirmed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doAs(t, router, providerPrincipal, http.MethodPost, "/v1/appointments/"+created.ID+"/transitions", map[string]string{"status": "confirmed"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_transition")

	rec = doAs(t, router, clientPrincipal, http.MethodGet, "/v1/slots/remaining?provider_id=prov-1&slot=2026-03-01T10:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var remaining RemainingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &remaining))
	assert.Equal(t, 0, remaining.Remaining)
}

func TestHandlerCreateFullSlotConflicts(t *testing.T) {
	f := newFixture(t, capacity.StaticLimits{})
	f.create(t, "client-z", nil)
	router := newTestRouter(f)

	rec := doAs(t, router, clientPrincipal, http.MethodPost, "/v1/appointments", map[string]any{
		"provider_id": "prov-1",
		"starts_at":   "2026-03-01T10:00:00Z",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "capacity_exceeded")
}

func TestHandlerCreateRequiresClient(t *testing.T) {
	f := newFixture(t, capacity.StaticLimits{})
	router := newTestRouter(f)

	rec := doAs(t, router, providerPrincipal, http.MethodPost, "/v1/appointments", map[string]any{
		"provider_id": "prov-2",
		"starts_at":   "2026-03-01T10:00:00Z",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doAs(t, router, middleware.Principal{}, http.MethodPost, "/v1/appointments", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerGetForeignAppointment(t *testing.T) {
	f := newFixture(t, capacity.StaticLimits{})
	appt := f.create(t, "client-z", nil)
	router := newTestRouter(f)

	rec := doAs(t, router, clientPrincipal, http.MethodGet, "/v1/appointments/"+appt.ID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doAs(t, router, clientPrincipal, http.MethodGet, "/v1/appointments/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerListFilters(t *testing.T) {
	f := newFixture(t, capacity.StaticLimits{Default: 3})
	f.create(t, "client-a", nil)
	f.confirmed(t, "client-b", nil)
	router := newTestRouter(f)

	rec := doAs(t, router, providerPrincipal, http.MethodGet, "/v1/appointments?status=confirmed&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, 10, resp.Limit)

	rec = doAs(t, router, providerPrincipal, http.MethodGet, "/v1/appointments?status=archived", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doAs(t, router, providerPrincipal, http.MethodGet, "/v1/appointments?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doAs(t, router, providerPrincipal, http.MethodGet, "/v1/appointments?from=2026-03-02T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"appointments":[]`))
}

func TestHandlerBulkCancelAndWaive(t *testing.T) {
	f := newFixture(t, capacity.StaticLimits{Default: 3})
	appt := f.confirmed(t, "client-a", strPtr("pkg-1"))
	router := newTestRouter(f)

	rec := doAs(t, router, providerPrincipal, http.MethodPost, "/v1/appointments/bulk-cancel", map[string]any{
		"appointment_ids": []string{appt.ID},
		"reason":          "closed",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result BulkCancelResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Cancelled)

	rec = doAs(t, router, providerPrincipal, http.MethodPost, "/v1/appointments/"+appt.ID+"/waive-penalty", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
