package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestActorAuthMissingSecret(t *testing.T) {
	mw := ActorAuth("")
	req := httptest.NewRequest(http.MethodGet, "/v1/appointments", nil)
	rec := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
}

func TestActorAuthMissingHeader(t *testing.T) {
	mw := ActorAuth("secret")
	req := httptest.NewRequest(http.MethodGet, "/v1/appointments", nil)
	rec := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
}

func TestActorAuthInvalidToken(t *testing.T) {
	mw := ActorAuth("secret")
	req := httptest.NewRequest(http.MethodGet, "/v1/appointments", nil)
	req.Header.Set("Authorization", "Bearer "+SignActorToken(t, "wrong", "client-1", RoleClient))
	rec := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
}

func TestActorAuthUnknownRole(t *testing.T) {
	mw := ActorAuth("secret")
	req := httptest.NewRequest(http.MethodGet, "/v1/appointments", nil)
	req.Header.Set("Authorization", "Bearer "+SignActorToken(t, "secret", "user-1", "admin"))
	rec := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, rec.Code)
	}
}

func TestActorAuthValidToken(t *testing.T) {
	mw := ActorAuth("secret")
	req := httptest.NewRequest(http.MethodGet, "/v1/appointments", nil)
	req.Header.Set("Authorization", "Bearer "+SignActorToken(t, "secret", "prov-1", RoleProvider))
	rec := httptest.NewRecorder()

	called := false
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			t.Fatalf("expected principal in context")
		}
		if p.ID != "prov-1" || p.Role != RoleProvider {
			t.Fatalf("unexpected principal %#v", p)
		}
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	if !called {
		t.Fatalf("expected handler to be called")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(RoleSystem)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/internal/sweeps", nil)
	req = req.WithContext(WithPrincipal(req.Context(), Principal{ID: "c1", Role: RoleClient}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden for client, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/sweeps", nil)
	req = req.WithContext(WithPrincipal(req.Context(), Principal{ID: "cron", Role: RoleSystem}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected system to pass, got %d", rec.Code)
	}
}

// SignActorToken is shared with other test files in this package.
func SignActorToken(t *testing.T, secret, subject, role string) string {
	t.Helper()
	claims := ActorClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
