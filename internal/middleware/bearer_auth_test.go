package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/tradeslead/backend/internal/auth"
)

type stubValidator struct {
	id  auth.Identity
	err error
}

func (s *stubValidator) ValidateToken(string) (auth.Identity, error) {
	return s.id, s.err
}

// okHandler writes the caller's subject (for assertions).
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if id, ok := IdentityFromCtx(r.Context()); ok {
		w.Write([]byte(id.Subject.String()))
	}
})

func TestBearerAuth_ValidToken(t *testing.T) {
	id := auth.Identity{Subject: uuid.New(), Role: auth.RolePro}
	mw := BearerAuth(&stubValidator{id: id}, nil, auth.RolePro)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); body != id.Subject.String() {
		t.Errorf("expected subject %q in body, got %q", id.Subject, body)
	}
}

func TestBearerAuth_MissingHeader(t *testing.T) {
	mw := BearerAuth(&stubValidator{}, nil)(okHandler)

	cases := []struct {
		name   string
		header string
	}{
		{"no header at all", ""},
		{"empty bearer", "Bearer "},
		{"wrong scheme", "Basic abc123"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			mw.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestBearerAuth_InvalidToken(t *testing.T) {
	mw := BearerAuth(&stubValidator{err: errors.New("expired")}, nil)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer stale")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBearerAuth_WrongRole(t *testing.T) {
	id := auth.Identity{Subject: uuid.New(), Role: auth.RolePro}
	mw := BearerAuth(&stubValidator{id: id}, nil, auth.RoleAdmin)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer pro-token")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}
