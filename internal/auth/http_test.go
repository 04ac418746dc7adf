// ABOUTME: Tests for the identity middleware
// ABOUTME: Covers bearer tokens, easy-auth headers, required auth and the default user

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serve(t *testing.T, opts Options, setup func(r *http.Request)) (*httptest.ResponseRecorder, *Identity) {
	t.Helper()
	var got *Identity
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/conversation/list", nil)
	if setup != nil {
		setup(req)
	}
	rec := httptest.NewRecorder()
	Middleware(opts)(handler).ServeHTTP(rec, req)
	return rec, got
}

func TestMiddleware_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)
	token, _ := verifier.Generate("user-123", time.Hour)

	rec, id := serve(t, Options{Verifier: verifier, Required: true}, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if id == nil || id.UserID != "user-123" || id.Source != SourceToken {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestMiddleware_InvalidToken(t *testing.T) {
	rec, id := serve(t, Options{Verifier: newTestVerifier(t)}, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer nope")
	})

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
	if id != nil {
		t.Error("handler should not run for invalid token")
	}
}

func TestMiddleware_MalformedHeader(t *testing.T) {
	rec, _ := serve(t, Options{Verifier: newTestVerifier(t)}, func(r *http.Request) {
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	})

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_EasyAuthHeaders(t *testing.T) {
	rec, id := serve(t, Options{TrustEasyAuth: true, Required: true}, func(r *http.Request) {
		r.Header.Set(HeaderPrincipalID, "aad-oid-1")
		r.Header.Set(HeaderPrincipalName, "alice@example.com")
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if id.UserID != "aad-oid-1" || id.Name != "alice@example.com" || id.Source != SourceEasyAuth {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestMiddleware_EasyAuthIgnoredWhenUntrusted(t *testing.T) {
	_, id := serve(t, Options{}, func(r *http.Request) {
		r.Header.Set(HeaderPrincipalID, "spoofed")
	})

	if id.UserID != DefaultUserID {
		t.Errorf("UserID = %q, want default user", id.UserID)
	}
}

func TestMiddleware_Required(t *testing.T) {
	rec, _ := serve(t, Options{Verifier: newTestVerifier(t), Required: true}, nil)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_DefaultUser(t *testing.T) {
	_, id := serve(t, Options{DefaultUserID: "local"}, nil)

	if id == nil || id.UserID != "local" || id.Source != SourceDefault {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestSetupFor(t *testing.T) {
	if s := SetupFor(Options{}); s.UseLogin || s.RequireAccessControl {
		t.Errorf("anonymous setup = %+v", s)
	}
	if s := SetupFor(Options{TrustEasyAuth: true, Required: true}); !s.UseLogin || !s.RequireAccessControl {
		t.Errorf("easy auth setup = %+v", s)
	}
}
