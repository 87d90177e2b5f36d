package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func TestRequireCustomerAllowsValidToken(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{
		UID:    "cust_1",
		Claims: map[string]any{"email": "asha@example.com", "email_verified": true},
	}}
	authn := NewAuthenticator(verifier, 0)

	called := false
	handler := authn.RequireCustomer()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		if identity.CustomerID != "cust_1" || identity.Email != "asha@example.com" || !identity.EmailVerified {
			t.Fatalf("unexpected identity %+v", identity)
		}
		if CustomerID(r.Context()) != "cust_1" {
			t.Fatalf("expected customer id helper to match")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer token-abc")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if !called || rr.Code != http.StatusNoContent {
		t.Fatalf("expected handler called with 204, got called=%v status=%d", called, rr.Code)
	}
	if verifier.received != "token-abc" {
		t.Fatalf("expected token forwarded, got %q", verifier.received)
	}
}

func TestRequireCustomerRejectsMissingAndExpiredTokens(t *testing.T) {
	cases := []struct {
		name   string
		header string
		err    error
		code   string
	}{
		{name: "missing header", code: "unauthenticated"},
		{name: "wrong scheme", header: "Basic abc", code: "unauthenticated"},
		{name: "expired", header: "Bearer old", err: ErrTokenExpired, code: "token_expired"},
		{name: "invalid", header: "Bearer bad", err: errors.New("boom"), code: "invalid_token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verifier := &stubTokenVerifier{err: tc.err, token: &firebaseauth.Token{UID: "cust_1"}}
			handler := NewAuthenticator(verifier, 0).RequireCustomer()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatalf("handler should not be called")
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected error %q, got %v", tc.code, body["error"])
			}
		})
	}
}

func TestOptionalCustomerPassesAnonymousRequests(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{UID: "cust_1"}}
	authn := NewAuthenticator(verifier, 0)

	var sawIdentity bool
	handler := authn.OptionalCustomer()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawIdentity = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil))
	if rr.Code != http.StatusOK || sawIdentity {
		t.Fatalf("expected anonymous pass-through, got status=%d identity=%v", rr.Code, sawIdentity)
	}
	if verifier.received != "" {
		t.Fatalf("expected verifier not consulted")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	req.Header.Set("Authorization", "Bearer token-xyz")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || !sawIdentity {
		t.Fatalf("expected identity attached, got status=%d identity=%v", rr.Code, sawIdentity)
	}

	verifier.err = ErrTokenInvalid
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected invalid token rejected, got %d", rr.Code)
	}
}
