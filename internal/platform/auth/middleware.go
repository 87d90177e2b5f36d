package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
)

const defaultVerifyTimeout = 5 * time.Second

var (
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns Firebase ID tokens into customer identities.
type Authenticator struct {
	verifier TokenVerifier
	timeout  time.Duration
}

// NewAuthenticator constructs an Authenticator. A zero timeout keeps the default.
func NewAuthenticator(verifier TokenVerifier, timeout time.Duration) *Authenticator {
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	return &Authenticator{verifier: verifier, timeout: timeout}
}

// RequireCustomer rejects requests without a valid bearer token.
func (a *Authenticator) RequireCustomer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			identity, status, code, message := a.verify(r.Context(), tokenStr)
			if identity == nil {
				respondAuthError(w, status, code, message)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// OptionalCustomer attaches an identity when a bearer token is present and lets anonymous requests
// through. A token that is present but invalid is still rejected.
func (a *Authenticator) OptionalCustomer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.TrimSpace(r.Header.Get("Authorization")) == "" {
				next.ServeHTTP(w, r)
				return
			}
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization header invalid")
				return
			}
			identity, status, code, message := a.verify(r.Context(), tokenStr)
			if identity == nil {
				respondAuthError(w, status, code, message)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func (a *Authenticator) verify(ctx context.Context, tokenStr string) (*Identity, int, string, string) {
	if a == nil || a.verifier == nil {
		return nil, http.StatusServiceUnavailable, "unauthenticated", "authorization service unavailable"
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	token, err := a.verifier.VerifyIDToken(ctx, tokenStr)
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
			return nil, http.StatusUnauthorized, "token_expired", "firebase id token expired"
		case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
			return nil, http.StatusUnauthorized, "invalid_token", "firebase id token invalid"
		default:
			return nil, http.StatusUnauthorized, "invalid_token", "firebase id token verification failed"
		}
	}
	if token == nil || strings.TrimSpace(token.UID) == "" {
		return nil, http.StatusUnauthorized, "invalid_token", "firebase id token has no subject"
	}
	verified, _ := token.Claims["email_verified"].(bool)
	return &Identity{
		CustomerID:    token.UID,
		Email:         claimAsString(token.Claims, "email"),
		EmailVerified: verified,
		token:         token,
	}, 0, "", ""
}

func claimAsString(claims map[string]any, key string) string {
	value, _ := claims[key].(string)
	return strings.TrimSpace(value)
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
		"status":  status,
	})
}
