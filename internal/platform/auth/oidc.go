package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

var (
	// ErrJWKSKeyNotFound is returned when the requested key ID is absent from the JWKS document.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport or decoding errors while refreshing JWKS.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

const defaultJWKSRefreshInterval = 15 * time.Minute

// JWKSCache fetches Google's signing keys and keeps them until the response's max-age elapses.
type JWKSCache struct {
	url    string
	client *http.Client
	now    func() time.Time

	mu     sync.Mutex
	keys   map[string]jose.JSONWebKey
	expiry time.Time
}

// NewJWKSCache constructs a cache for url. A nil client uses a 10 second timeout client.
func NewJWKSCache(url string, client *http.Client, now func() time.Time) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if now == nil {
		now = time.Now
	}
	return &JWKSCache{url: url, client: client, now: now}
}

// Key resolves the public key for kid, refetching the key set when it expired or kid is unknown.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if jwk, ok := c.keys[kid]; ok && c.now().Before(c.expiry) {
		return jwk.Key, nil
	}
	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}
	if jwk, ok := c.keys[kid]; ok {
		return jwk.Key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode jwks: %v", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID != "" && jwk.Valid() {
			keys[jwk.KeyID] = jwk
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}

	validity := maxAge(resp.Header.Get("Cache-Control"))
	if validity <= 0 {
		validity = defaultJWKSRefreshInterval
	}
	c.keys = keys
	c.expiry = c.now().Add(validity)
	return nil
}

func maxAge(cacheControl string) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// StaffIdentity is the verified principal on admin and internal routes: a staff member behind IAP
// or the scheduler's service account.
type StaffIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type staffContextKey struct{}

// WithStaffIdentity attaches the verified staff identity to ctx.
func WithStaffIdentity(ctx context.Context, identity *StaffIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, staffContextKey{}, identity)
}

// StaffIdentityFromContext retrieves the identity stored by RequireStaff.
func StaffIdentityFromContext(ctx context.Context) (*StaffIdentity, bool) {
	identity, ok := ctx.Value(staffContextKey{}).(*StaffIdentity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// OIDCValidatorConfig configures staff token verification.
type OIDCValidatorConfig struct {
	Audience string
	Issuers  []string
	// AllowedEmails restricts the token email claim. Empty allows any verified principal.
	AllowedEmails []string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

// OIDCValidator validates Google-signed OIDC and IAP tokens.
type OIDCValidator struct {
	cache    *JWKSCache
	audience string
	issuers  []string
	emails   map[string]struct{}
	logger   func(context.Context, string, map[string]any)
}

// NewOIDCValidator constructs a validator backed by cache.
func NewOIDCValidator(cache *JWKSCache, cfg OIDCValidatorConfig) *OIDCValidator {
	emails := make(map[string]struct{}, len(cfg.AllowedEmails))
	for _, email := range cfg.AllowedEmails {
		if email = strings.ToLower(strings.TrimSpace(email)); email != "" {
			emails[email] = struct{}{}
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &OIDCValidator{
		cache:    cache,
		audience: strings.TrimSpace(cfg.Audience),
		issuers:  cfg.Issuers,
		emails:   emails,
		logger:   logger,
	}
}

// RequireStaff enforces a valid token for the configured audience.
func (v *OIDCValidator) RequireStaff() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if v == nil || v.cache == nil || v.audience == "" {
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "oidc verification not configured")
				return
			}
			tokenStr := extractOIDCToken(r)
			if tokenStr == "" {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "oidc token missing")
				return
			}

			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			_, err := parser.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
				kid, _ := token.Header["kid"].(string)
				if kid == "" {
					return nil, errors.New("auth: token missing kid header")
				}
				return v.cache.Key(ctx, kid)
			})
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrJWKSFetchFailed) {
					status = http.StatusServiceUnavailable
				}
				v.logger(ctx, "auth.oidc_rejected", map[string]any{"reason": "token_invalid", "error": err.Error()})
				respondAuthError(w, status, "invalid_token", "oidc token verification failed")
				return
			}

			issuer, _ := claims["iss"].(string)
			if len(v.issuers) > 0 && !slices.Contains(v.issuers, issuer) {
				v.logger(ctx, "auth.oidc_rejected", map[string]any{"reason": "issuer_mismatch", "issuer": issuer})
				respondAuthError(w, http.StatusUnauthorized, "invalid_token", "oidc issuer mismatch")
				return
			}
			if !claims.VerifyAudience(v.audience, true) {
				v.logger(ctx, "auth.oidc_rejected", map[string]any{"reason": "audience_mismatch"})
				respondAuthError(w, http.StatusUnauthorized, "invalid_token", "oidc audience mismatch")
				return
			}
			email, _ := claims["email"].(string)
			if len(v.emails) > 0 {
				if _, ok := v.emails[strings.ToLower(email)]; !ok {
					v.logger(ctx, "auth.oidc_rejected", map[string]any{"reason": "email_not_allowed", "email": email})
					respondAuthError(w, http.StatusForbidden, "forbidden", "principal is not allowed")
					return
				}
			}
			subject, _ := claims["sub"].(string)
			identity := &StaffIdentity{Subject: subject, Email: email, Issuer: issuer}
			next.ServeHTTP(w, r.WithContext(WithStaffIdentity(ctx, identity)))
		})
	}
}

func extractOIDCToken(r *http.Request) string {
	if token, ok := extractBearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
}
