package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"API_FIREBASE_PROJECT_ID":            "rasoibox-dev",
		"API_PAYMENTS_STRIPE_API_KEY":        "sk_test_123",
		"API_PAYMENTS_STRIPE_WEBHOOK_SECRET": "whsec_123",
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "rasoibox-dev" || cfg.PubSub.ProjectID != "rasoibox-dev" {
		t.Errorf("expected firestore and pubsub projects to default to firebase project, got %s %s", cfg.Firestore.ProjectID, cfg.PubSub.ProjectID)
	}
	if cfg.Store.Driver != StoreDriverFirestore {
		t.Errorf("expected firestore driver, got %s", cfg.Store.Driver)
	}
	if cfg.Checkout.MaxCartItems != 2 || cfg.Checkout.MinimumIntentCents != 100 {
		t.Errorf("unexpected checkout defaults: %+v", cfg.Checkout)
	}
	if cfg.Checkout.StaleOrderTTL != defaultStaleOrderTTL {
		t.Errorf("unexpected stale ttl: %s", cfg.Checkout.StaleOrderTTL)
	}
	if cfg.Idempotency.Backend != IdempotencyBackendMemory || cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("unexpected idempotency defaults: %+v", cfg.Idempotency)
	}
	if cfg.Storage.LinkExpiry != 24*time.Hour || cfg.Storage.SignerKey != "" {
		t.Errorf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if len(cfg.Security.OIDC.Issuers) != 1 || cfg.Security.OIDC.Issuers[0] != defaultSecurityIssuer {
		t.Errorf("expected default issuer, got %v", cfg.Security.OIDC.Issuers)
	}
}

func TestLoadResolvesSecretReferences(t *testing.T) {
	env := baseEnv()
	env["API_PAYMENTS_STRIPE_API_KEY"] = "sm://stripe-api-key"
	env["API_STORE_DRIVER"] = "Postgres"
	env["API_STORE_DSN"] = "secret://store-dsn"
	env["API_CHECKOUT_FRONTEND_BASE_URL"] = "https://rasoibox.com/"

	var refs []string
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		refs = append(refs, ref)
		switch ref {
		case "secret://stripe-api-key":
			return "sk_live_resolved", nil
		case "secret://store-dsn":
			return "postgres://user:pass@db/rasoibox", nil
		}
		return "", errors.New("unexpected ref " + ref)
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""),
		WithSecretResolver(resolver),
		WithRequiredSecrets("Payments.StripeAPIKey"),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Payments.StripeAPIKey != "sk_live_resolved" {
		t.Errorf("expected resolved api key, got %s", cfg.Payments.StripeAPIKey)
	}
	if cfg.Store.Driver != StoreDriverPostgres || cfg.Store.DSN != "postgres://user:pass@db/rasoibox" {
		t.Errorf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Checkout.FrontendBaseURL != "https://rasoibox.com" {
		t.Errorf("expected trailing slash trimmed, got %s", cfg.Checkout.FrontendBaseURL)
	}
	if len(refs) != 2 {
		t.Errorf("expected two secret lookups, got %v", refs)
	}
}

func TestLoadSecretResolutionFailure(t *testing.T) {
	env := baseEnv()
	env["API_PAYMENTS_STRIPE_WEBHOOK_SECRET"] = "secret://missing"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %v", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Fatalf("unexpected ref %s", secretErr.Ref)
	}
}

func TestLoadValidation(t *testing.T) {
	env := map[string]string{
		"API_STORE_DRIVER":        "sqlite",
		"API_PAYMENTS_GATEWAY":    "fake",
		"API_IDEMPOTENCY_BACKEND": "redis",
		"API_STORAGE_LINK_EXPIRY": "240h",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := map[string]bool{"Firebase.ProjectID": false, "Store.DSN": false, "Redis.Addr": false, "Storage.LinkExpiry": false}
	for _, field := range validation.Fields() {
		if _, ok := want[field]; ok {
			want[field] = true
		}
	}
	for field, seen := range want {
		if !seen {
			t.Errorf("expected %s in validation fields %v", field, validation.Fields())
		}
	}
}

func TestLoadRejectsFakeGatewayInProd(t *testing.T) {
	env := baseEnv()
	env["API_PAYMENTS_GATEWAY"] = "fake"
	env["API_SECURITY_ENVIRONMENT"] = "prod"
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestLoadRequiredSecretsMissing(t *testing.T) {
	env := baseEnv()
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""),
		WithRequiredSecrets("Redis.Password"))
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %v", err)
	}
	if names := missing.Names(); len(names) != 1 || names[0] != "Redis.Password" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestLoadReadsDotEnvWithLowestPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# local overrides\nAPI_FIREBASE_PROJECT_ID=from-dotenv\nexport API_SERVER_PORT=\"7070\"\nAPI_CHECKOUT_MAX_CART_ITEMS=3\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	env := map[string]string{
		"API_CHECKOUT_MAX_CART_ITEMS":        "4",
		"API_PAYMENTS_GATEWAY":               "fake",
		"API_PAYMENTS_STRIPE_WEBHOOK_SECRET": "",
	}
	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(path))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Firebase.ProjectID != "from-dotenv" {
		t.Errorf("expected project from .env, got %s", cfg.Firebase.ProjectID)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from .env, got %s", cfg.Server.Port)
	}
	if cfg.Checkout.MaxCartItems != 4 {
		t.Errorf("expected env map to win over .env, got %d", cfg.Checkout.MaxCartItems)
	}

	values, err := EnvironmentValues(WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(path))
	if err != nil {
		t.Fatalf("EnvironmentValues: %v", err)
	}
	if values["API_CHECKOUT_MAX_CART_ITEMS"] != "4" || values["API_FIREBASE_PROJECT_ID"] != "from-dotenv" {
		t.Errorf("unexpected merged values %v", values)
	}
}

func TestLoadMissingDotEnvIsIgnored(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(),
		WithEnvFile(filepath.Join(t.TempDir(), "absent.env")))
	if err != nil {
		t.Fatalf("expected missing .env to be ignored, got %v", err)
	}
}
