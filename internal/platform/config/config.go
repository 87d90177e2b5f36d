package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShutdownTimeout     = 20 * time.Second
	defaultStoreDriver         = StoreDriverFirestore
	defaultMaxOpenConns        = 10
	defaultGateway             = GatewayStripe
	defaultReceiptTopic        = "order-receipts"
	defaultReceiptLinkExpiry   = 24 * time.Hour
	defaultReferralTopic       = "referral-events"
	defaultMaxCartItems        = 2
	defaultMinimumIntentCents  = 100
	defaultStaleOrderTTL       = 72 * time.Hour
	defaultSweepInterval       = 15 * time.Minute
	defaultSweepBatchSize      = 100
	defaultReferralRewardCents = 1000
	defaultOutboxInterval      = 5 * time.Second
	defaultOutboxBatchSize     = 50
	defaultOutboxMaxAttempts   = 8
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultIdempotencyBackend  = IdempotencyBackendMemory
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200
)

// Store drivers.
const (
	StoreDriverFirestore = "firestore"
	StoreDriverPostgres  = "postgres"
	StoreDriverSQLite    = "sqlite"
)

// Payment gateways.
const (
	GatewayStripe = "stripe"
	GatewayFake   = "fake"
)

// Idempotency backends.
const (
	IdempotencyBackendMemory    = "memory"
	IdempotencyBackendFirestore = "firestore"
	IdempotencyBackendRedis     = "redis"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Store       StoreConfig
	Firestore   FirestoreConfig
	Redis       RedisConfig
	Storage     StorageConfig
	PubSub      PubSubConfig
	Payments    PaymentsConfig
	Checkout    CheckoutConfig
	Outbox      OutboxConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// StoreConfig selects the durable store holding orders, carts, discounts and prices.
type StoreConfig struct {
	Driver       string
	DSN          string
	MaxOpenConns int
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// RedisConfig locates the Redis instance used by the idempotency store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StorageConfig lists bucket names used by the application.
type StorageConfig struct {
	ReceiptsBucket string
	// SignerKey holds service account JSON used to sign receipt links. Empty falls back to gs:// links.
	SignerKey  string
	LinkExpiry time.Duration
}

// PubSubConfig names the topics outbox messages are relayed to.
type PubSubConfig struct {
	ProjectID     string
	ReceiptTopic  string
	ReferralTopic string
}

// PaymentsConfig collects payment gateway settings.
type PaymentsConfig struct {
	Gateway             string
	StripeAPIKey        string
	StripeWebhookSecret string
	StripeAccountID     string
}

// CheckoutConfig holds business rules of the checkout workflow.
type CheckoutConfig struct {
	MaxCartItems        int
	MinimumIntentCents  int64
	StaleOrderTTL       time.Duration
	SweepInterval       time.Duration
	SweepBatchSize      int
	ReferralRewardCents int64
	FrontendBaseURL     string
}

// OutboxConfig controls the outbox relay worker.
type OutboxConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification for admin and internal routes.
type OIDCConfig struct {
	JWKSURL       string
	Audience      string
	Issuers       []string
	AllowedEmails []string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Backend          string
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to empty values.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.names, ", "))
}

// Names returns the missing config field names.
func (e *MissingSecretsError) Names() []string {
	return append([]string(nil), e.names...)
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "Payments.StripeAPIKey") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// EnvironmentValues returns the effective key/value environment after applying the same precedence as
// Load (.env < OS env < explicit map). main uses it to build the secret fetcher before calling Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	values, err := readDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if ok && strings.TrimSpace(key) != "" {
				values[key] = value
			}
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)

	dotEnv, err := readDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}
	lookup := func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnv[key]
		return value, ok
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:     durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "API_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Store: StoreConfig{
			Driver:       strings.ToLower(stringWithDefault(lookup, "API_STORE_DRIVER", defaultStoreDriver)),
			DSN:          stringWithDefault(lookup, "API_STORE_DSN", ""),
			MaxOpenConns: intWithDefault(lookup, "API_STORE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "API_REDIS_ADDR", ""),
			Password: stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "API_REDIS_DB", 0),
		},
		Storage: StorageConfig{
			ReceiptsBucket: stringWithDefault(lookup, "API_STORAGE_RECEIPTS_BUCKET", ""),
			SignerKey:      stringWithDefault(lookup, "API_STORAGE_SIGNER_KEY", ""),
			LinkExpiry:     durationWithDefault(lookup, "API_STORAGE_LINK_EXPIRY", defaultReceiptLinkExpiry),
		},
		PubSub: PubSubConfig{
			ProjectID:     stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			ReceiptTopic:  stringWithDefault(lookup, "API_PUBSUB_RECEIPT_TOPIC", defaultReceiptTopic),
			ReferralTopic: stringWithDefault(lookup, "API_PUBSUB_REFERRAL_TOPIC", defaultReferralTopic),
		},
		Payments: PaymentsConfig{
			Gateway:             strings.ToLower(stringWithDefault(lookup, "API_PAYMENTS_GATEWAY", defaultGateway)),
			StripeAPIKey:        stringWithDefault(lookup, "API_PAYMENTS_STRIPE_API_KEY", ""),
			StripeWebhookSecret: stringWithDefault(lookup, "API_PAYMENTS_STRIPE_WEBHOOK_SECRET", ""),
			StripeAccountID:     stringWithDefault(lookup, "API_PAYMENTS_STRIPE_ACCOUNT_ID", ""),
		},
		Checkout: CheckoutConfig{
			MaxCartItems:        intWithDefault(lookup, "API_CHECKOUT_MAX_CART_ITEMS", defaultMaxCartItems),
			MinimumIntentCents:  int64(intWithDefault(lookup, "API_CHECKOUT_MINIMUM_INTENT_CENTS", defaultMinimumIntentCents)),
			StaleOrderTTL:       durationWithDefault(lookup, "API_CHECKOUT_STALE_ORDER_TTL", defaultStaleOrderTTL),
			SweepInterval:       durationWithDefault(lookup, "API_CHECKOUT_SWEEP_INTERVAL", defaultSweepInterval),
			SweepBatchSize:      intWithDefault(lookup, "API_CHECKOUT_SWEEP_BATCH", defaultSweepBatchSize),
			ReferralRewardCents: int64(intWithDefault(lookup, "API_CHECKOUT_REFERRAL_REWARD_CENTS", defaultReferralRewardCents)),
			FrontendBaseURL:     strings.TrimRight(stringWithDefault(lookup, "API_CHECKOUT_FRONTEND_BASE_URL", ""), "/"),
		},
		Outbox: OutboxConfig{
			Interval:    durationWithDefault(lookup, "API_OUTBOX_INTERVAL", defaultOutboxInterval),
			BatchSize:   intWithDefault(lookup, "API_OUTBOX_BATCH", defaultOutboxBatchSize),
			MaxAttempts: intWithDefault(lookup, "API_OUTBOX_MAX_ATTEMPTS", defaultOutboxMaxAttempts),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:       stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:      stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:       csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
				AllowedEmails: csvWithDefault(lookup, "API_SECURITY_OIDC_ALLOWED_EMAILS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Backend:          strings.ToLower(stringWithDefault(lookup, "API_IDEMPOTENCY_BACKEND", defaultIdempotencyBackend)),
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}

	resolver := options.secret
	if resolver == nil {
		resolver = SecretResolverFunc(func(context.Context, string) (string, error) {
			return "", errSecretResolverNotConfigured
		})
	}
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Payments.StripeAPIKey", &cfg.Payments.StripeAPIKey},
		{"Payments.StripeWebhookSecret", &cfg.Payments.StripeWebhookSecret},
		{"Store.DSN", &cfg.Store.DSN},
		{"Redis.Password", &cfg.Redis.Password},
		{"Storage.SignerKey", &cfg.Storage.SignerKey},
	}
	resolved := make(map[string]string, len(secretFields))
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, resolver)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = value
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	var missing []string
	for _, name := range options.requiredSecrets {
		name = strings.TrimSpace(name)
		if name != "" && strings.TrimSpace(resolved[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Config{}, &MissingSecretsError{names: missing}
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "secret://") && !strings.HasPrefix(trimmed, "sm://") {
		return value, nil
	}
	ref := "secret://" + strings.TrimPrefix(strings.TrimPrefix(trimmed, "secret://"), "sm://")
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string
	require := func(ok bool, field string) {
		if !ok {
			missing = append(missing, field)
		}
	}

	require(cfg.Server.Port != "", "Server.Port")
	require(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")

	switch cfg.Store.Driver {
	case StoreDriverFirestore:
		require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	case StoreDriverPostgres, StoreDriverSQLite:
		require(strings.TrimSpace(cfg.Store.DSN) != "", "Store.DSN")
		require(cfg.Store.MaxOpenConns > 0, "Store.MaxOpenConns")
	default:
		missing = append(missing, "Store.Driver")
	}

	switch cfg.Payments.Gateway {
	case GatewayStripe:
		require(cfg.Payments.StripeAPIKey != "", "Payments.StripeAPIKey")
		require(cfg.Payments.StripeWebhookSecret != "", "Payments.StripeWebhookSecret")
	case GatewayFake:
		require(cfg.Security.Environment != "prod", "Payments.Gateway")
	default:
		missing = append(missing, "Payments.Gateway")
	}

	require(cfg.Checkout.MaxCartItems > 0, "Checkout.MaxCartItems")
	require(cfg.Checkout.MinimumIntentCents > 0, "Checkout.MinimumIntentCents")
	require(cfg.Checkout.StaleOrderTTL > 0, "Checkout.StaleOrderTTL")
	require(cfg.Checkout.SweepBatchSize > 0, "Checkout.SweepBatchSize")
	require(cfg.Checkout.ReferralRewardCents > 0, "Checkout.ReferralRewardCents")
	require(cfg.Outbox.Interval > 0, "Outbox.Interval")
	require(cfg.Outbox.BatchSize > 0, "Outbox.BatchSize")
	require(cfg.Outbox.MaxAttempts > 0, "Outbox.MaxAttempts")
	require(cfg.Storage.LinkExpiry > 0 && cfg.Storage.LinkExpiry <= 7*24*time.Hour, "Storage.LinkExpiry")

	switch cfg.Idempotency.Backend {
	case IdempotencyBackendMemory:
	case IdempotencyBackendFirestore:
		require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	case IdempotencyBackendRedis:
		require(cfg.Redis.Addr != "", "Redis.Addr")
	default:
		missing = append(missing, "Idempotency.Backend")
	}
	require(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	require(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	require(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	require(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

// readDotEnv parses path with godotenv. A missing file is not an error.
func readDotEnv(path string) (map[string]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
