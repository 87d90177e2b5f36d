package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/rasoibox/api/internal/di"
	"github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/handlers"
	"github.com/rasoibox/api/internal/platform/auth"
	"github.com/rasoibox/api/internal/platform/config"
	pfirestore "github.com/rasoibox/api/internal/platform/firestore"
	"github.com/rasoibox/api/internal/platform/jobs"
	"github.com/rasoibox/api/internal/platform/observability"
	"github.com/rasoibox/api/internal/platform/secrets"
	platformstorage "github.com/rasoibox/api/internal/platform/storage"
	"github.com/rasoibox/api/internal/repositories"
	"github.com/rasoibox/api/internal/services"
)

const (
	authTimeout        = 5 * time.Second
	closeTimeout       = 5 * time.Second
	secretsCacheTTL    = 10 * time.Minute
	defaultSecretsFile = ".secrets.local"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.Names()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	ext := di.Externals{
		Logger: logger,
		Clock:  time.Now,
		Build:  buildInfo,
	}

	if cfg.Store.Driver == config.StoreDriverFirestore || cfg.Idempotency.Backend == config.IdempotencyBackendFirestore {
		provider := pfirestore.NewProvider(cfg.Firestore)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			if err := provider.Close(closeCtx); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()
		ext.Firestore = provider
		if cfg.Store.Driver != config.StoreDriverFirestore {
			ext.Probes = append(ext.Probes, repositories.Probe{Name: "firestore", Timeout: 1500 * time.Millisecond, Check: provider.Ping})
		}
	}

	if cfg.Idempotency.Backend == config.IdempotencyBackendRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		ext.Redis = client
		ext.Probes = append(ext.Probes, repositories.Probe{
			Name:    "redis",
			Timeout: time.Second,
			Check:   func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
	}

	if publisher, closeFn, err := newOutboxPublisher(ctx, cfg, logger); err != nil {
		logger.Fatal("failed to initialise pubsub publisher", zap.Error(err))
	} else if publisher != nil {
		defer closeFn()
		ext.Publisher = publisher
	}

	if archive, closeFn, err := newReceiptArchive(ctx, cfg, logger); err != nil {
		logger.Fatal("failed to initialise receipt archive", zap.Error(err))
	} else if archive != nil {
		defer closeFn()
		ext.Archive = archive
	}

	metrics, err := observability.NewCheckoutMetrics()
	if err != nil {
		logger.Warn("checkout metrics unavailable", zap.Error(err))
	} else {
		ext.Metrics = metrics
	}

	container, err := di.NewContainer(ctx, cfg, ext)
	if err != nil {
		logger.Fatal("failed to build container", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("store close error", zap.Error(err))
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase, authTimeout)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, authTimeout)
	staffMiddleware := buildStaffMiddleware(logger.Named("auth"), cfg)

	router := newRouter(cfg, container, authenticator, staffMiddleware, buildInfo, logger)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	waitWorkers := container.RunWorkers(observability.WithLogger(workerCtx, logger.Named("workers")))

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("rasoi box api listening",
			zap.String("store", cfg.Store.Driver),
			zap.String("gateway", cfg.Payments.Gateway),
			zap.String("idempotency", cfg.Idempotency.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	stopWorkers()
	waitWorkers()
}

func newRouter(cfg config.Config, container *di.Container, authenticator *auth.Authenticator, staff func(http.Handler) http.Handler, build services.BuildInfo, logger *zap.Logger) http.Handler {
	svc := container.Services
	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(build),
		handlers.WithHealthSystemService(svc.System),
	)
	catalogHandlers := handlers.NewCatalogHandlers(svc.Catalog)
	cartHandlers := handlers.NewCartHandlers(authenticator, svc.Cart)
	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, svc.Checkout, container.IdempotencyMiddleware())
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders)
	meHandlers := handlers.NewMeHandlers(authenticator, svc.Referrals)
	webhookHandlers := handlers.NewWebhookHandlers(svc.Checkout)
	adminHandlers := handlers.NewAdminHandlers(svc.Catalog, svc.Discounts, svc.Orders,
		handlers.WithAdminLogger(observability.EventLogger(logger, "admin")),
	)

	var relay handlers.OutboxRelay
	if container.Dispatcher != nil {
		relay = container.Dispatcher
	}
	internalHandlers := handlers.NewInternalHandlers(svc.Checkout, relay)

	return handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithPublicRoutes(catalogHandlers.Routes),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithCheckoutActions(checkoutHandlers.Actions(), checkoutHandlers.Middlewares()...),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithMeRoutes(meHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithAdminMiddlewares(staff),
		handlers.WithInternalRoutes(internalHandlers.Routes),
		handlers.WithInternalMiddlewares(staff),
	)
}

func newOutboxPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (services.OutboxPublisher, func(), error) {
	receiptTopic := strings.TrimSpace(cfg.PubSub.ReceiptTopic)
	referralTopic := strings.TrimSpace(cfg.PubSub.ReferralTopic)
	if receiptTopic == "" && referralTopic == "" {
		logger.Warn("pubsub: no topics configured; outbox relay disabled")
		return nil, nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	topics := make(map[string]*pubsub.Topic, 3)
	var opened []*pubsub.Topic
	if receiptTopic != "" {
		topic := client.Topic(receiptTopic)
		topics[domain.OutboxTopicReceipt] = topic
		opened = append(opened, topic)
	}
	if referralTopic != "" {
		// Referral rewards and invitation emails share one topic; the message topic attribute tells them apart.
		topic := client.Topic(referralTopic)
		topics[domain.OutboxTopicReferralCompleted] = topic
		topics[domain.OutboxTopicInvitationSent] = topic
		opened = append(opened, topic)
	}
	publisher, err := jobs.NewPubSubPublisher(topics)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	closeFn := func() {
		for _, topic := range opened {
			topic.Stop()
		}
		if err := client.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}
	return publisher, closeFn, nil
}

func newReceiptArchive(ctx context.Context, cfg config.Config, logger *zap.Logger) (services.ReceiptArchive, func(), error) {
	bucket := strings.TrimSpace(cfg.Storage.ReceiptsBucket)
	if bucket == "" {
		return nil, nil, nil
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("storage client: %w", err)
	}
	var urls *platformstorage.Client
	if key := strings.TrimSpace(cfg.Storage.SignerKey); key != "" {
		signer, err := platformstorage.NewServiceAccountSignerFromJSON([]byte(key))
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("parse storage signer key: %w", err)
		}
		urls, err = platformstorage.NewClient(signer, time.Now)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("signed url client: %w", err)
		}
	} else {
		logger.Warn("storage: signer key not configured; receipts link to gs:// objects")
	}
	archive, err := platformstorage.NewReceiptArchive(platformstorage.ReceiptArchiveConfig{
		Client:     client,
		Bucket:     bucket,
		URLs:       urls,
		LinkExpiry: cfg.Storage.LinkExpiry,
		Clock:      time.Now,
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	}
	return archive, closeFn, nil
}

func buildStaffMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	oidc := cfg.Security.OIDC
	if strings.TrimSpace(oidc.JWKSURL) == "" {
		logger.Warn("auth: OIDC JWKS url not configured; admin and internal routes will reject requests")
		return denyAll
	}
	if strings.TrimSpace(oidc.Audience) == "" || len(oidc.Issuers) == 0 {
		logger.Warn("auth: OIDC audience or issuers not configured; admin and internal routes will reject requests")
	}
	cache := auth.NewJWKSCache(oidc.JWKSURL, &http.Client{Timeout: authTimeout}, time.Now)
	validator := auth.NewOIDCValidator(cache, auth.OIDCValidatorConfig{
		Audience:      oidc.Audience,
		Issuers:       oidc.Issuers,
		AllowedEmails: oidc.AllowedEmails,
		Logger:        observability.EventLogger(logger, "oidc"),
	})
	return validator.RequireStaff()
}

func denyAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"staff_auth_unconfigured","message":"staff authentication is not configured"}`))
	})
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		Gateway:     cfg.Payments.Gateway,
		Store:       cfg.Store.Driver,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	project := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = defaultSecretsFile
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithCacheTTL(secretsCacheTTL),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists config fields that must resolve before the service starts.
func requiredSecretNames(env map[string]string) []string {
	gateway := strings.ToLower(strings.TrimSpace(env["API_PAYMENTS_GATEWAY"]))
	if gateway == "" || gateway == config.GatewayStripe {
		return []string{"Payments.StripeAPIKey", "Payments.StripeWebhookSecret"}
	}
	return nil
}
