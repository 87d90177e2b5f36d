package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rasoibox/api/internal/payments"
	"github.com/rasoibox/api/internal/platform/config"
	pfirestore "github.com/rasoibox/api/internal/platform/firestore"
	"github.com/rasoibox/api/internal/platform/idempotency"
	"github.com/rasoibox/api/internal/platform/observability"
	"github.com/rasoibox/api/internal/repositories"
	firestoreRepo "github.com/rasoibox/api/internal/repositories/firestore"
	"github.com/rasoibox/api/internal/repositories/sqlstore"
	"github.com/rasoibox/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Cart      services.CartService
	Catalog   services.CatalogService
	Checkout  services.CheckoutService
	Discounts services.DiscountService
	Orders    services.OrderService
	Referrals services.ReferralService
	System    services.SystemService
}

// Externals carries clients owned by main. Only the ones needed by the configured drivers are
// required; Registry and Gateway replace the configured store and gateway when set.
type Externals struct {
	Firestore *pfirestore.Provider
	Redis     redis.UniversalClient
	Publisher services.OutboxPublisher
	Archive   services.ReceiptArchive
	Registry  repositories.Registry
	Gateway   payments.Gateway
	Metrics   services.CheckoutMetrics
	Probes    []repositories.Probe
	Logger    *zap.Logger
	Clock     func() time.Time
	Build     services.BuildInfo
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Gateway      payments.Gateway
	Services     Services
	Idempotency  idempotency.Store
	Dispatcher   *services.OutboxDispatcher
	Sweeper      *services.StaleOrderSweeper

	logger *zap.Logger
	clock  func() time.Time
}

// NewContainer constructs the runtime dependencies.
func NewContainer(ctx context.Context, cfg config.Config, ext Externals) (*Container, error) {
	logger := ext.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := ext.Clock
	if clock == nil {
		clock = time.Now
	}

	reg := ext.Registry
	if reg == nil {
		opened, err := openRegistry(ctx, cfg, ext.Firestore)
		if err != nil {
			return nil, err
		}
		reg = opened
	}

	gateway := ext.Gateway
	if gateway == nil {
		built, err := buildGateway(cfg, logger)
		if err != nil {
			_ = reg.Close(ctx)
			return nil, err
		}
		gateway = built
	}

	c := &Container{
		Config:       cfg,
		Repositories: reg,
		Gateway:      gateway,
		logger:       logger,
		clock:        clock,
	}
	if err := c.buildServices(ext); err != nil {
		_ = reg.Close(ctx)
		return nil, err
	}
	if err := c.buildWorkers(ext); err != nil {
		_ = reg.Close(ctx)
		return nil, err
	}
	store, err := buildIdempotencyStore(ctx, cfg, ext)
	if err != nil {
		_ = reg.Close(ctx)
		return nil, err
	}
	c.Idempotency = store
	return c, nil
}

func openRegistry(ctx context.Context, cfg config.Config, provider *pfirestore.Provider) (repositories.Registry, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverFirestore:
		if provider == nil {
			return nil, errors.New("firestore store requires a firestore provider")
		}
		store, err := firestoreRepo.NewStore(provider)
		if err != nil {
			return nil, fmt.Errorf("build firestore store: %w", err)
		}
		return store, nil
	case config.StoreDriverPostgres:
		store, err := sqlstore.Open(ctx, sqlstore.DialectPostgres, cfg.Store.DSN, sqlstore.Options{MaxOpenConns: cfg.Store.MaxOpenConns})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	case config.StoreDriverSQLite:
		store, err := sqlstore.Open(ctx, sqlstore.DialectSQLite, cfg.Store.DSN, sqlstore.Options{MaxOpenConns: cfg.Store.MaxOpenConns})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

func buildGateway(cfg config.Config, logger *zap.Logger) (payments.Gateway, error) {
	switch cfg.Payments.Gateway {
	case config.GatewayStripe:
		gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
			APIKey:        cfg.Payments.StripeAPIKey,
			WebhookSecret: cfg.Payments.StripeWebhookSecret,
			AccountID:     cfg.Payments.StripeAccountID,
			Logger:        payments.StripeLogger(observability.EventLogger(logger, "stripe")),
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe gateway: %w", err)
		}
		return gateway, nil
	case config.GatewayFake:
		logger.Warn("payments: using in-memory fake gateway")
		return payments.NewFakeGateway(cfg.Payments.StripeWebhookSecret), nil
	default:
		return nil, fmt.Errorf("unsupported payment gateway %q", cfg.Payments.Gateway)
	}
}

func (c *Container) buildServices(ext Externals) error {
	reg := c.Repositories
	cfg := c.Config

	cartSvc, err := services.NewCartService(services.CartServiceDeps{
		Carts:     reg.Carts(),
		Pricing:   reg.Pricing(),
		Customers: reg.Customers(),
		Clock:     c.clock,
		Logger:    c.events("cart"),
	})
	if err != nil {
		return fmt.Errorf("build cart service: %w", err)
	}
	c.Services.Cart = cartSvc

	catalogSvc, err := services.NewCatalogService(services.CatalogServiceDeps{
		Pricing: reg.Pricing(),
		Gateway: c.Gateway,
		Clock:   c.clock,
		Logger:  c.events("catalog"),
	})
	if err != nil {
		return fmt.Errorf("build catalog service: %w", err)
	}
	c.Services.Catalog = catalogSvc

	discountSvc, err := services.NewDiscountService(services.DiscountServiceDeps{
		Discounts: reg.Discounts(),
		Customers: reg.Customers(),
		Gateway:   c.Gateway,
		Clock:     c.clock,
		Logger:    c.events("discounts"),
	})
	if err != nil {
		return fmt.Errorf("build discount service: %w", err)
	}
	c.Services.Discounts = discountSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: reg.Orders(),
		Clock:  c.clock,
		Logger: c.events("orders"),
	})
	if err != nil {
		return fmt.Errorf("build order service: %w", err)
	}
	c.Services.Orders = orderSvc

	referralSvc, err := services.NewReferralService(services.ReferralServiceDeps{
		Invitations:   reg.Invitations(),
		Customers:     reg.Customers(),
		Discounts:     reg.Discounts(),
		Outbox:        reg.Outbox(),
		UnitOfWork:    reg,
		Gateway:       c.Gateway,
		RewardCents:   cfg.Checkout.ReferralRewardCents,
		SignupBaseURL: cfg.Checkout.FrontendBaseURL,
		Clock:         c.clock,
		Logger:        c.events("referrals"),
	})
	if err != nil {
		return fmt.Errorf("build referral service: %w", err)
	}
	c.Services.Referrals = referralSvc

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Orders:             reg.Orders(),
		Carts:              reg.Carts(),
		Pricing:            reg.Pricing(),
		Discounts:          reg.Discounts(),
		Customers:          reg.Customers(),
		Outbox:             reg.Outbox(),
		UnitOfWork:         reg,
		Gateway:            c.Gateway,
		Referrals:          referralSvc,
		Metrics:            ext.Metrics,
		Clock:              c.clock,
		Logger:             c.events("checkout"),
		MaxCartItems:       cfg.Checkout.MaxCartItems,
		MinimumIntentCents: cfg.Checkout.MinimumIntentCents,
		StaleOrderTTL:      cfg.Checkout.StaleOrderTTL,
	})
	if err != nil {
		return fmt.Errorf("build checkout service: %w", err)
	}
	c.Services.Checkout = checkoutSvc

	probes := append([]repositories.Probe{{
		Name:     "store",
		Critical: true,
		Check:    reg.Ping,
	}}, ext.Probes...)
	health, err := repositories.NewProbeHealthRepository(probes, repositories.WithProbeClock(c.clock))
	if err != nil {
		return fmt.Errorf("build health repository: %w", err)
	}
	systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: health,
		Clock:            c.clock,
		Build:            ext.Build,
	})
	if err != nil {
		return fmt.Errorf("build system service: %w", err)
	}
	c.Services.System = systemSvc
	return nil
}

func (c *Container) buildWorkers(ext Externals) error {
	sweeper, err := services.NewStaleOrderSweeper(c.Services.Checkout, c.Config.Checkout.SweepBatchSize, c.events("sweeper"))
	if err != nil {
		return fmt.Errorf("build stale order sweeper: %w", err)
	}
	c.Sweeper = sweeper

	if ext.Publisher == nil {
		c.logger.Warn("outbox: no publisher configured; messages stay queued")
		return nil
	}
	renderer, err := services.NewReceiptRenderer(services.ReceiptRendererConfig{FrontendBaseURL: c.Config.Checkout.FrontendBaseURL})
	if err != nil {
		return fmt.Errorf("build receipt renderer: %w", err)
	}
	dispatcher, err := services.NewOutboxDispatcher(services.OutboxDispatcherDeps{
		Outbox:      c.Repositories.Outbox(),
		Publisher:   ext.Publisher,
		Renderer:    renderer,
		Archive:     ext.Archive,
		BatchSize:   c.Config.Outbox.BatchSize,
		MaxAttempts: c.Config.Outbox.MaxAttempts,
		Clock:       c.clock,
		Logger:      c.events("outbox"),
	})
	if err != nil {
		return fmt.Errorf("build outbox dispatcher: %w", err)
	}
	c.Dispatcher = dispatcher
	return nil
}

func buildIdempotencyStore(ctx context.Context, cfg config.Config, ext Externals) (idempotency.Store, error) {
	switch cfg.Idempotency.Backend {
	case config.IdempotencyBackendMemory:
		return idempotency.NewMemoryStore(), nil
	case config.IdempotencyBackendFirestore:
		if ext.Firestore == nil {
			return nil, errors.New("firestore idempotency store requires a firestore provider")
		}
		client, err := ext.Firestore.Client(ctx)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		return idempotency.NewFirestoreStore(client, idempotency.FirestoreStoreConfig{})
	case config.IdempotencyBackendRedis:
		if ext.Redis == nil {
			return nil, errors.New("redis idempotency store requires a redis client")
		}
		return idempotency.NewRedisStore(ext.Redis, idempotency.RedisStoreConfig{})
	default:
		return nil, fmt.Errorf("unsupported idempotency backend %q", cfg.Idempotency.Backend)
	}
}

// IdempotencyMiddleware wraps checkout mutations so retried requests replay the first response.
func (c *Container) IdempotencyMiddleware() func(http.Handler) http.Handler {
	return idempotency.Middleware(c.Idempotency,
		idempotency.WithHeader(c.Config.Idempotency.Header),
		idempotency.WithTTL(c.Config.Idempotency.TTL),
		idempotency.WithClock(c.clock),
		idempotency.WithLogger(idempotency.EventLogger(c.events("idempotency"))),
	)
}

// RunWorkers starts the background loops and returns a function blocking until they exit after ctx
// is canceled.
func (c *Container) RunWorkers(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	if c.Dispatcher != nil {
		start(func(ctx context.Context) { c.Dispatcher.Run(ctx, c.Config.Outbox.Interval) })
	}
	if c.Sweeper != nil && c.Config.Checkout.SweepInterval > 0 {
		start(func(ctx context.Context) { c.Sweeper.Run(ctx, c.Config.Checkout.SweepInterval) })
	}
	if c.Idempotency != nil {
		loop := idempotency.CleanupLoop{
			Store:     c.Idempotency,
			Interval:  c.Config.Idempotency.CleanupInterval,
			BatchSize: c.Config.Idempotency.CleanupBatchSize,
			Clock:     c.clock,
			Logger:    c.events("idempotency"),
		}
		start(loop.Run)
	}
	return wg.Wait
}

// Close releases the store. Clients passed in Externals stay owned by the caller.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func (c *Container) events(component string) func(context.Context, string, map[string]any) {
	return observability.EventLogger(c.logger, component)
}
