package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rasoibox/api/internal/platform/httpx"
	"github.com/rasoibox/api/internal/platform/requestctx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

// CheckoutActions maps a checkout action name, the part of the path after "checkout:", to its handler.
type CheckoutActions map[string]http.HandlerFunc

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers

	public   RouteRegistrar
	cart     RouteRegistrar
	orders   RouteRegistrar
	me       RouteRegistrar
	admin    RouteRegistrar
	webhooks RouteRegistrar
	internal RouteRegistrar

	checkout            CheckoutActions
	checkoutMiddlewares []func(http.Handler) http.Handler

	adminMiddlewares    []func(http.Handler) http.Handler
	internalMiddlewares []func(http.Handler) http.Handler
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultAPIPrefix = "/api/v1"
	defaultTimeout   = 60 * time.Second
)

// NewRouter constructs the chi router with shared middleware and the API route groups. Groups
// without a registrar are not mounted. Checkout actions are served at {base}/checkout:{action}.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(httpx.CodeRouteNotFound, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(httpx.CodeMethodNotAllowed, fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		mount := func(path string, registrar RouteRegistrar, groupMW []func(http.Handler) http.Handler) {
			if registrar == nil {
				return
			}
			api.Route(path, func(group chi.Router) {
				for _, mw := range groupMW {
					if mw != nil {
						group.Use(mw)
					}
				}
				registrar(group)
			})
		}

		mount("/public", cfg.public, nil)
		mount("/cart", cfg.cart, nil)
		mount("/orders", cfg.orders, nil)
		mount("/me", cfg.me, nil)
		mount("/admin", cfg.admin, cfg.adminMiddlewares)
		mount("/webhooks", cfg.webhooks, nil)
		mount("/internal", cfg.internal, cfg.internalMiddlewares)

		if len(cfg.checkout) > 0 {
			mountCheckoutActions(api, cfg.checkout, cfg.checkoutMiddlewares)
		}
	})

	return r
}

// mountCheckoutActions serves every action behind one POST route. The action is resolved before the
// middlewares run, so an unknown action is a 404 that is neither authenticated nor recorded under an
// idempotency key.
func mountCheckoutActions(r chi.Router, actions CheckoutActions, mw []func(http.Handler) http.Handler) {
	chain := make([]func(http.Handler) http.Handler, 0, len(mw))
	for _, m := range mw {
		if m != nil {
			chain = append(chain, m)
		}
	}
	byName := make(map[string]http.Handler, len(actions))
	names := make([]string, 0, len(actions))
	for name, action := range actions {
		if action == nil {
			continue
		}
		byName[name] = chi.Chain(chain...).HandlerFunc(action)
		names = append(names, name)
	}
	sort.Strings(names)
	supported := strings.Join(names, ", ")

	r.Post("/checkout:{action}", func(w http.ResponseWriter, req *http.Request) {
		action := chi.URLParam(req, "action")
		handler, ok := byName[action]
		if !ok {
			httpx.WriteError(req.Context(), w, httpx.NewError(httpx.CodeUnknownCheckoutAction,
				fmt.Sprintf("unknown checkout action %q; supported: %s", action, supported), http.StatusNotFound))
			return
		}
		ctx, _ := requestctx.WithAnnotations(req.Context())
		handler.ServeHTTP(w, req.WithContext(ctx))
	})
}

// WithMiddlewares appends additional global middleware to the router.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz endpoints.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

func WithPublicRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.public = reg
	}
}

func WithCartRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.cart = reg
	}
}

// WithCheckoutActions serves actions at {base}/checkout:{action}, each wrapped in mw.
func WithCheckoutActions(actions CheckoutActions, mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.checkout = actions
		cfg.checkoutMiddlewares = mw
	}
}

func WithOrderRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.orders = reg
	}
}

func WithMeRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.me = reg
	}
}

func WithAdminRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.admin = reg
	}
}

// WithAdminMiddlewares configures middlewares applied to the /admin group, typically RequireStaff.
func WithAdminMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.adminMiddlewares = append(cfg.adminMiddlewares, mw...)
	}
}

func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.webhooks = reg
	}
}

func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.internal = reg
	}
}

// WithInternalMiddlewares configures middlewares applied to the /internal group.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.internalMiddlewares = append(cfg.internalMiddlewares, mw...)
	}
}
