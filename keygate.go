// Package keygateway assembles the credential pool engine: a rotating pool
// of upstream API keys with per-key and per-category daily quotas, auth
// failure exclusion, and a configurable upstream base URL.
package keygateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nimbus-labs/key-gateway/internal/admin"
	"github.com/nimbus-labs/key-gateway/internal/errtrack"
	"github.com/nimbus-labs/key-gateway/internal/gatewayurl"
	"github.com/nimbus-labs/key-gateway/internal/keypool"
	"github.com/nimbus-labs/key-gateway/internal/logging"
	"github.com/nimbus-labs/key-gateway/internal/proxy"
	"github.com/nimbus-labs/key-gateway/internal/quota"
	"github.com/nimbus-labs/key-gateway/internal/store"
)

// Gateway wires the trackers, pool, store, and HTTP surfaces together.
type Gateway struct {
	cfg     Config
	pool    *keypool.Pool
	quota   *quota.Tracker
	errs    *errtrack.Tracker
	store   store.Store
	baseURL string
	log     *slog.Logger
}

// New builds a Gateway from a validated config. Persisted credentials,
// today's usage, and error states are loaded from the store before config
// credential seeds are applied; seeds whose secret is already present are
// skipped silently.
func New(ctx context.Context, cfg Config, st store.Store, logger *slog.Logger) (*Gateway, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if st == nil {
		st = store.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	quotaTracker := quota.New(cfg.Catalog)
	errTracker := errtrack.New()
	pool := keypool.New(quotaTracker, errTracker, st, logger)

	g := &Gateway{
		cfg:     cfg,
		pool:    pool,
		quota:   quotaTracker,
		errs:    errTracker,
		store:   st,
		baseURL: gatewayurl.Resolve(cfg.GatewayDirective),
		log:     logger.With("component", "gateway"),
	}

	if err := g.restore(ctx); err != nil {
		return nil, err
	}
	g.seed(ctx)

	g.log.Info("gateway ready",
		"base_url", g.baseURL,
		"credentials", pool.Len(),
		"models", len(cfg.Catalog.Models),
	)
	return g, nil
}

// restore loads persisted state into the in-memory trackers.
func (g *Gateway) restore(ctx context.Context) error {
	records, err := g.store.LoadCredentials(ctx)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}
	g.pool.Load(records)

	// Only today's records count against quotas; older days are history.
	usage, err := g.store.LoadUsage(ctx, g.quota.Today())
	if err != nil {
		return fmt.Errorf("loading usage: %w", err)
	}
	g.quota.Load(usage)

	errStates, err := g.store.LoadErrors(ctx)
	if err != nil {
		return fmt.Errorf("loading error states: %w", err)
	}
	g.errs.Load(errStates)

	return nil
}

// seed applies the config credential seeds on top of restored state.
func (g *Gateway) seed(ctx context.Context) {
	for i, s := range g.cfg.Credentials {
		if _, err := g.pool.Add(ctx, s.Secret, s.Label); err != nil {
			if errors.Is(err, keypool.ErrDuplicateCredential) {
				continue
			}
			g.log.Warn("seeding credential failed", "index", i, "error", err)
		}
	}
}

// Pool returns the credential pool.
func (g *Gateway) Pool() *keypool.Pool { return g.pool }

// Quota returns the quota tracker.
func (g *Gateway) Quota() *quota.Tracker { return g.quota }

// BaseURL returns the resolved upstream base URL.
func (g *Gateway) BaseURL() string { return g.baseURL }

// Close releases the backing store.
func (g *Gateway) Close() error { return g.store.Close() }

// Handler returns the full HTTP surface: the upstream proxy under
// /v1beta/*, the admin API under /admin, Prometheus metrics, and a
// liveness endpoint.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(middleware.Recoverer)

	proxyHandler := proxy.New(g.pool, g.quota, g.baseURL, nil, g.log)
	r.Handle("/v1beta/*", proxyHandler)

	adminHandlers := &admin.Handlers{Pool: g.pool, Quota: g.quota, BaseURL: g.baseURL}
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(admin.AuthMiddleware(g.cfg.Admin.Token))
		ar.Mount("/", adminHandlers.Routes())
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
