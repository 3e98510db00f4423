// Package main is the entry point for the chatgate API server.
// Identity comes from short-lived bearer tokens; subscriptions and credit
// purchases arrive as Stripe or Clerk webhooks.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/stripe/stripe-go/v78"

	"github.com/jmylchreest/chatgate/internal/config"
	"github.com/jmylchreest/chatgate/internal/database"
	"github.com/jmylchreest/chatgate/internal/http/handlers"
	"github.com/jmylchreest/chatgate/internal/http/mw"
	"github.com/jmylchreest/chatgate/internal/http/routes"
	"github.com/jmylchreest/chatgate/internal/logging"
	"github.com/jmylchreest/chatgate/internal/pricing"
	"github.com/jmylchreest/chatgate/internal/repository"
	"github.com/jmylchreest/chatgate/internal/service"
	"github.com/jmylchreest/chatgate/internal/shutdown"
	"github.com/jmylchreest/chatgate/internal/token"
	"github.com/jmylchreest/chatgate/internal/version"
)

func main() {
	logger := logging.SetDefault()

	v := version.Get()
	logger.Info("starting chatgate-api",
		"version", v.Version,
		"commit", v.Commit,
		"built", v.Date,
		"go_version", v.GoVersion,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	db, err := database.New(database.Options{
		DSN:            cfg.DatabaseURL,
		TursoURL:       cfg.TursoURL,
		TursoAuthToken: cfg.TursoAuthToken,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := database.Migrate(db, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	if latest, pending, err := database.Status(db); err != nil {
		logger.Warn("failed to get schema version", "error", err)
	} else {
		logger.Info("database schema ready", "schema_version", latest, "pending", pending)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The pricing table is read once; a restart picks up changes.
	var getter pricing.ObjectGetter
	if cfg.Storage.Enabled() {
		client, err := config.NewS3Client(ctx, cfg.Storage)
		if err != nil {
			logger.Error("failed to create storage client", "error", err)
			os.Exit(1)
		}
		getter = client
	}
	catalog, err := config.LoadPricing(ctx, cfg, getter, logger)
	if err != nil {
		logger.Error("failed to load pricing table", "error", err)
		os.Exit(1)
	}

	repos := repository.NewRepositories(db)

	services, err := service.NewServices(cfg, repos, catalog, logger)
	if err != nil {
		logger.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}

	if cfg.StripeSecretKey != "" {
		stripe.Key = cfg.StripeSecretKey
	}

	idle := shutdown.NewIdleMonitor(shutdown.IdleMonitorConfig{
		Timeout:      cfg.IdleTimeout,
		Logger:       logger,
		ExcludePaths: []string{"/healthz", "/readyz"},
		Busy:         services.Gateway.Busy,
	})

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(mw.RequestLogging)
	router.Use(middleware.Recoverer)
	if idle.Enabled() {
		router.Use(idle.Middleware)
	}
	router.Use(mw.Timeout(mw.TimeoutConfig{
		Default:      cfg.RequestTimeout,
		Settle:       2 * cfg.RequestTimeout,
		SkipPatterns: []string{"/webhooks/"},
	}))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After", mw.HeaderAPIVersion, mw.HeaderPricingVersion},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Request size limit (1MB)
	router.Use(middleware.RequestSize(1 * 1024 * 1024))
	router.Use(mw.RateLimitByIP(cfg.RateLimitPerMinute))
	router.Use(mw.VersionHeaders(catalog.Version()))

	h := &routes.Handlers{
		HealthCheck: handlers.HealthCheck,
		Livez:       handlers.Livez,
		Readyz:      handlers.NewReadyzHandler(db).Readyz,
		Gateway:     handlers.NewGatewayHandler(services.Gateway, logger),
		Keys:        handlers.NewKeyHandler(services.ProviderKeys, logger),
	}
	if cfg.TokenIssueEnabled {
		h.Token = handlers.NewTokenHandler(token.NewCodec(cfg.TokenSecret, nil))
		logger.Warn("token issuing endpoint enabled", "path", "/api/v1/token")
	}

	api := humachi.New(router, routes.NewHumaConfig(cfg.BaseURL))
	routes.RegisterPublic(api, h)

	hiddenAPI := humachi.New(router, routes.NewHiddenConfig(cfg.BaseURL))
	routes.RegisterProbes(hiddenAPI, h)

	// Payment webhooks (signature verified by handler, not bearer auth)
	if cfg.StripeWebhookSecret != "" {
		stripeWebhook := handlers.NewStripeWebhookHandler(cfg.StripeWebhookSecret, services.Billing, services.Payment, logger)
		router.Post("/api/v1/webhooks/stripe", stripeWebhook.HandleWebhook)
		logger.Info("stripe webhook endpoint enabled")
	}
	if cfg.ClerkWebhookSecret != "" {
		clerkWebhook := handlers.NewClerkWebhookHandler(cfg.ClerkWebhookSecret, services.Billing, services.Payment, logger)
		router.Post("/api/v1/webhooks/clerk", clerkWebhook.HandleWebhook)
		logger.Info("clerk webhook endpoint enabled")
	}

	// Protected routes
	router.Group(func(r chi.Router) {
		// Streams can outlive the token; settle is bounded by its authorization instead.
		r.Use(mw.Auth(services.Gateway, mw.AllowExpiredFor(routes.SettlePath)))
		r.Use(mw.RateLimitByAccount(mw.RateLimitConfig{
			AccountRequestsPerMinute: cfg.RateLimitPerMinute,
			IPRequestsPerMinute:      cfg.RateLimitPerMinute,
		}))

		protectedAPI := humachi.New(r, routes.NewHiddenConfig(cfg.BaseURL))
		routes.RegisterProtected(protectedAPI, h)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 3*cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	idle.Start()

	// Graceful shutdown on signal or when the idle monitor fires.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		select {
		case sig := <-sigChan:
			logger.Info("shutting down server", "signal", sig.String())
		case <-idle.Done():
			logger.Info("shutting down idle server", "idle_timeout", cfg.IdleTimeout.String())
		}

		idle.Stop()
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		// In-flight settlements finish before Shutdown returns.
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	mode := "hosted"
	if cfg.IsSelfHosted() {
		mode = "self-hosted"
	}
	logger.Info("starting server",
		"port", cfg.Port,
		"base_url", cfg.BaseURL,
		"mode", mode,
		"pricing_version", catalog.Version(),
		"free_model", catalog.FreeModelID(),
	)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
