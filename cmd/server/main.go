// Package main is the entry point for the manaforge API server.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manaforge-ai/manaforge/internal/backend"
	"github.com/manaforge-ai/manaforge/internal/chain"
	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/database"
	"github.com/manaforge-ai/manaforge/internal/engine"
	"github.com/manaforge-ai/manaforge/internal/handler"
	"github.com/manaforge-ai/manaforge/internal/janitor"
	"github.com/manaforge-ai/manaforge/internal/ledger"
	"github.com/manaforge-ai/manaforge/internal/middleware"
	"github.com/manaforge-ai/manaforge/internal/notify"
	"github.com/manaforge-ai/manaforge/internal/oracle"
	"github.com/manaforge-ai/manaforge/internal/payment"
	"github.com/manaforge-ai/manaforge/internal/quote"
	"github.com/manaforge-ai/manaforge/internal/registry"
	"github.com/manaforge-ai/manaforge/internal/repository"
	"github.com/manaforge-ai/manaforge/internal/spell"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting manaforge",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
	)

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.RunMigrations(logger); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	// Repositories.
	gens := repository.NewGenerationRepository(db.Pool())
	spells := repository.NewSpellRepository(db.Pool())
	users := repository.NewUserRepository(db.Pool())
	ledgerRepo := repository.NewLedgerRepository(db.Pool())
	deposits := repository.NewDepositRepository(db.Pool())
	payments := repository.NewPaymentRepository(db.Pool())

	// Tool catalog. An empty catalog at boot is fatal; later reloads
	// keep the previous one on failure.
	reg := registry.New(cfg.Registry, logger)
	loadCtx, loadCancel := context.WithTimeout(context.Background(), time.Minute)
	if err := reg.Load(loadCtx); err != nil {
		loadCancel()
		log.Fatalf("Failed to load tool catalog: %v", err)
	}
	loadCancel()
	logger.Info("Tool catalog loaded", slog.Int("tools", reg.Count()))

	priceOracle, err := oracle.New(cfg.Oracle, logger)
	if err != nil {
		log.Fatalf("Failed to build price oracle: %v", err)
	}
	quoter, err := quote.New(cfg.Credits)
	if err != nil {
		log.Fatalf("Failed to build quoter: %v", err)
	}

	backends := backend.NewRouter(cfg, logger)
	ledgerSvc := ledger.NewService(ledgerRepo, logger)

	// Delivery plumbing. The hub serves held-open x402 waiters; the
	// dispatcher routes every terminal event.
	hub := notify.NewHub()
	sender := notify.NewWebhookSender(cfg.Webhook)
	dispatcher := notify.NewDispatcher(cfg.Dispatcher, gens, spells, sender, hub, logger)

	// Payment gate. Without a facilitator the x402 surface stays off.
	var gate *payment.Gate
	if cfg.Payment.FacilitatorURL != "" {
		fac := payment.NewFacilitator(cfg.Payment.FacilitatorURL, logger)
		gate = payment.NewGate(cfg.Payment, payments, fac, logger)
	}

	var settler engine.PaymentSettler
	if gate != nil {
		settler = gate
	}
	eng := engine.New(cfg, gens, payments, ledgerSvc, reg, quoter, backends, dispatcher, settler, logger)
	runner := spell.NewRunner(spells, gens, eng, reg, quoter, ledgerSvc, dispatcher, logger)
	dispatcher.SetContinuer(runner)

	// Background workers live under one context so shutdown stops them
	// together after the HTTP server drains.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	go dispatcher.Run(workerCtx)
	go engine.NewPoller(eng, logger).Run(workerCtx)

	for _, chainCfg := range cfg.Chains {
		rpc, err := chain.Dial(workerCtx, chainCfg.RPCURL)
		if err != nil {
			log.Fatalf("Failed to dial chain %s: %v", chainCfg.Name, err)
		}
		go chain.NewObserver(chainCfg, rpc, deposits, priceOracle, logger).Run(workerCtx)
	}
	if len(cfg.Chains) > 0 {
		go chain.NewCreditor(deposits, users, ledgerSvc, priceOracle, cfg.Credits, logger).Run(workerCtx)
	}

	var sweeper janitor.PaymentSweeper
	if gate != nil {
		sweeper = gate
	}
	go janitor.New(cfg.Janitor, ledgerSvc, ledgerRepo, gens, users, eng, sweeper, logger).Run(workerCtx)

	// Catalog reloads arrive over three paths: the admin endpoint (which
	// also publishes), SIGHUP, and the pub/sub fan-out from peers.
	go watchReloadSignal(workerCtx, reg, logger)
	go watchReloadChannel(workerCtx, rdb, reg, logger)

	// Auth.
	store := middleware.NewSessionStore(cfg.Session.Secret, cfg.Server.IsProd())
	auth := middleware.NewAuthenticator(users, store, cfg.Session.CookieName, logger)

	// Handlers.
	generationHandler := handler.NewGenerationHandler(eng, gens, users, reg, quoter, cfg, logger)
	toolHandler := handler.NewToolHandler(reg)
	spellHandler := handler.NewSpellHandler(runner, spells, gens, users, reg, cfg, logger)
	ledgerHandler := handler.NewLedgerHandler(ledgerSvc)
	walletHandler := handler.NewWalletHandler(users, deposits, cfg, logger)
	keyHandler := handler.NewKeyHandler(users, logger)
	callbackHandler := handler.NewCallbackHandler(eng, cfg, logger)
	adminHandler := handler.NewAdminHandler(reg, ledgerSvc, users, rdb, logger)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics())
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.Server.CORSOrigins))
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/health", healthHandler())
	r.Get("/ready", readyHandler(db, rdb))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(rdb, cfg.RateLimit, logger))

		// The catalog is public so platforms can render command lists
		// without credentials.
		r.Mount("/tools", toolHandler.Routes())

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware())

			r.Mount("/generations", generationHandler.Routes())
			r.Mount("/spells", spellHandler.Routes())
			r.Mount("/ledger", ledgerHandler.Routes())
			r.Mount("/wallets", walletHandler.Routes())
			r.Mount("/keys", keyHandler.Routes())
		})
	})

	// Backend callbacks authenticate with an HMAC, not an API key.
	r.Mount("/callbacks", callbackHandler.Routes())

	if gate != nil {
		x402Handler := handler.NewX402Handler(gate, hub, eng, gens, users, reg, quoter, cfg, logger)
		r.Mount("/x402", x402Handler.Routes())
	}

	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.Middleware())
		r.Use(middleware.RequireScope(middleware.ScopeAdmin))
		r.Mount("/", adminHandler.Routes())
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down", slog.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", slog.String("error", err.Error()))
	}

	// Workers stop after the server so in-flight requests keep their
	// dispatcher and poller; the gate then finishes queued settlements.
	stopWorkers()
	if gate != nil {
		gate.Drain()
	}

	logger.Info("Server stopped gracefully")
}

// watchReloadSignal rebuilds the catalog on SIGHUP.
func watchReloadSignal(ctx context.Context, reg *registry.Registry, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			reloadCtx, cancel := context.WithTimeout(ctx, time.Minute)
			if err := reg.Reload(reloadCtx); err != nil {
				logger.Error("SIGHUP catalog reload failed", slog.String("error", err.Error()))
			} else {
				logger.Info("SIGHUP catalog reload complete", slog.Int("tools", reg.Count()))
			}
			cancel()
		}
	}
}

// watchReloadChannel follows catalog reloads triggered on other
// instances through the admin endpoint.
func watchReloadChannel(ctx context.Context, rdb *database.Redis, reg *registry.Registry, logger *slog.Logger) {
	sub := rdb.Subscribe(ctx, registry.ReloadChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			reloadCtx, cancel := context.WithTimeout(ctx, time.Minute)
			if err := reg.Reload(reloadCtx); err != nil {
				logger.Error("catalog reload from peer failed", slog.String("error", err.Error()))
			} else {
				logger.Info("catalog reloaded from peer", slog.Int("tools", reg.Count()))
			}
			cancel()
		}
	}
}

// healthHandler reports liveness only.
func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// readyHandler verifies the server can actually serve: database and
// Redis must both answer.
func readyHandler(db *database.Postgres, rdb *database.Redis) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")

		if err := db.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"database"}`))
			return
		}
		if err := rdb.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"redis"}`))
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","database":"connected","redis":"connected"}`))
	}
}
