package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gamgui/gamgui/internal/backend"
	"github.com/gamgui/gamgui/internal/config"
	"github.com/gamgui/gamgui/internal/creds"
	"github.com/gamgui/gamgui/internal/database"
	"github.com/gamgui/gamgui/internal/handlers"
	"github.com/gamgui/gamgui/internal/logging"
	"github.com/gamgui/gamgui/internal/middleware"
	"github.com/gamgui/gamgui/internal/session"
	"github.com/gamgui/gamgui/internal/stream"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
)

// historyRetention is how long command records are kept before the daily
// purge removes them.
const historyRetention = 90 * 24 * time.Hour

func main() {
	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: AuthDisabled=%v, Namespace=%s, Image=%s",
		config.Cfg.AuthDisabled, config.Cfg.K8sNamespace, config.Cfg.SessionImage)

	// Credential resolver
	resolver := creds.NewResolver()
	resolver.Register(creds.EnvProvider{})
	resolver.Register(creds.FileProvider{})
	resolver.Register(creds.StoredProvider{})

	// Backend selector with the configured fallback chain
	policy, err := backend.LoadPolicy(config.Cfg.BackendPolicy)
	if err != nil {
		log.Fatalf("Backend policy: %v", err)
	}
	if config.Cfg.MaxOrchestrated > 0 {
		policy.MaxOrchestrated = config.Cfg.MaxOrchestrated
	}
	log.Printf("Backend policy:\n%s", policy)

	registry := session.NewRegistry()
	selector := backend.NewSelector(policy, registry.CountOrchestrated)

	ctx := context.Background()
	selector.Register(ctx, &backend.KubernetesBackend{})
	selector.Register(ctx, &backend.DockerBackend{})
	selector.Register(ctx, &backend.LocalBackend{})
	selector.Register(ctx, backend.VirtualBackend{})

	// Session manager and stream mux
	mux := stream.NewMux()
	mgr := session.NewManager(registry, selector, resolver)
	mgr.Detach = mux.CloseSession
	handlers.Mgr = mgr
	handlers.Streams = mux

	// Background maintenance
	idleTimeout, err := time.ParseDuration(config.Cfg.SessionIdleTimeout)
	if err != nil || idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}

	jobs := cron.New()
	jobs.AddFunc("@every 1m", func() { mgr.ReapIdle(context.Background(), idleTimeout) })
	jobs.AddFunc("@every 1m", func() { mgr.SweepHealth(context.Background()) })
	jobs.AddFunc("@daily", func() {
		if err := database.PurgeCommandRecords(historyRetention); err != nil {
			log.Printf("History purge: %v", err)
		}
	})
	jobs.Start()
	defer jobs.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.Health)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequirePrincipal)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", handlers.CreateSession)
			r.Get("/", handlers.ListSessions)
			r.Get("/{id}", handlers.GetSession)
			r.Delete("/{id}", handlers.EndSession)
			r.Post("/{id}/cancel", handlers.CancelCommand)
			r.Get("/{id}/history", handlers.SessionHistory)
			r.Get("/{id}/stream", handlers.SessionStreamWS)
		})

		// Admin-only routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			r.Get("/logs", handlers.ServerLogs)
			r.Put("/credentials/{ref}", handlers.PutStoredCredential)
			r.Get("/credentials/{ref}", handlers.GetStoredCredential)
		})
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// End every live session so no substrate resources leak.
	mgr.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
