package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/gluk-w/ovsdb-viewer/internal/config"
	"github.com/gluk-w/ovsdb-viewer/internal/database"
	"github.com/gluk-w/ovsdb-viewer/internal/handlers"
	"github.com/gluk-w/ovsdb-viewer/internal/history"
	"github.com/gluk-w/ovsdb-viewer/internal/logging"
	"github.com/gluk-w/ovsdb-viewer/internal/middleware"
	"github.com/gluk-w/ovsdb-viewer/internal/ovsdb"
	"github.com/gluk-w/ovsdb-viewer/internal/session"
	"github.com/gluk-w/ovsdb-viewer/internal/sshkeys"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// openHistory opens the connection history on the configured backend. The
// sqlite backend requires database.Init to have run.
func openHistory(ctx context.Context) (*history.Registry, error) {
	var store history.Store
	switch config.Cfg.HistoryBackend {
	case "sqlite":
		if database.DB == nil {
			return nil, errors.New("sqlite history backend: database is not initialized")
		}
		store = database.NewHistoryStore(database.DB)
	case "file":
		store = &history.FileStore{Path: config.Cfg.HistoryFile}
	default:
		return nil, fmt.Errorf("unknown history backend %q", config.Cfg.HistoryBackend)
	}
	return history.Open(ctx, store)
}

// newCoordinator builds a session coordinator from the loaded config.
// reg may be nil, in which case connections are not recorded.
func newCoordinator(reg *history.Registry) (*session.Coordinator, error) {
	hostKeys, err := sshkeys.HostKeyCallback(config.Cfg.KnownHosts)
	if err != nil {
		return nil, err
	}
	return session.NewCoordinator(session.Options{
		HopTimeout:      config.Cfg.HopTimeout,
		HostKeyCallback: hostKeys,
		RPC:             ovsdb.Options{CallTimeout: config.Cfg.RPCTimeout},
		DefaultDatabase: config.Cfg.DefaultDatabase,
		History:         reg,
	}), nil
}

func newRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(config.Cfg.APIToken))
		handlers.Routes(r)
	})
	return r
}

func runServer(ctx context.Context) error {
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close()

	reg, err := openHistory(ctx)
	if err != nil {
		return err
	}
	log.Printf("History loaded: %d record(s) (backend=%s)", reg.Len(), config.Cfg.HistoryBackend)

	coord, err := newCoordinator(reg)
	if err != nil {
		return err
	}
	handlers.Sessions = coord
	handlers.History = reg
	defer coord.CloseAll()

	reaper := cron.New()
	if config.Cfg.SessionIdleTimeout > 0 {
		_, err := reaper.AddFunc(config.Cfg.ReapSchedule, func() {
			if n := coord.ReapIdle(config.Cfg.SessionIdleTimeout); n > 0 {
				log.Printf("Reaped %d idle session(s)", n)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid reap schedule %q: %w", config.Cfg.ReapSchedule, err)
		}
	}
	reaper.Start()
	defer func() { <-reaper.Stop().Done() }()

	if config.Cfg.APIToken == "" {
		log.Printf("WARNING: OVSDBV_API_TOKEN is not set; the API is open to anyone who can reach %s", config.Cfg.ListenAddr)
	}

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: newRouter(),
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-sigCtx.Done():
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	}
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	log.Println("Server stopped")
	return nil
}
