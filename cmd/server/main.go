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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/huddle/backend/internal/api"
	"github.com/manpreetbhatti/huddle/backend/internal/bootstrap"
	"github.com/manpreetbhatti/huddle/backend/internal/clock"
	"github.com/manpreetbhatti/huddle/backend/internal/coalesce"
	"github.com/manpreetbhatti/huddle/backend/internal/compaction"
	"github.com/manpreetbhatti/huddle/backend/internal/config"
	"github.com/manpreetbhatti/huddle/backend/internal/db"
	"github.com/manpreetbhatti/huddle/backend/internal/identity"
	"github.com/manpreetbhatti/huddle/backend/internal/presence"
	"github.com/manpreetbhatti/huddle/backend/internal/room"
	"github.com/manpreetbhatti/huddle/backend/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// A missing .env is fine; real deployments use the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsDevelopment() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openStore(cfg *config.Config, limits room.Limits, logger *zap.Logger) (db.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverRedis:
		return db.NewRedisStore(cfg.Store.RedisURL, limits)
	default:
		return db.New(cfg.Store.DBPath, limits, logger)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	limits := room.Limits{ChatLog: cfg.Limits.ChatLog, ExecutionLog: cfg.Limits.ExecutionLog}

	store, err := openStore(cfg, limits, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer store.Close()

	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix: "huddle",
		Tags:   map[string]string{"service": "huddle-server"},
	}, time.Second)
	defer closer.Close()

	writer := coalesce.New(store, clock.New(), coalesce.Config{
		Window:  cfg.Coalesce.Window,
		Timeout: cfg.Coalesce.Timeout,
	}, logger.Named("coalesce"), scope)

	hub := ws.NewHub(ws.Options{
		Registry:          presence.NewRegistry(),
		Writer:            writer,
		Loader:            bootstrap.NewLoader(store, limits, logger.Named("bootstrap")),
		Logger:            logger.Named("hub"),
		Scope:             scope,
		MessagesPerSecond: cfg.Limits.MessagesPerSecond,
		MessageBurst:      cfg.Limits.MessageBurst,
		AllowedOrigins:    cfg.AllowedOrigins,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	compactor := compaction.New(store, hub, compaction.Config{
		Interval: cfg.Compaction.Interval,
		Limits:   limits,
	}, logger.Named("compaction"), scope)
	compactor.Start()

	apiHandler := api.New(store, hub, writer, logger.Named("api"))
	defer apiHandler.Close()

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(corsMiddleware(cfg.AllowedOrigins))

	apiHandler.RegisterRoutes(r)
	r.With(identity.Middleware(cfg.IsDevelopment())).Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWs(w, r, identity.FromContext(r.Context()))
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("huddle server starting",
			zap.String("addr", srv.Addr),
			zap.String("store", cfg.Store.Driver),
			zap.Duration("coalesce_window", cfg.Coalesce.Window))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("listen failed", zap.Error(err))
		}
	}
	stop()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	compactor.Stop()

	// Disconnecting everyone flushes every room; Close then waits for the
	// lanes to drain.
	stopHub()
	<-hubDone
	if err := writer.Close(shutdownCtx); err != nil {
		logger.Error("pending writes were not persisted", zap.Error(err))
		return err
	}

	logger.Info("server stopped")
	return nil
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(o, "/")] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
