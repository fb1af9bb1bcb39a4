// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/sync/errgroup"

	"github.com/starford/pictura/internal/database"
	"github.com/starford/pictura/internal/dispatch"
	"github.com/starford/pictura/internal/listener"
	"github.com/starford/pictura/internal/mcpserver"
	"github.com/starford/pictura/internal/sse"
	"github.com/starford/pictura/internal/storage"
	"github.com/starford/pictura/internal/watcher"
)

var errConfigRequired = errors.New("config is required")

func newLogger(app *application) *slog.Logger {
	out := app.logOutput
	if out == nil {
		out = os.Stdout
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: app.config.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config
	logger := newLogger(app)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("database", cfg.Database.Driver),
		slog.String("storage", cfg.Storage.Driver),
		slog.Int("public_keys", len(cfg.Auth.Keys)),
		slog.String("log_level", cfg.App.LogLevel.String()))

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	store, fs, err := openStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	var broker *sse.Broker
	var publisher listener.Publisher
	if cfg.App.Events.Enabled {
		broker = sse.NewBroker(cfg.App.Events.Throttle)
		defer broker.Close()
		publisher = broker
	}

	d, err := dispatch.Build(dispatch.Config{
		Version:      app.version,
		Keys:         cfg.Auth.Keys,
		MaxClockSkew: cfg.Auth.MaxClockSkew,
		MaxBodySize:  cfg.App.HTTP.MaxBodySize,
		Routes:       cfg.RouteList(),
		Resources:    cfg.Resources,
		Listeners:    cfg.ListenerBindings(),
		Publisher:    publisher,
		Database:     db,
		Storage:      store,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeHealth(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", readyHandler(db, store))

	if broker != nil {
		r.Get("/events", broker.ServeHTTP)
	}

	// Everything else goes through the event pipeline.
	r.Handle("/*", d)

	var handler http.Handler = r
	if cfg.App.HTTP.Gzip {
		handler = gzhttp.GzipHandler(r)
	}

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Keep the database in step with blobs added or removed on disk.
	if fs != nil && cfg.Storage.FS.Watch {
		g.Go(func() error {
			n := watcher.Scan(gCtx, db, fs, logger)
			logger.Info("Initial scan finished", slog.Int("registered", n))
			cb := func(kind, user, id string) {
				if broker != nil {
					broker.PublishImageEvent(kind, user, id)
				}
			}
			if err := watcher.Watch(gCtx, db, fs, logger, cb); err != nil {
				logger.Error("watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group context so the watcher exits with the server.
var errShutdown = errors.New("shutdown")

// RunMCP serves the MCP tools on stdin/stdout against the configured backends.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config
	logger := newLogger(app)

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	store, _, err := openStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	users := make([]string, 0, len(cfg.Auth.Keys))
	for k := range cfg.Auth.Keys {
		users = append(users, k)
	}

	logger.Info("MCP server starting", slog.Int("public_keys", len(users)))
	return mcpserver.New(db, store, users).ServeStdio()
}

func readyHandler(db database.Adapter, store storage.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := map[string]string{"database": "ok", "storage": "ok"}
		status := http.StatusOK
		if err := db.Status(ctx); err != nil {
			checks["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		if err := store.Status(ctx); err != nil {
			checks["storage"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		if status == http.StatusOK {
			checks["status"] = "ok"
		} else {
			checks["status"] = "unavailable"
		}
		writeHealth(w, status, checks)
	}
}

func writeHealth(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
