// Command minter holds the admin override secret and issues custom tokens
// for it. It runs apart from the site so the site never sees the secret.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gatherly/eventsite/internal/app"
	"github.com/gatherly/eventsite/internal/minter"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping minter startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := minter.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(&app.Config{LogFormat: cfg.LogFormat})

	r := chi.NewRouter()
	r.Use(chimw.RealIP, chimw.RequestID, chimw.Recoverer, chimw.Timeout(10*time.Second))
	minter.NewHandler(*cfg, logger).MountRoutes(r)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	go func() {
		logger.Info("starting minter", slog.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("minter server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
