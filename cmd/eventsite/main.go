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

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/gatherly/eventsite/internal/app"
	"github.com/gatherly/eventsite/internal/audit"
	audithttp "github.com/gatherly/eventsite/internal/audit/http"
	"github.com/gatherly/eventsite/internal/auth"
	"github.com/gatherly/eventsite/internal/chat"
	"github.com/gatherly/eventsite/internal/docstore"
	"github.com/gatherly/eventsite/internal/identity"
	"github.com/gatherly/eventsite/internal/minter"
	"github.com/gatherly/eventsite/internal/observability"
	"github.com/gatherly/eventsite/internal/platform/blob"
	"github.com/gatherly/eventsite/internal/platform/cache"
	"github.com/gatherly/eventsite/internal/platform/db"
	"github.com/gatherly/eventsite/internal/portal"
	registrationhttp "github.com/gatherly/eventsite/internal/registration/http"
	"github.com/gatherly/eventsite/internal/shared"
	"github.com/gatherly/eventsite/internal/view"
	"github.com/gatherly/eventsite/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("eventsite", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	var (
		pool     *pgxpool.Pool
		store    docstore.Store
		accounts identity.Repository
		recorder registrationhttp.AuditRecorder
		history  audit.Repository
	)
	switch cfg.DocstoreDriver {
	case app.DocstoreMemory:
		logger.Warn("using in-memory document store and accounts; data is lost on restart")
		store = docstore.NewMemoryStore()
		accounts = identity.NewMemoryRepository()
		changes := audit.NewMemoryLog()
		recorder, history = changes, changes
	default:
		pool, err = db.New(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := db.Migrate(pool); err != nil {
			return err
		}
		store = docstore.NewPGStore(pool, logger)
		accounts = identity.NewRepository(pool)
		recorder = shared.NewAuditLogger(pool)
		history = audit.NewRepository(pool)
	}

	redisOpt := asynq.RedisClientOpt{Addr: redisClient.Options().Addr, Password: redisClient.Options().Password, DB: redisClient.Options().DB}
	mailer := jobs.NewClient(redisOpt)
	defer func() {
		if err := mailer.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpt)
	defer func() { _ = inspector.Close() }()

	metrics := observability.NewMetrics()
	hub := identity.NewHub()
	relay := identity.NewRedisRelay(redisClient, hub, logger)
	identityService := identity.NewService(identity.ServiceConfig{
		Repo:              accounts,
		Tokens:            identity.NewTokenIssuer(cfg.IDTokenSecret, cfg.IDTokenTTL),
		CustomTokenSecret: cfg.CustomTokenSecret,
		Mailer:            mailer,
		Publisher:         relay,
		BaseURL:           cfg.AppBaseURL,
		Logger:            logger,
	})

	var google auth.GoogleFlow
	if gcfg := cfg.Google(); gcfg.Enabled() {
		g, err := identity.NewGoogle(ctx, gcfg)
		if err != nil {
			return err
		}
		google = g
	}

	registry := portal.NewRegistry(portal.Config{
		Identity: identityService,
		Hub:      hub,
		Store:    store,
		Minter:   minter.NewClient(cfg.MinterURL, nil),
		Logger:   logger,
		Metrics:  metrics,
		IdleTTL:  cfg.PortalIdleTTL,
	})

	var blobs registrationhttp.BlobStore
	if s := blob.NewS3Store(cfg.Blob()); s != nil {
		blobs = s
	}

	templates, err := view.NewEngine()
	if err != nil {
		return err
	}
	sessionManager := shared.NewSessionManager(redisClient, "eventsite_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	renderer := portal.NewRenderer(templates, csrfManager, logger, google != nil)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		Renderer:       renderer,
		Registry:       registry,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		AuthHandler: auth.NewHandler(auth.Config{
			Logger:   logger,
			Registry: registry,
			Identity: identityService,
			Google:   google,
			Sessions: sessionManager,
		}),
		RegistrationHandler: registrationhttp.NewHandler(registrationhttp.Config{
			Logger:   logger,
			Renderer: renderer,
			Blobs:    blobs,
			Audit:    recorder,
		}),
		AuditHandler: audithttp.NewHandler(logger, audit.NewService(history), renderer),
		ChatHandler: chat.NewHandler(chat.NewClient(chat.ClientConfig{
			URL:    cfg.ChatAPIURL,
			APIKey: cfg.ChatAPIKey,
			Model:  cfg.ChatModel,
		}), cfg.ChatSystemPrompt, logger, metrics),
		JobHandler: jobs.NewHandler(inspector, logger),
		Metrics:    metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		return registry.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

