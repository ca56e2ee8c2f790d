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
	"golang.org/x/sync/errgroup"

	"github.com/parahub/parahub/cmd/parahub/cli"
	"github.com/parahub/parahub/internal/app"
	"github.com/parahub/parahub/internal/audit"
	audithttp "github.com/parahub/parahub/internal/audit/http"
	"github.com/parahub/parahub/internal/auth"
	"github.com/parahub/parahub/internal/navigation"
	"github.com/parahub/parahub/internal/observability"
	"github.com/parahub/parahub/internal/platform/cache"
	"github.com/parahub/parahub/internal/platform/db"
	"github.com/parahub/parahub/internal/profiles"
	"github.com/parahub/parahub/internal/rbac"
	"github.com/parahub/parahub/internal/shared"
	"github.com/parahub/parahub/internal/users"
	"github.com/parahub/parahub/jobs"
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

	root := cli.NewRootCommand(cli.Options{
		Config: cfg,
		Logger: logger,
		Serve: func(ctx context.Context) error {
			return serve(ctx, cfg, logger)
		},
	})
	if err := root.ExecuteContext(ctx); err != nil {
		var exit cli.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		logger.Error("parahub", slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer dbpool.Close()

	if cfg.DBBootstrap {
		if _, err := db.Bootstrap(ctx, dbpool, logger); err != nil {
			return err
		}
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	sessionManager := shared.NewSessionManager(redisClient, "parahub_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	usersRepo := users.NewRepository(dbpool)
	usersService := users.NewService(usersRepo)

	tokens := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL)
	authService := auth.NewService(usersService, tokens)
	authHandler := auth.NewHandler(logger, authService, tokens, sessionManager, csrfManager)

	cacheOpts := rbac.CacheOptions{TTL: cfg.AccessCacheTTL, Logger: logger}
	rbacRepo := rbac.NewRepository(dbpool)
	registry := rbac.NewRegistry(rbacRepo, cacheOpts)
	catalog := rbac.NewCatalog(rbacRepo, registry, cacheOpts)
	projectAreas := rbac.NewCachedProjectAreas(rbacRepo, 4096, cfg.ProjectAreaCacheTTL)
	resolver := rbac.NewResolver(registry, catalog, rbacRepo, projectAreas,
		rbac.WithResolverLogger(logger),
		rbac.WithDegradeRecorder(metrics),
	)
	invalidator := cache.NewInvalidator(redisClient, logger)
	assignments := rbac.NewAssignmentService(rbacRepo, catalog, registry, invalidator, logger)
	rbacMiddleware := rbac.Middleware{
		Resolver:  resolver,
		Principal: auth.PrincipalFromRequest,
		Logger:    logger,
		Metrics:   metrics,
	}

	if cfg.SeedOnStart {
		if _, err := catalog.SeedPresets(ctx); err != nil {
			// The compiled presets still serve reads.
			logger.Warn("seed access presets", slog.Any("error", err))
		}
	}

	accessHandler := rbac.NewAccessHandler(logger, catalog, assignments, rbacRepo, rbacMiddleware)
	usersHandler := users.NewHandler(logger, usersService, rbacMiddleware)

	auditService := audit.NewService(audit.NewRepository(dbpool))
	auditHandler := audithttp.NewHandler(logger, auditService, rbacMiddleware, app.UserRateKey)

	profilesService := profiles.NewService(profiles.NewRepository(dbpool), usersService, logger)
	profilesHandler := profiles.NewHandler(logger, profilesService, usersService, rbacMiddleware)

	projector := navigation.NewProjector(navigation.NewRepository(dbpool), cfg.LegacyBaseURL, logger)
	navigationHandler := navigation.NewHandler(logger, projector, rbacMiddleware, metrics)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		SessionManager:    sessionManager,
		CSRFManager:       csrfManager,
		AuthService:       authService,
		AuthHandler:       authHandler,
		AccessHandler:     accessHandler,
		UsersHandler:      usersHandler,
		AuditHandler:      auditHandler,
		ProfilesHandler:   profilesHandler,
		NavigationHandler: navigationHandler,
		JobHandler:        jobHandler,
		RBACMiddleware:    rbacMiddleware,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return invalidator.Run(gctx, registry, catalog, projectAreas)
	})
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
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
