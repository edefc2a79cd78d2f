package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/call-session-service/internal/api/http"
	"github.com/spec-kit/call-session-service/internal/api/http/handlers"
	"github.com/spec-kit/call-session-service/internal/auth"
	"github.com/spec-kit/call-session-service/internal/config"
	"github.com/spec-kit/call-session-service/internal/events"
	"github.com/spec-kit/call-session-service/internal/localstate"
	"github.com/spec-kit/call-session-service/internal/observability"
	"github.com/spec-kit/call-session-service/internal/persistence"
	"github.com/spec-kit/call-session-service/internal/pushstore"
	"github.com/spec-kit/call-session-service/internal/repository"
	"github.com/spec-kit/call-session-service/internal/service"
	"github.com/spec-kit/call-session-service/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pingers := map[string]handlers.Pinger{}
	var (
		callRepo   repository.CallRepository
		memberRepo repository.TeamMemberRepository
	)
	if cfg.Postgres.DSN == "" {
		logger.Warn("POSTGRES_DSN not set, call log and directory are held in memory")
		callRepo = repository.NewMemoryCallRepository()
		memberRepo = repository.NewMemoryTeamMemberRepository()
	} else {
		pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			logger.Fatal("failed to connect postgres", zap.Error(err))
		}
		defer pg.Close()

		if cfg.Postgres.RunMigrations {
			if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
				logger.Fatal("failed to run migrations", zap.Error(err))
			}
		}
		pool := pg.PoolHandle()
		callRepo = repository.NewCallRepository(pool)
		memberRepo = repository.NewTeamMemberRepository(pool)
		pingers["postgres"] = pg
	}

	redis := persistence.NewRedis(cfg.Redis, cfg.App.Name, logger)
	defer redis.Close()
	pingers["redis"] = redis

	sqlite, err := persistence.NewSQLite(cfg.LocalState.Path, logger)
	if err != nil {
		logger.Fatal("failed to open local state", zap.Error(err))
	}
	defer sqlite.Close()

	local, err := localstate.New(ctx, sqlite.DB)
	if err != nil {
		logger.Fatal("failed to prepare local state", zap.Error(err))
	}

	dispatcher := events.NewInMemoryDispatcher()
	metrics := observability.NewMetrics()
	feed := pushstore.New(redis.Client, redis.Prefix, logger)
	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL())

	callLogService := service.NewCallLogService(service.CallLogDependencies{
		CallRepo:   callRepo,
		Feed:       feed,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	directoryService := service.NewDirectoryService(service.DirectoryDependencies{
		MemberRepo: memberRepo,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	sessionService := service.NewSessionService(service.SessionDependencies{
		CallLogs:     service.NewCallLogFactory(cfg.CallLog, callLogService, tokens),
		Feed:         feed,
		Directory:    directoryService,
		LocalState:   local,
		Dispatcher:   dispatcher,
		Metrics:      metrics,
		Engine:       cfg.Engine,
		Notification: cfg.Notification,
		Logger:       logger,
	})
	notificationService := service.NewNotificationService(dispatcher, logger, cfg.Notification)

	worker.StartNotificationWorker(ctx, notificationService)
	worker.StartLocalStatePruner(ctx, local, cfg.LocalState.PruneInterval, cfg.LocalState.Retention, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.App.Name,
		ErrorHandler: httptransport.ErrorHandler(logger, metrics),
	})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	healthHandler := handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pingers, metrics)

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         healthHandler,
		Auth:           handlers.NewAuthHandler(tokens, directoryService),
		Calls:          handlers.NewCallsHandler(callLogService),
		Directory:      handlers.NewDirectoryHandler(directoryService),
		Sessions:       handlers.NewSessionHandler(sessionService),
		AuthMiddleware: auth.NewAuthMiddleware(tokens, memberRepo),
		RateLimit: httptransport.RateLimit{
			Max:        cfg.RateLimit.Max,
			Expiration: cfg.RateLimit.Expiration,
		},
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	sessionService.CloseAll()
	cancel()
	_ = app.Shutdown()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
