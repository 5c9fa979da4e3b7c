package app

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/podsprint/matching-service/internal/config"
	"github.com/podsprint/matching-service/internal/httpserver"
	"github.com/podsprint/matching-service/internal/migrations"
	"github.com/podsprint/matching-service/internal/notify"
	"github.com/podsprint/matching-service/internal/repository"
	"github.com/podsprint/matching-service/internal/service"
	"github.com/podsprint/matching-service/internal/storage/postgres"
	"go.uber.org/zap"
)

type App struct {
	cfg        config.Config
	logger     *zap.Logger
	httpServer *httpserver.Server
	db         *pgxpool.Pool
	notifier   *notify.LogNotifier
	svc        *service.Service
}

func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	db, err := postgres.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}

	if err := migrations.Run(ctx, cfg.DatabaseURL, logger); err != nil {
		db.Close()
		return nil, err
	}

	repo := repository.New(db)
	notifier := notify.NewLogNotifier(logger)
	svc := service.New(repo, repo, repo, notifier, service.Config{
		Weights:        cfg.Matching.Weights(),
		WaitlistTTL:    cfg.Matching.WaitlistTTL,
		MaxSuggestions: cfg.Matching.MaxSuggestions,
		MaxMembers:     cfg.Pods.MaxMembers,
		MinMembers:     config.MinPodMembers,
		ActivateMin:    cfg.Pods.MinMembersToActivate,
	})
	server := httpserver.New(cfg.HTTPPort, logger, svc, cfg.CORSAllowedOrigins)

	return &App{
		cfg:        cfg,
		logger:     logger,
		httpServer: server,
		db:         db,
		notifier:   notifier,
		svc:        svc,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.db.Close()
	defer a.notifier.Close()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.httpServer.Start()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()

		if err := a.httpServer.Stop(shutdownCtx); err != nil {
			return err
		}

		return <-errCh
	case err := <-errCh:
		return err
	}
}
