package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nkiryanov/trainlog/internal/db"
	"github.com/nkiryanov/trainlog/internal/handlers"
	"github.com/nkiryanov/trainlog/internal/logger"
	"github.com/nkiryanov/trainlog/internal/metrics"
	"github.com/nkiryanov/trainlog/internal/repository"
	"github.com/nkiryanov/trainlog/internal/repository/postgres"
	"github.com/nkiryanov/trainlog/internal/repository/redis"
	"github.com/nkiryanov/trainlog/internal/service/auth"
	"github.com/nkiryanov/trainlog/internal/service/auth/tokencodec"
	"github.com/nkiryanov/trainlog/internal/service/auth/tokenmanager"
	"github.com/nkiryanov/trainlog/internal/service/sweeper"
	"github.com/nkiryanov/trainlog/internal/service/user"
)

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	logger logger.Logger

	// Not set if refresh tokens expire by themselves
	sweeper *sweeper.Sweeper

	// Release connections, called after server stopped
	closers []func() error
}

func NewServerApp(ctx context.Context, c *Config) (_ *ServerApp, err error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config. Err: %w", err)
	}

	// Initialize logger
	logger, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	app := &ServerApp{ListenAddr: c.ListenAddr, logger: logger}
	defer func() {
		if err != nil {
			err = errors.Join(err, app.Close())
		}
	}()

	// Connect to the database and run migrations
	pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
	}
	app.closers = append(app.closers, func() error { pool.Close(); return nil })

	// Initialize repositories
	storage := postgres.NewStorage(pool)
	refreshRepo := storage.Refresh()

	switch c.RefreshStore {
	case RefreshStorePostgres:
		app.sweeper, err = sweeper.New(
			sweeper.Config{
				Interval: c.RefreshSweepInterval,
				MaxAge:   c.RefreshTTL,
				Logger:   logger.With("component", "sweeper"),
			},
			&postgres.RefreshRepo{DB: pool},
		)
		if err != nil {
			return nil, fmt.Errorf("error while creating sweeper. Err: %w", err)
		}

	case RefreshStoreRedis:
		client := goredis.NewClient(&goredis.Options{Addr: c.RedisAddr})
		app.closers = append(app.closers, client.Close)

		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("error while connecting to redis. Err: %w", err)
		}

		refreshRepo, err = newRedisRefreshRepo(client, c.RefreshTTL)
		if err != nil {
			return nil, err
		}
	}

	// Initialize services
	tokenManager, err := tokenmanager.New(tokenmanager.Config{
		AccessSecret:  c.AccessSecret,
		RefreshSecret: c.RefreshSecret,
		AccessTTL:     c.AccessTTL,
		RefreshTTL:    c.RefreshTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("error while creating token manager. Err: %w", err)
	}

	// Key derivation is slow, do it once
	codec, err := tokencodec.New(c.RefreshPassphrase, c.RefreshSalt)
	if err != nil {
		return nil, fmt.Errorf("error while creating token codec. Err: %w", err)
	}

	userService := user.NewService(auth.DefaultHasher, storage.User())
	authService, err := auth.NewService(
		auth.Config{
			SecureCookie:          c.SecureCookie,
			EmbedRefreshReference: c.EmbedRefreshReference,
			Logger:                logger.With("component", "auth"),
		},
		userService,
		tokenManager,
		codec,
		refreshRepo,
	)
	if err != nil {
		return nil, fmt.Errorf("error while creating auth service. Err: %w", err)
	}

	app.Handler = handlers.NewRouter(authService, userService, metrics.New(), logger)

	logger.Info("app initialized", "refresh_store", c.RefreshStore, "embed_refresh_reference", c.EmbedRefreshReference)
	return app, nil
}

func newRedisRefreshRepo(client goredis.Cmdable, ttl time.Duration) (repository.RefreshRepo, error) {
	repo, err := redis.NewRefreshRepo(client, ttl)
	if err != nil {
		return nil, fmt.Errorf("error while creating redis refresh repo. Err: %w", err)
	}
	return repo, nil
}

// Run starts http server and closes gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	var sweeperStopped <-chan struct{}
	if s.sweeper != nil {
		sweeperStopped = s.sweeper.Run(srvCtx)
	} else {
		noSweeper := make(chan struct{})
		close(noSweeper)
		sweeperStopped = noSweeper
	}

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	s.logger.Info("Starting server", "address", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed
	<-sweeperStopped

	return err
}

// Close connections in reverse order of opening
func (s *ServerApp) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
