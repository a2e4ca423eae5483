// Package sweeper periodically deletes refresh records that outlived their token.
// Such records can never renew a session, removing them keeps the table small.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/nkiryanov/trainlog/internal/logger"
)

const defaultInterval = time.Hour

type expiredRemover interface {
	RemoveCreatedBefore(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	// How often to sweep
	// If not set than default is used
	Interval time.Duration

	// Records older than this are removed, should be the refresh token lifetime
	MaxAge time.Duration

	// If not set logs are discarded
	Logger logger.Logger
}

type Sweeper struct {
	interval time.Duration
	maxAge   time.Duration
	repo     expiredRemover
	logger   logger.Logger

	now func() time.Time
}

func New(cfg Config, repo expiredRemover) (*Sweeper, error) {
	if repo == nil {
		return nil, errors.New("repo must not be nil")
	}
	if cfg.MaxAge <= 0 {
		return nil, errors.New("max age must be positive")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoOpLogger()
	}

	return &Sweeper{
		interval: cfg.Interval,
		maxAge:   cfg.MaxAge,
		repo:     repo,
		logger:   cfg.Logger,
		now:      time.Now,
	}, nil
}

// Run sweeps on every tick until ctx is done
// Returned channel is closed when the sweeper stopped
func (s *Sweeper) Run(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})
	s.logger.Debug("Starting sweeper", "interval", s.interval, "max_age", s.maxAge)

	go func() {
		defer close(idleStopped)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Debug("Sweeper stopped by context")
				return

			case <-ticker.C:
				_, _ = s.Sweep(ctx)
			}
		}
	}()

	return idleStopped
}

// Remove expired records once
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	removed, err := s.repo.RemoveCreatedBefore(ctx, s.now().Add(-s.maxAge))
	if err != nil {
		s.logger.Error("Failed to remove expired refresh tokens", "error", err)
		return 0, err
	}

	if removed > 0 {
		s.logger.Info("Expired refresh tokens removed", "count", removed)
	}
	return removed, nil
}
