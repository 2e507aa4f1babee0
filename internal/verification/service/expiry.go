package service

import (
	"context"
	"time"

	"github.com/medflow/rx-verification/pkg/logger"
)

// ExpirySweeper periodically expires prescriptions past their validity and
// clarification requests nobody answered, and closes abandoned runs
type ExpirySweeper struct {
	service  *Service
	interval time.Duration
	logger   *logger.Logger
	cancel   context.CancelFunc
}

// NewExpirySweeper creates a sweeper running every interval
func NewExpirySweeper(svc *Service, interval time.Duration, log *logger.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		service:  svc,
		interval: interval,
		logger:   log.WithComponent("expiry"),
	}
}

// Start runs a sweep immediately and then on every tick until Stop
func (s *ExpirySweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		s.logger.Info().Dur("interval", s.interval).Msg("expiry sweeper started")
		s.sweep(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("expiry sweeper stopped")
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// Stop stops the sweeper goroutine
func (s *ExpirySweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *ExpirySweeper) sweep(ctx context.Context) {
	start := time.Now()
	expired, err := s.service.ExpireDue(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("expiry sweep failed")
	}
	recovered, err := s.service.RecoverStaleRuns(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("stale run recovery failed")
	}
	if expired > 0 || recovered > 0 {
		s.logger.Info().
			Int("expired", expired).
			Int("recovered", recovered).
			Dur("duration", time.Since(start)).
			Msg("expiry sweep completed")
	}
}
