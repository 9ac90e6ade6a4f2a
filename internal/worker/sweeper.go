package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type BookingSweeper interface {
	SweepCompleted(ctx context.Context) (int, error)
}

type DisputeSweeper interface {
	SweepOverdue(ctx context.Context) (int, error)
}

// Sweeper applies overdue transitions proactively. Read paths apply them too,
// so a late or skipped run only delays notifications.
type Sweeper struct {
	bookings BookingSweeper
	disputes DisputeSweeper
	interval time.Duration
	logger   *zerolog.Logger
}

func NewSweeper(bookings BookingSweeper, disputes DisputeSweeper, interval time.Duration, logger *zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "sweeper").Logger()
	return &Sweeper{bookings: bookings, disputes: disputes, interval: interval, logger: &l}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("Sweeper started")
	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Sweeper stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs both sweeps; a failure in one does not skip the other.
func (s *Sweeper) RunOnce(ctx context.Context) {
	bookings, err := s.bookings.SweepCompleted(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("Booking sweep failed")
	}

	disputes, err := s.disputes.SweepOverdue(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("Dispute sweep failed")
	}

	if bookings > 0 || disputes > 0 {
		s.logger.Info().Int("bookings", bookings).Int("disputes", disputes).Msg("Sweep applied overdue transitions")
	}
}
