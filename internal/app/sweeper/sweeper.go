// Package sweeper periodically cancels scheduled sessions nobody joined.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Verify/internal/domain"
	"github.com/dkeye/Verify/internal/metrics"
)

type staleLister interface {
	ListStale(ctx context.Context, before time.Time) ([]domain.VideoSession, error)
}

type canceller interface {
	ForceCancel(ctx context.Context, id domain.SessionID) (*domain.VideoSession, error)
}

type options struct {
	Cron    *cron.Cron
	Now     func() time.Time
	Metrics *metrics.Metrics
	Timeout time.Duration
}

type Option func(*options)

// WithCron supplies a preconfigured cron scheduler instance.
func WithCron(c *cron.Cron) Option {
	return func(o *options) { o.Cron = c }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.Now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.Metrics = m }
}

type Sweeper struct {
	stale    staleLister
	sessions canceller
	grace    time.Duration
	schedule string
	opts     options
}

func New(stale staleLister, sessions canceller, schedule string, grace time.Duration, opts ...Option) *Sweeper {
	o := options{Now: time.Now, Timeout: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Cron == nil {
		o.Cron = cron.New(cron.WithLocation(time.UTC))
	}
	return &Sweeper{stale: stale, sessions: sessions, grace: grace, schedule: schedule, opts: o}
}

// Start registers the sweep job and starts the cron scheduler.
func (s *Sweeper) Start() error {
	if _, err := s.opts.Cron.AddFunc(s.schedule, s.run); err != nil {
		return fmt.Errorf("sweeper schedule %q: %w", s.schedule, err)
	}
	s.opts.Cron.Start()
	log.Info().Str("module", "sweeper").Str("schedule", s.schedule).Dur("grace", s.grace).Msg("sweeper started")
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.opts.Cron.Stop().Done()
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil {
		log.Error().Err(err).Str("module", "sweeper").Msg("sweep failed")
	}
}

// Sweep cancels every scheduled session whose scheduled time plus grace
// has passed. Sessions that are being joined are left alone.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.opts.Now().Add(-s.grace)
	stale, err := s.stale.ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}
	cancelled := 0
	for _, vs := range stale {
		if _, err := s.sessions.ForceCancel(ctx, vs.ID); err != nil {
			log.Warn().Err(err).Str("module", "sweeper").Str("session", string(vs.ID)).Msg("skip stale session")
			continue
		}
		cancelled++
	}
	s.opts.Metrics.Swept(cancelled)
	if cancelled > 0 {
		log.Info().Str("module", "sweeper").Int("cancelled", cancelled).Time("cutoff", cutoff).Msg("stale sessions cancelled")
	}
	return cancelled, nil
}
