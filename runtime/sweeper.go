// Package runtime hosts the background maintenance loops: the decay sweep
// over episodic memories and the TTL sweep over world-model state.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mwynn/mnemod/episodic"
	"github.com/mwynn/mnemod/worldmodel"
)

// SweepConfig controls the maintenance schedules. Schedules accept cron
// expressions (5 or 6 field) or descriptors like "@hourly".
type SweepConfig struct {
	EpisodicSchedule   string
	EpisodicThreshold  float64
	WorldModelSchedule string
}

// Sweeper runs the periodic cleanup jobs. Sweeps may race with live reads
// and writes; the stores filter on current state at read time, so a sweep
// never makes a concurrent read inconsistent.
type Sweeper struct {
	cron      *cron.Cron
	episodic  *episodic.Store
	world     *worldmodel.Store
	cfg       SweepConfig
	logger    zerolog.Logger
	sweepTime time.Duration
}

// NewSweeper creates a sweeper. Empty schedules default to hourly.
func NewSweeper(ep *episodic.Store, world *worldmodel.Store, cfg SweepConfig, logger zerolog.Logger) *Sweeper {
	if cfg.EpisodicSchedule == "" {
		cfg.EpisodicSchedule = "@hourly"
	}
	if cfg.WorldModelSchedule == "" {
		cfg.WorldModelSchedule = "@hourly"
	}
	if cfg.EpisodicThreshold <= 0 {
		cfg.EpisodicThreshold = 0.05
	}
	return &Sweeper{
		cron:      cron.New(),
		episodic:  ep,
		world:     world,
		cfg:       cfg,
		logger:    logger.With().Str("component", "sweeper").Logger(),
		sweepTime: 2 * time.Minute,
	}
}

// Start registers the sweep jobs and begins the cron loop.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.EpisodicSchedule, s.sweepEpisodic); err != nil {
		return fmt.Errorf("sweeper: bad episodic schedule %q: %w", s.cfg.EpisodicSchedule, err)
	}
	if _, err := s.cron.AddFunc(s.cfg.WorldModelSchedule, s.sweepWorldModel); err != nil {
		return fmt.Errorf("sweeper: bad world model schedule %q: %w", s.cfg.WorldModelSchedule, err)
	}
	s.cron.Start()
	s.logger.Info().
		Str("episodic", s.cfg.EpisodicSchedule).
		Str("worldModel", s.cfg.WorldModelSchedule).
		Msg("Sweeper started")
	return nil
}

// Stop halts the cron loop and waits for any running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Sweeper stopped")
}

func (s *Sweeper) sweepEpisodic() {
	ctx, cancel := context.WithTimeout(context.Background(), s.sweepTime)
	defer cancel()

	removed, err := s.episodic.Cleanup(ctx, s.cfg.EpisodicThreshold)
	if err != nil {
		s.logger.Error().Err(err).Msg("Episodic sweep failed")
		return
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Episodic sweep complete")
	}
}

func (s *Sweeper) sweepWorldModel() {
	ctx, cancel := context.WithTimeout(context.Background(), s.sweepTime)
	defer cancel()

	states, thoughts, err := s.world.CleanupExpired(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("World model sweep failed")
		return
	}
	if states > 0 || thoughts > 0 {
		s.logger.Info().
			Int("states", states).
			Int("thoughts", thoughts).
			Msg("World model sweep complete")
	}
}
