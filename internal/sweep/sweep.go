// Package sweep periodically removes idle sliding-window-log entries —
// keys whose request log has gone empty — so that a long-running
// process does not accumulate one shard-map entry per key ever seen.
//
// This is a deliberate addition beyond the base admission algorithm: the
// sliding window only prunes stale timestamps from a key it is asked
// about, so a key nobody queries again keeps its (now-empty) log
// resident forever without a sweep.
package sweep

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Sweeper removes sliding-window-log entries idle for longer than the
// olderThan duration passed to Sweep.
type Sweeper interface {
	Sweep(olderThan time.Duration) int
}

// Scheduler runs a Sweeper on a cron schedule.
type Scheduler struct {
	cron      *cron.Cron
	sweeper   Sweeper
	idleAfter time.Duration
}

// New builds a Scheduler that sweeps sweeper every interval, removing
// keys idle for longer than idleAfter. The cron "@every" schedule has
// whole-second resolution: an interval under one second runs once a
// second, and any fraction of a second is truncated.
func New(sweeper Sweeper, interval, idleAfter time.Duration) *Scheduler {
	c := cron.New()
	s := &Scheduler{cron: c, sweeper: sweeper, idleAfter: idleAfter}

	spec := everySpec(interval)
	if _, err := c.AddFunc(spec, s.runOnce); err != nil {
		// AddFunc only fails on a malformed spec; everySpec always
		// produces a valid one, so this would indicate a programming
		// error rather than a runtime condition.
		log.Error().Str("component", "sweep").Err(err).Str("spec", spec).Msg("invalid sweep schedule")
	}

	return s
}

// Start begins running the scheduled sweeps in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for any in-progress sweep to
// finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) runOnce() {
	removed := s.sweeper.Sweep(s.idleAfter)
	log.Debug().
		Str("component", "sweep").
		Int("removed", removed).
		Dur("idle_after", s.idleAfter).
		Msg("idle-key sweep completed")
}

// everySpec converts a Go duration into a cron "@every" spec, the
// simplest way robfig/cron supports a fixed-interval schedule without
// hand-building a crontab expression.
func everySpec(interval time.Duration) string {
	return "@every " + interval.String()
}
