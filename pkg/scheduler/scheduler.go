// Package scheduler implements C6: a daily fire_time trigger and a
// five-minute health tick, both driven by robfig/cron/v3 rather than a
// hand-rolled ticker loop. Missed ticks are skipped, not replayed
// (§4.6, §9 redesign note) — this falls out naturally from how
// robfig/cron computes each entry's next run from wall-clock time
// rather than queuing a backlog.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/castlepeak/ibkr-recurring/pkg/clock"
)

// healthTickSpec is the cron spec giving the secondary health-tick
// entry its fixed five-minute cadence (§4.6).
const healthTickSpec = "*/5 * * * *"

// RunFunc is invoked at the daily fire_time; it receives the instant
// the cron entry actually fired at.
type RunFunc func(ctx context.Context, firedAt time.Time)

// HealthFunc is invoked every five minutes to refresh a liveness
// snapshot (process counters, last tick time).
type HealthFunc func(ctx context.Context, firedAt time.Time)

// Scheduler owns the cron.Cron instance wiring the daily fire trigger
// and the health tick. It runs in the same process as the broker
// client and order engine and shares their session (§4.6).
type Scheduler struct {
	cron        *cron.Cron
	location    *time.Location
	clock       clock.Clock
	log         *zap.Logger
	fireEntryID cron.EntryID

	mu             sync.Mutex
	lastHealthTick time.Time
}

// New constructs a Scheduler firing run at hour:minute every day in
// location, plus a five-minute health tick invoking health. c supplies
// the timestamp stamped on each firing; a nil c uses the real wall
// clock, so tests can inject a fake one to make "what time did this
// fire at" deterministic (§5).
func New(hour, minute int, location *time.Location, run RunFunc, health HealthFunc, c clock.Clock, log *zap.Logger) (*Scheduler, error) {
	if c == nil {
		c = clock.RealClock{}
	}

	cr := cron.New(cron.WithLocation(location), cron.WithChain(cron.Recover(cronLogger{log})))

	s := &Scheduler{cron: cr, location: location, clock: c, log: log}

	fireSpec := fmt.Sprintf("%d %d * * *", minute, hour)
	entryID, err := cr.AddFunc(fireSpec, func() {
		now := s.clock.Now().In(location)
		s.log.Info("scheduler_fire", zap.Time("fired_at", now))
		run(context.Background(), now)
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: add fire entry: %w", err)
	}

	if _, err := cr.AddFunc(healthTickSpec, func() {
		now := s.clock.Now().In(location)
		s.mu.Lock()
		s.lastHealthTick = now
		s.mu.Unlock()
		health(context.Background(), now)
	}); err != nil {
		return nil, fmt.Errorf("scheduler: add health tick entry: %w", err)
	}

	s.fireEntryID = entryID
	return s, nil
}

// Start begins the cron loop in the background. It returns
// immediately; callers stop it via Stop.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron loop from starting further runs and waits for a
// job already running (if any) to finish, or for ctx to end. A running
// job is not canceled: jobs are invoked with context.Background().
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextFireTime reports the next scheduled daily fire instant (not the
// health tick), for the status endpoint (§4.7/§4.8).
func (s *Scheduler) NextFireTime() time.Time {
	entry := s.cron.Entry(s.fireEntryID)
	if entry.Next.IsZero() && entry.Schedule != nil {
		// cron only fills in Next once Start has run.
		return entry.Schedule.Next(s.clock.Now().In(s.location))
	}
	return entry.Next
}

// LastHealthTick reports when the five-minute health entry last fired.
func (s *Scheduler) LastHealthTick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHealthTick
}

// cronLogger adapts *zap.Logger to cron.Logger so panics recovered by
// cron.Recover are reported through the same structured sink as
// everything else.
type cronLogger struct{ log *zap.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	if l.log != nil {
		l.log.Sugar().Infow(msg, kv...)
	}
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	if l.log != nil {
		l.log.Sugar().Errorw(msg, append(kv, "error", err)...)
	}
}
