// Package supervisor implements C7: PID-file-locked process lifecycle
// management for the recurring-order daemon — PID lock, liveness probe
// and stop, plus crash-restart backoff for the scheduler loop it
// supervises. Log tailing lives in cmd/recurringctl.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/castlepeak/ibkr-recurring/pkg/clock"
)

// Status holds the fields of a daemon status report (§4.7). Nothing in
// this package fills one in; recurringctl's status command uses
// IsRunning and the HTTP status endpoint instead.
type Status struct {
	Running         bool
	PID             int
	StartedAt       time.Time
	NextFireTime    time.Time
	LastRunOutcome  string
}

// Supervisor owns the PID file lock and the supervised loop's
// crash-restart policy. One Supervisor exists per daemon process.
type Supervisor struct {
	pidPath string
	lock    *flock.Flock
	log     *zap.Logger
}

// New constructs a Supervisor bound to the given PID file path.
func New(pidPath string, log *zap.Logger) *Supervisor {
	return &Supervisor{pidPath: pidPath, lock: flock.New(pidPath + ".lock"), log: log}
}

// AcquireOrFail takes an exclusive, non-blocking lock on the PID file
// and writes the current process's PID, failing if another instance
// already holds it — this is what makes two concurrent `start`
// invocations impossible rather than merely unlikely (§4.7).
func (s *Supervisor) AcquireOrFail() error {
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("supervisor: acquire pid lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("supervisor: already running (pid file %s is locked)", s.pidPath)
	}
	if err := os.WriteFile(s.pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("supervisor: write pid file: %w", err)
	}
	return nil
}

// Release removes the PID file and drops the lock. Called on clean
// shutdown.
func (s *Supervisor) Release() {
	_ = s.lock.Unlock()
	_ = os.Remove(s.pidPath)
}

// ReadPID reads the PID recorded by a running instance, if any.
func ReadPID(pidPath string) (int, error) {
	raw, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("supervisor: malformed pid file: %w", err)
	}
	return pid, nil
}

// IsRunning reports whether the process recorded in pidPath is alive,
// probed via signal 0 (§4.7 status).
func IsRunning(pidPath string) (pid int, running bool) {
	pid, err := ReadPID(pidPath)
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return pid, false
	}
	return pid, true
}

// Stop sends SIGTERM to pid, waits up to gracePeriod for it to exit,
// and escalates to SIGKILL if it is still alive (§4.7). c is the
// clock driving the grace-period poll; a nil c uses the real wall
// clock, so tests can inject a fake one to avoid real sleeps.
func Stop(pid int, gracePeriod time.Duration, c clock.Clock) error {
	if c == nil {
		c = clock.RealClock{}
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("supervisor: find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("supervisor: send sigterm: %w", err)
	}

	deadline := c.Now().Add(gracePeriod)
	for c.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			return nil // process has exited
		}
		<-c.After(200 * time.Millisecond)
	}

	if err := proc.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("supervisor: send sigkill: %w", err)
	}
	return nil
}

// RestartBackoff is the crash-restart state machine from §4.7: the
// scheduler loop exiting non-zero triggers a restart with exponential
// backoff (1s, 2s, 4s, ... capped at 60s), up to maxAttempts, after
// which the supervisor gives up and records a terminal failure. This
// is a dedicated, small state machine rather than the cenkalti/backoff
// policy used for broker HTTP calls — process supervision isn't a
// single retryable request, it owns a long-running loop's lifecycle.
type RestartBackoff struct {
	attempt     int
	maxAttempts int
	base        time.Duration
	cap         time.Duration
}

// NewRestartBackoff constructs the §4.7 policy: base 1s, doubling,
// capped at 60s, 10 attempts.
func NewRestartBackoff() *RestartBackoff {
	return &RestartBackoff{maxAttempts: 10, base: time.Second, cap: 60 * time.Second}
}

// Next returns the delay before the next restart attempt, or
// ok=false once maxAttempts is exhausted.
func (b *RestartBackoff) Next() (delay time.Duration, ok bool) {
	if b.attempt >= b.maxAttempts {
		return 0, false
	}
	delay = b.base << b.attempt
	if delay > b.cap || delay <= 0 {
		delay = b.cap
	}
	b.attempt++
	return delay, true
}

// Reset clears the attempt counter so the next delay is base again.
// runSupervised does not call it: restart attempts accumulate for the
// life of the process.
func (b *RestartBackoff) Reset() { b.attempt = 0 }

// RunSupervised runs loop repeatedly, restarting it with RestartBackoff
// on non-nil error until ctx is canceled or attempts are exhausted. c
// drives the inter-restart delay; a nil c uses the real wall clock.
func RunSupervised(ctx context.Context, loop func(ctx context.Context) error, c clock.Clock, log *zap.Logger) error {
	return runSupervised(ctx, loop, NewRestartBackoff(), c, log)
}

func runSupervised(ctx context.Context, loop func(ctx context.Context) error, backoff *RestartBackoff, c clock.Clock, log *zap.Logger) error {
	if c == nil {
		c = clock.RealClock{}
	}

	for {
		err := loop(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			return nil
		}

		delay, ok := backoff.Next()
		if !ok {
			return fmt.Errorf("supervisor: scheduler loop failed after max restart attempts: %w", err)
		}
		if log != nil {
			log.Warn("scheduler_loop_crashed_restarting", zap.Error(err), zap.Duration("delay", delay))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.After(delay):
		}
	}
}
