package scheduler

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNew_NextFireTimeIsInFutureInConfiguredLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	ran := make(chan time.Time, 1)
	s, err := scheduler(t, 9, 0, loc, func(ctx context.Context, firedAt time.Time) {
		ran <- firedAt
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	next := s.NextFireTime()
	if next.Before(time.Now()) {
		t.Fatalf("expected next fire time in the future, got %v", next)
	}
	if next.Location().String() != loc.String() {
		t.Fatalf("expected next fire time in %s, got %s", loc, next.Location())
	}
}

func TestStop_ReturnsPromptlyWhenNoJobRunning(t *testing.T) {
	loc := time.UTC
	s, err := scheduler(t, 23, 59, loc, func(ctx context.Context, firedAt time.Time) {})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func scheduler(t *testing.T, hour, minute int, loc *time.Location, run RunFunc) (*Scheduler, error) {
	t.Helper()
	return New(hour, minute, loc, run, func(ctx context.Context, firedAt time.Time) {}, nil, zap.NewNop())
}
