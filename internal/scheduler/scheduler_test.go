package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop(context.Background())

	id, err := s.AddJob("digest", "0 8 * * 1", func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Expected no error adding job, got %v", err)
	}
	next := s.Next(id)
	if next.IsZero() {
		t.Fatal("expected a next run time")
	}
	if next.Weekday() != time.Monday || next.Hour() != 8 || next.Minute() != 0 {
		t.Errorf("unexpected next run %v", next)
	}
}

func TestSchedulerRejectsInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop(context.Background())

	if _, err := s.AddJob("bad", "not a cron", func(ctx context.Context) error { return nil }); err == nil {
		t.Error("expected error for invalid expression")
	}
	// Seconds field is not accepted by the 5-field parser.
	if _, err := s.AddJob("bad", "0 0 8 * * 1", func(ctx context.Context) error { return nil }); err == nil {
		t.Error("expected error for 6-field expression")
	}
}

func TestSchedulerRunsJob(t *testing.T) {
	s := NewScheduler(WithJobTimeout(time.Second))
	defer s.Stop(context.Background())

	ran := make(chan struct{}, 1)
	if _, err := s.AddJob("tick", "@every 1s", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("job context should carry a deadline")
		}
		select {
		case ran <- struct{}{}:
		default:
		}
		return errors.New("logged, not fatal")
	}); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
}

func TestSchedulerStopCancelsRunningJob(t *testing.T) {
	s := NewScheduler()

	started := make(chan struct{}, 1)
	if _, err := s.AddJob("slow", "@every 1s", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	begin := time.Now()
	s.Stop(ctx)
	if time.Since(begin) >= 2*time.Second {
		t.Error("Stop should cancel the running job instead of waiting for the deadline")
	}
}
