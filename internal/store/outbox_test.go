package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func outboxBackends(t *testing.T) map[string]interface {
	OutboxRepo
	Close() error
} {
	return map[string]interface {
		OutboxRepo
		Close() error
	}{
		"memory": NewInMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
	}
}

func TestOutboxEnqueueAndClaim(t *testing.T) {
	for name, s := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := s.EnqueueOutboxMessage(ctx, "+34600000001", "digest", "Resumen semanal", "")
			if err != nil || id == "" {
				t.Fatalf("enqueue failed: %q, %v", id, err)
			}
			msgs, err := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
			if err != nil {
				t.Fatalf("claim failed: %v", err)
			}
			if len(msgs) != 1 || msgs[0].Recipient != "+34600000001" || msgs[0].Body != "Resumen semanal" {
				t.Fatalf("unexpected claim %+v", msgs)
			}
			if msgs[0].Status != OutboxStatusSending {
				t.Errorf("expected sending, got %q", msgs[0].Status)
			}
			again, _ := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
			if len(again) != 0 {
				t.Errorf("claimed message should not be claimable twice, got %d", len(again))
			}
		})
	}
}

func TestOutboxDedupeKey(t *testing.T) {
	for name, s := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id1, _ := s.EnqueueOutboxMessage(ctx, "r", "digest", "a", "digest:org1:2026-04-06:r")
			id2, _ := s.EnqueueOutboxMessage(ctx, "r", "digest", "b", "digest:org1:2026-04-06:r")
			if id1 == "" || id1 != id2 {
				t.Errorf("expected same ID for duplicate dedupe key, got %q and %q", id1, id2)
			}
		})
	}
}

func TestOutboxFailRetryAndRequeue(t *testing.T) {
	for name, s := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, _ := s.EnqueueOutboxMessage(ctx, "r", "digest", "body", "")
			s.ClaimDueOutboxMessages(ctx, time.Now(), 10)

			if err := s.FailOutboxMessage(ctx, id, "twilio down", time.Now().Add(time.Hour)); err != nil {
				t.Fatalf("fail failed: %v", err)
			}
			if msgs, _ := s.ClaimDueOutboxMessages(ctx, time.Now(), 10); len(msgs) != 0 {
				t.Errorf("message retried before its next attempt time")
			}
			msgs, _ := s.ClaimDueOutboxMessages(ctx, time.Now().Add(2*time.Hour), 10)
			if len(msgs) != 1 || msgs[0].Attempts != 1 || msgs[0].LastError != "twilio down" {
				t.Fatalf("unexpected retry claim %+v", msgs)
			}

			n, err := s.RequeueStaleSendingMessages(ctx, time.Now().Add(3*time.Hour))
			if err != nil || n != 1 {
				t.Errorf("requeue = %d, %v", n, err)
			}
			if err := s.MarkOutboxMessageSent(ctx, id); err != nil {
				t.Fatalf("mark sent failed: %v", err)
			}
			if msgs, _ := s.ClaimDueOutboxMessages(ctx, time.Now().Add(4*time.Hour), 10); len(msgs) != 0 {
				t.Errorf("sent message claimed again")
			}
		})
	}
}

func TestOutboxSenderDeliversAndRetries(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	s.EnqueueOutboxMessage(ctx, "ok", "digest", "body", "")
	s.EnqueueOutboxMessage(ctx, "broken", "digest", "body", "")

	var sent int32
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		if msg.Recipient == "broken" {
			return errors.New("invalid number")
		}
		atomic.AddInt32(&sent, 1)
		return nil
	}, time.Second)

	sender.Poll(ctx)
	if atomic.LoadInt32(&sent) != 1 {
		t.Fatalf("expected 1 delivery, got %d", sent)
	}
	// The failed message waits for its backoff.
	sender.Poll(ctx)
	if atomic.LoadInt32(&sent) != 1 {
		t.Errorf("expected no further deliveries, got %d", sent)
	}
	for _, m := range s.outbox {
		if m.Recipient == "broken" && (m.Attempts != 1 || m.Status != OutboxStatusQueued) {
			t.Errorf("failed message state %+v", m)
		}
	}
}

func TestOutboxSenderRestartRecovery(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "outbox.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	if _, err := s1.EnqueueOutboxMessage(ctx, "r", "digest", "body", "restart"); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if msgs, _ := s1.ClaimDueOutboxMessages(ctx, time.Now().Add(-10*time.Minute), 10); len(msgs) != 1 {
		t.Fatalf("expected claim before crash")
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	var sent int32
	sender := NewOutboxSender(s2, func(ctx context.Context, msg OutboxMessage) error {
		atomic.AddInt32(&sent, 1)
		return nil
	}, 50*time.Millisecond)
	if err := sender.RecoverStaleMessages(ctx); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	sender.Poll(ctx)
	if atomic.LoadInt32(&sent) != 1 {
		t.Errorf("expected 1 send after recovery, got %d", sent)
	}
}

func TestOutboxBackoffIsCapped(t *testing.T) {
	s := NewOutboxSender(NewInMemoryStore(), nil, time.Second)
	if got := s.backoff(0); got != 10*time.Second {
		t.Errorf("backoff(0) = %v", got)
	}
	if got := s.backoff(3); got != 80*time.Second {
		t.Errorf("backoff(3) = %v", got)
	}
	if got := s.backoff(40); got != time.Hour {
		t.Errorf("backoff(40) = %v", got)
	}
}
