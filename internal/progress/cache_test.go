package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mentis-edu/mentis/internal/models"
	"github.com/mentis-edu/mentis/internal/store"
)

// flakyStore fails the first failures AddProgress calls.
type flakyStore struct {
	*store.InMemoryStore
	mu       sync.Mutex
	failures int
	adds     int
}

func (f *flakyStore) AddProgress(ctx context.Context, studentID string, delta models.ProgressDelta) (models.StudentProgress, error) {
	f.mu.Lock()
	f.adds++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return models.StudentProgress{}, errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.InMemoryStore.AddProgress(ctx, studentID, delta)
}

func (f *flakyStore) addCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adds
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func persisted(t *testing.T, st progressGetter, id string) models.StudentProgress {
	t.Helper()
	p, err := st.GetProgress(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProgress failed: %v", err)
	}
	if p == nil {
		return models.StudentProgress{}
	}
	return *p
}

type progressGetter interface {
	GetProgress(ctx context.Context, studentID string) (*models.StudentProgress, error)
}

func TestCacheCoalescesAndConverges(t *testing.T) {
	st := &flakyStore{InMemoryStore: store.NewInMemoryStore()}
	c := NewCache(st, WithFlushDelay(20*time.Millisecond))
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		at := now.Add(time.Duration(i) * time.Minute)
		c.Record("s1", models.ProgressDelta{Points: 2, Activity: &at})
	}
	c.Record("s1", models.ProgressDelta{HintsUsed: 1})

	waitFor(t, func() bool { return c.Pending() == 0 && persisted(t, st, "s1").Points == 10 })
	p := persisted(t, st, "s1")
	if p.HintsUsed != 1 || p.Streak != 1 || !p.LastActivityAt.Equal(now.Add(4*time.Minute)) {
		t.Errorf("unexpected persisted progress %+v", p)
	}
	if n := st.addCalls(); n != 1 {
		t.Errorf("expected one coalesced write, got %d", n)
	}
}

func TestCacheGetIncludesPending(t *testing.T) {
	st := store.NewInMemoryStore()
	st.UpsertProgress(context.Background(), "s1", models.ProgressUpdate{Points: intPtr(7)})
	c := NewCache(st, WithFlushDelay(time.Hour))
	defer c.Close(context.Background())

	c.Record("s1", models.ProgressDelta{Points: 3, HintsUsed: 2})
	got, err := c.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Points != 10 || got.HintsUsed != 2 {
		t.Errorf("Get = %+v, want points 10 hints 2", got)
	}
	if p := persisted(t, st, "s1"); p.Points != 7 {
		t.Errorf("nothing should be written before the delay, got %+v", p)
	}

	unknown, err := c.Get(context.Background(), "nobody")
	if err != nil || unknown.StudentID != "nobody" || unknown.Points != 0 || unknown.LastActivityAt != nil {
		t.Errorf("unexpected zero record %+v, %v", unknown, err)
	}
}

func TestCacheFlushAndClose(t *testing.T) {
	st := store.NewInMemoryStore()
	c := NewCache(st, WithFlushDelay(time.Hour))
	c.Record("s1", models.ProgressDelta{Points: 4})
	c.Record("s2", models.ProgressDelta{Points: 1})

	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if persisted(t, st, "s1").Points != 4 || persisted(t, st, "s2").Points != 1 {
		t.Error("Flush did not write all students")
	}

	c.Record("s1", models.ProgressDelta{Points: 1})
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if persisted(t, st, "s1").Points != 5 {
		t.Error("Close did not flush pending deltas")
	}

	// After Close changes are written through.
	c.Record("s1", models.ProgressDelta{Points: 1})
	if persisted(t, st, "s1").Points != 6 {
		t.Error("Record after Close was not written through")
	}
}

func TestCacheRetriesFailedFlush(t *testing.T) {
	st := &flakyStore{InMemoryStore: store.NewInMemoryStore(), failures: 2}
	c := NewCache(st, WithFlushDelay(10*time.Millisecond))
	defer c.Close(context.Background())

	c.Record("s1", models.ProgressDelta{Points: 3})
	waitFor(t, func() bool { return persisted(t, st, "s1").Points == 3 })
	if n := st.addCalls(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
	if c.Pending() != 0 {
		t.Errorf("expected nothing pending, got %d", c.Pending())
	}
}

func TestCacheFlushErrorKeepsDelta(t *testing.T) {
	st := &flakyStore{InMemoryStore: store.NewInMemoryStore(), failures: 1}
	c := NewCache(st, WithFlushDelay(time.Hour))
	defer c.Close(context.Background())

	c.Record("s1", models.ProgressDelta{Points: 3})
	if err := c.FlushStudent(context.Background(), "s1"); err == nil {
		t.Fatal("expected flush error")
	}
	c.Record("s1", models.ProgressDelta{Points: 2})
	got, _ := c.Get(context.Background(), "s1")
	if got.Points != 5 {
		t.Errorf("failed delta was lost, Get = %+v", got)
	}
	if err := c.FlushStudent(context.Background(), "s1"); err != nil {
		t.Fatalf("second flush failed: %v", err)
	}
	if persisted(t, st, "s1").Points != 5 {
		t.Error("store did not converge")
	}
}

func TestCacheUpsertFlushesFirst(t *testing.T) {
	st := store.NewInMemoryStore()
	c := NewCache(st, WithFlushDelay(time.Hour))
	defer c.Close(context.Background())

	c.Record("s1", models.ProgressDelta{Points: 5})
	p, err := c.Upsert(context.Background(), "s1", models.ProgressUpdate{Streak: intPtr(7)})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if p.Points != 5 || p.Streak != 7 {
		t.Errorf("Upsert = %+v, want points 5 streak 7", p)
	}
	if c.Pending() != 0 {
		t.Error("pending delta should have been flushed")
	}
}

func TestCacheConcurrentRecords(t *testing.T) {
	st := store.NewInMemoryStore()
	c := NewCache(st, WithFlushDelay(5*time.Millisecond))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Record("s1", models.ProgressDelta{Points: 1})
		}()
	}
	wg.Wait()
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := persisted(t, st, "s1").Points; got != 50 {
		t.Errorf("points = %d, want 50", got)
	}
}

func intPtr(v int) *int { return &v }
