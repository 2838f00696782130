// Package progress keeps student progress effects in a write-behind cache.
//
// Tutoring turns produce small deltas (points, hints, activity). The cache
// coalesces them per student and writes them to the store after a bounded delay,
// so a burst of turns costs one write. Reads through the cache include deltas
// that have not been flushed yet.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mentis-edu/mentis/internal/flow"
	"github.com/mentis-edu/mentis/internal/metrics"
	"github.com/mentis-edu/mentis/internal/models"
)

// DefaultFlushDelay matches the debounce the student dashboard used before syncing progress.
const DefaultFlushDelay = 1500 * time.Millisecond

// Store is the persistence the cache writes through to.
type Store interface {
	GetProgress(ctx context.Context, studentID string) (*models.StudentProgress, error)
	UpsertProgress(ctx context.Context, studentID string, update models.ProgressUpdate) (models.StudentProgress, error)
	AddProgress(ctx context.Context, studentID string, delta models.ProgressDelta) (models.StudentProgress, error)
}

// Opts holds configuration for the Cache.
type Opts struct {
	FlushDelay   time.Duration
	FlushTimeout time.Duration
}

// Option configures the Cache.
type Option func(*Opts)

// WithFlushDelay sets how long after the first unflushed change a flush runs.
func WithFlushDelay(d time.Duration) Option {
	return func(o *Opts) {
		o.FlushDelay = d
	}
}

// WithFlushTimeout bounds a single background flush.
func WithFlushTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.FlushTimeout = d
	}
}

// Cache is a write-behind cache of per-student progress deltas.
type Cache struct {
	store        Store
	timer        *flow.SimpleTimer
	delay        time.Duration
	flushTimeout time.Duration

	mu      sync.Mutex
	pending map[string]models.ProgressDelta
	timers  map[string]string
	closed  bool

	// flushMu orders store writes against cache reads so a delta is never
	// counted both in the store and in pending.
	flushMu sync.Mutex
}

// NewCache creates a Cache over st.
func NewCache(st Store, opts ...Option) *Cache {
	cfg := Opts{FlushDelay: DefaultFlushDelay, FlushTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = DefaultFlushDelay
	}
	return &Cache{
		store:        st,
		timer:        flow.NewSimpleTimer(),
		delay:        cfg.FlushDelay,
		flushTimeout: cfg.FlushTimeout,
		pending:      make(map[string]models.ProgressDelta),
		timers:       make(map[string]string),
	}
}

// Record queues a delta for studentID. It implements flow.ProgressRecorder.
func (c *Cache) Record(studentID string, delta models.ProgressDelta) {
	if studentID == "" || delta.IsZero() {
		return
	}
	c.mu.Lock()
	c.pending[studentID] = c.pending[studentID].Add(delta)
	closed := c.closed
	if !closed {
		c.scheduleLocked(studentID)
	}
	c.mu.Unlock()

	if closed {
		// After Close there is no timer left to run, so write through.
		if err := c.FlushStudent(context.Background(), studentID); err != nil {
			slog.Error("Cache.Record: write-through after close failed", "error", err, "student_id", studentID)
		}
	}
}

// scheduleLocked arms the flush timer for studentID unless one is pending. The delay
// counts from the first unflushed change so later changes never postpone it.
func (c *Cache) scheduleLocked(studentID string) {
	if _, ok := c.timers[studentID]; ok {
		return
	}
	var id string
	id = c.timer.ScheduleAfter(c.delay, "progress flush "+studentID, func() {
		c.mu.Lock()
		if c.timers[studentID] == id {
			delete(c.timers, studentID)
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.flushTimeout)
		defer cancel()
		if err := c.flushStudent(ctx, studentID); err != nil {
			slog.Warn("Cache.flush: scheduled flush failed, will retry", "error", err, "student_id", studentID)
		}
	})
	c.timers[studentID] = id
}

// Get returns the persisted progress of studentID with pending deltas applied. A student
// without a record gets the zero record.
func (c *Cache) Get(ctx context.Context, studentID string) (models.StudentProgress, error) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	p, err := c.store.GetProgress(ctx, studentID)
	if err != nil {
		return models.StudentProgress{}, fmt.Errorf("failed to load progress: %w", err)
	}
	out := models.StudentProgress{StudentID: studentID}
	if p != nil {
		out = *p
	}
	c.mu.Lock()
	d, ok := c.pending[studentID]
	c.mu.Unlock()
	if ok {
		out = d.ApplyTo(out)
	}
	return out, nil
}

// Upsert writes a partial progress update. Pending deltas for the student are flushed
// first so later cached changes build on the upserted record.
func (c *Cache) Upsert(ctx context.Context, studentID string, update models.ProgressUpdate) (models.StudentProgress, error) {
	if err := c.FlushStudent(ctx, studentID); err != nil {
		return models.StudentProgress{}, err
	}
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	return c.store.UpsertProgress(ctx, studentID, update)
}

// FlushStudent writes the pending delta of one student now.
func (c *Cache) FlushStudent(ctx context.Context, studentID string) error {
	c.mu.Lock()
	if id, ok := c.timers[studentID]; ok {
		c.timer.Cancel(id)
		delete(c.timers, studentID)
	}
	c.mu.Unlock()
	return c.flushStudent(ctx, studentID)
}

// Flush writes every pending delta now. Flushes already running finish first.
func (c *Cache) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
		if tid, ok := c.timers[id]; ok {
			c.timer.Cancel(tid)
			delete(c.timers, id)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := c.flushLocked(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("student %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops the background timers and flushes everything still pending.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.timers = make(map[string]string)
	c.mu.Unlock()
	c.timer.Stop()

	err := c.Flush(ctx)
	slog.Info("Cache.Close: progress cache closed", "pending", c.Pending())
	return err
}

// Pending reports how many students have unflushed changes.
func (c *Cache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Cache) flushStudent(ctx context.Context, studentID string) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	return c.flushLocked(ctx, studentID)
}

// flushLocked writes the pending delta of studentID. The caller holds flushMu.
func (c *Cache) flushLocked(ctx context.Context, studentID string) error {
	c.mu.Lock()
	delta, ok := c.pending[studentID]
	delete(c.pending, studentID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := c.store.AddProgress(ctx, studentID, delta); err != nil {
		metrics.RecordProgressFlush(metrics.OutcomeError)
		c.mu.Lock()
		// Put the delta back ahead of anything recorded meanwhile.
		c.pending[studentID] = delta.Add(c.pending[studentID])
		if !c.closed {
			c.scheduleLocked(studentID)
		}
		c.mu.Unlock()
		return fmt.Errorf("failed to flush progress: %w", err)
	}
	metrics.RecordProgressFlush(metrics.OutcomeOK)
	slog.Debug("Cache.flushStudent: progress flushed", "student_id", studentID, "points", delta.Points, "hints", delta.HintsUsed)
	return nil
}
