package flow

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SimpleTimer runs callbacks after a delay using time.AfterFunc. The progress cache
// uses it to schedule debounced flushes.
type SimpleTimer struct {
	timers map[string]*time.Timer
	mu     sync.Mutex
	nextID int64
}

// NewSimpleTimer creates a new SimpleTimer.
func NewSimpleTimer() *SimpleTimer {
	return &SimpleTimer{
		timers: make(map[string]*time.Timer),
	}
}

// ScheduleAfter runs fn after delay and returns the timer ID.
func (t *SimpleTimer) ScheduleAfter(delay time.Duration, description string, fn func()) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)

	t.timers[id] = time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.timers, id)
		t.mu.Unlock()
		fn()
	})
	slog.Debug("SimpleTimer.ScheduleAfter: scheduled", "id", id, "delay", delay, "description", description)
	return id
}

// Cancel stops a pending timer. It reports whether the callback was prevented from running.
func (t *SimpleTimer) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	timer, exists := t.timers[id]
	if !exists {
		return false
	}
	delete(t.timers, id)
	return timer.Stop()
}

// Stop cancels all scheduled timers.
func (t *SimpleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, timer := range t.timers {
		timer.Stop()
	}
	slog.Debug("SimpleTimer.Stop: stopped timers", "count", len(t.timers))
	t.timers = make(map[string]*time.Timer)
}
