// internal/reload/debounce.go
// Package reload coordinates configuration restarts. Change events arrive in
// bursts while an operator edits configuration; the coordinator coalesces a
// burst into a single restart trigger after a quiet window, and retries the
// trigger a bounded number of times when it fails.
package reload

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pixelgate/pixelgate-serve-go/internal/event"
	"github.com/pixelgate/pixelgate-serve-go/internal/metrics"
)

// TriggerFunc performs the restart. Implementations typically rebuild the
// index in a fresh process via the process supervisor, or swap in a newly
// built index for in-place deployments.
type TriggerFunc func(ctx context.Context) error

// Coordinator debounces change notifications into restart triggers.
type Coordinator struct {
	window  time.Duration
	retries int
	trigger TriggerFunc

	mutex   sync.Mutex
	timer   *time.Timer
	pending int
	closed  bool
}

// NewCoordinator creates a coordinator. window is the quiet period after the
// last change before the trigger fires; retries is the number of additional
// trigger attempts after the first fails.
func NewCoordinator(window time.Duration, retries int, trigger TriggerFunc) *Coordinator {
	if retries < 0 {
		retries = 0
	}
	return &Coordinator{window: window, retries: retries, trigger: trigger}
}

// Notify records a configuration change. The first change in a burst starts
// the debounce timer; every further change extends it, so the trigger fires
// once per burst, window after the burst goes quiet.
func (c *Coordinator) Notify(change event.ConfigChange) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return
	}

	c.pending++
	slog.Info("configuration change queued for restart",
		"recordType", change.RecordType, "recordId", change.RecordID,
		"action", change.Action, "pending", c.pending)

	if c.timer != nil {
		c.timer.Reset(c.window)
		return
	}
	c.timer = time.AfterFunc(c.window, c.fire)
}

// Pending reports the number of changes accumulated in the current burst.
func (c *Coordinator) Pending() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.pending
}

// Close cancels any pending trigger. Changes notified after Close are dropped.
func (c *Coordinator) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// fire runs the trigger with bounded retries. A burst that arrives while the
// trigger runs starts a fresh debounce cycle.
func (c *Coordinator) fire() {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return
	}
	count := c.pending
	c.pending = 0
	c.timer = nil
	c.mutex.Unlock()

	ctx := context.Background()
	var err error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
		if err = c.trigger(ctx); err == nil {
			metrics.NewMetrics().ReloadTriggerTotal.WithLabelValues("ok").Inc()
			slog.Info("configuration restart triggered", "coalescedChanges", count, "attempt", attempt+1)
			return
		}
		slog.Warn("restart trigger failed", "attempt", attempt+1, "error", err)
	}
	metrics.NewMetrics().ReloadTriggerTotal.WithLabelValues("error").Inc()
	slog.Error("restart trigger exhausted retries, configuration changes remain unapplied",
		"coalescedChanges", count, "attempts", c.retries+1, "error", err)
}
