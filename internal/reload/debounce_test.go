package reload

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelgate/pixelgate-serve-go/internal/event"
)

func change(id string) event.ConfigChange {
	return event.ConfigChange{RecordType: "origin", RecordID: id, Action: "created"}
}

func TestBurstCoalescesIntoOneTrigger(t *testing.T) {
	var fires atomic.Int32
	c := NewCoordinator(50*time.Millisecond, 0, func(ctx context.Context) error {
		fires.Add(1)
		return nil
	})
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.Notify(change("o1"))
	}

	require.Eventually(t, func() bool { return fires.Load() == 1 }, time.Second, 10*time.Millisecond)

	// Quiet period; no further trigger
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fires.Load())
	assert.Zero(t, c.Pending())
}

func TestChangesExtendTheWindow(t *testing.T) {
	var fires atomic.Int32
	c := NewCoordinator(60*time.Millisecond, 0, func(ctx context.Context) error {
		fires.Add(1)
		return nil
	})
	defer c.Close()

	c.Notify(change("o1"))
	time.Sleep(30 * time.Millisecond)
	c.Notify(change("o2"))
	time.Sleep(30 * time.Millisecond)

	// The second change reset the timer, so nothing fired yet
	assert.Zero(t, fires.Load())

	require.Eventually(t, func() bool { return fires.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSeparateBurstsTriggerSeparately(t *testing.T) {
	var fires atomic.Int32
	c := NewCoordinator(20*time.Millisecond, 0, func(ctx context.Context) error {
		fires.Add(1)
		return nil
	})
	defer c.Close()

	c.Notify(change("o1"))
	require.Eventually(t, func() bool { return fires.Load() == 1 }, time.Second, 5*time.Millisecond)

	c.Notify(change("o2"))
	require.Eventually(t, func() bool { return fires.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestTriggerRetriesAreBounded(t *testing.T) {
	var attempts atomic.Int32
	c := NewCoordinator(10*time.Millisecond, 2, func(ctx context.Context) error {
		attempts.Add(1)
		return errors.New("restart failed")
	})
	defer c.Close()

	c.Notify(change("o1"))

	require.Eventually(t, func() bool { return attempts.Load() == 3 }, 10*time.Second, 20*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestTriggerRecoversOnRetry(t *testing.T) {
	var attempts atomic.Int32
	c := NewCoordinator(10*time.Millisecond, 3, func(ctx context.Context) error {
		if attempts.Add(1) < 2 {
			return errors.New("transient")
		}
		return nil
	})
	defer c.Close()

	c.Notify(change("o1"))
	require.Eventually(t, func() bool { return attempts.Load() == 2 }, 10*time.Second, 20*time.Millisecond)
}

func TestCloseCancelsPendingTrigger(t *testing.T) {
	var fires atomic.Int32
	c := NewCoordinator(30*time.Millisecond, 0, func(ctx context.Context) error {
		fires.Add(1)
		return nil
	})

	c.Notify(change("o1"))
	c.Close()

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, fires.Load())

	// Notifications after close are dropped
	c.Notify(change("o2"))
	assert.Zero(t, c.Pending())
}
