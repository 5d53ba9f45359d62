// ABOUTME: Tests for the cooldown tracker.
// ABOUTME: Uses a fake clock to validate expiry, eviction, reset, and concurrent Allow.

package cooldown

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	clocktesting "k8s.io/utils/clock/testing"
)

func newFakeTracker(ttl time.Duration, size int) (*Tracker, *clocktesting.FakeClock) {
	clk := clocktesting.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewWithClock(ttl, size, clk), clk
}

func TestTracker_AllowThenCooldown(t *testing.T) {
	tr, clk := newFakeTracker(5*time.Minute, 100)
	defer tr.Close()

	assert.True(t, tr.Allow("meds"))
	assert.False(t, tr.Allow("meds"))
	assert.True(t, tr.Active("meds"))
	assert.Equal(t, 5*time.Minute, tr.Remaining("meds"))

	clk.Step(4 * time.Minute)
	assert.False(t, tr.Allow("meds"))
	assert.Equal(t, time.Minute, tr.Remaining("meds"))

	clk.Step(time.Minute)
	assert.True(t, tr.Allow("meds"), "cooldown elapsed")
}

func TestTracker_KeysIndependent(t *testing.T) {
	tr, _ := newFakeTracker(time.Minute, 100)
	defer tr.Close()

	assert.True(t, tr.Allow("pod-a"))
	assert.True(t, tr.Allow("pod-b"))
	assert.False(t, tr.Allow("pod-a"))
}

func TestTracker_Reset(t *testing.T) {
	tr, _ := newFakeTracker(time.Hour, 100)
	defer tr.Close()

	tr.Mark("cam")
	assert.True(t, tr.Active("cam"))
	tr.Reset("cam")
	assert.False(t, tr.Active("cam"))
	assert.Equal(t, time.Duration(0), tr.Remaining("cam"))
	assert.True(t, tr.Allow("cam"))
}

func TestTracker_EvictsOldest(t *testing.T) {
	tr, _ := newFakeTracker(time.Hour, 2)
	defer tr.Close()

	tr.Mark("a")
	tr.Mark("b")
	tr.Mark("c")

	assert.False(t, tr.Active("a"))
	assert.True(t, tr.Active("b"))
	assert.True(t, tr.Active("c"))
	assert.Equal(t, 2, tr.Len())
}

func TestTracker_MarkRefreshesOrder(t *testing.T) {
	tr, _ := newFakeTracker(time.Hour, 2)
	defer tr.Close()

	tr.Mark("a")
	tr.Mark("b")
	tr.Mark("a")
	tr.Mark("c")

	assert.True(t, tr.Active("a"))
	assert.False(t, tr.Active("b"))
}

func TestTracker_Cleanup(t *testing.T) {
	tr, clk := newFakeTracker(time.Minute, 100)
	defer tr.Close()

	tr.Mark("x")
	clk.Step(2 * time.Minute)
	tr.runCleanup()
	assert.Equal(t, 0, tr.Len())
}

func TestTracker_ConcurrentAllowSingleWinner(t *testing.T) {
	tr, _ := newFakeTracker(time.Minute, 100)
	defer tr.Close()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Allow("same") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestTracker_CloseIdempotent(t *testing.T) {
	tr := New(time.Minute, 10)
	tr.Close()
	assert.NotPanics(t, tr.Close)
}

func TestTracker_Since(t *testing.T) {
	tr, clk := newFakeTracker(time.Hour, 10)
	defer tr.Close()

	_, ok := tr.Since("k")
	assert.False(t, ok)

	tr.Mark("k")
	clk.Step(90 * time.Second)
	since, ok := tr.Since("k")
	assert.True(t, ok)
	assert.Equal(t, 90*time.Second, since)
}

func TestTracker_AllowWithin(t *testing.T) {
	tr, clk := newFakeTracker(time.Hour, 10)
	defer tr.Close()

	assert.True(t, tr.AllowWithin("k", 10*time.Minute))
	clk.Step(5 * time.Minute)
	assert.False(t, tr.AllowWithin("k", 10*time.Minute))
	assert.True(t, tr.AllowWithin("k", 2*time.Minute), "shorter window already elapsed")
}
