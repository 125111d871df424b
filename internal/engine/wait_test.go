package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/pkg/schema"
)

func TestWaitTable_FiresOnce(t *testing.T) {
	w := newWaitTable()
	w.register("se-1", "wfe-1", []string{"a", "b"}, nil)

	owner, routed := w.route("a", execution.Result{Status: schema.StatusSuccess})
	require.Equal(t, routeOwned, routed)
	assert.Equal(t, "se-1", owner)
	assert.Equal(t, "wfe-1", w.workflowExecutionOf("se-1"))

	assert.False(t, w.arrive("se-1", "a"))
	assert.False(t, w.arrive("se-1", "a"), "repeated id does not count twice")
	assert.True(t, w.arrive("se-1", "b"))
	assert.False(t, w.arrive("se-1", "b"))
	assert.False(t, w.waiting("se-1"))
	assert.Zero(t, w.size())
}

func TestWaitTable_ParkedResultsHandedBack(t *testing.T) {
	w := newWaitTable()
	r := execution.Result{Status: schema.StatusSuccess}
	_, routed := w.route("a", r)
	require.Equal(t, routeParked, routed)

	early := w.register("se-1", "wfe-1", []string{"a", "b"}, nil)
	require.Len(t, early, 1)
	assert.Equal(t, r, early["a"])

	again := w.register("se-2", "wfe-1", []string{"a"}, nil)
	assert.Empty(t, again, "parked results are handed out once")
}

func TestWaitTable_RegisterSkipsArrived(t *testing.T) {
	w := newWaitTable()
	arrived := map[string]execution.Result{"a": {Status: schema.StatusSuccess}}
	w.register("se-1", "wfe-1", []string{"a"}, arrived)

	_, routed := w.route("a", execution.Result{Status: schema.StatusSuccess})
	assert.Equal(t, routeClosed, routed, "an already delivered id is not parked again")
	assert.Zero(t, w.parkedCount())
	assert.True(t, w.complete("se-1"))
	assert.False(t, w.complete("se-1"))
}

func TestWaitTable_DropRacesArrive(t *testing.T) {
	for range 100 {
		w := newWaitTable()
		w.register("se-1", "wfe-1", []string{"a"}, nil)

		var fired atomic.Int32
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if w.arrive("se-1", "a") {
				fired.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if w.drop("se-1") {
				fired.Add(1)
			}
		}()
		wg.Wait()
		assert.Equal(t, int32(1), fired.Load())
	}
}

func TestWaitTable_ParkBounded(t *testing.T) {
	w := newWaitTable()
	for i := range maxParked {
		_, routed := w.route(fmt.Sprintf("task-%d", i), execution.Result{})
		require.Equal(t, routeParked, routed)
	}
	_, routed := w.route("overflow", execution.Result{})
	assert.Equal(t, routeFull, routed)
}

func TestWaitTable_StaleParkedResultsMakeRoom(t *testing.T) {
	w := newWaitTable()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	for i := range maxParked {
		_, routed := w.route(fmt.Sprintf("task-%d", i), execution.Result{})
		require.Equal(t, routeParked, routed)
	}
	clock = clock.Add(parkTTL + time.Minute)

	_, routed := w.route("fresh", execution.Result{Status: schema.StatusSuccess})
	assert.Equal(t, routeParked, routed)
	assert.Equal(t, 1, w.parkedCount())
}

func TestWaitTable_RouteAfterRegisterIsOwned(t *testing.T) {
	for range 100 {
		w := newWaitTable()
		r := execution.Result{Status: schema.StatusSuccess}

		var wg sync.WaitGroup
		var early map[string]execution.Result
		var owner string
		var routed routing
		wg.Add(2)
		go func() {
			defer wg.Done()
			early = w.register("se-1", "wfe-1", []string{"task-1"}, nil)
		}()
		go func() {
			defer wg.Done()
			owner, routed = w.route("task-1", r)
		}()
		wg.Wait()

		// Either the callback reached the open set or register collected it.
		switch routed {
		case routeOwned:
			assert.Equal(t, "se-1", owner)
			assert.Empty(t, early)
		case routeParked:
			assert.Equal(t, r, early["task-1"])
		default:
			t.Fatalf("unexpected routing %d", routed)
		}
		assert.Zero(t, w.parkedCount(), "no result is left stranded")
	}
}

func TestWaitTable_LateCallbacksAreRefused(t *testing.T) {
	w := newWaitTable()
	w.register("se-1", "wfe-1", []string{"task-1"}, nil)
	require.True(t, w.arrive("se-1", "task-1"))

	_, routed := w.route("task-1", execution.Result{Status: schema.StatusSuccess})
	assert.Equal(t, routeClosed, routed, "duplicate after the set fired")

	w.register("se-2", "wfe-1", []string{"task-2", "task-3"}, nil)
	require.True(t, w.drop("se-2"))
	for _, id := range []string{"task-2", "task-3"} {
		_, routed = w.route(id, execution.Result{Status: schema.StatusSuccess})
		assert.Equal(t, routeClosed, routed, "callback after expiry or abort")
	}
	assert.Zero(t, w.parkedCount())
}

func TestWaitTable_ClosedIdsAreBounded(t *testing.T) {
	w := newWaitTable()
	for i := range maxClosed + 5 {
		id := fmt.Sprintf("task-%d", i)
		w.register("se", "wfe-1", []string{id}, nil)
		require.True(t, w.arrive("se", id))
	}
	assert.Len(t, w.closedOrder, maxClosed)

	_, routed := w.route("task-0", execution.Result{})
	assert.Equal(t, routeParked, routed, "the oldest closed ids are forgotten first")
	_, routed = w.route(fmt.Sprintf("task-%d", maxClosed+4), execution.Result{})
	assert.Equal(t, routeClosed, routed)
}

func TestWaitTable_Cancel(t *testing.T) {
	w := newWaitTable()
	w.cancel("se-1")
	assert.True(t, w.isCancelled("se-1"))
	w.forgetCancelled("se-1")
	assert.False(t, w.isCancelled("se-1"))
}

func (t *waitTable) parkedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.parked)
}
