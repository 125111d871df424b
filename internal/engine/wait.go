package engine

import (
	"sync"
	"time"

	"github.com/rendis/cdflow/internal/execution"
)

const (
	// maxParked bounds results held for correlation ids nobody waits on yet.
	maxParked = 10_000
	// parkTTL is how long a parked result may wait for its owner to register.
	parkTTL = time.Hour
	// maxClosed bounds the memory of correlation ids whose set already
	// fired or was dropped.
	maxClosed = 10_000
)

// routing is the outcome of offering a result to the wait table.
type routing int

const (
	routeOwned  routing = iota // an open set awaits the id
	routeParked                // held until a set registers the id
	routeClosed                // the id belonged to a set that fired or was dropped
	routeFull                  // no owner and no room to park
)

type parkedResult struct {
	result execution.Result
	at     time.Time
}

// waitSet is the outstanding correlation ids of one waiting instance.
type waitSet struct {
	workflowExecutionID string
	pending             map[string]struct{}
}

// waitTable tracks which instance awaits which correlation id. A set fires
// exactly once: the arrival that empties it wins, and drop (expiry, abort)
// competes for the same lock.
type waitTable struct {
	mu        sync.Mutex
	sets      map[string]*waitSet // by instance id
	owners    map[string]string   // correlation id -> instance id
	parked    map[string]parkedResult
	cancelled map[string]struct{}

	closed      map[string]struct{}
	closedOrder []string // oldest first

	now func() time.Time
}

func newWaitTable() *waitTable {
	return &waitTable{
		sets:      make(map[string]*waitSet),
		owners:    make(map[string]string),
		parked:    make(map[string]parkedResult),
		cancelled: make(map[string]struct{}),
		closed:    make(map[string]struct{}),
		now:       time.Now,
	}
}

// register opens a set for instanceID. ids already delivered are skipped.
// Results parked for any of the ids are handed back for delivery.
func (t *waitTable) register(instanceID, workflowExecutionID string, ids []string, arrived map[string]execution.Result) map[string]execution.Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := &waitSet{workflowExecutionID: workflowExecutionID, pending: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if _, ok := arrived[id]; ok {
			t.markClosed(id)
			continue
		}
		set.pending[id] = struct{}{}
		t.owners[id] = instanceID
	}
	t.sets[instanceID] = set

	var early map[string]execution.Result
	for _, id := range ids {
		if p, ok := t.parked[id]; ok {
			if early == nil {
				early = make(map[string]execution.Result)
			}
			early[id] = p.result
			delete(t.parked, id)
		}
	}
	return early
}

// route resolves correlationID in one step: it returns the owning instance
// when a set awaits the id, and otherwise parks r for a set that has not
// registered yet. Ids of sets that already fired or were dropped are
// refused, so late duplicates cannot occupy parking.
func (t *waitTable) route(correlationID string, r execution.Result) (string, routing) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if owner, ok := t.owners[correlationID]; ok {
		return owner, routeOwned
	}
	if _, ok := t.closed[correlationID]; ok {
		return "", routeClosed
	}
	if _, exists := t.parked[correlationID]; !exists && len(t.parked) >= maxParked {
		t.evictStaleParked()
		if len(t.parked) >= maxParked {
			return "", routeFull
		}
	}
	t.parked[correlationID] = parkedResult{result: r, at: t.now()}
	return "", routeParked
}

// evictStaleParked drops parked results older than parkTTL. Callers hold mu.
func (t *waitTable) evictStaleParked() {
	cutoff := t.now().Add(-parkTTL)
	for id, p := range t.parked {
		if p.at.Before(cutoff) {
			delete(t.parked, id)
		}
	}
}

// markClosed remembers id as belonging to a finished set. Callers hold mu.
func (t *waitTable) markClosed(id string) {
	if _, ok := t.closed[id]; ok {
		return
	}
	t.closed[id] = struct{}{}
	t.closedOrder = append(t.closedOrder, id)
	if len(t.closedOrder) > maxClosed {
		delete(t.closed, t.closedOrder[0])
		t.closedOrder = t.closedOrder[1:]
	}
}

// workflowExecutionOf returns the workflow execution of an open set.
func (t *waitTable) workflowExecutionOf(instanceID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set, ok := t.sets[instanceID]; ok {
		return set.workflowExecutionID
	}
	return ""
}

// waiting reports whether instanceID has an open set.
func (t *waitTable) waiting(instanceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sets[instanceID]
	return ok
}

// complete reports whether an open set has nothing pending, and closes it if
// so. Used after recovery, when every result may already be stored.
func (t *waitTable) complete(instanceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.sets[instanceID]
	if !ok || len(set.pending) > 0 {
		return false
	}
	delete(t.sets, instanceID)
	return true
}

// arrive removes correlationID from the set of instanceID. It returns true
// for the arrival that empties the set; the set is closed at that point.
func (t *waitTable) arrive(instanceID, correlationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.sets[instanceID]
	if !ok {
		return false
	}
	if _, pending := set.pending[correlationID]; !pending {
		return false
	}
	delete(set.pending, correlationID)
	delete(t.owners, correlationID)
	t.markClosed(correlationID)
	if len(set.pending) > 0 {
		return false
	}
	delete(t.sets, instanceID)
	return true
}

// drop closes the set of instanceID without firing it. It returns false when
// there was no open set.
func (t *waitTable) drop(instanceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.sets[instanceID]
	if !ok {
		return false
	}
	for id := range set.pending {
		delete(t.owners, id)
		t.markClosed(id)
	}
	delete(t.sets, instanceID)
	return true
}

func (t *waitTable) cancel(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled[instanceID] = struct{}{}
}

func (t *waitTable) isCancelled(instanceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.cancelled[instanceID]
	return ok
}

func (t *waitTable) forgetCancelled(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cancelled, instanceID)
}

// size returns the number of open sets.
func (t *waitTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sets)
}
