package compilation

import (
	"sync"

	"github.com/coachpo/vantage/internal/domain/schema"
)

type targetState uint8

const (
	// stateRequired: watched, but changes since the last query were not seen.
	stateRequired targetState = iota
	// stateWaiting: watched, no change received.
	stateWaiting
	// stateChanged: a change arrived and the target must be re-checked.
	stateChanged
)

// changeTracker narrows the set of references re-resolved when the
// version-correction floats, using resolver change notifications.
type changeTracker struct {
	mu       sync.Mutex
	states   map[schema.ObjectID]targetState
	cancel   func()
	onChange func()
}

func newChangeTracker(resolver TargetResolver, onChange func()) *changeTracker {
	t := &changeTracker{states: make(map[schema.ObjectID]targetState), onChange: onChange}
	t.cancel = resolver.Watch(t.changed)
	return t
}

func (t *changeTracker) close() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *changeTracker) changed(ids []schema.ObjectID) {
	notify := false
	t.mu.Lock()
	for _, id := range ids {
		state, ok := t.states[id]
		if !ok || state == stateChanged {
			continue
		}
		t.states[id] = stateChanged
		notify = true
	}
	t.mu.Unlock()
	if notify && t.onChange != nil {
		t.onChange()
	}
}

// require starts watching ids that are not yet watched.
func (t *changeTracker) require(ids []schema.ObjectID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		if _, ok := t.states[id]; !ok {
			t.states[id] = stateRequired
		}
	}
}

// toCheck returns the references that must be re-resolved and forgets
// targets no longer in use. Checked targets go back to waiting.
func (t *changeTracker) toCheck(resolutions map[schema.TargetReference]schema.UniqueID) map[schema.TargetReference]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[schema.TargetReference]struct{})
	inUse := make(map[schema.ObjectID]struct{}, len(resolutions))
	for ref, uid := range resolutions {
		oid := uid.ObjectID()
		inUse[oid] = struct{}{}
		state, ok := t.states[oid]
		if !ok || state != stateWaiting {
			out[ref] = struct{}{}
		}
	}
	for oid := range inUse {
		t.states[oid] = stateWaiting
	}
	for oid := range t.states {
		if _, ok := inUse[oid]; !ok {
			delete(t.states, oid)
		}
	}
	return out
}
