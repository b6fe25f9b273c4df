package strtab

import (
	"sync"
	"sync/atomic"

	"github.com/llxisdsh/pb"
)

// RefStore is the weak-reference storage a Table hangs its entries on.
// It stands in for a collector-integrated weak-handle subsystem: the
// store owns liveness, the table only observes it. The collaborator
// that owns object lifetime (an embedding runtime, a cache manager, a
// test) invalidates slots and the store reports dead-entry estimates
// back to whoever registered a notifier.
//
// A zero RefStore is ready to use.
type RefStore struct {
	_     noCopy
	slots pb.MapOf[uint64, *refSlot]
	// reclaim serializes Resolve against Invalidate batches. Peek never
	// takes it.
	reclaim sync.RWMutex
	nextID  atomic.Uint64
	dead    atomic.Int64
	notify  atomic.Pointer[func(numDead int)]
}

// refSlot holds one registered value. The value pointer is nil once the
// slot is dead; the slot itself stays registered until released so the
// dead estimate reflects entries not yet pruned from the table.
type refSlot struct {
	id  uint64
	val atomic.Pointer[string]
}

// WeakRef is a handle to one registered value. At most one WeakRef
// refers to a given table node; ownership of Release is reserved to
// whichever maintenance path prunes that node.
type WeakRef struct {
	slot *refSlot
}

// NewRefStore creates a RefStore. Equivalent to new(RefStore).
func NewRefStore() *RefStore {
	return &RefStore{}
}

// Register publishes s and returns a weak handle to it.
func (st *RefStore) Register(s string) WeakRef {
	slot := &refSlot{id: st.nextID.Add(1)}
	slot.val.Store(&s)
	st.slots.Store(slot.id, slot)
	return WeakRef{slot: slot}
}

// Peek observes the referent without extending its lifetime and without
// blocking. It reports absent once the slot has been invalidated or
// released.
func (r WeakRef) Peek() (string, bool) {
	if r.slot == nil {
		return "", false
	}
	p := r.slot.val.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// Resolve obtains a usable reference. Unlike Peek it may block behind a
// reclaim pause (an in-flight Invalidate batch). It reports absent only
// if the referent was already collected; callers treat that as a cache
// miss and retry the governing operation.
func (r WeakRef) Resolve(st *RefStore) (string, bool) {
	if r.slot == nil {
		return "", false
	}
	st.reclaim.RLock()
	p := r.slot.val.Load()
	st.reclaim.RUnlock()
	if p == nil {
		return "", false
	}
	return *p, true
}

// Release deregisters the handle from the store. Callable exactly once,
// by the owner of the node being destroyed; it is not safe against a
// second concurrent Release of the same handle.
func (r WeakRef) Release(st *RefStore) {
	if r.slot == nil {
		return
	}
	st.slots.ProcessEntry(r.slot.id,
		func(e *pb.EntryOf[uint64, *refSlot]) (*pb.EntryOf[uint64, *refSlot], *refSlot, bool) {
			if e == nil {
				return nil, nil, false
			}
			return nil, e.Value, true
		},
	)
	// Releasing a dead slot settles its share of the dead estimate.
	if r.slot.val.Swap(nil) == nil {
		st.dead.Add(-1)
	}
}

// SetDeadNotifier registers the collector-to-controller callback invoked
// by ReportDead. Typically wired to Table.GCNotify.
func (st *RefStore) SetDeadNotifier(fn func(numDead int)) {
	if fn == nil {
		st.notify.Store(nil)
		return
	}
	st.notify.Store(&fn)
}

// Invalidate marks every registered slot holding one of the given
// contents as dead, simulating asynchronous collection of the referents.
// Concurrent Peek observes absence immediately; concurrent Resolve
// blocks until the batch completes.
func (st *RefStore) Invalidate(contents ...string) {
	if len(contents) == 0 {
		return
	}
	doomed := make(map[string]struct{}, len(contents))
	for _, s := range contents {
		doomed[s] = struct{}{}
	}
	st.reclaim.Lock()
	st.slots.Range(func(_ uint64, slot *refSlot) bool {
		if p := slot.val.Load(); p != nil {
			if _, ok := doomed[*p]; ok {
				slot.val.Store(nil)
				st.dead.Add(1)
			}
		}
		return true
	})
	st.reclaim.Unlock()
}

// DeadCount returns the current estimate of dead, not-yet-released slots.
func (st *RefStore) DeadCount() int {
	return int(st.dead.Load())
}

// ReportDead pushes the current dead estimate to the registered
// notifier. Best-effort: without a notifier it is a no-op.
func (st *RefStore) ReportDead() {
	if fn := st.notify.Load(); fn != nil {
		(*fn)(st.DeadCount())
	}
}
