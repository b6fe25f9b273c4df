package strtab

import (
	"context"
	"hash/maphash"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// Table is a concurrent string interning table. Intern returns one
// canonical instance per distinct content; lookups are lock-free,
// inserts lock a single bucket, and the heavy work (growing, pruning
// entries whose referents died, the one-shot flood-defense rehash) runs
// incrementally off to the side, driven by GC notifications and the
// table's own load observations.
//
// A Table is created with New and must not be copied.
type Table struct {
	_   noCopy
	cfg TableConfig

	// store is swapped whole by the flood-defense rehash, never mutated
	// in size otherwise (growth swaps the array inside the store).
	store    atomic.Pointer[chainStore]
	refStore *RefStore

	// overlay, when present, is consulted before the mutable store on
	// every lookup and intern. Detached by TransferOverlayToLocal.
	overlay atomic.Pointer[Overlay]

	itemCount *stripedCounter

	hasWork        atomic.Bool
	needsRehash    atomic.Bool
	altHashEnabled atomic.Bool
	rehashedOnce   atomic.Bool
	altSeed        atomic.Pointer[maphash.Seed]

	// trigger wakes the maintenance worker; buffered so triggering from
	// an intern fast path never blocks.
	trigger chan struct{}

	logger *log.Logger
}

// New creates a Table. Options missing from opts take their defaults;
// see the With* functions.
func New(opts ...func(*TableConfig)) *Table {
	var cfg TableConfig
	for _, o := range opts {
		o(&cfg)
	}
	cfg.applyDefaults()

	t := &Table{
		cfg:       cfg,
		refStore:  cfg.refStore,
		itemCount: newStripedCounter(runtime.GOMAXPROCS(0)),
		trigger:   make(chan struct{}, 1),
		logger:    cfg.logger,
	}
	t.store.Store(newChainStore(cfg.startLog2, cfg.limitLog2, cfg.rehashLen, t.onRemove))
	if cfg.overlay != nil {
		t.overlay.Store(cfg.overlay)
	}
	t.refStore.SetDeadNotifier(t.GCNotify)
	return t
}

// onRemove accounts for a node destroyed by maintenance: its weak handle
// is released and the item count drops by one.
func (t *Table) onRemove(hash uintptr, ref WeakRef) {
	ref.Release(t.refStore)
	t.itemCount.add(hash, -1)
}

func (t *Table) hashOf(s string) uintptr {
	if t.altHashEnabled.Load() {
		return altHash(*t.altSeed.Load(), s)
	}
	return primaryHash(s)
}

func contentMatch(s string) matchFn {
	return func(ref WeakRef) bool {
		v, ok := ref.Peek()
		return ok && v == s
	}
}

func deadMatch(ref WeakRef) bool {
	_, ok := ref.Peek()
	return !ok
}

// Lookup returns the canonical instance of s if one exists, without
// inserting. The overlay is probed first; an overlay hit never touches
// the mutable store.
func (t *Table) Lookup(s string) (string, bool) {
	if ov := t.overlay.Load(); ov != nil {
		if v, ok := ov.Lookup(s); ok {
			return v, true
		}
	}
	var spins int
	for {
		// Load the store before hashing: once the successor of a rehash
		// is visible, so is the alternate-hash switch.
		st := t.store.Load()
		ref, found, warn, retired := st.get(t.hashOf(s), contentMatch(s))
		if retired {
			delay(&spins)
			continue
		}
		if warn {
			t.markNeedsRehash()
		}
		if !found {
			return "", false
		}
		return ref.Resolve(t.refStore)
	}
}

// Intern returns the canonical instance of s, inserting one if none
// exists. Distinct concurrent callers interning equal content all
// receive the same instance. The overlay is probed first.
func (t *Table) Intern(s string) string {
	if ov := t.overlay.Load(); ov != nil {
		if v, ok := ov.Lookup(s); ok {
			return v
		}
	}
	match := contentMatch(s)

	var (
		ref        WeakRef
		registered bool
		spins      int
	)
	for {
		// Store first, hash second; see Lookup.
		st := t.store.Load()
		h := t.hashOf(s)

		got, found, warn, retired := st.get(h, match)
		if retired {
			delay(&spins)
			continue
		}
		if found {
			if warn {
				t.markNeedsRehash()
			}
			if v, ok := got.Resolve(t.refStore); ok {
				if registered {
					// Lost the race; the speculative handle was never
					// inserted, so we still own it.
					ref.Release(t.refStore)
				}
				return v
			}
			// The entry died between the walk and the resolve. Retry;
			// inserting our own will shadow the corpse until cleaning
			// prunes it.
		}

		if !registered {
			ref = t.refStore.Register(s)
			registered = true
		}
		inserted, warn, retired := st.insert(h, match, ref)
		if retired {
			// The handle stays ours; the retry re-drives the insert
			// against the successor store.
			delay(&spins)
			continue
		}
		if warn {
			t.markNeedsRehash()
		}
		if inserted {
			t.itemCount.add(h, 1)
			t.checkLoad()
			if v, ok := ref.Resolve(t.refStore); ok {
				return v
			}
			// Invalidated in the window between Register and Resolve.
			// The node is in the table now; cleaning owns the handle.
			registered = false
		}
		// Duplicate insert: another goroutine won. Loop back to get.
		delay(&spins)
	}
}

// Len returns the current live item count estimate. Exact when no
// mutators or maintenance are in flight.
func (t *Table) Len() int {
	return int(t.itemCount.sum())
}

// BucketCount returns the current bucket array size.
func (t *Table) BucketCount() int {
	return t.store.Load().bucketCount()
}

// SizeLog2 returns the bucket array size as a base-2 exponent.
func (t *Table) SizeLog2() int {
	return t.store.Load().sizeLog2()
}

// HasWork reports whether maintenance has been triggered and not yet
// performed.
func (t *Table) HasWork() bool {
	return t.hasWork.Load()
}

// NeedsRehashing reports whether a chain walk has crossed the rehash
// threshold since the last rehash decision.
func (t *Table) NeedsRehashing() bool {
	return t.needsRehash.Load()
}

// AltHashEnabled reports whether the table has switched to the seeded
// alternate hash.
func (t *Table) AltHashEnabled() bool {
	return t.altHashEnabled.Load()
}

func (t *Table) loadFactor() float64 {
	return float64(t.itemCount.sum()) / float64(t.store.Load().bucketCount())
}

func (t *Table) deadFactor(numDead int) float64 {
	return float64(numDead) / float64(t.store.Load().bucketCount())
}

// markNeedsRehash arms the flood-defense rehash. It keeps firing after
// the one-shot rehash has happened; the second strike is downgraded to
// ordinary grow/clean work by RehashTableIfNeeded.
func (t *Table) markNeedsRehash() {
	t.needsRehash.Store(true)
	t.signal()
}

// checkLoad runs after every successful insert and triggers concurrent
// work once the load factor crosses the preferred average chain length.
func (t *Table) checkLoad() {
	if t.loadFactor() > t.cfg.prefAvgChain && !t.store.Load().isMaxSizeReached() {
		t.triggerConcurrentWork()
	}
}

// GCNotify informs the table that numDead of its entries have had their
// referents collected since the last notification. It applies the
// maintenance policy and triggers concurrent work when warranted; it
// never does the work itself.
func (t *Table) GCNotify(numDead int) {
	lf := t.loadFactor()
	df := t.deadFactor(numDead)
	t.logger.Debug("gc notification",
		"dead", numDead, "load_factor", lf, "dead_factor", df)

	if df > lf || lf > t.cfg.prefAvgChain || df > t.cfg.deadHighWater {
		t.logger.Debug("concurrent work triggered",
			"load_factor", lf, "dead_factor", df)
		t.triggerConcurrentWork()
	}
}

func (t *Table) triggerConcurrentWork() {
	t.hasWork.Store(true)
	t.signal()
}

func (t *Table) signal() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// DoConcurrentWork performs one round of pending maintenance: growing
// if the table is over its preferred load and can still grow, otherwise
// pruning dead entries. Growing wins because it both relieves load and
// prunes dead entries on the way.
func (t *Table) DoConcurrentWork(ctx context.Context) {
	t.hasWork.Store(false)
	if t.loadFactor() > t.cfg.prefAvgChain && !t.store.Load().isMaxSizeReached() {
		t.growTable(ctx)
	} else {
		t.cleanDead(ctx)
	}
}

// growTable doubles the bucket array incrementally. Chunks are
// independent, so they are fanned out across the available CPUs; live
// entries transfer their weak handles, dead entries are pruned in
// passing. Lookups and inserts proceed throughout.
func (t *Table) growTable(ctx context.Context) {
	start := time.Now()
	for {
		st := t.store.Load()
		g := newGrowTask(st, deadMatch)
		if !g.prepare() {
			if st.isMaxSizeReached() {
				t.logger.Warn("reached max bucket count, not growing",
					"size_log2", st.sizeLog2())
			}
			return
		}
		t.logger.Debug("started to grow", "size_log2", g.arr.log2)

		workers := min(runtime.GOMAXPROCS(0), g.arr.chunks)
		var eg errgroup.Group
		for range workers {
			eg.Go(func() error {
				for g.doTask() {
					if ctx.Err() != nil {
						// Finish the claimed chunks anyway; a
						// half-migrated array cannot be abandoned.
						continue
					}
					runtime.Gosched()
				}
				return nil
			})
		}
		_ = eg.Wait()
		g.done()

		t.logger.Debug("grown to size",
			"size_log2", t.store.Load().sizeLog2(),
			"elapsed", time.Since(start))

		// One doubling often is not enough after a burst of inserts.
		// Keep going until the load factor is healthy or we hit the cap.
		if ctx.Err() != nil ||
			t.loadFactor() <= t.cfg.prefAvgChain ||
			t.store.Load().isMaxSizeReached() {
			return
		}
	}
}

// cleanDead prunes every entry whose referent has been collected. It
// runs single threaded with a pause point between chunks so that
// stop-the-world style callers (Verify, rehash) are never starved by a
// long prune.
func (t *Table) cleanDead(ctx context.Context) {
	var dead, total atomic.Int64
	counting := func(ref WeakRef) bool {
		total.Add(1)
		if deadMatch(ref) {
			dead.Add(1)
			return true
		}
		return false
	}
	bdt := newBulkDeleteTask(t.store.Load(), counting, nil)
	if !bdt.prepare() {
		return
	}
	start := time.Now()
	for bdt.doTask() {
		if ctx.Err() != nil {
			break
		}
		bdt.pause()
		runtime.Gosched()
		bdt.cont()
	}
	bdt.done()

	t.logger.Debug("cleaned dead entries",
		"dead", dead.Load(), "total", total.Load(),
		"elapsed", time.Since(start))
}

// RehashTableIfNeeded performs the one-shot flood-defense rehash when it
// has been armed. It reports whether a rehash actually happened.
//
// Growing is always preferred: a long chain in an underweight table is
// evidence of hash flooding, but a long chain in an overloaded table is
// just load, so an armed rehash defers to growth until the load factor
// is healthy. The rehash tolerates concurrent lookups and interns (they
// stall briefly and re-drive against the new store); it aborts
// harmlessly if a maintenance task is in flight.
func (t *Table) RehashTableIfNeeded() bool {
	if !t.needsRehash.Load() {
		return false
	}
	if t.loadFactor() > t.cfg.prefAvgChain && !t.store.Load().isMaxSizeReached() {
		t.logger.Debug("choosing growing over rehashing")
		t.needsRehash.Store(false)
		t.triggerConcurrentWork()
		return false
	}
	if t.rehashedOnce.Load() {
		// Second strike after the seeded hash is already live: nothing
		// further to switch to, so fall back to ordinary grow/clean
		// pressure relief.
		t.needsRehash.Store(false)
		t.triggerConcurrentWork()
		return false
	}
	return t.rehash()
}

// rehash retires the current store into a fresh one keyed by a newly
// seeded alternate hash. Safe against concurrent mutators: the retired
// mark diverts them before any bucket moves, and they re-drive against
// the successor once it is published (with the alternate hash, since
// the hash switch is ordered before the store swap).
func (t *Table) rehash() bool {
	old := t.store.Load()
	seed := maphash.MakeSeed()
	fresh := newChainStore(old.sizeLog2(), t.cfg.limitLog2, t.cfg.rehashLen, t.onRemove)

	moved := old.retireTo(fresh, func(ref WeakRef) (uintptr, bool) {
		v, ok := ref.Peek()
		if !ok {
			return 0, false
		}
		return altHash(seed, v), true
	})
	if !moved {
		t.logger.Debug("rehash aborted, maintenance in flight")
		return false
	}

	t.altSeed.Store(&seed)
	t.altHashEnabled.Store(true)
	t.store.Store(fresh)
	t.rehashedOnce.Store(true)
	t.needsRehash.Store(false)
	t.logger.Info("rehashed table with alternate hash",
		"size_log2", fresh.sizeLog2())
	return true
}

// Overlay returns the currently installed read-only overlay, or nil.
func (t *Table) Overlay() *Overlay {
	return t.overlay.Load()
}

// ResetOverlay detaches the overlay. Subsequent lookups and interns see
// only the mutable store.
func (t *Table) ResetOverlay() {
	t.overlay.Store(nil)
}

// TransferOverlayToLocal detaches the overlay and interns every one of
// its entries into the mutable store, returning the number transferred.
// The overlay must be detached first so the interns do not short-circuit
// against it. Entries keep their canonical identity: an instance handed
// out by an earlier overlay hit and the instance Intern returns after
// the transfer are the same string.
func (t *Table) TransferOverlayToLocal() int {
	ov := t.overlay.Swap(nil)
	if ov == nil {
		return 0
	}
	n := 0
	for _, s := range ov.Entries() {
		t.Intern(s)
		n++
	}
	t.logger.Debug("transferred overlay to local table", "entries", n)
	return n
}
