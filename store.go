package strtab

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Bucket state bits. A locked bucket blocks writers (readers never take
// the lock); a migrated bucket permanently diverts both readers and
// writers to the successor array.
const (
	bucketLocked   uint32 = 1 << 0
	bucketMigrated uint32 = 1 << 1
)

// chainNode is one entry in a bucket chain. Nodes are owned exclusively
// by the store: created on insert, pruned by maintenance, or transferred
// (shell re-allocated, WeakRef moved as-is) when the chain relocates
// during growth.
type chainNode struct {
	next atomic.Pointer[chainNode]
	hash uintptr
	ref  WeakRef
}

type chainBucket struct {
	state atomic.Uint32
	first atomic.Pointer[chainNode]
}

// lock spins until it owns the bucket, or reports false if the bucket
// has been migrated (the caller must re-route to the successor array).
func (b *chainBucket) lock() bool {
	var spins int
	for {
		st := b.state.Load()
		if st&bucketMigrated != 0 {
			return false
		}
		if st&bucketLocked == 0 &&
			b.state.CompareAndSwap(st, st|bucketLocked) {
			return true
		}
		delay(&spins)
	}
}

func (b *chainBucket) unlock() {
	b.state.Store(0)
}

// unlockMigrated releases the bucket and publishes the migrated bit in
// one store; from here on every writer and fresh reader re-routes.
func (b *chainBucket) unlockMigrated() {
	b.state.Store(bucketMigrated)
}

// tableArray is one immutable-size generation of the bucket array.
// Bucket count is always a power of two; the array is swapped whole,
// never resized in place, so no reader ever observes a partially-sized
// array.
type tableArray struct {
	log2    int
	mask    uintptr
	buckets []chainBucket
	// chunking for incremental maintenance over this array
	chunks  int
	chunkSz int
}

func newTableArray(log2 int) *tableArray {
	n := 1 << log2
	chunkSz, chunks := calcParallelism(
		n, minBucketsPerChunk, runtime.GOMAXPROCS(0)*taskOverPartition)
	return &tableArray{
		log2:    log2,
		mask:    uintptr(n - 1),
		buckets: make([]chainBucket, n),
		chunks:  chunks,
		chunkSz: chunkSz,
	}
}

func (a *tableArray) bucketFor(hash uintptr) *chainBucket {
	return &a.buckets[hash&a.mask]
}

// matchFn is the caller-supplied equality probe. It inspects a node's
// weak entry; a dead entry (Peek absent) must report no-match so the
// walk continues past it.
type matchFn func(ref WeakRef) bool

// chainStore is the concurrent hash table proper: lock-free lookups,
// per-bucket spinlocks for writers, and two chunked maintenance
// protocols (grow, bulk-delete) that claim the store exclusively but
// yield at chunk boundaries.
type chainStore struct {
	_        noCopy
	table    atomic.Pointer[tableArray]
	newTable atomic.Pointer[tableArray]

	// retired is set by retireTo before any bucket moves. A retired
	// store refuses get/insert outright; the owner is expected to
	// publish a successor store and re-drive the operation there.
	retired atomic.Bool

	startLog2 int
	limitLog2 int
	rehashLen int

	// taskSem is the maintenance claim. prepare() acquires it, pause()
	// releases it while taskOwner stays set (so scans still observe the
	// claim), cont() re-acquires, done() clears both.
	taskSem          *semaphore.Weighted
	taskOwner        atomic.Uint32
	sizeLimitReached atomic.Bool

	// onRemove runs for every node destroyed by maintenance, with the
	// node's hash and its transferred-out WeakRef. Insert accounting is
	// the controller's, done at the call site.
	onRemove func(hash uintptr, ref WeakRef)
}

func newChainStore(startLog2, limitLog2, rehashLen int, onRemove func(uintptr, WeakRef)) *chainStore {
	s := &chainStore{
		startLog2: startLog2,
		limitLog2: limitLog2,
		rehashLen: rehashLen,
		taskSem:   semaphore.NewWeighted(1),
		onRemove:  onRemove,
	}
	s.table.Store(newTableArray(startLog2))
	return s
}

// sizeLog2 returns the live array's size exponent.
func (s *chainStore) sizeLog2() int {
	return s.table.Load().log2
}

// bucketCount returns the live array's bucket count.
func (s *chainStore) bucketCount() int {
	return len(s.table.Load().buckets)
}

func (s *chainStore) isMaxSizeReached() bool {
	return s.sizeLimitReached.Load() || s.sizeLog2() >= s.limitLog2
}

// route returns the array a reader/writer should retry on after hitting
// a migrated bucket in cur.
func (s *chainStore) route(cur *tableArray) *tableArray {
	if nt := s.newTable.Load(); nt != nil && nt != cur {
		return nt
	}
	return s.table.Load()
}

// get walks the chain for hash and returns the first node whose weak
// entry matches. Dead nodes never terminate the walk. The warn result
// reports whether the traversed chain has reached the rehash threshold;
// the retired result tells the caller the whole store has been replaced
// and the operation must be re-driven against the successor.
func (s *chainStore) get(hash uintptr, match matchFn) (ref WeakRef, found, warn, retired bool) {
	arr := s.table.Load()
	for {
		if s.retired.Load() {
			return WeakRef{}, false, false, true
		}
		b := arr.bucketFor(hash)
		if b.state.Load()&bucketMigrated != 0 {
			// Mid-grow this routes to the doubled array; on a retired
			// store route returns the same array and the check above
			// breaks the loop next time around.
			arr = s.route(arr)
			continue
		}
		chainLen := 0
		for n := b.first.Load(); n != nil; n = n.next.Load() {
			chainLen++
			if n.hash == hash && match(n.ref) {
				return n.ref, true, chainLen >= s.rehashLen, false
			}
		}
		return WeakRef{}, false, chainLen >= s.rehashLen, false
	}
}

// insert links ref into the chain for hash unless a matching live node
// already exists. It locks only the target bucket; on a duplicate it
// returns false and the caller keeps ownership of ref, likewise when
// the store turns out to be retired.
func (s *chainStore) insert(hash uintptr, match matchFn, ref WeakRef) (inserted, warn, retired bool) {
	arr := s.table.Load()
	for {
		if s.retired.Load() {
			return false, false, true
		}
		b := arr.bucketFor(hash)
		if !b.lock() {
			arr = s.route(arr)
			continue
		}
		chainLen := 0
		for n := b.first.Load(); n != nil; n = n.next.Load() {
			chainLen++
			if n.hash == hash && match(n.ref) {
				b.unlock()
				return false, chainLen >= s.rehashLen, false
			}
		}
		node := &chainNode{hash: hash, ref: ref}
		node.next.Store(b.first.Load())
		b.first.Store(node)
		b.unlock()
		return true, chainLen+1 >= s.rehashLen, false
	}
}

// migrateBucket splits old bucket idx into dst buckets idx and
// idx+oldLen by the new high-order hash bit. Live nodes are transferred
// as fresh shells carrying the same WeakRef; dead nodes are pruned on
// the way. The old chain is left intact for readers already walking it;
// the migrated bit diverts everyone arriving later.
func (s *chainStore) migrateBucket(old, dst *tableArray, idx int, dead matchFn) {
	b := &old.buckets[idx]
	if !b.lock() {
		return
	}
	highBit := uintptr(1) << old.log2
	for n := b.first.Load(); n != nil; n = n.next.Load() {
		if dead(n.ref) {
			s.onRemove(n.hash, n.ref)
			continue
		}
		di := idx
		if n.hash&highBit != 0 {
			di += len(old.buckets)
		}
		db := &dst.buckets[di]
		shell := &chainNode{hash: n.hash, ref: n.ref}
		shell.next.Store(db.first.Load())
		db.first.Store(shell)
	}
	b.unlockMigrated()
}

// deleteInBucket prunes every node the predicate marks dead and runs the
// survivor hook on the rest. Runs under the bucket lock; readers walking
// the chain concurrently stay on valid nodes because unlinking never
// rewrites a removed node's next pointer.
func (s *chainStore) deleteInBucket(arr *tableArray, idx int, dead matchFn, onLive func(WeakRef)) {
	b := &arr.buckets[idx]
	if !b.lock() {
		return
	}
	var prev *chainNode
	for n := b.first.Load(); n != nil; n = n.next.Load() {
		if dead(n.ref) {
			next := n.next.Load()
			if prev == nil {
				b.first.Store(next)
			} else {
				prev.next.Store(next)
			}
			s.onRemove(n.hash, n.ref)
			continue
		}
		if onLive != nil {
			onLive(n.ref)
		}
		prev = n
	}
	b.unlock()
}

// tryScan visits every live-or-dead entry of the current array, or
// reports false without blocking when a maintenance task currently owns
// the store. Best-effort callers (diagnostics) must tolerate
// "unavailable right now".
func (s *chainStore) tryScan(visit func(WeakRef) bool) bool {
	if !s.taskSem.TryAcquire(1) {
		return false
	}
	defer s.taskSem.Release(1)
	if s.taskOwner.Load() != 0 {
		// A paused task still owns partially-migrated buckets.
		return false
	}
	s.scanAll(visit)
	return true
}

// doScan is the unconditional variant: it waits out any in-flight
// maintenance task, then scans while holding the claim so no new task
// can start mid-scan. Concurrent lookups and inserts proceed; the scan
// is eventually consistent with them.
func (s *chainStore) doScan(visit func(WeakRef) bool) {
	var spins int
	for {
		if s.taskSem.TryAcquire(1) {
			if s.taskOwner.Load() == 0 {
				break
			}
			s.taskSem.Release(1)
		}
		delay(&spins)
	}
	defer s.taskSem.Release(1)
	s.scanAll(visit)
}

// doSafepointScan scans with no synchronization at all. The caller must
// guarantee every concurrent mutator is halted.
func (s *chainStore) doSafepointScan(visit func(WeakRef) bool) {
	s.scanAll(visit)
}

func (s *chainStore) scanAll(visit func(WeakRef) bool) {
	arr := s.table.Load()
	for i := range arr.buckets {
		for n := arr.buckets[i].first.Load(); n != nil; n = n.next.Load() {
			if !visit(n.ref) {
				return
			}
		}
	}
}

// forEachChain drives per-chain statistics aggregation under the task
// claim. Reports false when maintenance owns the store.
func (s *chainStore) forEachChain(visit func(chain []WeakRef)) bool {
	if !s.taskSem.TryAcquire(1) {
		return false
	}
	defer s.taskSem.Release(1)
	if s.taskOwner.Load() != 0 {
		return false
	}
	arr := s.table.Load()
	var chain []WeakRef
	for i := range arr.buckets {
		chain = chain[:0]
		for n := arr.buckets[i].first.Load(); n != nil; n = n.next.Load() {
			chain = append(chain, n.ref)
		}
		visit(chain)
	}
	return true
}

// retireTo transfers every node into dst, rehashing each live entry
// with the caller's function, and leaves this store permanently
// retired. All-or-nothing: it refuses (and changes nothing) when a
// maintenance task is in flight; once it commits, the retired mark is
// published before any bucket moves, so a concurrent get/insert either
// completes against the still-intact old chains or reports retired and
// gets re-driven by the owner against dst. In-flight writers holding a
// bucket lock are waited out bucket by bucket.
func (s *chainStore) retireTo(dst *chainStore, rehash func(ref WeakRef) (uintptr, bool)) bool {
	if !s.taskSem.TryAcquire(1) {
		return false
	}
	defer s.taskSem.Release(1)
	if s.taskOwner.Load() != 0 {
		return false
	}
	s.retired.Store(true)
	arr := s.table.Load()
	da := dst.table.Load()
	for i := range arr.buckets {
		b := &arr.buckets[i]
		if !b.lock() {
			continue
		}
		for n := b.first.Load(); n != nil; n = n.next.Load() {
			h, live := rehash(n.ref)
			if !live {
				s.onRemove(n.hash, n.ref)
				continue
			}
			db := da.bucketFor(h)
			shell := &chainNode{hash: h, ref: n.ref}
			shell.next.Store(db.first.Load())
			db.first.Store(shell)
		}
		b.unlockMigrated()
	}
	return true
}
