package strtab

import (
	"context"
	"sync/atomic"
)

// bucketsTask is the shared chunked-maintenance protocol. A task claims
// the store's single maintenance slot in prepare, then repeatedly claims
// a contiguous range of buckets per doTask call; pause/cont bracket a
// global pause point between chunks without losing the claim, and done
// publishes the result and releases the slot.
//
// Grow and bulk-delete are mutually exclusive through the shared claim.
// doTask is safe to call from several goroutines at once (chunks are
// claimed off an atomic cursor); pause/cont/done belong to the single
// goroutine that prepared the task.
type bucketsTask struct {
	s      *chainStore
	arr    *tableArray
	cursor atomic.Int64
}

// prepare claims the maintenance slot. It fails if another task holds
// the claim (including a paused one).
func (t *bucketsTask) prepare() bool {
	if !t.s.taskSem.TryAcquire(1) {
		return false
	}
	if !t.s.taskOwner.CompareAndSwap(0, 1) {
		t.s.taskSem.Release(1)
		return false
	}
	t.arr = t.s.table.Load()
	return true
}

// nextChunk claims the next bucket range, reporting false when the
// array is exhausted.
func (t *bucketsTask) nextChunk() (start, end int, ok bool) {
	c := int(t.cursor.Add(1)) - 1
	if c >= t.arr.chunks {
		return 0, 0, false
	}
	start = c * t.arr.chunkSz
	end = min(start+t.arr.chunkSz, len(t.arr.buckets))
	return start, end, true
}

// pause releases the claim's exclusion so halted threads can resume at
// a global pause point. The owner mark stays set, so scans still treat
// the store as busy and no second task can slip in.
func (t *bucketsTask) pause() {
	t.s.taskSem.Release(1)
}

// cont re-enters the claim after a pause.
func (t *bucketsTask) cont() {
	// The owner mark is ours; anything else acquiring the semaphore
	// backs off on seeing it, so this cannot deadlock.
	_ = t.s.taskSem.Acquire(context.Background(), 1)
}

// release drops the claim entirely.
func (t *bucketsTask) release() {
	t.s.taskOwner.Store(0)
	t.s.taskSem.Release(1)
}

// growTask doubles the bucket array, splitting each old chain by the
// new high-order hash bit. Dead entries encountered during the split
// are pruned rather than carried forward; live entries keep their
// WeakRef (transferred, never re-acquired), so growth never drops a
// live entry and never touches the item count.
type growTask struct {
	bucketsTask
	dst  *tableArray
	dead matchFn
}

func newGrowTask(s *chainStore, dead matchFn) *growTask {
	return &growTask{bucketsTask: bucketsTask{s: s}, dead: dead}
}

// prepare additionally fails when the store is already at its maximum
// size, recording that fact for the controller's policy.
func (g *growTask) prepare() bool {
	if !g.bucketsTask.prepare() {
		return false
	}
	if g.arr.log2 >= g.s.limitLog2 {
		g.s.sizeLimitReached.Store(true)
		g.bucketsTask.release()
		return false
	}
	g.dst = newTableArray(g.arr.log2 + 1)
	g.s.newTable.Store(g.dst)
	return true
}

// doTask migrates one chunk of old buckets and reports whether more
// chunks remain.
func (g *growTask) doTask() bool {
	start, end, ok := g.nextChunk()
	if !ok {
		return false
	}
	for i := start; i < end; i++ {
		g.s.migrateBucket(g.arr, g.dst, i, g.dead)
	}
	return true
}

// done publishes the doubled array as the live store and retires the
// old one.
func (g *growTask) done() {
	g.s.table.Store(g.dst)
	g.s.newTable.Store(nil)
	g.bucketsTask.release()
}

// bulkDeleteTask scans every bucket in chunks, pruning nodes the
// predicate marks dead and running the survivor callback on the rest.
type bulkDeleteTask struct {
	bucketsTask
	dead   matchFn
	onLive func(WeakRef)
}

func newBulkDeleteTask(s *chainStore, dead matchFn, onLive func(WeakRef)) *bulkDeleteTask {
	return &bulkDeleteTask{bucketsTask: bucketsTask{s: s}, dead: dead, onLive: onLive}
}

func (b *bulkDeleteTask) prepare() bool {
	return b.bucketsTask.prepare()
}

// doTask prunes one chunk and reports whether more chunks remain.
func (b *bulkDeleteTask) doTask() bool {
	start, end, ok := b.nextChunk()
	if !ok {
		return false
	}
	for i := start; i < end; i++ {
		b.s.deleteInBucket(b.arr, i, b.dead, b.onLive)
	}
	return true
}

func (b *bulkDeleteTask) done() {
	b.bucketsTask.release()
}
