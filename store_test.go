package strtab

import (
	"hash/maphash"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

// testStore builds a chainStore whose removal hook releases handles and
// counts removals.
func testStore(startLog2, limitLog2, rehashLen int, rs *RefStore) (*chainStore, *atomic.Int64) {
	var removed atomic.Int64
	s := newChainStore(startLog2, limitLog2, rehashLen, func(_ uintptr, ref WeakRef) {
		ref.Release(rs)
		removed.Add(1)
	})
	return s, &removed
}

func mustInsert(t *testing.T, s *chainStore, rs *RefStore, v string) WeakRef {
	t.Helper()
	ref := rs.Register(v)
	ok, _, retired := s.insert(primaryHash(v), contentMatch(v), ref)
	if !ok || retired {
		t.Fatalf("insert(%q) = (inserted=%v, retired=%v)", v, ok, retired)
	}
	return ref
}

// findIn is the test shorthand for a get that must not hit a retired
// store.
func findIn(t *testing.T, s *chainStore, hash uintptr, v string) (WeakRef, bool) {
	t.Helper()
	ref, found, _, retired := s.get(hash, contentMatch(v))
	if retired {
		t.Fatalf("get(%q) hit a retired store", v)
	}
	return ref, found
}

func TestChainStoreInsertGet(t *testing.T) {
	rs := NewRefStore()
	s, _ := testStore(4, 24, 100, rs)

	mustInsert(t, s, rs, "alpha")

	got, found, warn, retired := s.get(primaryHash("alpha"), contentMatch("alpha"))
	if !found || warn || retired {
		t.Fatalf("get(alpha) = (found=%v, warn=%v, retired=%v), want (true, false, false)",
			found, warn, retired)
	}
	if v, ok := got.Peek(); !ok || v != "alpha" {
		t.Fatalf("got entry = (%q, %v), want (alpha, true)", v, ok)
	}

	if _, found := findIn(t, s, primaryHash("beta"), "beta"); found {
		t.Fatal("get(beta) found an entry that was never inserted")
	}
}

func TestChainStoreDuplicateInsert(t *testing.T) {
	rs := NewRefStore()
	s, _ := testStore(4, 24, 100, rs)

	mustInsert(t, s, rs, "dup")

	loser := rs.Register("dup")
	ok, _, _ := s.insert(primaryHash("dup"), contentMatch("dup"), loser)
	if ok {
		t.Fatal("second insert of equal content succeeded")
	}
	// Caller keeps the losing handle and settles it.
	loser.Release(rs)
}

func TestChainStoreDeadEntryDoesNotBlockLookup(t *testing.T) {
	rs := NewRefStore()
	s, _ := testStore(4, 24, 100, rs)

	// Two colliding entries in one chain; kill the one in front.
	strs := genColliding(1) // "Aa", "BB"
	mustInsert(t, s, rs, strs[0])
	mustInsert(t, s, rs, strs[1])
	rs.Invalidate(strs[1]) // last inserted is at the chain head

	got, found := findIn(t, s, primaryHash(strs[0]), strs[0])
	if !found {
		t.Fatal("live entry behind a dead node not found")
	}
	if v, _ := got.Peek(); v != strs[0] {
		t.Fatalf("found %q, want %q", v, strs[0])
	}
	if _, found := findIn(t, s, primaryHash(strs[1]), strs[1]); found {
		t.Fatal("dead entry reported as a match")
	}
}

func TestChainStoreRehashWarning(t *testing.T) {
	rs := NewRefStore()
	s, _ := testStore(4, 24, 4, rs)

	strs := genColliding(3) // 8 strings, one chain
	for i, v := range strs {
		ref := rs.Register(v)
		_, warn, _ := s.insert(primaryHash(v), contentMatch(v), ref)
		if wantWarn := i+1 >= 4; warn != wantWarn {
			t.Fatalf("insert %d: warn = %v, want %v", i, warn, wantWarn)
		}
	}
	_, _, warn, _ := s.get(primaryHash(strs[0]), contentMatch(strs[0]))
	if !warn {
		t.Fatal("get over a long chain did not warn")
	}
}

func TestGrowTaskMigration(t *testing.T) {
	rs := NewRefStore()
	s, removed := testStore(2, 24, 100, rs)

	var all []string
	for i := 0; i < 12; i++ {
		v := "grow-" + strconv.Itoa(i)
		mustInsert(t, s, rs, v)
		all = append(all, v)
	}
	rs.Invalidate(all[0], all[5], all[9], all[11])

	g := newGrowTask(s, deadMatch)
	if !g.prepare() {
		t.Fatal("grow prepare failed on an idle store")
	}
	for g.doTask() {
	}
	g.done()

	if got := s.bucketCount(); got != 8 {
		t.Fatalf("bucket count after grow = %d, want 8", got)
	}
	if got := removed.Load(); got != 4 {
		t.Fatalf("removed %d dead entries during grow, want 4", got)
	}
	for i, v := range all {
		_, found := findIn(t, s, primaryHash(v), v)
		wantFound := i != 0 && i != 5 && i != 9 && i != 11
		if found != wantFound {
			t.Fatalf("after grow, get(%q) found = %v, want %v", v, found, wantFound)
		}
	}
}

func TestGrowTaskAtSizeLimit(t *testing.T) {
	rs := NewRefStore()
	s, _ := testStore(4, 4, 100, rs)

	g := newGrowTask(s, deadMatch)
	if g.prepare() {
		t.Fatal("grow prepare succeeded at the size limit")
	}
	if !s.isMaxSizeReached() {
		t.Fatal("size limit not recorded")
	}
	// The claim must have been released.
	if !s.tryScan(func(WeakRef) bool { return true }) {
		t.Fatal("store left claimed after a refused grow")
	}
}

func TestBulkDeleteTask(t *testing.T) {
	rs := NewRefStore()
	s, removed := testStore(4, 24, 100, rs)

	var doomed []string
	for i := 0; i < 10; i++ {
		v := "bd-" + strconv.Itoa(i)
		mustInsert(t, s, rs, v)
		if i%3 == 0 {
			doomed = append(doomed, v)
		}
	}
	rs.Invalidate(doomed...)

	var live atomic.Int64
	b := newBulkDeleteTask(s, deadMatch, func(WeakRef) { live.Add(1) })
	if !b.prepare() {
		t.Fatal("bulk delete prepare failed on an idle store")
	}
	for b.doTask() {
		b.pause()
		b.cont()
	}
	b.done()

	if got := removed.Load(); got != int64(len(doomed)) {
		t.Fatalf("removed = %d, want %d", got, len(doomed))
	}
	if got := live.Load(); got != int64(10-len(doomed)) {
		t.Fatalf("live callback count = %d, want %d", got, 10-len(doomed))
	}
	for _, v := range doomed {
		if _, found := findIn(t, s, primaryHash(v), v); found {
			t.Fatalf("pruned entry %q still found", v)
		}
	}
}

func TestTaskClaimExclusion(t *testing.T) {
	rs := NewRefStore()
	s, _ := testStore(4, 24, 100, rs)
	mustInsert(t, s, rs, "claimed")

	b := newBulkDeleteTask(s, deadMatch, nil)
	if !b.prepare() {
		t.Fatal("prepare failed on an idle store")
	}

	if s.tryScan(func(WeakRef) bool { return true }) {
		t.Fatal("tryScan succeeded while a task owns the store")
	}
	if newGrowTask(s, deadMatch).prepare() {
		t.Fatal("second task prepared while the first owns the store")
	}
	if s.forEachChain(func([]WeakRef) {}) {
		t.Fatal("forEachChain succeeded while a task owns the store")
	}

	// A paused task still excludes scans and other tasks.
	b.pause()
	if s.tryScan(func(WeakRef) bool { return true }) {
		t.Fatal("tryScan succeeded while a task is paused")
	}
	if newBulkDeleteTask(s, deadMatch, nil).prepare() {
		t.Fatal("second task prepared while the first is paused")
	}
	b.cont()

	for b.doTask() {
	}
	b.done()

	if !s.tryScan(func(WeakRef) bool { return true }) {
		t.Fatal("tryScan failed after the task released the store")
	}
	g := newGrowTask(s, deadMatch)
	if !g.prepare() {
		t.Fatal("task prepare failed after release")
	}
	for g.doTask() {
	}
	g.done()
}

func TestRetireTo(t *testing.T) {
	rs := NewRefStore()
	s, removed := testStore(4, 24, 100, rs)
	dst, _ := testStore(4, 24, 100, rs)

	for i := 0; i < 8; i++ {
		mustInsert(t, s, rs, "mv-"+strconv.Itoa(i))
	}
	rs.Invalidate("mv-3")

	seed := maphash.MakeSeed()
	moved := s.retireTo(dst, func(ref WeakRef) (uintptr, bool) {
		v, ok := ref.Peek()
		if !ok {
			return 0, false
		}
		return altHash(seed, v), true
	})
	if !moved {
		t.Fatal("retireTo refused on an idle store")
	}
	if got := removed.Load(); got != 1 {
		t.Fatalf("removed = %d, want 1", got)
	}
	for i := 0; i < 8; i++ {
		v := "mv-" + strconv.Itoa(i)
		_, found := findIn(t, dst, altHash(seed, v), v)
		if wantFound := i != 3; found != wantFound {
			t.Fatalf("after move, get(%q) found = %v, want %v", v, found, wantFound)
		}
	}

	// The source is permanently retired: mutators get diverted instead
	// of touching the dead arrays.
	if _, _, _, retired := s.get(primaryHash("mv-0"), contentMatch("mv-0")); !retired {
		t.Fatal("get on a retired store did not report retirement")
	}
	ref := rs.Register("late")
	inserted, _, retired := s.insert(primaryHash("late"), contentMatch("late"), ref)
	if inserted || !retired {
		t.Fatalf("insert on a retired store = (inserted=%v, retired=%v)", inserted, retired)
	}
	ref.Release(rs)
}

func TestRetireToRefusesWhileClaimed(t *testing.T) {
	rs := NewRefStore()
	s, _ := testStore(4, 24, 100, rs)
	dst, _ := testStore(4, 24, 100, rs)
	mustInsert(t, s, rs, "busy")

	b := newBulkDeleteTask(s, deadMatch, nil)
	if !b.prepare() {
		t.Fatal("prepare failed")
	}
	defer func() {
		for b.doTask() {
		}
		b.done()
	}()

	if s.retireTo(dst, func(ref WeakRef) (uintptr, bool) { return 0, false }) {
		t.Fatal("retireTo succeeded while a task owns the store")
	}
	// A refused retire changes nothing: not retired, entries intact.
	if _, found := findIn(t, s, primaryHash("busy"), "busy"); !found {
		t.Fatal("refused retire must leave the source untouched")
	}
}

func TestChainStoreConcurrentInsertGet(t *testing.T) {
	rs := NewRefStore()
	s, _ := testStore(6, 24, 100, rs)

	const goroutines = 8
	const perG = 300
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				v := "c" + strconv.Itoa(g) + "-" + strconv.Itoa(i)
				ref := rs.Register(v)
				if ok, _, _ := s.insert(primaryHash(v), contentMatch(v), ref); !ok {
					t.Errorf("unexpected duplicate for %q", v)
					return
				}
				if _, found, _, _ := s.get(primaryHash(v), contentMatch(v)); !found {
					t.Errorf("just-inserted %q not found", v)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	count := 0
	s.doScan(func(WeakRef) bool { count++; return true })
	if count != goroutines*perG {
		t.Fatalf("scanned %d entries, want %d", count, goroutines*perG)
	}
}
