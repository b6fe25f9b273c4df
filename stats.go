package strtab

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/cockroachdb/swiss"
)

// TableStatistics is a point-in-time summary of the mutable store.
type TableStatistics struct {
	BucketCount  int
	EntryCount   int // live entries
	DeadCount    int // entries whose referent died, not yet pruned
	MaxChainLen  int
	AvgChainLen  float64
	LiteralBytes int64 // total bytes of live string content
	MemoryBytes  int64 // approximate footprint: bucket array + chain nodes + content
	OverlayCount int   // entries in the read-only overlay, if attached

	// ChainHistogram[n] is the number of buckets whose chain holds
	// exactly n nodes, live or dead.
	ChainHistogram []int
}

// Statistics aggregates per-chain statistics. Best-effort: it reports
// false without blocking when a maintenance task owns the store.
func (t *Table) Statistics() (TableStatistics, bool) {
	var st TableStatistics
	ok := t.store.Load().forEachChain(func(chain []WeakRef) {
		st.BucketCount++
		for len(st.ChainHistogram) <= len(chain) {
			st.ChainHistogram = append(st.ChainHistogram, 0)
		}
		st.ChainHistogram[len(chain)]++
		if len(chain) > st.MaxChainLen {
			st.MaxChainLen = len(chain)
		}
		for _, ref := range chain {
			if v, alive := ref.Peek(); alive {
				st.EntryCount++
				st.LiteralBytes += int64(len(v))
			} else {
				st.DeadCount++
			}
		}
	})
	if !ok {
		return TableStatistics{}, false
	}
	if st.BucketCount > 0 {
		st.AvgChainLen = float64(st.EntryCount+st.DeadCount) / float64(st.BucketCount)
	}
	st.MemoryBytes = int64(st.BucketCount)*int64(unsafe.Sizeof(chainBucket{})) +
		int64(st.EntryCount+st.DeadCount)*int64(unsafe.Sizeof(chainNode{})) +
		st.LiteralBytes
	st.OverlayCount = t.overlay.Load().Len()
	return st, true
}

// dumpWriter tracks the first write failure so dump loops stay flat.
type dumpWriter struct {
	w   io.Writer
	err error
}

func (d *dumpWriter) printf(format string, args ...any) {
	if d.err == nil {
		_, d.err = fmt.Fprintf(d.w, format, args...)
	}
}

// dumpEntry writes one "length: content" line with control characters
// escaped, so dumps survive strings containing newlines.
func (d *dumpWriter) dumpEntry(s string) {
	d.printf("%d: ", len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\n':
			d.printf("\\n")
		case '\t':
			d.printf("\\t")
		case '\r':
			d.printf("\\r")
		case '\\':
			d.printf("\\\\")
		default:
			if c < 0x20 || c == 0x7f {
				d.printf("\\x%02x", c)
			} else {
				d.printf("%c", rune(c))
			}
		}
	}
	d.printf("\n")
}

// Dump writes the table's contents to w. Non-verbose dumps print the
// statistics summary; verbose dumps print every entry, then the overlay
// section. Dumping is best-effort: if maintenance owns the store the
// dump reports unavailability instead of blocking.
func (t *Table) Dump(w io.Writer, verbose bool) error {
	d := &dumpWriter{w: w}
	if !verbose {
		st, ok := t.Statistics()
		if !ok {
			d.printf("Dump unavailable at this moment\n")
			return d.err
		}
		d.printf("Buckets: %d\n", st.BucketCount)
		d.printf("Entries: %d\n", st.EntryCount)
		d.printf("Dead: %d\n", st.DeadCount)
		d.printf("Maximum chain length: %d\n", st.MaxChainLen)
		d.printf("Average chain length: %f\n", st.AvgChainLen)
		d.printf("Literal bytes: %d\n", st.LiteralBytes)
		d.printf("Memory bytes: %d\n", st.MemoryBytes)
		d.printf("Shared entries: %d\n", st.OverlayCount)
		return d.err
	}

	d.printf("VERSION: 1.1\n")
	ok := t.store.Load().tryScan(func(ref WeakRef) bool {
		if v, alive := ref.Peek(); alive {
			d.dumpEntry(v)
		}
		return d.err == nil
	})
	if !ok {
		d.printf("Dump unavailable at this moment\n")
		return d.err
	}
	if ov := t.overlay.Load(); ov.Len() > 0 {
		d.printf("# Shared strings:\n")
		for _, s := range ov.Entries() {
			d.dumpEntry(s)
		}
	}
	return d.err
}

// Verify checks structural integrity: every node sits in the bucket its
// hash selects and every live entry still hashes to its stored value.
// It returns the number of violations found. The caller must guarantee
// no concurrent mutators or maintenance.
func (t *Table) Verify() int {
	s := t.store.Load()
	arr := s.table.Load()
	errs := 0
	for i := range arr.buckets {
		for n := arr.buckets[i].first.Load(); n != nil; n = n.next.Load() {
			if int(n.hash&arr.mask) != i {
				errs++
			}
			if v, alive := n.ref.Peek(); alive && t.hashOf(v) != n.hash {
				errs++
			}
		}
	}
	return errs
}

// VerifyAndCompareEntries checks for duplicate live entries by replaying
// the table into a scratch set. It returns the duplicate count; any
// nonzero result means the canonical-instance guarantee was violated.
// It waits out in-flight maintenance, then holds the maintenance claim
// for the duration of the scan.
func (t *Table) VerifyAndCompareEntries() int {
	scratch := swiss.New[string, struct{}](t.Len())
	dups := 0
	t.store.Load().doScan(func(ref WeakRef) bool {
		if v, alive := ref.Peek(); alive {
			if _, found := scratch.Get(v); found {
				dups++
			} else {
				scratch.Put(v, struct{}{})
			}
		}
		return true
	})
	return dups
}
