package strtab

import (
	"math/bits"
	"runtime"
	"time"

	"github.com/llxisdsh/strtab/internal/opt"
)

// Sizing and maintenance configuration defaults.
const (
	// prefAvgChainLen: we prefer short chains of avg 2
	prefAvgChainLen = 2.0
	// endSizeLog2: 2^24 is max size
	endSizeLog2 = 24
	// rehashChainLen: if a chain gets to 100 something might be wrong
	rehashChainLen = 100
	// deadHighWaterMark: clean if we have as many dead items as 50% of
	// the number of buckets
	deadHighWaterMark = 0.5
	// defaultStartLog2: initial table of 512 buckets
	defaultStartLog2 = 9
	// minBucketsPerChunk: lower bound on maintenance chunk size
	minBucketsPerChunk = 64
	// taskOverPartition: over-partition factor to reduce task tail latency
	taskOverPartition = 8
)

// calcParallelism calculates the chunking for incremental bucket tasks.
//
// Parameters:
//   - items: number of buckets to process.
//   - threshold: minimum chunk size worth claiming.
//   - cpus: number of potential claimants.
//
// Returns:
//   - chunkSz: buckets processed per claimed chunk
//   - chunks: number of chunks
func calcParallelism(items, threshold, cpus int) (chunkSz, chunks int) {
	if items <= threshold {
		return items, 1
	}
	chunks = min(items/threshold, cpus)
	chunkSz = (items + chunks - 1) / chunks
	return chunkSz, chunks
}

// ceilLog2 returns the smallest n such that 2^n >= v.
func ceilLog2(v int) int {
	if v <= 1 {
		return 0
	}
	return bits.Len(uint(v - 1))
}

// stripedCounter reduces contention on the hot item counter. The stripe
// is picked from the caller-supplied hash so that concurrent inserts to
// different buckets rarely collide on a cell.
type stripedCounter struct {
	stripes []opt.CounterStripe_
	mask    uintptr
}

func newStripedCounter(cpus int) *stripedCounter {
	n := 1 << ceilLog2(cpus)
	return &stripedCounter{
		stripes: make([]opt.CounterStripe_, n),
		mask:    uintptr(n - 1),
	}
}

func (c *stripedCounter) add(hash uintptr, delta int64) {
	c.stripes[hash&c.mask].C.Add(delta)
}

func (c *stripedCounter) sum() int64 {
	var sum int64
	for i := range c.stripes {
		sum += c.stripes[i].C.Load()
	}
	return sum
}

// delay backs off a spinning caller. Short spins yield to the scheduler;
// once the budget is burnt we sleep, which works effectively as backoff
// under high concurrency.
func delay(spins *int) {
	const maxSpins = 16
	if *spins < maxSpins {
		*spins++
		runtime.Gosched()
		return
	}
	*spins = 0
	time.Sleep(500 * time.Microsecond)
}

// noCopy may be added to structs which must not be copied
// after the first use.
//
// See https://golang.org/issues/8005#issuecomment-190753527
// for details.
//
// Note that it must not be embedded, due to the Lock and Unlock methods.
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
