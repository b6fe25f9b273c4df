package strtab

import (
	"io"

	"github.com/charmbracelet/log"
)

// TableConfig defines configurable options for Table initialization.
type TableConfig struct {
	// startLog2/limitLog2 bound the bucket array: the table starts at
	// 2^startLog2 buckets, never shrinks below that, and never grows
	// past 2^limitLog2.
	startLog2 int
	limitLog2 int

	// rehashLen is the chain length that signals a hash-quality problem
	// and arms the flood-defense rehash.
	rehashLen int

	// prefAvgChain is the preferred average chain length; load factor
	// beyond it makes growing worthwhile.
	prefAvgChain float64

	// deadHighWater is the dead-entries-per-bucket ratio above which
	// cleaning is triggered regardless of load.
	deadHighWater float64

	refStore *RefStore
	overlay  *Overlay
	logger   *log.Logger
}

// WithSizeLog2 sets the initial and maximum bucket array sizes as
// base-2 exponents. Out-of-range values are clamped.
func WithSizeLog2(start, limit int) func(*TableConfig) {
	return func(c *TableConfig) {
		if start > 0 {
			c.startLog2 = start
		}
		if limit > 0 {
			c.limitLog2 = limit
		}
	}
}

// WithRehashLen overrides the chain-length threshold that flags the
// table for a flood-defense rehash.
func WithRehashLen(n int) func(*TableConfig) {
	return func(c *TableConfig) {
		if n > 0 {
			c.rehashLen = n
		}
	}
}

// WithPrefAvgChain overrides the preferred average chain length used by
// the grow/clean policy.
func WithPrefAvgChain(v float64) func(*TableConfig) {
	return func(c *TableConfig) {
		if v > 0 {
			c.prefAvgChain = v
		}
	}
}

// WithDeadHighWater overrides the dead-factor high-water mark used by
// the cleaning policy.
func WithDeadHighWater(v float64) func(*TableConfig) {
	return func(c *TableConfig) {
		if v > 0 {
			c.deadHighWater = v
		}
	}
}

// WithRefStore supplies the weak-reference storage the table registers
// its entries with. The table installs its GCNotify as the store's dead
// notifier. Without this option the table creates a private store.
func WithRefStore(st *RefStore) func(*TableConfig) {
	return func(c *TableConfig) {
		c.refStore = st
	}
}

// WithOverlay installs a read-only precomputed overlay consulted before
// the mutable store on every lookup and intern.
func WithOverlay(ov *Overlay) func(*TableConfig) {
	return func(c *TableConfig) {
		c.overlay = ov
	}
}

// WithLogger routes maintenance lifecycle logging (grow/clean/rehash
// decisions) to the given logger. Silent by default.
func WithLogger(l *log.Logger) func(*TableConfig) {
	return func(c *TableConfig) {
		c.logger = l
	}
}

func (c *TableConfig) applyDefaults() {
	if c.startLog2 == 0 {
		c.startLog2 = defaultStartLog2
	}
	if c.limitLog2 == 0 {
		c.limitLog2 = endSizeLog2
	}
	if c.limitLog2 < c.startLog2 {
		c.limitLog2 = c.startLog2
	}
	if c.rehashLen == 0 {
		c.rehashLen = rehashChainLen
	}
	if c.prefAvgChain == 0 {
		c.prefAvgChain = prefAvgChainLen
	}
	if c.deadHighWater == 0 {
		c.deadHighWater = deadHighWaterMark
	}
	if c.refStore == nil {
		c.refStore = NewRefStore()
	}
	if c.logger == nil {
		c.logger = log.New(io.Discard)
	}
}
