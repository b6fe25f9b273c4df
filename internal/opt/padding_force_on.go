//go:build strtab_enable_padding && !strtab_disable_padding

package opt

import (
	"sync/atomic"
	"unsafe"
)

// CounterStripe_ with padding force-enabled via the
// strtab_enable_padding build tag.
type CounterStripe_ struct {
	C atomic.Int64
	_ [(CacheLineSize_ - unsafe.Sizeof(struct {
		C atomic.Int64
	}{})%CacheLineSize_) % CacheLineSize_]byte
}
