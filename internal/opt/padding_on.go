//go:build !(amd64 || 386 || arm || mips || mipsle || wasm) && !strtab_disable_padding && !strtab_enable_padding

package opt

import (
	"sync/atomic"
	"unsafe"
)

// CounterStripe_ represents a striped counter to reduce contention.
// Padding is automatically enabled for architectures that are NOT:
// - amd64 (x86_64): Hardware optimizations often make padding less critical
// - 32-bit architectures (386, arm, mips, mipsle, wasm): Smaller cache lines/memory constraints
//
// Enabled for: arm64, s390x, ppc64, ppc64le, riscv64, loong64, mips64, mips64le, etc.
type CounterStripe_ struct {
	C atomic.Int64
	_ [(CacheLineSize_ - unsafe.Sizeof(struct {
		C atomic.Int64
	}{})%CacheLineSize_) % CacheLineSize_]byte
}
