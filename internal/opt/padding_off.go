//go:build (amd64 || 386 || arm || mips || mipsle || wasm) && !strtab_disable_padding && !strtab_enable_padding

package opt

import "sync/atomic"

// CounterStripe_ represents a striped counter to reduce contention.
// Padding is disabled by default for:
// - amd64
// - 32-bit architectures (386, arm, mips, mipsle, wasm)
type CounterStripe_ struct {
	C atomic.Int64
}
