//go:build strtab_disable_padding && !strtab_enable_padding

package opt

import "sync/atomic"

// CounterStripe_ with padding force-disabled via the
// strtab_disable_padding build tag.
type CounterStripe_ struct {
	C atomic.Int64
}
