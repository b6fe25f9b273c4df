package strtab

import "context"

// Maintain runs the table's maintenance loop until ctx is cancelled:
// it sleeps on the trigger channel, then performs whatever work the
// policy has queued, growing or cleaning first and applying an armed
// flood-defense rehash after. Run it on its own goroutine; a table
// without a running Maintain still works, it just never grows or prunes
// unless the caller drives DoConcurrentWork directly.
func (t *Table) Maintain(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.trigger:
		}
		if t.hasWork.Load() {
			t.DoConcurrentWork(ctx)
		}
		if t.needsRehash.Load() {
			t.RehashTableIfNeeded()
		}
	}
}
