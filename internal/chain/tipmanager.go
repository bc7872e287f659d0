package chain

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// DefaultCacheFlushThreshold is the cache footprint, in approximate
// resident bytes, at which TipManager flushes its coin-view cache down
// to the base store rather than waiting for the next checkpoint.
const DefaultCacheFlushThreshold = 32 << 20 // 32 MiB.

// TipManager owns the layered coin-view cache sitting in front of the
// chain's base UTXO store and decides when that cache gets flushed.
// Chain's own applyBlockWithUndo/revertBlock in reorg.go write directly
// through c.utxos; TipManager wraps that same Set with a utxo.View so
// the identical apply/revert code path gains caching and a savepoint
// for free, instead of needing a second copy of the apply/undo logic.
type TipManager struct {
	view           *utxo.View
	flushThreshold int
}

// NewTipManager wraps base (the chain's on-disk UTXO store) in a cache
// layer and returns both the manager and the Set the chain should use in
// place of base from then on.
func NewTipManager(base utxo.Set, flushThreshold int) (*TipManager, utxo.Set) {
	if flushThreshold <= 0 {
		flushThreshold = DefaultCacheFlushThreshold
	}
	v := utxo.NewView(base)
	return &TipManager{view: v, flushThreshold: flushThreshold}, v
}

// View exposes the underlying cache layer for callers (e.g. the reorg
// mediator) that need Savepoint/Rollback around a speculative block
// application.
func (t *TipManager) View() *utxo.View { return t.view }

// MaybeFlush flushes the cache down to the base store if it has grown
// past the configured threshold, and always updates the in-memory
// best-hash cell first so a flush never loses track of the tip it
// belongs to.
func (t *TipManager) MaybeFlush(tipHash types.Hash) error {
	t.view.SetBest(tipHash)
	if t.view.SizeBytes() < t.flushThreshold {
		return nil
	}
	if err := t.view.Flush(); err != nil {
		return fmt.Errorf("tip manager: flush: %w", err)
	}
	return nil
}

// Flush forces an unconditional flush. Node.Stop calls it at clean
// shutdown, before the database is closed.
func (t *TipManager) Flush() error {
	if err := t.view.Flush(); err != nil {
		return fmt.Errorf("tip manager: flush: %w", err)
	}
	return nil
}
