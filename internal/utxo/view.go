package utxo

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// entryState is the per-outpoint cache entry state machine required by
// spec §4.B: absent -> Fresh (added, not on disk) -> Unmodified (flushed)
// -> Modified (changed in memory) -> Erased (spent). Fresh+spent
// collapses to absent rather than ever reaching disk.
type entryState uint8

const (
	stateUnmodified entryState = iota
	stateModified
	stateFresh
	stateErased
)

type cacheEntry struct {
	coin  *UTXO
	state entryState
}

// approxSize estimates a cache entry's resident bytes for the size
// accounting spec §4.B calls for (flush trigger when the cache exceeds a
// configured threshold).
func (c *cacheEntry) approxSize() int {
	if c.coin == nil {
		return 64
	}
	return 96 + len(c.coin.Script.Data)
}

// View is a single layer of the coin-view stack: an in-memory overlay of
// Unmodified/Modified/Erased/Fresh entries above a Set (either the base
// on-disk Store, or another View — allowing Transient to stack atop
// Cache, which stacks atop Base, exactly as spec §3 describes).
type View struct {
	mu sync.RWMutex

	base  Set
	cache map[types.Outpoint]*cacheEntry

	bestHash   types.Hash
	haveBest   bool
	sizeBytes  int
}

// NewView creates a cache layer over base.
func NewView(base Set) *View {
	return &View{
		base:  base,
		cache: make(map[types.Outpoint]*cacheEntry),
	}
}

// Get returns the topmost overlay's knowledge of outpoint: the local
// cache entry if present (even if Erased, reported as not-found), else
// delegates to base.
func (v *View) Get(outpoint types.Outpoint) (*UTXO, error) {
	v.mu.RLock()
	entry, ok := v.cache[outpoint]
	v.mu.RUnlock()
	if ok {
		if entry.state == stateErased || entry.coin == nil {
			return nil, fmt.Errorf("utxo get: not found")
		}
		return entry.coin, nil
	}
	return v.base.Get(outpoint)
}

// Have reports whether outpoint is spendable from this view's
// perspective (present and not erased).
func (v *View) Have(outpoint types.Outpoint) (bool, error) {
	v.mu.RLock()
	entry, ok := v.cache[outpoint]
	v.mu.RUnlock()
	if ok {
		return entry.state != stateErased && entry.coin != nil, nil
	}
	return v.base.Has(outpoint)
}

// Has implements Set for composability (Views may themselves serve as a
// lower layer for another View, per spec §3's "Transient over Cache over
// Base" stack).
func (v *View) Has(outpoint types.Outpoint) (bool, error) { return v.Have(outpoint) }

// Put adds or overwrites outpoint in this layer. If the entry did not
// previously exist anywhere below (per the underlying base), it becomes
// Fresh; otherwise Modified.
func (v *View) Put(u *UTXO) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	existing, ok := v.cache[u.Outpoint]
	if ok && existing.state == stateFresh {
		v.sizeBytes -= existing.approxSize()
		existing.coin = u
		v.sizeBytes += existing.approxSize()
		return nil
	}

	state := stateModified
	if !ok {
		hadOnDisk, err := v.base.Has(u.Outpoint)
		if err != nil {
			return err
		}
		if !hadOnDisk {
			state = stateFresh
		}
	}

	e := &cacheEntry{coin: u, state: state}
	if ok {
		v.sizeBytes -= existing.approxSize()
	}
	v.cache[u.Outpoint] = e
	v.sizeBytes += e.approxSize()
	return nil
}

// Delete spends outpoint. Fresh entries collapse to absent (never reach
// disk, per spec §4.B); anything else becomes Erased so Flush knows to
// remove it from the base store.
func (v *View) Delete(outpoint types.Outpoint) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if existing, ok := v.cache[outpoint]; ok {
		v.sizeBytes -= existing.approxSize()
		if existing.state == stateFresh {
			delete(v.cache, outpoint)
			return nil
		}
		existing.state = stateErased
		existing.coin = nil
		v.sizeBytes += existing.approxSize()
		return nil
	}

	hadOnDisk, err := v.base.Has(outpoint)
	if err != nil {
		return err
	}
	if !hadOnDisk {
		return nil // nothing to erase anywhere.
	}
	e := &cacheEntry{coin: nil, state: stateErased}
	v.cache[outpoint] = e
	v.sizeBytes += e.approxSize()
	return nil
}

// BestHash returns the view's in-memory best-hash cell.
func (v *View) BestHash() types.Hash {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.bestHash
}

// SetBest sets the view's in-memory best-hash cell.
func (v *View) SetBest(hash types.Hash) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bestHash = hash
	v.haveBest = true
}

// SizeBytes returns the view's current approximate cache footprint, for
// the chain tip manager's flush-trigger policy (§4.B, §4.E).
func (v *View) SizeBytes() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sizeBytes
}

// ErrFlushTargetNotBatchable describes a base layer that cannot receive a
// batched write. Flush does not return it: Flush writes entry by entry
// through the base Set's Put and Delete, whatever the base layer is.
var ErrFlushTargetNotBatchable = errors.New("coin view: flush target does not support batched writes")

// Flush writes all Fresh/Modified/Erased entries down into base one at a
// time through base's Put and Delete, then downgrades survivors to
// Unmodified and drops Erased entries. The writes are not one atomic
// batch: if a write fails part-way, the entries written before it stay in
// base and Flush returns the error. Flushing twice in a row writes nothing
// the second time (§8 property 4: flush idempotence), since after the
// first flush there is nothing Fresh/Modified/Erased left.
func (v *View) Flush() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for outpoint, entry := range v.cache {
		switch entry.state {
		case stateModified, stateFresh:
			if err := v.base.Put(entry.coin); err != nil {
				return fmt.Errorf("flush put %s: %w", outpoint, err)
			}
			entry.state = stateUnmodified
		case stateErased:
			if err := v.base.Delete(outpoint); err != nil {
				return fmt.Errorf("flush delete %s: %w", outpoint, err)
			}
			delete(v.cache, outpoint)
		}
	}

	if baseView, ok := v.base.(interface {
		SetBest(types.Hash) error
	}); ok && v.haveBest {
		if err := baseView.SetBest(v.bestHash); err != nil {
			return fmt.Errorf("flush besthash: %w", err)
		}
	}

	return nil
}

// Discard drops all uncommitted entries in this layer without touching
// base — used to abandon a Transient overlay atomically after a failed
// block connection (spec §4.E: "Failure: discard transient view").
func (v *View) Discard() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache = make(map[types.Outpoint]*cacheEntry)
	v.sizeBytes = 0
	v.haveBest = false
}

// Savepoint snapshots this view's modified keys so a caller can roll back
// to exactly this point (spec §3: "supports savepoints") without
// discarding everything accumulated before the savepoint was taken — used
// when validating a multi-tx block where an early transaction's effects
// must survive a later transaction's rejection being rolled back
// piecemeal is NOT required (block connection is all-or-nothing per
// entry), but is useful for speculative per-tx mempool admission checks
// layered atop the same cache.
type Savepoint struct {
	snapshot map[types.Outpoint]*cacheEntry
	size     int
}

// Savepoint captures the current cache state.
func (v *View) Savepoint() Savepoint {
	v.mu.RLock()
	defer v.mu.RUnlock()
	snap := make(map[types.Outpoint]*cacheEntry, len(v.cache))
	for k, e := range v.cache {
		cp := *e
		snap[k] = &cp
	}
	return Savepoint{snapshot: snap, size: v.sizeBytes}
}

// Rollback restores the view to the state captured by sp, discarding any
// changes made since.
func (v *View) Rollback(sp Savepoint) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache = sp.snapshot
	v.sizeBytes = sp.size
}
