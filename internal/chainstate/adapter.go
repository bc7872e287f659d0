package chainstate

import (
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// EntryView adapts an (Index, Entry) pair to consensus.ModifierSource, so
// the PoS kernel's stake-modifier selection (component D) can walk the
// block-index graph without this package depending on consensus's
// concrete validation types (it would otherwise be a cyclic import:
// chainstate would need consensus for validation, and consensus would
// need chainstate for index walks).
type EntryView struct {
	idx   *Index
	entry *Entry
}

// View wraps e for consumption by the PoS kernel.
func (idx *Index) View(e *Entry) consensus.ModifierSource {
	if e == nil {
		return nil
	}
	return EntryView{idx: idx, entry: e}
}

func (v EntryView) Timestamp() uint64       { return v.entry.Timestamp }
func (v EntryView) GeneratedModifier() bool { return v.entry.GeneratedModifier }
func (v EntryView) Modifier() uint64        { return v.entry.StakeModifier }

func (v EntryView) Parent() consensus.ModifierSource {
	p := v.idx.Parent(v.entry)
	if p == nil {
		return nil
	}
	return EntryView{idx: v.idx, entry: p}
}

// DeploymentEntryView adapts an (Index, Entry) pair to
// consensus.DeploymentBlock for the BIP9-style tracker (component I).
type DeploymentEntryView struct {
	idx   *Index
	entry *Entry
}

// DeploymentView wraps e for consumption by the deployment tracker.
func (idx *Index) DeploymentView(e *Entry) consensus.DeploymentBlock {
	if e == nil {
		return nil
	}
	return DeploymentEntryView{idx: idx, entry: e}
}

func (v DeploymentEntryView) Height() uint64  { return v.entry.Height }
func (v DeploymentEntryView) Version() uint32 { return v.entry.Version }

// Hash returns the entry's block hash, used as the consensus.Manager
// cache key when a deployment manager is built over this index (see
// internal/node's deployment-manager wiring).
func (v DeploymentEntryView) Hash() types.Hash { return v.entry.Hash }

// MedianTimePast returns the median timestamp of up to the 11 most recent
// blocks ending at (and including) this entry, the standard
// median-time-past window consulted by deployment-state transitions
// (§4.I).
func (v DeploymentEntryView) MedianTimePast() uint64 {
	const window = 11
	times := make([]uint64, 0, window)
	cur := v.entry
	for i := 0; i < window; i++ {
		times = append(times, cur.Timestamp)
		if !cur.hasParent {
			break
		}
		cur = v.idx.arena[cur.parentIndex]
	}
	insertionSort(times)
	return times[len(times)/2]
}

func (v DeploymentEntryView) Parent() consensus.DeploymentBlock {
	p := v.idx.Parent(v.entry)
	if p == nil {
		return nil
	}
	return DeploymentEntryView{idx: v.idx, entry: p}
}

func insertionSort(a []uint64) {
	for i := 1; i < len(a); i++ {
		v := a[i]
		j := i - 1
		for j >= 0 && a[j] > v {
			a[j+1] = a[j]
			j--
		}
		a[j+1] = v
	}
}
