// Package chainstate implements the block-index graph and candidate-tip
// selection (spec component A), generalizing the height/hash bookkeeping
// internal/chain.BlockStore already does into an explicit in-memory DAG
// with status-bit ratcheting and a deterministically ordered candidate
// set, as called for by spec.md §4.A and §9's "arena" guidance (parents
// as indices into an arena rather than raw pointers).
package chainstate

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Status is a ratcheting bitset describing how far an entry's validation
// has progressed. Bits only ever turn on, never off (except the implicit
// "reconsider" path, which clears FAILED/FAILED_PARENT explicitly — see
// Reconsider).
type Status uint8

const (
	StatusHeaderValid Status = 1 << iota
	StatusTransactionsReceived
	StatusChainValid
	StatusScriptsValid
	StatusFailed
	StatusFailedParent
)

func (s Status) Has(bit Status) bool { return s&bit != 0 }

// Entry is one node in the block-index graph: a header plus derived
// chain-selection metadata. Entries are created once (on first sight of
// a header) and never destroyed.
type Entry struct {
	Hash       types.Hash
	ParentHash types.Hash
	Height     uint64
	Work       [32]byte // accumulated chain work, big-endian 256-bit integer.
	Timestamp  uint64
	Version    uint32
	SequenceID uint64 // monotonic arrival order, used as the ordering tie-break.

	Status Status

	// Stake-modifier bookkeeping (consulted by internal/consensus.ModifierSource
	// via the adapter in adapter.go).
	GeneratedModifier bool
	StakeModifier     uint64

	DiskBlockPos uint64
	DiskUndoPos  uint64

	// index is the arena slot, used internally to resolve Parent without
	// storing a pointer (spec §9's "parents are indices, not pointers").
	index        int
	parentIndex  int // -1 for genesis.
	hasParent    bool
}

// Index is the block-index graph: an arena of entries plus a hash->index
// back-map, and the ordered candidate set.
type Index struct {
	mu sync.Mutex

	arena   []*Entry
	byHash  map[types.Hash]int
	nextSeq uint64

	candidates candidateHeap
	inHeap     map[types.Hash]bool

	genesisIndex int
}

// New creates an empty block index.
func New() *Index {
	return &Index{
		byHash:       make(map[types.Hash]int),
		inHeap:       make(map[types.Hash]bool),
		genesisIndex: -1,
	}
}

// InsertOrGet returns the existing entry for hash if known, otherwise
// creates one linked to its parent (which must already be indexed,
// except for the genesis entry whose parentHash is the zero hash).
// Idempotent, per spec §4.A.
func (idx *Index) InsertOrGet(hash, parentHash types.Hash, height uint64, timestamp uint64, version uint32, work [32]byte) (*Entry, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if i, ok := idx.byHash[hash]; ok {
		return idx.arena[i], nil
	}

	e := &Entry{
		Hash:        hash,
		ParentHash:  parentHash,
		Height:      height,
		Work:        work,
		Timestamp:   timestamp,
		Version:     version,
		SequenceID:  idx.nextSeq,
		parentIndex: -1,
	}
	idx.nextSeq++

	if !parentHash.IsZero() || height != 0 {
		pi, ok := idx.byHash[parentHash]
		if !ok {
			return nil, fmt.Errorf("insert_or_get: parent %s not indexed", parentHash)
		}
		e.parentIndex = pi
		e.hasParent = true
	}

	e.index = len(idx.arena)
	idx.arena = append(idx.arena, e)
	idx.byHash[hash] = e.index
	if height == 0 && idx.genesisIndex < 0 {
		idx.genesisIndex = e.index
	}
	return e, nil
}

// Get returns the entry for hash, if known.
func (idx *Index) Get(hash types.Hash) (*Entry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	i, ok := idx.byHash[hash]
	if !ok {
		return nil, false
	}
	return idx.arena[i], true
}

// Parent returns e's parent entry, or nil if e is genesis.
func (idx *Index) Parent(e *Entry) *Entry {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if !e.hasParent || e.parentIndex < 0 {
		return nil
	}
	return idx.arena[e.parentIndex]
}

// MarkTransactionsReceived ratchets e's status and, if all ancestors are
// already CHAIN_VALID, adds e to the candidate set. disk positions record
// where the block body/undo data were written (§6's block-file framing).
func (idx *Index) MarkTransactionsReceived(e *Entry, diskBlockPos, diskUndoPos uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e.Status |= StatusTransactionsReceived
	e.DiskBlockPos = diskBlockPos
	e.DiskUndoPos = diskUndoPos

	if e.Status.Has(StatusFailed) || e.Status.Has(StatusFailedParent) {
		return
	}
	if idx.ancestorsChainValidLocked(e) {
		idx.addCandidateLocked(e)
	}
}

// MarkChainValid ratchets e (and implicitly its ancestors, which must
// already be CHAIN_VALID per the invariant in spec §3) to CHAIN_VALID,
// and re-evaluates candidacy.
func (idx *Index) MarkChainValid(e *Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e.Status |= StatusChainValid
	if e.Status.Has(StatusTransactionsReceived) && !e.Status.Has(StatusFailed) && !e.Status.Has(StatusFailedParent) {
		idx.addCandidateLocked(e)
	}
}

// MarkScriptsValid ratchets e to SCRIPTS_VALID. Per the invariant in
// spec §3, callers must only call this after ancestors are SCRIPTS_VALID.
func (idx *Index) MarkScriptsValid(e *Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e.Status |= StatusScriptsValid
}

// ancestorsChainValidLocked reports whether every strict ancestor of e
// above height 0 is CHAIN_VALID; the genesis entry passes whatever its
// status. Callers must hold idx.mu.
func (idx *Index) ancestorsChainValidLocked(e *Entry) bool {
	cur := e
	for cur.hasParent {
		cur = idx.arena[cur.parentIndex]
		if !cur.Status.Has(StatusChainValid) && cur.Height != 0 {
			return false
		}
	}
	return true
}

// MarkFailed sets FAILED on e and walks all descendants (by linear arena
// scan, since the arena has no forward child links) setting
// FAILED_PARENT, removing all of them from the candidate set. Grounded on
// spec §4.A's contagion rule.
func (idx *Index) MarkFailed(e *Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e.Status |= StatusFailed
	idx.removeCandidateLocked(e)

	changed := true
	for changed {
		changed = false
		for _, other := range idx.arena {
			if other.Status.Has(StatusFailedParent) || other == e {
				continue
			}
			if !other.hasParent {
				continue
			}
			parent := idx.arena[other.parentIndex]
			if parent.Status.Has(StatusFailed) || parent.Status.Has(StatusFailedParent) {
				other.Status |= StatusFailedParent
				idx.removeCandidateLocked(other)
				changed = true
			}
		}
	}
}

// Reconsider clears FAILED/FAILED_PARENT on e and its descendants and
// re-adds eligible entries to the candidate set, per spec §4.A.
func (idx *Index) Reconsider(e *Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e.Status &^= StatusFailed | StatusFailedParent
	if idx.eligibleLocked(e) {
		idx.addCandidateLocked(e)
	}

	// A parent is always indexed before its children, so one forward pass
	// over the arena after e reaches every descendant of e.
	desc := map[int]bool{e.index: true}
	for _, other := range idx.arena[e.index+1:] {
		if !other.hasParent || !desc[other.parentIndex] {
			continue
		}
		desc[other.index] = true
		other.Status &^= StatusFailed | StatusFailedParent
		if idx.eligibleLocked(other) {
			idx.addCandidateLocked(other)
		}
	}
}

func (idx *Index) eligibleLocked(e *Entry) bool {
	return e.Status.Has(StatusTransactionsReceived) && !e.Status.Has(StatusFailed) && !e.Status.Has(StatusFailedParent)
}

// PruneCandidates removes candidates whose work is <= activeTip's work
// and which do not extend the active chain, per spec §4.A.
func (idx *Index) PruneCandidates(activeTip *Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var kept candidateHeap
	for _, c := range idx.candidates {
		if workCmp(c.Work, activeTip.Work) > 0 || idx.isAncestorLocked(activeTip, c) {
			kept = append(kept, c)
			continue
		}
		delete(idx.inHeap, c.Hash)
	}
	idx.candidates = kept
	heap.Init(&idx.candidates)
}

func (idx *Index) isAncestorLocked(tip, candidate *Entry) bool {
	if candidate.Height > tip.Height {
		return false
	}
	cur := tip
	for cur.Height > candidate.Height {
		if !cur.hasParent {
			return false
		}
		cur = idx.arena[cur.parentIndex]
	}
	return cur.Hash == candidate.Hash
}

// Best returns the current best candidate (highest work, then lowest
// sequence id, then stable pointer identity), or nil if no candidates
// exist.
func (idx *Index) Best() *Entry {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.candidates) == 0 {
		return nil
	}
	return idx.candidates[0]
}

func (idx *Index) addCandidateLocked(e *Entry) {
	if idx.inHeap[e.Hash] {
		return
	}
	idx.inHeap[e.Hash] = true
	heap.Push(&idx.candidates, e)
}

func (idx *Index) removeCandidateLocked(e *Entry) {
	if !idx.inHeap[e.Hash] {
		return
	}
	for i, c := range idx.candidates {
		if c.Hash == e.Hash {
			heap.Remove(&idx.candidates, i)
			break
		}
	}
	delete(idx.inHeap, e.Hash)
}

// workCmp compares two 256-bit big-endian work values: -1, 0, 1.
func workCmp(a, b [32]byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// candidateHeap orders entries by (work desc, sequenceId asc, pointer
// identity) — the exact, total, deterministic ordering spec §4.A
// requires. container/heap gives O(log n) best-tip maintenance as
// entries are added/removed, rather than an O(n) scan per lookup.
type candidateHeap []*Entry

func (h candidateHeap) Len() int { return len(h) }

func (h candidateHeap) Less(i, j int) bool {
	cmp := workCmp(h[i].Work, h[j].Work)
	if cmp != 0 {
		return cmp > 0 // higher work first.
	}
	if h[i].SequenceID != h[j].SequenceID {
		return h[i].SequenceID < h[j].SequenceID
	}
	return fmt.Sprintf("%p", h[i]) < fmt.Sprintf("%p", h[j])
}

func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x any) {
	*h = append(*h, x.(*Entry))
}

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
