package chain

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/chainstate"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// DefaultReorgStepBudget bounds how many candidate-tip switches
// ActivateBestChain will perform in a single call, per spec §4.F: "bounded
// by a step budget per activation call". Without a bound, a burst of
// headers arriving out of order could make one call chain together an
// unbounded number of reorgs before returning control to the caller.
const DefaultReorgStepBudget = 32

// ErrStepBudgetExceeded is returned when ActivateBestChain stops early
// because it hit its step budget; the chain is left in a valid (if not
// fully caught-up) state, and callers should call again to continue.
var ErrStepBudgetExceeded = fmt.Errorf("reorg mediator: step budget exceeded")

// ReorgMediator drives the chain toward the best candidate known to a
// chainstate.Index, repeatedly invoking Chain.Reorg (component F
// consuming component A, per the mapping in SPEC_FULL.md). It exists
// because Chain.Reorg only performs a single switch to a caller-supplied
// tip; something has to repeatedly ask "what's the best tip now" and
// stop once nothing better is available or the candidate set itself
// says there's nothing left to prune.
type ReorgMediator struct {
	chain      *Chain
	index      *chainstate.Index
	stepBudget int
}

// NewReorgMediator creates a mediator driving chain toward index's best
// candidate, performing at most stepBudget switches per
// ActivateBestChain call (DefaultReorgStepBudget if <= 0).
func NewReorgMediator(chain *Chain, index *chainstate.Index, stepBudget int) *ReorgMediator {
	if stepBudget <= 0 {
		stepBudget = DefaultReorgStepBudget
	}
	return &ReorgMediator{chain: chain, index: index, stepBudget: stepBudget}
}

// ActivateBestChain repeatedly reorgs toward the best candidate in the
// index until the chain's tip matches it, no better candidate remains,
// or the step budget is exhausted. After this returns nil, the
// invariant spec §4.F names holds: the active tip is the highest-work
// entry whose full ancestry is CHAIN_VALID among everything currently
// indexed.
func (m *ReorgMediator) ActivateBestChain() error {
	steps := 0
	for {
		best := m.index.Best()
		if best == nil {
			return nil
		}
		if best.Hash == m.chain.TipHash() {
			return nil
		}

		if steps >= m.stepBudget {
			return ErrStepBudgetExceeded
		}

		if err := m.chain.Reorg(best.Hash); err != nil {
			return fmt.Errorf("activate best chain: %w", err)
		}
		steps++

		// Re-fetch the (possibly updated) tip entry and prune candidates
		// that can no longer beat it, so the next loop iteration's Best()
		// reflects the new active tip rather than re-selecting a
		// candidate Reorg just rejected for insufficient work.
		tipEntry, ok := m.index.Get(m.chain.TipHash())
		if ok {
			m.index.PruneCandidates(tipEntry)
		}

		// Reorg silently no-ops when the candidate doesn't beat the
		// current tip's work (see Chain.Reorg); if the tip didn't move
		// and pruning didn't remove the candidate, this candidate will
		// be selected again without limit, so bail rather than spin.
		if tipEntry != nil && tipEntry.Hash != best.Hash {
			stillCandidate, ok := m.index.Get(best.Hash)
			if ok && stillCandidate == m.index.Best() {
				return fmt.Errorf("activate best chain: candidate %s did not advance the tip", best.Hash)
			}
		}
	}
}

// NotifyNewEntry is the hook block acceptance (component G) calls after
// indexing a new header/body, so the mediator's next ActivateBestChain
// call sees it; chainstate.Index already performs the CHAIN_VALID /
// TRANSACTIONS_RECEIVED gating, so this is a thin passthrough kept on
// ReorgMediator for call-site symmetry with ActivateBestChain.
func (m *ReorgMediator) NotifyNewEntry(hash types.Hash) {
	_, _ = m.index.Get(hash)
}
