package chain

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/chainstate"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
)

// AcceptPipeline is the block acceptance pipeline (component G): it
// stages a freshly received block through header-accept and body-accept
// in the chainstate.Index, delegates the actual structural/state
// validation and UTXO application to Chain.ProcessBlock (component G
// consuming components B and C, exactly as SPEC_FULL.md's mapping
// describes), then asks the reorg mediator (component F) to activate
// whatever is now the best chain. Grounded on
// internal/chain/processor.go's existing ProcessBlock, which already
// implements duplicate rejection and the fork/fast-path split this
// pipeline stages around.
type AcceptPipeline struct {
	chain    *Chain
	index    *chainstate.Index
	mediator *ReorgMediator
}

// NewAcceptPipeline wires a pipeline around chain, tracking headers in
// index and driving reorgs through mediator.
func NewAcceptPipeline(chain *Chain, index *chainstate.Index, mediator *ReorgMediator) *AcceptPipeline {
	return &AcceptPipeline{chain: chain, index: index, mediator: mediator}
}

// AcceptHeader records blk's header in the index, linking it to its
// already-indexed parent. Calling this twice for the same header is a
// no-op (chainstate.Index.InsertOrGet is idempotent), satisfying the
// "idempotent on duplicate submission" requirement for header-only
// resubmission.
func (p *AcceptPipeline) AcceptHeader(h *block.Header) (*chainstate.Entry, error) {
	parent, ok := p.index.Get(h.PrevHash)
	var parentWork [32]byte
	if ok {
		parentWork = parent.Work
	} else if h.Height != 0 {
		return nil, fmt.Errorf("accept header: parent %s not indexed", h.PrevHash)
	}

	work := addWork(parentWork, h.Difficulty)
	entry, err := p.index.InsertOrGet(h.Hash(), h.PrevHash, h.Height, h.Timestamp, h.Version, work)
	if err != nil {
		return nil, fmt.Errorf("accept header: %w", err)
	}
	entry.Status |= chainstate.StatusHeaderValid
	return entry, nil
}

// addWork adds a per-block difficulty scalar onto a 256-bit big-endian
// accumulator, the same accumulation chain.go's CumulativeDifficulty
// performs as a uint64 sum — widened to 256 bits here because
// chainstate.Index's candidate ordering (component A) is specified over
// arbitrary-width work, not a uint64, to avoid overflow across a long
// PoS chain's lifetime.
func addWork(acc [32]byte, delta uint64) [32]byte {
	var d [32]byte
	for i := 0; i < 8; i++ {
		d[31-i] = byte(delta >> (8 * i))
	}
	var carry uint16
	for i := 31; i >= 0; i-- {
		sum := uint16(acc[i]) + uint16(d[i]) + carry
		acc[i] = byte(sum)
		carry = sum >> 8
	}
	return acc
}

// AcceptBody accepts blk's full body: it marks the index entry
// TRANSACTIONS_RECEIVED (which may promote it into the candidate set,
// per component A), hands the block to Chain.ProcessBlock for structural
// and state validation plus UTXO application, and on any validation
// failure marks the entry FAILED so its descendants are never considered
// candidates again. Returns nil both when the block newly became active
// and when it was already known (idempotent submission).
func (p *AcceptPipeline) AcceptBody(blk *block.Block) error {
	entry, err := p.AcceptHeader(blk.Header)
	if err != nil {
		return err
	}

	p.index.MarkTransactionsReceived(entry, 0, 0)

	err = p.chain.ProcessBlock(blk)
	switch {
	case err == nil:
		// Chain.ProcessBlock itself marks CHAIN_VALID/SCRIPTS_VALID via
		// Chain.indexHeader when (and only when) the block was actually
		// applied to the active tip; a fork block that was merely stored
		// pending a reorg decision stays at HEADER_VALID here, which is
		// correct — it isn't chain-valid until Reorg (or the mediator)
		// actually switches to it.
	case errors.Is(err, ErrBlockKnown):
		// Already accepted by an earlier call; leave status as-is.
		return nil
	default:
		p.index.MarkFailed(entry)
		return fmt.Errorf("accept body: %w", err)
	}

	if p.mediator != nil {
		if err := p.mediator.ActivateBestChain(); err != nil && !errors.Is(err, ErrStepBudgetExceeded) {
			return fmt.Errorf("accept body: activate best chain: %w", err)
		}
	}
	return nil
}
