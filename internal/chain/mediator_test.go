package chain

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/chainstate"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func TestNewReorgMediator_DefaultsNonPositiveStepBudget(t *testing.T) {
	ch, _, _ := testChain(t)
	idx := chainstate.New()
	m := NewReorgMediator(ch, idx, 0)
	if m.stepBudget != DefaultReorgStepBudget {
		t.Errorf("stepBudget = %d, want %d", m.stepBudget, DefaultReorgStepBudget)
	}
}

func TestReorgMediator_ActivateBestChain_NoCandidatesIsNoop(t *testing.T) {
	ch, _, _ := testChain(t)
	idx := chainstate.New()
	m := NewReorgMediator(ch, idx, 0)

	if err := m.ActivateBestChain(); err != nil {
		t.Fatalf("ActivateBestChain with an empty index: %v", err)
	}
}

func TestReorgMediator_ActivateBestChain_TipAlreadyBestIsNoop(t *testing.T) {
	ch, _, _ := testChain(t)
	idx := chainstate.New()

	tipHash := ch.TipHash()
	var work [32]byte
	work[31] = 1
	entry, err := idx.InsertOrGet(tipHash, types.Hash{}, 0, 1700000000, 1, work)
	if err != nil {
		t.Fatalf("InsertOrGet: %v", err)
	}
	idx.MarkTransactionsReceived(entry, 0, 0)
	idx.MarkChainValid(entry)

	m := NewReorgMediator(ch, idx, 0)
	if err := m.ActivateBestChain(); err != nil {
		t.Fatalf("ActivateBestChain when the current tip is already best: %v", err)
	}
	if ch.TipHash() != tipHash {
		t.Error("tip should not have moved")
	}
}

func TestReorgMediator_ActivateBestChain_PropagatesReorgError(t *testing.T) {
	ch, _, _ := testChain(t)
	idx := chainstate.New()

	genesisEntry, err := idx.InsertOrGet(ch.TipHash(), types.Hash{}, 0, 1700000000, 1, [32]byte{})
	if err != nil {
		t.Fatalf("InsertOrGet genesis: %v", err)
	}
	idx.MarkTransactionsReceived(genesisEntry, 0, 0)
	idx.MarkChainValid(genesisEntry)

	// A candidate with more work than genesis but whose block was never
	// stored — Chain.Reorg's collectBranch will fail to load it.
	var heavierWork [32]byte
	heavierWork[31] = 99
	unknownHash := types.Hash{0xEE}
	candidate, err := idx.InsertOrGet(unknownHash, ch.TipHash(), 1, 1700000001, 1, heavierWork)
	if err != nil {
		t.Fatalf("InsertOrGet candidate: %v", err)
	}
	idx.MarkTransactionsReceived(candidate, 0, 0)
	idx.MarkChainValid(candidate)

	m := NewReorgMediator(ch, idx, 0)
	err = m.ActivateBestChain()
	if err == nil {
		t.Fatal("expected an error activating a candidate whose block was never stored")
	}
}

func TestReorgMediator_NotifyNewEntry_UnknownHashIsSafe(t *testing.T) {
	ch, _, _ := testChain(t)
	idx := chainstate.New()
	m := NewReorgMediator(ch, idx, 0)

	// Must not panic even though the hash was never indexed.
	m.NotifyNewEntry(types.Hash{0x42})
}

func TestReorgMediator_ActivateBestChain_ZeroStepBudgetErrorsImmediately(t *testing.T) {
	ch, _, _ := testChain(t)
	idx := chainstate.New()

	genesisEntry, err := idx.InsertOrGet(ch.TipHash(), types.Hash{}, 0, 1700000000, 1, [32]byte{})
	if err != nil {
		t.Fatalf("InsertOrGet genesis: %v", err)
	}
	idx.MarkTransactionsReceived(genesisEntry, 0, 0)
	idx.MarkChainValid(genesisEntry)

	var heavierWork [32]byte
	heavierWork[31] = 5
	candidate, err := idx.InsertOrGet(types.Hash{0x11}, ch.TipHash(), 1, 1700000001, 1, heavierWork)
	if err != nil {
		t.Fatalf("InsertOrGet candidate: %v", err)
	}
	idx.MarkTransactionsReceived(candidate, 0, 0)
	idx.MarkChainValid(candidate)

	m := &ReorgMediator{chain: ch, index: idx, stepBudget: 0}
	err = m.ActivateBestChain()
	if !errors.Is(err, ErrStepBudgetExceeded) {
		t.Fatalf("ActivateBestChain err = %v, want ErrStepBudgetExceeded", err)
	}
}
