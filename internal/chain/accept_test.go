package chain

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/chainstate"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func TestAddWork_AccumulatesAcrossBlocks(t *testing.T) {
	var acc [32]byte
	acc = addWork(acc, 5)
	acc = addWork(acc, 7)
	if acc[31] != 12 {
		t.Errorf("low byte = %d, want 12", acc[31])
	}
}

func TestAddWork_CarriesIntoHigherBytes(t *testing.T) {
	var acc [32]byte
	acc[31] = 250
	acc = addWork(acc, 10)
	if acc[31] != 4 {
		t.Errorf("low byte = %d, want 4 (250+10 mod 256)", acc[31])
	}
	if acc[30] != 1 {
		t.Errorf("carry byte = %d, want 1", acc[30])
	}
}

func TestAcceptPipeline_AcceptHeader_GenesisIsIdempotent(t *testing.T) {
	ch, _, _ := testChain(t)
	idx := chainstate.New()
	p := NewAcceptPipeline(ch, idx, nil)

	genBlk, err := ch.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}

	e1, err := p.AcceptHeader(genBlk.Header)
	if err != nil {
		t.Fatalf("AcceptHeader first call: %v", err)
	}
	e2, err := p.AcceptHeader(genBlk.Header)
	if err != nil {
		t.Fatalf("AcceptHeader second call: %v", err)
	}
	if e1 != e2 {
		t.Error("AcceptHeader should return the same entry on resubmission")
	}
	if !e1.Status.Has(chainstate.StatusHeaderValid) {
		t.Error("accepted header should be marked HEADER_VALID")
	}
}

func TestAcceptPipeline_AcceptHeader_RejectsUnknownParent(t *testing.T) {
	ch, _, _ := testChain(t)
	idx := chainstate.New()
	p := NewAcceptPipeline(ch, idx, nil)

	genBlk, err := ch.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}

	orphan := *genBlk.Header
	orphan.PrevHash = types.Hash{0x77}
	orphan.Height = 1

	if _, err := p.AcceptHeader(&orphan); err == nil {
		t.Fatal("expected an error accepting a header whose parent is not indexed")
	}
}

func TestAcceptPipeline_AcceptBody_AppliesBlockAndMarksValid(t *testing.T) {
	ch, validatorKey, _ := testChain(t)
	idx := chainstate.New()
	p := NewAcceptPipeline(ch, idx, nil)

	genBlk, err := ch.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}
	if _, err := p.AcceptHeader(genBlk.Header); err != nil {
		t.Fatalf("AcceptHeader genesis: %v", err)
	}

	prevOut := types.Outpoint{TxID: genBlk.Transactions[0].Hash(), Index: 0}
	blk := buildSignedBlock(t, ch, validatorKey, nil, prevOut, 1000)

	if err := p.AcceptBody(blk); err != nil {
		t.Fatalf("AcceptBody: %v", err)
	}

	entry, ok := idx.Get(blk.Hash())
	if !ok {
		t.Fatal("accepted block should be indexed")
	}
	if !entry.Status.Has(chainstate.StatusChainValid) {
		t.Error("applied block should be marked CHAIN_VALID")
	}
	if !entry.Status.Has(chainstate.StatusScriptsValid) {
		t.Error("applied block should be marked SCRIPTS_VALID")
	}
	if ch.TipHash() != blk.Hash() {
		t.Error("chain tip should have advanced to the accepted block")
	}
}

func TestAcceptPipeline_AcceptBody_DuplicateSubmissionIsIdempotent(t *testing.T) {
	ch, validatorKey, _ := testChain(t)
	idx := chainstate.New()
	p := NewAcceptPipeline(ch, idx, nil)

	genBlk, err := ch.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}
	if _, err := p.AcceptHeader(genBlk.Header); err != nil {
		t.Fatalf("AcceptHeader genesis: %v", err)
	}

	prevOut := types.Outpoint{TxID: genBlk.Transactions[0].Hash(), Index: 0}
	blk := buildSignedBlock(t, ch, validatorKey, nil, prevOut, 1000)

	if err := p.AcceptBody(blk); err != nil {
		t.Fatalf("first AcceptBody: %v", err)
	}
	if err := p.AcceptBody(blk); err != nil {
		t.Fatalf("duplicate AcceptBody should be a no-op, got: %v", err)
	}
}

func TestAcceptPipeline_AcceptBody_InvalidBlockMarksFailed(t *testing.T) {
	ch, validatorKey, _ := testChain(t)
	idx := chainstate.New()
	p := NewAcceptPipeline(ch, idx, nil)

	genBlk, err := ch.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}
	if _, err := p.AcceptHeader(genBlk.Header); err != nil {
		t.Fatalf("AcceptHeader genesis: %v", err)
	}

	prevOut := types.Outpoint{TxID: genBlk.Transactions[0].Hash(), Index: 0}
	blk := buildSignedBlock(t, ch, validatorKey, nil, prevOut, 1000)
	// Corrupt the signature so consensus validation fails.
	blk.Header.ValidatorSig = append([]byte(nil), blk.Header.ValidatorSig...)
	if len(blk.Header.ValidatorSig) > 0 {
		blk.Header.ValidatorSig[0] ^= 0xFF
	}

	if err := p.AcceptBody(blk); err == nil {
		t.Fatal("expected AcceptBody to reject a block with a corrupted validator signature")
	}

	entry, ok := idx.Get(blk.Hash())
	if !ok {
		t.Fatal("rejected block should still have been indexed before validation ran")
	}
	if !entry.Status.Has(chainstate.StatusFailed) {
		t.Error("rejected block's entry should be marked FAILED")
	}
}
