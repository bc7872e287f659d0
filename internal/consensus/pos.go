package consensus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// PoS kernel constants, grounded in the stake-modifier selection window
// and minimum coin-age weighting of a DIVI-style kernel.
const (
	// ModifierInterval is the base unit of the modifier-selection window, in seconds.
	ModifierInterval = 60
	// ModifierIntervalRatio shapes how much each of the 64 selection sections shrinks.
	ModifierIntervalRatio = 3
	// modifierSelectionSections is the number of geometrically shrinking
	// sections summed to produce the full selection window.
	modifierSelectionSections = 64

	// MaxStakeAge caps the coin-age weight used in the hash-proof target,
	// one week minus an hour.
	MaxStakeAge = 7*24*3600 - 3600

	// MinStakeAmount is the minimum UTXO value (base units) eligible to stake.
	MinStakeAmount = 10000
)

// stakeModifierSelectionIntervalSection returns the length, in seconds, of
// selection-window section k (0-indexed, 0..63). Grounded on DIVI's
// GetStakeModifierSelectionIntervalSection: the window shrinks
// geometrically so that recently-generated modifiers are preferred.
func stakeModifierSelectionIntervalSection(k int) int64 {
	if k < 0 || k >= modifierSelectionSections {
		panic("stake modifier section out of range")
	}
	return int64(ModifierInterval) * 63 / (63 + int64(63-k)*(ModifierIntervalRatio-1))
}

// StakeModifierSelectionInterval returns the full selection window length
// in seconds: the sum of all 64 section lengths.
func StakeModifierSelectionInterval() int64 {
	var total int64
	for k := 0; k < modifierSelectionSections; k++ {
		total += stakeModifierSelectionIntervalSection(k)
	}
	return total
}

// ModifierSource is a single entry in the chain visited while selecting a
// stake modifier: the minimum a caller needs to expose per block without
// this package depending on the chain-index package directly.
type ModifierSource interface {
	Timestamp() uint64
	GeneratedModifier() bool
	Modifier() uint64
	Parent() ModifierSource // nil at genesis
}

// ErrNoModifierAvailable is returned when no ancestor in the selection
// window (or beyond) has ever generated a stake modifier — only possible
// before the chain has produced its first PoS block.
var ErrNoModifierAvailable = errors.New("no stake modifier available yet")

// SelectStakeModifier walks forward from confirmationBlock (the "kernel
// confirmation block", i.e. the most recent ancestor of the staking
// candidate whose timestamp is at least StakeModifierSelectionInterval in
// the past) to find the modifier in effect at candidateTime.
//
// Grounded on DIVI's ComputeAndSetStakeModifier selection walk: starting
// at confirmationBlock, walk toward the tip (forward, i.e. toward more
// recent blocks) while the selection window has not elapsed and the
// visited block did not itself generate a modifier; the first block that
// did generate one supplies it. chainFromConfirmation lets the walk find the
// "forward" direction since ModifierSource only exposes Parent(); callers
// supply the chain of blocks from confirmationBlock to the tip, ordered
// oldest-to-newest (confirmationBlock included at index 0).
func SelectStakeModifier(chainFromConfirmation []ModifierSource) (uint64, error) {
	if len(chainFromConfirmation) == 0 {
		return 0, ErrNoModifierAvailable
	}

	confirmation := chainFromConfirmation[0]
	windowEnd := confirmation.Timestamp() + uint64(StakeModifierSelectionInterval())

	last := uint64(0)
	haveLast := false
	if confirmation.GeneratedModifier() {
		last = confirmation.Modifier()
		haveLast = true
	}

	for _, entry := range chainFromConfirmation[1:] {
		if entry.Timestamp() > windowEnd {
			break
		}
		if entry.GeneratedModifier() {
			return entry.Modifier(), nil
		}
	}

	if haveLast {
		return last, nil
	}
	return 0, ErrNoModifierAvailable
}

// HardenedModifierLookup selects the stake modifier under the
// HardenedStakeModifier deployment: scan back from the staker's nominal
// chain tip for the most recent block with a generated modifier, rather
// than walking forward from the kernel confirmation block. Grounded on
// DIVI's PoSStakeModifierService decorator, which activates this behavior
// once the deployment is ACTIVE at the tip.
func HardenedModifierLookup(tip ModifierSource) (uint64, error) {
	for cur := tip; cur != nil; cur = cur.Parent() {
		if cur.GeneratedModifier() {
			return cur.Modifier(), nil
		}
	}
	return 0, ErrNoModifierAvailable
}

// StakeModifierService resolves the stake modifier to use for a kernel
// check, choosing between the legacy forward-selection algorithm and the
// HardenedStakeModifier decorator depending on deployment state at the
// staker's nominal chain tip. Grounded on DIVI's PoSStakeModifierService,
// which wraps ("decorates") the legacy service and only overrides it once
// the fork is active — this is the direct analog of that wrapper, with
// the deployment lookup injected as a function rather than a concrete
// ActivationState, so the consensus package does not depend on the
// deployment-tracker package's concrete types.
type StakeModifierService struct {
	hardenedActive func(tip ModifierSource) bool
}

// NewStakeModifierService builds a service gated by hardenedActive, a
// predicate answering whether the HardenedStakeModifier deployment is
// ACTIVE as observed from the given nominal chain tip.
func NewStakeModifierService(hardenedActive func(tip ModifierSource) bool) *StakeModifierService {
	return &StakeModifierService{hardenedActive: hardenedActive}
}

// GetStakeModifier resolves the modifier to use. chainFromConfirmation is
// the legacy forward-selection input (see SelectStakeModifier); tip is the
// staker's nominal chain tip, used only when the hardened fork is active.
func (s *StakeModifierService) GetStakeModifier(chainFromConfirmation []ModifierSource, tip ModifierSource) (uint64, error) {
	if s.hardenedActive != nil && tip != nil && s.hardenedActive(tip) {
		return HardenedModifierLookup(tip)
	}
	return SelectStakeModifier(chainFromConfirmation)
}

// KernelInput is the (prevout, value, confirmation time) triple whose
// hash-proof must meet the stake target — the "kernel".
type KernelInput struct {
	Prevout             types.Outpoint
	Value               uint64
	ConfirmationTime    uint64 // timestamp of the block that confirmed the staked output.
	StakeModifier       uint64
	CompactTarget       uint32 // the block's difficulty bits, same compact encoding as PoW.
}

// stakeHash computes H(modifier ‖ confirm_time ‖ prevout.n ‖ prevout.hash ‖ candidate_time),
// little-endian encoded, matching the field order DIVI's kernel hashes in.
func stakeHash(modifier uint64, confirmTime uint32, prevout types.Outpoint, candidateTime uint32) types.Hash {
	buf := make([]byte, 0, 8+4+4+types.HashSize+4)
	buf = binary.LittleEndian.AppendUint64(buf, modifier)
	buf = binary.LittleEndian.AppendUint32(buf, confirmTime)
	buf = binary.LittleEndian.AppendUint32(buf, prevout.Index)
	buf = append(buf, prevout.TxID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, candidateTime)
	return crypto.DoubleHash(buf)
}

// targetDivisor is the fixed divisor applied to the coin-age weight after
// it has been divided by the coin unit (see CheckProofOfStake). The coin
// unit itself is the base-unit scale of one coin (see config.Coin),
// passed in explicitly so this package has no config dependency.
const targetDivisor = 400

// compactToBig expands a compact (Bitcoin-style "nBits") difficulty
// encoding into a big.Int target, the same representation pow.go's
// target() function would produce for a matching difficulty value, but
// accepting the raw compact form kernels are checked against.
func compactToBig(compact uint32) *big.Int {
	exponent := compact >> 24
	mantissa := compact & 0x007fffff
	if compact&0x00800000 != 0 {
		mantissa = 0
	}
	result := new(big.Int).SetUint64(uint64(mantissa))
	if exponent <= 3 {
		result.Rsh(result, uint(8*(3-exponent)))
	} else {
		result.Lsh(result, uint(8*(exponent-3)))
	}
	return result
}

// CheckProofOfStake computes the kernel hash proof for candidateTime and
// reports whether it meets the scaled target. Grounded on DIVI's
// ProofOfStakeCalculator::computeProofOfStakeAndCheckItMeetsTarget: the
// coin-age weight is min(candidateTime - confirmTime, MaxStakeAge); the
// target is coinAgeTarget * (value * weight / coinUnit / 400); overflow in
// that scaling (only reachable with near-zero real difficulty, e.g.
// regtest) means "always passes".
func CheckProofOfStake(in KernelInput, candidateTime uint32, coinUnit uint64) (proof types.Hash, ok bool) {
	confirmTime := uint32(in.ConfirmationTime)
	proof = stakeHash(in.StakeModifier, confirmTime, in.Prevout, candidateTime)

	weight := int64(candidateTime) - int64(confirmTime)
	if weight < 0 {
		weight = 0
	}
	if weight > MaxStakeAge {
		weight = MaxStakeAge
	}

	coinAgeTarget := compactToBig(in.CompactTarget)
	coinAgeWeight := new(big.Int).SetUint64(in.Value)
	coinAgeWeight.Mul(coinAgeWeight, big.NewInt(weight))
	if coinUnit == 0 {
		coinUnit = 1
	}
	coinAgeWeight.Div(coinAgeWeight, new(big.Int).SetUint64(coinUnit))
	coinAgeWeight.Div(coinAgeWeight, big.NewInt(targetDivisor))

	target := new(big.Int).Mul(coinAgeTarget, coinAgeWeight)

	maxUint256 := new(big.Int).Lsh(big.NewInt(1), 256)
	if target.Cmp(maxUint256) >= 0 {
		// Scaling overflowed a 256-bit target: always passes (matches
		// DIVI's behavior under minimal regtest difficulty).
		return proof, true
	}

	proofInt := new(big.Int).SetBytes(reverseBytes(proof[:]))
	return proof, proofInt.Cmp(target) < 0
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// CheckCoinstakeTimestamp enforces that the coinstake transaction's
// timestamp and the block's timestamp agree. DIVI ties both to the same
// granularity; here the block timestamp and candidate (kernel) time must
// be identical — the coinstake carries no separate timestamp field in
// this module's transaction format, so the check reduces to verifying
// the caller passed the same value for both.
func CheckCoinstakeTimestamp(blockTime, candidateTime uint64) bool {
	return blockTime == candidateTime
}

// KernelKeyOwner resolves the public key that owns a kernel output's
// script, used to verify the block signature per spec §4.C ("a valid
// block signature over the header, produced by the key that owns the
// kernel output's script").
type KernelKeyOwner interface {
	OwnerPubKey(out types.Outpoint) ([]byte, error)
}

// PoS is the Proof-of-Stake consensus engine. It does not itself own a
// UTXO view; callers supply the kernel input and key owner per check,
// matching the teacher's PoA/PoW engines which also take their
// validator/difficulty context as explicit parameters rather than
// reaching into global chain state.
type PoS struct {
	mu              sync.Mutex
	modifierService *StakeModifierService
	coinUnit        uint64
	minStakeAmount  uint64
	signer          crypto.Signer
}

// NewPoS creates a PoS engine. coinUnit is the base-unit scale of one
// coin (config.Coin in the ambient config package); minStakeAmount
// overrides MinStakeAmount when non-zero.
func NewPoS(modifierService *StakeModifierService, coinUnit uint64, minStakeAmount uint64) *PoS {
	if minStakeAmount == 0 {
		minStakeAmount = MinStakeAmount
	}
	return &PoS{
		modifierService: modifierService,
		coinUnit:        coinUnit,
		minStakeAmount:  minStakeAmount,
	}
}

// SetSigner installs the key used to produce block signatures when
// staking locally.
func (p *PoS) SetSigner(s crypto.Signer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signer = s
}

// VerifyKernel checks that in meets the stake target at header's
// timestamp and that header carries a valid signature from the owner of
// the kernel output. It is kept apart from PoS's consensus.Engine methods
// (VerifyHeader/Prepare/Seal below) because kernel checks need the kernel
// input resolved by the caller (chain tip manager) from
// the coinstake transaction and the coin view — see
// internal/chain/processor.go's validateBlockState for the wiring.
func (p *PoS) VerifyKernel(header *block.Header, in KernelInput, owner KernelKeyOwner) error {
	if in.Value < p.minStakeAmount {
		return fmt.Errorf("stake amount %d below minimum %d", in.Value, p.minStakeAmount)
	}

	candidateTime := uint32(header.Timestamp)
	_, passed := CheckProofOfStake(in, candidateTime, p.coinUnit)
	if !passed {
		return fmt.Errorf("kernel hash proof does not meet target")
	}

	if !CheckCoinstakeTimestamp(header.Timestamp, uint64(candidateTime)) {
		return fmt.Errorf("coinstake timestamp mismatch")
	}

	if len(header.ValidatorSig) == 0 {
		return fmt.Errorf("missing block signature")
	}
	pubKey, err := owner.OwnerPubKey(in.Prevout)
	if err != nil {
		return fmt.Errorf("resolve kernel owner: %w", err)
	}
	headerHash := header.Hash()
	if !crypto.VerifySignature(headerHash[:], header.ValidatorSig, pubKey) {
		return fmt.Errorf("invalid block signature over kernel owner key")
	}
	return nil
}

// sealHeader signs header with the installed signer, matching the
// teacher's PoA.Seal signature-production style.
func (p *PoS) sealHeader(header *block.Header) error {
	p.mu.Lock()
	signer := p.signer
	p.mu.Unlock()
	if signer == nil {
		return fmt.Errorf("no signer configured")
	}
	hash := header.Hash()
	sig, err := signer.Sign(hash[:])
	if err != nil {
		return fmt.Errorf("sign header: %w", err)
	}
	header.ValidatorSig = sig
	return nil
}

// VerifyHeader satisfies consensus.Engine so *PoS can be installed as
// a chain's engine like PoA/PoW. It only checks that a signature is
// present; the kernel hash-proof and stake-modifier checks require the
// coinstake's UTXO context, which Engine's interface has no room to
// pass — those run separately via VerifyKernel, wired in by
// internal/chain/processor.go's validateBlockState (see that file's
// PoS branch for why this split exists).
func (p *PoS) VerifyHeader(header *block.Header) error {
	if len(header.ValidatorSig) == 0 {
		return fmt.Errorf("missing block signature")
	}
	return nil
}

// Prepare is a no-op for PoS: there is no difficulty retarget loop like
// PoW's, and the modifier/target fields are resolved by the caller from
// chain-index context (see StakeModifierService) rather than stamped
// onto the header here.
func (p *PoS) Prepare(header *block.Header) error { return nil }

// Seal signs blk's header, satisfying consensus.Engine.
func (p *PoS) Seal(blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}
	return p.sealHeader(blk.Header)
}
