package consensus

import (
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ThresholdState is the per-deployment state machine value, grounded on
// DIVI's BIP9-style ThresholdState (src/consensus/params.h equivalent:
// BIP9ActivationManager / CachedBIP9ActivationStateTracker).
type ThresholdState int

const (
	ThresholdDefined ThresholdState = iota
	ThresholdStarted
	ThresholdLockedIn
	ThresholdActive
	ThresholdFailed
)

func (s ThresholdState) String() string {
	switch s {
	case ThresholdDefined:
		return "defined"
	case ThresholdStarted:
		return "started"
	case ThresholdLockedIn:
		return "locked_in"
	case ThresholdActive:
		return "active"
	case ThresholdFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MaxSimultaneousDeployments bounds how many deployments may be tracked
// at once — one bit per deployment within a 29-bit usable version field,
// matching DIVI's BIP9ActivationManager::MAXIMUM_SIMULTANEOUS_DEPLOYMENTS.
const MaxSimultaneousDeployments = 29

// Deployment describes one BIP9-style signalled feature.
type Deployment struct {
	Name      string
	Bit       uint8 // 0..28
	StartTime uint64
	Timeout   uint64
	Period    uint64 // number of blocks per signalling period.
	Threshold uint64 // blocks-with-bit-set required within a period to lock in.
}

// DeploymentBlock is the minimal view of a block a deployment tracker
// needs: height, version (bit-signalling field), and median-time-past.
// Kept narrow and independent of the chain-index package, the same way
// ModifierSource decouples the PoS kernel from it.
type DeploymentBlock interface {
	Height() uint64
	Version() uint32
	MedianTimePast() uint64
	Parent() DeploymentBlock // nil at genesis
}

// periodBoundary walks back from b to the most recent block that closes a
// period, i.e. whose height+1 is a multiple of period (its "period
// boundary"), inclusive.
func periodBoundary(b DeploymentBlock, period uint64) DeploymentBlock {
	if period == 0 {
		return b
	}
	for b != nil && (b.Height()+1)%period != 0 {
		b = b.Parent()
	}
	return b
}

// Tracker computes and caches ThresholdState per period-boundary block
// for a single deployment. Grounded on DIVI's
// CachedBIP9ActivationStateTracker: the cache keys on the boundary block
// hash so the function stays pure in the ancestor chain and is safe to
// share across forks.
type Tracker struct {
	mu    sync.Mutex
	dep   Deployment
	cache map[types.Hash]ThresholdState
	hash  func(DeploymentBlock) types.Hash
}

// NewTracker creates a tracker for dep. hashOf extracts a stable
// identity hash from a DeploymentBlock for cache keying; callers
// typically pass the block header hash.
func NewTracker(dep Deployment, hashOf func(DeploymentBlock) types.Hash) *Tracker {
	return &Tracker{
		dep:   dep,
		cache: make(map[types.Hash]ThresholdState),
		hash:  hashOf,
	}
}

// StateAt returns the ThresholdState for the deployment as observed at
// block b (not necessarily a period boundary — the lookup walks back to
// the preceding boundary and consults/fills the cache).
//
// Transition rule (DIVI BIP9ActivationManager / CachedBIP9ActivationStateTracker):
//   - below dep.StartTime (measured at the boundary's median-time-past): DEFINED.
//   - DEFINED -> STARTED once medianTimePast(boundary) >= StartTime.
//   - STARTED -> LOCKED_IN when >= Threshold of the PRIOR period's blocks
//     signalled the bit; STARTED -> FAILED if medianTimePast(boundary) >= Timeout
//     and it didn't lock in.
//   - LOCKED_IN -> ACTIVE unconditionally after one full period.
//   - ACTIVE and FAILED are terminal.
func (t *Tracker) StateAt(b DeploymentBlock) (ThresholdState, error) {
	if b == nil {
		return ThresholdDefined, nil
	}
	if t.dep.Period == 0 {
		return ThresholdDefined, fmt.Errorf("deployment %s: zero period", t.dep.Name)
	}

	boundary := periodBoundary(b, t.dep.Period)

	// Walk the chain of boundaries from genesis-ward up to `boundary`,
	// building the list of ancestor boundaries we need states for, then
	// fold forward — mirrors the cache-fill-on-miss walk in
	// CachedBIP9ActivationStateTracker::computeStateTransition, but done
	// iteratively rather than recursively.
	var chain []DeploymentBlock
	cur := boundary
	for cur != nil {
		key := t.hash(cur)
		t.mu.Lock()
		_, cached := t.cache[key]
		t.mu.Unlock()
		if cached {
			break
		}
		chain = append(chain, cur)
		prevBoundary := periodBoundary(stepBack(cur, t.dep.Period), t.dep.Period)
		if prevBoundary == cur || prevBoundary == nil {
			cur = nil
			break
		}
		cur = prevBoundary
	}

	// Fold from the oldest uncached boundary forward.
	state := ThresholdDefined
	if cur != nil {
		t.mu.Lock()
		state = t.cache[t.hash(cur)]
		t.mu.Unlock()
	}
	for i := len(chain) - 1; i >= 0; i-- {
		boundaryBlock := chain[i]
		prevBoundary := periodBoundary(stepBack(boundaryBlock, t.dep.Period), t.dep.Period)
		state = t.advance(state, prevBoundary, boundaryBlock)
		t.mu.Lock()
		t.cache[t.hash(boundaryBlock)] = state
		t.mu.Unlock()
	}

	return state, nil
}

// stepBack returns the block `period` heights below b — one full period
// earlier — by walking exactly `period` Parent() links (nil if the chain
// runs out first).
func stepBack(b DeploymentBlock, period uint64) DeploymentBlock {
	if b == nil {
		return nil
	}
	for i := uint64(0); i < period && b != nil; i++ {
		b = b.Parent()
	}
	return b
}

// advance computes the state at `boundary` given the state at the
// preceding boundary `prev` (nil if none exists, i.e. boundary is the
// first period).
func (t *Tracker) advance(prevState ThresholdState, prev, boundary DeploymentBlock) ThresholdState {
	switch prevState {
	case ThresholdActive, ThresholdFailed:
		return prevState
	case ThresholdDefined:
		mtp := boundary.MedianTimePast()
		if mtp >= t.dep.Timeout && t.dep.Timeout != 0 {
			return ThresholdFailed
		}
		if mtp >= t.dep.StartTime {
			return ThresholdStarted
		}
		return ThresholdDefined
	case ThresholdStarted:
		mtp := boundary.MedianTimePast()
		if t.countSignalsInPeriodEnding(prev, boundary) >= t.dep.Threshold {
			return ThresholdLockedIn
		}
		if mtp >= t.dep.Timeout && t.dep.Timeout != 0 {
			return ThresholdFailed
		}
		return ThresholdStarted
	case ThresholdLockedIn:
		return ThresholdActive
	default:
		return ThresholdDefined
	}
}

// countSignalsInPeriodEnding counts, over the nPeriod blocks ending at and
// including boundary, how many blocks had dep.Bit set in their version —
// matching BIP9's window, which counts the period-boundary block itself
// rather than stopping one block short of it.
func (t *Tracker) countSignalsInPeriodEnding(periodStart, boundary DeploymentBlock) uint64 {
	var count uint64
	cur := boundary
	floor := uint64(0)
	if periodStart != nil {
		floor = periodStart.Height()
	}
	for cur != nil && cur.Height() > floor {
		if cur.Version()&(1<<t.dep.Bit) != 0 {
			count++
		}
		cur = cur.Parent()
	}
	return count
}

// Manager tracks multiple deployments simultaneously, grounded on DIVI's
// BIP9ActivationManager (name -> tracker registry, bit-use bookkeeping to
// reject overlapping bits).
type Manager struct {
	mu        sync.Mutex
	trackers  map[string]*Tracker
	bitsInUse uint32
	hashOf    func(DeploymentBlock) types.Hash
}

// NewManager creates an empty deployment manager. hashOf is shared by
// every tracker added via AddDeployment.
func NewManager(hashOf func(DeploymentBlock) types.Hash) *Manager {
	return &Manager{
		trackers: make(map[string]*Tracker),
		hashOf:   hashOf,
	}
}

// AddDeployment registers a new deployment. Returns an error if the bit
// is already in use by another active deployment, or the manager already
// tracks MaxSimultaneousDeployments.
func (m *Manager) AddDeployment(dep Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dep.Bit >= MaxSimultaneousDeployments {
		return fmt.Errorf("deployment %s: bit %d exceeds max %d", dep.Name, dep.Bit, MaxSimultaneousDeployments)
	}
	if len(m.trackers) >= MaxSimultaneousDeployments {
		return fmt.Errorf("deployment %s: manager already tracks %d deployments", dep.Name, MaxSimultaneousDeployments)
	}
	mask := uint32(1) << dep.Bit
	if m.bitsInUse&mask != 0 {
		return fmt.Errorf("deployment %s: bit %d already in use", dep.Name, dep.Bit)
	}
	m.bitsInUse |= mask
	m.trackers[dep.Name] = NewTracker(dep, m.hashOf)
	return nil
}

// IsActive reports whether the named deployment is ACTIVE at b.
func (m *Manager) IsActive(name string, b DeploymentBlock) (bool, error) {
	state, err := m.StateOf(name, b)
	if err != nil {
		return false, err
	}
	return state == ThresholdActive, nil
}

// StateOf returns the ThresholdState of the named deployment at b.
func (m *Manager) StateOf(name string, b DeploymentBlock) (ThresholdState, error) {
	m.mu.Lock()
	tr, ok := m.trackers[name]
	m.mu.Unlock()
	if !ok {
		return ThresholdDefined, fmt.Errorf("unknown deployment %q", name)
	}
	return tr.StateAt(b)
}

// HardenedStakeModifier is the well-known deployment name the PoS kernel
// (pos.go) consults via StakeModifierService to decide whether to use the
// hardened (tip-scan) or legacy (forward-selection) modifier algorithm.
const HardenedStakeModifier = "hardened_stake_modifier"
