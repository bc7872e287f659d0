package chain

import (
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// PeerID identifies a download source. It is a plain string rather than
// a libp2p peer.ID so this package (the in-scope chain-state core) does
// not depend on the P2P transport layer, which spec.md treats as an
// out-of-scope external collaborator — the p2p package is expected to
// convert its own peer.ID to a PeerID at the boundary.
type PeerID string

// inflightRequest is one outstanding block-body request, grounded on
// spec §4.H's per-peer state: "list of inflight requests (block hash,
// request time, whether headers were validated at request time, count
// of previously-queued validated headers)".
type inflightRequest struct {
	hash           types.Hash
	requestedAt    time.Time
	headerVerified bool
	queuedHeaders  int
}

type peerState struct {
	inflight       []*inflightRequest
	stallSince     time.Time
	preferred      bool
	validatedQueue int
}

// DownloadScheduler tracks per-peer inflight block requests, detects
// stalls and timeouts, and supports work redistribution on peer
// disconnect. Grounded on internal/p2p/banmanager.go's per-peer map +
// RWMutex style; this is new construction (the teacher has no equivalent
// scheduler) since the p2p package's sync.go/heightreq.go only implement
// the wire protocol, not inflight bookkeeping.
type DownloadScheduler struct {
	mu sync.RWMutex

	peers map[PeerID]*peerState
	owner map[types.Hash]ownerEntry // hash -> (peer, index into that peer's inflight slice)

	perPeerMax int

	totalInflight       int
	totalValidatedQueue int
}

type ownerEntry struct {
	peer PeerID
	idx  int
}

// DefaultPerPeerWindow is the default maximum number of simultaneous
// inflight requests per peer.
const DefaultPerPeerWindow = 16

// NewDownloadScheduler creates a scheduler allowing perPeerMax
// simultaneous inflight requests per peer (DefaultPerPeerWindow if <= 0).
func NewDownloadScheduler(perPeerMax int) *DownloadScheduler {
	if perPeerMax <= 0 {
		perPeerMax = DefaultPerPeerWindow
	}
	return &DownloadScheduler{
		peers:      make(map[PeerID]*peerState),
		owner:      make(map[types.Hash]ownerEntry),
		perPeerMax: perPeerMax,
	}
}

// ErrPeerWindowFull is returned by MarkInflight when the peer already has
// perPeerMax requests outstanding.
type ErrPeerWindowFull struct {
	Peer PeerID
	Max  int
}

func (e *ErrPeerWindowFull) Error() string {
	return "download scheduler: peer window full"
}

// MarkInflight records a new inflight request to peer for hash.
// headerVerified and queuedHeaders mirror the per-request fields spec
// §4.H names; enforces the per-peer window.
func (s *DownloadScheduler) MarkInflight(peer PeerID, hash types.Hash, headerVerified bool, queuedHeaders int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.peers[peer]
	if !ok {
		ps = &peerState{}
		s.peers[peer] = ps
	}
	if len(ps.inflight) >= s.perPeerMax {
		return &ErrPeerWindowFull{Peer: peer, Max: s.perPeerMax}
	}

	req := &inflightRequest{hash: hash, requestedAt: time.Now(), headerVerified: headerVerified, queuedHeaders: queuedHeaders}
	ps.inflight = append(ps.inflight, req)
	s.owner[hash] = ownerEntry{peer: peer, idx: len(ps.inflight) - 1}

	s.totalInflight++
	if headerVerified {
		ps.validatedQueue += queuedHeaders
		s.totalValidatedQueue += queuedHeaders
	}
	return nil
}

// MarkReceived removes hash from both the peer and global maps and
// clears any stall marker for its peer (progress was made).
func (s *DownloadScheduler) MarkReceived(hash types.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(hash)
}

func (s *DownloadScheduler) removeLocked(hash types.Hash) {
	owner, ok := s.owner[hash]
	if !ok {
		return
	}
	delete(s.owner, hash)

	ps, ok := s.peers[owner.peer]
	if !ok {
		return
	}
	for i, req := range ps.inflight {
		if req.hash == hash {
			if req.headerVerified {
				ps.validatedQueue -= req.queuedHeaders
				s.totalValidatedQueue -= req.queuedHeaders
			}
			ps.inflight = append(ps.inflight[:i], ps.inflight[i+1:]...)
			s.totalInflight--
			break
		}
	}
	ps.stallSince = time.Time{}

	// Re-index owner entries for the peer's remaining requests, since
	// their slice positions shifted.
	for i, req := range ps.inflight {
		s.owner[req.hash] = ownerEntry{peer: owner.peer, idx: i}
	}
}

// Stalled reports whether peer has been the unique source of a
// still-missing block for more than window since last progress, per
// spec §4.H.
func (s *DownloadScheduler) Stalled(peer PeerID, now time.Time, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.peers[peer]
	if !ok || len(ps.inflight) == 0 {
		return false
	}

	if ps.stallSince.IsZero() {
		ps.stallSince = now
		return false
	}
	return now.Sub(ps.stallSince) > window
}

// Default timeout tuning, grounded on the classic "base + per-header
// delay" block-timeout formula spec §4.H names.
const (
	DefaultBlockTimeoutBase = 20 * time.Second
	DefaultPerHeaderDelay   = 500 * time.Millisecond
)

// TimedOut reports whether peer's oldest inflight request is older than
// blockTimeoutBase + perHeaderDelay*queuedValidatedHeaders, per spec §4.H.
func (s *DownloadScheduler) TimedOut(peer PeerID, now time.Time, blockTimeoutBase, perHeaderDelay time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ps, ok := s.peers[peer]
	if !ok || len(ps.inflight) == 0 {
		return false
	}

	oldest := ps.inflight[0]
	for _, req := range ps.inflight[1:] {
		if req.requestedAt.Before(oldest.requestedAt) {
			oldest = req
		}
	}

	deadline := blockTimeoutBase + time.Duration(ps.validatedQueue)*perHeaderDelay
	return now.Sub(oldest.requestedAt) > deadline
}

// Disconnect removes all of peer's inflight entries, making their blocks
// eligible for re-request from another source, and returns the freed
// hashes.
func (s *DownloadScheduler) Disconnect(peer PeerID) []types.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.peers[peer]
	if !ok {
		return nil
	}

	freed := make([]types.Hash, 0, len(ps.inflight))
	for _, req := range ps.inflight {
		delete(s.owner, req.hash)
		freed = append(freed, req.hash)
	}
	s.totalInflight -= len(ps.inflight)
	s.totalValidatedQueue -= ps.validatedQueue
	delete(s.peers, peer)
	return freed
}

// SetPreferred marks peer as a preferred download source (e.g. an
// outbound, non-pruning peer), used by callers to prioritize which peer
// to request from; the scheduler itself does not choose peers.
func (s *DownloadScheduler) SetPreferred(peer PeerID, preferred bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.peers[peer]
	if !ok {
		ps = &peerState{}
		s.peers[peer] = ps
	}
	ps.preferred = preferred
}

// TotalInflight returns the total number of inflight requests across all peers.
func (s *DownloadScheduler) TotalInflight() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalInflight
}

// Owner returns the peer currently responsible for hash, if any.
func (s *DownloadScheduler) Owner(hash types.Hash) (PeerID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.owner[hash]
	return o.peer, ok
}
