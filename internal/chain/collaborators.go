package chain

import (
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// The interfaces below are the narrow seams this package consumes from
// subsystems spec.md treats as external collaborators (P2P relay,
// mempool, masternode broadcast, wallet/RPC notification, and process
// lifecycle) — the chain-state core never imports those packages
// directly, only these shapes, matching the existing handler-callback
// pattern already used by RegistrationHandler/StakeHandler/etc. in
// chain.go.

// MempoolSink receives transactions that fall out of the active chain
// during a reorg (generalizes the existing RevertedTxHandler callback
// into a named collaborator interface for components that want to hold
// onto a reference rather than a bare func value).
type MempoolSink interface {
	ReturnTransactions(txs []*tx.Transaction)
}

// SporkOracle answers whether a named feature-flag ("spork") is
// currently active, for runtime-togglable consensus behavior that
// predates or sits alongside the BIP9-style deployment tracker
// (component I) — sporks are centrally toggled, deployments are
// signalled, and this module only needs to consult, never set, either.
type SporkOracle interface {
	IsActive(name string) bool
}

// MasternodePaymentsOracle tells the subsidy/superblock policy
// (component J) which script a given height's masternode payment must
// pay, and how much, so validateBlockState can check a coinbase/
// coinstake payout against it without this package knowing anything
// about masternode selection itself.
type MasternodePaymentsOracle interface {
	ExpectedPayee(height uint64) (types.Script, uint64, bool)
}

// ShutdownSignal lets a long-running operation (e.g. RebuildUTXOs'
// replay loop, or a future full-chain reindex) check whether the process
// is being asked to stop, rather than running one to completion.
type ShutdownSignal interface {
	ShuttingDown() bool
}

// NotificationBus is the sink for externally visible chain-state events
// (new tip, reorg, deployment state change) — a generalization of the
// individual Set*Handler callbacks already on Chain, for subsystems that
// want a single registration point instead of five.
type NotificationBus interface {
	NotifyTip(hash types.Hash, height uint64)
	NotifyReorg(fromHash, toHash types.Hash, commonAncestorHeight uint64)
}

// PeerBlockNotifier is consulted by the block-download scheduler's
// caller to announce newly connected block hashes to peers — it lives
// here only as the seam DownloadScheduler's caller is expected to
// implement; DownloadScheduler itself never calls it.
type PeerBlockNotifier interface {
	AnnounceBlock(hash types.Hash)
}
