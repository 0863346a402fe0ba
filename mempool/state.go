package mempool

import "github.com/bitroll/execnode/ids"

// StateAccessor is a read-only snapshot of the ledger state at the chain
// tip the mempool validates against.
type StateAccessor interface {
	CurSlot() uint64
	AccountExists(id ids.AccountId) bool
	// AccountClass reports whether id is a snark or generic account.
	AccountClass(id ids.AccountId) TxClass
	// ExpectedSeqNo is the account's next on-chain sequence number.
	ExpectedSeqNo(id ids.AccountId) uint64
}

// Stats tallies admission/rejection counters by reason.
type Stats struct {
	Admitted       uint64
	Duplicate      uint64
	Replaced       uint64
	RejectedFull   uint64
	RejectedSize   uint64
	RejectedSlot   uint64
	RejectedGap    uint64
	RejectedOther  uint64
	Evicted        uint64
	CascadeEvicted uint64
}
