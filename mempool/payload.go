package mempool

import "github.com/bitroll/execnode/ids"

// GenericAccountMessage is the mempool-form payload for a FIFO-ordered
// generic account message.
type GenericAccountMessage struct {
	Target  ids.AccountId
	Payload []byte
}

// LedgerRef is an L1 header claim carried by a snark update, referencing a
// Bitcoin block the update's proof was generated against.
type LedgerRef struct {
	L1Blkid ids.L1BlockId
	Height  uint64
}

// InboxEntryRef references a processed inbox message by its leaf index in
// the target account's inbox MMR.
type InboxEntryRef struct {
	LeafIndex uint64
	LeafHash  ids.Hash
}

// OutputMessage is a message or transfer emitted by a snark update.
type OutputMessage struct {
	Dest ids.AccountId
	Body []byte
}

// SnarkUpdate is the base update carried by a snark account transaction
// before block assembly attaches MMR proofs.
type SnarkUpdate struct {
	SeqNo          uint64
	NewProofState  ids.Hash
	ProcessedInbox []InboxEntryRef
	LedgerRefs     []LedgerRef
	OutputMessages []OutputMessage
	ExtraData      []byte
}

// SnarkAccountUpdateNoProofs is the mempool-form payload for a snark
// account update, with accumulator proofs excluded: those are generated
// only at block-assembly time.
type SnarkAccountUpdateNoProofs struct {
	Target     ids.AccountId
	BaseUpdate SnarkUpdate
}
