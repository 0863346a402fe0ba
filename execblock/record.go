// Package execblock defines the execution-layer block metadata persisted by
// the block store and produced by block assembly.
package execblock

import (
	"github.com/bitroll/execnode/ids"
)

// Record captures the ordered metadata needed for fork choice and state
// lookup. The opaque payload consumed by the downstream execution engine is
// stored separately, keyed by the same Blockhash.
type Record struct {
	// Blocknum is the block's height. Invariant: equals the parent's
	// Blocknum+1, except at genesis where Blocknum == 0.
	Blocknum uint64

	// ParentBlockhash references a stored block, or is the zero value at
	// genesis.
	ParentBlockhash ids.BlockId

	// Blockhash uniquely identifies this block; it doubles as the record's
	// storage key.
	Blockhash ids.BlockId

	// AnchorCommitment is this block's claim about the L1 anchor state at
	// the time it was produced.
	AnchorCommitment ids.L1BlockId

	// TimestampMicros is the block's wall-clock or configured timestamp, in
	// microseconds.
	TimestampMicros uint64

	// PostStateRoot is the post-state commitment for the account targeted
	// by this block, after applying it.
	PostStateRoot ids.Hash

	// Epoch is the epoch this block belongs to.
	Epoch uint32

	// Terminal marks this block as the last block of its epoch; such
	// blocks carry a manifest container produced by block assembly.
	Terminal bool

	// LogsRoot commits to the per-transaction logs collected during block
	// assembly.
	LogsRoot ids.Hash

	// Signature is the Schnorr signature block assembly seals the header
	// with, checked by the fork-choice manager's credential-check step
	// before a non-genesis block is attached. Empty for genesis.
	Signature []byte
}

// IsGenesis reports whether r is the conventional genesis block: height
// zero with a null parent.
func (r Record) IsGenesis() bool {
	return r.Blocknum == 0 && r.ParentBlockhash.IsZero()
}

// Commitment projects the record onto the (slot, blkid) pair used by fork
// choice; slot and block height coincide in this core.
func (r Record) Commitment() ids.BlockCommitment {
	return ids.BlockCommitment{Slot: r.Blocknum, Blkid: r.Blockhash}
}

// SigningMessage is the byte string the block producer's Schnorr signature
// is computed over and the fork-choice manager's credential check verifies
// against: the block's own content hash.
func (r Record) SigningMessage() []byte {
	return r.Blockhash.Bytes()
}

// Payload is the opaque byte string consumed by the downstream execution
// engine. It is stored separately from Record but keyed by the same
// Blockhash.
type Payload []byte
