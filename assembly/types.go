package assembly

import (
	"fmt"

	"github.com/bitroll/execnode/chainworker"
	"github.com/bitroll/execnode/execblock"
	"github.com/bitroll/execnode/ids"
	"github.com/bitroll/execnode/mempool"
	"github.com/bitroll/execnode/mmr"
)

// Transaction is a mempool entry resolved into its canonical block form:
// for snark updates, accumulator proofs have been attached. The transaction id is unaffected by this step, since it
// hashes only (payload, attachment).
type Transaction struct {
	TxId    ids.TxId
	Generic *mempool.GenericAccountMessage `rlp:"nil"` // nil means a snark update
	Snark   *SnarkAccountUpdate            `rlp:"nil"` // nil means a generic message
}

// SnarkAccountUpdate is a snark account update with accumulator proofs
// attached, ready for execution and inclusion in a sealed block body.
type SnarkAccountUpdate struct {
	Target         ids.AccountId
	BaseUpdate     mempool.SnarkUpdate
	InboxProofs    []mmr.Proof
	L1HeaderProofs []mmr.Proof
}

// L1Manifest is one ASM-produced record of a verified L1 block, folded
// into state by the manifest-STF on a terminal block.
type L1Manifest struct {
	Height uint64
	L1Hash ids.L1BlockId
	Raw    []byte
}

// ManifestSource fetches L1 manifests from the anchor-state machine (out
// of scope; specified only at this interface).
type ManifestSource interface {
	ManifestsFrom(height uint64) ([]L1Manifest, error)
}

// ExecErrorKind classifies a staged transaction's execution failure.
type ExecErrorKind int

const (
	// ExecFailed is transient: the entry is left in the mempool and may
	// succeed in a future block.
	ExecFailed ExecErrorKind = iota
	// ExecInvalid is permanent: the transaction can never succeed and is
	// cascade-removed from the mempool.
	ExecInvalid
)

// ExecError is returned by WorkingBatch.ApplyTx; the state-transition
// collaborator (the snark-account predicate evaluator, out of scope)
// classifies its own failures into Kind.
type ExecError struct {
	Kind ExecErrorKind
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("assembly: tx exec failed (kind %d): %v", e.Kind, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Executor begins staged execution for a new block atop a parent state.
// It is the out-of-scope state-transition collaborator's entry point.
type Executor interface {
	BeginBlock(parent chainworker.State, slot uint64, epoch uint32, isEpochInitial bool) (WorkingBatch, error)
}

// WorkingBatch is the staged, snapshot/rollback-capable write-batch a
// block is assembled against.
type WorkingBatch interface {
	// Snapshot returns an opaque restore point taken before a transaction
	// is applied.
	Snapshot() any
	// Restore rewinds to a previously taken snapshot, discarding any
	// mutation or logs recorded since.
	Restore(snapshot any)
	// ApplyTx executes tx against the batch. A non-nil error that is not
	// an *ExecError is treated as an I/O failure and fails assembly
	// outright.
	ApplyTx(tx Transaction) error
	// ApplyManifests folds a terminal block's L1 manifests into the
	// batch, advancing the epoch.
	ApplyManifests(manifests []L1Manifest) error
	// Seal computes the post-state root and the logs root over every
	// transaction's emitted logs.
	Seal() (postStateRoot, logsRoot ids.Hash, err error)
}

// Signer seals the assembled block header; the out-of-scope bridge/sequencer credential holder.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
}

// BlockGenerationConfig is Build's input.
type BlockGenerationConfig struct {
	// Parent must be non-null; genesis is produced by a separate
	// initializer.
	Parent ids.BlockCommitment
	// Timestamp, if non-nil, fixes the block's timestamp instead of
	// using wall-clock time (useful for deterministic devnets/tests).
	Timestamp *uint64
	// Anchor is this block's claim about the L1 anchor state at
	// production time.
	Anchor ids.L1BlockId
	// MaxTxs bounds how many mempool entries are pulled per block; zero
	// uses a built-in default.
	MaxTxs int
}

// Result is Build's successful output.
type Result struct {
	Record    execblock.Record
	Payload   []byte
	FailedTxs []mempool.Feedback
}
