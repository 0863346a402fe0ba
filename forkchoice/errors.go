package forkchoice

import (
	"fmt"

	"github.com/bitroll/execnode/ids"
)

// MissingBlockError reports that a block referenced by hash could not be
// fetched from storage.
type MissingBlockError struct{ Hash ids.BlockId }

func (e *MissingBlockError) Error() string {
	return fmt.Sprintf("forkchoice: missing block %s", e.Hash)
}

// InvalidStateTsnError wraps a chain-worker state-transition failure; the
// FCM collapses it into an Invalid block marking rather than propagating
// it as fatal.
type InvalidStateTsnError struct{ Err error }

func (e *InvalidStateTsnError) Error() string {
	return fmt.Sprintf("forkchoice: invalid state transition: %v", e.Err)
}
func (e *InvalidStateTsnError) Unwrap() error { return e.Err }

// FinalizeOldEpochError reports that a pending-finalization epoch did not
// strictly advance both epoch and last_slot relative to the last finalized
// one, and was therefore logged and discarded.
type FinalizeOldEpochError struct {
	Last, Candidate ids.EpochCommitment
}

func (e *FinalizeOldEpochError) Error() string {
	return fmt.Sprintf("forkchoice: stale epoch finalization: last %s, candidate %s", e.Last, e.Candidate)
}

// BlockParentMismatchError reports that a block's parent does not match
// what the tracker or store expects.
type BlockParentMismatchError struct {
	Block, Expected, Found ids.BlockId
}

func (e *BlockParentMismatchError) Error() string {
	return fmt.Sprintf("forkchoice: block %s parent mismatch: expected %s, found %s", e.Block, e.Expected, e.Found)
}

// SkipEpochsError reports a finalization attempt that would skip epochs.
type SkipEpochsError struct{ From, To uint32 }

func (e *SkipEpochsError) Error() string {
	return fmt.Sprintf("forkchoice: finalization would skip epochs %d -> %d", e.From, e.To)
}

// SkipTooManySlotsError reports a finalization attempt whose last_slot
// advance exceeds what the tracker can reconcile.
type SkipTooManySlotsError struct{ From, To uint64 }

func (e *SkipTooManySlotsError) Error() string {
	return fmt.Sprintf("forkchoice: finalization would skip slots %d -> %d", e.From, e.To)
}

// GenesisParentNonnullError reports that a genesis block carries a non-null
// parent.
type GenesisParentNonnullError struct{ Parent ids.BlockId }

func (e *GenesisParentNonnullError) Error() string {
	return fmt.Sprintf("forkchoice: genesis block has non-null parent %s", e.Parent)
}

// GenesisCoordsNonzeroError reports that a genesis block's slot/epoch
// coordinates are not zero.
type GenesisCoordsNonzeroError struct{ Slot uint64 }

func (e *GenesisCoordsNonzeroError) Error() string {
	return fmt.Sprintf("forkchoice: genesis block has nonzero slot %d", e.Slot)
}

// ChainIntegrityError reports a tracker invariant violation: a block
// referenced a parent the tracker has never seen, or no common ancestor
// could be found within the configured depth bound.
type ChainIntegrityError struct{ Detail string }

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("forkchoice: chain integrity: %s", e.Detail)
}

// StateMissingError is the fatal (non-retryable-by-the-loop) error raised
// when a reorg/revert pivot's state cannot be found in storage.
type StateMissingError struct{ Commitment ids.BlockCommitment }

func (e *StateMissingError) Error() string {
	return fmt.Sprintf("forkchoice: state missing at pivot %s", e.Commitment)
}
