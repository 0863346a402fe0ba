package assembly

import (
	"errors"
	"fmt"

	"github.com/bitroll/execnode/ids"
)

// ErrCannotBuildGenesis reports that Build was called with a null parent
// commitment; genesis is produced by a separate initializer, not block
// assembly.
var ErrCannotBuildGenesis = errors.New("assembly: cannot build genesis through block assembly")

// MissingParentBlockError reports that the parent block referenced by a
// generation config could not be fetched from storage.
type MissingParentBlockError struct{ Parent ids.BlockId }

func (e *MissingParentBlockError) Error() string {
	return fmt.Sprintf("assembly: missing parent block %s", e.Parent)
}

// MissingParentStateError reports that no state has been computed for the
// parent commitment.
type MissingParentStateError struct{ Commitment ids.BlockCommitment }

func (e *MissingParentStateError) Error() string {
	return fmt.Sprintf("assembly: missing parent state at %s", e.Commitment)
}

// InvalidAccumulatorClaimError wraps a malformed accumulator claim that
// is neither a clean leaf-not-found nor a clean hash-mismatch (e.g. a
// proof count mismatch against the number of claimed references).
type InvalidAccumulatorClaimError struct{ Detail string }

func (e *InvalidAccumulatorClaimError) Error() string {
	return fmt.Sprintf("assembly: invalid accumulator claim: %s", e.Detail)
}

// L1HeaderHashMismatchError reports that a snark update's claimed L1
// header hash does not match the ASM accumulator's recorded leaf.
type L1HeaderHashMismatchError struct{ LeafIndex uint64 }

func (e *L1HeaderHashMismatchError) Error() string {
	return fmt.Sprintf("assembly: l1 header hash mismatch at leaf %d", e.LeafIndex)
}

// L1HeaderLeafNotFoundError reports that a snark update claims an L1
// header leaf index the ASM accumulator has never recorded.
type L1HeaderLeafNotFoundError struct{ LeafIndex uint64 }

func (e *L1HeaderLeafNotFoundError) Error() string {
	return fmt.Sprintf("assembly: l1 header leaf %d not found", e.LeafIndex)
}

// InboxLeafNotFoundError reports a claimed inbox-message leaf index the
// account's inbox accumulator has never recorded.
type InboxLeafNotFoundError struct {
	Account   ids.AccountId
	LeafIndex uint64
}

func (e *InboxLeafNotFoundError) Error() string {
	return fmt.Sprintf("assembly: inbox leaf %d not found for account %s", e.LeafIndex, e.Account)
}

// InboxEntryHashMismatchError reports that a claimed inbox message's hash
// does not match the account's accumulator at that leaf index.
type InboxEntryHashMismatchError struct {
	Account   ids.AccountId
	LeafIndex uint64
}

func (e *InboxEntryHashMismatchError) Error() string {
	return fmt.Sprintf("assembly: inbox entry hash mismatch for account %s at leaf %d", e.Account, e.LeafIndex)
}

// AccountNotFoundError reports that a transaction targets an account the
// working state has no record of.
type AccountNotFoundError struct{ Account ids.AccountId }

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("assembly: account not found: %s", e.Account)
}

// TimestampTooEarlyError reports that a fixed or wall-clock timestamp did
// not advance past the parent block's.
type TimestampTooEarlyError struct{ Timestamp, ParentTimestamp uint64 }

func (e *TimestampTooEarlyError) Error() string {
	return fmt.Sprintf("assembly: timestamp %d not after parent timestamp %d", e.Timestamp, e.ParentTimestamp)
}

// isPermanentlyInvalid reports whether err classifies as a permanent
// transaction invalidation (reported to the mempool as Invalid) versus a
// transient failure (Failed): accumulator-claim and account-lookup
// failures are permanent, since they can never resolve by retrying the
// same mempool entry unchanged.
func isPermanentlyInvalid(err error) bool {
	switch {
	case errors.As(err, new(*InvalidAccumulatorClaimError)),
		errors.As(err, new(*L1HeaderHashMismatchError)),
		errors.As(err, new(*L1HeaderLeafNotFoundError)),
		errors.As(err, new(*InboxLeafNotFoundError)),
		errors.As(err, new(*InboxEntryHashMismatchError)),
		errors.As(err, new(*AccountNotFoundError)):
		return true
	default:
		return false
	}
}
