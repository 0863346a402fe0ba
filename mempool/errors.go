package mempool

import (
	"errors"
	"fmt"

	"github.com/bitroll/execnode/ids"
)

// Sentinel and structured rejection errors.
var (
	ErrMempoolFull              = errors.New("mempool: at capacity")
	ErrMempoolByteLimitExceeded = errors.New("mempool: aggregate byte cap exceeded")
	ErrTransactionTooLarge      = errors.New("mempool: transaction exceeds per-tx size limit")
	ErrAccountDoesNotExist      = errors.New("mempool: target account does not exist")
	ErrAccountTypeMismatch      = errors.New("mempool: transaction class does not match account type")
	ErrTransactionExpired       = errors.New("mempool: transaction past its max_slot")
	ErrTransactionNotMature     = errors.New("mempool: transaction before its min_slot")
	ErrSerialization            = errors.New("mempool: failed to encode transaction")
)

// UsedSequenceNumberError reports that the incoming seq_no is below the
// account's on-chain expected next sequence number.
type UsedSequenceNumberError struct {
	Expected uint64
	Actual   uint64
}

func (e *UsedSequenceNumberError) Error() string {
	return fmt.Sprintf("mempool: used sequence number: expected >= %d, got %d", e.Expected, e.Actual)
}

// SequenceNumberGapError reports that the incoming seq_no leaves a gap past
// the account's pending_max+1.
type SequenceNumberGapError struct {
	Expected uint64
	Actual   uint64
}

func (e *SequenceNumberGapError) Error() string {
	return fmt.Sprintf("mempool: sequence number gap: expected %d, got %d", e.Expected, e.Actual)
}

// InvalidReason classifies why block-assembly feedback or revalidation
// removed an entry.
type InvalidReason int

const (
	// ReasonInvalid triggers cascade removal: the transaction can never be
	// included (gap-producing, permanently invalid STF/proof error).
	ReasonInvalid InvalidReason = iota
	// ReasonFailed is transient: the entry is left in place.
	ReasonFailed
)

// Feedback is a single (txid, reason) pair relayed back from block assembly
// or chain-tip revalidation.
type Feedback struct {
	TxId   ids.TxId
	Reason InvalidReason
}
