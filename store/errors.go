package store

import (
	"errors"
	"fmt"

	"github.com/bitroll/execnode/ids"
)

// Sentinel errors for the block store's operation-level contract.
var (
	ErrEmpty                 = errors.New("store: finalized chain is empty")
	ErrGenesisMismatch       = errors.New("store: genesis hash mismatch")
	ErrCannotDeleteFinalized = errors.New("store: cannot delete a finalized block")
)

// MissingError reports that id referenced an entity store has no record of.
type MissingError struct {
	Entity string
	ID     ids.Hash
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("store: missing %s %s", e.Entity, e.ID)
}

// ParentMismatchError reports that extend_finalized_chain's candidate block
// does not chain onto the current finalized tip.
type ParentMismatchError struct {
	Expected, Found ids.BlockId
}

func (e *ParentMismatchError) Error() string {
	return fmt.Sprintf("store: parent mismatch: expected %s, found %s", e.Expected, e.Found)
}

// txnAbort is the family of errors raised when a compound mutation's
// preconditions no longer hold once re-checked inside the transactional
// retry loop. They are retried by
// withRetry up to the configured bound; every other error aborts the
// operation immediately.
type txnAbort struct {
	kind string
	msg  string
}

func (e *txnAbort) Error() string { return fmt.Sprintf("store: %s: %s", e.kind, e.msg) }

func errTxnExpectFinalized(msg string) error { return &txnAbort{"TxnExpectFinalized", msg} }
func errTxnExpectEmpty(msg string) error     { return &txnAbort{"TxnExpectEmpty", msg} }
func errTxnFilled(msg string) error          { return &txnAbort{"TxnFilled", msg} }

func isTxnAbort(err error) bool {
	var a *txnAbort
	return errors.As(err, &a)
}
