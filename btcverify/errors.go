package btcverify

import (
	"fmt"

	"github.com/bitroll/execnode/ids"
)

// ContinuityError reports that a header's PrevBlock does not chain onto the
// last verified block.
type ContinuityError struct {
	Expected, Found ids.L1BlockId
}

func (e *ContinuityError) Error() string {
	return fmt.Sprintf("btcverify: continuity: expected prev %s, found %s", e.Expected, e.Found)
}

// PowMismatchError reports that a header's encoded bits do not match the
// expected next-block target.
type PowMismatchError struct {
	Expected, Found uint32
}

func (e *PowMismatchError) Error() string {
	return fmt.Sprintf("btcverify: pow target mismatch: expected 0x%08x, found 0x%08x", e.Expected, e.Found)
}

// PowNotMetError reports that a header's hash does not satisfy its own
// encoded target.
type PowNotMetError struct {
	BlockHash  ids.L1BlockId
	TargetBits uint32
}

func (e *PowNotMetError) Error() string {
	return fmt.Sprintf("btcverify: pow not met: hash %s exceeds target 0x%08x", e.BlockHash, e.TargetBits)
}

// TimestampError reports that a header's timestamp does not exceed the
// median of the last 11 accepted timestamps.
type TimestampError struct {
	Time, Median uint32
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("btcverify: timestamp %d not greater than median-time-past %d", e.Time, e.Median)
}

// ReorgLengthError reports that a requested rewind of the verification
// state exceeds the retained timestamp/height history.
type ReorgLengthError struct {
	Requested, MaxSupported uint32
}

func (e *ReorgLengthError) Error() string {
	return fmt.Sprintf("btcverify: reorg length %d exceeds supported depth %d", e.Requested, e.MaxSupported)
}
