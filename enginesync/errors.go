package enginesync

import (
	"fmt"

	"github.com/bitroll/execnode/ids"
)

// EmptyFinalizedChainError reports that the store has no finalized chain to
// reconcile the engine against; InitFinalizedChain must run first.
type EmptyFinalizedChainError struct{}

func (e *EmptyFinalizedChainError) Error() string {
	return "enginesync: finalized chain is empty"
}

// MissingExecBlockError reports that the finalized chain's height index
// points at a hash with no corresponding stored record.
type MissingExecBlockError struct{ Height uint64 }

func (e *MissingExecBlockError) Error() string {
	return fmt.Sprintf("enginesync: no exec block stored for finalized height %d", e.Height)
}

// MissingBlockPayloadError reports that a block slated for replay has no
// stored payload to submit to the engine.
type MissingBlockPayloadError struct{ Blockhash ids.BlockId }

func (e *MissingBlockPayloadError) Error() string {
	return fmt.Sprintf("enginesync: no payload stored for block %s", e.Blockhash)
}

// PayloadDeserializationError wraps a failure decoding a stored payload
// before resubmitting it to the engine.
type PayloadDeserializationError struct {
	Blockhash ids.BlockId
	Err       error
}

func (e *PayloadDeserializationError) Error() string {
	return fmt.Sprintf("enginesync: payload for block %s is malformed: %v", e.Blockhash, e.Err)
}

func (e *PayloadDeserializationError) Unwrap() error { return e.Err }

// UnfinalizedBlockNotFoundError reports that a hash returned by
// BlockSource.GetUnfinalizedBlocks no longer resolves to a stored record.
type UnfinalizedBlockNotFoundError struct{ Blockhash ids.BlockId }

func (e *UnfinalizedBlockNotFoundError) Error() string {
	return fmt.Sprintf("enginesync: unfinalized block %s not found", e.Blockhash)
}

// EngineError wraps a failure returned by the engine client during replay.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("enginesync: engine %s failed: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// StorageError wraps a failure reading from the BlockSource during
// reconciliation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("enginesync: storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
