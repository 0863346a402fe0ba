// Package engine declares the execution-engine collaborator interface: the
// two mutating operations the core submits payloads and forkchoice updates
// through, plus the one read-only existence probe engine sync uses during
// startup reconciliation. The concrete engine is an external client driven
// over JSON-RPC; this package carries only the shape the core calls
// against.
package engine

import (
	"context"
	"errors"

	"github.com/bitroll/execnode/ids"
)

// ErrInvalidPayload is returned by Client.SubmitPayload when the engine
// rejects a payload's bytes.
var ErrInvalidPayload = errors.New("engine: invalid payload")

// ErrForkchoice is returned by Client.UpdateConsensusState when the engine
// rejects a forkchoice update (e.g. an unknown head).
var ErrForkchoice = errors.New("engine: forkchoice update rejected")

// ForkchoiceState names the three block hashes an update advances: the new
// chain head, the safe tip, and the finalized tip (an identity mapping from
// internal BlockId to engine-facing hash).
type ForkchoiceState struct {
	Head      ids.BlockId
	Safe      ids.BlockId
	Finalized ids.BlockId
}

// Client is the engine-facing collaborator consumed by the fork-choice
// manager (indirectly, through chainworker) and directly by engine sync.
type Client interface {
	// SubmitPayload hands the engine an opaque execution payload.
	SubmitPayload(ctx context.Context, payload []byte) error

	// UpdateConsensusState issues a forkchoice update.
	UpdateConsensusState(ctx context.Context, state ForkchoiceState) error

	// BlockExists reports whether the engine already holds blockhash.
	BlockExists(ctx context.Context, blockhash ids.BlockId) (bool, error)
}
