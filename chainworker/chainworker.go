// Package chainworker declares the collaborator interface the fork-choice
// manager drives for state execution and durable finalization, plus an
// in-memory Mock double used by tests and local devnets. The real worker —
// the snark-account predicate evaluator and the anchor-state machine it
// backs — lives outside this node; this package carries only the shape the
// fork-choice manager calls against.
package chainworker

import (
	"fmt"
	"sync"

	"github.com/bitroll/execnode/ids"
)

// Worker is the chain-worker interface the FCM invokes.
type Worker interface {
	// TryExecBlock idempotently executes the block at commitment and
	// persists its derived state. Errors are exec failures; the FCM marks
	// the block Invalid and does not treat this as fatal.
	TryExecBlock(commitment ids.BlockCommitment) error

	// UpdateSafeTip records commitment as the new best tip.
	UpdateSafeTip(commitment ids.BlockCommitment) error

	// FinalizeEpoch durably marks epoch finalized in downstream state.
	FinalizeEpoch(epoch uint32) error

	// StateAt returns the top-level state snapshot at commitment, or
	// ok=false if no such state has been computed.
	StateAt(commitment ids.BlockCommitment) (State, bool)
}

// State is an opaque, immutable top-level state snapshot. Implementations
// are reference-counted views handed out to subscribers over the status
// channel; no cross-thread mutation is performed on them.
type State interface {
	// CurEpoch is the epoch this state belongs to.
	CurEpoch() uint32
	// CurSlot is the slot this state was produced at.
	CurSlot() uint64
	// LastL1Height is the highest L1 (Bitcoin) height whose manifest has
	// been folded into this state, used by block assembly to know which
	// manifests remain to fetch for a terminal block.
	LastL1Height() uint64
	// SafeL1 is the L1 block this state considers safe, carried into the
	// fork-choice manager's published sync status.
	SafeL1() ids.L1BlockId
}

// ExecError reports that TryExecBlock failed for commitment; the FCM
// collapses this (and any other Worker error) into an Invalid block
// status rather than crashing the event loop.
type ExecError struct {
	Commitment ids.BlockCommitment
	Err        error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("chainworker: exec failed at %s: %v", e.Commitment, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// simpleState is Mock's State implementation.
type simpleState struct {
	epoch        uint32
	slot         uint64
	lastL1Height uint64
	safeL1       ids.L1BlockId
}

func (s simpleState) CurEpoch() uint32      { return s.epoch }
func (s simpleState) CurSlot() uint64       { return s.slot }
func (s simpleState) LastL1Height() uint64  { return s.lastL1Height }
func (s simpleState) SafeL1() ids.L1BlockId { return s.safeL1 }

// Mock is an in-memory Worker test double: every commitment it is asked to
// execute, unless listed in FailCommitments, succeeds and records a
// deterministic State derived from the commitment's slot. It exists for forkchoice/assembly tests and local
// devnet configurations that run without a real execution engine attached.
type Mock struct {
	mu sync.Mutex

	states          map[ids.BlockCommitment]simpleState
	finalizedEpochs map[uint32]bool
	safeTip         ids.BlockCommitment

	// EpochForSlot maps a slot to the epoch it belongs to; callers seed
	// this to control CurEpoch() without a real epoch-sealing policy.
	EpochForSlot func(slot uint64) uint32
	// FailCommitments marks commitments whose TryExecBlock call should
	// fail, for exercising the FCM's Invalid-marking path.
	FailCommitments map[ids.BlockCommitment]bool
}

// NewMock constructs an empty Mock seeded with the genesis commitment at
// epoch 0.
func NewMock() *Mock {
	m := &Mock{
		states:          make(map[ids.BlockCommitment]simpleState),
		finalizedEpochs: make(map[uint32]bool),
		FailCommitments: make(map[ids.BlockCommitment]bool),
	}
	m.states[ids.BlockCommitment{}] = simpleState{}
	return m
}

func (m *Mock) epochFor(slot uint64) uint32 {
	if m.EpochForSlot != nil {
		return m.EpochForSlot(slot)
	}
	return 0
}

func (m *Mock) TryExecBlock(commitment ids.BlockCommitment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCommitments[commitment] {
		return &ExecError{Commitment: commitment, Err: fmt.Errorf("mock: forced failure")}
	}
	if _, ok := m.states[commitment]; ok {
		return nil // idempotent
	}
	m.states[commitment] = simpleState{epoch: m.epochFor(commitment.Slot), slot: commitment.Slot}
	return nil
}

func (m *Mock) UpdateSafeTip(commitment ids.BlockCommitment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.safeTip = commitment
	return nil
}

func (m *Mock) FinalizeEpoch(epoch uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalizedEpochs[epoch] = true
	return nil
}

func (m *Mock) StateAt(commitment ids.BlockCommitment) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[commitment]
	return s, ok
}

// SafeTip returns the last commitment passed to UpdateSafeTip, for test
// assertions.
func (m *Mock) SafeTip() ids.BlockCommitment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.safeTip
}

// IsFinalized reports whether FinalizeEpoch(epoch) has been called, for
// test assertions.
func (m *Mock) IsFinalized(epoch uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalizedEpochs[epoch]
}
