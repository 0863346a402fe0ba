// Package forkchoice implements the Fork-Choice Manager: it
// attaches new blocks to an unfinalized-tip tracker, selects a best head,
// computes and applies tip updates (extend / long extend / reorg /
// revert), and finalizes epochs when a checkpoint declares them final.
//
// Manager is a single-consumer task: an inbound command channel drained by
// one goroutine, with blocking equivalents reserved for initialization.
package forkchoice

import (
	"context"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/bitroll/execnode/chainworker"
	"github.com/bitroll/execnode/execblock"
	"github.com/bitroll/execnode/ids"
	"github.com/bitroll/execnode/params"
)

var (
	tipSlotGauge    = metrics.NewRegisteredGauge("forkchoice/tip/slot", nil)
	blocksInvalid   = metrics.NewRegisteredMeter("forkchoice/blocks/invalid", nil)
	epochsFinalized = metrics.NewRegisteredMeter("forkchoice/epochs/finalized", nil)
)

// ErrGenesisMismatch reports that InitGenesis was called with a hash that
// differs from the already-initialized genesis.
var ErrGenesisMismatch = errors.New("forkchoice: genesis hash mismatch")

// ErrNotInitialized reports that NewBlock/SubmitNewBlock was called before
// InitGenesis.
var ErrNotInitialized = errors.New("forkchoice: genesis not yet initialized")

// BlockSource is the storage surface the FCM needs: fetching a block by
// hash, extending the canonical finalized chain as epochs finalize, and
// recording each finalized epoch's safe L1 block. It is satisfied by
// *store.BlockStore.
type BlockSource interface {
	GetExecBlock(hash ids.BlockId) *execblock.Record
	InitFinalizedChain(hash ids.BlockId) error
	ExtendFinalizedChain(hash ids.BlockId) error
	RecordOLStateAtEpoch(epoch uint32, l1 ids.L1BlockId) error
}

// Manager is the fork-choice manager's single-writer state.
type Manager struct {
	consensus params.ConsensusParams
	credRule  params.CredRule
	pubKey    *secp256k1.PublicKey

	store  BlockSource
	worker chainworker.Worker

	tracker *UnfinalizedBlockTracker
	best    ids.BlockCommitment

	pendingEpochs      []ids.EpochCommitment
	lastFinalizedEpoch ids.EpochCommitment

	status StatusFeed

	newBlockCh chan ids.BlockId
	checkpoint <-chan ids.EpochCommitment
	invalid    map[ids.BlockId]string
}

// Config bundles Manager's construction-time dependencies.
type Config struct {
	Consensus  params.ConsensusParams
	CredRule   params.CredRule
	PubKey     *secp256k1.PublicKey // required unless CredRule == CredRuleUnchecked
	Store      BlockSource
	Worker     chainworker.Worker
	Checkpoint <-chan ids.EpochCommitment
	// InboundBuffer bounds the NewBlock command channel.
	InboundBuffer int
}

// New constructs a Manager; call InitGenesis before Run.
func New(cfg Config) *Manager {
	buf := cfg.InboundBuffer
	if buf <= 0 {
		buf = 256
	}
	return &Manager{
		consensus:  cfg.Consensus,
		credRule:   cfg.CredRule,
		pubKey:     cfg.PubKey,
		store:      cfg.Store,
		worker:     cfg.Worker,
		checkpoint: cfg.Checkpoint,
		newBlockCh: make(chan ids.BlockId, buf),
		invalid:    make(map[ids.BlockId]string),
	}
}

// StatusFeed exposes the broadcast subscribers attach to.
func (m *Manager) StatusFeed() *StatusFeed { return &m.status }

// Best returns the current best tip commitment.
func (m *Manager) Best() ids.BlockCommitment { return m.best }

// InvalidReason returns the reason a block was marked Invalid, if any.
func (m *Manager) InvalidReason(hash ids.BlockId) (string, bool) {
	r, ok := m.invalid[hash]
	return r, ok
}

// InitGenesis consumes the genesis BlockId once the first block at height
// 0 has been stored. Idempotent for the same hash; fails with
// ErrGenesisMismatch for a different one.
func (m *Manager) InitGenesis(hash ids.BlockId) error {
	if m.tracker != nil {
		if m.tracker.FinalizedBase().Blkid == hash {
			return nil
		}
		return ErrGenesisMismatch
	}
	rec := m.store.GetExecBlock(hash)
	if rec == nil {
		return &MissingBlockError{Hash: hash}
	}
	if !rec.ParentBlockhash.IsZero() {
		return &GenesisParentNonnullError{Parent: rec.ParentBlockhash}
	}
	if rec.Blocknum != 0 {
		return &GenesisCoordsNonzeroError{Slot: rec.Blocknum}
	}
	commitment := rec.Commitment()
	if err := m.worker.TryExecBlock(commitment); err != nil {
		return fmt.Errorf("forkchoice: genesis exec failed: %w", err)
	}
	if err := m.worker.UpdateSafeTip(commitment); err != nil {
		return err
	}
	if err := m.store.InitFinalizedChain(hash); err != nil {
		return fmt.Errorf("forkchoice: init finalized chain: %w", err)
	}
	m.tracker = NewUnfinalizedBlockTracker(commitment)
	m.best = commitment
	tipSlotGauge.Update(0)
	return nil
}

// SubmitNewBlock enqueues hash for processing by Run. It blocks if the
// inbound channel is full.
func (m *Manager) SubmitNewBlock(hash ids.BlockId) {
	m.newBlockCh <- hash
}

// Run drives the single-threaded cooperative event loop until ctx is cancelled or a fatal error occurs.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case hash := <-m.newBlockCh:
			if err := m.HandleNewBlock(hash); err != nil {
				if isFatal(err) {
					return err
				}
				log.Error("forkchoice: new-block handling failed", "hash", hash, "err", err)
			}
		case ec, ok := <-m.checkpoint:
			if !ok {
				m.checkpoint = nil
				continue
			}
			m.recordPendingEpoch(ec)
			if err := m.tryFinalize(); err != nil {
				if isFatal(err) {
					return err
				}
				log.Error("forkchoice: finalization attempt failed", "err", err)
			}
		}
	}
}

// isFatal reports whether err should terminate the event loop.
func isFatal(err error) bool {
	var sm *StateMissingError
	return errors.As(err, &sm)
}

// HandleNewBlock runs the block-acceptance algorithm for a single block. It is exported so
// callers (and tests) can drive it synchronously without going through the
// channel.
func (m *Manager) HandleNewBlock(hash ids.BlockId) error {
	if m.tracker == nil {
		return ErrNotInitialized
	}
	rec := m.store.GetExecBlock(hash)
	if rec == nil {
		return &MissingBlockError{Hash: hash}
	}
	if rec.IsGenesis() {
		// Genesis is consumed via InitGenesis, not the live event loop;
		// a repeat NewBlock for it is a harmless no-op.
		return nil
	}

	// 1. Credential check.
	if m.credRule != params.CredRuleUnchecked {
		if !m.verifySignature(rec) {
			m.markInvalid(hash, "signature invalid")
			return nil
		}
	}

	// 2. Execute.
	commitment := rec.Commitment()
	if err := m.worker.TryExecBlock(commitment); err != nil {
		m.markInvalid(hash, err.Error())
		return nil
	}

	// 3. Attach.
	if err := m.tracker.Attach(rec.ParentBlockhash, hash, rec.Blocknum); err != nil {
		m.markInvalid(hash, err.Error())
		return nil
	}

	// 4. Pick head.
	candidates := make([]ids.BlockCommitment, 0, len(m.tracker.Tips()))
	for _, tip := range m.tracker.Tips() {
		slot, _ := m.tracker.SlotOf(tip)
		candidates = append(candidates, ids.BlockCommitment{Slot: slot, Blkid: tip})
	}
	newBest := PickHead(m.best, candidates)
	if newBest.Blkid == m.best.Blkid {
		m.publishStatus()
		return nil
	}

	// 5. Compute tip update.
	update, err := ClassifyUpdate(m.tracker, m.best, newBest, m.consensus.ForkchoiceDepth)
	if err != nil {
		m.markInvalid(hash, err.Error())
		return nil
	}

	// 6. Apply tip update.
	if err := m.applyTipUpdate(update, newBest); err != nil {
		return err // StateMissingError is fatal; caller decides
	}
	m.best = newBest
	tipSlotGauge.Update(int64(newBest.Slot))

	// 7. Epoch finalization.
	if err := m.tryFinalize(); err != nil {
		return err
	}

	// 8. Publish status.
	m.publishStatus()
	return nil
}

func (m *Manager) verifySignature(rec *execblock.Record) bool {
	if m.pubKey == nil || len(rec.Signature) == 0 {
		return false
	}
	sig, err := schnorr.ParseSignature(rec.Signature)
	if err != nil {
		return false
	}
	return sig.Verify(rec.SigningMessage(), m.pubKey)
}

func (m *Manager) markInvalid(hash ids.BlockId, reason string) {
	m.invalid[hash] = reason
	blocksInvalid.Mark(1)
	log.Warn("forkchoice: block marked invalid", "hash", hash, "reason", reason)
}

// applyTipUpdate loads the state at the new tip's relevant commitment and
// repoints the in-memory cursor. For Extend/LongExtend
// this is simply the new tip's own state; for Reorg/Revert it is the
// pivot/target's state, which must already exist in storage.
func (m *Manager) applyTipUpdate(update TipUpdate, newBest ids.BlockCommitment) error {
	switch update.Kind {
	case UpdateExtend, UpdateLongExtend:
		if _, ok := m.worker.StateAt(newBest); !ok {
			return &StateMissingError{Commitment: newBest}
		}
		return m.worker.UpdateSafeTip(newBest)
	case UpdateReorg, UpdateRevert:
		target := newBest
		if update.Kind == UpdateReorg {
			pivotSlot, _ := m.tracker.SlotOf(update.Pivot)
			target = ids.BlockCommitment{Slot: pivotSlot, Blkid: update.Pivot}
		}
		if _, ok := m.worker.StateAt(target); !ok {
			return &StateMissingError{Commitment: target}
		}
		return m.worker.UpdateSafeTip(newBest)
	default:
		return fmt.Errorf("forkchoice: unknown tip update kind %d", update.Kind)
	}
}

// recordPendingEpoch appends ec to the FIFO pending-finalization queue if
// it strictly advances both epoch and last_slot relative to the most
// recent accepted entry; otherwise it is logged
// and discarded. The very first checkpoint observed (nothing finalized,
// nothing pending) is accepted unconditionally, since epoch 0 cannot
// strictly advance the zero-valued initial commitment.
func (m *Manager) recordPendingEpoch(ec ids.EpochCommitment) {
	last := m.lastFinalizedEpoch
	if n := len(m.pendingEpochs); n > 0 {
		last = m.pendingEpochs[n-1]
	} else if last == (ids.EpochCommitment{}) {
		m.pendingEpochs = append(m.pendingEpochs, ec)
		return
	}
	if !last.StrictlyAdvances(ec) {
		log.Debug("forkchoice: discarding non-advancing epoch checkpoint", "last", last, "candidate", ec)
		return
	}
	m.pendingEpochs = append(m.pendingEpochs, ec)
}

// tryFinalize finalizes the latest pending epoch whose epoch is strictly
// below the current best tip's state epoch.
func (m *Manager) tryFinalize() error {
	for len(m.pendingEpochs) > 0 {
		curState, ok := m.worker.StateAt(m.best)
		if !ok {
			return &StateMissingError{Commitment: m.best}
		}
		idx := -1
		for i, ec := range m.pendingEpochs {
			if ec.Epoch < curState.CurEpoch() {
				idx = i
			}
		}
		if idx < 0 {
			return nil
		}
		head := m.pendingEpochs[idx]
		if err := m.worker.FinalizeEpoch(head.Epoch); err != nil {
			return fmt.Errorf("forkchoice: finalize epoch %d: %w", head.Epoch, err)
		}
		if err := m.extendStoreToFinalized(head.LastBlkid); err != nil {
			return fmt.Errorf("forkchoice: extend finalized chain to epoch %d: %w", head.Epoch, err)
		}
		if err := m.store.RecordOLStateAtEpoch(head.Epoch, curState.SafeL1()); err != nil {
			return fmt.Errorf("forkchoice: record ol state for epoch %d: %w", head.Epoch, err)
		}
		newBase := ids.BlockCommitment{Slot: head.LastSlot, Blkid: head.LastBlkid}
		m.tracker.AdvanceFinalizedBase(newBase)
		m.lastFinalizedEpoch = head
		epochsFinalized.Mark(1)

		i := 0
		for i < len(m.pendingEpochs) && m.pendingEpochs[i].Epoch <= head.Epoch {
			i++
		}
		m.pendingEpochs = m.pendingEpochs[i:]
	}
	return nil
}

// extendStoreToFinalized walks the tracker's parent pointers from target
// back to the current finalized base and extends the store's canonical
// finalized chain one block at a time, ancestor-first. The path always
// exists within the tracker because a pending epoch is only finalized once
// its epoch is below the current best tip's state epoch, which
// keeps it on the tracker's active ancestry back to the base.
func (m *Manager) extendStoreToFinalized(target ids.BlockId) error {
	base := m.tracker.FinalizedBase().Blkid
	var chain []ids.BlockId
	for cur := target; cur != base; {
		chain = append(chain, cur)
		parent, ok := m.tracker.ParentOf(cur)
		if !ok {
			return &ChainIntegrityError{Detail: "finalization target not reachable from finalized base"}
		}
		cur = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	for _, hash := range chain {
		if err := m.store.ExtendFinalizedChain(hash); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) publishStatus() {
	var safeL1 ids.L1BlockId
	if state, ok := m.worker.StateAt(m.best); ok {
		safeL1 = state.SafeL1()
	}
	var prevEpoch ids.EpochCommitment
	if len(m.pendingEpochs) > 0 {
		prevEpoch = m.pendingEpochs[0]
	} else {
		prevEpoch = m.lastFinalizedEpoch
	}
	m.status.Send(ChainSyncStatus{
		Tip:            m.best,
		PrevEpoch:      prevEpoch,
		FinalizedEpoch: m.lastFinalizedEpoch,
		SafeL1:         safeL1,
	})
}
