package forkchoice

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"github.com/stretchr/testify/require"

	"github.com/bitroll/execnode/chainworker"
	"github.com/bitroll/execnode/execblock"
	"github.com/bitroll/execnode/ids"
	"github.com/bitroll/execnode/params"
)

// fakeBlockSource is a minimal BlockSource test double: it tracks blocks in
// memory and simply records the finalized chain as a flat slice, matching
// what *store.BlockStore would hold for the linear chains these tests
// exercise.
type fakeBlockSource struct {
	blocks    map[ids.BlockId]*execblock.Record
	finalized []ids.BlockId
	olStates  map[uint32]ids.L1BlockId
}

func (s *fakeBlockSource) GetExecBlock(hash ids.BlockId) *execblock.Record { return s.blocks[hash] }

func (s *fakeBlockSource) InitFinalizedChain(hash ids.BlockId) error {
	if len(s.finalized) > 0 {
		if s.finalized[0] == hash {
			return nil
		}
		return ErrGenesisMismatch
	}
	s.finalized = []ids.BlockId{hash}
	return nil
}

func (s *fakeBlockSource) ExtendFinalizedChain(hash ids.BlockId) error {
	s.finalized = append(s.finalized, hash)
	return nil
}

func (s *fakeBlockSource) RecordOLStateAtEpoch(epoch uint32, l1 ids.L1BlockId) error {
	if s.olStates == nil {
		s.olStates = make(map[uint32]ids.L1BlockId)
	}
	s.olStates[epoch] = l1
	return nil
}

func newTestManager(t *testing.T, blocks map[ids.BlockId]*execblock.Record) (*Manager, *chainworker.Mock, *fakeBlockSource) {
	t.Helper()
	worker := chainworker.NewMock()
	store := &fakeBlockSource{blocks: blocks}
	m := New(Config{
		Consensus: params.DefaultConsensusParams(),
		CredRule:  params.CredRuleUnchecked,
		Store:     store,
		Worker:    worker,
	})
	return m, worker, store
}

func genesisRecord(hash ids.BlockId) *execblock.Record {
	return &execblock.Record{Blocknum: 0, Blockhash: hash}
}

func childRecord(parent ids.BlockId, hash ids.BlockId, num uint64) *execblock.Record {
	return &execblock.Record{Blocknum: num, ParentBlockhash: parent, Blockhash: hash}
}

func TestInitGenesisIdempotentAndMismatch(t *testing.T) {
	genHash := ids.Hash{1}
	m, _, _ := newTestManager(t, map[ids.BlockId]*execblock.Record{genHash: genesisRecord(genHash)})

	require.NoError(t, m.InitGenesis(genHash))
	require.Equal(t, ids.BlockCommitment{Slot: 0, Blkid: genHash}, m.Best())

	require.NoError(t, m.InitGenesis(genHash)) // idempotent

	other := ids.Hash{2}
	require.ErrorIs(t, m.InitGenesis(other), ErrGenesisMismatch)
}

func TestInitGenesisRejectsNonGenesisShape(t *testing.T) {
	hash := ids.Hash{1}
	parent := ids.Hash{0xFF}
	m, _, _ := newTestManager(t, map[ids.BlockId]*execblock.Record{hash: childRecord(parent, hash, 1)})

	err := m.InitGenesis(hash)
	var nonnull *GenesisParentNonnullError
	require.ErrorAs(t, err, &nonnull)
}

func TestPickHeadIsStickyAndBreaksTiesAmongCandidates(t *testing.T) {
	current := ids.BlockCommitment{Slot: 5, Blkid: ids.Hash{0x05}}

	higher := ids.BlockCommitment{Slot: 6, Blkid: ids.Hash{0x09}}
	got := PickHead(current, []ids.BlockCommitment{higher})
	require.Equal(t, higher, got)

	// The incumbent is sticky: a same-slot candidate never takes the head,
	// even with a lexicographically smaller blockid.
	tieSmaller := ids.BlockCommitment{Slot: 5, Blkid: ids.Hash{0x01}}
	got = PickHead(current, []ids.BlockCommitment{tieSmaller})
	require.Equal(t, current, got)

	// Ties among competing candidates (both strictly above the incumbent)
	// break to the smaller blockid.
	candLarger := ids.BlockCommitment{Slot: 6, Blkid: ids.Hash{0xFF}}
	candSmaller := ids.BlockCommitment{Slot: 6, Blkid: ids.Hash{0x01}}
	got = PickHead(current, []ids.BlockCommitment{candLarger, candSmaller})
	require.Equal(t, candSmaller, got)

	lower := ids.BlockCommitment{Slot: 4, Blkid: ids.Hash{0x00}}
	got = PickHead(current, []ids.BlockCommitment{lower})
	require.Equal(t, current, got)
}

// buildChain attaches a simple linear chain a->b->c to tracker, rooted at
// tracker's existing finalized base, and returns each commitment.
func attachLinear(t *testing.T, tracker *UnfinalizedBlockTracker, base ids.BlockId, hashes ...ids.BlockId) []ids.BlockCommitment {
	t.Helper()
	var out []ids.BlockCommitment
	parent := base
	baseSlot, _ := tracker.SlotOf(base)
	for i, h := range hashes {
		slot := baseSlot + uint64(i) + 1
		require.NoError(t, tracker.Attach(parent, h, slot))
		out = append(out, ids.BlockCommitment{Slot: slot, Blkid: h})
		parent = h
	}
	return out
}

func TestClassifyUpdateExtend(t *testing.T) {
	base := ids.BlockCommitment{Slot: 0, Blkid: ids.Hash{0}}
	tracker := NewUnfinalizedBlockTracker(base)
	chain := attachLinear(t, tracker, base.Blkid, ids.Hash{1})

	update, err := ClassifyUpdate(tracker, base, chain[0], 10)
	require.NoError(t, err)
	require.Equal(t, UpdateExtend, update.Kind)
}

func TestClassifyUpdateLongExtend(t *testing.T) {
	base := ids.BlockCommitment{Slot: 0, Blkid: ids.Hash{0}}
	tracker := NewUnfinalizedBlockTracker(base)
	chain := attachLinear(t, tracker, base.Blkid, ids.Hash{1}, ids.Hash{2}, ids.Hash{3})

	update, err := ClassifyUpdate(tracker, chain[0], chain[2], 10)
	require.NoError(t, err)
	require.Equal(t, UpdateLongExtend, update.Kind)
	require.Equal(t, []ids.BlockId{ids.Hash{2}, ids.Hash{3}}, update.Path)
}

func TestClassifyUpdateRevert(t *testing.T) {
	base := ids.BlockCommitment{Slot: 0, Blkid: ids.Hash{0}}
	tracker := NewUnfinalizedBlockTracker(base)
	chain := attachLinear(t, tracker, base.Blkid, ids.Hash{1}, ids.Hash{2})

	update, err := ClassifyUpdate(tracker, chain[1], chain[0], 10)
	require.NoError(t, err)
	require.Equal(t, UpdateRevert, update.Kind)
}

func TestClassifyUpdateReorg(t *testing.T) {
	base := ids.BlockCommitment{Slot: 0, Blkid: ids.Hash{0}}
	tracker := NewUnfinalizedBlockTracker(base)
	require.NoError(t, tracker.Attach(base.Blkid, ids.Hash{1}, 1))
	require.NoError(t, tracker.Attach(ids.Hash{1}, ids.Hash{2}, 2)) // branch A tip
	require.NoError(t, tracker.Attach(ids.Hash{1}, ids.Hash{3}, 2)) // branch B tip

	oldTip := ids.BlockCommitment{Slot: 2, Blkid: ids.Hash{2}}
	newTip := ids.BlockCommitment{Slot: 2, Blkid: ids.Hash{3}}

	update, err := ClassifyUpdate(tracker, oldTip, newTip, 10)
	require.NoError(t, err)
	require.Equal(t, UpdateReorg, update.Kind)
	require.Equal(t, ids.Hash{1}, update.Pivot)
	require.Equal(t, []ids.BlockId{ids.Hash{2}}, update.OldBranch)
	require.Equal(t, []ids.BlockId{ids.Hash{3}}, update.Path)
}

func TestClassifyUpdateFailsBeyondBoundedDepth(t *testing.T) {
	base := ids.BlockCommitment{Slot: 0, Blkid: ids.Hash{0}}
	tracker := NewUnfinalizedBlockTracker(base)
	require.NoError(t, tracker.Attach(base.Blkid, ids.Hash{1}, 1))
	require.NoError(t, tracker.Attach(ids.Hash{1}, ids.Hash{2}, 2))
	require.NoError(t, tracker.Attach(ids.Hash{1}, ids.Hash{3}, 2))

	oldTip := ids.BlockCommitment{Slot: 2, Blkid: ids.Hash{2}}
	newTip := ids.BlockCommitment{Slot: 2, Blkid: ids.Hash{3}}

	_, err := ClassifyUpdate(tracker, oldTip, newTip, 0)
	var integrity *ChainIntegrityError
	require.ErrorAs(t, err, &integrity)
}

func TestHandleNewBlockExtendsAndUpdatesSafeTip(t *testing.T) {
	genHash := ids.Hash{1}
	childHash := ids.Hash{2}
	blocks := map[ids.BlockId]*execblock.Record{
		genHash:   genesisRecord(genHash),
		childHash: childRecord(genHash, childHash, 1),
	}
	m, worker, _ := newTestManager(t, blocks)
	require.NoError(t, m.InitGenesis(genHash))

	require.NoError(t, m.HandleNewBlock(childHash))
	require.Equal(t, childHash, m.Best().Blkid)
	require.Equal(t, childHash, worker.SafeTip().Blkid)
}

func TestHandleNewBlockMarksInvalidOnExecFailure(t *testing.T) {
	genHash := ids.Hash{1}
	childHash := ids.Hash{2}
	blocks := map[ids.BlockId]*execblock.Record{
		genHash:   genesisRecord(genHash),
		childHash: childRecord(genHash, childHash, 1),
	}
	m, worker, _ := newTestManager(t, blocks)
	require.NoError(t, m.InitGenesis(genHash))
	worker.FailCommitments[ids.BlockCommitment{Slot: 1, Blkid: childHash}] = true

	require.NoError(t, m.HandleNewBlock(childHash))
	require.Equal(t, genHash, m.Best().Blkid) // unchanged

	reason, ok := m.InvalidReason(childHash)
	require.True(t, ok)
	require.NotEmpty(t, reason)
}

func TestHandleNewBlockRejectsBadSignatureWhenChecked(t *testing.T) {
	genHash := ids.Hash{1}
	childHash := ids.Hash{2}
	blocks := map[ids.BlockId]*execblock.Record{
		genHash:   genesisRecord(genHash),
		childHash: childRecord(genHash, childHash, 1),
	}
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	worker := chainworker.NewMock()
	store := &fakeBlockSource{blocks: blocks}
	m := New(Config{
		Consensus: params.DefaultConsensusParams(),
		CredRule:  params.CredRuleChecked,
		PubKey:    priv.PubKey(),
		Store:     store,
		Worker:    worker,
	})
	require.NoError(t, m.InitGenesis(genHash))

	require.NoError(t, m.HandleNewBlock(childHash)) // no signature attached
	reason, ok := m.InvalidReason(childHash)
	require.True(t, ok)
	require.Contains(t, reason, "signature")
}

func TestHandleNewBlockAcceptsValidSignatureWhenChecked(t *testing.T) {
	genHash := ids.Hash{1}
	childHash := ids.Hash{2}
	rec := childRecord(genHash, childHash, 1)

	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	sig, err := schnorr.Sign(priv, rec.SigningMessage())
	require.NoError(t, err)
	rec.Signature = sig.Serialize()

	blocks := map[ids.BlockId]*execblock.Record{
		genHash:   genesisRecord(genHash),
		childHash: rec,
	}
	worker := chainworker.NewMock()
	store := &fakeBlockSource{blocks: blocks}
	m := New(Config{
		Consensus: params.DefaultConsensusParams(),
		CredRule:  params.CredRuleChecked,
		PubKey:    priv.PubKey(),
		Store:     store,
		Worker:    worker,
	})
	require.NoError(t, m.InitGenesis(genHash))

	require.NoError(t, m.HandleNewBlock(childHash))
	require.Equal(t, childHash, m.Best().Blkid)
	_, invalid := m.InvalidReason(childHash)
	require.False(t, invalid)
}

func TestRecordPendingEpochAndTryFinalizeAdvancesBase(t *testing.T) {
	genHash := ids.Hash{1}
	childHash := ids.Hash{2}
	blocks := map[ids.BlockId]*execblock.Record{
		genHash:   genesisRecord(genHash),
		childHash: childRecord(genHash, childHash, 1),
	}
	m, worker, _ := newTestManager(t, blocks)
	worker.EpochForSlot = func(slot uint64) uint32 {
		if slot >= 1 {
			return 1
		}
		return 0
	}
	require.NoError(t, m.InitGenesis(genHash))
	require.NoError(t, m.HandleNewBlock(childHash))

	m.recordPendingEpoch(ids.EpochCommitment{Epoch: 0, LastSlot: 0, LastBlkid: genHash})
	require.NoError(t, m.tryFinalize())

	require.True(t, worker.IsFinalized(0))
	require.Equal(t, genHash, m.tracker.FinalizedBase().Blkid)
}

// Finalizing an epoch whose last block is a descendant of the current
// finalized base must extend the store's canonical finalized chain through
// every intermediate block, not just advance the in-memory tracker.
func TestTryFinalizeExtendsStoreFinalizedChain(t *testing.T) {
	genHash := ids.Hash{1}
	aHash := ids.Hash{2}
	bHash := ids.Hash{3}
	blocks := map[ids.BlockId]*execblock.Record{
		genHash: genesisRecord(genHash),
		aHash:   childRecord(genHash, aHash, 1),
		bHash:   childRecord(aHash, bHash, 2),
	}
	m, worker, store := newTestManager(t, blocks)
	worker.EpochForSlot = func(slot uint64) uint32 {
		if slot >= 2 {
			return 1
		}
		return 0
	}
	require.NoError(t, m.InitGenesis(genHash))
	require.Equal(t, []ids.BlockId{genHash}, store.finalized)

	require.NoError(t, m.HandleNewBlock(aHash))
	require.NoError(t, m.HandleNewBlock(bHash))

	m.recordPendingEpoch(ids.EpochCommitment{Epoch: 0, LastSlot: 2, LastBlkid: bHash})
	require.NoError(t, m.tryFinalize())

	require.True(t, worker.IsFinalized(0))
	require.Equal(t, bHash, m.tracker.FinalizedBase().Blkid)
	require.Equal(t, []ids.BlockId{genHash, aHash, bHash}, store.finalized)
	_, recorded := store.olStates[0]
	require.True(t, recorded, "finalization must record the epoch's safe L1 state")
}

func TestRecordPendingEpochDiscardsNonAdvancing(t *testing.T) {
	genHash := ids.Hash{1}
	m, _, _ := newTestManager(t, map[ids.BlockId]*execblock.Record{genHash: genesisRecord(genHash)})
	require.NoError(t, m.InitGenesis(genHash))

	m.lastFinalizedEpoch = ids.EpochCommitment{Epoch: 3, LastSlot: 30, LastBlkid: genHash}
	m.recordPendingEpoch(ids.EpochCommitment{Epoch: 2, LastSlot: 40, LastBlkid: genHash})
	require.Empty(t, m.pendingEpochs)
}

func TestHandleNewBlockPublishesStatus(t *testing.T) {
	genHash := ids.Hash{1}
	childHash := ids.Hash{2}
	blocks := map[ids.BlockId]*execblock.Record{
		genHash:   genesisRecord(genHash),
		childHash: childRecord(genHash, childHash, 1),
	}
	m, _, _ := newTestManager(t, blocks)
	require.NoError(t, m.InitGenesis(genHash))

	ch := make(chan ChainSyncStatus, 4)
	sub := m.StatusFeed().Subscribe(ch)
	defer sub.Unsubscribe()

	require.NoError(t, m.HandleNewBlock(childHash))

	select {
	case status := <-ch:
		require.Equal(t, childHash, status.Tip.Blkid)
	default:
		t.Fatal("expected a published status")
	}
}
