package mempool_test

import (
	"testing"

	gethrawdb "github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/stretchr/testify/require"

	"github.com/bitroll/execnode/ids"
	"github.com/bitroll/execnode/mempool"
	"github.com/bitroll/execnode/params"
)

// fakeState is a mutable StateAccessor double: tests poke curSlot /
// accounts / expected directly rather than going through a real
// ledger.
type fakeState struct {
	curSlot  uint64
	accounts map[ids.AccountId]mempool.TxClass
	expected map[ids.AccountId]uint64
}

func newFakeState() *fakeState {
	return &fakeState{accounts: map[ids.AccountId]mempool.TxClass{}, expected: map[ids.AccountId]uint64{}}
}

func (s *fakeState) CurSlot() uint64 { return s.curSlot }
func (s *fakeState) AccountExists(id ids.AccountId) bool {
	_, ok := s.accounts[id]
	return ok
}
func (s *fakeState) AccountClass(id ids.AccountId) mempool.TxClass { return s.accounts[id] }
func (s *fakeState) ExpectedSeqNo(id ids.AccountId) uint64         { return s.expected[id] }

func (s *fakeState) addSnarkAccount(id ids.AccountId, expectedSeqNo uint64) {
	s.accounts[id] = mempool.ClassSnark
	s.expected[id] = expectedSeqNo
}

func (s *fakeState) addGenericAccount(id ids.AccountId) {
	s.accounts[id] = mempool.ClassGeneric
}

func newTestPool(t *testing.T, state mempool.StateAccessor, p ...params.MempoolParams) *mempool.Pool {
	t.Helper()
	mp := params.DefaultMempoolParams()
	if len(p) > 0 {
		mp = p[0]
	}
	db := gethrawdb.NewMemoryDatabase()
	return mempool.New(db, state, mp)
}

func snarkReq(txid ids.TxId, account ids.AccountId, seqNo, tsMicros uint64) mempool.SubmitRequest {
	return mempool.SubmitRequest{
		TxId:            txid,
		SizeBytes:       32,
		TimestampMicros: tsMicros,
		Snark: &mempool.SnarkAccountUpdateNoProofs{
			Target:     account,
			BaseUpdate: mempool.SnarkUpdate{SeqNo: seqNo},
		},
	}
}

// S4 — gap rejected, then fills in order.
func TestSubmitSeqNoGapRejectedThenFills(t *testing.T) {
	account := ids.Hash{0xA}
	state := newFakeState()
	state.addSnarkAccount(account, 0)
	pool := newTestPool(t, state)

	_, err := pool.Submit(snarkReq(ids.Hash{1}, account, 0, 100))
	require.NoError(t, err)

	_, err = pool.Submit(snarkReq(ids.Hash{2}, account, 2, 200))
	var gapErr *mempool.SequenceNumberGapError
	require.ErrorAs(t, err, &gapErr)
	require.Equal(t, uint64(1), gapErr.Expected)
	require.Equal(t, uint64(2), gapErr.Actual)

	_, err = pool.Submit(snarkReq(ids.Hash{3}, account, 1, 300))
	require.NoError(t, err)
	_, err = pool.Submit(snarkReq(ids.Hash{4}, account, 2, 400))
	require.NoError(t, err)

	require.Equal(t, 3, pool.Size())
}

// S5 — replacement of an existing (account, seq_no) is last-write-wins and
// leaves pool size unchanged.
func TestSubmitReplacement(t *testing.T) {
	account := ids.Hash{0xB}
	state := newFakeState()
	state.addSnarkAccount(account, 1)
	pool := newTestPool(t, state)

	t1, err := pool.Submit(snarkReq(ids.Hash{1}, account, 1, 100))
	require.NoError(t, err)

	t1b, err := pool.Submit(mempool.SubmitRequest{
		TxId:            ids.Hash{2},
		SizeBytes:       32,
		TimestampMicros: 150,
		Snark: &mempool.SnarkAccountUpdateNoProofs{
			Target:     account,
			BaseUpdate: mempool.SnarkUpdate{SeqNo: 1, ExtraData: []byte("v2")},
		},
	})
	require.NoError(t, err)
	require.NotEqual(t, t1, t1b)
	require.Equal(t, 1, pool.Size())

	entries := pool.GetTransactions(10)
	require.Len(t, entries, 1)
	require.Equal(t, t1b, entries[0].TxId)
}

// Used-sequence-number: seq_no below the account's on-chain expected next
// is rejected outright, never treated as a replacement.
func TestSubmitUsedSequenceNumber(t *testing.T) {
	account := ids.Hash{0xC}
	state := newFakeState()
	state.addSnarkAccount(account, 5)
	pool := newTestPool(t, state)

	_, err := pool.Submit(snarkReq(ids.Hash{1}, account, 3, 100))
	var used *mempool.UsedSequenceNumberError
	require.ErrorAs(t, err, &used)
	require.Equal(t, uint64(5), used.Expected)
}

// Duplicate submission by txid is a success no-op, reported via stats.
func TestSubmitDuplicateIsNoop(t *testing.T) {
	account := ids.Hash{0xD}
	state := newFakeState()
	state.addSnarkAccount(account, 0)
	pool := newTestPool(t, state)

	req := snarkReq(ids.Hash{1}, account, 0, 100)
	_, err := pool.Submit(req)
	require.NoError(t, err)
	_, err = pool.Submit(req)
	require.NoError(t, err)
	require.Equal(t, 1, pool.Size())
	require.Equal(t, uint64(1), pool.Stats().Duplicate)
}

// Oversized transactions and a full pool are both rejected.
func TestSubmitSizeAndCapacityBounds(t *testing.T) {
	account := ids.Hash{0xE}
	state := newFakeState()
	state.addSnarkAccount(account, 0)

	small := params.MempoolParams{MaxTxBytes: 16, MaxPoolBytes: 1 << 20, MaxPoolCount: 1, FetchBatchCap: 10}
	pool := newTestPool(t, state, small)

	req := snarkReq(ids.Hash{1}, account, 0, 100)
	req.SizeBytes = 32
	_, err := pool.Submit(req)
	require.ErrorIs(t, err, mempool.ErrTransactionTooLarge)

	req.SizeBytes = 8
	_, err = pool.Submit(req)
	require.NoError(t, err)

	req2 := snarkReq(ids.Hash{2}, account, 1, 200)
	req2.SizeBytes = 8
	_, err = pool.Submit(req2)
	require.ErrorIs(t, err, mempool.ErrMempoolFull)
}

// Slot-window bounds: NotMature / Expired.
func TestSubmitSlotWindow(t *testing.T) {
	account := ids.Hash{0xF}
	state := newFakeState()
	state.addSnarkAccount(account, 0)
	state.curSlot = 100
	pool := newTestPool(t, state)

	minSlot := uint64(200)
	req := snarkReq(ids.Hash{1}, account, 0, 100)
	req.MinSlot = &minSlot
	_, err := pool.Submit(req)
	require.ErrorIs(t, err, mempool.ErrTransactionNotMature)

	maxSlot := uint64(50)
	req2 := snarkReq(ids.Hash{2}, account, 0, 100)
	req2.MaxSlot = &maxSlot
	_, err = pool.Submit(req2)
	require.ErrorIs(t, err, mempool.ErrTransactionExpired)
}

// Account existence / class mismatch.
func TestSubmitAccountChecks(t *testing.T) {
	state := newFakeState()
	pool := newTestPool(t, state)

	unknown := ids.Hash{0x10}
	_, err := pool.Submit(snarkReq(ids.Hash{1}, unknown, 0, 100))
	require.ErrorIs(t, err, mempool.ErrAccountDoesNotExist)

	generic := ids.Hash{0x11}
	state.addGenericAccount(generic)
	_, err = pool.Submit(snarkReq(ids.Hash{2}, generic, 0, 100))
	require.ErrorIs(t, err, mempool.ErrAccountTypeMismatch)
}

// S6 — revalidation against a new slot cascades from the first entry that
// fails, irrespective of the validity of entries above it.
func TestOnNewBlockCascadesFromFirstInvalid(t *testing.T) {
	account := ids.Hash{0x20}
	state := newFakeState()
	state.addSnarkAccount(account, 0)
	pool := newTestPool(t, state)

	for i, maxSlot := range []uint64{110, 105, 110} {
		ms := maxSlot
		req := snarkReq(ids.Hash{byte(0x30 + i)}, account, uint64(i), 100)
		req.MaxSlot = &ms
		_, err := pool.Submit(req)
		require.NoError(t, err)
	}
	require.Equal(t, 3, pool.Size())

	state.curSlot = 106
	pool.OnNewBlock(nil, state)

	require.Equal(t, 1, pool.Size())
	entries := pool.GetTransactions(10)
	require.Len(t, entries, 1)
	require.Equal(t, uint64(0), entries[0].Snark.BaseUpdate.SeqNo)
}

// OnNewBlock removes included transactions without cascading their
// account's higher entries, even though removeIndicesOnly and
// removeCascade share the same underlying index mutation.
func TestOnNewBlockRemovesIncludedWithoutCascade(t *testing.T) {
	account := ids.Hash{0x40}
	state := newFakeState()
	state.addSnarkAccount(account, 0)
	pool := newTestPool(t, state)

	tx0, err := pool.Submit(snarkReq(ids.Hash{1}, account, 0, 100))
	require.NoError(t, err)
	_, err = pool.Submit(snarkReq(ids.Hash{2}, account, 1, 200))
	require.NoError(t, err)

	state.expected[account] = 1
	pool.OnNewBlock([]ids.TxId{tx0}, state)

	require.Equal(t, 1, pool.Size())
	entries := pool.GetTransactions(10)
	require.Equal(t, uint64(1), entries[0].Snark.BaseUpdate.SeqNo)
}

// ApplyFeedback: Invalid triggers cascade, Failed leaves the entry in place.
func TestApplyFeedbackInvalidVsFailed(t *testing.T) {
	account := ids.Hash{0x50}
	state := newFakeState()
	state.addSnarkAccount(account, 0)
	pool := newTestPool(t, state)

	tx0, _ := pool.Submit(snarkReq(ids.Hash{1}, account, 0, 100))
	tx1, _ := pool.Submit(snarkReq(ids.Hash{2}, account, 1, 200))

	pool.ApplyFeedback([]mempool.Feedback{{TxId: tx1, Reason: mempool.ReasonFailed}})
	require.Equal(t, 2, pool.Size())

	pool.ApplyFeedback([]mempool.Feedback{{TxId: tx0, Reason: mempool.ReasonInvalid}})
	require.Equal(t, 0, pool.Size())
}

// Generic messages order strictly FIFO by timestamp across accounts.
func TestGenericOrderingIsFifoByTimestamp(t *testing.T) {
	a := ids.Hash{0x60}
	b := ids.Hash{0x61}
	state := newFakeState()
	state.addGenericAccount(a)
	state.addGenericAccount(b)
	pool := newTestPool(t, state)

	_, err := pool.Submit(mempool.SubmitRequest{TxId: ids.Hash{1}, SizeBytes: 8, TimestampMicros: 300, Generic: &mempool.GenericAccountMessage{Target: a}})
	require.NoError(t, err)
	_, err = pool.Submit(mempool.SubmitRequest{TxId: ids.Hash{2}, SizeBytes: 8, TimestampMicros: 100, Generic: &mempool.GenericAccountMessage{Target: b}})
	require.NoError(t, err)
	_, err = pool.Submit(mempool.SubmitRequest{TxId: ids.Hash{3}, SizeBytes: 8, TimestampMicros: 200, Generic: &mempool.GenericAccountMessage{Target: a}})
	require.NoError(t, err)

	entries := pool.GetTransactions(10)
	require.Len(t, entries, 3)
	require.Equal(t, ids.Hash{2}, entries[0].TxId)
	require.Equal(t, ids.Hash{3}, entries[1].TxId)
	require.Equal(t, ids.Hash{1}, entries[2].TxId)
}

// fakeChain is a ChainReader double: a parent-pointer map plus per-block
// included txids.
type fakeChain struct {
	parents  map[ids.BlockId]ids.BlockId
	slots    map[ids.BlockId]uint64
	included map[ids.BlockId][]ids.TxId
}

func (c *fakeChain) BlockIncludedTxIds(hash ids.BlockId) []ids.TxId { return c.included[hash] }

func (c *fakeChain) ParentOf(hash ids.BlockId) (ids.BlockId, uint64, bool) {
	p, ok := c.parents[hash]
	return p, c.slots[hash], ok
}

// OnChainUpdate walks parent links from the new tip down to the old tip's
// slot and removes every transaction those blocks included, then
// revalidates the remainder.
func TestOnChainUpdateRemovesIncludedAcrossWalkedBlocks(t *testing.T) {
	account := ids.Hash{0x80}
	state := newFakeState()
	state.addSnarkAccount(account, 0)
	pool := newTestPool(t, state)

	tx0, err := pool.Submit(snarkReq(ids.Hash{1}, account, 0, 100))
	require.NoError(t, err)
	tx1, err := pool.Submit(snarkReq(ids.Hash{2}, account, 1, 200))
	require.NoError(t, err)
	_, err = pool.Submit(snarkReq(ids.Hash{3}, account, 2, 300))
	require.NoError(t, err)

	blockA := ids.Hash{0xA1}
	blockB := ids.Hash{0xA2}
	chain := &fakeChain{
		parents:  map[ids.BlockId]ids.BlockId{blockB: blockA, blockA: ids.Hash{0xA0}},
		slots:    map[ids.BlockId]uint64{blockB: 2, blockA: 1},
		included: map[ids.BlockId][]ids.TxId{blockA: {tx0}, blockB: {tx1}},
	}

	state.expected[account] = 2
	pool.OnChainUpdate(chain, 0, blockB, state)

	require.Equal(t, 1, pool.Size())
	entries := pool.GetTransactions(10)
	require.Equal(t, uint64(2), entries[0].Snark.BaseUpdate.SeqNo)
}

// LoadFromDisk replays persisted entries in timestamp order and drops
// anything no longer valid against the supplied state.
func TestLoadFromDiskReplaysAndDropsInvalid(t *testing.T) {
	account := ids.Hash{0x70}
	state := newFakeState()
	state.addSnarkAccount(account, 0)
	db := gethrawdb.NewMemoryDatabase()
	pool := mempool.New(db, state, params.DefaultMempoolParams())

	_, err := pool.Submit(snarkReq(ids.Hash{1}, account, 0, 100))
	require.NoError(t, err)
	_, err = pool.Submit(snarkReq(ids.Hash{2}, account, 1, 200))
	require.NoError(t, err)

	reloaded := mempool.New(db, state, params.DefaultMempoolParams())
	require.NoError(t, reloaded.LoadFromDisk(state))
	require.Equal(t, 2, reloaded.Size())

	// An account that no longer exists on reload is dropped.
	otherDB := gethrawdb.NewMemoryDatabase()
	otherState := newFakeState()
	otherState.addSnarkAccount(account, 0)
	seedPool := mempool.New(otherDB, otherState, params.DefaultMempoolParams())
	_, err = seedPool.Submit(snarkReq(ids.Hash{3}, account, 0, 100))
	require.NoError(t, err)

	goneState := newFakeState() // account removed
	afterPool := mempool.New(otherDB, goneState, params.DefaultMempoolParams())
	require.NoError(t, afterPool.LoadFromDisk(goneState))
	require.Equal(t, 0, afterPool.Size())
}
