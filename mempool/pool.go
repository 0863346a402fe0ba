// Package mempool implements the dual-index transaction pool: per-account
// sequence-number ordering for snark account-update transactions and FIFO
// ordering for generic messages, with replacement, gap rejection, cascade
// removal, capacity/byte bounds, tip revalidation and on-disk recovery.
package mempool

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/bitroll/execnode/ids"
	mparams "github.com/bitroll/execnode/params"
	"github.com/bitroll/execnode/store/rawdb"
)

var (
	poolSizeGauge     = metrics.NewRegisteredGauge("mempool/size", nil)
	poolAdmittedMeter = metrics.NewRegisteredMeter("mempool/admitted", nil)
	poolRejectedMeter = metrics.NewRegisteredMeter("mempool/rejected", nil)
)

// accountState is the per-account index: the set of txids
// and seq_nos currently held for one account. The seq_no set is enforced
// gap-free and monotone from the account's next-expected number as an
// admission invariant.
type accountState struct {
	txids  map[ids.TxId]struct{}
	seqNos map[uint64]ids.TxId // seq_no -> txid holding it
}

func newAccountState() *accountState {
	return &accountState{txids: make(map[ids.TxId]struct{}), seqNos: make(map[uint64]ids.TxId)}
}

func (a *accountState) maxSeqNo() (uint64, bool) {
	if len(a.seqNos) == 0 {
		return 0, false
	}
	var max uint64
	first := true
	for sn := range a.seqNos {
		if first || sn > max {
			max = sn
			first = false
		}
	}
	return max, true
}

// SubmitRequest is a candidate transaction presented to Submit.
type SubmitRequest struct {
	TxId            ids.TxId
	SizeBytes       uint64
	TimestampMicros uint64
	MinSlot         *uint64
	MaxSlot         *uint64

	Generic *GenericAccountMessage
	Snark   *SnarkAccountUpdateNoProofs
}

// Pool is the transaction pool: it admits, orders, and evicts entries bound for block assembly.
type Pool struct {
	mu sync.Mutex

	params mparams.MempoolParams
	db     ethdb.Database // recovery table, mempool_tx prefix

	state StateAccessor

	entries    map[ids.TxId]*Entry
	ordering   *orderingIndexT
	accounts   map[ids.AccountId]*accountState
	totalBytes uint64
	stats      Stats
}

type orderingIndexT = btreeIndex

// New constructs an empty Pool bound to db for persisted recovery and
// accessor for admission-time state checks.
func New(db ethdb.Database, accessor StateAccessor, p mparams.MempoolParams) *Pool {
	return &Pool{
		params:   p,
		db:       db,
		state:    accessor,
		entries:  make(map[ids.TxId]*Entry),
		ordering: newBtreeIndex(),
		accounts: make(map[ids.AccountId]*accountState),
	}
}

func (p *Pool) accountFor(id ids.AccountId) *accountState {
	as, ok := p.accounts[id]
	if !ok {
		as = newAccountState()
		p.accounts[id] = as
	}
	return as
}

// Size returns the number of entries currently admitted.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Stats returns a snapshot of the admission/rejection counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Submit runs the admission algorithm against req.
func (p *Pool) Submit(req SubmitRequest) (ids.TxId, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// 1. Deduplicate by txid.
	if _, ok := p.entries[req.TxId]; ok {
		p.stats.Duplicate++
		return req.TxId, nil
	}

	// 2. Size bounds.
	if req.SizeBytes > p.params.MaxTxBytes {
		p.stats.RejectedSize++
		poolRejectedMeter.Mark(1)
		return ids.TxId{}, ErrTransactionTooLarge
	}
	if p.totalBytes+req.SizeBytes > p.params.MaxPoolBytes {
		p.stats.RejectedFull++
		poolRejectedMeter.Mark(1)
		return ids.TxId{}, ErrMempoolByteLimitExceeded
	}
	isReplacement := false
	account := req.accountTarget()
	var replacedSeqNo uint64
	if req.Snark != nil {
		as := p.accountFor(account)
		if _, ok := as.seqNos[req.Snark.BaseUpdate.SeqNo]; ok {
			isReplacement = true
			replacedSeqNo = req.Snark.BaseUpdate.SeqNo
		}
	}
	if !isReplacement && len(p.entries) >= p.params.MaxPoolCount {
		p.stats.RejectedFull++
		poolRejectedMeter.Mark(1)
		return ids.TxId{}, ErrMempoolFull
	}

	// 3. Slot window.
	curSlot := p.state.CurSlot()
	if req.MinSlot != nil && curSlot < *req.MinSlot {
		p.stats.RejectedSlot++
		poolRejectedMeter.Mark(1)
		return ids.TxId{}, ErrTransactionNotMature
	}
	if req.MaxSlot != nil && curSlot > *req.MaxSlot {
		p.stats.RejectedSlot++
		poolRejectedMeter.Mark(1)
		return ids.TxId{}, ErrTransactionExpired
	}

	// 4. Account target existence/type.
	if !p.state.AccountExists(account) {
		poolRejectedMeter.Mark(1)
		return ids.TxId{}, ErrAccountDoesNotExist
	}
	wantClass := ClassGeneric
	if req.Snark != nil {
		wantClass = ClassSnark
	}
	if p.state.AccountClass(account) != wantClass {
		poolRejectedMeter.Mark(1)
		return ids.TxId{}, ErrAccountTypeMismatch
	}

	// 5. Snark sequencing.
	if req.Snark != nil {
		if err := p.checkSnarkSequencing(account, req.Snark.BaseUpdate.SeqNo); err != nil {
			p.stats.RejectedGap++
			poolRejectedMeter.Mark(1)
			return ids.TxId{}, err
		}
	}

	entry := &Entry{
		TxId:      req.TxId,
		SizeBytes: req.SizeBytes,
		MinSlot:   req.MinSlot,
		MaxSlot:   req.MaxSlot,
		Generic:   req.Generic,
		Snark:     req.Snark,
	}
	if req.Snark != nil {
		entry.Ordering = OrderingKey{Class: ClassSnark, Account: account, SeqNo: req.Snark.BaseUpdate.SeqNo, TimestampMicros: req.TimestampMicros}
	} else {
		entry.Ordering = OrderingKey{Class: ClassGeneric, TimestampMicros: req.TimestampMicros}
	}

	if isReplacement {
		p.replaceAt(account, replacedSeqNo, entry)
		p.stats.Replaced++
	} else {
		p.insert(entry)
		p.stats.Admitted++
	}
	poolAdmittedMeter.Mark(1)
	poolSizeGauge.Update(int64(len(p.entries)))

	if err := p.persist(req.TimestampMicros, entry); err != nil {
		log.Error("mempool: failed to persist entry", "txid", entry.TxId, "err", err)
	}
	return entry.TxId, nil
}

func (r SubmitRequest) accountTarget() ids.AccountId {
	if r.Snark != nil {
		return r.Snark.Target
	}
	if r.Generic != nil {
		return r.Generic.Target
	}
	return ids.AccountId{}
}

// checkSnarkSequencing enforces no-gap, monotone sequencing for one account.
func (p *Pool) checkSnarkSequencing(account ids.AccountId, seqNo uint64) error {
	expected := p.state.ExpectedSeqNo(account)
	as := p.accountFor(account)

	if seqNo < expected {
		return &UsedSequenceNumberError{Expected: expected, Actual: seqNo}
	}
	if _, ok := as.seqNos[seqNo]; ok {
		return nil // replacement; caller already detected this
	}
	nextRequired := expected
	if max, ok := as.maxSeqNo(); ok {
		nextRequired = max + 1
	}
	if seqNo > nextRequired {
		return &SequenceNumberGapError{Expected: nextRequired, Actual: seqNo}
	}
	return nil
}

// insert is the sole mutator touching all three indices on a fresh
// admission.
func (p *Pool) insert(e *Entry) {
	p.entries[e.TxId] = e
	p.ordering.insert(e.Ordering, e.TxId)
	as := p.accountFor(e.Account())
	as.txids[e.TxId] = struct{}{}
	if e.Snark != nil {
		as.seqNos[e.Snark.BaseUpdate.SeqNo] = e.TxId
	}
	p.totalBytes += e.SizeBytes
}

func (p *Pool) removeIndicesOnly(e *Entry) {
	delete(p.entries, e.TxId)
	p.ordering.remove(e.Ordering, e.TxId)
	if as, ok := p.accounts[e.Account()]; ok {
		delete(as.txids, e.TxId)
		if e.Snark != nil {
			delete(as.seqNos, e.Snark.BaseUpdate.SeqNo)
		}
	}
	p.totalBytes -= e.SizeBytes
}

// replaceAt is the only mutator of all three indices for replacement:
// remove the prior entry holding seqNo, then insert next.
func (p *Pool) replaceAt(account ids.AccountId, seqNo uint64, next *Entry) {
	as := p.accountFor(account)
	if oldTxid, ok := as.seqNos[seqNo]; ok {
		if old, ok := p.entries[oldTxid]; ok {
			p.removeIndicesOnly(old)
			_ = p.deletePersisted(oldTxid)
		}
	}
	p.insert(next)
}

// removeCascade removes the entry (account, seqNo) and every held entry for
// the same account with seq_no >= seqNo, irrespective of their individual
// validity.
func (p *Pool) removeCascade(account ids.AccountId, seqNo uint64) int {
	as, ok := p.accounts[account]
	if !ok {
		return 0
	}
	var toRemove []ids.TxId
	for sn, txid := range as.seqNos {
		if sn >= seqNo {
			toRemove = append(toRemove, txid)
		}
	}
	for _, txid := range toRemove {
		if e, ok := p.entries[txid]; ok {
			p.removeIndicesOnly(e)
			_ = p.deletePersisted(txid)
		}
	}
	p.stats.CascadeEvicted += uint64(len(toRemove))
	return len(toRemove)
}

// GetTransactions returns up to limit admitted entries in ordering-index
// order. Since admission enforces
// no-gap, no gap-scan is needed at dequeue time.
func (p *Pool) GetTransactions(limit int) []*Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limit <= 0 {
		limit = p.params.FetchBatchCap
	}
	var out []*Entry
	p.ordering.ascend(func(txid ids.TxId) bool {
		if e, ok := p.entries[txid]; ok {
			out = append(out, e)
		}
		return len(out) < limit
	})
	return out
}

// OnNewBlock implements the "Event: new block at tip T" handler: included
// txids are removed without cascade, then every remaining entry is
// revalidated against newState; failures are removed with cascade.
func (p *Pool) OnNewBlock(includedTxids []ids.TxId, newState StateAccessor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = newState
	for _, txid := range includedTxids {
		if e, ok := p.entries[txid]; ok {
			p.removeIndicesOnly(e)
			_ = p.deletePersisted(txid)
		}
	}
	p.revalidateLocked()
	poolSizeGauge.Update(int64(len(p.entries)))
}

// revalidateLocked re-checks every remaining entry against p.state,
// cascading from the first invalid seq_no found per account.
func (p *Pool) revalidateLocked() {
	invalidSeen := make(map[ids.AccountId]uint64)
	for _, e := range p.sortedEntriesLocked() {
		if _, held := p.entries[e.TxId]; !held {
			continue // removed by an earlier cascade this pass
		}
		account := e.Account()
		if floor, ok := invalidSeen[account]; ok && e.Snark != nil && e.Snark.BaseUpdate.SeqNo >= floor {
			continue // already cascaded away
		}
		if p.stillValidLocked(e) {
			continue
		}
		var seqNo uint64
		if e.Snark != nil {
			seqNo = e.Snark.BaseUpdate.SeqNo
		}
		if existing, ok := invalidSeen[account]; !ok || seqNo < existing {
			invalidSeen[account] = seqNo
		}
		p.removeCascade(account, seqNo)
	}
}

// stillValidLocked re-checks the same class/slot-window/account-existence
// preconditions Submit enforces, against the current state.
func (p *Pool) stillValidLocked(e *Entry) bool {
	account := e.Account()
	if !p.state.AccountExists(account) {
		return false
	}
	wantClass := ClassGeneric
	if e.Snark != nil {
		wantClass = ClassSnark
	}
	if p.state.AccountClass(account) != wantClass {
		return false
	}
	curSlot := p.state.CurSlot()
	if e.MinSlot != nil && curSlot < *e.MinSlot {
		return false
	}
	if e.MaxSlot != nil && curSlot > *e.MaxSlot {
		return false
	}
	return true
}

func (p *Pool) sortedEntriesLocked() []*Entry {
	var out []*Entry
	p.ordering.ascend(func(txid ids.TxId) bool {
		if e, ok := p.entries[txid]; ok {
			out = append(out, e)
		}
		return true
	})
	return out
}

// ChainReader is the collaborator needed to walk parent links between the
// old and new chain tip.
type ChainReader interface {
	BlockIncludedTxIds(hash ids.BlockId) []ids.TxId
	ParentOf(hash ids.BlockId) (parent ids.BlockId, slot uint64, ok bool)
}

// OnChainUpdate walks parent links from newTip back to a block at or below
// oldTipSlot, collects blocks in ancestor order, and applies OnNewBlock's
// per-block removal before a single revalidation pass against newState.
func (p *Pool) OnChainUpdate(reader ChainReader, oldTipSlot uint64, newTip ids.BlockId, newState StateAccessor) {
	var chain []ids.BlockId
	cur := newTip
	for {
		parent, slot, ok := reader.ParentOf(cur)
		chain = append(chain, cur)
		if !ok || slot <= oldTipSlot {
			break
		}
		cur = parent
	}
	// chain was collected newest-first; reverse to chronological order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = newState
	for _, hash := range chain {
		for _, txid := range reader.BlockIncludedTxIds(hash) {
			if e, ok := p.entries[txid]; ok {
				p.removeIndicesOnly(e)
				_ = p.deletePersisted(txid)
			}
		}
	}
	p.revalidateLocked()
	poolSizeGauge.Update(int64(len(p.entries)))
}

// ApplyFeedback processes block-assembly feedback: ReasonInvalid triggers
// cascade removal; ReasonFailed leaves the entry in place for a future
// block to retry.
func (p *Pool) ApplyFeedback(feedback []Feedback) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, fb := range feedback {
		if fb.Reason != ReasonInvalid {
			continue
		}
		e, ok := p.entries[fb.TxId]
		if !ok {
			continue
		}
		var seqNo uint64
		if e.Snark != nil {
			seqNo = e.Snark.BaseUpdate.SeqNo
		}
		p.removeCascade(e.Account(), seqNo)
	}
	poolSizeGauge.Update(int64(len(p.entries)))
}

// persistedEntry is the RLP-encoded container stored in the mempool_tx
// recovery table.
type persistedEntry struct {
	TimestampMicros uint64
	SizeBytes       uint64
	IsSnark         bool
	HasMinSlot      bool
	MinSlot         uint64
	HasMaxSlot      bool
	MaxSlot         uint64
	Generic         GenericAccountMessage
	Snark           SnarkAccountUpdateNoProofs
}

// persist writes e to the recovery table. Encode errors are logged rather
// than failing the admission: the entry was constructed in-process and is
// never expected to fail to encode.
func (p *Pool) persist(tsMicros uint64, e *Entry) error {
	pe := persistedEntry{TimestampMicros: tsMicros, SizeBytes: e.SizeBytes, IsSnark: e.Snark != nil}
	if e.MinSlot != nil {
		pe.HasMinSlot = true
		pe.MinSlot = *e.MinSlot
	}
	if e.MaxSlot != nil {
		pe.HasMaxSlot = true
		pe.MaxSlot = *e.MaxSlot
	}
	if e.Generic != nil {
		pe.Generic = *e.Generic
	}
	if e.Snark != nil {
		pe.Snark = *e.Snark
	}
	data, err := rlp.EncodeToBytes(&pe)
	if err != nil {
		return err
	}
	return p.db.Put(rawdb.MempoolTxKey(e.TxId), data)
}

func (p *Pool) deletePersisted(txid ids.TxId) error {
	return p.db.Delete(rawdb.MempoolTxKey(txid))
}

// recoveredEntry pairs a decoded persistedEntry with the txid its key
// encoded, for replay in persisted (timestamp) order on reload.
type recoveredEntry struct {
	txid            ids.TxId
	timestampMicros uint64
	entry           persistedEntry
}

// LoadFromDisk replays the recovery table built by persist, in ascending
// timestamp order, re-running admission against the supplied state and
// dropping anything that is no longer valid (account gone, class changed,
// seq_no superseded on-chain).
func (p *Pool) LoadFromDisk(state StateAccessor) error {
	it := p.db.NewIterator(rawdb.MempoolTxPrefix(), nil)
	defer it.Release()

	var recovered []recoveredEntry
	prefixLen := len(rawdb.MempoolTxPrefix())
	for it.Next() {
		key := it.Key()
		if len(key) < prefixLen+32 {
			continue
		}
		var txid ids.TxId
		copy(txid[:], key[prefixLen:])

		var pe persistedEntry
		if err := rlp.DecodeBytes(it.Value(), &pe); err != nil {
			log.Error("mempool: corrupt recovery entry, dropping", "txid", txid, "err", err)
			_ = p.db.Delete(key)
			continue
		}
		recovered = append(recovered, recoveredEntry{txid: txid, timestampMicros: pe.TimestampMicros, entry: pe})
	}
	if err := it.Error(); err != nil {
		return err
	}

	sortRecoveredByTimestamp(recovered)

	p.mu.Lock()
	p.state = state
	p.mu.Unlock()

	for _, r := range recovered {
		req := SubmitRequest{TxId: r.txid, SizeBytes: r.entry.SizeBytes, TimestampMicros: r.timestampMicros}
		if r.entry.HasMinSlot {
			minSlot := r.entry.MinSlot
			req.MinSlot = &minSlot
		}
		if r.entry.HasMaxSlot {
			maxSlot := r.entry.MaxSlot
			req.MaxSlot = &maxSlot
		}
		if r.entry.IsSnark {
			snark := r.entry.Snark
			req.Snark = &snark
		} else {
			generic := r.entry.Generic
			req.Generic = &generic
		}
		if _, err := p.Submit(req); err != nil {
			log.Debug("mempool: dropping recovered entry on replay", "txid", r.txid, "err", err)
			_ = p.deletePersisted(r.txid)
		}
	}
	return nil
}

func sortRecoveredByTimestamp(entries []recoveredEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].timestampMicros < entries[j].timestampMicros
	})
}
