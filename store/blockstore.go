// Package store implements the two-layer execution-block store: a
// canonical finalized chain indexed by height, an unfinalized multimap
// permitting concurrent forks, and content-addressed block/payload maps,
// all persisted through an ethdb.Database with LRU-cached record lookups.
package store

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/bitroll/execnode/execblock"
	"github.com/bitroll/execnode/ids"
	"github.com/bitroll/execnode/params"
	"github.com/bitroll/execnode/store/rawdb"
)

const recordCacheLimit = 1024

var (
	finalizedHeightGauge = metrics.NewRegisteredGauge("store/finalized/height", nil)
	storeRetryMeter      = metrics.NewRegisteredMeter("store/txn/retries", nil)
)

// BlockStore is the single-writer, concurrently-readable persistence layer
// for execution blocks. Mutations are single-writer from the fork-choice
// manager and block-assembly paths; the mutex below is the Go
// embodiment of that discipline, and the retry loop absorbs the documented
// "not strictly serializable across multiple reads" contract of the
// underlying key/value backend.
type BlockStore struct {
	db     ethdb.Database
	params params.ConsensusParams

	mu sync.Mutex // serializes compound mutations; reads never take it

	recordCache *lru.Cache[ids.BlockId, *execblock.Record]
}

// New wraps db (e.g. a LevelDB-backed ethdb.Database in production, or
// ethdb/memorydb.New() in tests) in a BlockStore.
func New(db ethdb.Database, p params.ConsensusParams) *BlockStore {
	return &BlockStore{
		db:          db,
		params:      p,
		recordCache: lru.NewCache[ids.BlockId, *execblock.Record](recordCacheLimit),
	}
}

// withRetry runs fn, retrying with exponential backoff bounded by
// params.StoreMaxRetries when fn reports a txnAbort (its preconditions were
// invalidated by a racing writer between the pre-check read and the
// transactional commit). Any other error aborts immediately.
func (s *BlockStore) withRetry(fn func() error) error {
	delay := s.params.StoreRetryBaseDelay
	if delay <= 0 {
		delay = time.Millisecond
	}
	attempts := s.params.StoreMaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !isTxnAbort(err) {
			return err
		}
		storeRetryMeter.Mark(1)
		log.Debug("store: retrying compound mutation", "attempt", i+1, "err", err)
		time.Sleep(delay + time.Duration(rand.Int63n(int64(delay)+1)))
		delay *= 2
	}
	return err
}

// SaveExecBlock inserts rec/payload if rec.Blockhash is unknown; re-saving
// an existing hash is a no-op that preserves the original write.
func (s *BlockStore) SaveExecBlock(rec execblock.Record, payload execblock.Payload) error {
	return s.withRetry(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if existing := s.readExecBlock(rec.Blockhash); existing != nil {
			return nil
		}
		batch := s.db.NewBatch()
		if err := rawdb.WriteExecBlock(batch, rec); err != nil {
			return err
		}
		if err := rawdb.WriteExecBlockPayload(batch, rec.Blockhash, payload); err != nil {
			return err
		}
		if err := rawdb.WriteUnfinalized(batch, rec.Blocknum, rec.Blockhash); err != nil {
			return err
		}
		if err := batch.Write(); err != nil {
			return err
		}
		s.recordCache.Add(rec.Blockhash, &rec)
		return nil
	})
}

// InitFinalizedChain sets height 0 to hash. Idempotent if hash already is
// the recorded genesis; fails with ErrGenesisMismatch if a different
// genesis is already set.
func (s *BlockStore) InitFinalizedChain(hash ids.BlockId) error {
	return s.withRetry(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if existing, ok := rawdb.ReadGenesisHash(s.db); ok {
			if existing == hash {
				return nil
			}
			return ErrGenesisMismatch
		}
		rec := s.readExecBlock(hash)
		if rec == nil {
			return &MissingError{Entity: "block", ID: hash}
		}
		if rec.Blocknum != 0 {
			return ErrGenesisMismatch
		}
		// Re-check: no genesis marker means no finalized entries either; a
		// populated table here is a racing writer between the reads above.
		if _, ok := rawdb.ReadFinalizedTipHeight(s.db); ok {
			return errTxnExpectEmpty("finalized chain populated without a genesis marker")
		}
		batch := s.db.NewBatch()
		if err := rawdb.WriteGenesisHash(batch, hash); err != nil {
			return err
		}
		if err := rawdb.WriteFinalized(batch, 0, hash); err != nil {
			return err
		}
		if err := rawdb.DeleteUnfinalized(batch, 0, hash); err != nil {
			return err
		}
		if err := batch.Write(); err != nil {
			return err
		}
		finalizedHeightGauge.Update(0)
		return nil
	})
}

// ExtendFinalizedChain appends hash at tipHeight+1. Requires the finalized
// chain to be non-empty, hash to reference a stored block, and that block's
// ParentBlockhash to equal the current tip.
func (s *BlockStore) ExtendFinalizedChain(hash ids.BlockId) error {
	return s.withRetry(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		tipHeight, ok := rawdb.ReadFinalizedTipHeight(s.db)
		if !ok {
			return ErrEmpty
		}
		rec := s.readExecBlock(hash)
		if rec == nil {
			return &MissingError{Entity: "block", ID: hash}
		}
		tipHash := rawdb.ReadFinalized(s.db, tipHeight)
		if rec.ParentBlockhash != tipHash {
			return &ParentMismatchError{Expected: tipHash, Found: rec.ParentBlockhash}
		}
		if rec.Blocknum != tipHeight+1 {
			return errTxnFilled("candidate block height does not extend the finalized tip by one")
		}
		// Re-check under the lock: another writer may have raced between the
		// pre-check reads above and here (reads are not strictly
		// serializable across multiple reads).
		if raced, ok := rawdb.ReadFinalizedTipHeight(s.db); !ok || raced != tipHeight {
			return errTxnExpectFinalized("finalized tip moved during extend")
		}
		batch := s.db.NewBatch()
		if err := rawdb.WriteFinalized(batch, rec.Blocknum, hash); err != nil {
			return err
		}
		if err := rawdb.DeleteUnfinalized(batch, rec.Blocknum, hash); err != nil {
			return err
		}
		if err := batch.Write(); err != nil {
			return err
		}
		finalizedHeightGauge.Update(int64(rec.Blocknum))
		return nil
	})
}

// RevertFinalizedChain removes finalized entries above height h; the
// demoted blocks become unfinalized again but their block/payload data is
// preserved. A no-op if the current tip is already <= h.
func (s *BlockStore) RevertFinalizedChain(h uint64) error {
	return s.withRetry(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		tipHeight, ok := rawdb.ReadFinalizedTipHeight(s.db)
		if !ok {
			return ErrEmpty
		}
		if tipHeight <= h {
			return nil
		}
		batch := s.db.NewBatch()
		for height := tipHeight; height > h; height-- {
			hash := rawdb.ReadFinalized(s.db, height)
			if hash.IsZero() {
				continue
			}
			if err := rawdb.DeleteFinalized(batch, height); err != nil {
				return err
			}
			if err := rawdb.WriteUnfinalized(batch, height, hash); err != nil {
				return err
			}
		}
		if err := batch.Write(); err != nil {
			return err
		}
		finalizedHeightGauge.Update(int64(h))
		return nil
	})
}

// PruneBlockData permanently deletes block records, payloads and
// height-index entries for blocknum < h. It does not alter finalization
// bookkeeping (the finalized-height index entries themselves stay put).
func (s *BlockStore) PruneBlockData(h uint64) error {
	return s.withRetry(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		batch := s.db.NewBatch()
		for height := uint64(0); height < h; height++ {
			hashes := rawdb.ReadUnfinalizedAtHeight(s.db, height)
			if fin := rawdb.ReadFinalized(s.db, height); !fin.IsZero() {
				hashes = append(hashes, fin)
			}
			for _, hash := range hashes {
				if err := rawdb.DeleteExecBlock(batch, hash); err != nil {
					return err
				}
				if err := rawdb.DeleteExecBlockPayload(batch, hash); err != nil {
					return err
				}
				if err := rawdb.DeleteUnfinalized(batch, height, hash); err != nil {
					return err
				}
				s.recordCache.Remove(hash)
			}
		}
		return batch.Write()
	})
}

// BestFinalizedBlock returns the record at the highest finalized height, or
// nil if the finalized chain is empty.
func (s *BlockStore) BestFinalizedBlock() *execblock.Record {
	tipHeight, ok := rawdb.ReadFinalizedTipHeight(s.db)
	if !ok {
		return nil
	}
	hash := rawdb.ReadFinalized(s.db, tipHeight)
	return s.GetExecBlock(hash)
}

// GetFinalizedBlockAtHeight returns the canonical record at height h, or nil
// if h is above the finalized tip.
func (s *BlockStore) GetFinalizedBlockAtHeight(h uint64) *execblock.Record {
	hash := rawdb.ReadFinalized(s.db, h)
	if hash.IsZero() {
		return nil
	}
	return s.GetExecBlock(hash)
}

// GetFinalizedHeight returns (height, true) iff hash is exactly the block
// finalized at that height; it returns (_, false) for unknown, unfinalized,
// or losing-fork hashes.
func (s *BlockStore) GetFinalizedHeight(hash ids.BlockId) (uint64, bool) {
	rec := s.GetExecBlock(hash)
	if rec == nil {
		return 0, false
	}
	if rawdb.ReadFinalized(s.db, rec.Blocknum) == hash {
		return rec.Blocknum, true
	}
	return 0, false
}

// GetUnfinalizedBlocks returns every hash with height strictly greater than
// the finalized tip, in increasing height order (ties broken
// lexicographically by hash for a deterministic iteration order). Fails
// with ErrEmpty if the finalized chain is empty.
func (s *BlockStore) GetUnfinalizedBlocks() ([]ids.BlockId, error) {
	tipHeight, ok := rawdb.ReadFinalizedTipHeight(s.db)
	if !ok {
		return nil, ErrEmpty
	}
	entries := rawdb.ReadAllUnfinalized(s.db)
	out := make([]ids.BlockId, 0, len(entries))
	for _, e := range entries {
		if e.Height <= tipHeight {
			continue // losing fork at or below the finalized tip
		}
		out = append(out, e.Hash)
	}
	return out, nil
}

// GetExecBlock returns the record for hash, finalized or unfinalized, or nil
// if unknown. The record cache and the database both synchronize their own
// access, so reads never take the store's write mutex.
func (s *BlockStore) GetExecBlock(hash ids.BlockId) *execblock.Record {
	return s.readExecBlock(hash)
}

func (s *BlockStore) readExecBlock(hash ids.BlockId) *execblock.Record {
	if rec, ok := s.recordCache.Get(hash); ok {
		return rec
	}
	rec := rawdb.ReadExecBlock(s.db, hash)
	if rec != nil {
		s.recordCache.Add(hash, rec)
	}
	return rec
}

// GetBlockPayload returns the opaque payload for hash, or nil if unknown.
func (s *BlockStore) GetBlockPayload(hash ids.BlockId) execblock.Payload {
	return rawdb.ReadExecBlockPayload(s.db, hash)
}

// RecordOLStateAtEpoch records the L1 block the checkpoint considered safe
// when epoch was finalized.
func (s *BlockStore) RecordOLStateAtEpoch(epoch uint32, l1 ids.L1BlockId) error {
	return rawdb.WriteOLStateByEpoch(s.db, epoch, l1)
}

// OLStateAtEpoch returns the safe L1 block recorded for a finalized epoch.
func (s *BlockStore) OLStateAtEpoch(epoch uint32) (ids.L1BlockId, bool) {
	return rawdb.ReadOLStateByEpoch(s.db, epoch)
}

// PutAccountStateAtL1 records the encoded account state snapshotted at an
// L1 block; the anchor-state machine is the writer of this table.
func (s *BlockStore) PutAccountStateAtL1(l1 ids.L1BlockId, state []byte) error {
	return rawdb.WriteAccountStateByL1(s.db, l1, state)
}

// AccountStateAtL1 returns the encoded account state snapshotted at an L1
// block, or nil.
func (s *BlockStore) AccountStateAtL1(l1 ids.L1BlockId) []byte {
	return rawdb.ReadAccountStateByL1(s.db, l1)
}

// DeleteExecBlock removes a block, its payload, and its height-index entry.
// Idempotent for unknown hashes; fails with ErrCannotDeleteFinalized if hash
// is currently the finalized block at its height.
func (s *BlockStore) DeleteExecBlock(hash ids.BlockId) error {
	return s.withRetry(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		rec := s.readExecBlock(hash)
		if rec == nil {
			return nil
		}
		if rawdb.ReadFinalized(s.db, rec.Blocknum) == hash {
			return ErrCannotDeleteFinalized
		}
		batch := s.db.NewBatch()
		if err := rawdb.DeleteExecBlock(batch, hash); err != nil {
			return err
		}
		if err := rawdb.DeleteExecBlockPayload(batch, hash); err != nil {
			return err
		}
		if err := rawdb.DeleteUnfinalized(batch, rec.Blocknum, hash); err != nil {
			return err
		}
		if err := batch.Write(); err != nil {
			return err
		}
		s.recordCache.Remove(hash)
		return nil
	})
}
