package rawdb

import (
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/bitroll/execnode/execblock"
	"github.com/bitroll/execnode/ids"
)

// ReadExecBlock retrieves an execution block record by hash, or nil if
// absent.
func ReadExecBlock(db ethdb.Reader, hash ids.BlockId) *execblock.Record {
	data, err := db.Get(ExecBlockKey(hash))
	if err != nil || len(data) == 0 {
		return nil
	}
	rec := new(execblock.Record)
	if err := rlp.DecodeBytes(data, rec); err != nil {
		log.Error("Invalid exec block RLP", "hash", hash, "err", err)
		return nil
	}
	return rec
}

// HasExecBlock reports whether a block record exists for hash.
func HasExecBlock(db ethdb.Reader, hash ids.BlockId) bool {
	ok, _ := db.Has(ExecBlockKey(hash))
	return ok
}

// WriteExecBlock stores a block record, unconditionally overwriting any
// prior value at the key; callers enforce first-write-wins semantics.
func WriteExecBlock(db ethdb.KeyValueWriter, rec execblock.Record) error {
	data, err := rlp.EncodeToBytes(rec)
	if err != nil {
		log.Crit("Failed to RLP encode exec block", "err", err)
	}
	return db.Put(ExecBlockKey(rec.Blockhash), data)
}

// DeleteExecBlock removes a block record.
func DeleteExecBlock(db ethdb.KeyValueWriter, hash ids.BlockId) error {
	return db.Delete(ExecBlockKey(hash))
}

// ReadExecBlockPayload retrieves an execution block's opaque payload, or nil
// if absent.
func ReadExecBlockPayload(db ethdb.Reader, hash ids.BlockId) execblock.Payload {
	data, err := db.Get(ExecBlockPayloadKey(hash))
	if err != nil || len(data) == 0 {
		return nil
	}
	return execblock.Payload(data)
}

// WriteExecBlockPayload stores an execution block's opaque payload.
func WriteExecBlockPayload(db ethdb.KeyValueWriter, hash ids.BlockId, payload execblock.Payload) error {
	return db.Put(ExecBlockPayloadKey(hash), payload)
}

// DeleteExecBlockPayload removes an execution block's opaque payload.
func DeleteExecBlockPayload(db ethdb.KeyValueWriter, hash ids.BlockId) error {
	return db.Delete(ExecBlockPayloadKey(hash))
}

// WriteUnfinalized records hash as present at height in the unfinalized
// multimap.
func WriteUnfinalized(db ethdb.KeyValueWriter, height uint64, hash ids.BlockId) error {
	return db.Put(UnfinalizedKey(height, hash), []byte{1})
}

// DeleteUnfinalized removes the (height, hash) entry from the unfinalized
// multimap.
func DeleteUnfinalized(db ethdb.KeyValueWriter, height uint64, hash ids.BlockId) error {
	return db.Delete(UnfinalizedKey(height, hash))
}

// ReadUnfinalizedAtHeight returns every hash recorded at height, in
// lexicographic order (a deterministic stabilization of otherwise-unordered
// ties between competing forks at the same height).
func ReadUnfinalizedAtHeight(db ethdb.Iteratee, height uint64) []ids.BlockId {
	it := db.NewIterator(UnfinalizedHeightPrefix(height), nil)
	defer it.Release()
	var out []ids.BlockId
	for it.Next() {
		out = append(out, HashFromUnfinalizedKey(it.Key()))
	}
	return out
}

// ReadAllUnfinalized returns every (height, hash) pair in the unfinalized
// multimap, ordered by increasing height then lexicographically by hash.
func ReadAllUnfinalized(db ethdb.Iteratee) []struct {
	Height uint64
	Hash   ids.BlockId
} {
	it := db.NewIterator(UnfinalizedPrefix(), nil)
	defer it.Release()
	var out []struct {
		Height uint64
		Hash   ids.BlockId
	}
	for it.Next() {
		key := it.Key()
		out = append(out, struct {
			Height uint64
			Hash   ids.BlockId
		}{HeightFromUnfinalizedKey(key), HashFromUnfinalizedKey(key)})
	}
	return out
}

// ReadFinalized retrieves the blockhash finalized at height, or the zero
// value if none.
func ReadFinalized(db ethdb.Reader, height uint64) ids.BlockId {
	data, err := db.Get(FinalizedKey(height))
	if err != nil || len(data) != 32 {
		return ids.BlockId{}
	}
	var h ids.BlockId
	copy(h[:], data)
	return h
}

// WriteFinalized records hash as the canonical block finalized at height.
func WriteFinalized(db ethdb.KeyValueWriter, height uint64, hash ids.BlockId) error {
	return db.Put(FinalizedKey(height), hash[:])
}

// DeleteFinalized removes the finalized-chain entry at height.
func DeleteFinalized(db ethdb.KeyValueWriter, height uint64) error {
	return db.Delete(FinalizedKey(height))
}

// ReadFinalizedTipHeight scans the finalized-chain prefix (big-endian keys
// sort in height order) and keeps the last entry seen, i.e. the highest
// recorded height; ok=false if the chain is empty.
func ReadFinalizedTipHeight(db ethdb.Iteratee) (height uint64, ok bool) {
	it := db.NewIterator(FinalizedPrefix(), nil)
	defer it.Release()
	for it.Next() {
		height = HeightFromFinalizedKey(it.Key())
		ok = true
	}
	return height, ok
}

// ReadOLStateByEpoch retrieves the L1 block recorded as safe when epoch was
// finalized, or ok=false if the epoch has not been finalized.
func ReadOLStateByEpoch(db ethdb.Reader, epoch uint32) (ids.L1BlockId, bool) {
	data, err := db.Get(OLStateByEpochKey(epoch))
	if err != nil || len(data) != 32 {
		return ids.L1BlockId{}, false
	}
	var h ids.L1BlockId
	copy(h[:], data)
	return h, true
}

// WriteOLStateByEpoch records the safe L1 block for a finalized epoch.
func WriteOLStateByEpoch(db ethdb.KeyValueWriter, epoch uint32, l1 ids.L1BlockId) error {
	return db.Put(OLStateByEpochKey(epoch), l1[:])
}

// ReadAccountStateByL1 retrieves the encoded account state snapshotted at
// an L1 block, or nil if none was recorded.
func ReadAccountStateByL1(db ethdb.Reader, l1 ids.L1BlockId) []byte {
	data, err := db.Get(AccountStateByL1Key(l1))
	if err != nil || len(data) == 0 {
		return nil
	}
	return data
}

// WriteAccountStateByL1 records the encoded account state snapshotted at an
// L1 block.
func WriteAccountStateByL1(db ethdb.KeyValueWriter, l1 ids.L1BlockId, state []byte) error {
	return db.Put(AccountStateByL1Key(l1), state)
}

// ReadGenesisHash retrieves the one-time genesis hash marker, or the zero
// value if InitFinalizedChain has never been called.
func ReadGenesisHash(db ethdb.Reader) (ids.BlockId, bool) {
	data, err := db.Get(GenesisHashKey())
	if err != nil || len(data) != 32 {
		return ids.BlockId{}, false
	}
	var h ids.BlockId
	copy(h[:], data)
	return h, true
}

// WriteGenesisHash records the one-time genesis hash marker.
func WriteGenesisHash(db ethdb.KeyValueWriter, hash ids.BlockId) error {
	return db.Put(GenesisHashKey(), hash[:])
}
