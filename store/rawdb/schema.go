// Package rawdb defines the on-disk key encoding for the execution-block
// store: a short ASCII prefix followed by a big-endian numeric key and/or
// a raw hash, plus typed Read/Write/Delete accessors over each table.
package rawdb

import (
	"encoding/binary"

	"github.com/bitroll/execnode/ids"
)

var (
	// execBlockPrefix + blockhash -> rlp(execblock.Record)
	execBlockPrefix = []byte("b")

	// execBlockPayloadPrefix + blockhash -> opaque bytes
	execBlockPayloadPrefix = []byte("p")

	// unfinalizedPrefix + BE8(height) + blockhash -> 0x01 (presence-only index)
	unfinalizedPrefix = []byte("u")

	// finalizedPrefix + BE8(height) -> blockhash
	finalizedPrefix = []byte("f")

	// olStateByEpochPrefix + BE4(epoch) -> L1 blockhash at finalization
	olStateByEpochPrefix = []byte("e")

	// accountStateByL1Prefix + L1 blockhash -> encoded account state
	accountStateByL1Prefix = []byte("a")

	// genesisHashKey -> blockhash, set once by InitFinalizedChain.
	genesisHashKey = []byte("GenesisHash")

	// mempoolTxPrefix + txid -> rlp(mempoolTxRecord)
	mempoolTxPrefix = []byte("m")
)

func encodeHeight(height uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, height)
	return buf
}

func decodeHeight(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// ExecBlockKey is the database key for an execution block record.
func ExecBlockKey(hash ids.BlockId) []byte {
	return append(append([]byte{}, execBlockPrefix...), hash[:]...)
}

// ExecBlockPayloadKey is the database key for an execution block's opaque
// payload.
func ExecBlockPayloadKey(hash ids.BlockId) []byte {
	return append(append([]byte{}, execBlockPayloadPrefix...), hash[:]...)
}

// UnfinalizedKey is the database key for one (height, hash) entry in the
// unfinalized multimap.
func UnfinalizedKey(height uint64, hash ids.BlockId) []byte {
	key := append(append([]byte{}, unfinalizedPrefix...), encodeHeight(height)...)
	return append(key, hash[:]...)
}

// UnfinalizedHeightPrefix is the key prefix shared by every entry recorded
// at the given height, used to delete/scan a height's fork set.
func UnfinalizedHeightPrefix(height uint64) []byte {
	return append(append([]byte{}, unfinalizedPrefix...), encodeHeight(height)...)
}

// UnfinalizedPrefix is the key prefix shared by every entry in the
// unfinalized multimap, used to range-scan it in increasing height order.
func UnfinalizedPrefix() []byte {
	return append([]byte{}, unfinalizedPrefix...)
}

// FinalizedKey is the database key mapping a finalized height to its
// canonical blockhash.
func FinalizedKey(height uint64) []byte {
	return append(append([]byte{}, finalizedPrefix...), encodeHeight(height)...)
}

// FinalizedPrefix is the key prefix shared by every finalized-chain entry.
func FinalizedPrefix() []byte {
	return append([]byte{}, finalizedPrefix...)
}

// OLStateByEpochKey is the database key mapping a finalized epoch to the
// L1 block its checkpoint considered safe.
func OLStateByEpochKey(epoch uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, epoch)
	return append(append([]byte{}, olStateByEpochPrefix...), buf...)
}

// AccountStateByL1Key is the database key for the encoded account state
// snapshotted at an L1 block.
func AccountStateByL1Key(l1 ids.L1BlockId) []byte {
	return append(append([]byte{}, accountStateByL1Prefix...), l1[:]...)
}

// GenesisHashKey is the database key for the one-time genesis hash marker.
func GenesisHashKey() []byte {
	return append([]byte{}, genesisHashKey...)
}

// MempoolTxKey is the database key for a persisted mempool entry.
func MempoolTxKey(txid ids.TxId) []byte {
	return append(append([]byte{}, mempoolTxPrefix...), txid[:]...)
}

// MempoolTxPrefix is the key prefix shared by every persisted mempool entry.
func MempoolTxPrefix() []byte {
	return append([]byte{}, mempoolTxPrefix...)
}

// HeightFromUnfinalizedKey extracts the height encoded in a key produced by
// UnfinalizedKey/UnfinalizedHeightPrefix.
func HeightFromUnfinalizedKey(key []byte) uint64 {
	return decodeHeight(key[len(unfinalizedPrefix) : len(unfinalizedPrefix)+8])
}

// HashFromUnfinalizedKey extracts the blockhash encoded in a key produced by
// UnfinalizedKey.
func HashFromUnfinalizedKey(key []byte) ids.BlockId {
	var h ids.BlockId
	copy(h[:], key[len(unfinalizedPrefix)+8:])
	return h
}

// HeightFromFinalizedKey extracts the height encoded in a key produced by
// FinalizedKey.
func HeightFromFinalizedKey(key []byte) uint64 {
	return decodeHeight(key[len(finalizedPrefix):])
}
