// Package ids defines the content-addressed identifiers shared across the
// execution-layer node core: blocks, transactions, accounts and the L1
// (Bitcoin) blocks the core anchors against.
package ids

import (
	"encoding/hex"
	"fmt"
)

// Hash is a 32-byte content hash, the common representation underlying every
// identifier in this package.
type Hash [32]byte

func (h Hash) Bytes() []byte  { return h[:] }
func (h Hash) Hex() string    { return "0x" + hex.EncodeToString(h[:]) }
func (h Hash) String() string { return h.Hex() }
func (h Hash) IsZero() bool   { return h == Hash{} }

// HashFromBytes copies b into a Hash, left-padding is not performed: b must
// be exactly 32 bytes.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return h, fmt.Errorf("ids: expected %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// BlockId identifies an ExecBlockRecord by the hash of its canonical
// serialization.
type BlockId = Hash

// TxId identifies a mempool transaction; it is the hash of the canonical
// serialization of (payload, attachment) and is invariant under the
// accumulator-proof attachment done at block-assembly time.
type TxId = Hash

// AccountId identifies a snark or generic account targeted by transactions.
type AccountId = Hash

// L1BlockId identifies a Bitcoin block header verified by btcverify.
type L1BlockId = Hash

// NullBlockId is the conventional parent hash of a genesis block.
var NullBlockId BlockId

// BlockCommitment pins a block to its slot (height) and identity. The zero
// value is the "null" commitment used before any block has been produced.
type BlockCommitment struct {
	Slot  uint64
	Blkid BlockId
}

// IsNull reports whether every field of the commitment is the zero value.
func (c BlockCommitment) IsNull() bool {
	return c.Slot == 0 && c.Blkid.IsZero()
}

func (c BlockCommitment) String() string {
	return fmt.Sprintf("(slot=%d, blkid=%s)", c.Slot, c.Blkid)
}

// EpochCommitment pins a finalized epoch to the last slot/block it covers.
// Successive EpochCommitments observed by the fork-choice manager must be
// monotonic in both Epoch and LastSlot.
type EpochCommitment struct {
	Epoch     uint32
	LastSlot  uint64
	LastBlkid BlockId
}

func (c EpochCommitment) String() string {
	return fmt.Sprintf("(epoch=%d, last_slot=%d, last_blkid=%s)", c.Epoch, c.LastSlot, c.LastBlkid)
}

// StrictlyAdvances reports whether next strictly advances both Epoch and
// LastSlot relative to c, the acceptance rule for pending-finalization
// entries in the fork-choice manager.
func (c EpochCommitment) StrictlyAdvances(next EpochCommitment) bool {
	return next.Epoch > c.Epoch && next.LastSlot > c.LastSlot
}
