package mempool

import (
	"bytes"

	"github.com/bitroll/execnode/ids"
)

// TxClass distinguishes the two ordering regimes entries can use.
type TxClass int

const (
	ClassSnark TxClass = iota
	ClassGeneric
)

// OrderingKey tags a mempool entry with the ordering regime of its
// transaction class:
//
//   - Snark{account_id, seq_no, timestamp_µs} orders first by
//     (account_id, seq_no) within an account, else by timestamp_µs across
//     accounts.
//   - Generic{timestamp_µs} orders by timestamp_µs.
//   - Comparison between classes uses timestamp_µs alone.
type OrderingKey struct {
	Class           TxClass
	Account         ids.AccountId // zero for Generic
	SeqNo           uint64        // meaningful only for Snark
	TimestampMicros uint64
}

// orderingLess defines the strict total order consumed by the ordering index. Two
// Snark keys for the same account compare by SeqNo; everything else
// (different accounts, Generic-vs-Generic, Snark-vs-Generic) compares by
// timestamp, with txid as a final deterministic tiebreaker.
func orderingLess(a, b OrderingKey, aTxid, bTxid ids.TxId) bool {
	if a.Class == ClassSnark && b.Class == ClassSnark && a.Account == b.Account {
		if a.SeqNo != b.SeqNo {
			return a.SeqNo < b.SeqNo
		}
		return bytes.Compare(aTxid[:], bTxid[:]) < 0
	}
	if a.TimestampMicros != b.TimestampMicros {
		return a.TimestampMicros < b.TimestampMicros
	}
	return bytes.Compare(aTxid[:], bTxid[:]) < 0
}

// Entry is a single admitted mempool transaction: its mempool-form payload,
// serialized size, and ordering tag.
type Entry struct {
	TxId      ids.TxId
	SizeBytes uint64
	Ordering  OrderingKey

	// MinSlot/MaxSlot are retained from submission so revalidation can
	// re-check the slot window against a later state, not just at
	// admission time.
	MinSlot *uint64
	MaxSlot *uint64

	// Exactly one of Generic / Snark is populated, matching Ordering.Class.
	Generic *GenericAccountMessage
	Snark   *SnarkAccountUpdateNoProofs
}

// Account returns the account targeted by this entry, for both classes.
func (e *Entry) Account() ids.AccountId {
	if e.Snark != nil {
		return e.Snark.Target
	}
	if e.Generic != nil {
		return e.Generic.Target
	}
	return ids.AccountId{}
}
