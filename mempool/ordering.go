package mempool

import (
	"github.com/google/btree"

	"github.com/bitroll/execnode/ids"
)

// orderingItem is the element type stored in the ordering index: the
// ordering key plus the txid needed both as a tiebreaker and to recover the
// entry itself on iteration.
type orderingItem struct {
	key  OrderingKey
	txid ids.TxId
}

// btreeIndex wraps the raw google/btree tree with the insert/remove/ascend
// operations Pool actually needs, keeping the comparator and the
// (key, txid) packing in one place.
type btreeIndex struct {
	tree *btree.BTreeG[orderingItem]
}

// newBtreeIndex builds the ordered index over ordering key -> txid.
func newBtreeIndex() *btreeIndex {
	return &btreeIndex{tree: btree.NewG(32, func(a, b orderingItem) bool {
		return orderingLess(a.key, b.key, a.txid, b.txid)
	})}
}

func (b *btreeIndex) insert(key OrderingKey, txid ids.TxId) {
	b.tree.ReplaceOrInsert(orderingItem{key: key, txid: txid})
}

func (b *btreeIndex) remove(key OrderingKey, txid ids.TxId) {
	b.tree.Delete(orderingItem{key: key, txid: txid})
}

// ascend walks entries in ordering-index order, stopping early when visit
// returns false.
func (b *btreeIndex) ascend(visit func(txid ids.TxId) bool) {
	b.tree.Ascend(func(item orderingItem) bool {
		return visit(item.txid)
	})
}
