package assembly

import (
	"github.com/bitroll/execnode/ids"
	"github.com/bitroll/execnode/mmr"
)

// L1HeaderMmrSource generates inclusion proofs against the global ASM
// accumulator of verified L1 (Bitcoin) headers, keyed by height-as-leaf-
// index. The ASM itself (the anchor-state machine that produces the
// checkpoint signal) is out of scope; this interface is the read-only
// surface block assembly needs from it.
type L1HeaderMmrSource interface {
	Proof(leafIndex uint64, claimedHash ids.Hash) (mmr.Proof, error)
}

// InboxMmrSource generates inclusion proofs against a per-account inbox
// accumulator of processed messages.
type InboxMmrSource interface {
	Proof(account ids.AccountId, leafIndex uint64, claimedHash ids.Hash) (mmr.Proof, error)
}

// SingleL1HeaderMmr adapts a single *mmr.Accumulator to L1HeaderMmrSource.
type SingleL1HeaderMmr struct {
	Acc *mmr.Accumulator
}

func (s SingleL1HeaderMmr) Proof(leafIndex uint64, claimedHash ids.Hash) (mmr.Proof, error) {
	return s.Acc.Proof(leafIndex, claimedHash)
}

// PerAccountInboxMmr adapts a map of per-account *mmr.Accumulator to
// InboxMmrSource.
type PerAccountInboxMmr struct {
	Accs map[ids.AccountId]*mmr.Accumulator
}

func (p PerAccountInboxMmr) Proof(account ids.AccountId, leafIndex uint64, claimedHash ids.Hash) (mmr.Proof, error) {
	acc, ok := p.Accs[account]
	if !ok {
		return mmr.Proof{}, &mmr.ErrLeafNotFound{Index: leafIndex, Len: 0}
	}
	return acc.Proof(leafIndex, claimedHash)
}
