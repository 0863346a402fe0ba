package forkchoice

import (
	"github.com/ethereum/go-ethereum/event"

	"github.com/bitroll/execnode/ids"
)

// ChainSyncStatus is broadcast on every successful NewBlock processing
// pass. It is a live broadcast, not a replayed log: subscribers see only
// values published after they subscribe.
type ChainSyncStatus struct {
	Tip            ids.BlockCommitment
	PrevEpoch      ids.EpochCommitment
	FinalizedEpoch ids.EpochCommitment
	SafeL1         ids.L1BlockId
}

// StatusFeed wraps event.FeedOf so Manager callers get compile-checked
// Send/Subscribe calls.
type StatusFeed struct {
	feed event.FeedOf[ChainSyncStatus]
}

// Send publishes status to every current subscriber; slow subscribers may
// miss intermediate values.
func (f *StatusFeed) Send(status ChainSyncStatus) int {
	return f.feed.Send(status)
}

// Subscribe registers ch to receive future ChainSyncStatus values.
func (f *StatusFeed) Subscribe(ch chan<- ChainSyncStatus) event.Subscription {
	return f.feed.Subscribe(ch)
}
