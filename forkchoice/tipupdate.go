package forkchoice

import (
	"bytes"

	"github.com/bitroll/execnode/ids"
)

// UpdateKind classifies how the best tip changed.
type UpdateKind int

const (
	UpdateExtend UpdateKind = iota
	UpdateLongExtend
	UpdateReorg
	UpdateRevert
)

// TipUpdate describes the transition from the previous best tip to the new
// one.
type TipUpdate struct {
	Kind UpdateKind
	Old  ids.BlockId
	New  ids.BlockId

	// Path carries the intermediate blocks for LongExtend (old-exclusive,
	// new-inclusive, ancestor-first) and the new-branch path for Reorg.
	Path []ids.BlockId

	// Pivot is the lowest common ancestor for Reorg.
	Pivot ids.BlockId
	// OldBranch is the old tip's path back to Pivot (pivot-exclusive,
	// old-inclusive, ancestor-first), populated for Reorg.
	OldBranch []ids.BlockId
}

// PickHead selects the best tip among candidates: highest slot wins, ties
// broken by lexicographically smaller blockid. current (the existing best)
// is sticky — it holds the head unless a candidate strictly beats it on
// slot. The lexicographic tie-break applies only among competing
// candidates, never against the incumbent.
func PickHead(current ids.BlockCommitment, candidates []ids.BlockCommitment) ids.BlockCommitment {
	best := current
	for _, c := range candidates {
		if c.Slot > best.Slot {
			best = c
			continue
		}
		if best.Blkid == current.Blkid {
			continue // the incumbent only loses on a strictly higher slot
		}
		if c.Slot == best.Slot && bytes.Compare(c.Blkid[:], best.Blkid[:]) < 0 {
			best = c
		}
	}
	return best
}

// ClassifyUpdate computes the TipUpdate from old to next using tracker,
// bounded by maxDepth hops of common-ancestor search.
// If old is the null commitment (no prior tip, i.e. the very first block),
// the update is always an Extend from the null id.
func ClassifyUpdate(tracker *UnfinalizedBlockTracker, old, next ids.BlockCommitment, maxDepth uint64) (TipUpdate, error) {
	if old.IsNull() {
		return TipUpdate{Kind: UpdateExtend, Old: old.Blkid, New: next.Blkid}, nil
	}
	if old.Blkid == next.Blkid {
		return TipUpdate{Kind: UpdateExtend, Old: old.Blkid, New: next.Blkid}, nil
	}

	if parent, ok := tracker.ParentOf(next.Blkid); ok && parent == old.Blkid {
		return TipUpdate{Kind: UpdateExtend, Old: old.Blkid, New: next.Blkid}, nil
	}

	// LongExtend: next is a descendant of old via an unbroken chain.
	if path, ok := tracker.pathToBase(next.Blkid, maxDepth); ok {
		if idx := indexOf(path, old.Blkid); idx >= 0 {
			return TipUpdate{Kind: UpdateLongExtend, Old: old.Blkid, New: next.Blkid, Path: append([]ids.BlockId(nil), path[idx+1:]...)}, nil
		}
	}

	// Revert: next is a proper ancestor of old.
	if path, ok := tracker.pathToBase(old.Blkid, maxDepth); ok {
		if idx := indexOf(path, next.Blkid); idx >= 0 {
			return TipUpdate{Kind: UpdateRevert, Old: old.Blkid, New: next.Blkid}, nil
		}
	}

	// Reorg: shared proper ancestor within depth.
	pivot, oldBranch, newBranch, ok := tracker.FindCommonAncestor(old.Blkid, next.Blkid, maxDepth)
	if !ok {
		return TipUpdate{}, &ChainIntegrityError{Detail: "no common ancestor within bounded depth"}
	}
	return TipUpdate{
		Kind:      UpdateReorg,
		Old:       old.Blkid,
		New:       next.Blkid,
		Pivot:     pivot,
		OldBranch: oldBranch,
		Path:      newBranch,
	}, nil
}

func indexOf(path []ids.BlockId, target ids.BlockId) int {
	for i, b := range path {
		if b == target {
			return i
		}
	}
	return -1
}
