package forkchoice

import (
	"github.com/bitroll/execnode/ids"
)

// UnfinalizedBlockTracker is the fork-choice manager's in-memory tree:
// every block attached since the finalized base, indexed by parent
// pointers, plus the derived set of chain tips (leaves with no recorded
// children).
type UnfinalizedBlockTracker struct {
	finalizedBase ids.BlockCommitment

	parent   map[ids.BlockId]ids.BlockId
	slot     map[ids.BlockId]uint64
	children map[ids.BlockId][]ids.BlockId
	tips     map[ids.BlockId]struct{}
}

// NewUnfinalizedBlockTracker seeds a tracker rooted at base; base itself is
// not a tip (it is the finalized ancestor every tip chains back to).
func NewUnfinalizedBlockTracker(base ids.BlockCommitment) *UnfinalizedBlockTracker {
	return &UnfinalizedBlockTracker{
		finalizedBase: base,
		parent:        make(map[ids.BlockId]ids.BlockId),
		slot:          make(map[ids.BlockId]uint64),
		children:      make(map[ids.BlockId][]ids.BlockId),
		tips:          make(map[ids.BlockId]struct{}),
	}
}

// FinalizedBase returns the deepest block currently treated as the root of
// the fork-choice tree.
func (t *UnfinalizedBlockTracker) FinalizedBase() ids.BlockCommitment {
	return t.finalizedBase
}

// IsKnown reports whether id is the finalized base or has been attached.
func (t *UnfinalizedBlockTracker) IsKnown(id ids.BlockId) bool {
	if id == t.finalizedBase.Blkid {
		return true
	}
	_, ok := t.slot[id]
	return ok
}

// Attach records child as a descendant of parent at the given slot.
// Attachment creates a new tip (a distinct fork point) or extends an
// existing tip; parent stops being a tip once it gains a child.
func (t *UnfinalizedBlockTracker) Attach(parent, child ids.BlockId, childSlot uint64) error {
	if !t.IsKnown(parent) {
		return &ChainIntegrityError{Detail: "attach: parent not known to tracker"}
	}
	if _, ok := t.slot[child]; ok {
		return nil // already attached; idempotent
	}
	t.parent[child] = parent
	t.slot[child] = childSlot
	t.children[parent] = append(t.children[parent], child)
	delete(t.tips, parent)
	t.tips[child] = struct{}{}
	return nil
}

// Tips returns every current chain tip.
func (t *UnfinalizedBlockTracker) Tips() []ids.BlockId {
	out := make([]ids.BlockId, 0, len(t.tips))
	for id := range t.tips {
		out = append(out, id)
	}
	return out
}

// ParentOf returns the parent of a tracked block (not the finalized base
// itself, which has no tracked parent).
func (t *UnfinalizedBlockTracker) ParentOf(id ids.BlockId) (ids.BlockId, bool) {
	p, ok := t.parent[id]
	return p, ok
}

// SlotOf returns the slot recorded for a tracked block.
func (t *UnfinalizedBlockTracker) SlotOf(id ids.BlockId) (uint64, bool) {
	if id == t.finalizedBase.Blkid {
		return t.finalizedBase.Slot, true
	}
	s, ok := t.slot[id]
	return s, ok
}

// pathToBase walks parent pointers from id back to the finalized base,
// bounded by maxDepth hops; returns the path in ancestor-to-descendant
// order (base-ward first) excluding the base itself, or ok=false if the
// base was not reached within maxDepth.
func (t *UnfinalizedBlockTracker) pathToBase(id ids.BlockId, maxDepth uint64) ([]ids.BlockId, bool) {
	var reversed []ids.BlockId
	cur := id
	for i := uint64(0); i < maxDepth; i++ {
		if cur == t.finalizedBase.Blkid {
			path := make([]ids.BlockId, len(reversed))
			for j, v := range reversed {
				path[len(reversed)-1-j] = v
			}
			return path, true
		}
		reversed = append(reversed, cur)
		p, ok := t.parent[cur]
		if !ok {
			return nil, false
		}
		cur = p
	}
	if cur == t.finalizedBase.Blkid {
		path := make([]ids.BlockId, len(reversed))
		for j, v := range reversed {
			path[len(reversed)-1-j] = v
		}
		return path, true
	}
	return nil, false
}

// FindCommonAncestor locates the lowest common ancestor of old and next
// within maxDepth hops of each. It returns the ancestor, and the two diverging paths from the
// ancestor (exclusive) to old and next (inclusive), each in ancestor-first
// order.
func (t *UnfinalizedBlockTracker) FindCommonAncestor(old, next ids.BlockId, maxDepth uint64) (ancestor ids.BlockId, oldPath, nextPath []ids.BlockId, ok bool) {
	oldChain, ok1 := t.ancestorChain(old, maxDepth)
	nextChain, ok2 := t.ancestorChain(next, maxDepth)
	if !ok1 || !ok2 {
		return ids.BlockId{}, nil, nil, false
	}
	oldIndex := make(map[ids.BlockId]int, len(oldChain))
	for i, b := range oldChain {
		oldIndex[b] = i
	}
	for j, b := range nextChain {
		if i, found := oldIndex[b]; found {
			return b, reverseSlice(oldChain[:i]), reverseSlice(nextChain[:j]), true
		}
	}
	return ids.BlockId{}, nil, nil, false
}

// ancestorChain returns id and each of its ancestors up to and including
// the finalized base (or up to maxDepth hops, whichever comes first), in
// descendant-to-ancestor order (id first).
func (t *UnfinalizedBlockTracker) ancestorChain(id ids.BlockId, maxDepth uint64) ([]ids.BlockId, bool) {
	chain := []ids.BlockId{id}
	cur := id
	for i := uint64(0); i < maxDepth; i++ {
		if cur == t.finalizedBase.Blkid {
			return chain, true
		}
		p, ok := t.parent[cur]
		if !ok {
			return chain, false
		}
		chain = append(chain, p)
		cur = p
	}
	return chain, cur == t.finalizedBase.Blkid
}

func reverseSlice(s []ids.BlockId) []ids.BlockId {
	out := make([]ids.BlockId, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}

// AdvanceFinalizedBase moves the tree's root forward to newBase, dropping
// every tracked block that is not a descendant of newBase (the losing
// forks retired by epoch finalization).
func (t *UnfinalizedBlockTracker) AdvanceFinalizedBase(newBase ids.BlockCommitment) {
	if newBase.Blkid == t.finalizedBase.Blkid {
		return
	}
	keep := make(map[ids.BlockId]bool)
	keep[newBase.Blkid] = true
	for id := range t.slot {
		if t.isDescendantOf(id, newBase.Blkid) {
			keep[id] = true
		}
	}
	for id := range t.slot {
		if !keep[id] {
			delete(t.slot, id)
			delete(t.parent, id)
			delete(t.children, id)
			delete(t.tips, id)
		}
	}
	delete(t.children, newBase.Blkid) // rebuilt below if kept children remain
	for id := range t.slot {
		if keep[id] {
			if p, ok := t.parent[id]; ok {
				t.children[p] = append(t.children[p], id)
			}
		}
	}
	// Recompute tips: any kept block with no kept children.
	t.tips = make(map[ids.BlockId]struct{})
	for id := range t.slot {
		if keep[id] && len(t.children[id]) == 0 {
			t.tips[id] = struct{}{}
		}
	}
	t.finalizedBase = newBase
}

func (t *UnfinalizedBlockTracker) isDescendantOf(id, ancestor ids.BlockId) bool {
	cur := id
	for {
		if cur == ancestor {
			return true
		}
		p, ok := t.parent[cur]
		if !ok {
			return false
		}
		cur = p
	}
}
