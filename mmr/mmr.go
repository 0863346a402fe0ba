// Package mmr implements a content-addressed, append-only Merkle mountain
// range over 32-byte leaves, the accumulator structure block assembly
// generates inclusion proofs against for inbox messages and L1-header
// references. Nodes are hashed with legacy Keccak-256, the hash primitive
// used throughout this tree.
package mmr

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/bitroll/execnode/ids"
)

// Accumulator is an in-memory MMR: every leaf ever appended is retained so
// that Proof can reconstruct an inclusion path for any historical index.
// Persistence of the leaf sequence is the caller's concern; FromLeaves
// rebuilds an accumulator from a stored sequence.
type Accumulator struct {
	leaves []ids.Hash
}

// New returns an empty accumulator.
func New() *Accumulator { return &Accumulator{} }

// FromLeaves rebuilds an accumulator from a previously persisted leaf
// sequence, in append order.
func FromLeaves(leaves []ids.Hash) *Accumulator {
	a := &Accumulator{leaves: append([]ids.Hash(nil), leaves...)}
	return a
}

// Append adds leaf to the accumulator and returns the index it was stored
// at.
func (a *Accumulator) Append(leaf ids.Hash) uint64 {
	a.leaves = append(a.leaves, leaf)
	return uint64(len(a.leaves) - 1)
}

// Len returns the number of leaves appended so far.
func (a *Accumulator) Len() uint64 { return uint64(len(a.leaves)) }

// Leaves returns the accumulator's leaf sequence, for persistence.
func (a *Accumulator) Leaves() []ids.Hash { return a.leaves }

func hashNode(left, right ids.Hash) ids.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(left[:])
	h.Write(right[:])
	var out ids.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func hashLeaf(index uint64, leaf ids.Hash) ids.Hash {
	h := sha3.NewLegacyKeccak256()
	var idxBuf [8]byte
	binary.BigEndian.PutUint64(idxBuf[:], index)
	h.Write(idxBuf[:])
	h.Write(leaf[:])
	var out ids.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// peakTreeRoot computes the root of the complete binary tree of 2^height
// leaves starting at `start` within a.leaves; it is the recursive building
// block shared by Root and Proof.
func (a *Accumulator) peakTreeRoot(start uint64, height uint) ids.Hash {
	if height == 0 {
		return hashLeaf(start, a.leaves[start])
	}
	half := uint64(1) << (height - 1)
	left := a.peakTreeRoot(start, height-1)
	right := a.peakTreeRoot(start+half, height-1)
	return hashNode(left, right)
}

// peaks decomposes a.Len() into descending powers of two, returning each
// peak's (startIndex, height) — the "mountains" in the mountain range.
func (a *Accumulator) peaks() [][2]uint64 {
	n := a.Len()
	var out [][2]uint64
	var start uint64
	for bit := 63; bit >= 0; bit-- {
		size := uint64(1) << uint(bit)
		if n&size != 0 {
			out = append(out, [2]uint64{start, uint64(bit)})
			start += size
		}
	}
	return out
}

// Root bags every peak into a single commitment, left-to-right, matching
// how Proof verification re-derives the same value.
func (a *Accumulator) Root() ids.Hash {
	peaks := a.peaks()
	if len(peaks) == 0 {
		return ids.Hash{}
	}
	root := a.peakTreeRoot(peaks[0][0], uint(peaks[0][1]))
	for _, p := range peaks[1:] {
		root = hashNode(root, a.peakTreeRoot(p[0], uint(p[1])))
	}
	return root
}

// Proof is an inclusion proof for one leaf: the sibling hashes along its
// path within its peak's tree, followed by the bagged hashes of every
// other peak (in root-assembly order).
type Proof struct {
	LeafIndex    uint64
	Leaf         ids.Hash
	PathSiblings []PathStep // innermost first
	OtherPeaks   []ids.Hash // peaks other than the leaf's own, in bagging order
	PeaksBefore  uint64     // how many of OtherPeaks precede the leaf's own peak in bagging order
}

// PathStep is one level of an inclusion path: the sibling hash and
// whether it sits to the left of the node being proven at that level.
type PathStep struct {
	Sibling ids.Hash
	Left    bool
}

// ErrLeafNotFound reports that the requested index has never been
// appended; it is a permanent invalidation of the referencing transaction
// at block-assembly time.
type ErrLeafNotFound struct{ Index, Len uint64 }

func (e *ErrLeafNotFound) Error() string {
	return fmt.Sprintf("mmr: leaf_not_found: index %d >= len %d", e.Index, e.Len)
}

// ErrClaimHashMismatch reports that a caller's claimed leaf hash does not
// match the accumulator's stored leaf at that index.
type ErrClaimHashMismatch struct {
	Index        uint64
	Claimed, Got ids.Hash
}

func (e *ErrClaimHashMismatch) Error() string {
	return fmt.Sprintf("mmr: claim_hash_mismatch: index %d claimed %s, got %s", e.Index, e.Claimed, e.Got)
}

// Proof generates an inclusion proof for the leaf at index, asserting it
// equals claimedLeaf (the transaction's claimed hash).
func (a *Accumulator) Proof(index uint64, claimedLeaf ids.Hash) (Proof, error) {
	if index >= a.Len() {
		return Proof{}, &ErrLeafNotFound{Index: index, Len: a.Len()}
	}
	if a.leaves[index] != claimedLeaf {
		return Proof{}, &ErrClaimHashMismatch{Index: index, Claimed: claimedLeaf, Got: a.leaves[index]}
	}

	peaks := a.peaks()
	var ownPeakIdx uint64
	for i, p := range peaks {
		start, height := p[0], p[1]
		if index >= start && index < start+(uint64(1)<<height) {
			ownPeakIdx = uint64(i)
			break
		}
	}
	own := peaks[ownPeakIdx]
	siblings := a.pathSiblings(own[0], uint(own[1]), index)

	var others []ids.Hash
	for i, p := range peaks {
		if uint64(i) == ownPeakIdx {
			continue
		}
		others = append(others, a.peakTreeRoot(p[0], uint(p[1])))
	}

	return Proof{
		LeafIndex:    index,
		Leaf:         claimedLeaf,
		PathSiblings: siblings,
		OtherPeaks:   others,
		PeaksBefore:  ownPeakIdx,
	}, nil
}

// pathSiblings walks from the leaf at index up to the root of the tree
// rooted at (start, height), collecting the sibling hash at each level,
// innermost first.
func (a *Accumulator) pathSiblings(start uint64, height uint, index uint64) []PathStep {
	if height == 0 {
		return nil
	}
	half := uint64(1) << (height - 1)
	if index < start+half {
		sib := a.peakTreeRoot(start+half, height-1)
		return append(a.pathSiblings(start, height-1, index), PathStep{Sibling: sib, Left: false})
	}
	sib := a.peakTreeRoot(start, height-1)
	return append(a.pathSiblings(start+half, height-1, index), PathStep{Sibling: sib, Left: true})
}

// Verify checks proof against root without needing the full accumulator
// (e.g. on a replaying node that only tracks the root commitment).
func Verify(root ids.Hash, proof Proof) bool {
	cur := hashLeaf(proof.LeafIndex, proof.Leaf)
	for _, step := range proof.PathSiblings {
		if step.Left {
			cur = hashNode(step.Sibling, cur)
		} else {
			cur = hashNode(cur, step.Sibling)
		}
	}
	if len(proof.OtherPeaks) == 0 {
		return cur == root
	}
	if proof.PeaksBefore > uint64(len(proof.OtherPeaks)) {
		return false
	}
	// Re-fold the peaks left to right exactly as Root does, with cur
	// standing in at the own peak's position.
	var bagged ids.Hash
	if proof.PeaksBefore == 0 {
		bagged = cur
	} else {
		bagged = proof.OtherPeaks[0]
		for _, p := range proof.OtherPeaks[1:proof.PeaksBefore] {
			bagged = hashNode(bagged, p)
		}
		bagged = hashNode(bagged, cur)
	}
	for _, p := range proof.OtherPeaks[proof.PeaksBefore:] {
		bagged = hashNode(bagged, p)
	}
	return bagged == root
}
