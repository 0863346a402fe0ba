// Package btcverify implements the Bitcoin header verifier feeding the
// node's finality signal: continuity, encoded-target, proof-of-work and
// median-time-past checks over a stream of headers, with ring-buffered
// timestamp history, retarget tracking and an accumulated-work commitment.
package btcverify

import (
	"math/big"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/holiman/uint256"

	"github.com/bitroll/execnode/ids"
)

// timestampRingSize is the window used for median-time-past: the last 11
// block timestamps, matching Bitcoin's own median-time-past rule.
const timestampRingSize = 11

// GenesisL1View seeds a HeaderVerificationState at boot.
type GenesisL1View struct {
	Height              uint32
	Blockhash           ids.L1BlockId
	NextTarget          uint32
	EpochStartTimestamp uint32
	Last11Timestamps    [timestampRingSize]uint32
}

// timestampRing is a fixed-size ring buffer of the most recently accepted
// header timestamps, used only to compute the median-time-past.
type timestampRing struct {
	buf   [timestampRingSize]uint32
	count int
	next  int // next slot to overwrite
}

func newTimestampRing(seed [timestampRingSize]uint32) timestampRing {
	return timestampRing{buf: seed, count: timestampRingSize, next: 0}
}

func (r *timestampRing) insert(ts uint32) {
	r.buf[r.next] = ts
	r.next = (r.next + 1) % timestampRingSize
	if r.count < timestampRingSize {
		r.count++
	}
}

// median returns the median of the entries currently held. With the ring
// always full after genesis seeding, this is always a median-of-11.
func (r *timestampRing) median() uint32 {
	n := r.count
	sorted := make([]uint32, n)
	copy(sorted, r.buf[:n])
	for i := 1; i < n; i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted[n/2]
}

// State is the header-verification commitment. All fields except the
// network parameters participate in ComputeHash's stable serialization.
type State struct {
	params *chaincfg.Params

	lastVerifiedHeight uint32
	lastVerifiedHash   ids.L1BlockId

	nextBlockTarget     uint32
	epochStartTimestamp uint32
	timestamps          timestampRing

	totalAccumulatedPoW *uint256.Int
}

// New seeds a State from a genesis view for the given Bitcoin network
// parameters.
func New(params *chaincfg.Params, genesis GenesisL1View) *State {
	return &State{
		params:              params,
		lastVerifiedHeight:  genesis.Height,
		lastVerifiedHash:    genesis.Blockhash,
		nextBlockTarget:     genesis.NextTarget,
		epochStartTimestamp: genesis.EpochStartTimestamp,
		timestamps:          newTimestampRing(genesis.Last11Timestamps),
		totalAccumulatedPoW: new(uint256.Int),
	}
}

// difficultyAdjustmentInterval is the number of blocks between retargets
// (2016 on mainnet: TargetTimespan / TargetTimePerBlock).
func (s *State) difficultyAdjustmentInterval() uint32 {
	return uint32(s.params.TargetTimespan / s.params.TargetTimePerBlock)
}

// LastVerified returns the most recently accepted (height, blockhash) pair.
func (s *State) LastVerified() (uint32, ids.L1BlockId) {
	return s.lastVerifiedHeight, s.lastVerifiedHash
}

// NextBlockTarget returns the compact difficulty bits the next header must
// carry.
func (s *State) NextBlockTarget() uint32 { return s.nextBlockTarget }

// EpochStartTimestamp returns the timestamp of the current difficulty
// epoch's boundary block.
func (s *State) EpochStartTimestamp() uint32 { return s.epochStartTimestamp }

// TotalAccumulatedPoW returns the cumulative work across every header this
// state has verified.
func (s *State) TotalAccumulatedPoW() *uint256.Int {
	return new(uint256.Int).Set(s.totalAccumulatedPoW)
}

// CheckAndUpdate runs the per-header verification sequence and,
// on success, advances the state. On any failure the state is left
// unmodified.
func (s *State) CheckAndUpdate(header *wire.BlockHeader) error {
	// 1. Continuity.
	prevHash := ids.L1BlockId(header.PrevBlock)
	if prevHash != s.lastVerifiedHash {
		return &ContinuityError{Expected: s.lastVerifiedHash, Found: prevHash}
	}

	blockHash := header.BlockHash()

	// 2. Encoded target.
	if header.Bits != s.nextBlockTarget {
		return &PowMismatchError{Expected: s.nextBlockTarget, Found: header.Bits}
	}

	// 3. PoW met.
	target := blockchain.CompactToBig(header.Bits)
	hashNum := blockchain.HashToBig(&blockHash)
	if hashNum.Cmp(target) > 0 {
		return &PowNotMetError{BlockHash: ids.L1BlockId(blockHash), TargetBits: header.Bits}
	}

	// 4. Median time past.
	median := s.timestamps.median()
	headerTime := uint32(header.Timestamp.Unix())
	if headerTime <= median {
		return &TimestampError{Time: headerTime, Median: median}
	}

	// 5. Apply.
	s.lastVerifiedHeight++
	s.lastVerifiedHash = ids.L1BlockId(blockHash)

	s.timestamps.insert(headerTime)
	if s.lastVerifiedHeight%s.difficultyAdjustmentInterval() == 0 {
		s.epochStartTimestamp = headerTime
	}
	s.nextBlockTarget = s.computeNextTarget(header, headerTime)

	s.totalAccumulatedPoW.Add(s.totalAccumulatedPoW, workFromBits(header.Bits))

	return nil
}

// computeNextTarget implements a retarget subtlety: the timespan for a
// retarget is measured from the
// *boundary block's own* epoch-start timestamp (just possibly updated
// above) to the timestamp of the last block of the ending interval — which
// is exactly "header" when lastVerifiedHeight+1 lands on the next
// boundary.
func (s *State) computeNextTarget(header *wire.BlockHeader, headerTime uint32) uint32 {
	nextHeight := s.lastVerifiedHeight + 1
	interval := s.difficultyAdjustmentInterval()
	if nextHeight%interval != 0 {
		return s.nextBlockTarget
	}

	targetTimespanSecs := int64(s.params.TargetTimespan / time.Second)
	timespan := int64(headerTime) - int64(s.epochStartTimestamp)
	minTimespan := targetTimespanSecs / s.params.RetargetAdjustmentFactor
	maxTimespan := targetTimespanSecs * s.params.RetargetAdjustmentFactor
	if timespan < minTimespan {
		timespan = minTimespan
	}
	if timespan > maxTimespan {
		timespan = maxTimespan
	}

	oldTarget := blockchain.CompactToBig(header.Bits)

	newTarget := new(big.Int).Mul(oldTarget, big.NewInt(timespan))
	newTarget.Div(newTarget, big.NewInt(targetTimespanSecs))

	if newTarget.Cmp(s.params.PowLimit) > 0 {
		newTarget = s.params.PowLimit
	}
	return blockchain.BigToCompact(newTarget)
}

// workFromBits derives the work contributed by a single header's compact
// target, the same 2^256/(target+1) definition blockchain.CalcWork uses.
func workFromBits(bits uint32) *uint256.Int {
	target := blockchain.CompactToBig(bits)
	if target.Sign() <= 0 {
		return new(uint256.Int)
	}
	// work = 2^256 / (target + 1), computed in big.Int then narrowed;
	// total accumulated PoW across a real header chain never approaches
	// 2^256 so the narrowing is lossless in practice.
	maxUint256 := new(big.Int).Lsh(big.NewInt(1), 256)
	denom := new(big.Int).Add(target, big.NewInt(1))
	work := new(big.Int).Div(maxUint256, denom)
	w, _ := uint256.FromBig(work)
	return w
}
