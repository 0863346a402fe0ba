package btcverify

import (
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/bitroll/execnode/ids"
)

// encodedState is the RLP-stable projection of State used by ComputeHash;
// State itself is unexported-field-only and holds a *chaincfg.Params that
// is configuration, not verified state, so it is intentionally excluded.
type encodedState struct {
	LastVerifiedHeight  uint32
	LastVerifiedHash    ids.L1BlockId
	NextBlockTarget     uint32
	EpochStartTimestamp uint32
	Timestamps          [timestampRingSize]uint32
	TimestampNext       uint32
	TimestampCount      uint32
	TotalAccumulatedPoW []byte
}

// ComputeHash returns a stable commitment to every verified field of s,
// including the ring buffer and accumulated work. Two states reached via identical header sequences from
// identical initial states hash identically.
func (s *State) ComputeHash() (ids.Hash, error) {
	enc := encodedState{
		LastVerifiedHeight:  s.lastVerifiedHeight,
		LastVerifiedHash:    s.lastVerifiedHash,
		NextBlockTarget:     s.nextBlockTarget,
		EpochStartTimestamp: s.epochStartTimestamp,
		Timestamps:          s.timestamps.buf,
		TimestampNext:       uint32(s.timestamps.next),
		TimestampCount:      uint32(s.timestamps.count),
		TotalAccumulatedPoW: s.totalAccumulatedPoW.Bytes(),
	}
	data, err := rlp.EncodeToBytes(&enc)
	if err != nil {
		return ids.Hash{}, err
	}
	return ids.Hash(crypto.Keccak256Hash(data)), nil
}
