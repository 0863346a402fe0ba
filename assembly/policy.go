package assembly

// EpochSealingPolicy decides whether the block at slot should be the
// terminal block of its epoch.
type EpochSealingPolicy interface {
	ShouldSealEpoch(slot uint64) bool
}

// FixedSlotCount seals an epoch every N slots: slot % N == 0.
type FixedSlotCount struct {
	N uint64
}

func (p FixedSlotCount) ShouldSealEpoch(slot uint64) bool {
	if p.N == 0 {
		return false
	}
	return slot%p.N == 0
}
