package btcverify_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/bitroll/execnode/btcverify"
	"github.com/bitroll/execnode/ids"
)

func genesisView(bits uint32, epochStart uint32, mtp uint32) btcverify.GenesisL1View {
	var last11 [11]uint32
	for i := range last11 {
		last11[i] = mtp
	}
	return btcverify.GenesisL1View{
		Height:              100,
		Blockhash:           ids.Hash{0xAB},
		NextTarget:          bits,
		EpochStartTimestamp: epochStart,
		Last11Timestamps:    last11,
	}
}

func childHeader(prev ids.L1BlockId, bits uint32, ts int64) *wire.BlockHeader {
	return &wire.BlockHeader{
		Version:    1,
		PrevBlock:  chainhash.Hash(prev),
		MerkleRoot: chainhash.Hash{},
		Timestamp:  time.Unix(ts, 0),
		Bits:       bits,
	}
}

// mineHeader increments Nonce until the header's hash satisfies its own
// Bits-encoded target, the way any Bitcoin header is actually produced.
func mineHeader(t *testing.T, hdr *wire.BlockHeader) {
	t.Helper()
	target := blockchain.CompactToBig(hdr.Bits)
	for n := uint32(0); n < 1_000_000; n++ {
		hdr.Nonce = n
		h := hdr.BlockHash()
		if blockchain.HashToBig(&h).Cmp(target) <= 0 {
			return
		}
	}
	t.Fatal("could not mine a header satisfying target within bound")
}

func TestCheckAndUpdateRejectsContinuityBreak(t *testing.T) {
	view := genesisView(chaincfg.RegressionNetParams.PowLimitBits, 1000, 1000)
	s := btcverify.New(&chaincfg.RegressionNetParams, view)

	hdr := childHeader(ids.Hash{0xFF}, view.NextTarget, 1010) // wrong prev
	err := s.CheckAndUpdate(hdr)
	var cerr *btcverify.ContinuityError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, view.Blockhash, cerr.Expected)
}

func TestCheckAndUpdateRejectsBitsMismatch(t *testing.T) {
	view := genesisView(chaincfg.RegressionNetParams.PowLimitBits, 1000, 1000)
	s := btcverify.New(&chaincfg.RegressionNetParams, view)

	hdr := childHeader(view.Blockhash, view.NextTarget-1, 1010)
	err := s.CheckAndUpdate(hdr)
	var perr *btcverify.PowMismatchError
	require.ErrorAs(t, err, &perr)
}

func TestCheckAndUpdateRejectsPowNotMet(t *testing.T) {
	// Bits encoding an astronomically small target (mantissa 1, exponent 3):
	// essentially no real header hash can satisfy it.
	tinyTargetBits := uint32(0x03000001)
	view := genesisView(tinyTargetBits, 1000, 1000)
	s := btcverify.New(&chaincfg.RegressionNetParams, view)

	hdr := childHeader(view.Blockhash, tinyTargetBits, 1010)
	err := s.CheckAndUpdate(hdr)
	var perr *btcverify.PowNotMetError
	require.ErrorAs(t, err, &perr)
}

func TestCheckAndUpdateMedianTimePast(t *testing.T) {
	view := genesisView(chaincfg.RegressionNetParams.PowLimitBits, 1000, 1000)
	s := btcverify.New(&chaincfg.RegressionNetParams, view)

	notAfter := childHeader(view.Blockhash, view.NextTarget, 1000) // equal to median
	mineHeader(t, notAfter)
	err := s.CheckAndUpdate(notAfter)
	var terr *btcverify.TimestampError
	require.ErrorAs(t, err, &terr)

	after := childHeader(view.Blockhash, view.NextTarget, 1001)
	mineHeader(t, after)
	require.NoError(t, s.CheckAndUpdate(after))
	gotHeight, gotHash := s.LastVerified()
	require.Equal(t, uint32(101), gotHeight)
	require.Equal(t, ids.L1BlockId(after.BlockHash()), gotHash)
}

func TestTimestampRingWraparoundUsesMostRecentEleven(t *testing.T) {
	view := genesisView(chaincfg.RegressionNetParams.PowLimitBits, 1000, 1000)
	s := btcverify.New(&chaincfg.RegressionNetParams, view)

	ts := int64(1001)
	for i := 0; i < 15; i++ {
		_, prevHash := s.LastVerified()
		hdr := childHeader(prevHash, s.NextBlockTarget(), ts)
		mineHeader(t, hdr)
		require.NoError(t, s.CheckAndUpdate(hdr))
		ts++
	}
	// After 15 inserts into an 11-slot ring seeded with all 1000s, the ring
	// holds only the 11 most recent timestamps (1005..1015); a header timed
	// at the pre-wraparound median (1000) must still be rejected only if
	// it's <= the *current* median, which has long since moved past it.
	_, prevHash := s.LastVerified()
	low := childHeader(prevHash, s.NextBlockTarget(), 1002) // well below current median
	mineHeader(t, low)
	err := s.CheckAndUpdate(low)
	var terr *btcverify.TimestampError
	require.ErrorAs(t, err, &terr)
}

func TestDifficultyAdjustmentBoundaryTiming(t *testing.T) {
	easyTarget := new(big.Int).Rsh(chaincfg.RegressionNetParams.PowLimit, 2)
	easyBits := blockchain.BigToCompact(easyTarget)

	testParams := &chaincfg.Params{
		PowLimit:                 chaincfg.RegressionNetParams.PowLimit,
		PowLimitBits:             chaincfg.RegressionNetParams.PowLimitBits,
		TargetTimespan:           4 * time.Second,
		TargetTimePerBlock:       1 * time.Second,
		RetargetAdjustmentFactor: 4,
	}

	view := btcverify.GenesisL1View{
		Height:              2,
		Blockhash:           ids.Hash{0x11},
		NextTarget:          easyBits,
		EpochStartTimestamp: 1000,
	}
	for i := range view.Last11Timestamps {
		view.Last11Timestamps[i] = 1000
	}
	s := btcverify.New(testParams, view)

	// Height 2 -> 3 (interval-1): not an epoch_start boundary, but the
	// *next* height (4) is a multiple of the interval, so the retarget
	// computation fires here, using the still-unmodified epoch_start.
	_, prevHash := s.LastVerified()
	first := childHeader(prevHash, easyBits, 1010)
	mineHeader(t, first)
	require.NoError(t, s.CheckAndUpdate(first))

	require.Equal(t, uint32(1000), s.EpochStartTimestamp()) // unchanged at height 3

	timespan := int64(10) // 1010 - 1000
	minTimespan := int64(4) / 4
	maxTimespan := int64(4) * 4
	if timespan < minTimespan {
		timespan = minTimespan
	}
	if timespan > maxTimespan {
		timespan = maxTimespan
	}
	decodedOldTarget := blockchain.CompactToBig(easyBits) // mirrors the compact-encoding round trip CheckAndUpdate itself performs
	expectedTarget := new(big.Int).Mul(decodedOldTarget, big.NewInt(timespan))
	expectedTarget.Div(expectedTarget, big.NewInt(4))
	if expectedTarget.Cmp(testParams.PowLimit) > 0 {
		expectedTarget = testParams.PowLimit
	}
	expectedBits := blockchain.BigToCompact(expectedTarget)
	require.Equal(t, expectedBits, s.NextBlockTarget())

	// Height 3 -> 4 (the interval boundary itself): epoch_start updates to
	// this header's own timestamp, per the boundary-block timing rule.
	_, prevHash = s.LastVerified()
	second := childHeader(prevHash, s.NextBlockTarget(), 1020)
	mineHeader(t, second)
	require.NoError(t, s.CheckAndUpdate(second))
	require.Equal(t, uint32(1020), s.EpochStartTimestamp())
}

func TestComputeHashIsDeterministicAcrossIdenticalSequences(t *testing.T) {
	view := genesisView(chaincfg.RegressionNetParams.PowLimitBits, 1000, 1000)

	s1 := btcverify.New(&chaincfg.RegressionNetParams, view)
	s2 := btcverify.New(&chaincfg.RegressionNetParams, view)

	for _, ts := range []int64{1010, 1020, 1030} {
		_, prev1 := s1.LastVerified()
		h1 := childHeader(prev1, s1.NextBlockTarget(), ts)
		mineHeader(t, h1)
		require.NoError(t, s1.CheckAndUpdate(h1))

		_, prev2 := s2.LastVerified()
		h2 := childHeader(prev2, s2.NextBlockTarget(), ts)
		h2.Nonce = h1.Nonce // identical header, identical hash
		require.NoError(t, s2.CheckAndUpdate(h2))
	}

	hash1, err := s1.ComputeHash()
	require.NoError(t, err)
	hash2, err := s2.ComputeHash()
	require.NoError(t, err)
	require.Equal(t, hash1, hash2)

	work := s1.TotalAccumulatedPoW()
	require.True(t, work.Sign() > 0)
}
