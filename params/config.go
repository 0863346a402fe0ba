// Package params collects the tunables shared by the fork-choice manager,
// block store, mempool and block-assembly components, along with their
// production defaults.
package params

import "time"

// ConsensusParams configures the fork-choice manager and block store.
type ConsensusParams struct {
	// ForkchoiceDepth bounds how far back the FCM searches for a common
	// ancestor when classifying a tip update as Reorg vs. treating the
	// candidate as unreachable. Production default: 100.
	ForkchoiceDepth uint64

	// StoreMaxRetries bounds the exponential-backoff retry loop around a
	// block store compound mutation.
	StoreMaxRetries int

	// StoreRetryBaseDelay is the initial backoff delay; each retry doubles
	// it up to StoreMaxRetries attempts.
	StoreRetryBaseDelay time.Duration
}

// DefaultConsensusParams returns the production defaults.
func DefaultConsensusParams() ConsensusParams {
	return ConsensusParams{
		ForkchoiceDepth:     100,
		StoreMaxRetries:     5,
		StoreRetryBaseDelay: 10 * time.Millisecond,
	}
}

// MempoolParams bounds mempool admission.
type MempoolParams struct {
	MaxTxBytes    uint64 // per-transaction serialized size limit
	MaxPoolBytes  uint64 // aggregate byte cap across all held entries
	MaxPoolCount  int    // aggregate entry-count cap
	FetchBatchCap int    // default limit for GetTransactions when none is given
}

func DefaultMempoolParams() MempoolParams {
	return MempoolParams{
		MaxTxBytes:    64 * 1024,
		MaxPoolBytes:  256 * 1024 * 1024,
		MaxPoolCount:  100_000,
		FetchBatchCap: 500,
	}
}

// CredRule controls whether the FCM checks a block's Schnorr signature
// before attaching it.
type CredRule int

const (
	// CredRuleChecked requires every non-genesis block to carry a valid
	// Schnorr signature over its header hash.
	CredRuleChecked CredRule = iota
	// CredRuleUnchecked skips the signature check entirely; used in test
	// and local-devnet configurations.
	CredRuleUnchecked
)

// EngineSyncParams bounds the concurrency of the startup reconciliation.
type EngineSyncParams struct {
	ProbeConcurrency int
}

func DefaultEngineSyncParams() EngineSyncParams {
	return EngineSyncParams{ProbeConcurrency: 8}
}
