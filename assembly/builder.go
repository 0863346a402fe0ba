// Package assembly implements block assembly: it pulls ordered mempool
// transactions, stages each against a working write-batch with
// snapshot/rollback on failure, generates accumulator proofs for
// external-ledger references, detects epoch-terminal blocks, folds in L1
// manifests, and seals a signed block header.
package assembly

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/bitroll/execnode/chainworker"
	"github.com/bitroll/execnode/execblock"
	"github.com/bitroll/execnode/ids"
	"github.com/bitroll/execnode/mempool"
	"github.com/bitroll/execnode/mmr"
)

const defaultMaxTxs = 500

var (
	txsIncludedMeter = metrics.NewRegisteredMeter("assembly/txs/included", nil)
	txsFailedMeter   = metrics.NewRegisteredMeter("assembly/txs/failed", nil)
	blocksSealed     = metrics.NewRegisteredCounter("assembly/blocks/sealed", nil)
)

// BlockSource is the storage read surface Build needs: fetching the
// parent block by hash.
type BlockSource interface {
	GetExecBlock(hash ids.BlockId) *execblock.Record
}

// MempoolSource is the ordered-transaction read surface Build needs.
type MempoolSource interface {
	GetTransactions(limit int) []*mempool.Entry
}

// Builder assembles signed block templates from mempool and storage
// state.
type Builder struct {
	store    BlockSource
	mempool  MempoolSource
	worker   chainworker.Worker
	executor Executor
	policy   EpochSealingPolicy
	manifest ManifestSource
	l1mmr    L1HeaderMmrSource
	inbox    InboxMmrSource
	signer   Signer
}

// Config bundles Builder's construction-time collaborators.
type Config struct {
	Store       BlockSource
	Mempool     MempoolSource
	Worker      chainworker.Worker
	Executor    Executor
	Policy      EpochSealingPolicy
	Manifests   ManifestSource
	L1HeaderMmr L1HeaderMmrSource
	InboxMmr    InboxMmrSource
	Signer      Signer
}

// New constructs a Builder.
func New(cfg Config) *Builder {
	return &Builder{
		store:    cfg.Store,
		mempool:  cfg.Mempool,
		worker:   cfg.Worker,
		executor: cfg.Executor,
		policy:   cfg.Policy,
		manifest: cfg.Manifests,
		l1mmr:    cfg.L1HeaderMmr,
		inbox:    cfg.InboxMmr,
		signer:   cfg.Signer,
	}
}

// Build runs the full assembly algorithm.
func (b *Builder) Build(cfg BlockGenerationConfig) (*Result, error) {
	if cfg.Parent.IsNull() {
		return nil, ErrCannotBuildGenesis
	}

	parentRec := b.store.GetExecBlock(cfg.Parent.Blkid)
	if parentRec == nil {
		return nil, &MissingParentBlockError{Parent: cfg.Parent.Blkid}
	}
	parentState, ok := b.worker.StateAt(cfg.Parent)
	if !ok {
		return nil, &MissingParentStateError{Commitment: cfg.Parent}
	}

	slot := cfg.Parent.Slot + 1
	epoch := parentState.CurEpoch()
	isEpochInitial := parentRec.Terminal

	batch, err := b.executor.BeginBlock(parentState, slot, epoch, isEpochInitial)
	if err != nil {
		return nil, fmt.Errorf("assembly: block initialization: %w", err)
	}

	maxTxs := cfg.MaxTxs
	if maxTxs <= 0 {
		maxTxs = defaultMaxTxs
	}
	entries := b.mempool.GetTransactions(maxTxs)

	successful := make([]Transaction, 0, len(entries))
	var failed []mempool.Feedback

	for _, entry := range entries {
		tx, err := b.resolveEntry(entry)
		if err != nil {
			reason := mempool.ReasonFailed
			if isPermanentlyInvalid(err) {
				reason = mempool.ReasonInvalid
			}
			log.Debug("assembly: transaction rejected at proof generation", "txid", entry.TxId, "err", err)
			failed = append(failed, mempool.Feedback{TxId: entry.TxId, Reason: reason})
			txsFailedMeter.Mark(1)
			continue
		}

		snapshot := batch.Snapshot()
		if err := batch.ApplyTx(tx); err != nil {
			var execErr *ExecError
			if !errors.As(err, &execErr) {
				return nil, fmt.Errorf("assembly: transaction execution I/O failure: %w", err)
			}
			batch.Restore(snapshot)
			reason := mempool.ReasonFailed
			if execErr.Kind == ExecInvalid {
				reason = mempool.ReasonInvalid
			}
			log.Debug("assembly: transaction execution failed", "txid", entry.TxId, "err", execErr)
			failed = append(failed, mempool.Feedback{TxId: entry.TxId, Reason: reason})
			txsFailedMeter.Mark(1)
			continue
		}
		successful = append(successful, tx)
		txsIncludedMeter.Mark(1)
	}

	terminal := b.policy.ShouldSealEpoch(slot)
	if terminal {
		manifests, err := b.manifest.ManifestsFrom(parentState.LastL1Height() + 1)
		if err != nil {
			return nil, fmt.Errorf("assembly: fetch l1 manifests: %w", err)
		}
		if len(manifests) == 0 {
			terminal = false // matches construct_block: no manifests means no container, so not terminal
		} else if err := batch.ApplyManifests(manifests); err != nil {
			return nil, fmt.Errorf("assembly: apply l1 manifests: %w", err)
		}
	}

	postStateRoot, logsRoot, err := batch.Seal()
	if err != nil {
		return nil, fmt.Errorf("assembly: seal: %w", err)
	}

	timestamp := timestampMicros(cfg.Timestamp)
	if timestamp <= parentRec.TimestampMicros {
		return nil, &TimestampTooEarlyError{Timestamp: timestamp, ParentTimestamp: parentRec.TimestampMicros}
	}

	rec := execblock.Record{
		Blocknum:         slot,
		ParentBlockhash:  cfg.Parent.Blkid,
		AnchorCommitment: cfg.Anchor,
		TimestampMicros:  timestamp,
		PostStateRoot:    postStateRoot,
		Epoch:            epoch,
		Terminal:         terminal,
		LogsRoot:         logsRoot,
	}
	hash, err := computeBlockhash(rec)
	if err != nil {
		return nil, fmt.Errorf("assembly: compute blockhash: %w", err)
	}
	rec.Blockhash = hash

	if b.signer != nil {
		sig, err := b.signer.Sign(rec.SigningMessage())
		if err != nil {
			return nil, fmt.Errorf("assembly: sign header: %w", err)
		}
		rec.Signature = sig
	}

	payload, err := encodePayload(successful)
	if err != nil {
		return nil, fmt.Errorf("assembly: encode payload: %w", err)
	}

	blocksSealed.Inc(1)
	return &Result{Record: rec, Payload: payload, FailedTxs: failed}, nil
}

func timestampMicros(fixed *uint64) uint64 {
	if fixed != nil {
		return *fixed
	}
	return uint64(time.Now().UnixMicro())
}

// resolveEntry converts a mempool entry into its canonical block form,
// attaching accumulator proofs for snark updates.
func (b *Builder) resolveEntry(entry *mempool.Entry) (Transaction, error) {
	if entry.Generic != nil {
		return Transaction{TxId: entry.TxId, Generic: entry.Generic}, nil
	}
	if entry.Snark == nil {
		return Transaction{}, fmt.Errorf("assembly: mempool entry %s carries neither payload", entry.TxId)
	}

	target := entry.Snark.Target
	upd := entry.Snark.BaseUpdate
	inboxProofs := make([]mmr.Proof, 0, len(upd.ProcessedInbox))
	for _, ref := range upd.ProcessedInbox {
		proof, err := b.inbox.Proof(target, ref.LeafIndex, ref.LeafHash)
		if err != nil {
			return Transaction{}, mapInboxErr(target, ref.LeafIndex, err)
		}
		inboxProofs = append(inboxProofs, proof)
	}

	l1Proofs := make([]mmr.Proof, 0, len(upd.LedgerRefs))
	for _, ref := range upd.LedgerRefs {
		proof, err := b.l1mmr.Proof(ref.Height, ids.Hash(ref.L1Blkid))
		if err != nil {
			return Transaction{}, mapL1HeaderErr(ref.Height, err)
		}
		l1Proofs = append(l1Proofs, proof)
	}

	return Transaction{
		TxId: entry.TxId,
		Snark: &SnarkAccountUpdate{
			Target:         target,
			BaseUpdate:     upd,
			InboxProofs:    inboxProofs,
			L1HeaderProofs: l1Proofs,
		},
	}, nil
}

func mapInboxErr(account ids.AccountId, leafIndex uint64, err error) error {
	var notFound *mmr.ErrLeafNotFound
	if errors.As(err, &notFound) {
		return &InboxLeafNotFoundError{Account: account, LeafIndex: leafIndex}
	}
	var mismatch *mmr.ErrClaimHashMismatch
	if errors.As(err, &mismatch) {
		return &InboxEntryHashMismatchError{Account: account, LeafIndex: leafIndex}
	}
	return &InvalidAccumulatorClaimError{Detail: err.Error()}
}

func mapL1HeaderErr(leafIndex uint64, err error) error {
	var notFound *mmr.ErrLeafNotFound
	if errors.As(err, &notFound) {
		return &L1HeaderLeafNotFoundError{LeafIndex: leafIndex}
	}
	var mismatch *mmr.ErrClaimHashMismatch
	if errors.As(err, &mismatch) {
		return &L1HeaderHashMismatchError{LeafIndex: leafIndex}
	}
	return &InvalidAccumulatorClaimError{Detail: err.Error()}
}

// encodedHeader is the RLP-stable projection of a record hashed into its
// Blockhash; Signature is excluded since it is computed over the hash.
type encodedHeader struct {
	Blocknum         uint64
	ParentBlockhash  ids.BlockId
	AnchorCommitment ids.L1BlockId
	TimestampMicros  uint64
	PostStateRoot    ids.Hash
	Epoch            uint32
	Terminal         bool
	LogsRoot         ids.Hash
}

func computeBlockhash(rec execblock.Record) (ids.Hash, error) {
	enc := encodedHeader{
		Blocknum:         rec.Blocknum,
		ParentBlockhash:  rec.ParentBlockhash,
		AnchorCommitment: rec.AnchorCommitment,
		TimestampMicros:  rec.TimestampMicros,
		PostStateRoot:    rec.PostStateRoot,
		Epoch:            rec.Epoch,
		Terminal:         rec.Terminal,
		LogsRoot:         rec.LogsRoot,
	}
	data, err := rlp.EncodeToBytes(&enc)
	if err != nil {
		return ids.Hash{}, err
	}
	return ids.Hash(crypto.Keccak256Hash(data)), nil
}

// encodePayload serializes the included transactions into the opaque
// payload the downstream execution engine consumes.
func encodePayload(txs []Transaction) ([]byte, error) {
	return rlp.EncodeToBytes(txs)
}

// DecodePayload decodes a sealed block payload back into its transactions,
// used when projecting an included block's txids back onto the mempool.
func DecodePayload(data []byte) ([]Transaction, error) {
	var txs []Transaction
	if err := rlp.DecodeBytes(data, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}
