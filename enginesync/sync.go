// Package enginesync reconciles a freshly (re)started execution engine
// with the node's own record of the chain: replaying any finalized blocks
// the engine has not yet seen, then catching it up on every unfinalized
// block above the finalized tip. The startup probe for the engine's known
// prefix fans out over a bounded worker set before narrowing sequentially.
package enginesync

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ethereum/go-ethereum/log"

	"github.com/bitroll/execnode/engine"
	"github.com/bitroll/execnode/execblock"
	"github.com/bitroll/execnode/ids"
	"github.com/bitroll/execnode/params"
)

// BlockSource is the storage read surface Sync needs: the finalized chain by
// height and the set of blocks not yet finalized.
type BlockSource interface {
	BestFinalizedBlock() *execblock.Record
	GetFinalizedBlockAtHeight(h uint64) *execblock.Record
	GetBlockPayload(hash ids.BlockId) execblock.Payload
	GetUnfinalizedBlocks() ([]ids.BlockId, error)
	GetExecBlock(hash ids.BlockId) *execblock.Record
}

// Syncer drives startup reconciliation between BlockSource and a fresh
// engine.Client.
type Syncer struct {
	store  BlockSource
	client engine.Client
	params params.EngineSyncParams
}

// Config bundles Syncer's construction-time collaborators.
type Config struct {
	Store  BlockSource
	Client engine.Client
	Params params.EngineSyncParams
}

// New constructs a Syncer.
func New(cfg Config) *Syncer {
	p := cfg.Params
	if p.ProbeConcurrency <= 0 {
		p = params.DefaultEngineSyncParams()
	}
	return &Syncer{store: cfg.Store, client: cfg.Client, params: p}
}

// Sync reconciles the engine against the stored chain: it finds the
// highest finalized height already known to the engine, replays every
// finalized block above it in order (each with a correct forkchoice
// head/safe/finalized triple), then submits any unfinalized block the
// engine is missing.
func (s *Syncer) Sync(ctx context.Context) error {
	best := s.store.BestFinalizedBlock()
	if best == nil {
		return &EmptyFinalizedChainError{}
	}
	latestHeight := best.Blocknum
	totalBlocks := latestHeight + 1

	log.Info("enginesync: starting chainstate sync check", "latestHeight", latestHeight, "latestHash", best.Blockhash)

	lastMatch, err := s.findLastMatch(ctx, latestHeight)
	if err != nil {
		return err
	}

	syncFromHeight := uint64(0)
	if lastMatch >= 0 {
		syncFromHeight = uint64(lastMatch) + 1
	}

	if syncFromHeight > latestHeight {
		log.Info("enginesync: all finalized blocks already in engine")
		return s.syncUnfinalized(ctx, best)
	}

	blocksToSync := totalBlocks - syncFromHeight
	log.Info("enginesync: syncing missing finalized blocks", "from", syncFromHeight, "total", totalBlocks, "count", blocksToSync)

	var prevBlockhash *ids.BlockId
	if syncFromHeight > 0 {
		prevRec := s.store.GetFinalizedBlockAtHeight(syncFromHeight - 1)
		if prevRec == nil {
			return &MissingExecBlockError{Height: syncFromHeight - 1}
		}
		prevBlockhash = &prevRec.Blockhash
	}

	for height := syncFromHeight; height <= latestHeight; height++ {
		rec := s.store.GetFinalizedBlockAtHeight(height)
		if rec == nil {
			return &MissingExecBlockError{Height: height}
		}
		payload := s.store.GetBlockPayload(rec.Blockhash)
		if payload == nil {
			return &MissingBlockPayloadError{Blockhash: rec.Blockhash}
		}
		if err := s.client.SubmitPayload(ctx, payload); err != nil {
			return &EngineError{Op: "submit payload", Err: err}
		}

		finalized := rec.Blockhash
		if prevBlockhash != nil {
			finalized = *prevBlockhash
		}
		state := engine.ForkchoiceState{Head: rec.Blockhash, Safe: rec.Blockhash, Finalized: finalized}
		if err := s.client.UpdateConsensusState(ctx, state); err != nil {
			return &EngineError{Op: "update consensus state", Err: err}
		}

		h := rec.Blockhash
		prevBlockhash = &h
	}

	log.Info("enginesync: finalized chainstate sync completed", "blocksSynced", blocksToSync)
	return s.syncUnfinalized(ctx, best)
}

// syncUnfinalized submits any block above the finalized tip the engine does
// not yet hold, each with forkchoice finalized pinned at bestFinalized.
func (s *Syncer) syncUnfinalized(ctx context.Context, bestFinalized *execblock.Record) error {
	log.Info("enginesync: checking unfinalized blocks")
	hashes, err := s.store.GetUnfinalizedBlocks()
	if err != nil {
		return &StorageError{Op: "get unfinalized blocks", Err: err}
	}
	if len(hashes) == 0 {
		log.Info("enginesync: no unfinalized blocks to sync")
		return nil
	}
	log.Info("enginesync: found unfinalized blocks", "count", len(hashes))

	for _, hash := range hashes {
		exists, err := s.client.BlockExists(ctx, hash)
		if err != nil {
			return &EngineError{Op: "block exists", Err: err}
		}
		if exists {
			continue
		}

		rec := s.store.GetExecBlock(hash)
		if rec == nil {
			return &UnfinalizedBlockNotFoundError{Blockhash: hash}
		}
		payload := s.store.GetBlockPayload(hash)
		if payload == nil {
			return &MissingBlockPayloadError{Blockhash: hash}
		}
		if err := s.client.SubmitPayload(ctx, payload); err != nil {
			return &EngineError{Op: "submit payload", Err: err}
		}

		state := engine.ForkchoiceState{Head: hash, Safe: hash, Finalized: bestFinalized.Blockhash}
		if err := s.client.UpdateConsensusState(ctx, state); err != nil {
			return &EngineError{Op: "update consensus state", Err: err}
		}
		log.Debug("enginesync: unfinalized block synced", "height", rec.Blocknum, "hash", hash)
	}

	log.Info("enginesync: unfinalized blocks sync completed")
	return nil
}

// findLastMatch returns the highest height in [0, latestHeight] whose
// stored block the engine already holds, or -1 if none do. It assumes the
// engine's knowledge is a contiguous prefix of the finalized chain (every
// height below a match also matches), the same assumption find_last_match
// makes in the source.
//
// Unlike a plain sequential binary search, probes for up to
// s.params.ProbeConcurrency evenly spaced candidate heights are issued
// concurrently first, narrowing the search window to a slice the width of
// one probe fan-out; a final sequential binary search resolves the exact
// boundary within that slice. This trades one wasted probe at the
// boundaries for replacing most of the O(log n) round trips with a single
// bounded-concurrency round.
func (s *Syncer) findLastMatch(ctx context.Context, latestHeight uint64) (int64, error) {
	total := latestHeight + 1

	exists, err := s.probe(ctx, 0)
	if err != nil {
		return 0, err
	}
	if !exists {
		return -1, nil
	}
	if total == 1 {
		return 0, nil
	}

	lo, hi, err := s.fanOutProbe(ctx, total)
	if err != nil {
		return 0, err
	}

	for lo+1 < hi {
		mid := lo + (hi-lo)/2
		exists, err := s.probe(ctx, mid)
		if err != nil {
			return 0, err
		}
		if exists {
			lo = mid
		} else {
			hi = mid
		}
	}
	return int64(lo), nil
}

// fanOutProbe concurrently probes up to ProbeConcurrency candidate heights
// spread across [1, total-1] and returns the tightest known [lo, hi)
// bracket: lo is the highest probed height known to exist (at least 0, the
// caller's already-confirmed floor), hi is the lowest probed height known
// not to exist (at most total, an implicit sentinel).
func (s *Syncer) fanOutProbe(ctx context.Context, total uint64) (lo, hi uint64, err error) {
	n := uint64(s.params.ProbeConcurrency)
	if n == 0 || n > total-1 {
		n = total - 1
	}
	if n == 0 {
		return 0, total, nil
	}

	candidates := make([]uint64, n)
	for i := range candidates {
		candidates[i] = 1 + uint64(i)*(total-1)/n
	}

	results := make([]bool, n)
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range candidates {
		i, h := i, h
		g.Go(func() error {
			exists, err := s.probe(gctx, h)
			if err != nil {
				return err
			}
			results[i] = exists
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}

	lo, hi = 0, total
	for i, h := range candidates {
		if results[i] {
			if h > lo {
				lo = h
			}
		} else if h < hi {
			hi = h
		}
	}
	return lo, hi, nil
}

func (s *Syncer) probe(ctx context.Context, height uint64) (bool, error) {
	rec := s.store.GetFinalizedBlockAtHeight(height)
	if rec == nil {
		return false, &MissingExecBlockError{Height: height}
	}
	exists, err := s.client.BlockExists(ctx, rec.Blockhash)
	if err != nil {
		return false, &EngineError{Op: fmt.Sprintf("block exists at height %d", height), Err: err}
	}
	return exists, nil
}
