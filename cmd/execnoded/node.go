package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	gethrawdb "github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gofrs/flock"

	"github.com/bitroll/execnode/assembly"
	"github.com/bitroll/execnode/chainworker"
	"github.com/bitroll/execnode/enginesync"
	"github.com/bitroll/execnode/forkchoice"
	"github.com/bitroll/execnode/ids"
	"github.com/bitroll/execnode/mempool"
	"github.com/bitroll/execnode/params"
	"github.com/bitroll/execnode/store"
)

// node bundles every wired component for one run of the process, with a
// single Start/Stop lifecycle pair.
type node struct {
	cfg     execnodedConfig
	db      ethdb.Database
	dirLock *flock.Flock // nil for in-memory databases

	store      *store.BlockStore
	mempool    *mempool.Pool
	worker     *chainworker.Mock
	forkchoice *forkchoice.Manager
	engine     *rpcEngineClient
	sync       *enginesync.Syncer

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// noAccountsState is the placeholder mempool.StateAccessor used while no
// ledger-state backend is wired: it knows no accounts, so every submission
// that passes the size, capacity and slot-window checks is rejected with
// AccountDoesNotExist instead of validated blind.
type noAccountsState struct{}

func (noAccountsState) CurSlot() uint64                            { return 0 }
func (noAccountsState) AccountExists(ids.AccountId) bool           { return false }
func (noAccountsState) AccountClass(ids.AccountId) mempool.TxClass { return mempool.ClassGeneric }
func (noAccountsState) ExpectedSeqNo(ids.AccountId) uint64         { return 0 }

// openDatabase opens a persistent LevelDB store under dataDir, or an
// in-memory store when dataDir is empty (tests and ephemeral devnets). A
// lock file guards the datadir against a second process opening it; the
// returned lock is held for the process lifetime and released by Stop.
func openDatabase(cfg storeConfig) (ethdb.Database, *flock.Flock, error) {
	if cfg.DataDir == "" {
		return gethrawdb.NewMemoryDatabase(), nil, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, nil, err
	}
	dirLock := flock.New(filepath.Join(cfg.DataDir, "LOCK"))
	locked, err := dirLock.TryLock()
	if err != nil {
		return nil, nil, err
	}
	if !locked {
		return nil, nil, fmt.Errorf("datadir %s is in use by another process", cfg.DataDir)
	}
	kv, err := leveldb.New(cfg.DataDir, cfg.DatabaseCache, cfg.DatabaseHandles, "execnode/", false)
	if err != nil {
		_ = dirLock.Unlock()
		return nil, nil, err
	}
	return gethrawdb.NewDatabase(kv), dirLock, nil
}

// newNode wires every component from cfg, dialing the engine client and
// opening the database, but does not yet start any goroutines.
func newNode(ctx context.Context, cfg execnodedConfig) (*node, error) {
	db, dirLock, err := openDatabase(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("execnoded: open database: %w", err)
	}

	bs := store.New(db, cfg.Consensus)

	worker := chainworker.NewMock()

	var pubKey *secp256k1.PublicKey
	if cfg.PubKeyHex != "" {
		raw, err := hex.DecodeString(cfg.PubKeyHex)
		if err != nil {
			return nil, fmt.Errorf("execnoded: decode pubkey: %w", err)
		}
		pubKey, err = secp256k1.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("execnoded: parse pubkey: %w", err)
		}
	} else if cfg.CredRule != params.CredRuleUnchecked {
		return nil, fmt.Errorf("execnoded: PubKeyHex is required unless CredRule is unchecked")
	}

	fcm := forkchoice.New(forkchoice.Config{
		Consensus: cfg.Consensus,
		CredRule:  cfg.CredRule,
		PubKey:    pubKey,
		Store:     bs,
		Worker:    worker,
	})

	// The real StateAccessor is backed by the snark-account predicate
	// evaluator, which lives outside this core; until one is wired in,
	// every submission is rejected at the account-existence check rather
	// than admitted unvalidated.
	mp := mempool.New(db, noAccountsState{}, cfg.Mempool)

	var engClient *rpcEngineClient
	var syncer *enginesync.Syncer
	if cfg.Engine.RpcUrl != "" {
		var jwtSecret *[32]byte
		if cfg.Engine.JwtSecretHex != "" {
			raw, err := hex.DecodeString(cfg.Engine.JwtSecretHex)
			if err != nil || len(raw) != 32 {
				return nil, fmt.Errorf("execnoded: engine JwtSecretHex must be 32 hex-encoded bytes")
			}
			jwtSecret = new([32]byte)
			copy(jwtSecret[:], raw)
		}
		dialCtx, cancel := context.WithTimeout(ctx, engineClientDialTimeout)
		defer cancel()
		engClient, err = dialEngineClient(dialCtx, cfg.Engine.RpcUrl, jwtSecret)
		if err != nil {
			return nil, fmt.Errorf("execnoded: dial engine: %w", err)
		}
		syncer = enginesync.New(enginesync.Config{Store: bs, Client: engClient, Params: cfg.EngineSync})
	} else {
		log.Warn("execnoded: no engine.RpcUrl configured; running without a downstream execution engine")
	}

	return &node{
		cfg:        cfg,
		db:         db,
		dirLock:    dirLock,
		store:      bs,
		mempool:    mp,
		worker:     worker,
		forkchoice: fcm,
		engine:     engClient,
		sync:       syncer,
	}, nil
}

// Start reconciles the engine (if configured) and then runs the
// fork-choice manager's event loop until ctx is cancelled or Stop is
// called.
func (n *node) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	if n.sync != nil {
		if err := n.sync.Sync(runCtx); err != nil {
			cancel()
			return fmt.Errorf("execnoded: engine sync: %w", err)
		}
		log.Info("execnoded: engine sync complete")
	}

	// Root the fork-choice manager at the stored genesis, if one exists; a
	// fresh datadir stays uninitialized until a genesis block is provisioned.
	if rec := n.store.GetFinalizedBlockAtHeight(0); rec != nil {
		if err := n.forkchoice.InitGenesis(rec.Blockhash); err != nil {
			cancel()
			return fmt.Errorf("execnoded: init fork choice: %w", err)
		}
	}

	if err := n.mempool.LoadFromDisk(noAccountsState{}); err != nil {
		cancel()
		return fmt.Errorf("execnoded: reload mempool: %w", err)
	}

	statusCh := make(chan forkchoice.ChainSyncStatus, 16)
	sub := n.forkchoice.StatusFeed().Subscribe(statusCh)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer sub.Unsubscribe()
		n.relayStatusToMempool(runCtx, statusCh)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.forkchoice.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.Error("execnoded: fork-choice manager exited", "err", err)
		}
	}()

	return nil
}

// relayStatusToMempool projects each new chain tip back onto the mempool:
// transactions included by the tip block are removed and the remainder is
// revalidated.
func (n *node) relayStatusToMempool(ctx context.Context, statusCh <-chan forkchoice.ChainSyncStatus) {
	var lastTip ids.BlockId
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-statusCh:
			if st.Tip.Blkid.IsZero() || st.Tip.Blkid == lastTip {
				continue
			}
			lastTip = st.Tip.Blkid
			var included []ids.TxId
			if payload := n.store.GetBlockPayload(st.Tip.Blkid); payload != nil {
				txs, err := assembly.DecodePayload(payload)
				if err != nil {
					log.Warn("execnoded: undecodable block payload", "block", st.Tip.Blkid, "err", err)
				}
				for _, tx := range txs {
					included = append(included, tx.TxId)
				}
			}
			n.mempool.OnNewBlock(included, noAccountsState{})
		}
	}
}

// Stop cancels every running goroutine and waits for them to exit, then
// closes the database and engine connection.
func (n *node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	if n.engine != nil {
		n.engine.Close()
	}
	if err := n.db.Close(); err != nil {
		log.Warn("execnoded: error closing database", "err", err)
	}
	if n.dirLock != nil {
		if err := n.dirLock.Unlock(); err != nil {
			log.Warn("execnoded: error releasing datadir lock", "err", err)
		}
	}
}
