// Corenode runs the consensus core against a local Badger database with no
// networking attached: a development harness for the chain state pipeline.
// Headers, bodies, and transactions normally arrive from a P2P ingest
// layer; here the process simply opens its stores, resumes at the
// persisted tip, and reports status until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/btcnode/corechain/config"
	"github.com/btcnode/corechain/internal/chainstate"
	"github.com/btcnode/corechain/internal/log"
	"github.com/btcnode/corechain/internal/node"
	"github.com/btcnode/corechain/internal/storage"
	"github.com/btcnode/corechain/internal/work"
	"github.com/btcnode/corechain/pkg/block"
	"github.com/btcnode/corechain/pkg/tx"
)

// devBits is the development chain's fixed difficulty: the easiest target
// the compact encoding can express with the sign bit clear.
const devBits = 0x207fffff

// devGenesis is the deterministic development genesis block header.
func devGenesis() *block.Header {
	return &block.Header{
		Version:    1,
		Time:       1_714_000_000,
		Bits:       devBits,
		MerkleRoot: devCoinbase().Hash(),
	}
}

func devCoinbase() *tx.Transaction {
	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut:   tx.CoinbaseOutpoint(),
			ScriptSig: []byte{0x00, 0x00},
		}},
		Outputs: []tx.Output{{Value: 50 * 1_0000_0000, ScriptPubKey: []byte{0x51}}},
	}
}

// devVerifier accepts every script. The script interpreter is an external
// collaborator; a deployment embeds the core with a real one.
type devVerifier struct{}

func (devVerifier) Verify([]byte, *tx.Transaction, int, []byte, uint32) (bool, error) {
	return true, nil
}

func main() {
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.DataDir, "datadir", cfg.DataDir, "data directory")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (trace|debug|info|warn|error)")
	flag.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "emit JSON log lines")
	flag.IntVar(&cfg.ValidatorWorkers, "workers", cfg.ValidatorWorkers, "validator worker count (0 = all cores)")
	statusEvery := flag.Duration("status-interval", time.Minute, "status log interval")
	flag.Parse()

	log.Init(cfg.LogLevel, cfg.LogJSON, os.Stdout)
	logger := log.WithComponent("corenode")

	backend, err := storage.NewBadger(filepath.Join(cfg.DataDir, "chainstate"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer backend.Close()

	params := chainstate.Params{
		PowLimit:        work.CompactToTarget(devBits),
		EnforceRetarget: false,
	}
	n, err := node.New(cfg, backend, devVerifier{}, params, devGenesis())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)

	tip := n.Tip()
	logger.Info().Str("tip", tip.Hash().String()).Uint64("height", tip.Height).Msg("node started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(*statusEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tip := n.Tip()
			count, err := n.UnspentTxCount()
			if err != nil {
				logger.Error().Err(err).Msg("reading unspent tx count")
				continue
			}
			ok, err := n.TipsConsistent()
			if err != nil {
				logger.Error().Err(err).Msg("checking store consistency")
				continue
			}
			logger.Info().
				Uint64("height", tip.Height).
				Str("tip", tip.Hash().String()).
				Str("unspent_txs", humanize.Comma(int64(count))).
				Int("mempool", n.Mempool().Count()).
				Bool("stores_consistent", ok).
				Msg("status")
		case s := <-sigCh:
			logger.Info().Str("signal", s.String()).Msg("shutting down")
			n.Stop()
			return
		}
	}
}
