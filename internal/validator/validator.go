// Package validator implements the block validation pipeline: four
// cancellable stages — merkle & uniqueness, structural & accounting,
// contextual transaction validation, and script verification — connected
// by bounded channels with propagate-completion and propagate-fault
// semantics. The first two stages run sequentially on one goroutine each;
// the contextual and script stages are worker pools draining shared
// queues, all under a single errgroup-managed cancellable context.
package validator

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/btcnode/corechain/config"
	"github.com/btcnode/corechain/internal/hashcache"
	"github.com/btcnode/corechain/internal/log"
	"github.com/btcnode/corechain/internal/ports"
	"github.com/btcnode/corechain/pkg/block"
	"github.com/btcnode/corechain/pkg/primitives"
	"github.com/btcnode/corechain/pkg/tx"
)

// ValidatableTx is one block-relative transaction plus everything the
// pipeline needs without touching the UTXO store itself: its canonical
// encoding (for size/sigop accounting) and its resolved previous outputs,
// parallel to Tx.Inputs (the coinbase input's slot is nil).
type ValidatableTx struct {
	BlockTxIndex int
	Tx           *tx.Transaction
	TxBytes      []byte
	PrevOuts     []*tx.Output
}

// Options configures one pipeline run.
type Options struct {
	Workers            int  // Stage C/D parallelism; 0 means runtime.NumCPU().
	QueueCapacity      int  // bounded-channel capacity between stages; 0 means 256.
	IgnoreScriptErrors bool // downgrade Stage D failures to warnings (historical replay).
}

// Pipeline runs the four validation stages over one block's transactions.
type Pipeline struct {
	verifier  ports.ScriptVerifier
	hashcache *hashcache.Cache
	opts      Options
}

// New returns a Pipeline that checks scripts via verifier and memoizes
// verdicts in cache (may be nil to disable memoization).
func New(verifier ports.ScriptVerifier, cache *hashcache.Cache, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 256
	}
	return &Pipeline{verifier: verifier, hashcache: cache, opts: opts}
}

// stageItem threads one tx through stages A -> B -> C.
type stageItem struct {
	idx      int
	txHash   primitives.Hash
	tx       *tx.Transaction
	txBytes  []byte
	prevOuts []*tx.Output
	isCoinbase bool
	repeated bool
}

// scriptWork is one (tx, input) work item Stage C hands to Stage D.
type scriptWork struct {
	idx        int
	tx         *tx.Transaction
	inputIndex int
	scriptSig  []byte
	scriptPub  []byte
	flags      uint32
}

// Result carries the accounting the pipeline accumulates, consumed by the
// caller's post-pipeline whole-block checks (subsidy, BIP34, difficulty).
type Result struct {
	TotalFees  uint64
	CoinbaseTx *tx.Transaction
	MerkleRoot primitives.Hash
}

// Validate runs all four stages over txs in block order and, if every
// stage succeeds, returns the accumulated Result. header.MerkleRoot is
// checked against the streaming builder's root; header.Time gates P2SH
// sig-op accounting and absolute lock_time; height feeds
// lock_time-by-height. BIP34 is not checked here.
func (p *Pipeline) Validate(ctx context.Context, blockHash primitives.Hash, header *block.Header, height uint64, txs []ValidatableTx) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chAB := make(chan stageItem, p.opts.QueueCapacity)
	chBC := make(chan stageItem, p.opts.QueueCapacity)
	chCD := make(chan scriptWork, p.opts.QueueCapacity)

	g, gctx := errgroup.WithContext(ctx)

	merkleBuilder := block.NewBuilder()
	g.Go(func() error {
		defer close(chAB)
		return p.stageA(gctx, txs, merkleBuilder, chAB)
	})

	g.Go(func() error {
		defer close(chBC)
		return p.stageB(gctx, blockHash, header, len(txs), chAB, chBC)
	})

	result := &Result{}
	var resultMu sync.Mutex
	var stageCWG sync.WaitGroup
	stageCWG.Add(p.opts.Workers)
	var spentMu sync.Mutex
	spentWithinBlock := make(map[primitives.Outpoint]bool)
	for w := 0; w < p.opts.Workers; w++ {
		g.Go(func() error {
			defer stageCWG.Done()
			return p.stageC(gctx, blockHash, header, height, chBC, chCD, spentWithinBlock, &spentMu, result, &resultMu)
		})
	}
	go func() {
		stageCWG.Wait()
		close(chCD)
	}()

	for w := 0; w < p.opts.Workers; w++ {
		g.Go(func() error {
			return p.stageD(gctx, blockHash, chCD)
		})
	}

	stageErr := g.Wait()

	// The merkle check is evaluated unconditionally, and takes priority
	// over any other stage fault: the CVE-2012-2459 duplicate-tail
	// construction must fail as a merkle-root mismatch, never as a
	// structural or accounting error a stripped duplicate might also
	// trigger downstream.
	root := merkleBuilder.Finalize()
	if root != header.MerkleRoot {
		return nil, newErr(KindMerkleRootMismatch, blockHash, "computed root does not match header")
	}
	if stageErr != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, stageErr
	}

	result.MerkleRoot = root
	return result, nil
}

// stageA is the merkle & uniqueness stage: sequential, single-threaded,
// observing txs in the block's declared order. A repeated tx hash is
// flagged and has its resolved inputs dropped, but is never a fault here:
// the later stages skip flagged items entirely, and the duplication
// surfaces — if at all — as a merkle-root mismatch at finalization. This
// is the CVE-2012-2459 defense: a block carrying a duplicated tail either
// declares a root over the full raw list (which the builder reproduces,
// so the honest-list root in the header mismatches), or declares the
// honest root that the duplicated list also hashes to, in which case the
// duplicates are dropped silently and the honest content validates.
func (p *Pipeline) stageA(ctx context.Context, txs []ValidatableTx, builder *block.Builder, out chan<- stageItem) error {
	seen := make(map[primitives.Hash]bool, len(txs))
	for i, vt := range txs {
		hash := vt.Tx.Hash()
		item := stageItem{idx: vt.BlockTxIndex, txHash: hash, tx: vt.Tx, txBytes: vt.TxBytes, prevOuts: vt.PrevOuts, isCoinbase: i == 0}

		if seen[hash] {
			item.repeated = true
			item.prevOuts = nil
		} else {
			seen[hash] = true
		}
		// Every raw hash feeds the builder, duplicates included; the root
		// commits to the list as received.
		builder.Add(hash)

		select {
		case out <- item:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// stageB is the structural & accounting stage: sequential, enforcing
// coinbase positioning, non-empty in/out, value ranges, coinbase script
// length, and the running sig-op and size accounting limits.
func (p *Pipeline) stageB(ctx context.Context, blockHash primitives.Hash, header *block.Header, numTx int, in <-chan stageItem, out chan<- stageItem) error {
	runningSigOps := 0
	runningSize := block.HeaderSize + varIntSize(uint64(numTx))
	accurateMultisig := header.Time >= config.BIP16SwitchTime

	for item := range in {
		// A repeated tx still occupies encoded-block space but is exempt
		// from the structural rules: faulting here would mask the merkle
		// verdict the duplication is supposed to produce.
		if item.repeated {
			runningSize += len(item.txBytes)
			if runningSize > config.MaxBlockSize {
				return newErr(KindSizeLimit, blockHash, "block exceeds MAX_BLOCK_SIZE")
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if item.isCoinbase {
			if !item.tx.IsCoinbase() {
				return newTxErr(KindStructuralRule, blockHash, item.idx, "tx[0] is not coinbase")
			}
		} else if item.tx.IsCoinbase() {
			return newTxErr(KindStructuralRule, blockHash, item.idx, "coinbase transaction outside position 0")
		}

		if len(item.tx.Inputs) == 0 {
			return newTxErr(KindStructuralRule, blockHash, item.idx, "tx has no inputs")
		}
		if len(item.tx.Outputs) == 0 {
			return newTxErr(KindStructuralRule, blockHash, item.idx, "tx has no outputs")
		}

		if item.isCoinbase {
			n := len(item.tx.Inputs[0].ScriptSig)
			if n < config.MinCoinbaseScriptLen || n > config.MaxCoinbaseScriptLen {
				return newTxErr(KindStructuralRule, blockHash, item.idx, "coinbase scriptSig length out of range")
			}
		} else {
			for _, in := range item.tx.Inputs {
				if in.IsCoinbase() {
					return newTxErr(KindStructuralRule, blockHash, item.idx, "non-coinbase tx references coinbase sentinel")
				}
			}
		}

		var outputSum uint64
		for _, o := range item.tx.Outputs {
			if o.Value > config.MaxMoney {
				return newTxErr(KindAccountingOverflow, blockHash, item.idx, "output value exceeds MAX_MONEY")
			}
			if outputSum > config.MaxMoney-o.Value {
				return newTxErr(KindAccountingOverflow, blockHash, item.idx, "sum of outputs exceeds MAX_MONEY")
			}
			outputSum += o.Value
			runningSigOps += CountLegacySigOps(o.ScriptPubKey, false)
		}
		for idx, in := range item.tx.Inputs {
			runningSigOps += CountLegacySigOps(in.ScriptSig, true)
			if accurateMultisig && !item.isCoinbase && idx < len(item.prevOuts) && item.prevOuts[idx] != nil && IsPayToScriptHash(item.prevOuts[idx].ScriptPubKey) {
				runningSigOps += CountP2SHSigOps(in.ScriptSig)
			}
		}
		if runningSigOps > config.MaxBlockSigOps {
			return newErr(KindSigOpLimit, blockHash, "block exceeds MAX_BLOCK_SIGOPS")
		}

		runningSize += len(item.txBytes)
		if runningSize > config.MaxBlockSize {
			return newErr(KindSizeLimit, blockHash, "block exceeds MAX_BLOCK_SIZE")
		}

		select {
		case out <- item:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// stageC is the contextual transaction validation stage. Each worker
// drains the shared chBC queue; spentWithinBlock and result are shared
// accumulators guarded by their own mutexes since ordering across workers
// doesn't matter for set membership or summation. Runs the intra-block
// double-spend check, lock_time, and inputs>=outputs/fee checks, then
// emits per-input script work for Stage D.
func (p *Pipeline) stageC(ctx context.Context, blockHash primitives.Hash, header *block.Header, height uint64, in <-chan stageItem, out chan<- scriptWork, spentWithinBlock map[primitives.Outpoint]bool, spentMu *sync.Mutex, result *Result, resultMu *sync.Mutex) error {
	for {
		var item stageItem
		var ok bool
		select {
		case item, ok = <-in:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		if item.isCoinbase {
			resultMu.Lock()
			result.CoinbaseTx = item.tx
			resultMu.Unlock()
			continue
		}
		if item.repeated {
			continue
		}

		if !checkLockTime(item.tx.LockTime, item.tx.Inputs, height, header.Time) {
			return newTxErr(KindStructuralRule, blockHash, item.idx, "lock_time not satisfied")
		}

		spentMu.Lock()
		conflict := false
		for _, in := range item.tx.Inputs {
			if spentWithinBlock[in.PrevOut] {
				conflict = true
				break
			}
		}
		if !conflict {
			for _, in := range item.tx.Inputs {
				spentWithinBlock[in.PrevOut] = true
			}
		}
		spentMu.Unlock()
		if conflict {
			return newTxErr(KindDoubleSpendWithinBlock, blockHash, item.idx, "input double-spent within block")
		}

		var inputSum, outputSum uint64
		for _, po := range item.prevOuts {
			if po == nil {
				return newTxErr(KindStructuralRule, blockHash, item.idx, "missing resolved prev-output")
			}
			inputSum += po.Value
		}
		for _, o := range item.tx.Outputs {
			outputSum += o.Value
		}
		if inputSum < outputSum {
			return newTxErr(KindAccountingOverflow, blockHash, item.idx, "inputs less than outputs")
		}
		fee := inputSum - outputSum
		if fee > config.MaxMoney {
			return newTxErr(KindAccountingOverflow, blockHash, item.idx, "fee exceeds MAX_MONEY")
		}
		resultMu.Lock()
		result.TotalFees += fee
		resultMu.Unlock()

		for idx, in := range item.tx.Inputs {
			select {
			case out <- scriptWork{idx: item.idx, tx: item.tx, inputIndex: idx, scriptSig: in.ScriptSig, scriptPub: item.prevOuts[idx].ScriptPubKey, flags: 0}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// checkLockTime checks lock_time against the block's height and time:
// a nonzero lock_time below 500,000,000 is a height,
// at/above it a Unix timestamp; either way it is satisfied once any input
// is final (sequence 0xFFFFFFFF), matching the reference node's semantics.
func checkLockTime(lockTime uint32, inputs []tx.Input, height uint64, blockTime uint32) bool {
	if lockTime == 0 {
		return true
	}
	for _, in := range inputs {
		if in.Sequence == 0xFFFFFFFF {
			return true
		}
	}
	const lockTimeThreshold = 500_000_000
	if lockTime < lockTimeThreshold {
		return uint64(lockTime) <= height
	}
	return lockTime <= blockTime
}

// stageD is the script verification stage: parallel workers draining the
// shared scriptWork queue, invoking the external ports.ScriptVerifier and
// memoizing verdicts via hashcache.
func (p *Pipeline) stageD(ctx context.Context, blockHash primitives.Hash, in <-chan scriptWork) error {
	for {
		var w scriptWork
		var ok bool
		select {
		case w, ok = <-in:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		var fp hashcache.Fingerprint
		useCache := p.hashcache != nil
		if useCache {
			fp = hashcache.Sum(w.tx.Hash(), w.inputIndex, w.scriptPub, w.scriptSig, w.flags)
			if verdict, hit := p.hashcache.Get(fp); hit {
				if !verdict && !p.opts.IgnoreScriptErrors {
					return newTxErr(KindScriptInvalid, blockHash, w.idx, "cached verdict: script verification failed")
				}
				continue
			}
		}

		verdict, err := p.verifier.Verify(w.scriptPub, w.tx, w.inputIndex, w.scriptSig, w.flags)
		if useCache && err == nil {
			p.hashcache.Add(fp, verdict)
		}
		if err != nil {
			return newTxErr(KindScriptInvalid, blockHash, w.idx, err.Error())
		}
		if !verdict {
			if p.opts.IgnoreScriptErrors {
				log.Validator.Warn().Int("tx_index", w.idx).Int("input", w.inputIndex).Msg("script verification failed; ignored for historical replay")
				continue
			}
			return newTxErr(KindScriptInvalid, blockHash, w.idx, "script verification returned false")
		}
	}
}

func varIntSize(v uint64) int {
	switch {
	case v < 0xfd:
		return 1
	case v <= 0xffff:
		return 3
	case v <= 0xffffffff:
		return 5
	default:
		return 9
	}
}
