// Package chainwatcher polls a node and reports when watched outpoints are
// spent, together with the spending witness. Dispute parties learn the
// preimages their opponent revealed from these witnesses.
package chainwatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/slog"
)

// DefaultInterval is the poll period used when none is configured.
const DefaultInterval = 5 * time.Second

// Node is the part of rpcclient.Client the watcher polls.
type Node interface {
	GetBestBlock() (*chainhash.Hash, int32, error)
	GetBlockHash(height int64) (*chainhash.Hash, error)
	GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error)
	GetRawMempool() ([]*chainhash.Hash, error)
	GetRawTransaction(hash *chainhash.Hash) (*btcutil.Tx, error)
}

// SpendUpdate reports a transaction spending a watched outpoint.
type SpendUpdate struct {
	OutPoint   wire.OutPoint
	Tx         *wire.MsgTx
	InputIndex int
	Witness    wire.TxWitness
	// Height is the block height, 0 while the spend is in the mempool.
	Height int32
	At     time.Time
}

type spendKey struct {
	spender   chainhash.Hash
	confirmed bool
}

// ChainWatcher is a minimal pusher: every tick it scans new blocks and the
// mempool for inputs spending a subscribed outpoint. A spend is reported
// once when first seen in the mempool and once when confirmed.
type ChainWatcher struct {
	log      slog.Logger
	node     Node
	interval time.Duration

	mu       sync.RWMutex
	tip      int32
	subs     map[wire.OutPoint]map[chan SpendUpdate]struct{}
	reported map[wire.OutPoint]map[spendKey]struct{}

	quit        chan struct{}
	stopOnce    sync.Once
	lastScanned int64
}

func NewChainWatcher(log slog.Logger, node Node, interval time.Duration) *ChainWatcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &ChainWatcher{
		log:         log,
		node:        node,
		interval:    interval,
		subs:        make(map[wire.OutPoint]map[chan SpendUpdate]struct{}),
		reported:    make(map[wire.OutPoint]map[spendKey]struct{}),
		quit:        make(chan struct{}),
		lastScanned: -1,
	}
}

func (w *ChainWatcher) Stop() { w.stopOnce.Do(func() { close(w.quit) }) }

// Run polls until ctx is done or Stop is called. It always returns nil so
// it can run directly under an errgroup.
func (w *ChainWatcher) Run(ctx context.Context) error {
	w.log.Infof("watcher: started (interval %s)", w.interval)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	defer w.log.Infof("watcher: stopped")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.quit:
			return nil
		case <-t.C:
			if err := w.pollOnce(ctx); err != nil && ctx.Err() == nil {
				w.log.Debugf("watcher: poll: %v", err)
			}
		}
	}
}

// Tip is the best height seen by the last poll.
func (w *ChainWatcher) Tip() int32 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tip
}

func (w *ChainWatcher) watched() map[wire.OutPoint]struct{} {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[wire.OutPoint]struct{}, len(w.subs))
	for op := range w.subs {
		out[op] = struct{}{}
	}
	return out
}

// scanTx reports every input of tx spending a watched outpoint.
func (w *ChainWatcher) scanTx(tx *wire.MsgTx, height int32, keys map[wire.OutPoint]struct{}) {
	for i, in := range tx.TxIn {
		if _, ok := keys[in.PreviousOutPoint]; !ok {
			continue
		}
		w.report(SpendUpdate{
			OutPoint:   in.PreviousOutPoint,
			Tx:         tx,
			InputIndex: i,
			Witness:    in.Witness,
			Height:     height,
			At:         time.Now(),
		})
	}
}

// pollOnce scans the blocks since the last poll and then the mempool. A
// block that cannot be fetched stops the scan; the next poll resumes at
// that height.
func (w *ChainWatcher) pollOnce(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	_, h, err := w.node.GetBestBlock()
	if err != nil {
		return fmt.Errorf("GetBestBlock: %w", err)
	}
	w.mu.Lock()
	w.tip = h
	w.mu.Unlock()

	keys := w.watched()
	if len(keys) == 0 {
		w.lastScanned = int64(h)
		return nil
	}

	// On the first tick or after a reorg below the last scan only the tip
	// is scanned.
	tip := int64(h)
	if tip != w.lastScanned {
		start := w.lastScanned + 1
		if w.lastScanned == -1 || start > tip {
			start = tip
		}
		for bh := start; bh <= tip; bh++ {
			if err := w.scanBlock(bh, keys); err != nil {
				w.lastScanned = bh - 1
				return err
			}
			w.lastScanned = bh
		}
	}

	txids, err := w.node.GetRawMempool()
	if err != nil {
		return fmt.Errorf("GetRawMempool: %w", err)
	}
	for _, txid := range txids {
		tx, err := w.node.GetRawTransaction(txid)
		if err != nil || tx == nil {
			continue
		}
		w.scanTx(tx.MsgTx(), 0, keys)
	}
	return nil
}

func (w *ChainWatcher) scanBlock(height int64, keys map[wire.OutPoint]struct{}) error {
	hash, err := w.node.GetBlockHash(height)
	if err != nil {
		return fmt.Errorf("GetBlockHash(%d): %w", height, err)
	}
	blk, err := w.node.GetBlock(hash)
	if err != nil {
		return fmt.Errorf("GetBlock(%s): %w", hash, err)
	}
	if blk == nil {
		return fmt.Errorf("GetBlock(%s): no block", hash)
	}
	for _, tx := range blk.Transactions {
		w.scanTx(tx, int32(height), keys)
	}
	return nil
}

// Subscribe adds a listener for spends of op and returns the channel and
// an unsubscribe func. Spends already reported are not replayed.
func (w *ChainWatcher) Subscribe(op wire.OutPoint) (<-chan SpendUpdate, func()) {
	ch := make(chan SpendUpdate, 8)

	w.mu.Lock()
	if _, ok := w.subs[op]; !ok {
		w.subs[op] = make(map[chan SpendUpdate]struct{})
	}
	w.subs[op][ch] = struct{}{}
	n := len(w.subs[op])
	w.mu.Unlock()
	w.log.Infof("watcher: subscribed %s (subs=%d)", op, n)

	unsub := func() {
		w.mu.Lock()
		remaining := 0
		if set, ok := w.subs[op]; ok {
			delete(set, ch)
			remaining = len(set)
			if remaining == 0 {
				delete(w.subs, op)
				delete(w.reported, op)
			}
		}
		w.mu.Unlock()
		w.log.Infof("watcher: unsubscribed %s (subs=%d)", op, remaining)
		// The channel stays open: a poll may still hold it.
	}
	return ch, unsub
}

// report delivers u once per spender and confirmation state. Sends are
// non-blocking; a slow receiver misses updates.
func (w *ChainWatcher) report(u SpendUpdate) {
	key := spendKey{spender: u.Tx.TxHash(), confirmed: u.Height > 0}
	w.mu.Lock()
	set := w.subs[u.OutPoint]
	if len(set) == 0 {
		w.mu.Unlock()
		return
	}
	seen := w.reported[u.OutPoint]
	if seen == nil {
		seen = make(map[spendKey]struct{})
		w.reported[u.OutPoint] = seen
	}
	if _, dup := seen[key]; dup {
		w.mu.Unlock()
		return
	}
	seen[key] = struct{}{}
	chs := make([]chan SpendUpdate, 0, len(set))
	for ch := range set {
		chs = append(chs, ch)
	}
	w.mu.Unlock()

	w.log.Debugf("watcher: %s spent by %s height=%d", u.OutPoint, key.spender, u.Height)
	for _, ch := range chs {
		select {
		case ch <- u:
		default:
		}
	}
}
