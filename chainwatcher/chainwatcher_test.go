package chainwatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNode struct {
	mu      sync.Mutex
	blocks  []*wire.MsgBlock
	mempool []*wire.MsgTx
	fail    bool
	// failBlock makes the next GetBlock of that height fail once.
	failBlock map[int64]bool
}

func (n *fakeNode) GetBestBlock() (*chainhash.Hash, int32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return nil, 0, errors.New("connection refused")
	}
	h := n.blocks[len(n.blocks)-1].BlockHash()
	return &h, int32(len(n.blocks) - 1), nil
}

func (n *fakeNode) GetBlockHash(height int64) (*chainhash.Hash, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failBlock[height] {
		delete(n.failBlock, height)
		return nil, errors.New("block not found")
	}
	h := chainhash.Hash{byte(height), 0xbb}
	return &h, nil
}

func (n *fakeNode) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.blocks[hash[0]], nil
}

func (n *fakeNode) GetRawMempool() ([]*chainhash.Hash, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*chainhash.Hash, len(n.mempool))
	for i, tx := range n.mempool {
		h := tx.TxHash()
		out[i] = &h
	}
	return out, nil
}

func (n *fakeNode) GetRawTransaction(hash *chainhash.Hash) (*btcutil.Tx, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, tx := range n.mempool {
		if tx.TxHash() == *hash {
			return btcutil.NewTx(tx), nil
		}
	}
	return nil, errors.New("not found")
}

func (n *fakeNode) mine() {
	n.mu.Lock()
	defer n.mu.Unlock()
	blk := &wire.MsgBlock{Header: wire.BlockHeader{Nonce: uint32(len(n.blocks))}, Transactions: n.mempool}
	n.blocks = append(n.blocks, blk)
	n.mempool = nil
}

func (n *fakeNode) send(tx *wire.MsgTx) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mempool = append(n.mempool, tx)
}

func spender(op wire.OutPoint, item byte) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{0xee}}})
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: op, Witness: wire.TxWitness{{item}, {0x51}}})
	tx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte{0x51}})
	return tx
}

func newNode() *fakeNode {
	return &fakeNode{blocks: []*wire.MsgBlock{{}}}
}

func recv(t *testing.T, ch <-chan SpendUpdate) SpendUpdate {
	t.Helper()
	select {
	case u := <-ch:
		return u
	default:
		t.Fatalf("no update")
	}
	return SpendUpdate{}
}

func empty(t *testing.T, ch <-chan SpendUpdate) {
	t.Helper()
	select {
	case u := <-ch:
		t.Fatalf("unexpected update %+v", u)
	default:
	}
}

func TestSpendReportedFromMempoolThenBlock(t *testing.T) {
	node := newNode()
	w := NewChainWatcher(slog.Disabled, node, time.Second)
	op := wire.OutPoint{Hash: chainhash.Hash{1}, Index: 0}
	other := wire.OutPoint{Hash: chainhash.Hash{2}, Index: 0}

	ch, unsub := w.Subscribe(op)
	defer unsub()
	ctx := context.Background()
	w.pollOnce(ctx)
	empty(t, ch)

	tx := spender(op, 0xaa)
	node.send(spender(other, 0xcc))
	node.send(tx)
	w.pollOnce(ctx)
	u := recv(t, ch)
	assert.Equal(t, op, u.OutPoint)
	assert.Equal(t, 1, u.InputIndex)
	assert.Equal(t, int32(0), u.Height)
	assert.Equal(t, []byte{0xaa}, u.Witness[0])
	empty(t, ch)

	// Seen again in the mempool: not repeated.
	w.pollOnce(ctx)
	empty(t, ch)

	node.mine()
	w.pollOnce(ctx)
	u = recv(t, ch)
	assert.Equal(t, int32(1), u.Height)
	assert.Equal(t, tx.TxHash(), u.Tx.TxHash())
	assert.Equal(t, int32(1), w.Tip())
	empty(t, ch)
}

func TestScansSkippedBlocks(t *testing.T) {
	node := newNode()
	w := NewChainWatcher(slog.Disabled, node, time.Second)
	op := wire.OutPoint{Hash: chainhash.Hash{3}, Index: 1}
	ch, unsub := w.Subscribe(op)
	defer unsub()
	w.pollOnce(context.Background())

	node.send(spender(op, 0x01))
	node.mine()
	node.mine()
	w.pollOnce(context.Background())
	u := recv(t, ch)
	assert.Equal(t, int32(1), u.Height)
}

func TestUnsubscribeAndFailures(t *testing.T) {
	node := newNode()
	w := NewChainWatcher(slog.Disabled, node, time.Second)
	op := wire.OutPoint{Hash: chainhash.Hash{4}}
	ch, unsub := w.Subscribe(op)

	node.fail = true
	assert.Error(t, w.pollOnce(context.Background()))
	empty(t, ch)
	node.fail = false

	unsub()
	node.send(spender(op, 0x02))
	w.pollOnce(context.Background())
	empty(t, ch)
}

func TestRunStops(t *testing.T) {
	w := NewChainWatcher(slog.Disabled, newNode(), 10*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	w.Stop()
	w.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestFailedBlockRescanned(t *testing.T) {
	node := newNode()
	w := NewChainWatcher(slog.Disabled, node, time.Second)
	op := wire.OutPoint{Hash: chainhash.Hash{5}, Index: 2}
	ch, unsub := w.Subscribe(op)
	defer unsub()
	ctx := context.Background()
	require.NoError(t, w.pollOnce(ctx))

	node.mine()
	node.send(spender(op, 0x03))
	node.mine()
	node.mine()
	node.failBlock = map[int64]bool{2: true}

	// Block 1 is scanned, block 2 fails and stops the scan before block 3.
	require.Error(t, w.pollOnce(ctx))
	assert.Equal(t, int64(1), w.lastScanned)
	empty(t, ch)

	require.NoError(t, w.pollOnce(ctx))
	u := recv(t, ch)
	assert.Equal(t, int32(2), u.Height)
	assert.Equal(t, int64(3), w.lastScanned)
	empty(t, ch)
}
