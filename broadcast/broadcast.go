// Package broadcast submits signed transactions to the network, either
// through a btcd-compatible JSON-RPC node or an Esplora HTTP API.
package broadcast

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/slog"

	"github.com/BitVM/BitVM-sub000/sequence"
)

// Broadcaster is what sequence.Transaction.Execute pushes through.
type Broadcaster = sequence.Broadcaster

// ErrRejected wraps every refusal reported by the backend.
var ErrRejected = errors.New("transaction rejected")

// RPCClient is the part of rpcclient.Client used for broadcasting.
type RPCClient interface {
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
}

// RPCConfig holds the node connection settings.
type RPCConfig struct {
	Host       string
	User       string
	Pass       string
	DisableTLS bool
	CertFile   string
}

// DialRPC opens an HTTP POST mode client to a btcd or bitcoind node.
func DialRPC(cfg RPCConfig) (*rpcclient.Client, error) {
	cc := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableTLS,
	}
	if cfg.CertFile != "" {
		cert, err := os.ReadFile(cfg.CertFile)
		if err != nil {
			return nil, fmt.Errorf("read rpc cert: %w", err)
		}
		cc.Certificates = cert
	}
	c, err := rpcclient.New(cc, nil)
	if err != nil {
		return nil, fmt.Errorf("rpc connect %s: %w", cfg.Host, err)
	}
	return c, nil
}

// RPC broadcasts through sendrawtransaction.
type RPC struct {
	log    slog.Logger
	client RPCClient
}

func NewRPC(log slog.Logger, c RPCClient) *RPC {
	return &RPC{log: log, client: c}
}

func (r *RPC) Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := r.client.SendRawTransaction(tx, false)
	if err != nil {
		r.log.Warnf("broadcast: rpc rejected %s: %v", tx.TxHash(), err)
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	r.log.Infof("broadcast: rpc accepted %s", h)
	return h, nil
}

// Esplora broadcasts with POST {base}/tx.
type Esplora struct {
	log    slog.Logger
	base   string
	client *http.Client
}

func NewEsplora(log slog.Logger, base string) *Esplora {
	return &Esplora{
		log:    log,
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *Esplora) Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize tx: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.base+"/tx",
		strings.NewReader(hex.EncodeToString(buf.Bytes())))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain")
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("esplora post: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("esplora read: %w", err)
	}
	msg := strings.TrimSpace(string(body))
	if resp.StatusCode != http.StatusOK {
		e.log.Warnf("broadcast: esplora rejected %s: %d %s", tx.TxHash(), resp.StatusCode, msg)
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, msg)
	}
	h, err := chainhash.NewHashFromStr(msg)
	if err != nil {
		return nil, fmt.Errorf("esplora txid %q: %w", msg, err)
	}
	e.log.Infof("broadcast: esplora accepted %s", h)
	return h, nil
}
