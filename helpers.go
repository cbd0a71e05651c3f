package bitvm

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/crypto/blake256"
)

// numsKeyHex is the x coordinate of the BIP341 point with no known discrete
// logarithm. Outputs using it as internal key can only be spent by script.
const numsKeyHex = "50929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"

var numsKey = func() *btcec.PublicKey {
	b, _ := hex.DecodeString(numsKeyHex)
	k, err := schnorr.ParsePubKey(b)
	if err != nil {
		panic(err)
	}
	return k
}()

// NUMSKey returns the unspendable internal key used by every tap tree.
func NUMSKey() *btcec.PublicKey {
	return numsKey
}

// DeriveSessionID deterministically derives a dispute session id bound to
// both parties' x-only keys and the funding outpoint.
func DeriveSessionID(prover, verifier []byte, funding wire.OutPoint) string {
	h := blake256.New()
	h.Write([]byte("BitVM/Session/v1"))
	h.Write(prover)
	h.Write([]byte{'|'})
	h.Write(verifier)
	h.Write([]byte{'|'})
	h.Write(funding.Hash[:])
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatUint(uint64(funding.Index), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// DeriveClientID derives the relay client id a party registers under.
func DeriveClientID(sessionID string, xonly []byte) string {
	h := blake256.New()
	h.Write([]byte("BitVM/Relay/v1"))
	h.Write([]byte(sessionID))
	h.Write([]byte{'|'})
	h.Write(xonly)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// ParseXOnly parses a 32-byte x-only public key from hex.
func ParseXOnly(s string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("bad pubkey hex: %w", err)
	}
	k, err := schnorr.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("bad x-only pubkey: %w", err)
	}
	return k, nil
}

// ParseOutPoint parses "txid:vout".
func ParseOutPoint(s string) (wire.OutPoint, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return wire.OutPoint{}, fmt.Errorf("bad outpoint %q: want txid:vout", s)
	}
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("bad outpoint %q: %w", s, err)
	}
	var h chainhash.Hash
	if err := chainhash.Decode(&h, parts[0]); err != nil {
		return wire.OutPoint{}, fmt.Errorf("bad txid %q: %w", parts[0], err)
	}
	return wire.OutPoint{Hash: h, Index: uint32(vout)}, nil
}

// FindInputIndex returns the index of the single input of tx spending op.
func FindInputIndex(tx *wire.MsgTx, op wire.OutPoint) (int, error) {
	matchCount := 0
	matchIdx := -1
	for i, ti := range tx.TxIn {
		if ti.PreviousOutPoint == op {
			matchCount++
			matchIdx = i
		}
	}
	if matchCount == 0 {
		return -1, fmt.Errorf("input %s not found in tx", op)
	}
	if matchCount > 1 {
		return -1, fmt.Errorf("input %s matches %d inputs in tx (ambiguous)", op, matchCount)
	}
	return matchIdx, nil
}
