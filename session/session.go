// Package session drives one dispute: it plays the rounds of a compiled
// sequence strictly in order, exchanges commitment digests and presigned
// signatures with the other party over the relay and learns the preimages
// the opponent reveals on chain. An equivocation seen on chain is handed
// to the justice path.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"

	bitvm "github.com/BitVM/BitVM-sub000"
	"github.com/BitVM/BitVM-sub000/chainwatcher"
	"github.com/BitVM/BitVM-sub000/commit"
	"github.com/BitVM/BitVM-sub000/script"
	"github.com/BitVM/BitVM-sub000/sequence"
	"github.com/BitVM/BitVM-sub000/sessiondb"
)

var (
	ErrRoundOrder      = errors.New("round played out of order")
	ErrFinished        = errors.New("session finished")
	ErrSessionMismatch = errors.New("digests for another session")
	ErrStalled         = errors.New("no spend before deadline")
	ErrMissingPresig   = errors.New("missing peer signature")
)

type Role string

const (
	RoleProver   Role = "prover"
	RoleVerifier Role = "verifier"
)

// Transport carries the digest exchange. *relay.Client implements it.
type Transport interface {
	Send(ctx context.Context, to string, payload interface{}) error
	Receive(ctx context.Context, v interface{}) error
}

// Watcher reports spends of the round outpoints.
// *chainwatcher.ChainWatcher implements it.
type Watcher interface {
	Subscribe(op wire.OutPoint) (<-chan chainwatcher.SpendUpdate, func())
}

// Handlers react to observed spends in Watch. Either may be nil.
type Handlers struct {
	// Spent runs after the spend of round's input was observed. A spend
	// seen in the mempool and again confirmed is passed twice.
	Spent func(ctx context.Context, round int, u chainwatcher.SpendUpdate) error
	// Justice runs once, on the first opponent equivocation. It normally
	// claims the output through a justice leaf.
	Justice func(ctx context.Context, round int, e *commit.Equivocation) error
}

type Config struct {
	Kind        string
	Role        Role
	ProverKey   *btcec.PublicKey
	VerifierKey *btcec.PublicKey
	// Key is this party's signing key, matching the key of Role.
	Key         *btcec.PrivateKey
	Funding     sequence.Outpoint
	Net         *chaincfg.Params
	// Rounds is the compiled sequence; round i spends the output of
	// round i-1.
	Rounds []*sequence.Transaction
	// Deadline bounds the wait for the next spend in Watch. Zero waits
	// until ctx is done.
	Deadline time.Duration
}

func (c *Config) check() error {
	switch {
	case c.Role != RoleProver && c.Role != RoleVerifier:
		return fmt.Errorf("unknown role %q", c.Role)
	case c.ProverKey == nil || c.VerifierKey == nil:
		return errors.New("missing party key")
	case len(c.Rounds) == 0:
		return errors.New("no rounds")
	case c.Net == nil:
		return errors.New("no network")
	case c.Key == nil:
		return errors.New("no signing key")
	}
	own := c.ProverKey
	if c.Role == RoleVerifier {
		own = c.VerifierKey
	}
	if !c.Key.PubKey().IsEqual(own) {
		return fmt.Errorf("signing key is not the %s key", c.Role)
	}
	return nil
}

// Session is the state of one dispute for one party.
type Session struct {
	log   slog.Logger
	cfg   Config
	db    sessiondb.SessionDB
	bcast sequence.Broadcaster

	// prevs maps the outpoint each round spends to the round.
	prevs map[wire.OutPoint]int

	mu          sync.Mutex
	rec         *sessiondb.SessionRecord
	opponent    *commit.Opponent
	equivocated *commit.Equivocation
}

// New opens the session for cfg, resuming it from db when it was stored
// before. The opponent preimages stored earlier are learned again.
func New(ctx context.Context, log slog.Logger, db sessiondb.SessionDB, b sequence.Broadcaster, cfg Config) (*Session, error) {
	if err := cfg.check(); err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	s := &Session{
		log:   log,
		cfg:   cfg,
		db:    db,
		bcast: b,
		prevs: make(map[wire.OutPoint]int, len(cfg.Rounds)),
	}
	for i, t := range cfg.Rounds {
		prev, err := t.Prev()
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", i, err)
		}
		s.prevs[prev.OutPoint] = i
	}

	id := bitvm.DeriveSessionID(schnorr.SerializePubKey(cfg.ProverKey),
		schnorr.SerializePubKey(cfg.VerifierKey), cfg.Funding.OutPoint)
	rec, err := db.FetchSession(ctx, id)
	switch {
	case errors.Is(err, sessiondb.ErrSessionNotFound):
		rec = &sessiondb.SessionRecord{
			ID:          id,
			Kind:        cfg.Kind,
			Role:        string(cfg.Role),
			ProverKey:   schnorr.SerializePubKey(cfg.ProverKey),
			VerifierKey: schnorr.SerializePubKey(cfg.VerifierKey),
			Funding:     cfg.Funding.OutPoint.String(),
			FundingAmt:  cfg.Funding.Value,
			Status:      sessiondb.StatusPending,
		}
		if err := db.CreateSession(ctx, rec); err != nil {
			return nil, err
		}
		log.Infof("session: created %s (%s, %s, %d rounds)", id, cfg.Kind, cfg.Role, len(cfg.Rounds))
	case err != nil:
		return nil, err
	default:
		if rec.Role != string(cfg.Role) {
			return nil, fmt.Errorf("session %s stored as %s, opened as %s", id, rec.Role, cfg.Role)
		}
		log.Infof("session: resumed %s at round %d (%s)", id, rec.Round, rec.Status)
	}
	s.rec = rec

	if len(rec.OpponentTable) > 0 {
		s.opponent = commit.NewOpponent(rec.OpponentTable)
		pre, err := db.FetchPreimages(ctx, id)
		if err != nil {
			return nil, err
		}
		for hashID, p := range pre {
			_, err := s.opponent.Learn(p)
			var eq *commit.Equivocation
			if errors.As(err, &eq) {
				s.equivocated = eq
			} else if err != nil {
				return nil, fmt.Errorf("relearn %s: %w", hashID, err)
			}
		}
	}
	return s, nil
}

func (s *Session) ID() string { return s.rec.ID }

func (s *Session) Role() Role { return s.cfg.Role }

// Round is the next round to play.
func (s *Session) Round() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Round
}

func (s *Session) Status() sessiondb.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Status
}

// Equivocation returns the opponent equivocation seen so far, if any.
func (s *Session) Equivocation() *commit.Equivocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.equivocated
}

// Opponent is nil until digests were exchanged.
func (s *Session) Opponent() *commit.Opponent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opponent
}

// Transaction returns round i of the sequence.
func (s *Session) Transaction(i int) (*sequence.Transaction, error) {
	if i < 0 || i >= len(s.cfg.Rounds) {
		return nil, fmt.Errorf("%w: round %d of %d", sequence.ErrUnknownLeaf, i, len(s.cfg.Rounds))
	}
	return s.cfg.Rounds[i], nil
}

// FundingAddress is the address the funding outpoint must pay.
func (s *Session) FundingAddress() (*btcutil.AddressTaproot, error) {
	return s.cfg.Rounds[0].Address(s.cfg.Net)
}

func (s *Session) ownKey() *btcec.PublicKey {
	if s.cfg.Role == RoleProver {
		return s.cfg.ProverKey
	}
	return s.cfg.VerifierKey
}

func (s *Session) peerKey() *btcec.PublicKey {
	if s.cfg.Role == RoleProver {
		return s.cfg.VerifierKey
	}
	return s.cfg.ProverKey
}

// ClientID is the relay id this party registers under.
func (s *Session) ClientID() string {
	return bitvm.DeriveClientID(s.rec.ID, schnorr.SerializePubKey(s.ownKey()))
}

// PeerID is the relay id of the other party.
func (s *Session) PeerID() string {
	return bitvm.DeriveClientID(s.rec.ID, schnorr.SerializePubKey(s.peerKey()))
}

// Message kinds exchanged before the chain is played.
const (
	KindDigests = "digests"
	KindPresigs = "presigs"
)

type message struct {
	Session string             `json:"session"`
	Kind    string             `json:"kind"`
	Table   commit.DigestTable `json:"table,omitempty"`
	Sigs    map[string][]byte  `json:"sigs,omitempty"`
	// Ack marks the answer to a received message.
	Ack bool `json:"ack,omitempty"`
}

// ResendInterval is how long an exchange waits before sending its message
// again. The relay drops messages for peers not yet registered.
var ResendInterval = 5 * time.Second

// exchange sends out to peer and waits for the peer's message of the same
// kind. Leftovers of an earlier exchange are skipped.
func exchange(ctx context.Context, t Transport, peer string, out message) (message, error) {
	send := func(ack bool) error {
		out.Ack = ack
		if err := t.Send(ctx, peer, out); err != nil {
			return fmt.Errorf("send %s: %w", out.Kind, err)
		}
		return nil
	}
	if err := send(false); err != nil {
		return message{}, err
	}
	for {
		var msg message
		rctx, cancel := context.WithTimeout(ctx, ResendInterval)
		err := t.Receive(rctx, &msg)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if err := send(false); err != nil {
				return message{}, err
			}
			continue
		default:
			return message{}, fmt.Errorf("receive %s: %w", out.Kind, err)
		}
		if msg.Session != out.Session {
			return message{}, fmt.Errorf("%w: %s", ErrSessionMismatch, msg.Session)
		}
		if msg.Kind != out.Kind {
			continue
		}
		// The peer may have missed ours if it registered late.
		if !msg.Ack {
			if err := send(true); err != nil {
				return message{}, err
			}
		}
		return msg, nil
	}
}

// Exchange sends own, the digests of this party's commitments, to peer and
// waits for the peer's table for the same session. Only digests cross the
// relay.
func Exchange(ctx context.Context, t Transport, sessionID, peer string, own commit.DigestTable) (commit.DigestTable, error) {
	msg, err := exchange(ctx, t, peer, message{Session: sessionID, Kind: KindDigests, Table: own})
	if err != nil {
		return nil, err
	}
	return msg.Table, nil
}

// ExchangeDigests runs Exchange with the peer of this session and adopts
// the table received.
func (s *Session) ExchangeDigests(ctx context.Context, t Transport, own commit.DigestTable) error {
	table, err := Exchange(ctx, t, s.rec.ID, s.PeerID(), own)
	if err != nil {
		return err
	}
	return s.AdoptDigests(ctx, table)
}

// AdoptDigests stores the opponent's digest table and starts learning
// against it.
func (s *Session) AdoptDigests(ctx context.Context, table commit.DigestTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.OpponentTable = table
	if s.rec.Status == sessiondb.StatusPending {
		s.rec.Status = sessiondb.StatusActive
	}
	if err := s.db.SaveSession(ctx, s.rec); err != nil {
		return err
	}
	s.opponent = commit.NewOpponent(table)
	s.log.Infof("session: %s adopted %d opponent digests", s.rec.ID, len(table))
	return nil
}

func sigKey(round int, leaf string) string { return fmt.Sprintf("%d:%s", round, leaf) }

// cosigned calls f for every leaf both parties sign.
func (s *Session) cosigned(f func(round, i int, name string) error) error {
	for round, t := range s.cfg.Rounds {
		for i, l := range t.Leaves() {
			if !l.Cosigned(s.cfg.ProverKey, s.cfg.VerifierKey) {
				continue
			}
			if err := f(round, i, l.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Presign signs every leaf both parties sign, keyed by round and leaf
// name. The result is what this party sends its peer once the funding
// outpoint is fixed: with it the peer can play any of its moves alone.
func (s *Session) Presign() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.cosigned(func(round, i int, name string) error {
		sig, err := s.cfg.Rounds[round].SignLeaf(i, s.cfg.Key)
		if err != nil {
			return fmt.Errorf("round %d leaf %s: %w", round, name, err)
		}
		out[sigKey(round, name)] = sig
		return nil
	})
	return out, err
}

// AdoptSignatures checks the peer's presigned signatures, which must cover
// every cosigned leaf, and stores them.
func (s *Session) AdoptSignatures(ctx context.Context, sigs map[string][]byte) error {
	peer := s.peerKey()
	err := s.cosigned(func(round, i int, name string) error {
		sig, ok := sigs[sigKey(round, name)]
		if !ok {
			return fmt.Errorf("%w: round %d leaf %s", ErrMissingPresig, round, name)
		}
		return s.cfg.Rounds[round].VerifyLeafSig(i, peer, sig)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.PeerSigs = sigs
	if err := s.db.SaveSession(ctx, s.rec); err != nil {
		return err
	}
	s.log.Infof("session: %s adopted %d peer signatures", s.rec.ID, len(sigs))
	return nil
}

// Presigned reports whether the peer's signatures were adopted.
func (s *Session) Presigned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rec.PeerSigs) > 0
}

// ExchangeSignatures swaps presigned signatures with the peer of this
// session and adopts the ones received.
func (s *Session) ExchangeSignatures(ctx context.Context, t Transport) error {
	own, err := s.Presign()
	if err != nil {
		return err
	}
	msg, err := exchange(ctx, t, s.PeerID(), message{Session: s.rec.ID, Kind: KindPresigs, Sigs: own})
	if err != nil {
		return err
	}
	return s.AdoptSignatures(ctx, msg.Sigs)
}

// LeafOf names the leaf a spend of round's input went through. The leaf
// script is the second to last witness item of a script path spend.
func (s *Session) LeafOf(round int, w wire.TxWitness) (string, bool) {
	t, err := s.Transaction(round)
	if err != nil || len(w) < 2 {
		return "", false
	}
	for i, l := range t.Leaves() {
		b, err := t.LeafScript(i)
		if err == nil && bytes.Equal(b, w[len(w)-2]) {
			return l.Name, true
		}
	}
	return "", false
}

// advance moves past round and persists the result. Leaving the last round
// ends the session. Callers hold mu.
func (s *Session) advance(ctx context.Context, round int) error {
	if round < s.rec.Round {
		return nil
	}
	s.rec.Round = round + 1
	switch {
	case s.rec.Round < len(s.cfg.Rounds):
		s.rec.Status = sessiondb.StatusActive
	case s.equivocated != nil:
		s.rec.Status = sessiondb.StatusPunished
	default:
		s.rec.Status = sessiondb.StatusSettled
	}
	return s.db.UpdateRound(ctx, s.rec.ID, s.rec.Round, s.rec.Status)
}

// signatures returns the signatures of leaf i of round in Signers order:
// this party's own, the peer's from the presigned set. Callers hold mu.
func (s *Session) signatures(round, i int) ([][]byte, error) {
	t := s.cfg.Rounds[round]
	l := t.Leaves()[i]
	own := s.ownKey()
	sigs := make([][]byte, 0, len(l.Signers))
	for _, k := range l.Signers {
		if k.IsEqual(own) {
			sig, err := t.SignLeaf(i, s.cfg.Key)
			if err != nil {
				return nil, err
			}
			sigs = append(sigs, sig)
			continue
		}
		sig, ok := s.rec.PeerSigs[sigKey(round, l.Name)]
		if !ok {
			return nil, fmt.Errorf("%w: round %d leaf %s", ErrMissingPresig, round, l.Name)
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

// leaf looks up the named leaf of the next round. Callers hold mu.
func (s *Session) leaf(name string) (*sequence.Transaction, int, error) {
	if s.rec.Status.Done() {
		return nil, 0, fmt.Errorf("%w: %s", ErrFinished, s.rec.Status)
	}
	t, err := s.Transaction(s.rec.Round)
	if err != nil {
		return nil, 0, err
	}
	i, ok := t.LeafIndex(name)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s in round %d", sequence.ErrUnknownLeaf, name, s.rec.Round)
	}
	return t, i, nil
}

// Play spends the input of round through the named leaf and broadcasts
// it. unlock goes above the leaf's signatures. Rounds are consumed
// strictly in order: only the next round may be played.
func (s *Session) Play(ctx context.Context, round int, leaf string, unlock *script.Script) (*chainhash.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rec.Status.Done() && round != s.rec.Round {
		return nil, fmt.Errorf("%w: round %d, next is %d", ErrRoundOrder, round, s.rec.Round)
	}
	t, i, err := s.leaf(leaf)
	if err != nil {
		return nil, err
	}
	sigs, err := s.signatures(round, i)
	if err != nil {
		return nil, err
	}
	signed, err := t.Signed(i, unlock, sigs...)
	if err != nil {
		return nil, err
	}
	txid, err := t.Execute(ctx, s.bcast, i, signed)
	if err != nil {
		return nil, fmt.Errorf("round %d via %s: %w", round, leaf, err)
	}
	s.log.Infof("session: %s round %d played via %s: %s", s.rec.ID, round, leaf, txid)
	return txid, s.advance(ctx, round)
}

// sweep broadcasts tx, which takes the input of the next round out of the
// sequence, and ends the session with status. Callers hold mu.
func (s *Session) sweep(ctx context.Context, tx *wire.MsgTx, status sessiondb.Status) (*chainhash.Hash, error) {
	txid, err := s.bcast.Broadcast(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("broadcast %s: %w", tx.TxHash(), err)
	}
	s.rec.Status = status
	s.log.Infof("session: %s round %d %s: %s", s.rec.ID, s.rec.Round, status, txid)
	return txid, s.db.UpdateRound(ctx, s.rec.ID, s.rec.Round, s.rec.Status)
}

// Timeout claims the input of the next round through its CSV leaf after
// the other party stalled, and ends the session.
func (s *Session) Timeout(ctx context.Context, leaf string, csv uint32, dest []byte, fee int64) (*chainhash.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, i, err := s.leaf(leaf)
	if err != nil {
		return nil, err
	}
	tx, err := t.TimeoutTx(i, csv, s.cfg.Key, dest, fee)
	if err != nil {
		return nil, err
	}
	return s.sweep(ctx, tx, sessiondb.StatusTimedOut)
}

// Claim sweeps the input of the next round through a leaf only this party
// signs, such as a justice leaf, and ends the session as punished.
func (s *Session) Claim(ctx context.Context, leaf string, unlock *script.Script, dest []byte, fee int64) (*chainhash.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, i, err := s.leaf(leaf)
	if err != nil {
		return nil, err
	}
	sw, err := t.Sweep(i, dest, fee, wire.MaxTxInSequenceNum)
	if err != nil {
		return nil, err
	}
	tx, err := sw.SignedTx(s.cfg.Key, unlock)
	if err != nil {
		return nil, err
	}
	return s.sweep(ctx, tx, sessiondb.StatusPunished)
}

// Observe handles a spend of a round outpoint. It learns every opponent
// preimage in the witness, stores the new ones and moves past the spent
// round. An opponent equivocation is returned as *commit.Equivocation.
func (s *Session) Observe(ctx context.Context, u chainwatcher.SpendUpdate) error {
	round, ok := s.prevs[u.OutPoint]
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *commit.Equivocation
	if s.opponent != nil {
		for _, item := range u.Witness {
			hashID, err := s.opponent.Learn(item)
			var eq *commit.Equivocation
			switch {
			case errors.As(err, &eq):
				found = eq
			case err != nil:
				return err
			}
			if hashID == "" {
				continue
			}
			if err := s.db.StorePreimage(ctx, s.rec.ID, hashID, item); err != nil {
				return err
			}
		}
	} else {
		s.log.Warnf("session: %s round %d spent before digests were exchanged", s.rec.ID, round)
	}
	if found != nil && s.equivocated == nil {
		s.equivocated = found
		s.log.Warnf("session: %s opponent equivocated in round %d: %v", s.rec.ID, round, found)
	}
	leaf, _ := s.LeafOf(round, u.Witness)
	switch {
	case s.rec.Status.Done():
	case leaf == "timeout" || strings.HasPrefix(leaf, "justice_") || s.swept(round, u.Tx):
		s.rec.Status = sessiondb.StatusPunished
		if leaf == "timeout" {
			s.rec.Status = sessiondb.StatusTimedOut
		}
		s.log.Infof("session: %s round %d swept via %s (%s)", s.rec.ID, round, leaf, s.rec.Status)
		if err := s.db.UpdateRound(ctx, s.rec.ID, s.rec.Round, s.rec.Status); err != nil {
			return err
		}
	default:
		if err := s.advance(ctx, round); err != nil {
			return err
		}
	}
	if found != nil {
		return found
	}
	return nil
}

// swept reports whether tx spent round without funding the next one.
func (s *Session) swept(round int, tx *wire.MsgTx) bool {
	if tx == nil || round+1 >= len(s.cfg.Rounds) || len(tx.TxOut) == 0 {
		return false
	}
	return !bytes.Equal(tx.TxOut[0].PkScript, s.cfg.Rounds[round+1].PkScript())
}

// Watch subscribes to every round outpoint and observes spends until the
// session is done, ctx ends, or no spend arrives within the deadline.
func (s *Session) Watch(ctx context.Context, w Watcher, h Handlers) error {
	updates := make(chan chainwatcher.SpendUpdate)
	g, gctx := errgroup.WithContext(ctx)
	wctx, cancel := context.WithCancel(gctx)
	defer cancel()

	for op := range s.prevs {
		ch, unsub := w.Subscribe(op)
		g.Go(func() error {
			defer unsub()
			for {
				select {
				case u := <-ch:
					select {
					case updates <- u:
					case <-wctx.Done():
						return nil
					}
				case <-wctx.Done():
					return nil
				}
			}
		})
	}

	g.Go(func() error {
		defer cancel()
		return s.observeLoop(wctx, updates, h)
	})
	return g.Wait()
}

// observeLoop handles spends in round order. A spend of round r seen
// before round r-1 was handled waits until it has been; spends of rounds
// already handled, such as a mempool spend seen again confirmed, pass
// straight through.
func (s *Session) observeLoop(ctx context.Context, updates <-chan chainwatcher.SpendUpdate, h Handlers) error {
	var deadline <-chan time.Time
	var timer *time.Timer
	if s.cfg.Deadline > 0 {
		timer = time.NewTimer(s.cfg.Deadline)
		defer timer.Stop()
		deadline = timer.C
	}
	punished := false
	handle := func(u chainwatcher.SpendUpdate) error {
		round := s.prevs[u.OutPoint]
		err := s.Observe(ctx, u)
		var eq *commit.Equivocation
		if err != nil && !errors.As(err, &eq) {
			return err
		}
		if eq != nil && !punished && h.Justice != nil {
			punished = true
			if err := h.Justice(ctx, round, eq); err != nil {
				return fmt.Errorf("justice for round %d: %w", round, err)
			}
			return nil
		}
		if h.Spent != nil && !s.Status().Done() {
			if err := h.Spent(ctx, round, u); err != nil {
				return fmt.Errorf("round %d spent: %w", round, err)
			}
		}
		return nil
	}

	next := s.Round()
	pending := make(map[int][]chainwatcher.SpendUpdate)
	for {
		if s.Status().Done() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			return fmt.Errorf("%w: round %d after %s", ErrStalled, s.Round(), s.cfg.Deadline)
		case u := <-updates:
			if timer != nil {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(s.cfg.Deadline)
			}
			round, ok := s.prevs[u.OutPoint]
			if !ok {
				continue
			}
			if round > next {
				pending[round] = append(pending[round], u)
				continue
			}
			if err := handle(u); err != nil {
				return err
			}
			for round == next {
				next++
				queued := pending[next]
				delete(pending, next)
				for _, q := range queued {
					if s.Status().Done() {
						return nil
					}
					if err := handle(q); err != nil {
						return err
					}
				}
				if len(queued) == 0 {
					break
				}
				round = next
			}
		}
	}
}

// Finish ends the session with status.
func (s *Session) Finish(ctx context.Context, status sessiondb.Status) error {
	if !status.Done() {
		return fmt.Errorf("status %s does not end a session", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Status = status
	return s.db.UpdateRound(ctx, s.rec.ID, s.rec.Round, status)
}
