package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"

	bitvm "github.com/BitVM/BitVM-sub000"
	"github.com/BitVM/BitVM-sub000/bisect"
	"github.com/BitVM/BitVM-sub000/broadcast"
	"github.com/BitVM/BitVM-sub000/chainwatcher"
	"github.com/BitVM/BitVM-sub000/commit"
	"github.com/BitVM/BitVM-sub000/config"
	"github.com/BitVM/BitVM-sub000/crchain"
	"github.com/BitVM/BitVM-sub000/logging"
	"github.com/BitVM/BitVM-sub000/relay"
	"github.com/BitVM/BitVM-sub000/sequence"
	"github.com/BitVM/BitVM-sub000/session"
	"github.com/BitVM/BitVM-sub000/sessiondb"
	"github.com/BitVM/BitVM-sub000/vm"
)

// party is this side of a dispute over a program's trace.
type party struct {
	cfg *config.Config
	lb  *logging.LogBackend
	log slog.Logger
	net *chaincfg.Params

	role    session.Role
	key     *btcec.PrivateKey
	peer    *btcec.PublicKey
	own     *commit.Player
	contest contest
	walk    *walkContest
}

func newParty(cfg *config.Config, lb *logging.LogBackend) (*party, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	net, err := cfg.NetParams()
	if err != nil {
		return nil, err
	}
	kb, err := hex.DecodeString(cfg.Dispute.Key)
	if err != nil || len(kb) != 32 {
		return nil, errors.New("dispute.key must be 32 bytes of hex")
	}
	key, _ := btcec.PrivKeyFromBytes(kb)
	peer, err := bitvm.ParseXOnly(cfg.Dispute.Peer)
	if err != nil {
		return nil, fmt.Errorf("dispute.peer: %w", err)
	}
	if cfg.Dispute.Secret == "" {
		return nil, errors.New("dispute.secret is required")
	}
	prog, err := loadProgram(cfg.Dispute.Program)
	if err != nil {
		return nil, err
	}
	tr, err := vm.NewTrace(prog.Program, prog.Memory, cfg.Dispute.Depth, cfg.Dispute.H)
	if err != nil {
		return nil, fmt.Errorf("run program: %w", err)
	}

	p := &party{
		cfg:  cfg,
		lb:   lb,
		log:  lb.Logger(logging.CLI),
		net:  net,
		role: session.Role(cfg.Dispute.Role),
		key:  key,
		peer: peer,
		own:  commit.NewPlayer([]byte(cfg.Dispute.Secret)),
	}
	k := keys{role: p.role, own: p.own}
	k.prover, k.verifier = p.keys()
	switch cfg.Dispute.Kind {
	case "walk":
		params := crchain.DefaultParams
		params.Timeout = cfg.Dispute.Timeout
		p.walk = &walkContest{keys: k, h: cfg.Dispute.H, params: params, trace: tr}
		p.contest = p.walk
	default:
		p.contest = &vmContest{
			keys:    k,
			program: prog.Program,
			memory:  prog.Memory,
			depth:   cfg.Dispute.Depth,
			h:       cfg.Dispute.H,
			timeout: cfg.Dispute.Timeout,
			trace:   tr,
		}
	}
	return p, nil
}

func (p *party) keys() (prover, verifier *btcec.PublicKey) {
	if p.role == session.RoleProver {
		return p.key.PubKey(), p.peer
	}
	return p.peer, p.key.PubKey()
}

func (p *party) ownTable() (commit.DigestTable, error) {
	return p.own.Table(p.contest.fields(p.role)...)
}

// setupID names the digest exchange. The funding outpoint is not known
// yet: it pays the address derived from the exchanged digests.
func (p *party) setupID() string {
	prover, verifier := p.keys()
	return bitvm.DeriveSessionID(schnorr.SerializePubKey(prover), schnorr.SerializePubKey(verifier), wire.OutPoint{})
}

func (p *party) digestsPath() string {
	return p.cfg.Path(fmt.Sprintf("digests-%s-%s.json", p.cfg.Dispute.Kind, p.setupID()[:16]))
}

func p2tr(key *btcec.PublicKey) ([]byte, error) {
	return txscript.PayToTaprootScript(txscript.ComputeTaprootKeyNoScript(key))
}

// dial connects to the relay as id.
func (p *party) dial(ctx context.Context, id string) (*relay.Client, error) {
	client, err := relay.Dial(ctx, p.lb.Logger(logging.Relay), p.cfg.Relay.URL)
	if err != nil {
		return nil, err
	}
	if err := client.Register(ctx, id); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// rendezvous swaps digest tables with the peer over the relay and keeps
// the peer's table for run.
func (p *party) rendezvous(ctx context.Context) (commit.DigestTable, error) {
	own, err := p.ownTable()
	if err != nil {
		return nil, err
	}
	id := p.setupID()
	client, err := p.dial(ctx, bitvm.DeriveClientID(id, schnorr.SerializePubKey(p.key.PubKey())))
	if err != nil {
		return nil, err
	}
	defer client.Close()

	p.log.Infof("cli: waiting for peer %x", schnorr.SerializePubKey(p.peer))
	table, err := session.Exchange(ctx, client, id, bitvm.DeriveClientID(id, schnorr.SerializePubKey(p.peer)), own)
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(table)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(p.cfg.DataDir, 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(p.digestsPath(), b, 0o600); err != nil {
		return nil, fmt.Errorf("store peer digests: %w", err)
	}
	return table, nil
}

func (p *party) loadDigests(ctx context.Context) (commit.DigestTable, error) {
	b, err := os.ReadFile(p.digestsPath())
	if errors.Is(err, os.ErrNotExist) {
		return p.rendezvous(ctx)
	}
	if err != nil {
		return nil, err
	}
	var table commit.DigestTable
	if err := json.Unmarshal(b, &table); err != nil {
		return nil, fmt.Errorf("parse %s: %w", p.digestsPath(), err)
	}
	return table, nil
}

func (p *party) setup(ctx context.Context) error {
	table, err := p.rendezvous(ctx)
	if err != nil {
		return err
	}
	value := p.contest.fundingValue(p.cfg.Dispute.Amount)
	txs, err := p.contest.compile(commit.NewOpponent(table), sequence.Outpoint{Value: value}, p.cfg.Dispute.Params())
	if err != nil {
		return err
	}
	addr, err := txs[0].Address(p.net)
	if err != nil {
		return err
	}
	fmt.Printf("digests exchanged: %s\n", p.digestsPath())
	fmt.Printf("fund %d sat to %s, then run with --dispute.funding txid:vout\n", value, addr)
	return nil
}

func (p *party) run(ctx context.Context) error {
	if p.cfg.Dispute.Funding == "" {
		return errors.New("dispute.funding is required")
	}
	op, err := bitvm.ParseOutPoint(p.cfg.Dispute.Funding)
	if err != nil {
		return err
	}
	table, err := p.loadDigests(ctx)
	if err != nil {
		return err
	}
	funding := sequence.Outpoint{OutPoint: op, Value: p.contest.fundingValue(p.cfg.Dispute.Amount)}
	txs, err := p.contest.compile(commit.NewOpponent(table), funding, p.cfg.Dispute.Params())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(p.cfg.DataDir, 0o700); err != nil {
		return err
	}
	db, err := sessiondb.Open(p.cfg.Path("sessions.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	node, err := broadcast.DialRPC(broadcast.RPCConfig{
		Host:       p.cfg.Node.Host,
		User:       p.cfg.Node.User,
		Pass:       p.cfg.Node.Pass,
		DisableTLS: p.cfg.Node.DisableTLS,
		CertFile:   p.cfg.Node.Cert,
	})
	if err != nil {
		return err
	}
	defer node.Shutdown()
	var b sequence.Broadcaster = broadcast.NewRPC(p.lb.Logger(logging.Broadcast), node)
	if p.cfg.Node.Esplora != "" {
		b = broadcast.NewEsplora(p.lb.Logger(logging.Broadcast), p.cfg.Node.Esplora)
	}

	prover, verifier := p.keys()
	s, err := session.New(ctx, p.lb.Logger(logging.Session), db, b, session.Config{
		Kind:        p.cfg.Dispute.Kind,
		Role:        p.role,
		ProverKey:   prover,
		VerifierKey: verifier,
		Key:         p.key,
		Funding:     funding,
		Net:         p.net,
		Rounds:      txs,
		Deadline:    p.cfg.Dispute.Deadline,
	})
	if err != nil {
		return err
	}
	if s.Opponent() == nil {
		if err := s.AdoptDigests(ctx, table); err != nil {
			return err
		}
	}
	if !s.Presigned() {
		if err := p.presign(ctx, s); err != nil {
			return err
		}
	}

	w := chainwatcher.NewChainWatcher(p.lb.Logger(logging.Watcher), node, p.cfg.Node.PollInterval)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error {
		defer w.Stop()
		return p.play(gctx, s, w)
	})
	return g.Wait()
}

// presign swaps signatures of every cosigned leaf with the peer. It runs
// once the funding outpoint is known, since the signatures commit to it.
func (p *party) presign(ctx context.Context, s *session.Session) error {
	client, err := p.dial(ctx, s.ClientID())
	if err != nil {
		return err
	}
	defer client.Close()
	p.log.Infof("cli: exchanging signatures for session %s", s.ID())
	return s.ExchangeSignatures(ctx, client)
}

// advance plays every move this party has in the current round, and in
// the rounds after it that it also moves in.
func (p *party) advance(ctx context.Context, s *session.Session) error {
	for {
		if s.Status().Done() {
			return nil
		}
		m, ok, err := p.contest.next(p.role, s.Round(), s.Opponent())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		txid, err := s.Play(ctx, m.round, m.leaf, m.unlock)
		if err != nil {
			return err
		}
		p.log.Infof("cli: played %s in round %d: %s", m.leaf, m.round, txid)
	}
}

func (p *party) play(ctx context.Context, s *session.Session, w session.Watcher) error {
	payout, err := p2tr(p.key.PubKey())
	if err != nil {
		return err
	}
	if err := p.advance(ctx, s); err != nil {
		return err
	}

	h := session.Handlers{
		Spent: func(ctx context.Context, round int, u chainwatcher.SpendUpdate) error {
			if leaf, ok := s.LeafOf(round, u.Witness); ok {
				p.log.Debugf("cli: round %d spent through %s", round, leaf)
			}
			return p.advance(ctx, s)
		},
		Justice: func(ctx context.Context, round int, e *commit.Equivocation) error {
			return p.justice(ctx, s, round, e, payout)
		},
	}
	for {
		err := s.Watch(ctx, w, h)
		if !errors.Is(err, session.ErrStalled) {
			p.report(s)
			return err
		}
		txid, terr := s.Timeout(ctx, "timeout", p.cfg.Dispute.Timeout, payout, p.cfg.Dispute.Fee)
		if terr == nil {
			p.log.Infof("cli: claimed round %d after the peer stalled: %s", s.Round(), txid)
			p.report(s)
			return nil
		}
		p.log.Warnf("cli: round %d timeout not claimable yet: %v", s.Round(), terr)
	}
}

// justice claims the next round's output with the peer's equivocation.
// Only rounds that follow a commitment the peer may open again carry
// justice leaves.
func (p *party) justice(ctx context.Context, s *session.Session, round int, e *commit.Equivocation, dest []byte) error {
	st := commit.Stage{ID: e.ID, Index: e.Index}
	name := bisect.JusticeLeafName(st)
	if p.walk != nil {
		name = crchain.JusticeLeafName(st)
	}
	txid, err := s.Claim(ctx, name, bisect.JusticeUnlock(e), dest, p.cfg.Dispute.Fee)
	if errors.Is(err, sequence.ErrUnknownLeaf) {
		p.log.Warnf("cli: peer equivocated on %s/%d in round %d, but the next round has no leaf punishing it", e.ID, e.Index, round)
		return nil
	}
	if err != nil {
		return err
	}
	p.log.Infof("cli: peer equivocated on %s/%d in round %d, claimed: %s", e.ID, e.Index, round, txid)
	return nil
}

func (p *party) report(s *session.Session) {
	p.log.Infof("cli: session %s ended at round %d: %s", s.ID(), s.Round(), s.Status())
	if p.walk == nil || p.role != session.RoleVerifier {
		return
	}
	lower, upper, err := p.walk.interval(s.Opponent())
	if err != nil {
		p.log.Warnf("cli: %v", err)
		return
	}
	p.log.Infof("cli: the prover's trace departs from ours between steps %d and %d", lower, upper)
}

func listSessions(ctx context.Context, cfg *config.Config) error {
	db, err := sessiondb.Open(cfg.Path("sessions.db"))
	if err != nil {
		return err
	}
	defer db.Close()
	recs, err := db.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, r := range recs {
		fmt.Printf("%s  %-4s %-8s round %d  %-9s %s (%d sat)\n",
			r.ID[:16], r.Kind, r.Role, r.Round, r.Status, r.Funding, r.FundingAmt)
	}
	return nil
}
