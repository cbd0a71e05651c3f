package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/BitVM/BitVM-sub000/config"
	"github.com/BitVM/BitVM-sub000/logging"
	"github.com/BitVM/BitVM-sub000/vm"
)

const usage = `usage: bitvmcli [flags] <command>

commands:
  keygen                print a fresh key pair and commitment secret
  trace [program.json]  run a program and print every step
  setup                 exchange digests with the peer and print the funding address
  run                   exchange signatures with the peer, then play the
                        dispute (--dispute.kind vm) or the walk over a
                        challenge-response chain (--dispute.kind walk)
  sessions              list stored sessions`

func main() {
	if err := realMain(os.Args[1:]); err != nil {
		if errors.Is(err, config.ErrHelp) {
			fmt.Println(usage)
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// programFile is the JSON program format: the instructions and the
// initial memory.
type programFile struct {
	Program []vm.Instruction `json:"program"`
	Memory  []uint32         `json:"memory"`
}

func loadProgram(path string) (*programFile, error) {
	if path == "" {
		return nil, errors.New("no program file")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	var p programFile
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse program %s: %w", path, err)
	}
	if len(p.Program) == 0 {
		return nil, fmt.Errorf("program %s is empty", path)
	}
	return &p, nil
}

func realMain(args []string) error {
	cfg, rest, err := config.Parse("bitvmcli", args)
	if err != nil {
		return err
	}
	if cfg.Conf.Dump {
		return nil
	}
	if len(rest) == 0 {
		return errors.New(usage)
	}

	lb, err := logging.NewLogBackend(cfg.LogBackendConfig())
	if err != nil {
		return err
	}
	defer lb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch rest[0] {
	case "keygen":
		return keygen()
	case "trace":
		path := cfg.Dispute.Program
		if len(rest) > 1 {
			path = rest[1]
		}
		return runTrace(path, cfg.Dispute.Depth)
	case "setup":
		p, err := newParty(cfg, lb)
		if err != nil {
			return err
		}
		return p.setup(ctx)
	case "run":
		p, err := newParty(cfg, lb)
		if err != nil {
			return err
		}
		return p.run(ctx)
	case "sessions":
		return listSessions(ctx, cfg)
	}
	return fmt.Errorf("unknown command %q\n%s", rest[0], usage)
}

func runTrace(path string, depth int) error {
	p, err := loadProgram(path)
	if err != nil {
		return err
	}
	trace, mem, err := vm.Run(p.Program, p.Memory, depth)
	if err != nil {
		return err
	}
	out := struct {
		Trace  []vm.Snapshot `json:"trace"`
		Memory []uint32      `json:"memory"`
	}{trace, mem}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func keygen() error {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return err
	}
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return err
	}
	fmt.Printf("key:    %x\n", key.Serialize())
	fmt.Printf("pubkey: %s\n", hex.EncodeToString(schnorr.SerializePubKey(key.PubKey())))
	fmt.Printf("secret: %x\n", secret)
	return nil
}
