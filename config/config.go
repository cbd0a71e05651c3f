// Package config holds the options of the bitvm daemons. Values come from
// defaults, then JSON config files, then environment variables, and finally
// command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"

	"github.com/BitVM/BitVM-sub000/logging"
	"github.com/BitVM/BitVM-sub000/merkle"
	"github.com/BitVM/BitVM-sub000/sequence"
)

var ErrHelp = errors.New("help requested")

type ConfConfig struct {
	Dump      bool     `koanf:"dump"`
	EnvPrefix string   `koanf:"env-prefix"`
	File      []string `koanf:"file"`
}

var ConfConfigDefault = ConfConfig{}

func ConfConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Bool(prefix+".dump", ConfConfigDefault.Dump, "print out currently active configuration and exit")
	f.String(prefix+".env-prefix", ConfConfigDefault.EnvPrefix, "environment variables with given prefix will be loaded as configuration values")
	f.StringSlice(prefix+".file", ConfConfigDefault.File, "name of JSON configuration file")
}

type LogConfig struct {
	Level       string `koanf:"level"`
	File        string `koanf:"file"`
	MaxSize     int    `koanf:"max-size"`
	MaxLogFiles int    `koanf:"max-files"`
	Stdout      bool   `koanf:"stdout"`
}

var LogConfigDefault = LogConfig{
	Level:       "info",
	File:        "logs/bitvm.log",
	MaxSize:     10,
	MaxLogFiles: 10,
	Stdout:      true,
}

func LogConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.String(prefix+".level", LogConfigDefault.Level, "log level, optionally with per subsystem levels (info,SESS=debug)")
	f.String(prefix+".file", LogConfigDefault.File, "log file, relative to the data dir (empty disables)")
	f.Int(prefix+".max-size", LogConfigDefault.MaxSize, "log file size in MB that triggers rotation")
	f.Int(prefix+".max-files", LogConfigDefault.MaxLogFiles, "rotated log files to keep")
	f.Bool(prefix+".stdout", LogConfigDefault.Stdout, "also log to stdout")
}

type RelayConfig struct {
	Listen string `koanf:"listen"`
	URL    string `koanf:"url"`
}

var RelayConfigDefault = RelayConfig{
	Listen: "127.0.0.1:9750",
	URL:    "ws://127.0.0.1:9750/",
}

func RelayConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.String(prefix+".listen", RelayConfigDefault.Listen, "address the relay server listens on")
	f.String(prefix+".url", RelayConfigDefault.URL, "relay websocket url clients dial")
}

type NodeConfig struct {
	Host         string        `koanf:"host"`
	User         string        `koanf:"user"`
	Pass         string        `koanf:"pass"`
	Cert         string        `koanf:"cert"`
	DisableTLS   bool          `koanf:"disable-tls"`
	Esplora      string        `koanf:"esplora"`
	PollInterval time.Duration `koanf:"poll-interval"`
}

var NodeConfigDefault = NodeConfig{
	Host:         "127.0.0.1:18443",
	DisableTLS:   true,
	PollInterval: 5 * time.Second,
}

func NodeConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.String(prefix+".host", NodeConfigDefault.Host, "bitcoin node RPC host:port")
	f.String(prefix+".user", NodeConfigDefault.User, "RPC user")
	f.String(prefix+".pass", NodeConfigDefault.Pass, "RPC password")
	f.String(prefix+".cert", NodeConfigDefault.Cert, "RPC TLS certificate")
	f.Bool(prefix+".disable-tls", NodeConfigDefault.DisableTLS, "talk plain HTTP to the node")
	f.String(prefix+".esplora", NodeConfigDefault.Esplora, "broadcast through this Esplora API instead of the node")
	f.Duration(prefix+".poll-interval", NodeConfigDefault.PollInterval, "how often the chain watcher polls the node")
}

func (c *NodeConfig) Validate() error {
	if c.Host == "" {
		return errors.New("node.host is required")
	}
	if c.Esplora != "" && !strings.HasPrefix(c.Esplora, "http") {
		return fmt.Errorf("node.esplora %q is not an http url", c.Esplora)
	}
	return nil
}

// DisputeConfig describes one party of a dispute.
type DisputeConfig struct {
	Kind     string        `koanf:"kind"`
	Role     string        `koanf:"role"`
	Key      string        `koanf:"key"`
	Secret   string        `koanf:"secret"`
	Peer     string        `koanf:"peer"`
	Program  string        `koanf:"program"`
	H        int           `koanf:"h"`
	Depth    int           `koanf:"depth"`
	Funding  string        `koanf:"funding"`
	Amount   int64         `koanf:"amount"`
	Timeout  uint32        `koanf:"timeout"`
	Fee      int64         `koanf:"fee"`
	Dust     int64         `koanf:"dust"`
	Deadline time.Duration `koanf:"deadline"`
}

var DisputeConfigDefault = DisputeConfig{
	Kind:     "vm",
	Role:     "prover",
	H:        5,
	Depth:    4,
	Amount:   100000,
	Timeout:  sequence.DefaultTimeout,
	Fee:      sequence.DefaultParams.Fee,
	Dust:     sequence.DefaultParams.Dust,
	Deadline: 0,
}

func DisputeConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.String(prefix+".kind", DisputeConfigDefault.Kind, "vm disputes one step on chain, walk only narrows the disputed step down over a challenge-response chain")
	f.String(prefix+".role", DisputeConfigDefault.Role, "prover or verifier")
	f.String(prefix+".key", DisputeConfigDefault.Key, "hex private key signing this party's spends")
	f.String(prefix+".secret", DisputeConfigDefault.Secret, "secret the commitment preimages derive from")
	f.String(prefix+".peer", DisputeConfigDefault.Peer, "x-only public key of the other party (hex)")
	f.String(prefix+".program", DisputeConfigDefault.Program, "JSON file with the program and its input memory")
	f.Int(prefix+".h", DisputeConfigDefault.H, "bisection rounds; the first 2^h steps of the program are disputed")
	f.Int(prefix+".depth", DisputeConfigDefault.Depth, "depth of the memory merkle tree, which holds 2^depth words")
	f.String(prefix+".funding", DisputeConfigDefault.Funding, "funding outpoint txid:vout")
	f.Int64(prefix+".amount", DisputeConfigDefault.Amount, "funding amount in satoshis")
	f.Uint32(prefix+".timeout", DisputeConfigDefault.Timeout, "CSV blocks before a stalled round can be claimed")
	f.Int64(prefix+".fee", DisputeConfigDefault.Fee, "fee per round in satoshis")
	f.Int64(prefix+".dust", DisputeConfigDefault.Dust, "smallest round output in satoshis")
	f.Duration(prefix+".deadline", DisputeConfigDefault.Deadline, "give up waiting for the other party after this long (0 waits forever)")
}

func (c *DisputeConfig) Validate() error {
	if c.Kind != "vm" && c.Kind != "walk" {
		return fmt.Errorf("dispute.kind must be vm or walk, not %q", c.Kind)
	}
	if c.H < 1 || c.H > 16 {
		return fmt.Errorf("dispute.h %d outside 1..16", c.H)
	}
	if c.Depth < 2 || c.Depth > merkle.MaxDepth {
		return fmt.Errorf("dispute.depth %d outside 2..%d", c.Depth, merkle.MaxDepth)
	}
	if c.Role != "prover" && c.Role != "verifier" {
		return fmt.Errorf("dispute.role must be prover or verifier, not %q", c.Role)
	}
	if c.Amount <= 0 || c.Fee <= 0 || c.Dust <= 0 {
		return errors.New("dispute amount, fee and dust must be positive")
	}
	if c.Timeout == 0 {
		return errors.New("dispute.timeout must be positive")
	}
	return nil
}

// Params are the fee parameters rounds are compiled with.
func (c *DisputeConfig) Params() sequence.Params {
	return sequence.Params{Fee: c.Fee, Dust: c.Dust, Version: sequence.DefaultParams.Version}
}

type Config struct {
	Conf    ConfConfig    `koanf:"conf"`
	Network string        `koanf:"network"`
	DataDir string        `koanf:"data-dir"`
	Log     LogConfig     `koanf:"log"`
	Relay   RelayConfig   `koanf:"relay"`
	Node    NodeConfig    `koanf:"node"`
	Dispute DisputeConfig `koanf:"dispute"`
}

var ConfigDefault = Config{
	Conf:    ConfConfigDefault,
	Network: "regtest",
	DataDir: btcutil.AppDataDir("bitvm", false),
	Log:     LogConfigDefault,
	Relay:   RelayConfigDefault,
	Node:    NodeConfigDefault,
	Dispute: DisputeConfigDefault,
}

func ConfigAddOptions(f *flag.FlagSet) {
	ConfConfigAddOptions("conf", f)
	f.String("network", ConfigDefault.Network, "mainnet, testnet3, signet or regtest")
	f.String("data-dir", ConfigDefault.DataDir, "directory for the session database and logs")
	LogConfigAddOptions("log", f)
	RelayConfigAddOptions("relay", f)
	NodeConfigAddOptions("node", f)
	DisputeConfigAddOptions("dispute", f)
}

// NetParams maps the network name to its chain parameters.
func (c *Config) NetParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unknown network %q", c.Network)
}

// Path resolves p against the data dir unless it is absolute.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// LogBackendConfig is the logging setup for c.
func (c *Config) LogBackendConfig() logging.LogConfig {
	stdout := c.Log.Stdout
	return logging.LogConfig{
		LogFile:     c.Path(c.Log.File),
		DebugLevel:  c.Log.Level,
		MaxLogFiles: c.Log.MaxLogFiles,
		MaxSize:     c.Log.MaxSize,
		UseStdout:   &stdout,
	}
}

func (c *Config) Validate() error {
	if _, err := c.NetParams(); err != nil {
		return err
	}
	if err := c.Node.Validate(); err != nil {
		return err
	}
	return c.Dispute.Validate()
}

// beginParse parses args and layers config files and environment
// variables under the flags.
func beginParse(f *flag.FlagSet, args []string) (*koanf.Koanf, error) {
	if err := f.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, ErrHelp
		}
		return nil, err
	}
	k := koanf.New(".")
	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, fmt.Errorf("error loading flags: %w", err)
	}
	for _, path := range k.Strings("conf.file") {
		if err := k.Load(file.Provider(path), json.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config file %s: %w", path, err)
		}
	}
	if prefix := k.String("conf.env-prefix"); prefix != "" {
		err := k.Load(env.Provider(prefix, ".", func(s string) string {
			// BITVM_NODE_POLL__INTERVAL -> node.poll-interval
			s = strings.ToLower(strings.TrimPrefix(s, prefix))
			s = strings.ReplaceAll(s, "__", "-")
			return strings.ReplaceAll(s, "_", ".")
		}), nil)
		if err != nil {
			return nil, fmt.Errorf("error loading environment: %w", err)
		}
	}
	// Flags set explicitly win over files and environment.
	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, fmt.Errorf("error reloading flags: %w", err)
	}
	return k, nil
}

func endParse(k *koanf.Koanf, out interface{}) error {
	dc := mapstructure.DecoderConfig{
		ErrorUnused: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		Result:           out,
		WeaklyTypedInput: true,
	}
	if err := k.UnmarshalWithConf("", out, koanf.UnmarshalConf{DecoderConfig: &dc}); err != nil {
		return fmt.Errorf("error decoding config: %w", err)
	}
	return nil
}

// Parse builds the configuration from args. It returns the positional
// arguments left after the flags.
func Parse(name string, args []string) (*Config, []string, error) {
	f := flag.NewFlagSet(name, flag.ContinueOnError)
	ConfigAddOptions(f)
	k, err := beginParse(f, args)
	if err != nil {
		return nil, nil, err
	}
	var cfg Config
	if err := endParse(k, &cfg); err != nil {
		return nil, nil, err
	}
	if cfg.Conf.Dump {
		// Secrets are not dumped.
		err := k.Load(confmap.Provider(map[string]interface{}{
			"conf.dump":      false,
			"dispute.key":    "",
			"dispute.secret": "",
			"node.pass":      "",
		}, "."), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("error removing secrets before dump: %w", err)
		}
		b, err := k.Marshal(json.Parser())
		if err != nil {
			return nil, nil, fmt.Errorf("unable to marshal config: %w", err)
		}
		fmt.Fprintln(os.Stdout, string(b))
	}
	return &cfg, f.Args(), nil
}
