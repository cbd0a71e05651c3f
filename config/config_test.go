package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, rest, err := Parse("bitvm", nil)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, ConfigDefault.Network, cfg.Network)
	assert.Equal(t, ConfigDefault.Node, cfg.Node)
	assert.Equal(t, ConfigDefault.Relay, cfg.Relay)
	assert.Equal(t, ConfigDefault.Dispute, cfg.Dispute)
	assert.Equal(t, ConfigDefault.Log, cfg.Log)
	require.NoError(t, cfg.Validate())

	net, err := cfg.NetParams()
	require.NoError(t, err)
	assert.Equal(t, &chaincfg.RegressionNetParams, net)
	assert.Equal(t, int64(2000), cfg.Dispute.Params().Fee)
}

func TestFlagsFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bitvm.json")
	err := os.WriteFile(path, []byte(`{
		"network": "signet",
		"node": {"host": "file:1", "poll-interval": "2s"},
		"dispute": {"role": "verifier", "fee": 3000, "kind": "walk"}
	}`), 0o600)
	require.NoError(t, err)
	t.Setenv("BITVM_DISPUTE_AMOUNT", "55000")
	t.Setenv("BITVM_NODE_POLL__INTERVAL", "7s")

	cfg, rest, err := Parse("bitvm", []string{
		"--conf.file", path,
		"--conf.env-prefix", "BITVM_",
		"--node.host", "flag:2",
		"--dispute.h", "3",
		"trace", "prog.json",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"trace", "prog.json"}, rest)
	assert.Equal(t, "signet", cfg.Network)
	assert.Equal(t, "flag:2", cfg.Node.Host, "explicit flag beats the file")
	assert.Equal(t, 7*time.Second, cfg.Node.PollInterval, "environment beats the file")
	assert.Equal(t, "verifier", cfg.Dispute.Role)
	assert.Equal(t, int64(3000), cfg.Dispute.Fee)
	assert.Equal(t, int64(55000), cfg.Dispute.Amount)
	assert.Equal(t, "walk", cfg.Dispute.Kind)
	assert.Equal(t, 3, cfg.Dispute.H)
	assert.Equal(t, ConfigDefault.Dispute.Depth, cfg.Dispute.Depth)
}

func TestParseErrors(t *testing.T) {
	_, _, err := Parse("bitvm", []string{"--help"})
	assert.True(t, errors.Is(err, ErrHelp))

	_, _, err = Parse("bitvm", []string{"--no-such-flag"})
	assert.Error(t, err)

	_, _, err = Parse("bitvm", []string{"--conf.file", filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"network", func(c *Config) { c.Network = "moonnet" }},
		{"node host", func(c *Config) { c.Node.Host = "" }},
		{"esplora url", func(c *Config) { c.Node.Esplora = "blockstream.info/api" }},
		{"role", func(c *Config) { c.Dispute.Role = "judge" }},
		{"fee", func(c *Config) { c.Dispute.Fee = 0 }},
		{"timeout", func(c *Config) { c.Dispute.Timeout = 0 }},
		{"kind", func(c *Config) { c.Dispute.Kind = "chess" }},
		{"h zero", func(c *Config) { c.Dispute.H = 0 }},
		{"h too large", func(c *Config) { c.Dispute.H = 17 }},
		{"depth", func(c *Config) { c.Dispute.Depth = 1 }},
		{"depth too large", func(c *Config) { c.Dispute.Depth = 17 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := ConfigDefault
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("invalid config accepted")
			}
		})
	}
}

func TestPath(t *testing.T) {
	cfg := ConfigDefault
	cfg.DataDir = "/var/bitvm"
	assert.Equal(t, "/var/bitvm/logs/bitvm.log", cfg.Path(cfg.Log.File))
	assert.Equal(t, "/tmp/x.log", cfg.Path("/tmp/x.log"))
	assert.Equal(t, "", cfg.Path(""))
}
