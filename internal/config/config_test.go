package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fieldctl.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
node_id = "node-a"
addr = ":9201"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != "node-a" || cfg.Addr != ":9201" {
		t.Fatalf("identity not applied: %+v", cfg)
	}
	if cfg.Commit.RedundancyThreshold != 0.51 {
		t.Fatalf("expected default redundancy threshold, got %v", cfg.Commit.RedundancyThreshold)
	}
	if cfg.Sync.OfflineProposalLogSize != 10000 {
		t.Fatalf("expected default offline log size, got %d", cfg.Sync.OfflineProposalLogSize)
	}
	if len(cfg.BasisKeys) != 16 {
		t.Fatalf("expected default basis keys, got %v", cfg.BasisKeys)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
node_id = "node-b"
addr = ":9300"
basis_keys = [2, 4, 8]

[commit]
redundancy_threshold = 0.67
min_verifiers = 5
max_verifiers = 9
proposal_timeout_ms = 1500

[sync]
resonance_blend_alpha = 0.5
max_reconnect_attempts = 3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Commit.RedundancyThreshold != 0.67 {
		t.Fatalf("override not applied: %v", cfg.Commit.RedundancyThreshold)
	}
	cc := cfg.CommitSettings()
	if cc.MinVerifiers != 5 || cc.MaxVerifiers != 9 {
		t.Fatalf("verifier bounds: min=%d max=%d", cc.MinVerifiers, cc.MaxVerifiers)
	}
	if cc.ProposalTimeout != 1500*time.Millisecond {
		t.Fatalf("proposal timeout: %v", cc.ProposalTimeout)
	}
	sc := cfg.SyncSettings()
	if sc.ResonanceBlendAlpha != 0.5 || sc.MaxReconnectAttempts != 3 {
		t.Fatalf("sync settings: %+v", sc)
	}
	if sc.Backoff.InitialDelay != sc.ReconnectInterval {
		t.Fatalf("backoff should track reconnect interval, got %v", sc.Backoff.InitialDelay)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*NodeConfig)
	}{
		{"missing node id", func(c *NodeConfig) { c.NodeID = " " }},
		{"missing addr", func(c *NodeConfig) { c.Addr = "" }},
		{"no basis keys", func(c *NodeConfig) { c.BasisKeys = nil }},
		{"duplicate basis key", func(c *NodeConfig) { c.BasisKeys = []int{1, 2, 1} }},
		{"redundancy out of range", func(c *NodeConfig) { c.Commit.RedundancyThreshold = 1.5 }},
		{"verifier bounds inverted", func(c *NodeConfig) { c.Commit.MinVerifiers = 7; c.Commit.MaxVerifiers = 3 }},
		{"blend alpha out of range", func(c *NodeConfig) { c.Sync.ResonanceBlendAlpha = -0.2 }},
		{"zero reconnect attempts", func(c *NodeConfig) { c.Sync.MaxReconnectAttempts = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestTemplateRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldctl.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatal("expected overwrite refusal")
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if cfg.NodeID != Default().NodeID {
		t.Fatalf("template node id = %q", cfg.NodeID)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}
