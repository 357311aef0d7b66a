package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/fieldctl/internal/commit"
	"github.com/danmuck/fieldctl/internal/field"
	"github.com/danmuck/fieldctl/internal/syncer"
)

// NodeConfig is the top-level fieldctl node configuration.
type NodeConfig struct {
	NodeID      string   `toml:"node_id"`
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	ChannelID   string   `toml:"channel_id"`
	BasisKeys   []int    `toml:"basis_keys"`
	ArchiveDir  string   `toml:"archive_dir"`
	AdminToken  string   `toml:"admin_token"`

	Field  FieldConfig  `toml:"field"`
	Commit CommitConfig `toml:"commit"`
	Sync   SyncConfig   `toml:"sync"`
}

// FieldConfig bounds the local field.
type FieldConfig struct {
	MaxDeltaLog  int     `toml:"max_delta_log"`
	MaxSnapshots int     `toml:"max_snapshots"`
	MinWeight    float64 `toml:"min_weight"`
}

// CommitConfig is the TOML form of the commit protocol knobs.
type CommitConfig struct {
	CoherenceThreshold      float64 `toml:"coherence_threshold"`
	EntropyRateThreshold    float64 `toml:"entropy_rate_threshold"`
	SMFEntropyMin           float64 `toml:"smf_entropy_min"`
	SMFEntropyMax           float64 `toml:"smf_entropy_max"`
	IdentityAxisMin         float64 `toml:"identity_axis_min"`
	ReconstructionThreshold float64 `toml:"reconstruction_threshold"`
	RedundancyThreshold     float64 `toml:"redundancy_threshold"`
	MinVerifiers            int     `toml:"min_verifiers"`
	MaxVerifiers            int     `toml:"max_verifiers"`
	SecurityThreshold       float64 `toml:"security_threshold"`
	ProposalTimeoutMS       int64   `toml:"proposal_timeout_ms"`
	VoteTimeoutMS           int64   `toml:"vote_timeout_ms"`
}

// SyncConfig is the TOML form of the synchronizer knobs.
type SyncConfig struct {
	ReconnectIntervalMS    int64   `toml:"reconnect_interval_ms"`
	MaxReconnectAttempts   int     `toml:"max_reconnect_attempts"`
	ResonanceBlendAlpha    float64 `toml:"resonance_blend_alpha"`
	OfflineProposalLogSize int     `toml:"offline_proposal_log_size"`
	AutoReconnect          bool    `toml:"auto_reconnect"`
}

// Default returns a NodeConfig mirroring the package defaults.
func Default() NodeConfig {
	fieldCfg := field.DefaultConfig()
	commitCfg := commit.DefaultConfig()
	syncCfg := syncer.DefaultConfig()
	return NodeConfig{
		NodeID:    "field.local",
		Addr:      ":9200",
		ChannelID: "prrc-0",
		BasisKeys: []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Field: FieldConfig{
			MaxDeltaLog:  fieldCfg.MaxDeltaLog,
			MaxSnapshots: fieldCfg.MaxSnapshots,
			MinWeight:    fieldCfg.MinWeight,
		},
		Commit: CommitConfig{
			CoherenceThreshold:      commitCfg.CoherenceThreshold,
			EntropyRateThreshold:    commitCfg.EntropyRateThreshold,
			SMFEntropyMin:           commitCfg.SMFEntropyMin,
			SMFEntropyMax:           commitCfg.SMFEntropyMax,
			IdentityAxisMin:         commitCfg.IdentityAxisMin,
			ReconstructionThreshold: commitCfg.ReconstructionThreshold,
			RedundancyThreshold:     commitCfg.RedundancyThreshold,
			MinVerifiers:            commitCfg.MinVerifiers,
			MaxVerifiers:            commitCfg.MaxVerifiers,
			SecurityThreshold:       commitCfg.SecurityThreshold,
			ProposalTimeoutMS:       commitCfg.ProposalTimeout.Milliseconds(),
			VoteTimeoutMS:           commitCfg.VoteTimeout.Milliseconds(),
		},
		Sync: SyncConfig{
			ReconnectIntervalMS:    syncCfg.ReconnectInterval.Milliseconds(),
			MaxReconnectAttempts:   syncCfg.MaxReconnectAttempts,
			ResonanceBlendAlpha:    syncCfg.ResonanceBlendAlpha,
			OfflineProposalLogSize: syncCfg.OfflineProposalLogSize,
			AutoReconnect:          syncCfg.AutoReconnect,
		},
	}
}

// Load reads, defaults, and validates a node config.
func Load(path string) (NodeConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

// Validate checks required fields and threshold sanity.
func Validate(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.NodeID) == "" {
		return fmt.Errorf("node config missing node_id")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("node config missing addr")
	}
	if len(cfg.BasisKeys) == 0 {
		return fmt.Errorf("node config requires at least one basis key")
	}
	seen := make(map[int]struct{}, len(cfg.BasisKeys))
	for _, k := range cfg.BasisKeys {
		if _, dup := seen[k]; dup {
			return fmt.Errorf("node config basis key %d duplicated", k)
		}
		seen[k] = struct{}{}
	}
	if cfg.Commit.RedundancyThreshold <= 0 || cfg.Commit.RedundancyThreshold > 1 {
		return fmt.Errorf("commit redundancy_threshold %v out of (0, 1]", cfg.Commit.RedundancyThreshold)
	}
	if cfg.Commit.MinVerifiers <= 0 || cfg.Commit.MaxVerifiers < cfg.Commit.MinVerifiers {
		return fmt.Errorf("commit verifier bounds invalid: min=%d max=%d", cfg.Commit.MinVerifiers, cfg.Commit.MaxVerifiers)
	}
	if cfg.Sync.ResonanceBlendAlpha < 0 || cfg.Sync.ResonanceBlendAlpha > 1 {
		return fmt.Errorf("sync resonance_blend_alpha %v out of [0, 1]", cfg.Sync.ResonanceBlendAlpha)
	}
	if cfg.Sync.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("sync max_reconnect_attempts must be positive")
	}
	return nil
}

// FieldSettings maps onto the field package config.
func (c NodeConfig) FieldSettings() field.Config {
	return field.Config{
		MaxDeltaLog:  c.Field.MaxDeltaLog,
		MaxSnapshots: c.Field.MaxSnapshots,
		MinWeight:    c.Field.MinWeight,
	}
}

// CommitSettings maps onto the commit package config.
func (c NodeConfig) CommitSettings() commit.Config {
	cfg := commit.DefaultConfig()
	cfg.CoherenceThreshold = c.Commit.CoherenceThreshold
	cfg.EntropyRateThreshold = c.Commit.EntropyRateThreshold
	cfg.SMFEntropyMin = c.Commit.SMFEntropyMin
	cfg.SMFEntropyMax = c.Commit.SMFEntropyMax
	cfg.IdentityAxisMin = c.Commit.IdentityAxisMin
	cfg.ReconstructionThreshold = c.Commit.ReconstructionThreshold
	cfg.RedundancyThreshold = c.Commit.RedundancyThreshold
	cfg.MinVerifiers = c.Commit.MinVerifiers
	cfg.MaxVerifiers = c.Commit.MaxVerifiers
	cfg.SecurityThreshold = c.Commit.SecurityThreshold
	cfg.ProposalTimeout = time.Duration(c.Commit.ProposalTimeoutMS) * time.Millisecond
	cfg.VoteTimeout = time.Duration(c.Commit.VoteTimeoutMS) * time.Millisecond
	return cfg
}

// SyncSettings maps onto the syncer package config.
func (c NodeConfig) SyncSettings() syncer.Config {
	cfg := syncer.DefaultConfig()
	cfg.ReconnectInterval = time.Duration(c.Sync.ReconnectIntervalMS) * time.Millisecond
	cfg.MaxReconnectAttempts = c.Sync.MaxReconnectAttempts
	cfg.ResonanceBlendAlpha = c.Sync.ResonanceBlendAlpha
	cfg.OfflineProposalLogSize = c.Sync.OfflineProposalLogSize
	cfg.AutoReconnect = c.Sync.AutoReconnect
	cfg.Backoff.InitialDelay = cfg.ReconnectInterval
	cfg.Backoff.MaxDelay = cfg.ReconnectInterval
	return cfg
}
