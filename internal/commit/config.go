package commit

import (
	"time"

	"github.com/danmuck/fieldctl/internal/memory"
)

// Config defines the commit protocol thresholds and timeouts.
type Config struct {
	CoherenceThreshold      float64
	EntropyRateThreshold    float64
	SMFEntropyMin           float64
	SMFEntropyMax           float64
	IdentityAxisMin         float64
	ReconstructionThreshold float64
	RedundancyThreshold     float64
	MinVerifiers            int
	MaxVerifiers            int
	SecurityThreshold       float64
	ProposalTimeout         time.Duration
	VoteTimeout             time.Duration

	// ContentMatchThreshold is the decoded-content similarity a verifier
	// requires before voting accept.
	ContentMatchThreshold float64
	// MaxHistory bounds the retained commit result history.
	MaxHistory int
}

// DefaultConfig returns protocol defaults.
func DefaultConfig() Config {
	return Config{
		CoherenceThreshold:      0.7,
		EntropyRateThreshold:    0.1,
		SMFEntropyMin:           1.0,
		SMFEntropyMax:           3.5,
		IdentityAxisMin:         0.1,
		ReconstructionThreshold: 0.9,
		RedundancyThreshold:     0.51,
		MinVerifiers:            3,
		MaxVerifiers:            21,
		SecurityThreshold:       0.8,
		ProposalTimeout:         30 * time.Second,
		VoteTimeout:             10 * time.Second,
		ContentMatchThreshold:   0.8,
		MaxHistory:              256,
	}
}

// Thresholds maps the config onto the local proof gate.
func (c Config) Thresholds() memory.ProofThresholds {
	return memory.ProofThresholds{
		CoherenceMin:         c.CoherenceThreshold,
		EntropyRateMax:       c.EntropyRateThreshold,
		EntropyMin:           c.SMFEntropyMin,
		EntropyMax:           c.SMFEntropyMax,
		IdentityAxisMin:      c.IdentityAxisMin,
		ReconstructionFidMin: c.ReconstructionThreshold,
	}
}
