package syncer

import "time"

// Config defines synchronizer reliability defaults.
type Config struct {
	ReconnectInterval      time.Duration
	MaxReconnectAttempts   int
	ResonanceBlendAlpha    float64
	OfflineProposalLogSize int
	AutoReconnect          bool
	Backoff                BackoffConfig
}

// DefaultConfig returns synchronizer defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectInterval:      5 * time.Second,
		MaxReconnectAttempts:   10,
		ResonanceBlendAlpha:    0.3,
		OfflineProposalLogSize: 10000,
		AutoReconnect:          true,
		Backoff: BackoffConfig{
			InitialDelay: 5 * time.Second,
			Multiplier:   1.0,
			MaxDelay:     5 * time.Second,
			Jitter:       false,
		},
	}
}
