package memory

import "time"

// Proof is the bundle of scalar evidence emitted alongside an Object.
// Never mutated after creation.
type Proof struct {
	Coherence              float64   `json:"coherence"`
	Entropy                float64   `json:"entropy"`
	EntropyRate            float64   `json:"entropy_rate"`
	OrientationEntropy     float64   `json:"orientation_entropy"`
	IdentityAxisValue      float64   `json:"identity_axis_value"`
	ReconstructionFidelity float64   `json:"reconstruction_fidelity"`
	Timestamp              time.Time `json:"timestamp"`
}

// ProofThresholds gates local admission. Every sub-check must hold.
type ProofThresholds struct {
	CoherenceMin          float64
	EntropyRateMax        float64
	EntropyMin            float64
	EntropyMax            float64
	IdentityAxisMin       float64
	ReconstructionFidMin  float64
	OrientationEntropyMax float64
}

// Passes reports whether every threshold check holds. All-or-nothing.
func (p Proof) Passes(th ProofThresholds) bool {
	if p.Coherence < th.CoherenceMin {
		return false
	}
	if p.EntropyRate > th.EntropyRateMax {
		return false
	}
	if p.Entropy < th.EntropyMin || p.Entropy > th.EntropyMax {
		return false
	}
	if p.IdentityAxisValue < th.IdentityAxisMin {
		return false
	}
	if p.ReconstructionFidelity < th.ReconstructionFidMin {
		return false
	}
	if th.OrientationEntropyMax > 0 && p.OrientationEntropy > th.OrientationEntropyMax {
		return false
	}
	return true
}
