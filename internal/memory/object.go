package memory

import (
	"errors"
	"math"
	"time"
)

// OrientationDims is the fixed length of a semantic orientation vector.
const OrientationDims = 16

var (
	ErrLengthMismatch = errors.New("memory: key/amplitude/phase length mismatch")
	ErrDuplicateKey   = errors.New("memory: duplicate basis key")
)

// Orientation is a 16-component semantic orientation vector.
type Orientation [OrientationDims]float64

// Object is one memory object as handed over by the cognitive core.
// Immutable once proposed; a channel decode always constructs a fresh
// instance and never preserves emission metadata.
type Object struct {
	ID                  string      `json:"id"`
	Timestamp           time.Time   `json:"timestamp"`
	BasisKeys           []int       `json:"basis_keys"`
	Amplitudes          []float64   `json:"amplitudes"`
	Phases              []float64   `json:"phases"`
	Orientation         Orientation `json:"orientation"`
	SourceNodeID        string      `json:"source_node_id"`
	MomentID            string      `json:"moment_id"`
	CoherenceAtEmission float64     `json:"coherence_at_emission"`
	EntropyAtEmission   float64     `json:"entropy_at_emission"`
}

// Validate checks the parallel-sequence invariant and key uniqueness.
func (o Object) Validate() error {
	if len(o.BasisKeys) != len(o.Amplitudes) || len(o.BasisKeys) != len(o.Phases) {
		return ErrLengthMismatch
	}
	seen := make(map[int]struct{}, len(o.BasisKeys))
	for _, k := range o.BasisKeys {
		if _, ok := seen[k]; ok {
			return ErrDuplicateKey
		}
		seen[k] = struct{}{}
	}
	return nil
}

// Amplitude returns the amplitude for a basis key, zero if absent.
func (o Object) Amplitude(key int) float64 {
	for i, k := range o.BasisKeys {
		if k == key {
			return o.Amplitudes[i]
		}
	}
	return 0
}

// Phase returns the phase for a basis key, zero if absent.
func (o Object) Phase(key int) float64 {
	for i, k := range o.BasisKeys {
		if k == key {
			return o.Phases[i]
		}
	}
	return 0
}

// CosineSimilarity compares two objects by their amplitude vectors over the
// union of basis keys. Returns 0 when either vector is empty or zero.
func CosineSimilarity(a, b Object) float64 {
	keys := make(map[int]struct{}, len(a.BasisKeys)+len(b.BasisKeys))
	for _, k := range a.BasisKeys {
		keys[k] = struct{}{}
	}
	for _, k := range b.BasisKeys {
		keys[k] = struct{}{}
	}
	var dot, normA, normB float64
	for k := range keys {
		va := a.Amplitude(k)
		vb := b.Amplitude(k)
		dot += va * vb
		normA += va * va
		normB += vb * vb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// OrientationSimilarity is the cosine similarity of two orientation vectors.
func OrientationSimilarity(a, b Orientation) float64 {
	var dot, normA, normB float64
	for i := 0; i < OrientationDims; i++ {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
