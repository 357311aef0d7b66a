package memory

import (
	"math"
	"time"
)

// Weight component coefficients.
const (
	weightCoherence  = 0.35
	weightRedundancy = 0.35
	weightLongevity  = 0.15
	weightSecurity   = 0.15

	// longevityTimeConstant controls how quickly longevity approaches 1.
	longevityTimeConstant = 24 * time.Hour
)

// StabilityWeight scores one field entry.
type StabilityWeight struct {
	CoherenceScore  float64 `json:"coherence_score"`
	RedundancyScore float64 `json:"redundancy_score"`
	LongevityScore  float64 `json:"longevity_score"`
	SecurityScore   float64 `json:"security_score"`
}

// Weight is the composite stability weight.
func (w StabilityWeight) Weight() float64 {
	return weightCoherence*w.CoherenceScore +
		weightRedundancy*w.RedundancyScore +
		weightLongevity*w.LongevityScore +
		weightSecurity*w.SecurityScore
}

// LongevityForAge maps entry age to a longevity score that grows
// monotonically toward 1.
func LongevityForAge(age time.Duration) float64 {
	if age <= 0 {
		return 0
	}
	return 1 - math.Exp(-float64(age)/float64(longevityTimeConstant))
}
