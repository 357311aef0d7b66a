package channel

import "math"

// PhaseReference is a per-node array of phase offsets used for handshake
// alignment.
type PhaseReference struct {
	NodeID  string    `json:"node_id"`
	Offsets []float64 `json:"offsets"`
}

// wrapAngle maps an angle into (-pi, pi].
func wrapAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

// circularMeanDifference computes the mean circular offset between two
// equal-length phase arrays.
func circularMeanDifference(local, remote []float64) float64 {
	var sumSin, sumCos float64
	for i := range local {
		d := remote[i] - local[i]
		sumSin += math.Sin(d)
		sumCos += math.Cos(d)
	}
	return math.Atan2(sumSin, sumCos)
}
