package field

import (
	"math"

	"github.com/danmuck/fieldctl/internal/memory"
)

// Cluster groups near-duplicate objects for conflict resolution. The basis
// is the highest coherence-at-emission member; satellites collapse into it.
// Transient, computed on demand.
type Cluster struct {
	Basis      memory.Object
	Satellites []memory.Object
}

// FindClusters greedily groups objects whose content similarity and
// orientation proximity both meet threshold, picking the highest-coherence
// member as basis.
func FindClusters(objects []memory.Object, threshold float64) []Cluster {
	assigned := make([]bool, len(objects))
	clusters := make([]Cluster, 0)

	for i := range objects {
		if assigned[i] {
			continue
		}
		members := []int{i}
		assigned[i] = true
		for j := i + 1; j < len(objects); j++ {
			if assigned[j] {
				continue
			}
			content := memory.CosineSimilarity(objects[i], objects[j])
			orient := memory.OrientationSimilarity(objects[i].Orientation, objects[j].Orientation)
			if content >= threshold && orient >= threshold {
				members = append(members, j)
				assigned[j] = true
			}
		}

		basis := members[0]
		best := math.Inf(-1)
		for _, m := range members {
			if objects[m].CoherenceAtEmission > best {
				best = objects[m].CoherenceAtEmission
				basis = m
			}
		}
		cluster := Cluster{Basis: objects[basis]}
		for _, m := range members {
			if m != basis {
				cluster.Satellites = append(cluster.Satellites, objects[m])
			}
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}

// MergeClusters collapses each cluster's satellites into its basis entry,
// emitting one merge delta per removed satellite and reinforcing the basis
// redundancy score. Satellites or bases absent from the field are skipped.
func (f *Field) MergeClusters(clusters []Cluster) []Delta {
	deltas := make([]Delta, 0)
	for _, c := range clusters {
		if len(c.Satellites) == 0 {
			continue
		}
		merged := 0
		for _, sat := range c.Satellites {
			f.mu.Lock()
			d := f.removeLocked(sat.ID, DeltaMerge)
			f.mu.Unlock()
			if d != nil {
				deltas = append(deltas, *d)
				merged++
			}
		}
		if merged == 0 {
			continue
		}
		if entry, ok := f.GetObject(c.Basis.ID); ok {
			red := entry.Weight.RedundancyScore + 0.05*float64(merged)
			if red > 1 {
				red = 1
			}
			if d := f.UpdateWeight(c.Basis.ID, entry.Weight.CoherenceScore, red); d != nil {
				deltas = append(deltas, *d)
			}
		}
	}
	return deltas
}
