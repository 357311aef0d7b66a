package commit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/fieldctl/internal/channel"
	"github.com/danmuck/fieldctl/internal/memory"
	"github.com/danmuck/fieldctl/internal/observability"
)

var (
	ErrVerifierExists  = errors.New("commit: verifier already registered")
	ErrVerifierNil     = errors.New("commit: verifier is nil")
	ErrVerifierInvalid = errors.New("commit: invalid verifier descriptor")
)

// Verifier is one independent verification endpoint. Each verifier owns its
// own channel endpoint; in a real deployment it runs on another host and
// votes arrive as messages.
type Verifier struct {
	NodeID       string  `json:"node_id"`
	Region       string  `json:"region"`
	DeviceClass  string  `json:"device_class"`
	NoiseProfile float64 `json:"noise_profile"`

	Channel *channel.Channel `json:"-"`
}

// Verify decodes the packet on the verifier's channel and votes. Decode
// failures produce a reject vote, never an error: integrity failures must
// not abort the surrounding protocol.
func (v *Verifier) Verify(proposalID string, pkt channel.Packet, original memory.Object, cfg Config) Vote {
	vote := Vote{
		ProposalID:     proposalID,
		VerifierNodeID: v.NodeID,
	}
	decoded, err := v.Channel.Decode(pkt)
	if err != nil {
		observability.RecordDecodeFailure(v.NodeID, pkt.Header.ChannelID)
		return vote
	}
	vote.DecodedSuccessfully = true
	vote.ContentMatch = memory.CosineSimilarity(*decoded, original)
	vote.CoherenceCheck = original.CoherenceAtEmission >= cfg.CoherenceThreshold
	vote.Accept = vote.ContentMatch >= cfg.ContentMatchThreshold && vote.CoherenceCheck
	return vote
}

// VerifierRegistry stores verifiers by node id.
type VerifierRegistry struct {
	mu    sync.RWMutex
	items map[string]*Verifier
}

// NewVerifierRegistry creates an empty registry.
func NewVerifierRegistry() *VerifierRegistry {
	return &VerifierRegistry{items: make(map[string]*Verifier)}
}

// Register adds a verifier to the registry.
func (r *VerifierRegistry) Register(v *Verifier) error {
	if v == nil {
		return ErrVerifierNil
	}
	if strings.TrimSpace(v.NodeID) == "" || strings.TrimSpace(v.Region) == "" {
		return fmt.Errorf("%w: node id and region are required", ErrVerifierInvalid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[v.NodeID]; ok {
		return ErrVerifierExists
	}
	r.items[v.NodeID] = v
	return nil
}

// Resolve returns a verifier by node id.
func (r *VerifierRegistry) Resolve(nodeID string) (*Verifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[nodeID]
	return v, ok
}

// List returns all verifiers in deterministic node-id order.
func (r *VerifierRegistry) List() []*Verifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Verifier, 0, len(r.items))
	for _, v := range r.items {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Len returns the registered verifier count.
func (r *VerifierRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// SelectDiverse picks up to count verifiers, first maximizing distinct
// region and device-class coverage, then filling remaining slots in
// node-id order. Diversity bounds correlated-failure and Sybil risk.
func (r *VerifierRegistry) SelectDiverse(count int) []*Verifier {
	all := r.List()
	if count <= 0 || len(all) == 0 {
		return nil
	}
	if count > len(all) {
		count = len(all)
	}

	selected := make([]*Verifier, 0, count)
	used := make(map[string]bool, len(all))
	regions := make(map[string]bool)
	classes := make(map[string]bool)

	for len(selected) < count {
		best := -1
		bestGain := 0
		for i, v := range all {
			if used[v.NodeID] {
				continue
			}
			gain := 0
			if !regions[v.Region] {
				gain++
			}
			if !classes[v.DeviceClass] {
				gain++
			}
			if gain > bestGain {
				bestGain = gain
				best = i
			}
		}
		if best < 0 {
			break
		}
		v := all[best]
		used[v.NodeID] = true
		regions[v.Region] = true
		classes[v.DeviceClass] = true
		selected = append(selected, v)
	}

	for _, v := range all {
		if len(selected) >= count {
			break
		}
		if !used[v.NodeID] {
			used[v.NodeID] = true
			selected = append(selected, v)
		}
	}
	return selected
}
