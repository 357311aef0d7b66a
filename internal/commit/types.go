package commit

import (
	"time"

	"github.com/danmuck/fieldctl/internal/field"
	"github.com/danmuck/fieldctl/internal/memory"
)

// Status is one proposal's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVoting   Status = "voting"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Rejection reasons, in gate priority order.
const (
	ReasonExpired          = "proposal_expired"
	ReasonCoherenceFailed  = "coherence_failed"
	ReasonRedundancyFailed = "redundancy_failed"
	ReasonSecurityFailed   = "security_failed"
)

// Proposal is one candidate awaiting quorum.
type Proposal struct {
	ID             string        `json:"id"`
	Timestamp      time.Time     `json:"timestamp"`
	Object         memory.Object `json:"object"`
	Proof          memory.Proof  `json:"proof"`
	ProposerNodeID string        `json:"proposer_node_id"`
	Status         Status        `json:"status"`
	ExpiresAt      time.Time     `json:"expires_at"`
}

// Vote is one verifier's judgement on a proposal.
type Vote struct {
	ProposalID          string  `json:"proposal_id"`
	VerifierNodeID      string  `json:"verifier_node_id"`
	Accept              bool    `json:"accept"`
	DecodedSuccessfully bool    `json:"decoded_successfully"`
	ContentMatch        float64 `json:"content_match"`
	CoherenceCheck      bool    `json:"coherence_check"`
}

// Evidence aggregates votes per proposal. Aggregation is commutative:
// the derived scores depend only on the vote multiset, not arrival order.
type Evidence struct {
	ProposalID        string  `json:"proposal_id"`
	Votes             []Vote  `json:"votes"`
	TotalVotes        int     `json:"total_votes"`
	AcceptVotes       int     `json:"accept_votes"`
	RedundancyScore   float64 `json:"redundancy_score"`
	ResonanceStrength float64 `json:"resonance_strength"`
	StabilityScore    float64 `json:"stability_score"`
}

// Result is the terminal record of one proposal.
type Result struct {
	ProposalID      string       `json:"proposal_id"`
	Accepted        bool         `json:"accepted"`
	CoherenceScore  float64      `json:"coherence_score"`
	RedundancyScore float64      `json:"redundancy_score"`
	StabilityScore  float64      `json:"stability_score"`
	Delta           *field.Delta `json:"delta,omitempty"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
}

func (e *Evidence) recompute() {
	e.TotalVotes = len(e.Votes)
	e.AcceptVotes = 0
	failedDecodes := 0
	sumMatch := 0.0
	for _, v := range e.Votes {
		if v.Accept {
			e.AcceptVotes++
		}
		if !v.DecodedSuccessfully {
			failedDecodes++
		}
		sumMatch += v.ContentMatch
	}
	if e.TotalVotes == 0 {
		e.RedundancyScore = 0
		e.ResonanceStrength = 0
		e.StabilityScore = 1.0
		return
	}
	e.RedundancyScore = float64(e.AcceptVotes) / float64(e.TotalVotes)
	e.ResonanceStrength = sumMatch / float64(e.TotalVotes)
	// Failed decodes are the anomaly signal lowering the security composite.
	e.StabilityScore = 1.0 - 0.5*float64(failedDecodes)/float64(e.TotalVotes)
}
