package commit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/fieldctl/internal/channel"
	"github.com/danmuck/fieldctl/internal/field"
	"github.com/danmuck/fieldctl/internal/memory"
	"github.com/danmuck/fieldctl/internal/observability"
)

var (
	ErrProposalNotFound = errors.New("commit: proposal not found")
	ErrNotVoting        = errors.New("commit: proposal not in a broadcastable state")
	ErrNoVerifiers      = errors.New("commit: no verifiers registered")
)

// Dispatch pairs one selected verifier with its encoded packet.
type Dispatch struct {
	Verifier *Verifier
	Packet   channel.Packet
}

// Protocol coordinates proposal lifecycle, verifier selection, vote
// aggregation, and threshold evaluation. One Protocol instance owns its
// proposal and evidence maps; votes flow in as messages via CollectVote.
type Protocol struct {
	cfg       Config
	nodeID    string
	channel   *channel.Channel
	verifiers *VerifierRegistry

	mu        sync.Mutex
	proposals map[string]*Proposal
	evidence  map[string]*Evidence
	history   []Result

	ids    *memory.IDGenerator
	now    func() time.Time
	logger zerolog.Logger
}

// NewProtocol creates a coordinator for one node.
func NewProtocol(nodeID string, ch *channel.Channel, cfg Config) *Protocol {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultConfig().MaxHistory
	}
	return &Protocol{
		cfg:       cfg,
		nodeID:    nodeID,
		channel:   ch,
		verifiers: NewVerifierRegistry(),
		proposals: make(map[string]*Proposal),
		evidence:  make(map[string]*Evidence),
		ids:       memory.NewIDGenerator(nodeID),
		now:       time.Now,
		logger:    log.With().Str("component", "commit").Str("node", nodeID).Logger(),
	}
}

// Registry exposes the verifier registry.
func (p *Protocol) Registry() *VerifierRegistry {
	return p.verifiers
}

// Config returns the protocol configuration.
func (p *Protocol) Config() Config {
	return p.cfg
}

// Propose gates a candidate locally. A proof failing the thresholds returns
// nil with zero network cost: no proposal or evidence record is created.
func (p *Protocol) Propose(obj memory.Object, proof memory.Proof, proposerNodeID string) *Proposal {
	if err := obj.Validate(); err != nil {
		p.logger.Warn().Err(err).Str("object", obj.ID).Msg("propose rejected: invalid object")
		return nil
	}
	if !proof.Passes(p.cfg.Thresholds()) {
		p.logger.Debug().Str("object", obj.ID).Msg("propose rejected by local gate")
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	prop := &Proposal{
		ID:             p.ids.Next("prop"),
		Timestamp:      now,
		Object:         obj,
		Proof:          proof,
		ProposerNodeID: proposerNodeID,
		Status:         StatusPending,
		ExpiresAt:      now.Add(p.cfg.ProposalTimeout),
	}
	p.proposals[prop.ID] = prop
	ev := &Evidence{ProposalID: prop.ID}
	ev.recompute()
	p.evidence[prop.ID] = ev
	p.logger.Info().Str("proposal", prop.ID).Str("object", obj.ID).Msg("proposal created")
	return prop
}

// Get returns a copy of an active proposal.
func (p *Protocol) Get(id string) (Proposal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prop, ok := p.proposals[id]
	if !ok {
		return Proposal{}, false
	}
	return *prop, true
}

// EvidenceFor returns a copy of a proposal's evidence.
func (p *Protocol) EvidenceFor(id string) (Evidence, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := p.evidence[id]
	if !ok {
		return Evidence{}, false
	}
	out := *ev
	out.Votes = append([]Vote(nil), ev.Votes...)
	return out, true
}

// ActiveCount returns the number of unresolved proposals.
func (p *Protocol) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proposals)
}

// SelectVerifiers picks count verifiers with region/device diversity,
// clamped to the configured bounds and registry size.
func (p *Protocol) SelectVerifiers(count int) []*Verifier {
	if count < p.cfg.MinVerifiers {
		count = p.cfg.MinVerifiers
	}
	if count > p.cfg.MaxVerifiers {
		count = p.cfg.MaxVerifiers
	}
	return p.verifiers.SelectDiverse(count)
}

// Broadcast encodes one packet per selected verifier and moves the proposal
// to voting.
func (p *Protocol) Broadcast(proposalID string, count int) ([]Dispatch, error) {
	p.mu.Lock()
	prop, ok := p.proposals[proposalID]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID)
	}
	if prop.Status != StatusPending && prop.Status != StatusVoting {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotVoting, proposalID, prop.Status)
	}
	obj := prop.Object
	p.mu.Unlock()

	selected := p.SelectVerifiers(count)
	if len(selected) == 0 {
		return nil, ErrNoVerifiers
	}

	dispatches := make([]Dispatch, 0, len(selected))
	for _, v := range selected {
		pkt, err := p.channel.Encode(obj, v.NodeID)
		if err != nil {
			p.logger.Warn().Err(err).Str("verifier", v.NodeID).Msg("encode for verifier failed")
			continue
		}
		dispatches = append(dispatches, Dispatch{Verifier: v, Packet: pkt})
	}

	p.mu.Lock()
	if prop, ok := p.proposals[proposalID]; ok {
		prop.Status = StatusVoting
	}
	p.mu.Unlock()
	p.logger.Info().Str("proposal", proposalID).Int("verifiers", len(dispatches)).Msg("broadcast")
	return dispatches, nil
}

// CollectVote merges one vote into the proposal's evidence. Order of
// arrival does not matter; duplicate verifier votes and votes for resolved
// or unknown proposals are dropped.
func (p *Protocol) CollectVote(v Vote) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ev, ok := p.evidence[v.ProposalID]
	if !ok {
		p.logger.Debug().Str("proposal", v.ProposalID).Msg("vote for unknown or resolved proposal dropped")
		return false
	}
	for _, existing := range ev.Votes {
		if existing.VerifierNodeID == v.VerifierNodeID {
			return false
		}
	}
	ev.Votes = append(ev.Votes, v)
	ev.recompute()
	observability.RecordVote(p.nodeID, v.Accept)
	return true
}

// Evaluate runs the acceptance gates. Expiry dominates; after it the gates
// run in fixed priority: coherence, redundancy, security. The first failing
// gate names the rejection reason. Idempotent: unchanged evidence yields an
// identical result. Nil for unknown proposals.
func (p *Protocol) Evaluate(id string) *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evaluateLocked(id)
}

func (p *Protocol) evaluateLocked(id string) *Result {
	prop, ok := p.proposals[id]
	if !ok {
		return nil
	}
	ev := p.evidence[id]

	res := &Result{
		ProposalID:      id,
		CoherenceScore:  prop.Proof.Coherence,
		RedundancyScore: ev.RedundancyScore,
		StabilityScore:  ev.StabilityScore,
	}
	switch {
	case p.now().After(prop.ExpiresAt):
		res.RejectionReason = ReasonExpired
	case !prop.Proof.Passes(p.cfg.Thresholds()):
		res.RejectionReason = ReasonCoherenceFailed
	case ev.RedundancyScore < p.cfg.RedundancyThreshold:
		res.RejectionReason = ReasonRedundancyFailed
	case ev.StabilityScore < p.cfg.SecurityThreshold:
		res.RejectionReason = ReasonSecurityFailed
	default:
		res.Accepted = true
	}
	return res
}

// Commit re-evaluates and, on accept, admits the object into the field.
// Either way the proposal is resolved: its state is removed from the active
// maps, so a proposal can be committed at most once. Nil for unknown ids.
func (p *Protocol) Commit(id string, gmf *field.Field) *Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	res := p.evaluateLocked(id)
	if res == nil {
		return nil
	}
	prop := p.proposals[id]

	if res.Accepted {
		prop.Status = StatusAccepted
		res.Delta = gmf.AddObject(prop.Object, prop.Proof.Coherence, res.RedundancyScore)
	} else if res.RejectionReason == ReasonExpired {
		prop.Status = StatusExpired
	} else {
		prop.Status = StatusRejected
	}

	delete(p.proposals, id)
	delete(p.evidence, id)
	p.appendHistoryLocked(*res)
	observability.RecordCommitResult(p.nodeID, res.Accepted, res.RejectionReason)
	if res.Accepted {
		stats := gmf.Stats()
		observability.SetFieldStats(p.nodeID, stats.Entries, stats.TotalWeight)
	}

	evt := p.logger.Info().Str("proposal", id).Bool("accepted", res.Accepted)
	if res.RejectionReason != "" {
		evt = evt.Str("reason", res.RejectionReason)
	}
	evt.Msg("proposal resolved")
	return res
}

// Cleanup sweeps and resolves all expired active proposals. Returns the
// number swept.
func (p *Protocol) Cleanup() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	swept := 0
	for id, prop := range p.proposals {
		if !now.After(prop.ExpiresAt) {
			continue
		}
		ev := p.evidence[id]
		res := Result{
			ProposalID:      id,
			CoherenceScore:  prop.Proof.Coherence,
			RedundancyScore: ev.RedundancyScore,
			StabilityScore:  ev.StabilityScore,
			RejectionReason: ReasonExpired,
		}
		delete(p.proposals, id)
		delete(p.evidence, id)
		p.appendHistoryLocked(res)
		observability.RecordCommitResult(p.nodeID, false, ReasonExpired)
		swept++
	}
	if swept > 0 {
		p.logger.Info().Int("swept", swept).Msg("expired proposals cleaned up")
	}
	return swept
}

// History returns resolved results, oldest first.
func (p *Protocol) History() []Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Result, len(p.history))
	copy(out, p.history)
	return out
}

func (p *Protocol) appendHistoryLocked(res Result) {
	p.history = append(p.history, res)
	if len(p.history) > p.cfg.MaxHistory {
		p.history = p.history[len(p.history)-p.cfg.MaxHistory:]
	}
}
