package syncer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/fieldctl/internal/channel"
	"github.com/danmuck/fieldctl/internal/commit"
	"github.com/danmuck/fieldctl/internal/field"
	"github.com/danmuck/fieldctl/internal/field/archive"
	"github.com/danmuck/fieldctl/internal/memory"
	"github.com/danmuck/fieldctl/internal/observability"
)

// State is the synchronizer connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateSyncing      State = "syncing"
)

var (
	ErrNotConnected       = errors.New("syncer: not connected")
	ErrAlreadyConnected   = errors.New("syncer: already connected")
	ErrProposalLogFull    = errors.New("syncer: proposal log full")
	ErrReconnectExhausted = errors.New("syncer: reconnect attempts exhausted")
	ErrReconnectThrottled = errors.New("syncer: reconnect throttled")
)

// Status is the structured export of synchronizer state.
type Status struct {
	State             State  `json:"state"`
	LastDeltaID       string `json:"last_delta_id"`
	SnapshotID        string `json:"snapshot_id"`
	AppliedDeltas     int    `json:"applied_deltas"`
	PendingProposals  int    `json:"pending_proposals"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
}

// Synchronizer reconciles a local field replica with the authoritative
// field: delta replay, rebase blending, and the offline proposal queue.
// One instance is a single logical actor; all operations serialize on its
// mutex.
type Synchronizer struct {
	nodeID        string
	local         *field.Field
	authoritative *field.Field
	channel       *channel.Channel
	protocol      *commit.Protocol
	cfg           Config
	store         *archive.Archive

	mu                sync.Mutex
	state             State
	remoteRef         channel.PhaseReference
	lastDeltaID       string
	snapshotID        string
	appliedDeltas     int
	proposalLog       []*ProposalLogEntry
	tick              uint64
	reconnectAttempts int
	lastReconnectAt   time.Time

	ids    *memory.IDGenerator
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a synchronizer. The archive may be nil for memory-only
// operation; when present, previously persisted pending proposals are
// reloaded into the offline log.
func New(nodeID string, local, authoritative *field.Field, ch *channel.Channel, proto *commit.Protocol, remoteRef channel.PhaseReference, cfg Config, store *archive.Archive) *Synchronizer {
	if cfg.OfflineProposalLogSize <= 0 {
		cfg.OfflineProposalLogSize = DefaultConfig().OfflineProposalLogSize
	}
	s := &Synchronizer{
		nodeID:        nodeID,
		local:         local,
		authoritative: authoritative,
		channel:       ch,
		protocol:      proto,
		cfg:           cfg,
		store:         store,
		state:         StateDisconnected,
		remoteRef:     remoteRef,
		ids:           memory.NewIDGenerator(nodeID),
		now:           time.Now,
		logger:        log.With().Str("component", "syncer").Str("node", nodeID).Logger(),
	}
	s.reloadPersisted()
	return s
}

func (s *Synchronizer) reloadPersisted() {
	if s.store == nil {
		return
	}
	recs, err := s.store.LoadProposals()
	if err != nil {
		s.logger.Warn().Err(err).Msg("proposal log reload failed")
		return
	}
	for _, rec := range recs {
		if ProposalStatus(rec.Status) != ProposalPending {
			continue
		}
		if len(s.proposalLog) >= s.cfg.OfflineProposalLogSize {
			break
		}
		entry := &ProposalLogEntry{
			ID:                 rec.ID,
			Object:             rec.Object,
			Proof:              rec.Proof,
			TickNumber:         rec.TickNumber,
			Status:             ProposalPending,
			SubmissionAttempts: rec.SubmissionAttempts,
			LastSubmissionTime: rec.LastSubmissionTime,
		}
		s.proposalLog = append(s.proposalLog, entry)
		if rec.TickNumber > s.tick {
			s.tick = rec.TickNumber
		}
	}
	if len(s.proposalLog) > 0 {
		s.logger.Info().Int("entries", len(s.proposalLog)).Msg("offline proposal log reloaded")
	}
}

// State returns the current connection state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect performs the channel handshake against the stored remote phase
// reference. A failed handshake leaves the synchronizer disconnected; the
// caller retries via TryReconnect.
func (s *Synchronizer) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked()
}

func (s *Synchronizer) connectLocked() error {
	if s.state == StateConnected || s.state == StateSyncing {
		return ErrAlreadyConnected
	}
	s.state = StateConnecting
	if err := s.channel.Handshake(s.remoteRef); err != nil {
		s.state = StateDisconnected
		return fmt.Errorf("syncer: handshake failed: %w", err)
	}
	s.state = StateConnected
	s.logger.Info().Msg("connected")
	return nil
}

// Disconnect drops the channel and marks the synchronizer disconnected.
func (s *Synchronizer) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel.Disconnect()
	s.state = StateDisconnected
	s.logger.Info().Msg("disconnected")
}

// Sync pulls deltas since the last applied one, applies them in log order,
// rebases overlapping entries, and submits queued offline proposals.
func (s *Synchronizer) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return ErrNotConnected
	}
	s.state = StateSyncing

	deltas := s.authoritative.GetDeltasSince(s.lastDeltaID)
	applied := 0
	for _, d := range deltas {
		// Log order is load-bearing: out-of-order application can
		// desynchronize versions.
		s.local.ApplyDelta(d)
		s.lastDeltaID = d.ID
		applied++
	}
	s.appliedDeltas += applied
	if applied > 0 {
		observability.RecordDeltasApplied(s.nodeID, applied)
	}

	rebased := s.rebaseLocked()

	s.state = StateConnected
	submitted := s.submitQueuedLocked()

	stats := s.local.Stats()
	observability.SetFieldStats(s.nodeID, stats.Entries, stats.TotalWeight)

	s.logger.Info().
		Int("deltas", applied).
		Int("rebased", rebased).
		Int("submitted", submitted).
		Msg("sync complete")
	return nil
}

// rebaseLocked soft-merges remote scores into local entries present in both
// fields. Remote-only objects are not pulled in here; they arrive strictly
// through delta replay.
func (s *Synchronizer) rebaseLocked() int {
	alpha := s.cfg.ResonanceBlendAlpha
	rebased := 0
	for _, id := range s.local.EntryIDs() {
		remote, ok := s.authoritative.GetObject(id)
		if !ok {
			continue
		}
		if s.local.BlendScores(id, remote.Weight.CoherenceScore, remote.Weight.RedundancyScore, alpha) {
			rebased++
		}
	}
	return rebased
}

func (s *Synchronizer) submitQueuedLocked() int {
	if s.state != StateConnected {
		return 0
	}
	submitted := 0
	now := s.now()
	for _, entry := range s.proposalLog {
		if entry.Status != ProposalPending {
			continue
		}
		entry.SubmissionAttempts++
		entry.LastSubmissionTime = now
		prop := s.protocol.Propose(entry.Object, entry.Proof, s.nodeID)
		if prop == nil {
			entry.Status = ProposalRejected
		} else {
			entry.Status = ProposalSubmitted
			submitted++
		}
		s.persistEntry(entry)
	}
	return submitted
}

// AddProposal queues an (object, proof) pair for submission. When the log
// is full, the oldest pending entry is evicted first; entries that already
// reached the network are never evicted, and if none is evictable the new
// proposal is refused.
func (s *Synchronizer) AddProposal(obj memory.Object, proof memory.Proof) (*ProposalLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.proposalLog) >= s.cfg.OfflineProposalLogSize {
		trimmed, evictedID, ok := evictOldestPending(s.proposalLog)
		if !ok {
			return nil, ErrProposalLogFull
		}
		s.proposalLog = trimmed
		if s.store != nil {
			if err := s.store.DeleteProposal(evictedID); err != nil {
				s.logger.Warn().Err(err).Str("entry", evictedID).Msg("evicted entry not removed from archive")
			}
		}
		s.logger.Debug().Str("evicted", evictedID).Msg("offline log over capacity")
	}

	s.tick++
	entry := &ProposalLogEntry{
		ID:         s.ids.Next("plog"),
		Object:     obj,
		Proof:      proof,
		TickNumber: s.tick,
		Status:     ProposalPending,
	}
	s.proposalLog = append(s.proposalLog, entry)
	s.persistEntry(entry)
	return entry, nil
}

func (s *Synchronizer) persistEntry(entry *ProposalLogEntry) {
	if s.store == nil {
		return
	}
	rec := archive.ProposalRecord{
		ID:                 entry.ID,
		Object:             entry.Object,
		Proof:              entry.Proof,
		TickNumber:         entry.TickNumber,
		Status:             string(entry.Status),
		SubmissionAttempts: entry.SubmissionAttempts,
		LastSubmissionTime: entry.LastSubmissionTime,
	}
	if entry.Status == ProposalPending || entry.Status == ProposalSubmitted {
		if err := s.store.SaveProposal(rec); err != nil {
			s.logger.Warn().Err(err).Str("entry", entry.ID).Msg("proposal not persisted")
		}
		return
	}
	if err := s.store.DeleteProposal(entry.ID); err != nil {
		s.logger.Warn().Err(err).Str("entry", entry.ID).Msg("resolved proposal not removed from archive")
	}
}

// ProposalLog returns a copy of the offline log.
func (s *Synchronizer) ProposalLog() []ProposalLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProposalLogEntry, len(s.proposalLog))
	for i, e := range s.proposalLog {
		out[i] = *e
	}
	return out
}

// TryReconnect attempts one reconnect, rate-limited by the backoff delay
// and capped by MaxReconnectAttempts. Exhausting the cap leaves the node
// disconnected until ResetReconnectAttempts.
func (s *Synchronizer) TryReconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateConnected || s.state == StateSyncing {
		return nil
	}
	if s.reconnectAttempts >= s.cfg.MaxReconnectAttempts {
		observability.RecordReconnectAttempt(s.nodeID, "exhausted")
		return ErrReconnectExhausted
	}
	delay := NextBackoffDelay(s.cfg.Backoff, s.reconnectAttempts+1, nil)
	if delay <= 0 {
		delay = s.cfg.ReconnectInterval
	}
	if !s.lastReconnectAt.IsZero() && s.now().Sub(s.lastReconnectAt) < delay {
		return ErrReconnectThrottled
	}

	s.reconnectAttempts++
	s.lastReconnectAt = s.now()
	if err := s.connectLocked(); err != nil {
		observability.RecordReconnectAttempt(s.nodeID, "failed")
		s.logger.Warn().Err(err).Int("attempt", s.reconnectAttempts).Msg("reconnect failed")
		return err
	}
	s.reconnectAttempts = 0
	observability.RecordReconnectAttempt(s.nodeID, "connected")
	return nil
}

// ResetReconnectAttempts clears the reconnect attempt counter.
func (s *Synchronizer) ResetReconnectAttempts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectAttempts = 0
	s.lastReconnectAt = time.Time{}
}

// SyncStatus exports the synchronization state.
func (s *Synchronizer) SyncStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := 0
	for _, e := range s.proposalLog {
		if e.Status == ProposalPending {
			pending++
		}
	}
	return Status{
		State:             s.state,
		LastDeltaID:       s.lastDeltaID,
		SnapshotID:        s.snapshotID,
		AppliedDeltas:     s.appliedDeltas,
		PendingProposals:  pending,
		ReconnectAttempts: s.reconnectAttempts,
	}
}

// Checkpoint snapshots the local field, persisting to the archive when one
// is attached, and records the snapshot id in the sync state.
func (s *Synchronizer) Checkpoint() field.Snapshot {
	snap := s.local.CreateSnapshot()

	s.mu.Lock()
	s.snapshotID = snap.ID
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveSnapshot(snap); err != nil {
			s.logger.Warn().Err(err).Str("snapshot", snap.ID).Msg("snapshot not persisted")
		}
		keep := make([]string, 0)
		for _, retained := range s.local.Snapshots() {
			keep = append(keep, retained.ID)
		}
		if err := s.store.PruneSnapshots(keep); err != nil {
			s.logger.Warn().Err(err).Msg("snapshot prune failed")
		}
	}
	return snap
}
