package field

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/fieldctl/internal/memory"
)

// Config bounds field resource use.
type Config struct {
	MaxDeltaLog  int
	MaxSnapshots int
	MinWeight    float64
}

// DefaultConfig returns field capacity defaults.
func DefaultConfig() Config {
	return Config{
		MaxDeltaLog:  10000,
		MaxSnapshots: 16,
		MinWeight:    0.05,
	}
}

// Entry owns one object and its stability weight inside the field.
type Entry struct {
	Object     memory.Object          `json:"object"`
	Weight     memory.StabilityWeight `json:"weight"`
	CommitTime time.Time              `json:"commit_time"`
	Version    uint64                 `json:"version"`
}

// Stats is the structured diagnostics export for one field.
type Stats struct {
	Entries       int     `json:"entries"`
	TotalWeight   float64 `json:"total_weight"`
	DeltaLogLen   int     `json:"delta_log_len"`
	SnapshotCount int     `json:"snapshot_count"`
	LastDeltaID   string  `json:"last_delta_id"`
}

// Field is the weighted, versioned store of accepted objects. Mutations are
// serialized under one writer lock; similarity queries and exports take read
// locks over a stable view. Unknown ids are no-ops, never errors.
type Field struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	deltaLog  []Delta
	snapshots []Snapshot

	totalWeight float64
	cfg         Config
	ids         *memory.IDGenerator
	now         func() time.Time
	logger      zerolog.Logger
}

// New creates an empty field owned by a node id.
func New(node string, cfg Config) *Field {
	if cfg.MaxDeltaLog <= 0 {
		cfg.MaxDeltaLog = DefaultConfig().MaxDeltaLog
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = DefaultConfig().MaxSnapshots
	}
	if cfg.MinWeight <= 0 {
		cfg.MinWeight = DefaultConfig().MinWeight
	}
	return &Field{
		entries: make(map[string]*Entry),
		cfg:     cfg,
		ids:     memory.NewIDGenerator(node),
		now:     time.Now,
		logger:  log.With().Str("component", "field").Str("node", node).Logger(),
	}
}

// AddObject admits an object with initial coherence and redundancy scores
// and emits an add delta. Re-adding an existing id replaces the entry.
func (f *Field) AddObject(obj memory.Object, coherence, redundancy float64) *Delta {
	f.mu.Lock()
	defer f.mu.Unlock()

	prevVersion := uint64(0)
	if old, ok := f.entries[obj.ID]; ok {
		prevVersion = old.Version
		f.totalWeight -= old.Weight.Weight()
	}

	entry := &Entry{
		Object: obj,
		Weight: memory.StabilityWeight{
			CoherenceScore:  coherence,
			RedundancyScore: redundancy,
			LongevityScore:  0,
			SecurityScore:   1.0,
		},
		CommitTime: f.now(),
		Version:    prevVersion + 1,
	}
	f.entries[obj.ID] = entry
	f.totalWeight += entry.Weight.Weight()

	objCopy := obj
	delta := f.appendDeltaLocked(Delta{
		Type:            DeltaAdd,
		ObjectID:        obj.ID,
		Object:          &objCopy,
		PreviousVersion: prevVersion,
		NewVersion:      entry.Version,
	})
	f.logger.Debug().Str("object", obj.ID).Float64("weight", entry.Weight.Weight()).Msg("field add")
	return delta
}

// UpdateWeight recomputes an entry's coherence/redundancy scores, bumps the
// version, and emits an update delta. Nil for unknown ids.
func (f *Field) UpdateWeight(id string, coherence, redundancy float64) *Delta {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[id]
	if !ok {
		return nil
	}
	prev := entry.Version
	f.totalWeight -= entry.Weight.Weight()
	entry.Weight.CoherenceScore = coherence
	entry.Weight.RedundancyScore = redundancy
	entry.Version++
	f.totalWeight += entry.Weight.Weight()

	return f.appendDeltaLocked(Delta{
		Type:            DeltaUpdate,
		ObjectID:        id,
		PreviousVersion: prev,
		NewVersion:      entry.Version,
	})
}

// RemoveObject deletes an entry and emits a remove delta. Nil for unknown ids.
func (f *Field) RemoveObject(id string) *Delta {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeLocked(id, DeltaRemove)
}

func (f *Field) removeLocked(id string, dt DeltaType) *Delta {
	entry, ok := f.entries[id]
	if !ok {
		return nil
	}
	f.totalWeight -= entry.Weight.Weight()
	delete(f.entries, id)
	return f.appendDeltaLocked(Delta{
		Type:            dt,
		ObjectID:        id,
		PreviousVersion: entry.Version,
		NewVersion:      entry.Version,
	})
}

// GetObject returns a copy of the entry for id.
func (f *Field) GetObject(id string) (Entry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Contains reports whether id is present.
func (f *Field) Contains(id string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.entries[id]
	return ok
}

// EntryIDs returns all entry ids in lexical order.
func (f *Field) EntryIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sortedIDsLocked()
}

func (f *Field) sortedIDsLocked() []string {
	ids := make([]string, 0, len(f.entries))
	for id := range f.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetDeltasSince returns the ordered log suffix after deltaID. An empty or
// unknown deltaID returns the full log (first-join semantics).
func (f *Field) GetDeltasSince(deltaID string) []Delta {
	f.mu.RLock()
	defer f.mu.RUnlock()

	start := 0
	if deltaID != "" {
		for i, d := range f.deltaLog {
			if d.ID == deltaID {
				start = i + 1
				break
			}
		}
	}
	out := make([]Delta, len(f.deltaLog)-start)
	copy(out, f.deltaLog[start:])
	return out
}

// LastDeltaID returns the id of the newest delta, empty for a fresh field.
func (f *Field) LastDeltaID() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.deltaLog) == 0 {
		return ""
	}
	return f.deltaLog[len(f.deltaLog)-1].ID
}

// ApplyDelta applies one replicated delta to this field without emitting a
// new delta. Followers must call this in log order. Returns false when the
// delta is not applicable (unknown id for update/remove).
func (f *Field) ApplyDelta(d Delta) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch d.Type {
	case DeltaAdd:
		if d.Object == nil {
			return false
		}
		if old, ok := f.entries[d.Object.ID]; ok {
			f.totalWeight -= old.Weight.Weight()
		}
		entry := &Entry{
			Object: *d.Object,
			Weight: memory.StabilityWeight{
				CoherenceScore:  d.Object.CoherenceAtEmission,
				RedundancyScore: 0.5,
				SecurityScore:   1.0,
			},
			CommitTime: f.now(),
			Version:    d.NewVersion,
		}
		f.entries[d.Object.ID] = entry
		f.totalWeight += entry.Weight.Weight()
		return true
	case DeltaUpdate:
		entry, ok := f.entries[d.ObjectID]
		if !ok {
			return false
		}
		entry.Version = d.NewVersion
		return true
	case DeltaRemove, DeltaMerge:
		entry, ok := f.entries[d.ObjectID]
		if !ok {
			return false
		}
		f.totalWeight -= entry.Weight.Weight()
		delete(f.entries, d.ObjectID)
		return true
	default:
		return false
	}
}

// BlendScores soft-merges remote coherence/redundancy into a local entry:
// new = (1-alpha)*local + alpha*remote. Bumps the version without emitting a
// delta; rebase is weight reconciliation, not replication. False for unknown
// ids.
func (f *Field) BlendScores(id string, remoteCoherence, remoteRedundancy, alpha float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[id]
	if !ok {
		return false
	}
	f.totalWeight -= entry.Weight.Weight()
	entry.Weight.CoherenceScore = (1-alpha)*entry.Weight.CoherenceScore + alpha*remoteCoherence
	entry.Weight.RedundancyScore = (1-alpha)*entry.Weight.RedundancyScore + alpha*remoteRedundancy
	entry.Version++
	f.totalWeight += entry.Weight.Weight()
	return true
}

// CreateSnapshot serializes current ids and composite weights with a
// checksum. At most MaxSnapshots are retained, oldest evicted.
func (f *Field) CreateSnapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := f.sortedIDsLocked()
	weights := make([]float64, len(ids))
	for i, id := range ids {
		weights[i] = f.entries[id].Weight.Weight()
	}

	snap := Snapshot{
		ID:        f.ids.Next("snap"),
		Timestamp: f.now(),
		EntryIDs:  ids,
		Weights:   weights,
		Checksum:  SnapshotChecksum(ids, weights),
	}
	if len(f.deltaLog) > 0 {
		snap.LastDeltaID = f.deltaLog[len(f.deltaLog)-1].ID
	}

	f.snapshots = append(f.snapshots, snap)
	if len(f.snapshots) > f.cfg.MaxSnapshots {
		f.snapshots = f.snapshots[len(f.snapshots)-f.cfg.MaxSnapshots:]
	}
	f.logger.Info().Str("snapshot", snap.ID).Int("entries", len(ids)).Msg("snapshot created")
	return snap
}

// Snapshots returns the retained snapshot ring, oldest first.
func (f *Field) Snapshots() []Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Snapshot, len(f.snapshots))
	copy(out, f.snapshots)
	return out
}

// SimilarEntry is one similarity query hit.
type SimilarEntry struct {
	Entry      Entry
	Similarity float64
}

// QuerySimilar ranks entries by cosine similarity of amplitude vectors
// against target and returns up to maxResults hits at or above threshold.
func (f *Field) QuerySimilar(target memory.Object, threshold float64, maxResults int) []SimilarEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	hits := make([]SimilarEntry, 0)
	for _, entry := range f.entries {
		sim := memory.CosineSimilarity(target, entry.Object)
		if sim >= threshold {
			hits = append(hits, SimilarEntry{Entry: *entry, Similarity: sim})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Entry.Object.ID < hits[j].Entry.Object.ID
	})
	if maxResults > 0 && len(hits) > maxResults {
		hits = hits[:maxResults]
	}
	return hits
}

// DecayWeights recomputes longevity from entry age and evicts entries whose
// composite weight fell below MinWeight. Returns evicted object ids.
func (f *Field) DecayWeights() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	evict := make([]string, 0)
	for id, entry := range f.entries {
		f.totalWeight -= entry.Weight.Weight()
		entry.Weight.LongevityScore = memory.LongevityForAge(now.Sub(entry.CommitTime))
		entry.Version++
		f.totalWeight += entry.Weight.Weight()
		if entry.Weight.Weight() < f.cfg.MinWeight {
			evict = append(evict, id)
		}
	}
	sort.Strings(evict)
	for _, id := range evict {
		f.removeLocked(id, DeltaRemove)
	}
	if len(evict) > 0 {
		f.logger.Info().Int("evicted", len(evict)).Msg("decay eviction")
	}
	return evict
}

// Stats exports field diagnostics.
func (f *Field) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s := Stats{
		Entries:       len(f.entries),
		TotalWeight:   f.totalWeight,
		DeltaLogLen:   len(f.deltaLog),
		SnapshotCount: len(f.snapshots),
	}
	if len(f.deltaLog) > 0 {
		s.LastDeltaID = f.deltaLog[len(f.deltaLog)-1].ID
	}
	return s
}

// TotalWeight returns the sum of composite entry weights.
func (f *Field) TotalWeight() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.totalWeight
}

func (f *Field) appendDeltaLocked(d Delta) *Delta {
	d.ID = f.ids.Next("delta")
	d.Timestamp = f.now()
	f.deltaLog = append(f.deltaLog, d)
	if len(f.deltaLog) > f.cfg.MaxDeltaLog {
		// Over capacity: drop the oldest half.
		keep := len(f.deltaLog) / 2
		f.deltaLog = append([]Delta(nil), f.deltaLog[len(f.deltaLog)-keep:]...)
	}
	return &d
}
