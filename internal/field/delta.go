package field

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/danmuck/fieldctl/internal/memory"
)

// DeltaType identifies one field mutation kind.
type DeltaType string

const (
	DeltaAdd    DeltaType = "add"
	DeltaUpdate DeltaType = "update"
	DeltaRemove DeltaType = "remove"
	DeltaMerge  DeltaType = "merge"
)

// Delta is one append-only log record of a field mutation. Never mutated
// after creation.
type Delta struct {
	ID              string         `json:"id"`
	Timestamp       time.Time      `json:"timestamp"`
	Type            DeltaType      `json:"type"`
	ObjectID        string         `json:"object_id"`
	Object          *memory.Object `json:"object,omitempty"`
	PreviousVersion uint64         `json:"previous_version"`
	NewVersion      uint64         `json:"new_version"`
}

// Snapshot is a compact, checksummed point-in-time view of the field for
// bulk catch-up without replaying the whole delta log.
type Snapshot struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	LastDeltaID string    `json:"last_delta_id"`
	EntryIDs    []string  `json:"entry_ids"`
	Weights     []float64 `json:"weights"`
	Checksum    string    `json:"checksum"`
}

// SnapshotChecksum digests the parallel id and weight sequences. The two
// slices must already be in snapshot order.
func SnapshotChecksum(entryIDs []string, weights []float64) string {
	h, _ := blake2b.New256(nil)
	var buf [8]byte
	for i, id := range entryIDs {
		h.Write([]byte(id))
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(weights[i]))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the snapshot checksum against its contents.
func (s Snapshot) Verify() bool {
	if len(s.EntryIDs) != len(s.Weights) {
		return false
	}
	return SnapshotChecksum(s.EntryIDs, s.Weights) == s.Checksum
}
