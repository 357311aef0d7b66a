package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/fieldctl/internal/field"
	"github.com/danmuck/fieldctl/internal/memory"
)

const (
	snapshotPrefix = "snapshot/"
	proposalPrefix = "proposal/"
)

var ErrClosed = errors.New("archive: closed")

// ProposalRecord is the durable form of one offline proposal log entry.
type ProposalRecord struct {
	ID                 string        `json:"id"`
	Object             memory.Object `json:"object"`
	Proof              memory.Proof  `json:"proof"`
	TickNumber         uint64        `json:"tick_number"`
	Status             string        `json:"status"`
	SubmissionAttempts int           `json:"submission_attempts"`
	LastSubmissionTime time.Time     `json:"last_submission_time"`
}

// Archive persists snapshots and the offline proposal log in an embedded
// key-value store so an offline-first node survives restarts. The on-disk
// layout is internal; it is not a wire contract.
type Archive struct {
	db     *badger.DB
	logger zerolog.Logger
}

// Open creates or reopens an archive at dir.
func Open(dir string) (*Archive, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("archive open failed (%s): %w", dir, err)
	}
	return &Archive{
		db:     db,
		logger: log.With().Str("component", "archive").Str("dir", dir).Logger(),
	}, nil
}

// Close releases the underlying store.
func (a *Archive) Close() error {
	return a.db.Close()
}

// SaveSnapshot persists one field snapshot under its id.
func (a *Archive) SaveSnapshot(snap field.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("archive marshal snapshot: %w", err)
	}
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(snapshotPrefix+snap.ID), data)
	})
}

// LoadSnapshots returns all persisted snapshots, oldest first by timestamp.
func (a *Archive) LoadSnapshots() ([]field.Snapshot, error) {
	out := make([]field.Snapshot, 0)
	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(snapshotPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var snap field.Snapshot
				if err := json.Unmarshal(val, &snap); err != nil {
					return err
				}
				out = append(out, snap)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive load snapshots: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// PruneSnapshots drops persisted snapshots not in keepIDs.
func (a *Archive) PruneSnapshots(keepIDs []string) error {
	keep := make(map[string]bool, len(keepIDs))
	for _, id := range keepIDs {
		keep[id] = true
	}
	drop := make([][]byte, 0)
	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()
		prefix := []byte(snapshotPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			id := strings.TrimPrefix(string(key), snapshotPrefix)
			if !keep[id] {
				drop = append(drop, key)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive prune scan: %w", err)
	}
	return a.db.Update(func(txn *badger.Txn) error {
		for _, key := range drop {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveProposal persists one offline proposal log entry.
func (a *Archive) SaveProposal(rec ProposalRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive marshal proposal: %w", err)
	}
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(proposalPrefix+rec.ID), data)
	})
}

// DeleteProposal removes one persisted proposal entry.
func (a *Archive) DeleteProposal(id string) error {
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(proposalPrefix + id))
	})
}

// LoadProposals returns all persisted proposal entries in tick order.
func (a *Archive) LoadProposals() ([]ProposalRecord, error) {
	out := make([]ProposalRecord, 0)
	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(proposalPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec ProposalRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive load proposals: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TickNumber < out[j].TickNumber })
	return out, nil
}
