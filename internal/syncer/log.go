package syncer

import (
	"time"

	"github.com/danmuck/fieldctl/internal/memory"
)

// ProposalStatus is one offline log entry's lifecycle state.
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalSubmitted ProposalStatus = "submitted"
	ProposalAccepted  ProposalStatus = "accepted"
	ProposalRejected  ProposalStatus = "rejected"
)

// ProposalLogEntry is one queued offline proposal.
type ProposalLogEntry struct {
	ID                 string         `json:"id"`
	Object             memory.Object  `json:"object"`
	Proof              memory.Proof   `json:"proof"`
	TickNumber         uint64         `json:"tick_number"`
	Status             ProposalStatus `json:"status"`
	SubmissionAttempts int            `json:"submission_attempts"`
	LastSubmissionTime time.Time      `json:"last_submission_time"`
}

// evictOldestPending removes the oldest pending entry, returning the evicted
// entry id and whether eviction happened. Entries that already reached the
// network (submitted/accepted/rejected) are never evicted.
func evictOldestPending(entries []*ProposalLogEntry) ([]*ProposalLogEntry, string, bool) {
	for i, e := range entries {
		if e.Status == ProposalPending {
			id := e.ID
			return append(entries[:i], entries[i+1:]...), id, true
		}
	}
	return entries, "", false
}
