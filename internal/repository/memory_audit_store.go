package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryAuditStore is an append-only in-process ledger.
type MemoryAuditStore struct {
	mu     sync.RWMutex
	seq    int64
	events []AuditEvent
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

// Append stores a copy of the event and assigns its id and sequence number.
func (s *MemoryAuditStore) Append(ctx context.Context, event *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	event.Seq = s.seq
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	stored := *event
	if event.Metadata != nil {
		stored.Metadata = make(Metadata, len(event.Metadata))
		for k, v := range event.Metadata {
			stored.Metadata[k] = v
		}
	}
	s.events = append(s.events, stored)
	return nil
}

// Query returns up to limit events for a document, newest first. Events with
// equal timestamps are returned in reverse insertion order.
func (s *MemoryAuditStore) Query(ctx context.Context, documentID string, limit int) ([]AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []AuditEvent
	for _, e := range s.events {
		if e.DocumentID == documentID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Seq > out[j].Seq
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
