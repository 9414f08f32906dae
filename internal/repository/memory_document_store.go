package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pesio-ai/be-doc-signing/internal/errors"
)

// ListFilter narrows owner document listings.
type ListFilter struct {
	OwnerID string
	Status  DocumentStatus // empty = all
	Search  string         // case-insensitive title substring
}

// MemoryDocumentStore keeps documents in process. Every read returns a deep
// copy, so callers get the same load → mutate → save semantics as Postgres,
// including version conflicts.
type MemoryDocumentStore struct {
	mu     sync.RWMutex
	docs   map[string]*Document
	tokens map[string]string // token -> document id
}

// NewMemoryDocumentStore creates an empty store.
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{
		docs:   make(map[string]*Document),
		tokens: make(map[string]string),
	}
}

func (s *MemoryDocumentStore) Create(ctx context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.ID]; exists {
		return errors.Conflict("document already exists")
	}
	if err := s.checkTokensLocked(doc); err != nil {
		return err
	}
	doc.Version = 1
	s.docs[doc.ID] = doc.Clone()
	s.indexTokensLocked(doc)
	return nil
}

func (s *MemoryDocumentStore) Load(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, errors.NotFound("document", id)
	}
	return doc.Clone(), nil
}

func (s *MemoryDocumentStore) FindByToken(ctx context.Context, token string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokens[token]
	if !ok || token == "" {
		return nil, errors.New(errors.ErrCodeNotFound, "signing link not found")
	}
	return s.docs[id].Clone(), nil
}

// Save replaces the stored aggregate when doc.Version matches the stored
// version, then bumps doc.Version.
func (s *MemoryDocumentStore) Save(ctx context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.docs[doc.ID]
	if !ok {
		return errors.NotFound("document", doc.ID)
	}
	if current.Version != doc.Version {
		return errors.Conflict("document was modified concurrently")
	}
	if err := s.checkTokensLocked(doc); err != nil {
		return err
	}

	for _, signer := range current.Signers {
		delete(s.tokens, signer.Token)
	}
	doc.Version++
	s.docs[doc.ID] = doc.Clone()
	s.indexTokensLocked(doc)
	return nil
}

func (s *MemoryDocumentStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return errors.NotFound("document", id)
	}
	for _, signer := range doc.Signers {
		delete(s.tokens, signer.Token)
	}
	delete(s.docs, id)
	return nil
}

// List returns matching documents, newest first.
func (s *MemoryDocumentStore) List(ctx context.Context, filter ListFilter) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(filter.Search)
	var out []*Document
	for _, doc := range s.docs {
		if filter.OwnerID != "" && doc.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && doc.Status != filter.Status {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(doc.Title), search) {
			continue
		}
		out = append(out, doc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// CountByStatus returns the number of documents per status for an owner.
func (s *MemoryDocumentStore) CountByStatus(ctx context.Context, ownerID string) (map[DocumentStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[DocumentStatus]int64)
	for _, doc := range s.docs {
		if doc.OwnerID == ownerID {
			counts[doc.Status]++
		}
	}
	return counts, nil
}

// ListOverdue returns non-terminal documents whose expiry passed before now.
func (s *MemoryDocumentStore) ListOverdue(ctx context.Context, now time.Time) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Document
	for _, doc := range s.docs {
		if !doc.Status.Terminal() && now.After(doc.ExpiresAt) {
			out = append(out, doc.Clone())
		}
	}
	return out, nil
}

// checkTokensLocked enforces global token uniqueness across documents.
func (s *MemoryDocumentStore) checkTokensLocked(doc *Document) error {
	for _, signer := range doc.Signers {
		if signer.Token == "" {
			continue
		}
		if owner, ok := s.tokens[signer.Token]; ok && owner != doc.ID {
			return errors.Conflict("signing token already in use")
		}
	}
	return nil
}

func (s *MemoryDocumentStore) indexTokensLocked(doc *Document) {
	for _, signer := range doc.Signers {
		if signer.Token != "" {
			s.tokens[signer.Token] = doc.ID
		}
	}
}
