package audit

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-doc-signing/internal/clock"
	"github.com/pesio-ai/be-doc-signing/internal/logger"
	"github.com/pesio-ai/be-doc-signing/internal/repository"
)

var epoch = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

type failingStore struct{}

func (failingStore) Append(ctx context.Context, event *repository.AuditEvent) error {
	return stderrors.New("audit store unavailable")
}

func (failingStore) Query(ctx context.Context, documentID string, limit int) ([]repository.AuditEvent, error) {
	return nil, stderrors.New("audit store unavailable")
}

// blockingStore holds every Append until release is closed.
type blockingStore struct {
	release chan struct{}
	mu      sync.Mutex
	count   int
}

func (s *blockingStore) Append(ctx context.Context, event *repository.AuditEvent) error {
	<-s.release
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	return nil
}

func (s *blockingStore) Query(ctx context.Context, documentID string, limit int) ([]repository.AuditEvent, error) {
	return nil, nil
}

func TestRecorder_PersistsInOrder(t *testing.T) {
	store := repository.NewMemoryAuditStore()
	clk := clock.NewMock(epoch)
	rec := NewRecorder(store, clk, logger.Nop(), 16)

	rec.Record(repository.AuditEvent{DocumentID: "d1", Action: repository.ActionDocumentCreated, Actor: "owner@x.com", ActorType: repository.ActorOwner})
	rec.Record(repository.AuditEvent{DocumentID: "d1", Action: repository.ActionDocumentSent, Actor: "owner@x.com", ActorType: repository.ActorOwner,
		Metadata: repository.Metadata{}.Str("signers", "a@x.com").Int("signer_count", 1)})
	require.NoError(t, rec.Close(context.Background()))

	events, err := rec.Query(context.Background(), "d1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, repository.ActionDocumentSent, events[0].Action)
	assert.Equal(t, repository.ActionDocumentCreated, events[1].Action)
	assert.Equal(t, epoch, events[0].Timestamp)
	assert.Equal(t, int64(1), events[0].Metadata["signer_count"])
}

func TestRecorder_StoreFailureIsAbsorbed(t *testing.T) {
	rec := NewRecorder(failingStore{}, clock.NewMock(epoch), logger.Nop(), 4)

	rec.Record(repository.AuditEvent{DocumentID: "d1", Action: repository.ActionSignerSigned})
	require.NoError(t, rec.Close(context.Background()))

	assert.Equal(t, int64(1), rec.Failed())
	assert.Equal(t, int64(0), rec.Dropped())
}

func TestRecorder_FullQueueDropsWithoutBlocking(t *testing.T) {
	store := &blockingStore{release: make(chan struct{})}
	rec := NewRecorder(store, clock.NewMock(epoch), logger.Nop(), 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			rec.Record(repository.AuditEvent{DocumentID: "d1", Action: repository.ActionSignerViewed})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full queue")
	}

	close(store.release)
	require.NoError(t, rec.Close(context.Background()))

	store.mu.Lock()
	written := store.count
	store.mu.Unlock()
	assert.Equal(t, int64(10), int64(written)+rec.Dropped())
	assert.Positive(t, rec.Dropped())
}

func TestRecorder_RejectsUnknownAction(t *testing.T) {
	store := repository.NewMemoryAuditStore()
	rec := NewRecorder(store, clock.NewMock(epoch), logger.Nop(), 4)

	rec.Record(repository.AuditEvent{DocumentID: "d1", Action: "made_up"})
	require.NoError(t, rec.Close(context.Background()))

	events, err := store.Query(context.Background(), "d1", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRecorder_RecordAfterClose(t *testing.T) {
	rec := NewRecorder(repository.NewMemoryAuditStore(), clock.NewMock(epoch), logger.Nop(), 4)
	require.NoError(t, rec.Close(context.Background()))
	require.NoError(t, rec.Close(context.Background()))

	rec.Record(repository.AuditEvent{DocumentID: "d1", Action: repository.ActionSignerViewed})
	assert.Equal(t, int64(1), rec.Dropped())
}
