package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-doc-signing/internal/client"
	"github.com/pesio-ai/be-doc-signing/internal/clock"
	"github.com/pesio-ai/be-doc-signing/internal/lock"
	"github.com/pesio-ai/be-doc-signing/internal/logger"
	"github.com/pesio-ai/be-doc-signing/internal/repository"
	"github.com/pesio-ai/be-doc-signing/internal/storage"
	"github.com/pesio-ai/be-doc-signing/internal/token"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

var alice = Owner{ID: "owner-1", Email: "owner@example.com", ClientInfo: ClientInfo{IP: "192.0.2.1", UserAgent: "test"}}

const samplePDF = "%PDF-1.4 sample"

// spyAudit records synchronously so tests can assert on emitted events.
type spyAudit struct {
	mu     sync.Mutex
	events []repository.AuditEvent
}

func (a *spyAudit) Record(event repository.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *spyAudit) Query(ctx context.Context, documentID string, limit int) ([]repository.AuditEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []repository.AuditEvent
	for i := len(a.events) - 1; i >= 0 && len(out) < limit; i-- {
		if a.events[i].DocumentID == documentID {
			out = append(out, a.events[i])
		}
	}
	return out, nil
}

func (a *spyAudit) actions(documentID string) []repository.AuditAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []repository.AuditAction
	for _, e := range a.events {
		if e.DocumentID == documentID {
			out = append(out, e.Action)
		}
	}
	return out
}

func (a *spyAudit) last(action repository.AuditAction) *repository.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.events) - 1; i >= 0; i-- {
		if a.events[i].Action == action {
			e := a.events[i]
			return &e
		}
	}
	return nil
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (g *fakeGenerator) Generate(src []byte, fields []repository.SignatureField, signers []*repository.Signer) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return []byte(fmt.Sprintf("%s+signed:%d", src, len(signers))), nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGenerator) fail(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

type fakeNotifier struct {
	mu      sync.Mutex
	invites [][]client.SigningInvite
}

func (n *fakeNotifier) PublishSigningRequested(ctx context.Context, documentID, title, ownerEmail string, invites []client.SigningInvite) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.invites = append(n.invites, invites)
}

type harness struct {
	clk       *clock.Mock
	docs      *repository.MemoryDocumentStore
	blobs     *storage.MemoryStore
	audit     *spyAudit
	generator *fakeGenerator
	notifier  *fakeNotifier
	tokens    *token.Authority
	signing   *SigningService
	documents *DocumentService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clk:       clock.NewMock(epoch),
		docs:      repository.NewMemoryDocumentStore(),
		blobs:     storage.NewMemoryStore(),
		audit:     &spyAudit{},
		generator: &fakeGenerator{},
		notifier:  &fakeNotifier{},
	}
	h.tokens = token.NewAuthority(h.docs, h.clk, token.DefaultTTL, "https://sign.example.com")
	h.signing = NewSigningService(h.docs, h.blobs, h.audit, h.tokens, h.generator, h.notifier, lock.NewKeyedMutex(), h.clk, logger.Nop())
	h.documents = NewDocumentService(h.signing, DefaultDocumentTTL, logger.Nop())
	return h
}

// createDocument makes a draft with one field per signer.
func (h *harness) createDocument(t *testing.T, signers ...string) *repository.Document {
	t.Helper()
	in := CreateDocumentInput{
		Title:    "Services agreement",
		FileName: "agreement.pdf",
		MimeType: "application/pdf",
		Data:     []byte(samplePDF),
	}
	for i, email := range signers {
		in.Signers = append(in.Signers, SignerInput{Email: email, Name: fmt.Sprintf("Signer %d", i+1)})
		in.Fields = append(in.Fields, FieldInput{Page: 1, X: 50, Y: float64(100 * (i + 1)), SignerEmail: email})
	}
	doc, err := h.documents.CreateDocument(context.Background(), alice, in)
	require.NoError(t, err)
	return doc
}

// sendDocument creates and sends a document, returning tokens keyed by email.
func (h *harness) sendDocument(t *testing.T, signers ...string) (*repository.Document, map[string]string) {
	t.Helper()
	doc := h.createDocument(t, signers...)
	_, err := h.signing.Send(context.Background(), alice, doc.ID)
	require.NoError(t, err)
	return h.load(t, doc.ID), h.tokensOf(t, doc.ID)
}

func (h *harness) load(t *testing.T, id string) *repository.Document {
	t.Helper()
	doc, err := h.docs.Load(context.Background(), id)
	require.NoError(t, err)
	return doc
}

func (h *harness) tokensOf(t *testing.T, id string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for _, s := range h.load(t, id).Signers {
		out[s.Email] = s.Token
	}
	return out
}

var errGenerator = stderrors.New("renderer crashed")

func signature() SignInput {
	return SignInput{SignatureData: "data:image/png;base64,iVBORw0KGgo="}
}
