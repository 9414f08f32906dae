package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-doc-signing/internal/client"
	"github.com/pesio-ai/be-doc-signing/internal/repository"
)

// DocumentStore persists whole Document aggregates. Save must reject a stale
// Version with a CONFLICT error.
type DocumentStore interface {
	Create(ctx context.Context, doc *repository.Document) error
	Load(ctx context.Context, id string) (*repository.Document, error)
	FindByToken(ctx context.Context, token string) (*repository.Document, error)
	Save(ctx context.Context, doc *repository.Document) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter repository.ListFilter) ([]*repository.Document, error)
	CountByStatus(ctx context.Context, ownerID string) (map[repository.DocumentStatus]int64, error)
	ListOverdue(ctx context.Context, now time.Time) ([]*repository.Document, error)
}

// BlobStore holds original and signed artifacts.
type BlobStore interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
}

// AuditRecorder is the fire-and-forget audit ledger.
type AuditRecorder interface {
	Record(event repository.AuditEvent)
	Query(ctx context.Context, documentID string, limit int) ([]repository.AuditEvent, error)
}

// ArtifactGenerator renders the signed artifact.
type ArtifactGenerator interface {
	Generate(src []byte, fields []repository.SignatureField, signers []*repository.Signer) ([]byte, error)
}

// Notifier announces signing requests. Implementations never fail the caller.
type Notifier interface {
	PublishSigningRequested(ctx context.Context, documentID, title, ownerEmail string, invites []client.SigningInvite)
}

// ClientInfo is the request origin captured into audit events and signer
// records.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// Owner identifies the authenticated document owner. Authentication happens
// upstream.
type Owner struct {
	ID    string
	Email string
	ClientInfo
}
