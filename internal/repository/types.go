package repository

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ── Statuses ──────────────────────────────────────────────────────────────────

// DocumentStatus is derived from the signer statuses, except for draft (set on
// creation), pending (set on send) and expired (set by the expiry sweep).
type DocumentStatus string

const (
	DocumentDraft           DocumentStatus = "draft"
	DocumentPending         DocumentStatus = "pending"
	DocumentPartiallySigned DocumentStatus = "partially_signed"
	DocumentSigned          DocumentStatus = "signed"
	DocumentRejected        DocumentStatus = "rejected"
	DocumentExpired         DocumentStatus = "expired"
)

// Terminal reports whether no further transition is defined for the status.
func (s DocumentStatus) Terminal() bool {
	return s == DocumentSigned || s == DocumentRejected || s == DocumentExpired
}

// Valid reports whether s is a known document status.
func (s DocumentStatus) Valid() bool {
	switch s {
	case DocumentDraft, DocumentPending, DocumentPartiallySigned,
		DocumentSigned, DocumentRejected, DocumentExpired:
		return true
	}
	return false
}

// SignerStatus moves monotonically pending → viewed → {signed, rejected}.
type SignerStatus string

const (
	SignerPending  SignerStatus = "pending"
	SignerViewed   SignerStatus = "viewed"
	SignerSigned   SignerStatus = "signed"
	SignerRejected SignerStatus = "rejected"
)

// Terminal reports whether the signer has signed or rejected.
func (s SignerStatus) Terminal() bool {
	return s == SignerSigned || s == SignerRejected
}

// ── Document aggregate ────────────────────────────────────────────────────────

// Artifact references a stored binary file.
type Artifact struct {
	Path        string    `json:"path"`
	FileName    string    `json:"file_name"`
	Size        int64     `json:"size"`
	MimeType    string    `json:"mime_type"`
	GeneratedAt time.Time `json:"generated_at,omitempty"`
}

// SignatureField is a declarative placement hint. Coordinates use a top-left
// origin; Page is 1-based.
type SignatureField struct {
	ID          string  `json:"id"`
	Page        int     `json:"page"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	SignerEmail string  `json:"signer_email"`
	Label       string  `json:"label"`
	Required    bool    `json:"required"`
}

// Signer is one party asked to sign. Token is a capability grant and is never
// serialised to API responses.
type Signer struct {
	Email           string       `json:"email"`
	Name            string       `json:"name,omitempty"`
	Status          SignerStatus `json:"status"`
	Token           string       `json:"-"`
	TokenExpiry     time.Time    `json:"token_expiry"`
	SignatureData   string       `json:"-"`
	SignedAt        *time.Time   `json:"signed_at,omitempty"`
	RejectedAt      *time.Time   `json:"rejected_at,omitempty"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
	IPAddress       string       `json:"ip_address,omitempty"`
	UserAgent       string       `json:"user_agent,omitempty"`
}

// DisplayName returns the signer's name, falling back to the email.
func (s *Signer) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Email
}

// Document is the aggregate loaded and saved as a unit. Version is bumped on
// every successful save and checked to detect lost updates.
type Document struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Description     string           `json:"description,omitempty"`
	Status          DocumentStatus   `json:"status"`
	OwnerID         string           `json:"owner_id"`
	OwnerEmail      string           `json:"owner_email"`
	Original        Artifact         `json:"original_file"`
	Signed          *Artifact        `json:"signed_file,omitempty"`
	SignatureFields []SignatureField `json:"signature_fields"`
	Signers         []*Signer        `json:"signers"`
	ExpiresAt       time.Time        `json:"expires_at"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	Version         int64            `json:"version"`
}

// ValidID reports whether id can name a stored document. Ids are UUIDs, so
// anything else cannot exist in any store.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// NormalizeEmail lower-cases and trims an email for comparison and storage.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// FindSigner returns the signer with the given email (case-insensitive).
func (d *Document) FindSigner(email string) *Signer {
	email = NormalizeEmail(email)
	for _, s := range d.Signers {
		if s.Email == email {
			return s
		}
	}
	return nil
}

// SignerByToken returns the signer holding token.
func (d *Document) SignerByToken(token string) *Signer {
	if token == "" {
		return nil
	}
	for _, s := range d.Signers {
		if s.Token == token {
			return s
		}
	}
	return nil
}

// Clone returns a deep copy so in-memory stores hand out independent aggregates.
func (d *Document) Clone() *Document {
	c := *d
	if d.Signed != nil {
		signed := *d.Signed
		c.Signed = &signed
	}
	c.SignatureFields = append([]SignatureField(nil), d.SignatureFields...)
	c.Signers = make([]*Signer, len(d.Signers))
	for i, s := range d.Signers {
		copied := *s
		if s.SignedAt != nil {
			t := *s.SignedAt
			copied.SignedAt = &t
		}
		if s.RejectedAt != nil {
			t := *s.RejectedAt
			copied.RejectedAt = &t
		}
		c.Signers[i] = &copied
	}
	return &c
}

// ── Audit ─────────────────────────────────────────────────────────────────────

// AuditAction is the closed vocabulary of audit events. New kinds are added
// here, never passed as free text.
type AuditAction string

const (
	ActionDocumentCreated    AuditAction = "document_created"
	ActionDocumentViewed     AuditAction = "document_viewed"
	ActionDocumentSent       AuditAction = "document_sent"
	ActionSignerViewed       AuditAction = "signer_viewed"
	ActionSignerSigned       AuditAction = "signer_signed"
	ActionSignerRejected     AuditAction = "signer_rejected"
	ActionSignaturePlaced    AuditAction = "signature_placed"
	ActionSignedPDFGenerated AuditAction = "signed_pdf_generated"
	ActionDocumentDownloaded AuditAction = "document_downloaded"
	ActionLinkShared         AuditAction = "link_shared"
)

// Valid reports whether a is part of the vocabulary.
func (a AuditAction) Valid() bool {
	switch a {
	case ActionDocumentCreated, ActionDocumentViewed, ActionDocumentSent,
		ActionSignerViewed, ActionSignerSigned, ActionSignerRejected,
		ActionSignaturePlaced, ActionSignedPDFGenerated,
		ActionDocumentDownloaded, ActionLinkShared:
		return true
	}
	return false
}

type ActorType string

const (
	ActorOwner  ActorType = "owner"
	ActorSigner ActorType = "signer"
	ActorSystem ActorType = "system"
)

// SystemActor is the actor recorded for engine-initiated events.
const SystemActor = "system"

// Metadata is the opaque per-event payload. Leaves are strings, numbers or
// booleans only; use the typed setters to build it.
type Metadata map[string]any

func (m Metadata) Str(key, value string) Metadata {
	m[key] = value
	return m
}

func (m Metadata) Int(key string, value int64) Metadata {
	m[key] = value
	return m
}

func (m Metadata) Bool(key string, value bool) Metadata {
	m[key] = value
	return m
}

// AuditEvent is one immutable ledger entry. Seq breaks timestamp ties in
// insertion order.
type AuditEvent struct {
	ID         string      `json:"id"`
	Seq        int64       `json:"-"`
	DocumentID string      `json:"document_id"`
	Action     AuditAction `json:"action"`
	Actor      string      `json:"actor"`
	ActorType  ActorType   `json:"actor_type"`
	Metadata   Metadata    `json:"metadata,omitempty"`
	IPAddress  string      `json:"ip_address,omitempty"`
	UserAgent  string      `json:"user_agent,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}
