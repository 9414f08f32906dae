package service

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-doc-signing/internal/audit"
	"github.com/pesio-ai/be-doc-signing/internal/errors"
	"github.com/pesio-ai/be-doc-signing/internal/logger"
	"github.com/pesio-ai/be-doc-signing/internal/repository"
)

const (
	// DefaultDocumentTTL is how long a document accepts signer actions.
	DefaultDocumentTTL = 30 * 24 * time.Hour

	maxTitleLength       = 200
	maxDescriptionLength = 1000
	defaultFieldLabel    = "Signature"
	defaultFieldWidth    = 200
	defaultFieldHeight   = 60
)

// FieldInput describes a signature field in an owner edit. A nil Required
// means required.
type FieldInput struct {
	ID          string  `json:"id"`
	Page        int     `json:"page"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	SignerEmail string  `json:"signer_email"`
	Label       string  `json:"label"`
	Required    *bool   `json:"required"`
}

// CreateDocumentInput is an uploaded source artifact plus optional initial
// fields and signers.
type CreateDocumentInput struct {
	Title       string
	Description string
	FileName    string
	MimeType    string
	Data        []byte
	Fields      []FieldInput
	Signers     []SignerInput
}

// UpdateDocumentInput changes the fields that are set.
type UpdateDocumentInput struct {
	Title       *string        `json:"title"`
	Description *string        `json:"description"`
	ExpiresAt   *time.Time     `json:"expires_at"`
	Fields      *[]FieldInput  `json:"signature_fields"`
	Signers     *[]SignerInput `json:"signers"`
}

// Stats summarises an owner's documents.
type Stats struct {
	Total    int64 `json:"total"`
	Draft    int64 `json:"draft"`
	Pending  int64 `json:"pending"`
	Signed   int64 `json:"signed"`
	Rejected int64 `json:"rejected"`
	Expired  int64 `json:"expired"`
}

// DocumentService holds the owner-facing document operations. Signer list
// changes go through the SigningService state machine.
type DocumentService struct {
	signing *SigningService
	ttl     time.Duration
	log     *logger.Logger
}

// NewDocumentService creates a new DocumentService.
func NewDocumentService(signing *SigningService, ttl time.Duration, log *logger.Logger) *DocumentService {
	if ttl <= 0 {
		ttl = DefaultDocumentTTL
	}
	return &DocumentService{
		signing: signing,
		ttl:     ttl,
		log:     log.WithComponent("documents"),
	}
}

// ── Create / read ─────────────────────────────────────────────────────────────

// CreateDocument stores the original artifact and creates a draft.
func (s *DocumentService) CreateDocument(ctx context.Context, owner Owner, in CreateDocumentInput) (*repository.Document, error) {
	if len(in.Data) == 0 {
		return nil, errors.InvalidInput("file", "file is required")
	}
	if in.MimeType != pdfMimeType {
		return nil, errors.InvalidInput("file", "only PDF files are supported")
	}
	fileName := sanitizeFileName(in.FileName)

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = fileName
	}
	if err := validateText(title, in.Description); err != nil {
		return nil, err
	}

	fields, err := buildFields(in.Fields)
	if err != nil {
		return nil, err
	}

	now := s.signing.clock.Now()
	doc := &repository.Document{
		ID:          uuid.NewString(),
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Status:      repository.DocumentDraft,
		OwnerID:     owner.ID,
		OwnerEmail:  repository.NormalizeEmail(owner.Email),
		Original: repository.Artifact{
			FileName: fileName,
			Size:     int64(len(in.Data)),
			MimeType: in.MimeType,
		},
		SignatureFields: fields,
		ExpiresAt:       now.Add(s.ttl),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	doc.Original.Path = fmt.Sprintf("originals/%s/%s", doc.ID, fileName)
	if err := s.signing.replaceSigners(doc, in.Signers); err != nil {
		return nil, err
	}

	if err := s.signing.blobs.Write(ctx, doc.Original.Path, in.Data); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to store document")
	}
	if err := s.signing.docs.Create(ctx, doc); err != nil {
		if delErr := s.signing.blobs.Delete(ctx, doc.Original.Path); delErr != nil {
			s.log.Warn().Err(delErr).Str("path", doc.Original.Path).Msg("Failed to clean up orphaned upload")
		}
		return nil, err
	}

	s.record(doc, owner, repository.ActionDocumentCreated, repository.Metadata{}.
		Str("title", doc.Title).
		Int("file_size", doc.Original.Size))
	s.log.Info().
		Str("document_id", doc.ID).
		Str("owner_id", owner.ID).
		Int64("size", doc.Original.Size).
		Msg("Document created")

	return doc, nil
}

// GetDocument loads an owned document and records the view.
func (s *DocumentService) GetDocument(ctx context.Context, owner Owner, id string) (*repository.Document, error) {
	doc, err := s.owned(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	s.record(doc, owner, repository.ActionDocumentViewed, nil)
	return doc, nil
}

// ListDocuments returns the owner's documents, newest first. status may be
// empty or "all".
func (s *DocumentService) ListDocuments(ctx context.Context, owner Owner, status, search string) ([]*repository.Document, error) {
	filter := repository.ListFilter{OwnerID: owner.ID, Search: strings.TrimSpace(search)}
	if status != "" && status != "all" {
		st := repository.DocumentStatus(status)
		if !st.Valid() {
			return nil, errors.InvalidInput("status", fmt.Sprintf("unknown status %q", status))
		}
		filter.Status = st
	}
	return s.signing.docs.List(ctx, filter)
}

// Stats counts the owner's documents by status. Pending includes partially
// signed documents.
func (s *DocumentService) Stats(ctx context.Context, owner Owner) (*Stats, error) {
	counts, err := s.signing.docs.CountByStatus(ctx, owner.ID)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		Draft:    counts[repository.DocumentDraft],
		Pending:  counts[repository.DocumentPending] + counts[repository.DocumentPartiallySigned],
		Signed:   counts[repository.DocumentSigned],
		Rejected: counts[repository.DocumentRejected],
		Expired:  counts[repository.DocumentExpired],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

// ── Edit ──────────────────────────────────────────────────────────────────────

// UpdateDocument edits metadata, fields and signers. Fields and signers can
// only change while the document is a draft.
func (s *DocumentService) UpdateDocument(ctx context.Context, owner Owner, id string, in UpdateDocumentInput) (*repository.Document, error) {
	var fields []repository.SignatureField
	if in.Fields != nil {
		var err error
		if fields, err = buildFields(*in.Fields); err != nil {
			return nil, err
		}
	}

	doc, err := s.signing.mutate(ctx, id, func(doc *repository.Document) (bool, error) {
		if err := checkOwner(doc, owner); err != nil {
			return false, err
		}
		if doc.Status.Terminal() {
			return false, errors.State(fmt.Sprintf("cannot edit a %s document", doc.Status))
		}

		if in.Title != nil {
			doc.Title = strings.TrimSpace(*in.Title)
			if doc.Title == "" {
				return false, errors.InvalidInput("title", "title is required")
			}
		}
		if in.Description != nil {
			doc.Description = strings.TrimSpace(*in.Description)
		}
		if err := validateText(doc.Title, doc.Description); err != nil {
			return false, err
		}
		if in.ExpiresAt != nil {
			if !in.ExpiresAt.After(s.signing.clock.Now()) {
				return false, errors.InvalidInput("expires_at", "expiry must be in the future")
			}
			doc.ExpiresAt = in.ExpiresAt.UTC()
		}
		if in.Fields != nil {
			if doc.Status != repository.DocumentDraft {
				return false, errors.State("signature fields can only be changed while the document is a draft")
			}
			doc.SignatureFields = fields
		}
		if in.Signers != nil {
			if err := s.signing.replaceSigners(doc, *in.Signers); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if in.Fields != nil {
		s.record(doc, owner, repository.ActionSignaturePlaced, repository.Metadata{}.
			Int("field_count", int64(len(doc.SignatureFields))))
	}
	s.log.Info().Str("document_id", doc.ID).Msg("Document updated")
	return doc, nil
}

// AddSigner adds one signer to an owned document.
func (s *DocumentService) AddSigner(ctx context.Context, owner Owner, id string, in SignerInput) (*repository.Document, error) {
	return s.signing.AddSigner(ctx, owner, id, in)
}

// RemoveSigner removes one signer from an owned document.
func (s *DocumentService) RemoveSigner(ctx context.Context, owner Owner, id, email string) (*repository.Document, error) {
	return s.signing.RemoveSigner(ctx, owner, id, email)
}

// ── Links and files ───────────────────────────────────────────────────────────

// ShareLink returns a signer's signing link so the owner can deliver it
// directly.
func (s *DocumentService) ShareLink(ctx context.Context, owner Owner, id, email string) (*SigningLink, error) {
	doc, err := s.owned(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	signer := doc.FindSigner(email)
	if signer == nil {
		return nil, errors.NotFound("signer", repository.NormalizeEmail(email))
	}
	if signer.Token == "" {
		return nil, errors.State("signer has no signing link yet, send the document first")
	}

	link := &SigningLink{Email: signer.Email, Link: s.signing.tokens.Link(signer.Token)}
	s.record(doc, owner, repository.ActionLinkShared, repository.Metadata{}.Str("signer_email", signer.Email))
	return link, nil
}

// Download returns the signed artifact when there is one, otherwise the
// original.
func (s *DocumentService) Download(ctx context.Context, owner Owner, id string) (*repository.Artifact, []byte, error) {
	doc, err := s.owned(ctx, owner, id)
	if err != nil {
		return nil, nil, err
	}

	artifact := doc.Original
	signed := doc.Signed != nil
	if signed {
		artifact = *doc.Signed
	}
	data, err := s.signing.blobs.Read(ctx, artifact.Path)
	if err != nil {
		return nil, nil, err
	}

	s.record(doc, owner, repository.ActionDocumentDownloaded, repository.Metadata{}.
		Str("file", artifact.FileName).
		Bool("signed", signed))
	return &artifact, data, nil
}

// GenerateArtifact re-renders the signed artifact on demand.
func (s *DocumentService) GenerateArtifact(ctx context.Context, owner Owner, id string) (*repository.Artifact, error) {
	return s.signing.GenerateArtifact(ctx, owner, id)
}

// DeleteDocument removes the record and both artifacts. Missing blobs are
// ignored.
func (s *DocumentService) DeleteDocument(ctx context.Context, owner Owner, id string) error {
	unlock, err := s.signing.locker.Lock(ctx, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock document")
	}
	defer unlock()

	doc, err := s.owned(ctx, owner, id)
	if err != nil {
		return err
	}

	paths := []string{doc.Original.Path}
	if doc.Signed != nil {
		paths = append(paths, doc.Signed.Path)
	}
	for _, p := range paths {
		if err := s.signing.blobs.Delete(ctx, p); err != nil && !errors.Is(err, errors.ErrCodeNotFound) {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete document file")
		}
	}
	if err := s.signing.docs.Delete(ctx, id); err != nil {
		return err
	}

	s.log.Info().Str("document_id", id).Str("owner_id", owner.ID).Msg("Document deleted")
	return nil
}

// AuditTrail returns up to limit events for an owned document, newest first.
func (s *DocumentService) AuditTrail(ctx context.Context, owner Owner, id string, limit int) ([]repository.AuditEvent, error) {
	if _, err := s.owned(ctx, owner, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > audit.DefaultQueryLimit {
		limit = audit.DefaultQueryLimit
	}
	return s.signing.audit.Query(ctx, id, limit)
}

// ExpireOverdue marks every non-terminal document past its expiry as expired
// and returns how many changed.
func (s *DocumentService) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.signing.clock.Now()
	overdue, err := s.signing.docs.ListOverdue(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range overdue {
		doc, err := s.signing.mutate(ctx, candidate.ID, func(doc *repository.Document) (bool, error) {
			if doc.Status.Terminal() || !now.After(doc.ExpiresAt) {
				return false, nil
			}
			doc.Status = repository.DocumentExpired
			return true, nil
		})
		if err != nil {
			s.log.Warn().Err(err).Str("document_id", candidate.ID).Msg("Failed to expire document")
			continue
		}
		if doc.Status == repository.DocumentExpired {
			expired++
		}
	}

	if expired > 0 {
		s.log.Info().Int("expired", expired).Msg("Expired overdue documents")
	}
	return expired, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (s *DocumentService) owned(ctx context.Context, owner Owner, id string) (*repository.Document, error) {
	if !repository.ValidID(id) {
		return nil, errors.NotFound("document", id)
	}
	doc, err := s.signing.docs.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(doc, owner); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *DocumentService) record(doc *repository.Document, owner Owner, action repository.AuditAction, meta repository.Metadata) {
	s.signing.audit.Record(repository.AuditEvent{
		DocumentID: doc.ID,
		Action:     action,
		Actor:      owner.Email,
		ActorType:  repository.ActorOwner,
		Metadata:   meta,
		IPAddress:  owner.IP,
		UserAgent:  owner.UserAgent,
	})
}

func buildFields(inputs []FieldInput) ([]repository.SignatureField, error) {
	fields := make([]repository.SignatureField, 0, len(inputs))
	for i, in := range inputs {
		fieldName := fmt.Sprintf("signature_fields[%d]", i)
		if in.Page < 1 {
			return nil, errors.InvalidInput(fieldName, "page must be 1 or greater")
		}
		if in.X < 0 || in.Y < 0 || in.Width < 0 || in.Height < 0 {
			return nil, errors.InvalidInput(fieldName, "coordinates must not be negative")
		}
		email := repository.NormalizeEmail(in.SignerEmail)
		if email == "" {
			return nil, errors.InvalidInput(fieldName, "signer email is required")
		}

		f := repository.SignatureField{
			ID:          in.ID,
			Page:        in.Page,
			X:           in.X,
			Y:           in.Y,
			Width:       in.Width,
			Height:      in.Height,
			SignerEmail: email,
			Label:       strings.TrimSpace(in.Label),
			Required:    in.Required == nil || *in.Required,
		}
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		if f.Width == 0 {
			f.Width = defaultFieldWidth
		}
		if f.Height == 0 {
			f.Height = defaultFieldHeight
		}
		if f.Label == "" {
			f.Label = defaultFieldLabel
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func validateText(title, description string) error {
	if utf8.RuneCountInString(title) > maxTitleLength {
		return errors.InvalidInput("title", fmt.Sprintf("title must be at most %d characters", maxTitleLength))
	}
	if utf8.RuneCountInString(description) > maxDescriptionLength {
		return errors.InvalidInput("description", fmt.Sprintf("description must be at most %d characters", maxDescriptionLength))
	}
	return nil
}

// sanitizeFileName keeps the base name and drops characters that are unsafe
// in a blob path.
func sanitizeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == '/', r == ':', r == '*', r == '?', r == '"', r == '<', r == '>', r == '|':
			return '_'
		}
		return r
	}, name)
	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", ".")
	}
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "document.pdf"
	}
	return name
}
