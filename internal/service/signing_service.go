package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-doc-signing/internal/client"
	"github.com/pesio-ai/be-doc-signing/internal/clock"
	"github.com/pesio-ai/be-doc-signing/internal/errors"
	"github.com/pesio-ai/be-doc-signing/internal/lock"
	"github.com/pesio-ai/be-doc-signing/internal/logger"
	"github.com/pesio-ai/be-doc-signing/internal/repository"
	"github.com/pesio-ai/be-doc-signing/internal/token"
)

const (
	defaultRejectionReason = "No reason provided"
	pdfMimeType            = "application/pdf"
)

// SignerInput describes a signer in an owner edit.
type SignerInput struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// SigningLink is the signing URL handed to one signer.
type SigningLink struct {
	Email string `json:"email"`
	Link  string `json:"link"`
}

// SignInput carries a captured signature.
type SignInput struct {
	SignatureData string `json:"signature"`
	Name          string `json:"name"`
}

// SignerResult is what a signer sees after acting.
type SignerResult struct {
	DocumentID     string                    `json:"document_id"`
	DocumentStatus repository.DocumentStatus `json:"document_status"`
	SignerStatus   repository.SignerStatus   `json:"signer_status"`
	Completed      bool                      `json:"completed"`
}

// SignerView is the projection of a document shown to a token holder. It
// carries only the holder's own fields and never any token.
type SignerView struct {
	DocumentID      string                      `json:"document_id"`
	Title           string                      `json:"title"`
	Description     string                      `json:"description,omitempty"`
	Status          repository.DocumentStatus   `json:"status"`
	ExpiresAt       time.Time                   `json:"expires_at"`
	Original        repository.Artifact         `json:"original_file"`
	SignatureFields []repository.SignatureField `json:"signature_fields"`
	Signer          SignerSummary               `json:"signer"`
}

// SignerSummary is the holder's own signer record.
type SignerSummary struct {
	Email  string                  `json:"email"`
	Name   string                  `json:"name,omitempty"`
	Status repository.SignerStatus `json:"status"`
}

// SigningService is the document/signer state machine. Every mutation is a
// load → mutate → save cycle under a per-document lock, and stores enforce a
// version check on save.
type SigningService struct {
	docs      DocumentStore
	blobs     BlobStore
	audit     AuditRecorder
	tokens    *token.Authority
	generator ArtifactGenerator
	notifier  Notifier
	locker    lock.Locker
	clock     clock.Clock
	log       *logger.Logger
}

// NewSigningService creates a new SigningService.
func NewSigningService(
	docs DocumentStore,
	blobs BlobStore,
	audit AuditRecorder,
	tokens *token.Authority,
	generator ArtifactGenerator,
	notifier Notifier,
	locker lock.Locker,
	clk clock.Clock,
	log *logger.Logger,
) *SigningService {
	return &SigningService{
		docs:      docs,
		blobs:     blobs,
		audit:     audit,
		tokens:    tokens,
		generator: generator,
		notifier:  notifier,
		locker:    locker,
		clock:     clk,
		log:       log.WithComponent("signing"),
	}
}

// ── Owner signer management ───────────────────────────────────────────────────

// AddSigner appends a pending signer with a freshly minted token.
func (s *SigningService) AddSigner(ctx context.Context, owner Owner, documentID string, in SignerInput) (*repository.Document, error) {
	email, err := validateEmail(in.Email)
	if err != nil {
		return nil, err
	}

	var generated bool
	doc, err := s.mutate(ctx, documentID, func(doc *repository.Document) (bool, error) {
		if err := checkOwner(doc, owner); err != nil {
			return false, err
		}
		if err := checkSignersEditable(doc); err != nil {
			return false, err
		}
		if doc.FindSigner(email) != nil {
			return false, errors.Conflict(fmt.Sprintf("signer %s already exists", email))
		}
		doc.Signers = append(doc.Signers, s.newSigner(email, in.Name))
		generated = s.recompute(ctx, doc)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("document_id", doc.ID).Str("signer", email).Msg("Signer added")
	s.afterRecompute(doc, generated)
	return doc, nil
}

// RemoveSigner deletes a signer record. Signers who already signed cannot be
// removed.
func (s *SigningService) RemoveSigner(ctx context.Context, owner Owner, documentID, email string) (*repository.Document, error) {
	email = repository.NormalizeEmail(email)

	var generated bool
	doc, err := s.mutate(ctx, documentID, func(doc *repository.Document) (bool, error) {
		if err := checkOwner(doc, owner); err != nil {
			return false, err
		}
		if err := checkSignersEditable(doc); err != nil {
			return false, err
		}
		signer := doc.FindSigner(email)
		if signer == nil {
			return false, errors.NotFound("signer", email)
		}
		if signer.Status == repository.SignerSigned {
			return false, errors.State("cannot remove a signer who has already signed")
		}

		kept := doc.Signers[:0]
		for _, existing := range doc.Signers {
			if existing.Email != email {
				kept = append(kept, existing)
			}
		}
		doc.Signers = kept
		generated = s.recompute(ctx, doc)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("document_id", doc.ID).Str("signer", email).Msg("Signer removed")
	s.afterRecompute(doc, generated)
	return doc, nil
}

// ReplaceSigners merges a new signer list into a draft document by email.
// Existing signers keep their token, status and signature; only new emails
// get a fresh token.
func (s *SigningService) ReplaceSigners(ctx context.Context, owner Owner, documentID string, signers []SignerInput) (*repository.Document, error) {
	doc, err := s.mutate(ctx, documentID, func(doc *repository.Document) (bool, error) {
		if err := checkOwner(doc, owner); err != nil {
			return false, err
		}
		if err := s.replaceSigners(doc, signers); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("document_id", doc.ID).Int("signers", len(doc.Signers)).Msg("Signers replaced")
	return doc, nil
}

func (s *SigningService) replaceSigners(doc *repository.Document, inputs []SignerInput) error {
	if doc.Status != repository.DocumentDraft {
		return errors.State("signers can only be replaced while the document is a draft")
	}

	seen := make(map[string]bool, len(inputs))
	merged := make([]*repository.Signer, 0, len(inputs))
	for _, in := range inputs {
		email, err := validateEmail(in.Email)
		if err != nil {
			return err
		}
		if seen[email] {
			return errors.InvalidInput("signers", fmt.Sprintf("duplicate signer %s", email))
		}
		seen[email] = true

		if existing := doc.FindSigner(email); existing != nil {
			updated := *existing
			if in.Name != "" {
				updated.Name = in.Name
			}
			merged = append(merged, &updated)
			continue
		}
		merged = append(merged, s.newSigner(email, in.Name))
	}

	doc.Signers = merged
	doc.Status = DeriveStatus(doc.Status, doc.Signers)
	return nil
}

// ── Send ──────────────────────────────────────────────────────────────────────

// Send moves the document to pending and returns every signer's link. It can
// be called again to resend; tokens and expiries are reused, and a signer
// missing a token gets one minted.
func (s *SigningService) Send(ctx context.Context, owner Owner, documentID string) ([]SigningLink, error) {
	var repaired int
	doc, err := s.mutate(ctx, documentID, func(doc *repository.Document) (bool, error) {
		if err := checkOwner(doc, owner); err != nil {
			return false, err
		}
		switch doc.Status {
		case repository.DocumentDraft, repository.DocumentPending, repository.DocumentPartiallySigned:
		default:
			return false, errors.State(fmt.Sprintf("cannot send a %s document", doc.Status))
		}
		if s.documentExpired(doc) {
			return false, errors.Expired("document has expired")
		}
		if len(doc.Signers) == 0 {
			return false, errors.InvalidInput("signers", "at least one signer is required")
		}

		for _, signer := range doc.Signers {
			if signer.Token == "" {
				signer.Token, signer.TokenExpiry = s.tokens.Mint()
				repaired++
			}
		}
		doc.Status = DeriveStatus(repository.DocumentPending, doc.Signers)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	links := make([]SigningLink, 0, len(doc.Signers))
	emails := make([]string, 0, len(doc.Signers))
	var invites []client.SigningInvite
	for _, signer := range doc.Signers {
		link := s.tokens.Link(signer.Token)
		links = append(links, SigningLink{Email: signer.Email, Link: link})
		emails = append(emails, signer.Email)
		if !signer.Status.Terminal() {
			invites = append(invites, client.SigningInvite{Email: signer.Email, Name: signer.Name, Link: link})
		}
	}

	s.audit.Record(repository.AuditEvent{
		DocumentID: doc.ID,
		Action:     repository.ActionDocumentSent,
		Actor:      owner.Email,
		ActorType:  repository.ActorOwner,
		Metadata: repository.Metadata{}.
			Str("signers", strings.Join(emails, ",")).
			Int("signer_count", int64(len(emails))),
		IPAddress: owner.IP,
		UserAgent: owner.UserAgent,
	})
	if s.notifier != nil {
		s.notifier.PublishSigningRequested(ctx, doc.ID, doc.Title, owner.Email, invites)
	}

	s.log.Info().
		Str("document_id", doc.ID).
		Int("signers", len(links)).
		Int("tokens_repaired", repaired).
		Msg("Document sent")

	return links, nil
}

// ── Signer actions ────────────────────────────────────────────────────────────

// ViewAsSigner opens the document for a token holder and advances a pending
// signer to viewed. Repeated views never regress the signer's status.
func (s *SigningService) ViewAsSigner(ctx context.Context, tok string, info ClientInfo) (*SignerView, error) {
	grant, err := s.tokens.Resolve(ctx, tok)
	if err != nil {
		return nil, err
	}

	var firstView bool
	var email string
	doc, err := s.mutate(ctx, grant.DocumentID, func(doc *repository.Document) (bool, error) {
		signer, err := s.signerFor(doc, tok)
		if err != nil {
			return false, err
		}
		if doc.Status == repository.DocumentDraft {
			return false, errors.State("document has not been sent")
		}
		email = signer.Email
		if signer.Status != repository.SignerPending {
			return false, nil
		}
		signer.Status = repository.SignerViewed
		firstView = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(repository.AuditEvent{
		DocumentID: doc.ID,
		Action:     repository.ActionSignerViewed,
		Actor:      email,
		ActorType:  repository.ActorSigner,
		Metadata:   repository.Metadata{}.Bool("first_view", firstView),
		IPAddress:  info.IP,
		UserAgent:  info.UserAgent,
	})

	return projectForSigner(doc, email), nil
}

// Sign records a signature. When it completes the document the signed
// artifact is generated inline; a generation failure is logged and leaves the
// document signed without an artifact.
func (s *SigningService) Sign(ctx context.Context, tok string, in SignInput, info ClientInfo) (*SignerResult, error) {
	if strings.TrimSpace(in.SignatureData) == "" {
		return nil, errors.InvalidInput("signature", "signature is required")
	}
	grant, err := s.tokens.Resolve(ctx, tok)
	if err != nil {
		return nil, err
	}

	var (
		signer    *repository.Signer
		generated bool
	)
	doc, err := s.mutate(ctx, grant.DocumentID, func(doc *repository.Document) (bool, error) {
		var err error
		signer, err = s.actingSigner(doc, tok)
		if err != nil {
			return false, err
		}

		now := s.clock.Now()
		signer.Status = repository.SignerSigned
		signer.SignedAt = &now
		signer.SignatureData = in.SignatureData
		if name := strings.TrimSpace(in.Name); name != "" {
			signer.Name = name
		}
		signer.IPAddress = info.IP
		signer.UserAgent = info.UserAgent

		generated = s.recompute(ctx, doc)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(repository.AuditEvent{
		DocumentID: doc.ID,
		Action:     repository.ActionSignerSigned,
		Actor:      signer.Email,
		ActorType:  repository.ActorSigner,
		Metadata: repository.Metadata{}.
			Str("name", signer.Name).
			Str("ip", info.IP),
		IPAddress: info.IP,
		UserAgent: info.UserAgent,
	})
	s.log.Info().
		Str("document_id", doc.ID).
		Str("signer", signer.Email).
		Str("status", string(doc.Status)).
		Msg("Signer signed")
	s.afterRecompute(doc, generated)

	return &SignerResult{
		DocumentID:     doc.ID,
		DocumentStatus: doc.Status,
		SignerStatus:   signer.Status,
		Completed:      doc.Status == repository.DocumentSigned,
	}, nil
}

// Reject records a refusal. Any rejection makes the whole document rejected.
func (s *SigningService) Reject(ctx context.Context, tok, reason string, info ClientInfo) (*SignerResult, error) {
	grant, err := s.tokens.Resolve(ctx, tok)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultRejectionReason
	}

	var signer *repository.Signer
	doc, err := s.mutate(ctx, grant.DocumentID, func(doc *repository.Document) (bool, error) {
		var err error
		signer, err = s.actingSigner(doc, tok)
		if err != nil {
			return false, err
		}

		now := s.clock.Now()
		signer.Status = repository.SignerRejected
		signer.RejectedAt = &now
		signer.RejectionReason = reason
		signer.IPAddress = info.IP
		signer.UserAgent = info.UserAgent

		doc.Status = DeriveStatus(doc.Status, doc.Signers)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(repository.AuditEvent{
		DocumentID: doc.ID,
		Action:     repository.ActionSignerRejected,
		Actor:      signer.Email,
		ActorType:  repository.ActorSigner,
		Metadata:   repository.Metadata{}.Str("reason", reason),
		IPAddress:  info.IP,
		UserAgent:  info.UserAgent,
	})
	s.log.Info().
		Str("document_id", doc.ID).
		Str("signer", signer.Email).
		Msg("Signer rejected")

	return &SignerResult{
		DocumentID:     doc.ID,
		DocumentStatus: doc.Status,
		SignerStatus:   signer.Status,
	}, nil
}

// ── Artifact ──────────────────────────────────────────────────────────────────

// GenerateArtifact re-renders the signed artifact from current signer data
// and replaces the stored reference. Statuses are untouched.
func (s *SigningService) GenerateArtifact(ctx context.Context, owner Owner, documentID string) (*repository.Artifact, error) {
	var previous *repository.Artifact
	doc, err := s.mutate(ctx, documentID, func(doc *repository.Document) (bool, error) {
		if err := checkOwner(doc, owner); err != nil {
			return false, err
		}
		signed, err := s.renderArtifact(ctx, doc)
		if err != nil {
			return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to generate signed document")
		}
		previous = doc.Signed
		doc.Signed = signed
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if previous != nil && previous.Path != doc.Signed.Path {
		if err := s.blobs.Delete(ctx, previous.Path); err != nil {
			s.log.Warn().Err(err).Str("path", previous.Path).Msg("Failed to delete superseded signed artifact")
		}
	}

	s.audit.Record(repository.AuditEvent{
		DocumentID: doc.ID,
		Action:     repository.ActionSignedPDFGenerated,
		Actor:      owner.Email,
		ActorType:  repository.ActorOwner,
		Metadata: repository.Metadata{}.
			Str("path", doc.Signed.Path).
			Int("size", doc.Signed.Size).
			Bool("manual", true),
		IPAddress: owner.IP,
		UserAgent: owner.UserAgent,
	})
	s.log.Info().Str("document_id", doc.ID).Str("path", doc.Signed.Path).Msg("Signed artifact regenerated")

	signed := *doc.Signed
	return &signed, nil
}

// recompute re-derives the status and, when that completes the document,
// renders the signed artifact. It reports whether an artifact was produced.
func (s *SigningService) recompute(ctx context.Context, doc *repository.Document) bool {
	previous := doc.Status
	doc.Status = DeriveStatus(doc.Status, doc.Signers)
	if doc.Status != repository.DocumentSigned || previous == repository.DocumentSigned {
		return false
	}

	signed, err := s.renderArtifact(ctx, doc)
	if err != nil {
		s.log.Error().Err(err).
			Str("document_id", doc.ID).
			Msg("Failed to generate signed artifact")
		return false
	}
	doc.Signed = signed
	return true
}

// afterRecompute records the artifact event once the document has been saved.
func (s *SigningService) afterRecompute(doc *repository.Document, generated bool) {
	if !generated {
		return
	}
	s.audit.Record(repository.AuditEvent{
		DocumentID: doc.ID,
		Action:     repository.ActionSignedPDFGenerated,
		Actor:      repository.SystemActor,
		ActorType:  repository.ActorSystem,
		Metadata: repository.Metadata{}.
			Str("path", doc.Signed.Path).
			Int("size", doc.Signed.Size),
	})
	s.log.Info().Str("document_id", doc.ID).Str("path", doc.Signed.Path).Msg("Signed artifact generated")
}

func (s *SigningService) renderArtifact(ctx context.Context, doc *repository.Document) (*repository.Artifact, error) {
	src, err := s.blobs.Read(ctx, doc.Original.Path)
	if err != nil {
		return nil, fmt.Errorf("read original: %w", err)
	}
	out, err := s.generator.Generate(src, doc.SignatureFields, doc.Signers)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	fileName := fmt.Sprintf("signed-%d.pdf", now.UnixMilli())
	path := fmt.Sprintf("signed/%s/%s", doc.ID, fileName)
	if err := s.blobs.Write(ctx, path, out); err != nil {
		return nil, fmt.Errorf("write signed artifact: %w", err)
	}
	return &repository.Artifact{
		Path:        path,
		FileName:    fileName,
		Size:        int64(len(out)),
		MimeType:    pdfMimeType,
		GeneratedAt: now,
	}, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// mutate loads documentID under its lock, applies fn and saves when fn
// reports a change. Nothing is saved when fn fails.
func (s *SigningService) mutate(ctx context.Context, documentID string, fn func(doc *repository.Document) (bool, error)) (*repository.Document, error) {
	if !repository.ValidID(documentID) {
		return nil, errors.NotFound("document", documentID)
	}
	unlock, err := s.locker.Lock(ctx, documentID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to lock document")
	}
	defer unlock()

	doc, err := s.docs.Load(ctx, documentID)
	if err != nil {
		return nil, err
	}
	previous := signedPath(doc)
	changed, err := fn(doc)
	if err != nil {
		s.discardSigned(ctx, doc, previous)
		return nil, err
	}
	if !changed {
		return doc, nil
	}

	doc.UpdatedAt = s.clock.Now()
	if err := s.docs.Save(ctx, doc); err != nil {
		s.discardSigned(ctx, doc, previous)
		return nil, err
	}
	return doc, nil
}

// discardSigned removes a signed artifact rendered during a mutation that was
// never saved.
func (s *SigningService) discardSigned(ctx context.Context, doc *repository.Document, previous string) {
	path := signedPath(doc)
	if path == "" || path == previous {
		return
	}
	if err := s.blobs.Delete(ctx, path); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("Failed to delete unsaved signed artifact")
	}
}

func signedPath(doc *repository.Document) string {
	if doc.Signed == nil {
		return ""
	}
	return doc.Signed.Path
}

func (s *SigningService) newSigner(email, name string) *repository.Signer {
	tok, expiry := s.tokens.Mint()
	return &repository.Signer{
		Email:       email,
		Name:        strings.TrimSpace(name),
		Status:      repository.SignerPending,
		Token:       tok,
		TokenExpiry: expiry,
	}
}

// signerFor finds the token holder and enforces both expiry windows.
func (s *SigningService) signerFor(doc *repository.Document, tok string) (*repository.Signer, error) {
	signer := doc.SignerByToken(tok)
	if signer == nil {
		return nil, errors.New(errors.ErrCodeNotFound, "signing link not found")
	}
	if err := s.checkExpiry(doc, signer); err != nil {
		return nil, err
	}
	return signer, nil
}

// actingSigner guards Sign and Reject. A signer who already acted gets a
// conflict even once the link has expired.
func (s *SigningService) actingSigner(doc *repository.Document, tok string) (*repository.Signer, error) {
	signer := doc.SignerByToken(tok)
	if signer == nil {
		return nil, errors.New(errors.ErrCodeNotFound, "signing link not found")
	}
	switch signer.Status {
	case repository.SignerSigned:
		return nil, errors.Conflict("document already signed by this signer")
	case repository.SignerRejected:
		return nil, errors.Conflict("document already rejected by this signer")
	}
	if err := s.checkExpiry(doc, signer); err != nil {
		return nil, err
	}
	if doc.Status != repository.DocumentPending && doc.Status != repository.DocumentPartiallySigned {
		return nil, errors.State(fmt.Sprintf("document is %s", doc.Status))
	}
	return signer, nil
}

func (s *SigningService) checkExpiry(doc *repository.Document, signer *repository.Signer) error {
	if s.tokens.IsExpired(signer, s.clock.Now()) {
		return errors.Expired("signing link has expired")
	}
	if s.documentExpired(doc) {
		return errors.Expired("document has expired")
	}
	return nil
}

func (s *SigningService) documentExpired(doc *repository.Document) bool {
	if doc.Status == repository.DocumentExpired {
		return true
	}
	return !doc.ExpiresAt.IsZero() && s.clock.Now().After(doc.ExpiresAt)
}

func checkOwner(doc *repository.Document, owner Owner) error {
	if doc.OwnerID != owner.ID {
		return errors.NotFound("document", doc.ID)
	}
	return nil
}

func checkSignersEditable(doc *repository.Document) error {
	switch doc.Status {
	case repository.DocumentDraft, repository.DocumentPending, repository.DocumentPartiallySigned:
		return nil
	}
	return errors.State(fmt.Sprintf("signers cannot be changed on a %s document", doc.Status))
}

func validateEmail(email string) (string, error) {
	email = repository.NormalizeEmail(email)
	if email == "" {
		return "", errors.InvalidInput("email", "email is required")
	}
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 || strings.ContainsAny(email, " \t") {
		return "", errors.InvalidInput("email", fmt.Sprintf("invalid email %q", email))
	}
	return email, nil
}

func projectForSigner(doc *repository.Document, email string) *SignerView {
	view := &SignerView{
		DocumentID:      doc.ID,
		Title:           doc.Title,
		Description:     doc.Description,
		Status:          doc.Status,
		ExpiresAt:       doc.ExpiresAt,
		Original:        doc.Original,
		SignatureFields: []repository.SignatureField{},
	}
	for _, f := range doc.SignatureFields {
		if repository.NormalizeEmail(f.SignerEmail) == email {
			view.SignatureFields = append(view.SignatureFields, f)
		}
	}
	if signer := doc.FindSigner(email); signer != nil {
		view.Signer = SignerSummary{Email: signer.Email, Name: signer.Name, Status: signer.Status}
	}
	return view
}
