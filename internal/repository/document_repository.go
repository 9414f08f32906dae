package repository

import (
	"context"
	_ "embed"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-doc-signing/internal/database"
	"github.com/pesio-ai/be-doc-signing/internal/errors"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the idempotent schema.
func Migrate(ctx context.Context, db *database.DB) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to apply schema")
	}
	return nil
}

// DocumentRepository persists the document aggregate (document row, signers,
// signature fields) in Postgres. Saves are whole-aggregate and guarded by the
// version column.
type DocumentRepository struct {
	db *database.DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db *database.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

const documentColumns = `
	id::text, title, description, status, owner_id, owner_email,
	original_path, original_name, original_size, original_mime,
	signed_path, signed_name, signed_size, signed_generated_at,
	expires_at, version, created_at, updated_at
`

// Create inserts a new document with its signers and fields.
func (r *DocumentRepository) Create(ctx context.Context, doc *Document) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO documents (id, title, description, status, owner_id, owner_email,
			                       original_path, original_name, original_size, original_mime,
			                       expires_at, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12, $13)
		`

		_, err := tx.Exec(ctx, query,
			doc.ID,
			doc.Title,
			doc.Description,
			string(doc.Status),
			doc.OwnerID,
			doc.OwnerEmail,
			doc.Original.Path,
			doc.Original.FileName,
			doc.Original.Size,
			doc.Original.MimeType,
			doc.ExpiresAt,
			doc.CreatedAt,
			doc.UpdatedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create document")
		}
		doc.Version = 1

		return r.writeChildren(ctx, tx, doc)
	})
}

// Load retrieves a document with all signers and fields.
func (r *DocumentRepository) Load(ctx context.Context, id string) (*Document, error) {
	if !ValidID(id) {
		return nil, errors.NotFound("document", id)
	}
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`

	doc, err := r.scanDocument(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("document", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load document")
	}

	if err := r.loadChildren(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// FindByToken loads the document owning a signer token.
func (r *DocumentRepository) FindByToken(ctx context.Context, token string) (*Document, error) {
	var documentID string
	err := r.db.QueryRow(ctx,
		`SELECT document_id::text FROM document_signers WHERE token = $1`, token,
	).Scan(&documentID)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.ErrCodeNotFound, "signing link not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve signing token")
	}
	return r.Load(ctx, documentID)
}

// Save writes the whole aggregate if the stored version still matches
// doc.Version, then bumps doc.Version.
func (r *DocumentRepository) Save(ctx context.Context, doc *Document) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var signedPath, signedName *string
		var signedSize *int64
		var signedAt *time.Time
		if doc.Signed != nil {
			signedPath = &doc.Signed.Path
			signedName = &doc.Signed.FileName
			signedSize = &doc.Signed.Size
			signedAt = &doc.Signed.GeneratedAt
		}

		query := `
			UPDATE documents
			SET title = $3, description = $4, status = $5,
			    signed_path = $6, signed_name = $7, signed_size = $8, signed_generated_at = $9,
			    expires_at = $10, updated_at = $11,
			    version = version + 1
			WHERE id = $1 AND version = $2
			RETURNING version
		`

		var newVersion int64
		err := tx.QueryRow(ctx, query,
			doc.ID,
			doc.Version,
			doc.Title,
			doc.Description,
			string(doc.Status),
			signedPath,
			signedName,
			signedSize,
			signedAt,
			doc.ExpiresAt,
			doc.UpdatedAt,
		).Scan(&newVersion)
		if stderrors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM documents WHERE id = $1)`, doc.ID).Scan(&exists); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to check document")
			}
			if !exists {
				return errors.NotFound("document", doc.ID)
			}
			return errors.Conflict("document was modified concurrently")
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to save document")
		}

		if _, err := tx.Exec(ctx, `DELETE FROM document_signers WHERE document_id = $1`, doc.ID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to replace signers")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM signature_fields WHERE document_id = $1`, doc.ID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to replace signature fields")
		}
		if err := r.writeChildren(ctx, tx, doc); err != nil {
			return err
		}

		doc.Version = newVersion
		return nil
	})
}

// Delete removes a document; signers and fields cascade. Audit events are kept.
func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	if !ValidID(id) {
		return errors.NotFound("document", id)
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete document")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("document", id)
	}
	return nil
}

// List returns an owner's documents, newest first.
func (r *DocumentRepository) List(ctx context.Context, filter ListFilter) ([]*Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE owner_id = $1
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR title ILIKE '%' || $3 || '%')
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, filter.OwnerID, string(filter.Status), filter.Search)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list documents")
	}
	docs, err := r.collectDocuments(rows)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if err := r.loadChildren(ctx, doc); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

// CountByStatus returns the number of an owner's documents per status.
func (r *DocumentRepository) CountByStatus(ctx context.Context, ownerID string) (map[DocumentStatus]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM documents WHERE owner_id = $1 GROUP BY status`, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to count documents")
	}
	defer rows.Close()

	counts := make(map[DocumentStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan document count")
		}
		counts[DocumentStatus(status)] = n
	}
	return counts, rows.Err()
}

// ListOverdue returns non-terminal documents whose expiry passed before now.
func (r *DocumentRepository) ListOverdue(ctx context.Context, now time.Time) ([]*Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE status IN ('draft', 'pending', 'partially_signed')
		  AND expires_at < $1
	`

	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list overdue documents")
	}
	docs, err := r.collectDocuments(rows)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if err := r.loadChildren(ctx, doc); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

// ── child rows ────────────────────────────────────────────────────────────────

func (r *DocumentRepository) writeChildren(ctx context.Context, tx pgx.Tx, doc *Document) error {
	signerQuery := `
		INSERT INTO document_signers (document_id, position, email, name, status,
		                              token, token_expiry, signature_data,
		                              signed_at, rejected_at, rejection_reason,
		                              ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	for i, s := range doc.Signers {
		_, err := tx.Exec(ctx, signerQuery,
			doc.ID,
			i,
			s.Email,
			s.Name,
			string(s.Status),
			s.Token,
			s.TokenExpiry,
			s.SignatureData,
			s.SignedAt,
			s.RejectedAt,
			s.RejectionReason,
			s.IPAddress,
			s.UserAgent,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to write signer")
		}
	}

	fieldQuery := `
		INSERT INTO signature_fields (document_id, position, id, page, x, y,
		                              width, height, signer_email, label, required)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	for i, f := range doc.SignatureFields {
		_, err := tx.Exec(ctx, fieldQuery,
			doc.ID,
			i,
			f.ID,
			f.Page,
			f.X,
			f.Y,
			f.Width,
			f.Height,
			f.SignerEmail,
			f.Label,
			f.Required,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to write signature field")
		}
	}
	return nil
}

func (r *DocumentRepository) loadChildren(ctx context.Context, doc *Document) error {
	signerQuery := `
		SELECT email, name, status, token, token_expiry, signature_data,
		       signed_at, rejected_at, rejection_reason, ip_address, user_agent
		FROM document_signers
		WHERE document_id = $1
		ORDER BY position
	`
	rows, err := r.db.Query(ctx, signerQuery, doc.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to load signers")
	}
	doc.Signers = nil
	for rows.Next() {
		s := &Signer{}
		var status string
		if err := rows.Scan(&s.Email, &s.Name, &status, &s.Token, &s.TokenExpiry, &s.SignatureData,
			&s.SignedAt, &s.RejectedAt, &s.RejectionReason, &s.IPAddress, &s.UserAgent); err != nil {
			rows.Close()
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan signer")
		}
		s.Status = SignerStatus(status)
		doc.Signers = append(doc.Signers, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to read signers")
	}

	fieldQuery := `
		SELECT id, page, x, y, width, height, signer_email, label, required
		FROM signature_fields
		WHERE document_id = $1
		ORDER BY position
	`
	rows, err = r.db.Query(ctx, fieldQuery, doc.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to load signature fields")
	}
	defer rows.Close()
	doc.SignatureFields = nil
	for rows.Next() {
		var f SignatureField
		if err := rows.Scan(&f.ID, &f.Page, &f.X, &f.Y, &f.Width, &f.Height,
			&f.SignerEmail, &f.Label, &f.Required); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan signature field")
		}
		doc.SignatureFields = append(doc.SignatureFields, f)
	}
	return rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type documentScanner interface {
	Scan(dest ...any) error
}

func (r *DocumentRepository) scanDocument(row documentScanner) (*Document, error) {
	doc := &Document{}
	var (
		status                 string
		signedPath, signedName *string
		signedSize             *int64
		signedAt               *time.Time
	)
	err := row.Scan(
		&doc.ID,
		&doc.Title,
		&doc.Description,
		&status,
		&doc.OwnerID,
		&doc.OwnerEmail,
		&doc.Original.Path,
		&doc.Original.FileName,
		&doc.Original.Size,
		&doc.Original.MimeType,
		&signedPath,
		&signedName,
		&signedSize,
		&signedAt,
		&doc.ExpiresAt,
		&doc.Version,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.Status = DocumentStatus(status)
	if signedPath != nil {
		doc.Signed = &Artifact{Path: *signedPath, MimeType: "application/pdf"}
		if signedName != nil {
			doc.Signed.FileName = *signedName
		}
		if signedSize != nil {
			doc.Signed.Size = *signedSize
		}
		if signedAt != nil {
			doc.Signed.GeneratedAt = *signedAt
		}
	}
	return doc, nil
}

func (r *DocumentRepository) collectDocuments(rows pgx.Rows) ([]*Document, error) {
	defer rows.Close()
	var docs []*Document
	for rows.Next() {
		doc, err := r.scanDocument(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan document")
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read documents")
	}
	return docs, nil
}
