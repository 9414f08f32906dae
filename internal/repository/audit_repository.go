package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-doc-signing/internal/database"
	"github.com/pesio-ai/be-doc-signing/internal/errors"
)

// AuditRepository appends and reads immutable audit events in Postgres.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one event. The table has an update/delete-prevention trigger
// so this is the only mutation operation exposed.
func (r *AuditRepository) Append(ctx context.Context, event *AuditEvent) error {
	var metadataJSON []byte
	if len(event.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO audit_events
		    (document_id, action, actor, actor_type,
		     metadata, ip_address, user_agent, occurred_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8)
		RETURNING id::text, seq
	`

	err := r.db.QueryRow(ctx, query,
		event.DocumentID,
		string(event.Action),
		event.Actor,
		string(event.ActorType),
		metadataJSON,
		event.IPAddress,
		event.UserAgent,
		event.Timestamp,
	).Scan(&event.ID, &event.Seq)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit event")
	}
	return nil
}

// Query returns up to limit events for a document, newest first.
func (r *AuditRepository) Query(ctx context.Context, documentID string, limit int) ([]AuditEvent, error) {
	if !ValidID(documentID) {
		return nil, nil
	}
	query := `
		SELECT id::text, seq, document_id::text, action, actor, actor_type,
		       metadata, ip_address, user_agent, occurred_at
		FROM audit_events
		WHERE document_id = $1
		ORDER BY occurred_at DESC, seq DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, documentID, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query audit events")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *AuditRepository) scanRows(rows pgx.Rows) ([]AuditEvent, error) {
	var events []AuditEvent
	for rows.Next() {
		event, err := r.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read audit events")
	}
	return events, nil
}

type auditScanner interface {
	Scan(dest ...any) error
}

func (r *AuditRepository) scanEvent(sc auditScanner) (*AuditEvent, error) {
	event := &AuditEvent{}
	var (
		action, actorType string
		metadataJSON      []byte
	)

	err := sc.Scan(
		&event.ID,
		&event.Seq,
		&event.DocumentID,
		&action,
		&event.Actor,
		&actorType,
		&metadataJSON,
		&event.IPAddress,
		&event.UserAgent,
		&event.Timestamp,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit event")
	}
	event.Action = AuditAction(action)
	event.ActorType = ActorType(actorType)

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}

	return event, nil
}
