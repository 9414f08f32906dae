package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-doc-signing/internal/logger"
)

// Publisher is the subset of *nats.Conn the notification publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NotificationPublisher publishes signing workflow events to NATS for
// consumption by the notifications service, which delivers the email.
//
// Subject convention: <prefix>.<event_type>
// Event types: signing_requested
//
// All publish operations are non-fatal. Errors are logged but never
// propagated to the caller, so notification failures never interrupt a Send.
type NotificationPublisher struct {
	conn   Publisher
	prefix string
	log    *logger.Logger
}

// SigningInvite is one recipient of a signing request.
type SigningInvite struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Link  string `json:"link"`
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher. A nil conn disables
// publishing.
func NewNotificationPublisher(conn Publisher, prefix string, log *logger.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications.signing"
	}
	return &NotificationPublisher{conn: conn, prefix: prefix, log: log.WithComponent("notifications")}
}

// Connect dials NATS. Callers own the returned connection.
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
}

// PublishSigningRequested announces that a document is awaiting signatures.
// Subject: <prefix>.signing_requested
func (p *NotificationPublisher) PublishSigningRequested(ctx context.Context, documentID, title, ownerEmail string, invites []SigningInvite) {
	if p == nil || p.conn == nil {
		return
	}
	if len(invites) == 0 {
		return
	}

	recipients := make([]string, 0, len(invites))
	for _, inv := range invites {
		recipients = append(recipients, inv.Email)
	}

	event := &NotificationEvent{
		EventType:    "signing_requested",
		ActorID:      ownerEmail,
		Recipients:   recipients,
		ResourceType: "document",
		ResourceID:   documentID,
		IsActionable: true,
		Severity:     "info",
		Category:     "document_signing",
		Payload: map[string]any{
			"title":   title,
			"invites": invites,
		},
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.EventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, event.EventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("document_id", documentID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("document_id", documentID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}
