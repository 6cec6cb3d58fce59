package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// WebhookEvent is an archived status callback body.
type WebhookEvent struct {
	ID         string    `json:"id"`
	ReceivedAt time.Time `json:"receivedAt"`
	RemoteAddr string    `json:"remoteAddr"`
	Body       string    `json:"body"`
	Status     string    `json:"status"` // "received" | "processed" | "ignored" | "error"
	Error      string    `json:"error,omitempty"`
}

// WebhookEventStore archives raw callback bodies before they are mapped.
type WebhookEventStore struct {
	db *DB
}

// NewWebhookEventStore creates a new WebhookEventStore.
func NewWebhookEventStore(db *DB) *WebhookEventStore {
	return &WebhookEventStore{db: db}
}

func (s *WebhookEventStore) CreateEvent(ctx context.Context, body []byte, remoteAddr string) (*WebhookEvent, error) {
	ev := &WebhookEvent{
		ID:         uuid.New().String(),
		ReceivedAt: time.Now(),
		RemoteAddr: remoteAddr,
		Body:       string(body),
		Status:     "received",
	}
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO webhook_events (id, received_at, remote_addr, body, status) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.ReceivedAt, ev.RemoteAddr, ev.Body, ev.Status,
	)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *WebhookEventStore) UpdateEventStatus(ctx context.Context, id, status, errMsg string) error {
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE webhook_events SET status = ?, error = ? WHERE id = ?`, status, errMsg, id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, "webhook event", id)
}

// ListEvents returns the newest events first.
func (s *WebhookEventStore) ListEvents(ctx context.Context, limit int) ([]WebhookEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT id, received_at, remote_addr, body, status, error
		 FROM webhook_events ORDER BY received_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []WebhookEvent
	for rows.Next() {
		var ev WebhookEvent
		if err := rows.Scan(&ev.ID, &ev.ReceivedAt, &ev.RemoteAddr, &ev.Body, &ev.Status, &ev.Error); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
