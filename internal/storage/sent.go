package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"visitrelay/internal/etl"
)

// SentLedger records which payload versions reached the routing API. It
// implements etl.Ledger.
type SentLedger struct {
	db *DB
}

// NewSentLedger creates a new SentLedger.
func NewSentLedger(db *DB) *SentLedger {
	return &SentLedger{db: db}
}

var _ etl.Ledger = (*SentLedger)(nil)

// AlreadySent reports whether this exact payload was delivered before.
func (l *SentLedger) AlreadySent(ctx context.Context, reference, hash string) (bool, error) {
	var n int
	err := l.db.conn.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sent_visits WHERE reference = ? AND payload_hash = ?`,
		reference, hash,
	).Scan(&n)
	return n > 0, err
}

func (l *SentLedger) RecordSent(ctx context.Context, jobID string, sent etl.SentVisit) error {
	_, err := l.db.conn.ExecContext(ctx,
		`INSERT INTO sent_visits (id, job_id, reference, payload_hash, visit_id, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(reference, payload_hash) DO UPDATE SET
		 job_id = excluded.job_id, visit_id = excluded.visit_id, sent_at = excluded.sent_at`,
		uuid.New().String(), jobID, sent.Reference, sent.Hash, sent.VisitID, time.Now(),
	)
	return err
}

// SentRecord is one ledger row.
type SentRecord struct {
	Reference string    `json:"reference"`
	VisitID   string    `json:"visitId"`
	JobID     string    `json:"jobId"`
	SentAt    time.Time `json:"sentAt"`
}

// CountSince counts deliveries at or after since; the zero time counts all.
func (l *SentLedger) CountSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := l.db.conn.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sent_visits WHERE sent_at >= ?`, since,
	).Scan(&n)
	return n, err
}

// Lookup returns the latest delivery of a reference.
func (l *SentLedger) Lookup(ctx context.Context, reference string) (*SentRecord, error) {
	r := &SentRecord{}
	err := l.db.conn.QueryRowContext(ctx,
		`SELECT reference, visit_id, job_id, sent_at FROM sent_visits
		 WHERE reference = ? ORDER BY sent_at DESC LIMIT 1`, reference,
	).Scan(&r.Reference, &r.VisitID, &r.JobID, &r.SentAt)
	if err != nil {
		return nil, notFound(err, "sent visit", reference)
	}
	return r, nil
}
