package storage

import (
	"context"
	"time"
)

// Approval is a pending or resolved request for a human decision.
type Approval struct {
	ID          string    `json:"id"`
	Tool        string    `json:"tool"`
	Description string    `json:"description"`
	Status      string    `json:"status"` // "pending" | "approved" | "rejected"
	Metadata    string    `json:"metadata"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ApprovalStore is the mcp_approvals table. The MCP process writes
// requests and polls; the CLI resolves them.
type ApprovalStore struct {
	db *DB
}

// NewApprovalStore creates a new ApprovalStore.
func NewApprovalStore(db *DB) *ApprovalStore {
	return &ApprovalStore{db: db}
}

func (s *ApprovalStore) CreateApproval(ctx context.Context, a *Approval) error {
	if a.Status == "" {
		a.Status = "pending"
	}
	if a.Metadata == "" {
		a.Metadata = "{}"
	}
	a.CreatedAt = time.Now()
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO mcp_approvals (id, tool, description, status, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Tool, a.Description, a.Status, a.Metadata, a.CreatedAt,
	)
	return err
}

// ApprovalStatus returns the status of one request.
func (s *ApprovalStore) ApprovalStatus(ctx context.Context, id string) (string, error) {
	var status string
	err := s.db.conn.QueryRowContext(ctx, `SELECT status FROM mcp_approvals WHERE id = ?`, id).Scan(&status)
	if err != nil {
		return "", notFound(err, "approval", id)
	}
	return status, nil
}

// ListPending returns open requests, oldest first.
func (s *ApprovalStore) ListPending(ctx context.Context) ([]Approval, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT id, tool, description, status, metadata, created_at
		 FROM mcp_approvals WHERE status = 'pending' ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		var a Approval
		if err := rows.Scan(&a.ID, &a.Tool, &a.Description, &a.Status, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Resolve approves or rejects a pending request.
func (s *ApprovalStore) Resolve(ctx context.Context, id string, approved bool) error {
	status := "rejected"
	if approved {
		status = "approved"
	}
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE mcp_approvals SET status = ? WHERE id = ? AND status = 'pending'`, status, id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, "pending approval", id)
}

func (s *ApprovalStore) DeleteApproval(ctx context.Context, id string) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM mcp_approvals WHERE id = ?`, id)
	return err
}
