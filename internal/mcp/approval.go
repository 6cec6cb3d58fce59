package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"visitrelay/internal/storage"
)

// ErrRejected is returned when a request is rejected or times out.
var ErrRejected = errors.New("action rejected")

// EventEmitter lets the approval queue announce in-process requests.
type EventEmitter interface {
	Emit(ctx context.Context, event string, data any)
}

// PendingAction is a send awaiting human approval.
type PendingAction struct {
	ID          string `json:"id"`
	Tool        string `json:"tool"`
	Description string `json:"description"`
	CreatedAt   string `json:"createdAt"`
	Metadata    string `json:"metadata"`
}

type actionResult struct {
	approved bool
}

// ApprovalQueue gates MCP tools that send visits behind a human decision.
// With a store, requests go to the mcp_approvals table and are resolved
// from another process (`visitrelay approvals approve <id>`); without
// one, Approve/Reject resolve them in process.
type ApprovalQueue struct {
	mu      sync.Mutex
	pending map[string]chan actionResult
	emitter EventEmitter
	store   *storage.ApprovalStore
	log     *zap.Logger

	Timeout time.Duration
	Poll    time.Duration
}

func NewApprovalQueue(store *storage.ApprovalStore, emitter EventEmitter, logger *zap.Logger) *ApprovalQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApprovalQueue{
		pending: make(map[string]chan actionResult),
		emitter: emitter,
		store:   store,
		log:     logger,
		Timeout: 120 * time.Second,
		Poll:    500 * time.Millisecond,
	}
}

// Request blocks until the action is approved, rejected, timed out or ctx
// is done. Anything but an approval returns an error wrapping ErrRejected
// or the context error.
func (q *ApprovalQueue) Request(ctx context.Context, tool, description, metadata string) error {
	id := uuid.NewString()
	if metadata == "" {
		metadata = "{}"
	}
	if q.store != nil {
		return q.requestViaStore(ctx, id, tool, description, metadata)
	}
	return q.requestViaChannel(ctx, id, tool, description, metadata)
}

func (q *ApprovalQueue) requestViaStore(ctx context.Context, id, tool, description, metadata string) error {
	err := q.store.CreateApproval(ctx, &storage.Approval{
		ID: id, Tool: tool, Description: description, Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	q.log.Info("approval requested", zap.String("id", id), zap.String("tool", tool))

	// The row is gone once this returns, whatever the outcome.
	defer q.store.DeleteApproval(context.WithoutCancel(ctx), id)

	deadline := time.NewTimer(q.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(q.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			status, err := q.store.ApprovalStatus(ctx, id)
			if err != nil {
				continue
			}
			switch status {
			case "approved":
				return nil
			case "rejected":
				return fmt.Errorf("%w by user: %s", ErrRejected, tool)
			}
		case <-deadline.C:
			return fmt.Errorf("%w: timed out after %s: %s", ErrRejected, q.Timeout, tool)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *ApprovalQueue) requestViaChannel(ctx context.Context, id, tool, description, metadata string) error {
	ch := make(chan actionResult, 1)

	q.mu.Lock()
	q.pending[id] = ch
	q.mu.Unlock()
	defer q.cleanup(id)

	if q.emitter != nil {
		q.emitter.Emit(ctx, "mcp:approval-required", PendingAction{
			ID:          id,
			Tool:        tool,
			Description: description,
			CreatedAt:   time.Now().UTC().Format(time.RFC3339),
			Metadata:    metadata,
		})
	}

	select {
	case result := <-ch:
		if !result.approved {
			return fmt.Errorf("%w by user: %s", ErrRejected, tool)
		}
		return nil
	case <-time.After(q.Timeout):
		if q.emitter != nil {
			q.emitter.Emit(ctx, "mcp:approval-dismissed", map[string]string{"id": id})
		}
		return fmt.Errorf("%w: timed out after %s: %s", ErrRejected, q.Timeout, tool)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending lists in-process requests awaiting a decision.
func (q *ApprovalQueue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.pending))
	for id := range q.pending {
		ids = append(ids, id)
	}
	return ids
}

// Approve resolves an in-process request.
func (q *ApprovalQueue) Approve(actionID string) { q.resolve(actionID, true) }

// Reject resolves an in-process request.
func (q *ApprovalQueue) Reject(actionID string) { q.resolve(actionID, false) }

func (q *ApprovalQueue) resolve(actionID string, approved bool) {
	q.mu.Lock()
	ch, ok := q.pending[actionID]
	q.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- actionResult{approved: approved}:
	default:
	}
}

func (q *ApprovalQueue) cleanup(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}
