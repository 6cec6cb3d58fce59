package service

import (
	"sync"
	"time"
	"unicode/utf8"

	"visitrelay/internal/status"
)

// ── Health ─────────────────────────────────────────────────
// In-memory counters behind GET /health. They reset with the process.

// RecentEventLimit is how many events Health keeps.
const RecentEventLimit = 20

const previewLimit = 200

// HealthEvent is one entry of the recent activity list.
type HealthEvent struct {
	Time           time.Time `json:"time"`
	Kind           string    `json:"kind"` // "sent" | "error" | "callback"
	Reference      string    `json:"reference,omitempty"`
	VisitID        string    `json:"visitId,omitempty"`
	Message        string    `json:"message,omitempty"`
	PayloadPreview string    `json:"payloadPreview,omitempty"`
}

// HealthSnapshot is the state reported by the health endpoint.
type HealthSnapshot struct {
	StartedAt time.Time     `json:"startedAt"`
	Uptime    string        `json:"uptime"`
	TotalSent int           `json:"totalSent"`
	SentToday int           `json:"sentToday"`
	Errors    int           `json:"errors"`
	Callbacks int           `json:"callbacks"`
	Running   []string      `json:"running,omitempty"`
	Recent    []HealthEvent `json:"recent"`
}

// Health tracks deliveries, failures and callbacks. Safe for concurrent use.
type Health struct {
	mu        sync.Mutex
	now       func() time.Time
	startedAt time.Time
	totalSent int
	today     string
	sentToday int
	errors    int
	callbacks int
	recent    []HealthEvent
}

// NewHealth starts the uptime clock.
func NewHealth(now func() time.Time) *Health {
	if now == nil {
		now = time.Now
	}
	return &Health{now: now, startedAt: now()}
}

// RecordSent counts one delivered visit.
func (h *Health) RecordSent(reference, visitID, payload string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	if day := now.In(status.Local).Format("2006-01-02"); day != h.today {
		h.today = day
		h.sentToday = 0
	}
	h.totalSent++
	h.sentToday++
	h.pushLocked(HealthEvent{Time: now, Kind: "sent", Reference: reference, VisitID: visitID, PayloadPreview: preview(payload)})
}

// RecordError counts one failed run or callback.
func (h *Health) RecordError(reference, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors++
	h.pushLocked(HealthEvent{Time: h.now(), Kind: "error", Reference: reference, Message: message})
}

// RecordCallback counts one received status callback.
func (h *Health) RecordCallback(reference, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks++
	h.pushLocked(HealthEvent{Time: h.now(), Kind: "callback", Reference: reference, Message: message})
}

func (h *Health) pushLocked(ev HealthEvent) {
	h.recent = append(h.recent, ev)
	if over := len(h.recent) - RecentEventLimit; over > 0 {
		h.recent = append(h.recent[:0:0], h.recent[over:]...)
	}
}

// Snapshot returns the counters with the newest events first.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	sentToday := h.sentToday
	if now.In(status.Local).Format("2006-01-02") != h.today {
		sentToday = 0
	}
	recent := make([]HealthEvent, len(h.recent))
	for i, ev := range h.recent {
		recent[len(h.recent)-1-i] = ev
	}
	return HealthSnapshot{
		StartedAt: h.startedAt,
		Uptime:    now.Sub(h.startedAt).Truncate(time.Second).String(),
		TotalSent: h.totalSent,
		SentToday: sentToday,
		Errors:    h.errors,
		Callbacks: h.callbacks,
		Recent:    recent,
	}
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewLimit {
		return s
	}
	r := []rune(s)
	return string(r[:previewLimit])
}
