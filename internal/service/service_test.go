package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitrelay/internal/service"
)

// ─────────────────────────────────────────────────────────────
// RunningJobsGuard tests
// ─────────────────────────────────────────────────────────────

func TestRunningGuard_TryLock(t *testing.T) {
	var g service.ExportedRunningGuard

	require.True(t, g.TryLock("job-1"))
	assert.False(t, g.TryLock("job-1"), "same key twice")
	require.True(t, g.TryLock("job-2"))
	assert.Equal(t, []string{"job-1", "job-2"}, g.Running())

	g.Unlock("job-1")
	g.Unlock("job-2")

	require.True(t, g.TryLock("job-1"))
	g.Unlock("job-1")
	assert.Empty(t, g.Running())
}

func TestRunningGuard_WaitAll(t *testing.T) {
	var g service.ExportedRunningGuard
	require.True(t, g.TryLock("job-a"))

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		g.WaitAll(ctx)
		close(done)
	}()

	go func() {
		time.Sleep(20 * time.Millisecond)
		g.Unlock("job-a")
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitAll timed out")
	}
}

// ─────────────────────────────────────────────────────────────
// MockEmitter tests
// ─────────────────────────────────────────────────────────────

func TestMockEmitter_RecordsEvents(t *testing.T) {
	m := &service.MockEmitter{}
	ctx := context.Background()

	m.Emit(ctx, "test:event", map[string]string{"foo": "bar"})
	m.Emit(ctx, "test:event2", nil)

	assert.Equal(t, []string{"test:event", "test:event2"}, m.Names())
	assert.Equal(t, map[string]string{"foo": "bar"}, m.Events[0].Data)
}

// ─────────────────────────────────────────────────────────────
// Health tests
// ─────────────────────────────────────────────────────────────

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestHealth_CountsAndOrdersEvents(t *testing.T) {
	c := &clock{t: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)}
	h := service.NewHealth(c.now)

	h.RecordSent("3412", "v1", `{"reference":"3412"}`)
	h.RecordError("351", "routing down")
	h.RecordCallback("3412", "5 Entregue")
	c.t = c.t.Add(90 * time.Second)

	snap := h.Snapshot()
	assert.Equal(t, 1, snap.TotalSent)
	assert.Equal(t, 1, snap.SentToday)
	assert.Equal(t, 1, snap.Errors)
	assert.Equal(t, 1, snap.Callbacks)
	assert.Equal(t, "1m30s", snap.Uptime)
	require.Len(t, snap.Recent, 3)
	assert.Equal(t, "callback", snap.Recent[0].Kind)
	assert.Equal(t, "sent", snap.Recent[2].Kind)
	assert.Equal(t, `{"reference":"3412"}`, snap.Recent[2].PayloadPreview)
}

func TestHealth_KeepsLastEventsAndTruncatesPreview(t *testing.T) {
	h := service.NewHealth(nil)
	for i := 0; i < service.RecentEventLimit+5; i++ {
		h.RecordSent("ref", "", strings.Repeat("é", 300))
	}
	snap := h.Snapshot()
	assert.Equal(t, service.RecentEventLimit+5, snap.TotalSent)
	require.Len(t, snap.Recent, service.RecentEventLimit)
	assert.Equal(t, 200, len([]rune(snap.Recent[0].PayloadPreview)))
}

func TestHealth_SentTodayResetsAtLocalMidnight(t *testing.T) {
	// 02:30 UTC is still the previous day at UTC-3.
	c := &clock{t: time.Date(2024, 5, 11, 2, 30, 0, 0, time.UTC)}
	h := service.NewHealth(c.now)
	h.RecordSent("a", "", "")

	c.t = time.Date(2024, 5, 11, 3, 30, 0, 0, time.UTC)
	assert.Equal(t, 0, h.Snapshot().SentToday)

	h.RecordSent("b", "", "")
	snap := h.Snapshot()
	assert.Equal(t, 1, snap.SentToday)
	assert.Equal(t, 2, snap.TotalSent)
}
