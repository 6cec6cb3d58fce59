package webhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitrelay/internal/service"
	"visitrelay/internal/status"
	"visitrelay/internal/webhook"
)

type fakeCallbacks struct {
	bodies []string
	remote string
	err    error
}

func (f *fakeCallbacks) HandleCallbacks(ctx context.Context, body []byte, remoteAddr string) (*service.CallbackResult, error) {
	f.bodies = append(f.bodies, string(body))
	f.remote = remoteAddr
	if f.err != nil {
		return &service.CallbackResult{Received: 1}, f.err
	}
	return &service.CallbackResult{Received: 1, Stored: 1}, nil
}

func newContext(method, path, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

// ─── Callback ────────────────────────────────────────────────

func TestHandleCallback_Stores(t *testing.T) {
	cb := &fakeCallbacks{}
	srv := webhook.New(cb, webhook.HealthReporter{}, nil)

	c, rec := newContext(http.MethodPost, "/webhook", `{"reference":"3412","status":"completed"}`)
	require.NoError(t, srv.HandleCallback(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	var result service.CallbackResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Stored)
	require.Len(t, cb.bodies, 1)
	assert.Contains(t, cb.bodies[0], "3412")
}

func TestHandleCallback_BadBody(t *testing.T) {
	cb := &fakeCallbacks{err: fmt.Errorf("%w: unexpected EOF", status.ErrBadBody)}
	srv := webhook.New(cb, webhook.HealthReporter{}, nil)

	c, rec := newContext(http.MethodPost, "/webhook", `{`)
	require.NoError(t, srv.HandleCallback(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCallback_StoreFailure(t *testing.T) {
	cb := &fakeCallbacks{err: errors.New("insert: database is locked")}
	srv := webhook.New(cb, webhook.HealthReporter{}, nil)

	c, rec := newContext(http.MethodPost, "/webhook", `{"status":"done"}`)
	require.NoError(t, srv.HandleCallback(c))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "database is locked")
}

func TestHandleCallback_TooLarge(t *testing.T) {
	cb := &fakeCallbacks{}
	srv := webhook.New(cb, webhook.HealthReporter{}, nil)

	c, rec := newContext(http.MethodPost, "/webhook", strings.Repeat("x", webhook.MaxBodyBytes+1))
	require.NoError(t, srv.HandleCallback(c))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, cb.bodies)
}

// ─── Routes ──────────────────────────────────────────────────

func TestRoutes_RootAcceptsCallbacks(t *testing.T) {
	cb := &fakeCallbacks{}
	srv := webhook.New(cb, webhook.HealthReporter{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`[{"status":"done"}]`))
	req.Header.Set("X-Real-IP", "10.1.1.1")
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10.1.1.1", cb.remote)
}

func TestRoutes_GetWebhookNotAllowed(t *testing.T) {
	srv := webhook.New(&fakeCallbacks{}, webhook.HealthReporter{}, nil)

	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// ─── Health ──────────────────────────────────────────────────

func TestHandleHealth(t *testing.T) {
	health := service.NewHealth(nil)
	health.RecordSent("3412", "v1", `{"reference":"3412"}`)
	health.RecordCallback("3412", "5 Entregue")

	srv := webhook.New(&fakeCallbacks{}, webhook.HealthReporter{
		Health:  health,
		Running: func() []string { return []string{"visitas"} },
	}, nil)

	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap service.HealthSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.TotalSent)
	assert.Equal(t, 1, snap.Callbacks)
	assert.Equal(t, []string{"visitas"}, snap.Running)
	require.Len(t, snap.Recent, 2)
	assert.Equal(t, "callback", snap.Recent[0].Kind)
}
