package service_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"visitrelay/internal/domain"
	"visitrelay/internal/etl"
	"visitrelay/internal/routing"
	"visitrelay/internal/secret"
	"visitrelay/internal/service"
	"visitrelay/internal/storage"
	"visitrelay/internal/visit"
)

// ─────────────────────────────────────────────────────────────
// Fixtures
// ─────────────────────────────────────────────────────────────

type fakeRouting struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeRouting) CreateVisits(ctx context.Context, payloads []*visit.Payload) ([]routing.Visit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]routing.Visit, len(payloads))
	for i, p := range payloads {
		out[i] = routing.Visit{ID: "rv-" + p.Reference(), Reference: p.Reference()}
	}
	return out, nil
}

// seedSource creates a source database with one view and the status table.
func seedSource(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hospital.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	for _, stmt := range []string{
		`CREATE TABLE VW_ENTREGAS_PENDENTES (
			ID_ATENDIMENTO INTEGER, NOME_PACIENTE TEXT, ENDERECO TEXT,
			ID_PROTOCOLO INTEGER, ID_PRESCRICAO INTEGER, DT_ENTREGA TEXT,
			NOME_MATERIAL TEXT, QTD_ITEM_SOLICITADO INTEGER, DT_ENVIOROTEIRIZADOR TEXT)`,
		`INSERT INTO VW_ENTREGAS_PENDENTES VALUES
			(3412, 'Maria', 'Rua A, 10', 34, 12, '2024-05-10', 'Gaze', 2, NULL),
			(3412, 'Maria', 'Rua A, 10', 34, 12, '2024-05-10', 'Luva', 1, NULL),
			(351, 'Ana', 'Rua B, 5', 35, 1, '2024-05-11', 'Soro', 1, NULL)`,
		`CREATE TABLE TD_OTIMIZE_ALTSTAT (
			IDREGISTRO INTEGER, IDREFERENCE INTEGER, DT_ENVIOROTEIRIZADOR TEXT, IDSIMPLIROUTE TEXT,
			EVENTDATE TEXT, IDADMISSION INTEGER, TPREGISTRO INTEGER, STATUS INTEGER,
			INFORMACAO TEXT, OBS TEXT)`,
		`INSERT INTO TD_OTIMIZE_ALTSTAT (IDREGISTRO, IDREFERENCE) VALUES (12, 34), (1, 35)`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return path
}

func openState(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type relayFixture struct {
	svc     *service.RelayService
	routing *fakeRouting
	emitter *service.MockEmitter
	source  string
	outDir  string
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	state := openState(t)
	f := &relayFixture{
		routing: &fakeRouting{},
		emitter: &service.MockEmitter{},
		source:  seedSource(t),
		outDir:  filepath.Join(t.TempDir(), "out"),
	}
	health := service.NewHealth(nil)
	f.svc = service.NewRelayService(service.RelayOptions{
		Store:     storage.NewRelayStore(state),
		Ledger:    storage.NewSentLedger(state),
		Marker:    &service.StatusTableMarker{Health: health},
		Health:    health,
		Routing:   f.routing,
		Validator: etl.MustPayloadValidator(),
		OutputDir: f.outDir,
		Emitter:   f.emitter,
		Logger:    zaptest.NewLogger(t),
	})
	return f
}

func (f *relayFixture) jobInput(name string) service.CreateJobInput {
	return service.CreateJobInput{
		Name:       name,
		SourceType: "database",
		SourceConfig: map[string]any{
			"driver": "sqlite",
			"host":   f.source,
			"views":  "VW_ENTREGAS_PENDENTES",
			"where":  "DT_ENVIOROTEIRIZADOR IS NULL",
		},
		Enabled: true,
	}
}

// ─────────────────────────────────────────────────────────────
// Job CRUD
// ─────────────────────────────────────────────────────────────

func TestRelayService_CreateJobDefaults(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	job, err := f.svc.CreateJob(ctx, f.jobInput("visitas"))
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "routing", job.DestType)
	assert.Equal(t, "manual", job.TriggerType)

	byName, err := f.svc.FindJob("visitas")
	require.NoError(t, err)
	assert.Equal(t, job.ID, byName.ID)

	byID, err := f.svc.FindJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "visitas", byID.Name)

	_, err = f.svc.FindJob("missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRelayService_CreateJobValidates(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*service.CreateJobInput)
		errMsg string
	}{
		{"no name", func(in *service.CreateJobInput) { in.Name = "" }, "name is required"},
		{"unknown source", func(in *service.CreateJobInput) { in.SourceType = "oracle" }, "oracle"},
		{"unknown destination", func(in *service.CreateJobInput) { in.DestType = "s3" }, "unknown destination"},
		{"bad schedule", func(in *service.CreateJobInput) {
			in.TriggerType, in.TriggerConfig = "schedule", "every minute"
		}, "schedule"},
		{"watch without path", func(in *service.CreateJobInput) { in.TriggerType = "file_watch" }, "needs a path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := f.jobInput("job")
			tt.mutate(&in)
			_, err := f.svc.CreateJob(ctx, in)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestRelayService_UpdateAndDeleteJob(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	job, err := f.svc.CreateJob(ctx, f.jobInput("visitas"))
	require.NoError(t, err)

	in := f.jobInput("visitas")
	in.TriggerType, in.TriggerConfig = "schedule", "@every 1h"
	require.NoError(t, f.svc.UpdateJob(ctx, job.ID, in))

	got, err := f.svc.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "schedule", got.TriggerType)
	assert.Equal(t, "@every 1h", got.TriggerConfig)

	require.NoError(t, f.svc.DeleteJob(ctx, job.ID))
	jobs, err := f.svc.ListJobs()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

// ─────────────────────────────────────────────────────────────
// Runs
// ─────────────────────────────────────────────────────────────

func TestRelayService_RunJobSendsMarksAndLogs(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	job, err := f.svc.CreateJob(ctx, f.jobInput("visitas"))
	require.NoError(t, err)

	result, err := f.svc.RunJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, 2, result.RowsRead)
	assert.Equal(t, 2, result.RowsWritten)

	// Source status table carries the routing visit ids.
	db, err := sql.Open("sqlite", f.source)
	require.NoError(t, err)
	defer db.Close()
	var visitID string
	var sentAt sql.NullString
	require.NoError(t, db.QueryRow(
		`SELECT IDSIMPLIROUTE, DT_ENVIOROTEIRIZADOR FROM TD_OTIMIZE_ALTSTAT WHERE IDREFERENCE = 34`,
	).Scan(&visitID, &sentAt))
	assert.Equal(t, "rv-3412", visitID)
	assert.True(t, sentAt.Valid)

	logs, err := f.svc.ListRunLogs(job.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "success", logs[0].Status)
	assert.Equal(t, 2, logs[0].RowsWritten)

	stored, err := f.svc.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "success", stored.LastStatus)

	snap := f.svc.Health().Snapshot()
	assert.Equal(t, 2, snap.TotalSent)
	assert.Contains(t, snap.Recent[0].PayloadPreview, `"reference"`)
	assert.Equal(t, []string{service.EventJobCompleted}, f.emitter.Names())
}

func TestRelayService_MissingStatusRowIsCountedAsError(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	db, err := sql.Open("sqlite", f.source)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`DELETE FROM TD_OTIMIZE_ALTSTAT WHERE IDREFERENCE = 35`)
	require.NoError(t, err)

	job, err := f.svc.CreateJob(ctx, f.jobInput("visitas"))
	require.NoError(t, err)
	result, err := f.svc.RunJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RowsWritten)

	snap := f.svc.Health().Snapshot()
	assert.Equal(t, 2, snap.TotalSent)
	assert.Equal(t, 1, snap.Errors)
	require.NotEmpty(t, snap.Recent)
	assert.Equal(t, "error", snap.Recent[0].Kind)
	assert.Equal(t, "351", snap.Recent[0].Reference)
	assert.Contains(t, snap.Recent[0].Message, "no status row")
}

func TestRelayService_SecondRunSkipsSentVisits(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	job, err := f.svc.CreateJob(ctx, f.jobInput("visitas"))
	require.NoError(t, err)
	_, err = f.svc.RunJob(ctx, job.ID)
	require.NoError(t, err)

	result, err := f.svc.RunJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RowsSkipped)
	assert.Equal(t, 0, result.RowsWritten)
	assert.Equal(t, 1, f.routing.calls)
}

func TestRelayService_RunJobRecordsFailure(t *testing.T) {
	f := newRelayFixture(t)
	f.routing.err = errors.New("routing down")
	ctx := context.Background()

	job, err := f.svc.CreateJob(ctx, f.jobInput("visitas"))
	require.NoError(t, err)

	result, err := f.svc.RunJob(ctx, job.ID)
	require.Error(t, err)
	assert.Equal(t, "error", result.Status)

	stored, err := f.svc.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "error", stored.LastStatus)
	assert.Contains(t, stored.LastError, "routing down")
	assert.Equal(t, 1, f.svc.Health().Snapshot().Errors)
	assert.Equal(t, []string{service.EventJobFailed}, f.emitter.Names())
}

func TestRelayService_RunAdhocDryRunWritesFiles(t *testing.T) {
	f := newRelayFixture(t)
	job := &etl.SyncJob{
		Name:       "dry-run",
		SourceType: "database",
		SourceCfg:  f.jobInput("x").SourceConfig,
		DestType:   "file",
	}

	result, err := f.svc.RunAdhoc(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RowsWritten)
	assert.FileExists(t, filepath.Join(f.outDir, "payload_3412.json"))
	assert.Equal(t, 0, f.routing.calls)

	// Dry runs leave the status table alone.
	db, err := sql.Open("sqlite", f.source)
	require.NoError(t, err)
	defer db.Close()
	var visitID sql.NullString
	require.NoError(t, db.QueryRow(
		`SELECT IDSIMPLIROUTE FROM TD_OTIMIZE_ALTSTAT WHERE IDREFERENCE = 34`).Scan(&visitID))
	assert.False(t, visitID.Valid)

	// Nor the ledger: a real run afterwards still sends everything.
	job.DestType = "routing"
	result, err = f.svc.RunAdhoc(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RowsWritten)
	assert.Equal(t, 0, result.RowsSkipped)
}

func TestRelayService_RunJobWithoutStore(t *testing.T) {
	svc := service.NewRelayService(service.RelayOptions{})
	_, err := svc.RunJob(context.Background(), "any")
	assert.Error(t, err)
}

func TestRelayService_PreviewSourceBuildsPayloads(t *testing.T) {
	f := newRelayFixture(t)
	preview, err := f.svc.PreviewSource(context.Background(), "database", f.jobInput("x").SourceConfig, 1)
	require.NoError(t, err)
	require.Len(t, preview.Records, 1)
	require.Len(t, preview.Payloads, 1)
	assert.Equal(t, "3412", preview.Payloads[0].Reference())
	assert.Contains(t, preview.Schema.FieldNames(), "NOME_PACIENTE")
	assert.Equal(t, 0, f.routing.calls)
}

func TestRelayService_WaitRunningAndStop(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	in := f.jobInput("watched")
	watched := filepath.Join(t.TempDir(), "visits.json")
	require.NoError(t, os.WriteFile(watched, []byte("[]"), 0o644))
	in.TriggerType, in.TriggerConfig = "file_watch", watched
	_, err := f.svc.CreateJob(ctx, in)
	require.NoError(t, err)

	f.svc.Start(ctx)
	f.svc.WaitRunning(ctx)
	f.svc.Stop()
	f.svc.Stop()
}

// ─────────────────────────────────────────────────────────────
// Connection profiles
// ─────────────────────────────────────────────────────────────

func TestProfileProvider_ResolvesStoredProfile(t *testing.T) {
	state := openState(t)
	profiles := storage.NewDBConnectionStore(state)
	require.NoError(t, profiles.CreateConnection(&domain.DatabaseConnection{
		Name: "hospital", Driver: domain.DatabaseDriverPostgres, Host: "db.local", Port: 5432, Database: "tasy",
	}))
	secrets := secret.NewMemoryStore()
	require.NoError(t, secrets.Set("hospital", []byte("s3cret")))

	p := &service.ProfileProvider{Profiles: profiles, Secrets: secrets}

	conn, password, err := p.Resolve(etl.SourceConfig{"connection": "hospital"})
	require.NoError(t, err)
	assert.Equal(t, "db.local", conn.Host)
	assert.Equal(t, "s3cret", password)

	_, _, err = p.Resolve(etl.SourceConfig{"connection": "missing"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	inline, _, err := p.Resolve(etl.SourceConfig{"driver": "sqlite", "host": "/tmp/x.db"})
	require.NoError(t, err)
	assert.Equal(t, domain.DatabaseDriverSQLite, inline.Driver)
}
