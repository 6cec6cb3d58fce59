package etl_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitrelay/internal/etl"
	"visitrelay/internal/routing"
	"visitrelay/internal/visit"
)

// ─────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────

// memorySource serves the records under cfg["records"].
type memorySource struct{}

func (memorySource) Spec() etl.SourceSpec { return etl.SourceSpec{Type: "memory"} }

func (memorySource) Discover(ctx context.Context, cfg etl.SourceConfig) (*etl.Schema, error) {
	return &etl.Schema{Fields: []etl.Field{{Name: "NOME_PACIENTE", Type: "text"}}}, nil
}

func (memorySource) Read(ctx context.Context, cfg etl.SourceConfig) (<-chan etl.Record, <-chan error) {
	out := make(chan etl.Record)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		if msg, ok := cfg["fail"].(string); ok {
			errCh <- errors.New(msg)
			return
		}
		recs, _ := cfg["records"].([]map[string]any)
		for _, r := range recs {
			select {
			case out <- etl.Record{Data: r}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()
	return out, errCh
}

func init() { etl.RegisterSource(memorySource{}) }

type recordingDest struct {
	mu      sync.Mutex
	batches [][]*visit.Payload
	failAt  int // 1-based batch that fails; 0 never
}

func (d *recordingDest) Name() string { return "recording" }

func (d *recordingDest) Write(ctx context.Context, payloads []*visit.Payload) ([]etl.Delivered, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, payloads)
	if d.failAt == len(d.batches) {
		return nil, errors.New("routing down")
	}
	out := make([]etl.Delivered, len(payloads))
	for i, p := range payloads {
		out[i] = etl.Delivered{Reference: p.Reference(), VisitID: "v-" + p.Reference()}
	}
	return out, nil
}

type memoryLedger struct {
	sent map[string]string // reference → hash
}

func (l *memoryLedger) AlreadySent(ctx context.Context, reference, hash string) (bool, error) {
	return l.sent[reference] == hash, nil
}

func (l *memoryLedger) RecordSent(ctx context.Context, jobID string, s etl.SentVisit) error {
	if l.sent == nil {
		l.sent = map[string]string{}
	}
	l.sent[s.Reference] = s.Hash
	return nil
}

type recordingMarker struct {
	sent []etl.SentVisit
	err  error
}

func (m *recordingMarker) MarkSent(ctx context.Context, job *etl.SyncJob, sent []etl.SentVisit) error {
	m.sent = append(m.sent, sent...)
	return m.err
}

func visitRow(protocol, prescription int, name string) map[string]any {
	return map[string]any{
		"ID_ATENDIMENTO": protocol*100 + prescription,
		"NOME_PACIENTE":  name,
		"ENDERECO":       "Rua A, 10",
		"ID_PROTOCOLO":   protocol,
		"ID_PRESCRICAO":  prescription,
		"DT_ENTREGA":     "2024-05-10",
		"_source_view":   "VW_ENTREGAS_PENDENTES",
		"items": []any{
			map[string]any{"NOME_MATERIAL": "Gaze", "QTD_ITEM_SOLICITADO": 2},
		},
	}
}

func memoryJob(records ...map[string]any) *etl.SyncJob {
	return &etl.SyncJob{
		ID:         "job-1",
		Name:       "entregas",
		SourceType: "memory",
		SourceCfg:  etl.SourceConfig{"records": records},
	}
}

// ─────────────────────────────────────────────────────────────
// Engine
// ─────────────────────────────────────────────────────────────

func TestRunSync_WritesAndMarks(t *testing.T) {
	dest := &recordingDest{}
	ledger := &memoryLedger{}
	marker := &recordingMarker{}
	engine := &etl.Engine{Dest: dest, Ledger: ledger, Marker: marker, Validator: etl.MustPayloadValidator()}

	result, err := engine.RunSync(context.Background(), memoryJob(visitRow(34, 12, "Maria"), visitRow(35, 1, "Ana")))
	require.NoError(t, err)

	assert.Equal(t, "success", result.Status)
	assert.Equal(t, 2, result.RowsRead)
	assert.Equal(t, 2, result.RowsBuilt)
	assert.Equal(t, 0, result.RowsSkipped)
	assert.Equal(t, 2, result.RowsWritten)
	require.Len(t, dest.batches, 1)
	assert.Equal(t, "3412", dest.batches[0][0].Reference())
	assert.Equal(t, "351", dest.batches[0][1].Reference())

	require.Len(t, marker.sent, 2)
	assert.Equal(t, "v-3412", marker.sent[0].VisitID)
	assert.Equal(t, 34, marker.sent[0].Record.Data["ID_PROTOCOLO"])
	assert.NotEmpty(t, ledger.sent["3412"])
}

func TestRunSync_SkipsAlreadySentPayloads(t *testing.T) {
	dest := &recordingDest{}
	ledger := &memoryLedger{}
	engine := &etl.Engine{Dest: dest, Ledger: ledger}
	job := memoryJob(visitRow(34, 12, "Maria"))

	_, err := engine.RunSync(context.Background(), job)
	require.NoError(t, err)

	result, err := engine.RunSync(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RowsSkipped)
	assert.Equal(t, 0, result.RowsWritten)
	assert.Len(t, dest.batches, 1)

	// A changed payload for the same reference goes out again.
	changed := visitRow(34, 12, "Maria")
	changed["ENDERECO"] = "Rua B, 20"
	result, err = engine.RunSync(context.Background(), memoryJob(changed))
	require.NoError(t, err)
	assert.Equal(t, 1, result.RowsWritten)
}

func TestRunSync_InvalidPayloadsAreSkipped(t *testing.T) {
	noDate := visitRow(36, 2, "Jose")
	delete(noDate, "DT_ENTREGA")
	dest := &recordingDest{}
	engine := &etl.Engine{Dest: dest, Validator: etl.MustPayloadValidator()}

	result, err := engine.RunSync(context.Background(), memoryJob(visitRow(34, 12, "Maria"), noDate))
	require.NoError(t, err)
	assert.Equal(t, 2, result.RowsBuilt)
	assert.Equal(t, 1, result.RowsSkipped)
	assert.Equal(t, 1, result.RowsWritten)
}

func TestRunSync_NonFiniteNumbersDoNotBlockBatch(t *testing.T) {
	bad := visitRow(35, 1, "Jose")
	bad["LOAD"] = "NaN"
	bad["items"] = []any{map[string]any{"NOME_MATERIAL": "Gaze", "QTD_ITEM_SOLICITADO": 2, "LOAD": "+Inf"}}
	dest := &recordingDest{}
	engine := &etl.Engine{Dest: dest}

	result, err := engine.RunSync(context.Background(), memoryJob(visitRow(34, 12, "Maria"), bad))
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, 2, result.RowsBuilt)
	assert.Equal(t, 2, result.RowsWritten)

	require.Len(t, dest.batches, 1)
	load, _ := dest.batches[0][1].Get("load")
	assert.Nil(t, load)
}

func TestRunSync_BatchesAndStopsOnWriteError(t *testing.T) {
	dest := &recordingDest{failAt: 2}
	marker := &recordingMarker{}
	engine := &etl.Engine{Dest: dest, Marker: marker, BatchSize: 2}

	result, err := engine.RunSync(context.Background(), memoryJob(
		visitRow(1, 1, "A"), visitRow(2, 1, "B"), visitRow(3, 1, "C"), visitRow(4, 1, "D"), visitRow(5, 1, "E"),
	))
	require.Error(t, err)
	assert.Equal(t, "error", result.Status)
	assert.Contains(t, result.Error, "routing down")
	assert.Equal(t, 2, result.RowsWritten)
	assert.Len(t, dest.batches, 2)
	assert.Len(t, marker.sent, 2)
}

func TestRunSync_MarkFailureDoesNotFailRun(t *testing.T) {
	engine := &etl.Engine{Dest: &recordingDest{}, Marker: &recordingMarker{err: errors.New("locked")}}
	result, err := engine.RunSync(context.Background(), memoryJob(visitRow(34, 12, "Maria")))
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
}

func TestRunSync_ReadError(t *testing.T) {
	engine := &etl.Engine{Dest: &recordingDest{}}
	job := memoryJob()
	job.SourceCfg["fail"] = "view missing"

	result, err := engine.RunSync(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, "read: view missing", result.Error)
}

func TestRunSync_UnknownSource(t *testing.T) {
	engine := &etl.Engine{Dest: &recordingDest{}}
	_, err := engine.RunSync(context.Background(), &etl.SyncJob{SourceType: "nope"})
	assert.ErrorIs(t, err, etl.ErrUnknownSource)
}

func TestRunSync_TransformsApply(t *testing.T) {
	dest := &recordingDest{}
	engine := &etl.Engine{Dest: dest}
	job := memoryJob(visitRow(34, 12, "Maria"), visitRow(35, 1, "Ana"), visitRow(34, 12, "Maria"))
	job.Transforms = []etl.TransformConfig{
		{Type: "sort", Config: map[string]any{"field": "patient_name"}},
	}
	job.DedupeKey = "ID_ATENDIMENTO"

	result, err := engine.RunSync(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 3, result.RowsRead)
	assert.Equal(t, 2, result.RowsWritten)
	assert.Equal(t, "Ana", dest.batches[0][0].String("title"))
}

func TestPreview_StopsAtMaxRows(t *testing.T) {
	engine := &etl.Engine{}
	records, schema, err := engine.Preview(context.Background(), "memory", etl.SourceConfig{
		"records": []map[string]any{visitRow(1, 1, "A"), visitRow(2, 1, "B"), visitRow(3, 1, "C")},
	}, 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, []string{"NOME_PACIENTE"}, schema.FieldNames())

	payloads := engine.BuildPreview(records)
	require.Len(t, payloads, 2)
	assert.Equal(t, "11", payloads[0].Reference())
}

func TestPayloadHash_StableAndSensitive(t *testing.T) {
	a, err := etl.PayloadHash(visit.Build(visitRow(34, 12, "Maria")))
	require.NoError(t, err)
	b, err := etl.PayloadHash(visit.Build(visitRow(34, 12, "Maria")))
	require.NoError(t, err)
	c, err := etl.PayloadHash(visit.Build(visitRow(34, 12, "Marta")))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

// ─────────────────────────────────────────────────────────────
// Transforms
// ─────────────────────────────────────────────────────────────

func TestBuildTransformers_Filter(t *testing.T) {
	ts := etl.BuildTransformers([]etl.TransformConfig{
		{Type: "filter", Config: map[string]any{"field": "patient_name", "op": "in", "value": "maria, ana"}},
	}, "")
	require.Len(t, ts, 1)

	_, keep := etl.ApplyTransformers(etl.Record{Data: map[string]any{"NOME_PACIENTE": "Maria"}}, ts)
	assert.True(t, keep)
	_, keep = etl.ApplyTransformers(etl.Record{Data: map[string]any{"NOME_PACIENTE": "Jose"}}, ts)
	assert.False(t, keep)
}

func TestFilterTransform_Ops(t *testing.T) {
	rec := etl.Record{Data: map[string]any{"QTD": 3.0, "STATUS": "Pendente", "VAZIO": ""}}
	cases := []struct {
		op    string
		field string
		value any
		keep  bool
	}{
		{"eq", "STATUS", "pendente", true},
		{"neq", "STATUS", "pendente", false},
		{"contains", "STATUS", "END", true},
		{"gt", "QTD", 2, true},
		{"lt", "QTD", 2, false},
		{"empty", "VAZIO", nil, true},
		{"not_empty", "VAZIO", nil, false},
		{"eq", "MISSING", "x", false},
	}
	for _, tc := range cases {
		f := &etl.FilterTransform{Field: tc.field, Op: tc.op, Value: tc.value}
		_, keep := f.Transform(rec)
		assert.Equal(t, tc.keep, keep, "%s %s", tc.op, tc.field)
	}
}

func TestUpperKeysTransform(t *testing.T) {
	rec := etl.Record{Data: map[string]any{
		"nome_paciente": "Maria",
		"ITEMS":         []any{map[string]any{"produto": "Gaze"}},
	}}
	out, keep := etl.UpperKeysTransform{}.Transform(rec)
	require.True(t, keep)
	assert.Equal(t, "Maria", out.Data["NOME_PACIENTE"])
	rows := out.Children()
	require.Len(t, rows, 1)
	assert.Equal(t, "Gaze", rows[0]["PRODUTO"])
}

func TestSelectAndRename(t *testing.T) {
	ts := etl.BuildTransformers([]etl.TransformConfig{
		{Type: "rename", Config: map[string]any{"mapping": map[string]any{"PACIENTE": "NOME_PACIENTE"}}},
		{Type: "select", Config: map[string]any{"fields": []any{"NOME_PACIENTE"}}},
	}, "")
	out, keep := etl.ApplyTransformers(etl.Record{Data: map[string]any{
		"PACIENTE": "Maria", "LIXO": 1, "items": []any{},
	}}, ts)
	require.True(t, keep)
	assert.Equal(t, map[string]any{"NOME_PACIENTE": "Maria", "items": []any{}}, out.Data)
}

func TestLimitTransform(t *testing.T) {
	ts := etl.BuildTransformers([]etl.TransformConfig{{Type: "limit", Config: map[string]any{"count": 2.0}}}, "")
	kept := 0
	for i := 0; i < 5; i++ {
		if _, keep := etl.ApplyTransformers(etl.Record{Data: map[string]any{}}, ts); keep {
			kept++
		}
	}
	assert.Equal(t, 2, kept)
}

func TestRecordClone_DoesNotShareChildRows(t *testing.T) {
	row := map[string]any{"PRODUTO": "Gaze"}
	rec := etl.Record{Data: map[string]any{"items": []any{row}}}
	clone := rec.Clone()
	clone.Children()[0]["PRODUTO"] = "Luva"
	assert.Equal(t, "Gaze", row["PRODUTO"])
}

// ─────────────────────────────────────────────────────────────
// Validation and destinations
// ─────────────────────────────────────────────────────────────

func TestPayloadValidator(t *testing.T) {
	v, err := etl.NewPayloadValidator()
	require.NoError(t, err)

	assert.NoError(t, v.Validate(visit.Build(visitRow(34, 12, "Maria"))))

	noAddress := visitRow(34, 12, "Maria")
	delete(noAddress, "ENDERECO")
	err = v.Validate(visit.Build(noAddress))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"3412"`)
}

func TestFileDestination_WritesOneFilePerVisit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	dest := &etl.FileDestination{Dir: dir}

	delivered, err := dest.Write(context.Background(), []*visit.Payload{
		visit.Build(visitRow(34, 12, "Maria & Filhos")),
	})
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	assert.Equal(t, filepath.Join(dir, "payload_3412.json"), delivered[0].Location)

	data, err := os.ReadFile(delivered[0].Location)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Maria & Filhos")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "3412", decoded["reference"])
}

type fakeCreator struct {
	visits []routing.Visit
	err    error
}

func (f *fakeCreator) CreateVisits(ctx context.Context, payloads []*visit.Payload) ([]routing.Visit, error) {
	return f.visits, f.err
}

func TestRoutingDestination_MapsVisitIDs(t *testing.T) {
	dest := &etl.RoutingDestination{Client: &fakeCreator{visits: []routing.Visit{{ID: "991"}}}}
	delivered, err := dest.Write(context.Background(), []*visit.Payload{visit.Build(visitRow(34, 12, "Maria"))})
	require.NoError(t, err)
	assert.Equal(t, []etl.Delivered{{Reference: "3412", VisitID: "991"}}, delivered)
}
