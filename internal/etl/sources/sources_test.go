package sources_test

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"visitrelay/internal/etl"
	"visitrelay/internal/etl/sources"
)

// ─── Grouping ────────────────────────────────────────────────

func TestGroupRows_GroupsByKeyInFirstAppearanceOrder(t *testing.T) {
	rows := []map[string]any{
		{"ID_ATENDIMENTO": 10.0, "PRODUTO": "Gaze"},
		{"ID_ATENDIMENTO": 20.0, "PRODUTO": "Soro"},
		{"ID_ATENDIMENTO": 10.0, "PRODUTO": "Luva"},
		{"PRODUTO": "Avulso"},
	}

	records := sources.GroupRows(rows, "", "VW_ENTREGAS")
	require.Len(t, records, 3)

	first := records[0]
	assert.Equal(t, "Gaze", first.Data["PRODUTO"])
	assert.Equal(t, "VW_ENTREGAS", first.Data[sources.SourceViewKey])
	items := first.Children()
	require.Len(t, items, 2)
	assert.Equal(t, "Gaze", items[0]["PRODUTO"])
	assert.Equal(t, "Luva", items[1]["PRODUTO"])
	assert.Equal(t, "VW_ENTREGAS", items[1][sources.SourceViewKey])

	assert.Equal(t, "Soro", records[1].Data["PRODUTO"])
	assert.Len(t, records[2].Children(), 1)

	// Input rows are left untouched.
	_, stamped := rows[0][sources.SourceViewKey]
	assert.False(t, stamped)
}

func TestGroupRows_FallsBackToOtherKeys(t *testing.T) {
	rows := []map[string]any{
		{"id_protocolo": "34", "produto": "A"},
		{"id_protocolo": "34", "produto": "B"},
		{"ID_ATENDIMENTO": "", "ID_PROTOCOLO": "35", "produto": "C"},
	}

	records := sources.GroupRows(rows, "", "")
	require.Len(t, records, 2)
	assert.Len(t, records[0].Children(), 2)
	assert.Len(t, records[1].Children(), 1)
	_, stamped := records[0].Data[sources.SourceViewKey]
	assert.False(t, stamped)
}

func TestGroupRows_CustomGroupField(t *testing.T) {
	rows := []map[string]any{
		{"PACIENTE": "Ana", "ID_ATENDIMENTO": 1.0},
		{"PACIENTE": "Ana", "ID_ATENDIMENTO": 2.0},
	}
	records := sources.GroupRows(rows, "PACIENTE", "")
	require.Len(t, records, 1)
	assert.Len(t, records[0].Children(), 2)
}

// ─── Database ────────────────────────────────────────────────

func seedSQLite(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE VW_ENTREGAS (
		ID_ATENDIMENTO INTEGER, NOME_PACIENTE TEXT, PRODUTO TEXT, DT_ENVIOROTEIRIZADOR TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO VW_ENTREGAS VALUES
		(1, 'Maria', 'Gaze', NULL),
		(1, 'Maria', 'Luva', NULL),
		(2, 'Joao', 'Soro', '2024-01-01'),
		(3, 'Ana', 'Seringa', NULL)`)
	require.NoError(t, err)
	return path
}

func TestDatabaseSource_ReadsPagesAndGroups(t *testing.T) {
	path := seedSQLite(t)
	src, err := etl.GetSource("database")
	require.NoError(t, err)

	cfg := etl.SourceConfig{
		"driver":      "sqlite",
		"host":        path,
		"views":       "VW_ENTREGAS",
		"where":       "DT_ENVIOROTEIRIZADOR IS NULL",
		"fetch_limit": 1,
	}
	records, err := etl.Drain(src.Read(context.Background(), cfg))
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "Maria", records[0].Data["NOME_PACIENTE"])
	assert.Equal(t, 1.0, records[0].Data["ID_ATENDIMENTO"])
	assert.Len(t, records[0].Children(), 2)
	assert.Equal(t, "VW_ENTREGAS", records[0].Data[sources.SourceViewKey])
	assert.Equal(t, "Ana", records[1].Data["NOME_PACIENTE"])
}

func TestDatabaseSource_Discover(t *testing.T) {
	path := seedSQLite(t)
	src, err := etl.GetSource("database")
	require.NoError(t, err)

	schema, err := src.Discover(context.Background(), etl.SourceConfig{
		"driver": "sqlite", "host": path, "view": "VW_ENTREGAS",
	})
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"ID_ATENDIMENTO", "NOME_PACIENTE", "PRODUTO", "DT_ENVIOROTEIRIZADOR", "items"},
		schema.FieldNames())
}

func TestDatabaseSource_RequiresViews(t *testing.T) {
	src, err := etl.GetSource("database")
	require.NoError(t, err)
	_, err = etl.Drain(src.Read(context.Background(), etl.SourceConfig{"driver": "sqlite", "host": "x.db"}))
	assert.ErrorContains(t, err, "views is required")
}

func TestViewQuery_PicksWherePerView(t *testing.T) {
	cfg := etl.SourceConfig{
		"schema":           "TASY",
		"delivery_view":    "VW_ENTREGAS",
		"where":            "1 = 1",
		"where_deliveries": "DT_ENVIOROTEIRIZADOR IS NULL",
	}

	q, err := sources.ViewQuery(cfg, "VW_ENTREGAS")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM TASY.VW_ENTREGAS WHERE DT_ENVIOROTEIRIZADOR IS NULL", q)

	q, err = sources.ViewQuery(cfg, "VW_VISITAS")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM TASY.VW_VISITAS WHERE 1 = 1", q)

	_, err = sources.ViewQuery(cfg, "VW; DROP TABLE X")
	assert.Error(t, err)
}

// ─── Files ───────────────────────────────────────────────────

func TestCSVFileSource_GroupsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entregas.csv")
	content := "ID_ATENDIMENTO;PRODUTO;QTD;CEP\n7;Gaze;2;01310100\n7;Luva;1;01310100\n8;Soro;3;04001000\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	src, err := etl.GetSource("csv_file")
	require.NoError(t, err)
	records, err := etl.Drain(src.Read(context.Background(), etl.SourceConfig{
		"filePath": path, "delimiter": ";", "view": "VW_ENTREGAS",
	}))
	require.NoError(t, err)
	require.Len(t, records, 2)

	items := records[0].Children()
	require.Len(t, items, 2)
	assert.Equal(t, 2.0, items[0]["QTD"])
	assert.Equal(t, "01310100", items[0]["CEP"])
	assert.Equal(t, "VW_ENTREGAS", items[1][sources.SourceViewKey])
}

func TestJSONFileSource_KeepsNestedItems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "visits.json")
	content := `{"data": {"visits": [
		{"id_protocolo": "34", "nome": "Maria", "items": [{"produto": "Gaze"}, {"produto": "Luva"}]},
		{"id_protocolo": "35", "nome": "Ana"}
	]}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	src, err := etl.GetSource("json_file")
	require.NoError(t, err)
	records, err := etl.Drain(src.Read(context.Background(), etl.SourceConfig{
		"filePath": path, "dataPath": "data.visits", "view": "VW_VISITAS",
	}))
	require.NoError(t, err)
	require.Len(t, records, 2)
	items := records[0].Children()
	require.Len(t, items, 2)
	assert.Equal(t, "Luva", items[1]["produto"])
	assert.Equal(t, "VW_VISITAS", items[1][sources.SourceViewKey])
	assert.Equal(t, "VW_VISITAS", records[1].Data[sources.SourceViewKey])
}

func TestJSONFileSource_BadDataPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "visits.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"data": []}`), 0o644))

	src, err := etl.GetSource("json_file")
	require.NoError(t, err)
	_, err = etl.Drain(src.Read(context.Background(), etl.SourceConfig{"filePath": path, "dataPath": "missing"}))
	assert.ErrorContains(t, err, "invalid data path")
}

// ─── HTTP ────────────────────────────────────────────────────

func TestHTTPSource_FetchesRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"reference": "1", "items": [{"produto": "Gaze"}]}]`))
	}))
	defer srv.Close()

	src, err := etl.GetSource("http")
	require.NoError(t, err)
	records, err := etl.Drain(src.Read(context.Background(), etl.SourceConfig{
		"url": srv.URL, "headers": `{"Authorization": "Bearer abc"}`,
	}))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Len(t, records[0].Children(), 1)
}

func TestHTTPSource_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	src, err := etl.GetSource("http")
	require.NoError(t, err)
	_, err = etl.Drain(src.Read(context.Background(), etl.SourceConfig{"url": srv.URL}))
	assert.ErrorContains(t, err, "http 502")
}

// ─── Registry ────────────────────────────────────────────────

func TestListSources_IncludesEverySource(t *testing.T) {
	var types []string
	for _, spec := range etl.ListSources() {
		types = append(types, spec.Type)
	}
	for _, want := range []string{"csv_file", "database", "http", "json_file", "mongo"} {
		assert.Contains(t, types, want)
	}
}
