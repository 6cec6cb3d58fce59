package cli

import (
	"bytes"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─────────────────────────────────────────────────────────────
// helpers
// ─────────────────────────────────────────────────────────────

// writeConfig writes a config whose state lives in a temp dir.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	for _, k := range []string{"ROUTING_TOKEN", "ROUTING_API_BASE", "SOURCE_HOST", "RELAY_DB_PATH", "RELAY_LOG_LEVEL", "RELAY_CONFIG",
		"SOURCE_DRIVER", "SOURCE_SCHEMA", "SOURCE_VIEWS", "SOURCE_WHERE", "WEBHOOK_ADDR", "RELAY_SCHEDULE"} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "visitrelay.yaml")
	body := "storage:\n  path: " + filepath.Join(dir, "relay.db") + "\n" +
		"log:\n  level: error\n" + extra
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeExport(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "visits.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"NOME_PACIENTE": "Maria", "ENDERECO": "Rua A, 10", "DT_VISITA": "2024-05-10", "ID_ATENDIMENTO": 77}
	]`), 0o644))
	return path
}

// ─────────────────────────────────────────────────────────────
// config
// ─────────────────────────────────────────────────────────────

func TestConfigInit(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "visitrelay.yaml")

	out, err := run(t, "--config", cfgPath, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+cfgPath)
	assert.FileExists(t, cfgPath)

	_, err = run(t, "--config", cfgPath, "config", "init")
	assert.ErrorContains(t, err, "--force")

	_, err = run(t, "--config", cfgPath, "config", "init", "--force")
	assert.NoError(t, err)
}

func TestConfigShow_MasksSecrets(t *testing.T) {
	cfgPath := writeConfig(t, "routing:\n  token: s3cret\n")

	out, err := run(t, "--config", cfgPath, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, "********")
}

func TestInvalidConfig(t *testing.T) {
	cfgPath := writeConfig(t, "")
	_, err := run(t, "--config", cfgPath, "--log-level", "loud", "jobs", "list")
	assert.ErrorContains(t, err, "log.level")
}

// ─────────────────────────────────────────────────────────────
// send / preview
// ─────────────────────────────────────────────────────────────

func TestSend_DryRun(t *testing.T) {
	cfgPath := writeConfig(t, "")
	outDir := filepath.Join(t.TempDir(), "payloads")

	out, err := run(t, "--config", cfgPath, "send", "--file", writeExport(t), "--dry-run", "-o", outDir)
	require.NoError(t, err)
	assert.Contains(t, out, "status: success")
	assert.Contains(t, out, "written: 1")
	assert.Contains(t, out, filepath.Join(outDir, "payload_77.json"))
	assert.FileExists(t, filepath.Join(outDir, "payload_77.json"))
}

func TestSend_NoSource(t *testing.T) {
	cfgPath := writeConfig(t, "")
	_, err := run(t, "--config", cfgPath, "send")
	assert.ErrorContains(t, err, "no source")
}

func TestPreview(t *testing.T) {
	cfgPath := writeConfig(t, "")

	out, err := run(t, "--config", cfgPath, "preview", writeExport(t))
	require.NoError(t, err)
	assert.Contains(t, out, `"address": "Rua A, 10"`)
	assert.Contains(t, out, `"reference": "77"`)
}

// ─────────────────────────────────────────────────────────────
// jobs
// ─────────────────────────────────────────────────────────────

func TestJobsLifecycle(t *testing.T) {
	cfgPath := writeConfig(t, "")
	export := writeExport(t)
	outDir := filepath.Join(t.TempDir(), "out")

	out, err := run(t, "--config", cfgPath, "jobs", "create",
		"--name", "exports", "--source", "json_file", "--dest", "file",
		"--source-config", `{"filePath":"`+export+`","output_dir":"`+outDir+`"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "created job exports")

	out, err = run(t, "--config", cfgPath, "jobs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "exports")
	assert.Contains(t, out, "never")

	out, err = run(t, "--config", cfgPath, "jobs", "run", "exports")
	require.NoError(t, err)
	assert.Contains(t, out, "written: 1")
	assert.FileExists(t, filepath.Join(outDir, "payload_77.json"))

	out, err = run(t, "--config", cfgPath, "jobs", "logs", "exports")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "success")

	out, err = run(t, "--config", cfgPath, "jobs", "delete", "exports")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted job exports")

	_, err = run(t, "--config", cfgPath, "jobs", "run", "exports")
	assert.Error(t, err)
}

func TestJobsCreate_Validation(t *testing.T) {
	cfgPath := writeConfig(t, "")

	_, err := run(t, "--config", cfgPath, "jobs", "create", "--name", "x", "--source", "json_file",
		"--trigger", "schedule", "--trigger-config", "not a cron")
	assert.ErrorContains(t, err, "schedule")

	_, err = run(t, "--config", cfgPath, "jobs", "create", "--name", "x", "--source", "json_file",
		"--source-config", "{broken")
	assert.ErrorContains(t, err, "--source-config")

	_, err = run(t, "--config", cfgPath, "jobs", "create", "--name", "x")
	assert.ErrorContains(t, err, "source")
}

func TestJobsSources(t *testing.T) {
	cfgPath := writeConfig(t, "")
	out, err := run(t, "--config", cfgPath, "jobs", "sources")
	require.NoError(t, err)
	assert.Contains(t, out, "json_file")
	assert.Contains(t, out, "filePath")
	assert.Contains(t, out, "database")
}

// ─────────────────────────────────────────────────────────────
// approvals / diagnose
// ─────────────────────────────────────────────────────────────

func TestApprovals_Empty(t *testing.T) {
	cfgPath := writeConfig(t, "")

	out, err := run(t, "--config", cfgPath, "approvals", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no pending approvals")

	_, err = run(t, "--config", cfgPath, "approvals", "approve", "missing")
	assert.Error(t, err)
}

func TestDiagnose_NoSource(t *testing.T) {
	cfgPath := writeConfig(t, "")
	_, err := run(t, "--config", cfgPath, "diagnose", "db")
	assert.ErrorContains(t, err, "not configured")
}

func TestDiagnose_API(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	cfgPath := writeConfig(t, "routing:\n  base_url: "+srv.URL+"\n  token: abc\n  max_retries: 0\n")
	out, err := run(t, "--config", cfgPath, "diagnose", "api")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	noToken := writeConfig(t, "")
	_, err = run(t, "--config", noToken, "diagnose", "api")
	assert.ErrorContains(t, err, "token")

	_, err = run(t, "--config", noToken, "get-visit", "v1")
	assert.ErrorContains(t, err, "token")
}

// ─────────────────────────────────────────────────────────────
// profiles
// ─────────────────────────────────────────────────────────────

func TestProfiles_SendFromProfile(t *testing.T) {
	cfgPath := writeConfig(t, "")

	source := filepath.Join(t.TempDir(), "hospital.db")
	db, err := sql.Open("sqlite", source)
	require.NoError(t, err)
	for _, stmt := range []string{
		`CREATE TABLE VW_VISITAS_PENDENTES (ID_ATENDIMENTO INTEGER, NOME_PACIENTE TEXT,
			ENDERECO TEXT, DT_VISITA TEXT, DT_ENVIOROTEIRIZADOR TEXT)`,
		`INSERT INTO VW_VISITAS_PENDENTES VALUES (501, 'Joana', 'Rua C, 7', '2024-06-01', NULL),
			(502, 'Rita', 'Rua D, 9', '2024-06-01', '2024-05-30')`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	out, err := run(t, "--config", cfgPath, "profiles", "add", "local", "--driver", "sqlite", "--host", source)
	require.NoError(t, err)
	assert.Contains(t, out, "RELAY_SECRET_LOCAL")

	_, err = run(t, "--config", cfgPath, "profiles", "add", "local", "--driver", "sqlite", "--host", source)
	assert.ErrorContains(t, err, "already exists")

	out, err = run(t, "--config", cfgPath, "profiles", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "local")
	assert.Contains(t, out, "sqlite")

	outDir := filepath.Join(t.TempDir(), "payloads")
	out, err = run(t, "--config", cfgPath, "send", "--source", "local",
		"--view", "VW_VISITAS_PENDENTES", "--dry-run", "-o", outDir)
	require.NoError(t, err)
	assert.Contains(t, out, "written: 1")
	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	out, err = run(t, "--config", cfgPath, "profiles", "remove", "local")
	require.NoError(t, err)
	assert.Contains(t, out, "removed profile local")
}
