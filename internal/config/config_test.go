package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitrelay/internal/visit"
)

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.Routing, cfg.Routing)
	assert.Equal(t, "@every 60s", cfg.Relay.Schedule)
	assert.Equal(t, "TD_OTIMIZE_ALTSTAT", cfg.Status.Table)
	assert.Equal(t, "[A]", cfg.Mapping.NotesPrefix)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
source:
  host: db.hospital.local
  schema: TASY
  views: [VW_ENTREGAS_PENDENTES]
routing:
  token: abc
  timeout: 10s
mapping:
  notes_prefix: "[B]"
  durations:
    delivery: 15
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "db.hospital.local", cfg.Source.Host)
	assert.Equal(t, []string{"VW_ENTREGAS_PENDENTES"}, cfg.Source.Views)
	assert.Equal(t, 100, cfg.Source.FetchLimit, "unset keys keep defaults")
	assert.Equal(t, 10*time.Second, cfg.RoutingTimeout())
	assert.Equal(t, "[B]", cfg.Mapping.NotesPrefix)
	assert.Equal(t, 15, cfg.Mapping.Durations[visit.CategoryDelivery])
	assert.Equal(t, "TASY", cfg.StatusSchema())
	assert.True(t, cfg.HasSource())
	require.NoError(t, cfg.RequireToken())
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SOURCE_HOST", "10.0.0.9")
	t.Setenv("SOURCE_PORT", "1521")
	t.Setenv("SOURCE_VIEWS", "VW_A, VW_B,,")
	t.Setenv("SOURCE_FETCH_LIMIT", "not-a-number")
	t.Setenv("ROUTING_TOKEN", "tok")
	t.Setenv("ROUTING_API_BASE", "http://localhost:9999")
	t.Setenv("WEBHOOK_ADDR", ":9000")
	t.Setenv("RELAY_SCHEDULE", "@every 5m")
	t.Setenv("RELAY_DB_PATH", "/tmp/relay.db")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "10.0.0.9", cfg.Source.Host)
	assert.Equal(t, 1521, cfg.Source.Port)
	assert.Equal(t, []string{"VW_A", "VW_B"}, cfg.Source.Views)
	assert.Equal(t, 100, cfg.Source.FetchLimit)
	assert.Equal(t, "tok", cfg.Routing.Token)
	assert.Equal(t, "http://localhost:9999", cfg.Routing.BaseURL)
	assert.Equal(t, ":9000", cfg.Webhook.Addr)
	assert.Equal(t, "@every 5m", cfg.Relay.Schedule)
	assert.Equal(t, "/tmp/relay.db", cfg.Storage.Path)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "loud"
	cfg.Routing.Timeout = "soon"
	cfg.Source.Host = "db"
	cfg.Source.Views = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.level")
	assert.Contains(t, err.Error(), "routing.timeout")
	assert.Contains(t, err.Error(), "source.views")

	cfg = DefaultConfig()
	assert.Error(t, cfg.RequireToken())
}

func TestSourceJobConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Source.Host = "db"
	cfg.Source.Connection = "hospital"

	job := cfg.SourceJobConfig()
	assert.Equal(t, "VW_ENTREGAS_PENDENTES,VW_VISITAS_PENDENTES", job.String("views"))
	assert.Equal(t, "hospital", job.String("connection"))
	assert.Equal(t, 100, job.Int("fetch_limit", 0))
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "relay.yaml")
	cfg := DefaultConfig()
	cfg.Routing.Token = "tok"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tok", loaded.Routing.Token)
}
