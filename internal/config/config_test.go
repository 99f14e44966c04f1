package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davicafu/offlinesync/internal/sync/domain"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{"OUTBOX_BACKEND", "STATE_BACKEND", "REALTIME_TRANSPORT", "SYNC_INTERVAL", "SYNC_BATCH_SIZE", "PUSH_BATCH_SIZE", "OUTBOX_MAX_RETRIES", "TABLES_FILE"} {
		t.Setenv(k, "")
	}

	cfg, err := LoadConfig()

	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.OutboxBackend)
	assert.Equal(t, TransportNone, cfg.RealtimeTransport)
	assert.Equal(t, 5*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 50, cfg.SyncBatchSize)
	assert.Equal(t, 3, cfg.OutboxMaxRetries)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, domain.DefaultTables(), cfg.Tables)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "90s")
	t.Setenv("SYNC_BATCH_SIZE", "20")
	t.Setenv("PUSH_BATCH_SIZE", "")
	t.Setenv("OUTBOX_MAX_RETRIES", "abc") // inválido: se usa el valor por defecto
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("REALTIME_TRANSPORT", TransportKafka)

	cfg, err := LoadConfig()

	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.SyncInterval)
	assert.Equal(t, 20, cfg.SyncBatchSize)
	assert.Equal(t, 20, cfg.PushBatchSize, "hereda SYNC_BATCH_SIZE")
	assert.Equal(t, 3, cfg.OutboxMaxRetries)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestLoadConfig_BackendsInvalidos(t *testing.T) {
	t.Setenv("OUTBOX_BACKEND", "cassandra")
	_, err := LoadConfig()
	assert.ErrorContains(t, err, "OUTBOX_BACKEND")

	t.Setenv("OUTBOX_BACKEND", BackendPostgres)
	t.Setenv("DATABASE_URL", "")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestLoadTables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tables.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tables:
  - name: products
  - name: settings
    identity: key
`), 0o644))

	tables, err := LoadTables(path)

	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Equal(t, "products", tables[0].Name)
	assert.Equal(t, "id", tables[0].IdentityField())
	assert.Equal(t, "key", tables[1].IdentityField())
}

func TestLoadTables_RechazaTablasLocales(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tables:\n  - name: audit_log\n"), 0o644))

	_, err := LoadTables(path)
	assert.ErrorContains(t, err, "audit_log")

	require.NoError(t, os.WriteFile(path, []byte("tables: []\n"), 0o644))
	_, err = LoadTables(path)
	assert.Error(t, err)

	_, err = LoadTables(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
