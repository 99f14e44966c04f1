package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/davicafu/offlinesync/internal/sync/domain"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMongoDB  = "mongodb"
	BackendRedis    = "redis"

	TransportWebsocket = "websocket"
	TransportKafka     = "kafka"
	TransportNone      = "none"
)

type Config struct {
	SQLitePath    string
	OutboxBackend string
	DatabaseURL   string
	MongoURI      string
	MongoDB       string
	RedisAddr     string
	StateBackend  string

	SyncServerURL string
	SyncAuthToken string

	RealtimeTransport  string
	RealtimeURL        string
	KafkaBrokers       []string
	KafkaRealtimeTopic string
	KafkaEventsTopic   string
	KafkaGroupID       string

	ClickHouseAddr string
	ClickHouseDB   string

	HTTPPort string

	SyncInterval      time.Duration
	SyncBatchSize     int
	PushBatchSize     int
	OutboxMaxRetries  int
	ReconcileInterval time.Duration
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration

	TablesFile string
	Tables     []domain.TableSpec

	LogLevel     string
	OTLPEndpoint string
}

func LoadConfig() (*Config, error) {
	getEnv := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}
	getInt := func(key string, fallback int) int {
		v, err := strconv.Atoi(os.Getenv(key))
		if err != nil || v <= 0 {
			return fallback
		}
		return v
	}
	getDuration := func(key string, fallback time.Duration) time.Duration {
		v, err := time.ParseDuration(os.Getenv(key))
		if err != nil || v <= 0 {
			return fallback
		}
		return v
	}

	hostname, _ := os.Hostname()
	// PUSH_BATCH_SIZE manda; SYNC_BATCH_SIZE queda como valor general por defecto.
	syncBatch := getInt("SYNC_BATCH_SIZE", 50)

	cfg := &Config{
		SQLitePath:    getEnv("SQLITE_PATH", "./offlinesync.db"),
		OutboxBackend: getEnv("OUTBOX_BACKEND", BackendSQLite),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:       getEnv("MONGO_DB", "offlinesync"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		StateBackend:  getEnv("STATE_BACKEND", BackendSQLite),

		SyncServerURL: getEnv("SYNC_SERVER_URL", "http://localhost:3000"),
		SyncAuthToken: getEnv("SYNC_AUTH_TOKEN", ""),

		RealtimeTransport:  getEnv("REALTIME_TRANSPORT", TransportNone),
		RealtimeURL:        getEnv("REALTIME_URL", "ws://localhost:3000/sync/ws"),
		KafkaBrokers:       strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
		KafkaRealtimeTopic: getEnv("KAFKA_REALTIME_TOPIC", "sync-realtime"),
		KafkaEventsTopic:   getEnv("KAFKA_EVENTS_TOPIC", ""),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "offlinesync-"+hostname),

		ClickHouseAddr: getEnv("CLICKHOUSE_ADDR", ""),
		ClickHouseDB:   getEnv("CLICKHOUSE_DB", "default"),

		HTTPPort: getEnv("HTTP_PORT", "8080"),

		SyncInterval:      getDuration("SYNC_INTERVAL", 5*time.Minute),
		SyncBatchSize:     syncBatch,
		PushBatchSize:     getInt("PUSH_BATCH_SIZE", syncBatch),
		OutboxMaxRetries:  getInt("OUTBOX_MAX_RETRIES", 3),
		ReconcileInterval: getDuration("RECONCILE_INTERVAL", 30*time.Minute),
		HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		ReconnectDelay:    getDuration("RECONNECT_DELAY", 5*time.Second),

		TablesFile: getEnv("TABLES_FILE", ""),

		LogLevel:     getEnv("LOG_LEVEL", "info"),
		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.Tables = domain.DefaultTables()
	if cfg.TablesFile != "" {
		tables, err := LoadTables(cfg.TablesFile)
		if err != nil {
			return nil, err
		}
		cfg.Tables = tables
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.OutboxBackend {
	case BackendSQLite, BackendMongoDB:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("OUTBOX_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown OUTBOX_BACKEND %q", c.OutboxBackend)
	}
	switch c.StateBackend {
	case BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("unknown STATE_BACKEND %q", c.StateBackend)
	}
	switch c.RealtimeTransport {
	case TransportWebsocket, TransportKafka, TransportNone:
	default:
		return fmt.Errorf("unknown REALTIME_TRANSPORT %q", c.RealtimeTransport)
	}
	return nil
}

// tablesFile es el formato del fichero de tablas:
//
//	tables:
//	  - name: products
//	  - name: settings
//	    identity: key
type tablesFile struct {
	Tables []domain.TableSpec `yaml:"tables"`
}

// reservedTables son tablas locales que nunca se sincronizan aunque aparezcan en el fichero.
var reservedTables = map[string]bool{
	"sync_outbox":  true,
	"sync_state":   true,
	"sync_records": true,
	"audit_log":    true,
}

// LoadTables lee la allow-list de tablas sincronizables desde YAML.
func LoadTables(path string) ([]domain.TableSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tables file: %w", err)
	}
	var f tablesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tables file %s: %w", path, err)
	}

	var out []domain.TableSpec
	for _, t := range f.Tables {
		if t.Name == "" {
			return nil, fmt.Errorf("tables file %s: entry without name", path)
		}
		if reservedTables[t.Name] {
			return nil, fmt.Errorf("tables file %s: %s is a local table and cannot be synced", path, t.Name)
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("tables file %s declares no tables", path)
	}
	return out, nil
}
