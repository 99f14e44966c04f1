package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	// _ "github.com/mattn/go-sqlite3" // requires gcc
	_ "modernc.org/sqlite"

	"github.com/davicafu/offlinesync/internal/config"
	sharedDomain "github.com/davicafu/offlinesync/internal/shared/domain"
	sharedEvents "github.com/davicafu/offlinesync/internal/shared/infra/events"
	"github.com/davicafu/offlinesync/internal/shared/infra/platform/bus"
	"github.com/davicafu/offlinesync/internal/shared/infra/platform/cache"
	"github.com/davicafu/offlinesync/internal/shared/infra/platform/db/mongodb"
	"github.com/davicafu/offlinesync/internal/shared/infra/platform/db/postgres"
	outboxSQLite "github.com/davicafu/offlinesync/internal/shared/infra/platform/db/sqlite"
	"github.com/davicafu/offlinesync/internal/shared/infra/platform/metrics"
	"github.com/davicafu/offlinesync/internal/sync/application"
	"github.com/davicafu/offlinesync/internal/sync/domain"
	"github.com/davicafu/offlinesync/internal/sync/infra/outbound/analytics/clickhouse"
	syncSQLite "github.com/davicafu/offlinesync/internal/sync/infra/outbound/db/sqlite"
	syncEvents "github.com/davicafu/offlinesync/internal/sync/infra/outbound/events"
	"github.com/davicafu/offlinesync/internal/sync/infra/outbound/realtime/kafkastream"
	"github.com/davicafu/offlinesync/internal/sync/infra/outbound/realtime/ws"
	"github.com/davicafu/offlinesync/internal/sync/infra/outbound/state"
	"github.com/davicafu/offlinesync/internal/sync/infra/outbound/transport/httpclient"
)

// engine agrupa lo construido a partir de la configuración y lo que hay que cerrar al salir.
type engine struct {
	manager  *application.BidirectionalSyncManager
	outbox   *application.ChangeOutbox
	metrics  *metrics.SyncMetrics
	emitter  *bus.Emitter[domain.Event]
	recorder *application.CycleRecorder

	closers []func() error
}

// Close cierra los recursos en orden inverso al de apertura.
func (e *engine) Close(log *zap.Logger) {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			log.Warn("⚠️ Error cerrando recurso", zap.Error(err))
		}
	}
}

// openLocalDB abre la base SQLite local y crea su esquema (registros, estado y outbox).
func openLocalDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := syncSQLite.InitSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := outboxSQLite.InitOutbox(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// openOutboxRepo elige el backend de la outbox según OUTBOX_BACKEND.
func openOutboxRepo(ctx context.Context, cfg *config.Config, local *sql.DB, log *zap.Logger) (sharedDomain.OutboxRepository, func() error, error) {
	switch cfg.OutboxBackend {
	case config.BackendPostgres:
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.InitOutbox(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Info("🐘 Outbox en Postgres")
		return postgres.NewOutboxRepoPostgres(db), db.Close, nil

	case config.BackendMongoDB:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongodb: %w", err)
		}
		repo, err := mongodb.NewOutboxRepoMongoDB(ctx, client, cfg.MongoDB)
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		log.Info("🍃 Outbox en MongoDB", zap.String("db", cfg.MongoDB))
		return repo, func() error { return client.Disconnect(context.Background()) }, nil

	default:
		log.Info("📦 Outbox en SQLite local")
		return outboxSQLite.NewOutboxRepoSQLite(local), nil, nil
	}
}

// openStateStore usa Redis si está configurado y responde; si no, la tabla sync_state de SQLite.
func openStateStore(ctx context.Context, cfg *config.Config, local *sql.DB, log *zap.Logger) (domain.StateStore, func() error) {
	if cfg.StateBackend == config.BackendRedis {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("⚠️ Redis no disponible, estado de sync en SQLite", zap.Error(err))
			_ = rdb.Close()
		} else {
			log.Info("✅ Redis conectado, estado de sync en Redis")
			return state.NewCacheStateStore(cache.NewRedisCache(rdb, "offlinesync:", 0)), rdb.Close
		}
	}
	return syncSQLite.NewStateStoreSQLite(local), nil
}

func openRealtime(cfg *config.Config, clock clockwork.Clock, log *zap.Logger) domain.RealtimeChannel {
	switch cfg.RealtimeTransport {
	case config.TransportWebsocket:
		log.Info("🔌 Canal en vivo por WebSocket", zap.String("url", cfg.RealtimeURL))
		return ws.NewChannel(ws.Config{
			URL:               cfg.RealtimeURL,
			Token:             cfg.SyncAuthToken,
			HeartbeatInterval: cfg.HeartbeatInterval,
			ReconnectDelay:    cfg.ReconnectDelay,
		}, clock, log)
	case config.TransportKafka:
		log.Info("🚀 Canal en vivo por Kafka", zap.String("topic", cfg.KafkaRealtimeTopic), zap.String("group", cfg.KafkaGroupID))
		return kafkastream.NewChannel(cfg.KafkaBrokers, cfg.KafkaRealtimeTopic, cfg.KafkaGroupID, log)
	default:
		log.Info("⚡️ Sin canal en vivo, solo ciclos push/pull")
		return nil
	}
}

// buildEngine construye el motor completo. local es la base SQLite ya abierta.
func buildEngine(ctx context.Context, cfg *config.Config, local *sql.DB, log *zap.Logger) (*engine, error) {
	clock := clockwork.NewRealClock()
	e := &engine{}

	repo, closeRepo, err := openOutboxRepo(ctx, cfg, local, log)
	if err != nil {
		return nil, err
	}
	if closeRepo != nil {
		e.closers = append(e.closers, closeRepo)
	}

	stateStore, closeState := openStateStore(ctx, cfg, local, log)
	if closeState != nil {
		e.closers = append(e.closers, closeState)
	}

	tables := domain.NewTableRegistry(cfg.Tables...)
	store := syncSQLite.NewRecordStoreSQLite(local)
	client := httpclient.NewClient(cfg.SyncServerURL, cfg.SyncAuthToken, httpclient.Options{}, log)

	e.emitter = bus.NewEmitter[domain.Event](log)
	e.closers = append(e.closers, func() error { e.emitter.Close(); return nil })
	e.metrics = metrics.NewSyncMetrics()

	e.outbox = application.NewChangeOutbox(repo, cfg.OutboxMaxRetries, clock, log)
	applier := application.NewRemoteChangeApplier(store, tables, e.emitter, clock, log)
	status := application.NewStatusTracker(domain.StateOffline, e.emitter, clock)
	orch := application.NewSyncOrchestrator(e.outbox, client, client, applier, store, stateStore, tables, status, e.emitter, e.metrics, clock, log,
		application.OrchestratorConfig{
			BatchSize:    cfg.PushBatchSize,
			SyncInterval: cfg.SyncInterval,
		})
	reconciler := application.NewReconciler(store, e.outbox, tables, cfg.ReconcileInterval, clock, log)

	e.manager = application.NewBidirectionalSyncManager(application.ManagerDeps{
		Orchestrator: orch,
		Outbox:       e.outbox,
		Store:        store,
		Applier:      applier,
		Realtime:     openRealtime(cfg, clock, log),
		State:        stateStore,
		Tables:       tables,
		Status:       status,
		Reconciler:   reconciler,
		Metrics:      e.metrics,
		Clock:        clock,
		Log:          log,
	})

	if cfg.KafkaEventsTopic != "" {
		publisher := sharedEvents.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic, log)
		forwarder := syncEvents.NewEventForwarder(publisher, domain.NewEventRegistry(cfg.KafkaEventsTopic), log)
		detach := forwarder.Attach(e.emitter)
		e.closers = append(e.closers, func() error { detach(); return publisher.Close() })
		log.Info("📣 Eventos del motor publicados en Kafka", zap.String("topic", cfg.KafkaEventsTopic))
	}

	if cfg.ClickHouseAddr != "" {
		chRepo, err := clickhouse.NewCycleAnalyticsRepo(cfg.ClickHouseAddr, cfg.ClickHouseDB)
		if err != nil {
			log.Warn("⚠️ ClickHouse no disponible, analítica de ciclos desactivada", zap.Error(err))
		} else if err := chRepo.InitSchema(); err != nil {
			log.Warn("⚠️ No se pudo crear sync_cycles_log", zap.Error(err))
			_ = chRepo.Close()
		} else {
			e.recorder = application.NewCycleRecorder(chRepo, e.manager.DeviceID, 0, cfg.SyncInterval, clock, log)
			unsubscribe := e.emitter.Subscribe(e.recorder.Handle)
			e.closers = append(e.closers, func() error { unsubscribe(); return chRepo.Close() })
			log.Info("📊 Analítica de ciclos en ClickHouse", zap.String("addr", cfg.ClickHouseAddr))
		}
	}

	return e, nil
}
