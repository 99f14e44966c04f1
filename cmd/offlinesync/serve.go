package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davicafu/offlinesync/internal/config"
	"github.com/davicafu/offlinesync/internal/shared/infra/platform/tracing"
	syncHttp "github.com/davicafu/offlinesync/internal/sync/infra/inbound/http"
	"github.com/davicafu/offlinesync/pkg/logger"
)

var startOffline bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine and its local HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&startOffline, "offline", false, "Start without connectivity (no initial full sync)")
}

// loadConfig aplica los flags globales sobre la configuración de entorno.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if sqlitePath != "" {
		cfg.SQLitePath = sqlitePath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func runServe(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Init(cfg.LogLevel) // inicializa zap
	log := logger.Logger()
	defer log.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------- Tracing ----------------
	shutdownTracing, err := tracing.Init(ctx, "offlinesync", cfg.OTLPEndpoint, log)
	if err != nil {
		log.Warn("⚠️ Tracing desactivado", zap.Error(err))
	} else {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(sctx)
		}()
	}

	// ---------------- DB ----------------
	db, err := openLocalDB(ctx, cfg.SQLitePath)
	if err != nil {
		log.Error("failed to open SQLite", zap.Error(err))
		return err
	}
	defer db.Close()

	// ---------------- Motor ----------------
	eng, err := buildEngine(ctx, cfg, db, log)
	if err != nil {
		log.Error("failed to build sync engine", zap.Error(err))
		return err
	}
	defer eng.Close(log)

	if err := eng.manager.Start(ctx, !startOffline); err != nil {
		log.Error("failed to start sync engine", zap.Error(err))
		return err
	}
	if eng.recorder != nil {
		eng.recorder.Start(ctx)
	}

	// ---------------- HTTP ----------------
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	syncHttp.RegisterSyncRoutes(router, syncHttp.NewSyncHandler(eng.manager, log))
	syncHttp.RegisterOpsRoutes(router, eng.metrics.Handler())

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("🚀 Server running", zap.String("url", "http://localhost:"+cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("🛑 Parando servidor")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		eng.manager.Stop()
		if eng.recorder != nil {
			eng.recorder.Stop(sctx)
		}
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		return err
	}
	return nil
}
