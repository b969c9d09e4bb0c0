package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/aegisd/aegis/internal/api/routes"
	"github.com/aegisd/aegis/internal/cache"
	"github.com/aegisd/aegis/internal/config"
	"github.com/aegisd/aegis/internal/database"
	"github.com/aegisd/aegis/internal/gatekeeper"
	"github.com/aegisd/aegis/internal/logger"
	"github.com/aegisd/aegis/internal/metrics"
	"github.com/aegisd/aegis/internal/server"
	"github.com/aegisd/aegis/internal/services"
	"github.com/aegisd/aegis/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Log to both stdout and a rotating file
	logDir := filepath.Join(filepath.Dir(cfg.DatabasePath), "logs")
	_ = os.MkdirAll(logDir, 0o755)
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "aegis.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	logger.Init(cfg.Environment == "development", io.MultiWriter(os.Stdout, rotator))

	logger.Log().Infof("starting %s %s", version.Name, version.Full())

	if cfg.JWTSecret == "" {
		logger.Log().Fatal("AEGIS_JWT_SECRET must be set")
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Log().WithError(err).Fatal("open database")
	}

	// The distributed tier is optional: without it (or when it is down at
	// boot) the in-process cache carries counters and block state alone.
	var primary cache.Store
	if cfg.RedisAddr != "" {
		redisStore, err := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Log().WithError(err).Warn("redis unavailable, falling back to in-process cache")
		} else {
			defer redisStore.Close()
			primary = redisStore
		}
	}
	memory := cache.NewMemory()
	store := cache.NewTiered(primary, memory)

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	whitelistSvc := services.NewWhitelistService(db, store, cfg.Blocking)
	blockerSvc := services.NewBlockerService(db, store, whitelistSvc, cfg.Blocking)
	alertSvc := services.NewAlertService(cfg.AlertURL)
	incidentSvc := services.NewIncidentService(db, blockerSvc, alertSvc)
	detectorSvc := services.NewDetectorService(store, incidentSvc, cfg.Detection)
	authSvc := services.NewAuthService(db, cfg.JWTSecret)
	gate := gatekeeper.New(store, blockerSvc)

	srv, err := server.New(db, cfg, routes.Services{
		Auth:      authSvc,
		Detector:  detectorSvc,
		Incidents: incidentSvc,
		Blocker:   blockerSvc,
		Whitelist: whitelistSvc,
		Gate:      gate,
	}, registry)
	if err != nil {
		logger.Log().WithError(err).Fatal("build server")
	}

	// Incidental cleanup: expired temporary blocks are also handled lazily
	// on every read, so a missed run never extends a block.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Blocking.SweepSchedule, func() {
		n, err := blockerSvc.DeactivateExpired(context.Background())
		if err != nil {
			logger.Log().WithError(err).Warn("expired block sweep failed")
		} else if n > 0 {
			logger.WithFields(map[string]interface{}{"count": n}).Info("deactivated expired blocks")
		}
		memory.Sweep()
	}); err != nil {
		logger.Log().WithError(err).Fatal("schedule sweep")
	}
	sweeper.Start()
	defer sweeper.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Log().Infof("listening on :%s", cfg.HTTPPort)
	if err := srv.Run(ctx); err != nil {
		logger.Log().WithError(err).Fatal("server error")
	}
}
