// Command orcharddetect serves the orchard detection API: cached fruit and
// tree detection over onnx models, async job execution, batch grid
// processing, and model health monitoring.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/orchardvision/go-detect/annotate"
	"github.com/orchardvision/go-detect/api"
	"github.com/orchardvision/go-detect/batch"
	"github.com/orchardvision/go-detect/cache"
	"github.com/orchardvision/go-detect/config"
	"github.com/orchardvision/go-detect/fruits"
	"github.com/orchardvision/go-detect/health"
	"github.com/orchardvision/go-detect/inference"
	"github.com/orchardvision/go-detect/jobs"
	"github.com/orchardvision/go-detect/registry"
)

const (
	sweepInterval   = 10 * time.Minute
	shutdownTimeout = 15 * time.Second
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to yaml config file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Fatal("loading config")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	for _, dir := range []string{cfg.Paths.AnnotatedDir, cfg.Paths.BatchDir, cfg.Paths.UploadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.WithError(err).WithField("dir", dir).Fatal("creating output directory")
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	predictionCache := cache.New(
		cache.NewRedisStore(redisClient),
		log,
		cache.WithTTL(cfg.Cache.TTL.Std()),
	)

	catalog := fruits.DefaultCatalog()
	models := registry.New(
		registry.CatalogLoader(catalog, cfg.Paths.ModelsDir),
		registry.DefaultDevicePolicy,
		log,
	)
	defer models.Close()

	writer := annotate.NewWriter(cfg.Paths.AnnotatedDir)
	orchestrator := inference.New(predictionCache, models, catalog, writer, log)
	pipeline := batch.NewPipeline(orchestrator, cfg.Paths.BatchDir, log)

	jobStore := jobs.NewStore(cfg.Jobs.Retention.Std(), log)
	tracker := jobs.NewTracker(jobStore, cfg.JobsConfig(), log)

	healthCfg := cfg.HealthConfig()
	history := health.NewMemoryHistory(healthCfg.Window)
	monitor := health.NewMonitor(history, catalog, healthCfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go jobStore.RunSweeper(ctx, sweepInterval)
	go monitor.Run(ctx, cfg.Health.SweepInterval.Std())

	server := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewServer(
			orchestrator, pipeline, predictionCache, tracker,
			catalog, monitor, history, cfg.Paths.UploadDir, log,
		),
	}

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	tracker.Close()
	log.Info("stopped")
}
