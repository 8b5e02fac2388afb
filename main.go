package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"docquery/config"
	"docquery/db"
	qhttp "docquery/http"
	"docquery/logging"
	"docquery/ml"
	"docquery/monitoring"
)

func main() {
	configPath := flag.String("config", "config.yaml", "config file")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, level, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := serve(*configPath, cfg, logger, level); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
	logger.Info("exiting")
}

func serve(configPath string, cfg *config.Config, logger *zap.Logger, level zap.AtomicLevel) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Initialize database
	if err := db.InitDB(cfg.Database.Path); err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, db.Close()) }()
	logger.Info("database initialized", zap.String("path", cfg.Database.Path))

	collector := monitoring.NewMetricsCollector()
	collector.Start(ctx, 15*time.Second)

	hub := monitoring.NewHub(logger)
	go hub.Run(ctx)

	alerts := monitoring.NewAlertSystem(cfg.Alerts, hub, logger)
	defer alerts.Wait()

	training, err := trainingConfig(cfg)
	if err != nil {
		return err
	}
	svc, err := qhttp.NewService(qhttp.ServiceOptions{
		Logger:         logger,
		Collector:      collector,
		Hub:            hub,
		Alerts:         alerts,
		ModelCacheSize: cfg.Http.ModelCacheSize,
		Training:       training,
	})
	if err != nil {
		return err
	}

	err = config.Watch(ctx, configPath, func(next *config.Config) {
		t, err := trainingConfig(next)
		if err != nil {
			logger.Warn("config reload rejected", zap.Error(err))
			return
		}
		svc.SetTrainingConfig(t)
		alerts.SetRules(next.Alerts)
		if l, err := logging.ParseLevel(next.Log.Level); err == nil {
			level.SetLevel(l)
		}
		logger.Info("config reloaded", zap.String("path", configPath))
		hub.Publish(monitoring.SystemStatus, map[string]interface{}{
			"event": "config_reloaded",
			"level": level.Level().String(),
		})
	}, func(err error) {
		logger.Warn("config reload failed", zap.Error(err))
	})
	if err != nil {
		logger.Warn("config watch disabled", zap.Error(err))
	}

	// 3. Start HTTP server
	server := qhttp.NewServer(serverConfig(cfg), svc)
	errc := make(chan error, 1)
	go func() { errc <- server.Start() }()

	// 4. Handle graceful shutdown
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	return server.Stop(context.Background())
}

func serverConfig(cfg *config.Config) qhttp.ServerConfig {
	sc := qhttp.DefaultServerConfig()
	sc.Port = cfg.Http.Port
	sc.Timeout = cfg.Http.Timeout
	sc.AllowedOrigins = cfg.Http.AllowedOrigins
	sc.APIToken = cfg.Http.APIToken
	return sc
}

func trainingConfig(cfg *config.Config) (qhttp.TrainingConfig, error) {
	kind, err := ml.ParseKind(cfg.Model.Kind)
	if err != nil {
		return qhttp.TrainingConfig{}, err
	}
	selection, err := cfg.Selection()
	if err != nil {
		return qhttp.TrainingConfig{}, err
	}
	return qhttp.TrainingConfig{
		Kind:          kind,
		NumClasses:    cfg.Model.NumClasses,
		NumFeatures:   cfg.Model.NumFeatures,
		Selection:     selection,
		Noise:         cfg.Model.Noise,
		ChunkSize:     cfg.Training.ChunkSize,
		NumChunks:     cfg.Training.NumChunks,
		Rounds:        cfg.Training.Rounds,
		MaxIterations: cfg.Training.MaxIterations,
		Tolerance:     cfg.Training.Tolerance,
		Damping:       cfg.Training.Damping,
		DatasetRoot:   cfg.Dataset.Root,
		StrictParsing: cfg.Dataset.StrictParsing,
		StrictClasses: cfg.Dataset.StrictClasses,
		CleaningRules: cfg.Dataset.CleaningRules,
	}, nil
}
