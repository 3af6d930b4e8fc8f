package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proctorguard/internal/api"
	"proctorguard/internal/config"
	"proctorguard/internal/flags"
	"proctorguard/internal/ingest"
	"proctorguard/internal/logging"
	"proctorguard/internal/metrics"
	"proctorguard/internal/normalize"
	"proctorguard/internal/pipeline"
	"proctorguard/internal/sink"
	"proctorguard/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "proctorguard.yaml", "Path to YAML or JSON config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	mgr, err := loadConfig(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cfg := mgr.Get()
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if mgr.Path() == "" {
		logger.Warn("config file not found, using defaults", "path", *configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, mgr, logger); err != nil {
		logger.Error("proctorguard exited", "err", err)
		os.Exit(1)
	}
}

// loadConfig falls back to defaults when the file does not exist.
func loadConfig(path string) (*config.Manager, error) {
	mgr, err := config.NewManager(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg := config.DefaultConfig()
		config.ApplyEnvOverrides(cfg)
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
		return config.NewStaticManager(cfg), nil
	}
	return mgr, err
}

func run(ctx context.Context, mgr *config.Manager, logger *slog.Logger) error {
	cfg := mgr.Get()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := store.Init(initCtx)
		cancel()
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("init storage: %w", err)
		}
		defer store.Close()
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
	}

	var pub sink.Publisher
	if cfg.Sink.Kafka.Enabled {
		pub = sink.NewKafkaPublisher(cfg.Sink.Kafka)
		logger.Info("flag publisher enabled", "brokers", cfg.Sink.Kafka.Brokers, "topic", cfg.Sink.Kafka.Topic)
	}
	writer := sink.NewWriter(cfg.Sink, store, pub, logger)

	flagStore := flags.NewStore(cfg.Flags.StoreLimit)
	metricsStore := metrics.NewStore(cfg.Metrics.StoreLimit)
	pipe := pipeline.New(cfg, pipeline.Options{
		Flags:   flagStore,
		Metrics: metricsStore,
		Sink:    writer,
		Store:   store,
	}, logger)

	packets := make(chan normalize.Packet, cfg.Ingest.ChannelBuffer)
	parser := ingest.NewParser()
	ingest.StartREST(ctx, mgr, packets, logger)
	ingest.StartTCPStream(ctx, mgr, parser, packets, logger)
	ingest.StartReplay(ctx, mgr, parser, packets, logger)
	ingest.StartKafka(ctx, mgr, parser, packets, logger)

	api.Start(ctx, mgr, metricsStore, flagStore, pipe, logger, version)

	go mgr.Watch(3*time.Second, func(next *config.Config) {
		pipe.UpdateConfig(next)
		logger.Info("config reloaded", "path", mgr.Path())
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, ctx.Done())

	logger.Info("proctorguard started", "version", version)
	pipe.Run(ctx, packets)

	if err := writer.Close(); err != nil {
		logger.Warn("sink close failed", "err", err)
	}
	st := pipe.Stats()
	logger.Info("proctorguard stopped",
		"processed", st.Processed,
		"duplicates", st.Duplicates,
		"invalid", st.Invalid,
		"sink_dropped", writer.Dropped(),
	)
	return nil
}
