package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"example.com/socialgraph/cmd/server"
	"example.com/socialgraph/cmd/worker"
	appkafka "example.com/socialgraph/internal/broker"
	config "example.com/socialgraph/internal/init"
	"example.com/socialgraph/internal/logger"
	"example.com/socialgraph/internal/social"
	"example.com/socialgraph/internal/store"
	"go.uber.org/zap"
)

var logg = logger.New()

func main() {
	// Initialize application configuration
	cfg := config.Init()
	logger.SetLevel(cfg.LogLevel)
	defer logg.Sync()

	// Setup OS signal handling for graceful shutdown (SIGINT, SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logg.Error("main", "Startup failed", err, zap.String("mode", cfg.Mode))
		logg.Sync()
		os.Exit(1)
	}
	logg.Info("main", "Shutdown completed")
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := store.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// Configure Kafka client parameters
	kafkaCfg := appkafka.KafkaConfig{
		Brokers:      []string{cfg.KafkaBroker},
		Topic:        cfg.KafkaTopic,
		Partition:    cfg.KafkaPartition,
		GroupID:      cfg.KafkaGroupID,
		WriteTimeout: cfg.KafkaWriteTO,
		ReadTimeout:  cfg.KafkaReadTO,
	}

	var publisher appkafka.Publisher = appkafka.NopPublisher{}
	if cfg.KafkaEnabled {
		kafkaWriter, err := appkafka.NewKafkaWriter(kafkaCfg)
		if err != nil {
			return err
		}
		defer kafkaWriter.Close()
		publisher = appkafka.NewPublisher(kafkaWriter)
	}

	svc := social.New(st,
		social.WithPublisher(publisher),
		social.WithTimelineFanout(cfg.TimelineFanout),
	)

	// Run application depending on selected mode
	switch cfg.Mode {
	case "server":
		server.Run(ctx, svc, server.Options{
			Addr:     cfg.ServerAddr,
			CertFile: cfg.TLSCertFile,
			KeyFile:  cfg.TLSKeyFile,
		})
	case "worker":
		if !cfg.KafkaEnabled {
			return errors.New("worker mode requires KAFKA_ENABLED")
		}
		kafkaReader := appkafka.NewKafkaReader(kafkaCfg)
		defer kafkaReader.Close()

		w := worker.New(svc, st, kafkaReader, cfg.WorkerCount, 0)
		w.Run(ctx)
	default:
		return errors.New("unknown mode: " + cfg.Mode)
	}
	return nil
}
