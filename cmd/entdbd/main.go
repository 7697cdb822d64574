// Command entdbd runs EntDB's server process: the API listener, the
// applier, the archiver, and the snapshotter, supervised together
// (EntDB §5).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/cuemby/entdb/internal/api"
	"github.com/cuemby/entdb/internal/apply"
	"github.com/cuemby/entdb/internal/archive"
	"github.com/cuemby/entdb/internal/config"
	"github.com/cuemby/entdb/internal/graph"
	"github.com/cuemby/entdb/internal/logging"
	"github.com/cuemby/entdb/internal/objstore"
	"github.com/cuemby/entdb/internal/observability/tracing"
	"github.com/cuemby/entdb/internal/runtime"
	"github.com/cuemby/entdb/internal/schema"
	"github.com/cuemby/entdb/internal/snapshot"
	"github.com/cuemby/entdb/internal/storage/canonical"
	"github.com/cuemby/entdb/internal/storage/mailbox"
	"github.com/cuemby/entdb/internal/stream"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "entdbd",
		Short: "Run the EntDB server process",
		RunE:  runServer,
	}
	root.Flags().StringVar(&configFile, "config", "", "path to a config file (overridden by ENTDB_* env vars)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Init(logging.Config{Level: logging.Level(cfg.LogLevel), JSONOutput: true})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{ServiceName: "entdbd", Enabled: false})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	log, err := buildLog(ctx, cfg.Stream)
	if err != nil {
		return fmt.Errorf("building log stream: %w", err)
	}
	defer log.Close()

	store, err := buildObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		return fmt.Errorf("building object store: %w", err)
	}

	canonCfg := canonical.Config{
		DataDir:       cfg.Canonical.DataDir,
		JournalMode:   cfg.Canonical.JournalMode,
		BusyTimeoutMs: cfg.Canonical.BusyTimeoutMs,
		CacheSizeKB:   cfg.Canonical.CacheSizeKB,
	}
	canon := canonical.NewManager(canonCfg)
	defer canon.CloseAll()

	mbox := mailbox.NewManager(cfg.Canonical.DataDir, logger)
	defer mbox.CloseAll()

	registry := graph.NewRegistry()
	if _, err := registry.Freeze(); err != nil {
		return fmt.Errorf("freezing empty schema registry: %w", err)
	}
	observer := schema.NewObserver("", logger)
	observer.Observe(registry)

	applier := apply.New(log, canon, mbox, observer, cfg.Stream.Topic, logger)

	archCfg := archive.Config{
		Prefix: cfg.Archive.Prefix, MaxBytes: cfg.Archive.MaxBytes, MaxEntries: cfg.Archive.MaxEntries,
		FlushInterval: cfg.Archive.FlushInterval, Gzip: cfg.Archive.Gzip,
	}
	archiver := archive.New(log, store, cfg.Stream.Topic, archCfg, logger)

	snapCfg := snapshot.Config{
		Prefix: cfg.Snapshot.Prefix, Interval: cfg.Snapshot.Interval, MinEventsSince: cfg.Snapshot.MinEventsSince,
		Gzip: cfg.Snapshot.Gzip, MaxConcurrent: cfg.Snapshot.MaxConcurrent,
	}
	snapshotter := snapshot.New(canon, registry, store, snapCfg, logger)

	svc := api.New(log, cfg.Stream.Topic, canon, mbox, observer, logger)
	handler := api.NewHandler(svc, logger)
	health := api.NewGRPCHealthServer()

	rt := runtime.New(applier, archiver, snapshotter, handler, health, cfg.API.ListenAddr, ":9090", logger)

	logger.Info().Msg("entdbd starting")
	if err := rt.Run(ctx); err != nil {
		return fmt.Errorf("runtime exited: %w", err)
	}
	logger.Info().Msg("entdbd stopped")
	return nil
}

func buildLog(ctx context.Context, cfg config.StreamConfig) (stream.Log, error) {
	switch cfg.Backend {
	case "kafka":
		return stream.NewKafkaLog(stream.KafkaConfig{
			Brokers:         cfg.Brokers,
			ConsumerGroup:   "entdbd",
			AutoOffsetReset: "earliest",
		}), nil
	case "kinesis":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("loading AWS config for kinesis: %w", err)
		}
		client := kinesis.NewFromConfig(awsCfg)
		return stream.NewKinesisLog(client, stream.KinesisConfig{StreamName: cfg.StreamName}), nil
	default:
		return stream.NewMemoryLog(), nil
	}
}

func buildObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (objstore.Store, error) {
	if cfg.Backend != "s3" {
		return objstore.NewMemoryStore(), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for s3: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return objstore.NewS3Store(client, cfg.Bucket), nil
}
