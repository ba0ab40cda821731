package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/cuemby/moorage/pkg/agentbridge"
	"github.com/cuemby/moorage/pkg/broker"
	"github.com/cuemby/moorage/pkg/config"
	"github.com/cuemby/moorage/pkg/discovery"
	"github.com/cuemby/moorage/pkg/dockerdriver"
	"github.com/cuemby/moorage/pkg/ippool"
	"github.com/cuemby/moorage/pkg/ledger"
	"github.com/cuemby/moorage/pkg/log"
	"github.com/cuemby/moorage/pkg/metrics"
	"github.com/cuemby/moorage/pkg/monitoring"
	"github.com/cuemby/moorage/pkg/storage"
	"github.com/cuemby/moorage/pkg/taskengine"
	"github.com/cuemby/moorage/pkg/taskstore"
	"github.com/cuemby/moorage/pkg/types"
	"github.com/cuemby/moorage/pkg/worker"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var cfgPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "moorage",
	Short:   "moorage runs the deployment task engine: build, place, and remove containers",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("moorage version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config.yaml (optional)")
	rootCmd.PersistentFlags().String("log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "force JSON log output")

	migrateCmd.Flags().String("from", "", "source bbolt data directory")
	migrateCmd.Flags().String("to", "", "destination Postgres DSN")

	for _, c := range []*cobra.Command{enqueueBuildCmd, enqueueCreateCmd, enqueueRemoveCmd} {
		c.Flags().String("task-id", "", "id of an already-persisted PENDING task to enqueue")
	}

	rootCmd.AddCommand(serveCmd, migrateCmd, enqueueBuildCmd, enqueueCreateCmd, enqueueRemoveCmd)
}

func loadConfig(cmd *cobra.Command) config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if isJSON, _ := cmd.Flags().GetBool("log-json"); isJSON {
		cfg.LogJSON = true
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	return cfg
}

func openStore(cfg config.Config) (storage.Store, error) {
	if cfg.DB.Driver == "postgres" {
		return storage.NewPostgresStore(cfg.DB.DSN)
	}
	return storage.NewBoltStore(cfg.DB.DSN)
}

func openBroker(ctx context.Context, cfg config.Config) (broker.Broker, error) {
	if cfg.Broker.URL == "" {
		return broker.NewMemBroker(), nil
	}
	return broker.NewRedisBroker(ctx, cfg.Broker.URL)
}

func openBridge(cfg config.Config, b broker.Broker) agentbridge.Bridge {
	if cfg.Agent.Transport == "http" && cfg.Agent.URLTemplate != "" {
		return agentbridge.WithRetry(agentbridge.NewSynchronousBridge(func(host types.Host, containerID string) string {
			return fmt.Sprintf(cfg.Agent.URLTemplate, host.Addr)
		}))
	}
	return agentbridge.WithRetry(agentbridge.NewBroadcastBridge(b))
}

func buildEngine(store storage.Store, b broker.Broker, cfg config.Config, source taskengine.SourceFetcher) *taskengine.Engine {
	return taskengine.New(taskengine.Config{
		Store:      store,
		Tasks:      taskstore.New(store),
		Ledger:     ledger.New(store),
		IPPool:     ippool.New(store),
		Docker:     dockerdriver.New(),
		Bridge:     openBridge(cfg, b),
		Discovery:  discovery.New(b),
		Monitoring: monitoring.NewBrokerRegistrar(b),
		Broker:     b,
		Source:     source,
		Registry:   cfg.Registry,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the task dequeue worker pool and metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		ctx := context.Background()

		store, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		b, err := openBroker(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open broker: %w", err)
		}
		defer b.Close()

		engine := buildEngine(store, b, cfg, nil)
		metrics.RegisterComponent("storage", true, "ready")
		metrics.RegisterComponent("broker", true, "ready")
		metrics.RegisterComponent("docker", true, "ready")

		pool := worker.New(worker.Config{
			Broker:      b,
			Engine:      engine,
			Concurrency: cfg.Worker.Concurrency,
		})
		pool.Start()
		defer pool.Stop()
		metrics.RegisterComponent("worker", true, "ready")
		metrics.SetVersion(Version)

		log.Info("moorage serve started")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		addr := "127.0.0.1:9090"
		log.Logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
		return http.ListenAndServe(addr, mux)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy every record from a bbolt store into Postgres",
	RunE: func(cmd *cobra.Command, args []string) error {
		loadConfig(cmd)
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		if from == "" || to == "" {
			return fmt.Errorf("--from and --to are required")
		}

		src, err := storage.NewBoltStore(from)
		if err != nil {
			return fmt.Errorf("open source bolt store: %w", err)
		}
		defer src.Close()

		dst, err := storage.NewPostgresStore(to)
		if err != nil {
			return fmt.Errorf("open destination postgres store: %w", err)
		}
		defer dst.Close()

		return migrateStore(src, dst)
	},
}

func enqueueCommand(use, short string, kind types.TaskKind) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(cmd)
			ctx := context.Background()

			b, err := openBroker(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open broker: %w", err)
			}
			defer b.Close()

			taskID, _ := cmd.Flags().GetString("task-id")
			if taskID == "" {
				return fmt.Errorf("--task-id is required")
			}
			if err := worker.Enqueue(ctx, b, taskID, kind); err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			fmt.Printf("enqueued task %s (%s)\n", taskID, kind)
			return nil
		},
	}
}

var enqueueBuildCmd = enqueueCommand("enqueue-build", "Enqueue a persisted build-image task for a worker to pick up", types.TaskBuildImage)
var enqueueCreateCmd = enqueueCommand("enqueue-create", "Enqueue a persisted create-container task for a worker to pick up", types.TaskCreateContainer)
var enqueueRemoveCmd = enqueueCommand("enqueue-remove", "Enqueue a persisted remove-container task for a worker to pick up", types.TaskRemoveContainer)
