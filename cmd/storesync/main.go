package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/storesync/storesync/internal/engine"
	"github.com/storesync/storesync/pkg/config"
	"github.com/storesync/storesync/pkg/logger"
	"github.com/storesync/storesync/pkg/metrics"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var (
		configPath string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "storesync",
		Short: "Migrate structured content between two platform instances",
		Long: `storesync moves structured content between two instances of a hosted
commerce platform. It extracts data with asynchronous bulk jobs, streams the
line-delimited results into files, and re-creates state on a target instance
idempotently by correlating records through stable natural keys.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "storesync.yaml", "path to run configuration")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newExtractCmd(&configPath, &logLevel),
		newApplyCmd(&configPath, &logLevel),
		newSyncCmd(&configPath, &logLevel),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration, initializes logging and builds the engine.
func setup(configPath, logLevel string) (*config.Config, *engine.Engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	level := cfg.Observability.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	if err := logger.Init(logger.Config{Level: level, Encoding: "json"}); err != nil {
		return nil, nil, err
	}

	if cfg.Observability.EnableMetrics {
		go serveMetrics(cfg.Observability.MetricsAddr)
	}

	eng, err := engine.New(cfg, logger.Get())
	if err != nil {
		return nil, nil, err
	}
	return cfg, eng, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}

// runContext returns a context canceled by SIGINT/SIGTERM.
func runContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// resolveKinds maps CLI args to resource configurations, defaulting to all.
func resolveKinds(cfg *config.Config, args []string) ([]config.ResourceConfig, error) {
	if len(args) == 0 {
		return cfg.Resources, nil
	}

	byKind := make(map[string]config.ResourceConfig, len(cfg.Resources))
	for _, res := range cfg.Resources {
		byKind[res.Kind] = res
	}

	resources := make([]config.ResourceConfig, 0, len(args))
	for _, kind := range args {
		res, ok := byKind[kind]
		if !ok {
			return nil, fmt.Errorf("unknown resource kind %q", kind)
		}
		resources = append(resources, res)
	}
	return resources, nil
}

func newExtractCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "extract [kind...]",
		Short: "Extract resource kinds from the source instance into JSONL files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, eng, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			resources, err := resolveKinds(cfg, args)
			if err != nil {
				return err
			}

			ctx, cancel := runContext()
			defer cancel()

			results := make([]*engine.ExtractResult, 0, len(resources))
			for _, res := range resources {
				result, err := eng.Extract(ctx, res)
				if err != nil {
					return fmt.Errorf("extract %s: %w", res.Kind, err)
				}
				results = append(results, result)
			}
			logger.Info("extract run finished", zap.Int("kinds", len(results)))
			return printJSON(results)
		},
	}
}

func newApplyCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "apply [kind...]",
		Short: "Apply extracted JSONL files to the target instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, eng, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			resources, err := resolveKinds(cfg, args)
			if err != nil {
				return err
			}

			ctx, cancel := runContext()
			defer cancel()

			results := make(map[string]interface{}, len(resources))
			for _, res := range resources {
				stats, err := eng.Apply(ctx, res)
				if stats != nil {
					results[res.Kind] = stats
				}
				if err != nil {
					// Partial stats are still reported before failing.
					printJSON(results) //nolint:errcheck
					return fmt.Errorf("apply %s: %w", res.Kind, err)
				}
			}
			logger.Info("apply run finished", zap.Int("kinds", len(results)))
			return printJSON(results)
		},
	}
}

func newSyncCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Extract from the source and apply to the target in one pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, eng, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, cancel := runContext()
			defer cancel()

			results, err := eng.Sync(ctx)
			if err == nil {
				logger.Info("sync run finished", zap.Int("kinds", len(results)))
			}
			printJSON(results) //nolint:errcheck
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the storesync version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("storesync %s\n", version)
		},
	}
}

func printJSON(v interface{}) error {
	out, err := gojson.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
