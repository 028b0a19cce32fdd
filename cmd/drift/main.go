package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bubbledrift/internal/config"
	"bubbledrift/internal/logging"
	"bubbledrift/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	verbose     bool
	configPath  string
	metricsAddr string
	timeout     time.Duration

	cfg           *config.Config
	logs          *logging.Factory
	logger        *zap.Logger
	metricsServer *http.Server
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "drift",
	Short: "bubbledrift - filter-bubble drift simulator",
	Long: `bubbledrift runs sock-puppet viewers against YouTube.

Each puppet trains on videos near its starting slant, then drifts toward a
target slant by following the recommendation closest to it. Watch histories
are written per puppet for later analysis.

Typical workflow:
  drift import data/slant/slant_estimations.csv
  drift enrich
  drift run`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "init-config" {
			return nil
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		logs, err = logging.New(cfg.Logging, verbose)
		if err != nil {
			return err
		}
		logger = logs.Get(logging.CategoryBoot)
		logger.Debug("Loaded config", zap.String("path", configPath), zap.String("store", cfg.Store.Path))

		if metricsAddr != "" {
			startMetricsServer(metricsAddr)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(ctx)
		}
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "bubbledrift.yaml", "Config file (defaults apply when missing)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Abort the command after this long (0 = no limit)")

	rootCmd.AddCommand(importCmd, enrichCmd, blacklistEmptyCmd, statusCmd, runCmd, initConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// commandContext is cancelled on SIGINT/SIGTERM and after --timeout.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	return tctx, func() {
		cancel()
		stop()
	}
}

func openStore() (*store.VideoStore, error) {
	return store.NewVideoStore(cfg.Store.Path, cfg.Store.Driver, logs.Get(logging.CategoryStore))
}

func startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics", zap.String("addr", addr))
}

// initConfigCmd writes the default configuration.
var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write the default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.DefaultConfig().Save(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", path)
		return nil
	},
}
