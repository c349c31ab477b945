package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gliderlab/voxbridge/gateway"
	"github.com/gliderlab/voxbridge/pkg/config"
	"github.com/gliderlab/voxbridge/pkg/kv"
	"github.com/gliderlab/voxbridge/pkg/logging"
	"github.com/gliderlab/voxbridge/processtool"
	"github.com/gliderlab/voxbridge/storage"
)

var (
	serveNoHistory bool
	serveNoCache   bool
	serveRetention time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the execution gateway",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.BoolVar(&serveNoHistory, "no-history", false, "disable the SQLite run history and rate limits")
	f.BoolVar(&serveNoCache, "no-cache", false, "disable the call-id result cache")
	f.DurationVar(&serveRetention, "retention", 7*24*time.Hour, "how long run history is kept")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.ConfigureRuntime("gateway")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	executor, err := processtool.NewExecutor(cfg.Exec, logging.Component(logger, "exec"))
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}

	var opts []gateway.Option
	if !serveNoHistory {
		store, err := storage.New(cfg.Gateway.DBPath, logger)
		if err != nil {
			return fmt.Errorf("open run history: %w", err)
		}
		defer store.Close()
		opts = append(opts, gateway.WithStorage(store))
	}
	if !serveNoCache {
		if err := os.MkdirAll(filepath.Dir(cfg.Gateway.CacheDir), 0o755); err != nil {
			return err
		}
		cache, err := kv.Open(kv.DefaultOptions(cfg.Gateway.CacheDir), logger)
		if err != nil {
			return fmt.Errorf("open result cache: %w", err)
		}
		defer cache.Close()
		opts = append(opts, gateway.WithCache(cache))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw := gateway.New(*cfg.Gateway, executor, logger, opts...)
	if configPath != "" {
		go func() {
			if err := gw.WatchConfig(ctx, configPath, reloadConfig); err != nil {
				logger.Warn().Err(err).Msg("config watcher stopped")
			}
		}()
	}
	go gw.PruneLoop(ctx, serveRetention, time.Hour)

	return gw.Start(ctx)
}

// reloadConfig rebuilds the config from path with the environment applied
// again, so env overrides survive a file edit
func reloadConfig(path string) (*config.ServerConfig, error) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.LoadFromEnv(envPrefix)
	return cfg, nil
}
