package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/spsync/internal/connector"
	"github.com/vitaliisemenov/spsync/internal/connector/fake"
	"github.com/vitaliisemenov/spsync/internal/facade"
	"github.com/vitaliisemenov/spsync/internal/logging"
	"github.com/vitaliisemenov/spsync/internal/storage"
	"github.com/vitaliisemenov/spsync/internal/svcconfig"
	"github.com/vitaliisemenov/spsync/internal/synclock"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "Operations entrypoint for the offline sync engine",
	Long: `syncd wires the Local Store, Remote Connector, table lock, and
Facade described by its configuration file, then runs one of:

  syncd run     long-running daemon: sync-on-open, periodic full sync, diagnostics HTTP surface
  syncd drain   one-shot push of every pending outbox row
  syncd status  print a point-in-time status snapshot and exit
`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (env vars override)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(statusCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// app bundles what every subcommand needs after configuration load.
type app struct {
	cfg    *svcconfig.Config
	logger *slog.Logger
	facade *facade.Facade
}

// buildApp loads configuration and wires the daemon's dependency graph. The
// real HTTP/REST connector is an external collaborator and is not linked
// into this module; the deterministic fake stands in until a host
// application supplies one, which keeps `syncd` runnable standalone against
// no remote endpoint at all.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := svcconfig.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	store, err := storage.NewStore(ctx, storage.Options{
		Backend: cfg.Storage.Backend,
		Path:    cfg.Storage.Path,
		DSN:     cfg.Storage.DSN,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	lock, err := buildLock(cfg, logger)
	if err != nil {
		return nil, err
	}

	var conn connector.Connector = fake.New()

	f := facade.New(store, conn, cfg.AppId, lock, logger)
	return &app{cfg: cfg, logger: logger, facade: f}, nil
}

func buildLock(cfg *svcconfig.Config, logger *slog.Logger) (synclock.TableLock, error) {
	switch cfg.Lock.Mode {
	case svcconfig.LockModeRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Lock.RedisAddr})
		return synclock.NewRedis(client, synclock.RedisConfig{
			TTL:            cfg.Lock.TTL,
			AcquireTimeout: cfg.Lock.AcquireTimeout,
			RetryInterval:  cfg.Lock.RetryInterval,
		}, logger), nil
	case svcconfig.LockModeInProcess, "":
		return synclock.NewInProcess(), nil
	default:
		return nil, fmt.Errorf("unknown lock mode %q", cfg.Lock.Mode)
	}
}
