package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/spsync/internal/diagnostics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon: sync-on-open, then periodic full sync until stopped",
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.facade.Close()

	if err := a.facade.Initialize(ctx); err != nil {
		return err
	}
	a.logger.Info("syncd: initial sync-on-open")
	if err := a.facade.SyncOnOpen(ctx); err != nil {
		a.logger.Error("syncd: sync-on-open failed", "error", err)
	}

	var diagServer *http.Server
	if a.cfg.Diagnostics.Enabled {
		router := diagnostics.NewRouter(a.facade, a.logger)
		diagServer = &http.Server{Addr: a.cfg.Diagnostics.Addr, Handler: router}
		go func() {
			a.logger.Info("syncd: diagnostics listening", "addr", a.cfg.Diagnostics.Addr)
			if err := diagServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("syncd: diagnostics server failed", "error", err)
			}
		}()
	}

	interval := a.cfg.Run.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("syncd: entering sync loop", "interval", interval)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if err := a.facade.SyncAll(ctx); err != nil {
				a.logger.Error("syncd: periodic sync failed", "error", err)
			}
		}
	}

	a.logger.Info("syncd: shutting down")
	if diagServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = diagServer.Shutdown(shutdownCtx)
	}
	return nil
}
