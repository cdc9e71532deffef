// Command agent wires the reconciliation core into a runnable process:
// load configuration, wait for the remote store's readiness gate, then
// run the watcher loop against a reference in-memory consumer until the
// process is signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nodeplane/kvreconciler/internal/config"
	"github.com/nodeplane/kvreconciler/internal/consumer"
	"github.com/nodeplane/kvreconciler/internal/dispatch"
	"github.com/nodeplane/kvreconciler/internal/hwm"
	"github.com/nodeplane/kvreconciler/internal/logging"
	"github.com/nodeplane/kvreconciler/internal/store"
	httpstore "github.com/nodeplane/kvreconciler/internal/store/http"
	"github.com/nodeplane/kvreconciler/internal/watch"
)

// storeClientFactory builds a store.ClientFactory bound to baseURL,
// satisfying the store.Client contract expected by the watcher loop.
func storeClientFactory(baseURL string) store.ClientFactory {
	return func(ctx context.Context, expectedClusterID string) (store.Client, error) {
		return httpstore.New(baseURL, expectedClusterID), nil
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the agent's YAML configuration file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger, err := logging.New(cfg.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	tracker := hwm.New()
	cons := consumer.New(tracker, logger)

	d := dispatch.New()
	if err := d.Register(cfg.Prefix+"/<kind>/<name>", cons.HandleSet, cons.HandleDelete); err != nil {
		return err
	}

	loop := watch.New(storeClientFactory(cfg.BaseURL), d, cfg.Prefix,
		store.Timeout{Connect: cfg.ConnectTimeout, Read: cfg.ReadTimeout}, logger)
	loop.CarryClusterIDOnReconnect = cfg.CarryClusterIDOnReconnect
	loop.OnPreResync = cons.OnPreResync
	loop.OnSnapshotLoaded = cons.OnSnapshotLoaded

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	readyClient := httpstore.New(cfg.BaseURL, "")
	if err := watch.WaitForReady(ctx, readyClient, cfg.ReadyKey, cfg.ReadyPollInterval, logger); err != nil {
		return err
	}
	_ = readyClient.Close()

	logger.Info("starting watcher loop", zap.String("prefix", cfg.Prefix))
	return loop.Run(ctx)
}
