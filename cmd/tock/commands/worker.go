package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tock/am"
	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/sym"
	"github.com/teranos/tock/transport"
	"github.com/teranos/tock/worker"
)

// WorkerCmd runs a worker
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: sym.Worker + " Run a worker that executes spawned commands",
	Long: sym.Worker + ` worker - executes commands spawned by the master.

The worker keeps a websocket to the master open, reconnecting after
worker.retry_delay_ms when it drops. Output produced while disconnected is
queued (up to worker.outbox_size messages) and delivered after reconnecting.
On every reconnect it announces its running jobs so a restarted master can
pick them up.

Stopping the worker kills every command it is running.

Example:
  tock worker                                   # Connect to worker.master_url
  tock worker --master ws://sched:16162/ws      # Override the master URL
  tock worker --id batch-1                      # Fixed worker id`,
	RunE: runWorker,
}

var (
	workerMasterURL string
	workerID        string
)

func init() {
	WorkerCmd.Flags().StringVar(&workerMasterURL, "master", "", "Master websocket URL (overrides worker.master_url)")
	WorkerCmd.Flags().StringVar(&workerID, "id", "", "Worker id (overrides worker.id; default hostname:pid)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if workerMasterURL != "" {
		cfg.Worker.MasterURL = workerMasterURL
	}
	if workerID != "" {
		cfg.Worker.ID = workerID
	}

	w := worker.New(transport.ClientOptions{
		URL:            cfg.Worker.MasterURL,
		Hello:          transport.NewHello(cfg.Worker.ID),
		RetryDelay:     cfg.Worker.RetryDelay(),
		ConnectTimeout: cfg.Worker.ConnectTimeout(),
		OutboxSize:     cfg.Worker.OutboxSize,
	}, logger.Logger)

	pterm.Info.Printf("%s Worker %s connecting to %s\n", sym.Worker, w.ID(), cfg.Worker.MasterURL)

	if watcher := watchLogLevel(); watcher != nil {
		defer watcher.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = w.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	pterm.Success.Printf("%s Worker %s stopped\n", sym.Worker, w.ID())
	return nil
}
