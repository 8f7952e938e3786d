package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tock/am"
	"github.com/teranos/tock/db"
	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/master"
	"github.com/teranos/tock/output"
	"github.com/teranos/tock/server"
	"github.com/teranos/tock/store"
	"github.com/teranos/tock/sym"
	"github.com/teranos/tock/transport"
	"github.com/teranos/tock/version"
)

// hubEventBuffer sizes the channel between worker sockets and the dispatch loop
const hubEventBuffer = 4096

// MasterCmd runs the dispatch engine
var MasterCmd = &cobra.Command{
	Use:   "master",
	Short: sym.Tock + " Run the dispatch engine",
	Long: sym.Tock + ` master - the minute dispatch engine.

The master:
- Serves the worker socket, the JSON API and Prometheus metrics on master.addr
- Waits for master.min_workers workers (at most master.worker_wait_seconds)
- Matches every active schedule against the calendar once a minute
- Spawns due jobs on workers and records their output and outcome

Example:
  tock master                      # Use am.toml settings
  tock master --addr :9000         # Override the listen address
  tock master --min-workers 2      # Wait for two workers before ticking`,
	RunE: runMaster,
}

var (
	masterAddr       string
	masterMinWorkers int
)

func init() {
	MasterCmd.Flags().StringVar(&masterAddr, "addr", "", "Listen address (overrides master.addr)")
	MasterCmd.Flags().IntVar(&masterMinWorkers, "min-workers", -1, "Workers to wait for before ticking (overrides master.min_workers)")
}

func runMaster(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if masterAddr != "" {
		cfg.Master.Addr = masterAddr
	}
	if masterMinWorkers >= 0 {
		cfg.Master.MinWorkers = masterMinWorkers
	}
	loc, err := cfg.Master.Location()
	if err != nil {
		return errors.Wrapf(err, "master.timezone %q", cfg.Master.Timezone)
	}
	log := logger.Logger.Named("master")

	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	out, err := output.New(cfg, database, log)
	if err != nil {
		return errors.Wrap(err, "failed to open output store")
	}
	defer out.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub, err := transport.NewHub(transport.HubOptions{
		Constraint:  cfg.Master.ProtocolConstraint,
		EventBuffer: hubEventBuffer,
		Registerer:  reg,
	}, log)
	if err != nil {
		return err
	}

	jobs := store.NewSQLStore(database)
	dispatcher, err := master.New(master.Options{
		Store:     jobs,
		Output:    out,
		Transport: hub,
		Location:  loc,
		Metrics:   master.NewMetrics(reg),
		Logger:    log,
	})
	if err != nil {
		hub.Close()
		return err
	}
	defer dispatcher.Destroy()

	verbosity, _ := cmd.Flags().GetCount("verbose")
	if logger.ShouldLogTrace(verbosity) {
		traceOutput(dispatcher)
	}

	srv := server.New(server.Options{
		Addr:        cfg.Master.Addr,
		WSPath:      cfg.Master.WSPath,
		MetricsPath: cfg.Master.MetricsPath,
		Socket:      hub,
		Workers:     hub,
		Dispatcher:  dispatcher,
		Store:       jobs,
		Output:      out,
		Gatherer:    reg,
		Logger:      log,
	})
	// A master that cannot take worker connections must not dispatch
	if err := srv.Listen(); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	schema, err := db.SchemaVersion(database)
	if err != nil {
		log.Warnw("Could not read schema version", logger.FieldError, err)
	}
	printMasterBanner(cfg, srv.Addr(), loc.String(), schema)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Master.MinWorkers > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, cfg.Master.WorkerWait())
		err := hub.WaitForWorkers(waitCtx, cfg.Master.MinWorkers)
		cancel()
		if err != nil && ctx.Err() == nil {
			log.Warnw("Starting without the requested workers",
				"min_workers", cfg.Master.MinWorkers,
				"connected", len(hub.Workers()),
				logger.FieldError, err,
			)
		}
	}

	if ctx.Err() == nil {
		dispatcher.Start()
	}
	if watcher := watchLogLevel(); watcher != nil {
		defer watcher.Stop()
	}

	select {
	case <-ctx.Done():
		pterm.Info.Println("Shutting down...")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	dispatcher.Stop()
	if err := srv.Shutdown(context.Background()); err != nil {
		log.Warnw("Server shutdown incomplete", logger.FieldError, err)
	}
	dispatcher.Destroy()
	pterm.Success.Println("Master stopped")
	return nil
}

// traceOutput logs every output chunk at debug level (-vv)
func traceOutput(d *master.Dispatcher) {
	trace := logger.Logger.Named("output")
	for _, kind := range []master.EventKind{master.EventStdout, master.EventStderr} {
		d.On(kind, func(ev master.Event) {
			trace.Debugw(string(ev.Kind),
				logger.FieldJobID, ev.JobID,
				logger.FieldSize, len(ev.Data),
				"data", string(ev.Data),
			)
		})
	}
}

func printMasterBanner(cfg *am.Config, addr, zone, schema string) {
	info := version.Get()
	pterm.DefaultHeader.WithFullWidth().Printf("%s tock master", sym.Tock)
	pterm.Printf("  Version:    %s (commit %s, protocol %s)\n", info.Version, info.Short(), info.Protocol)
	pterm.Printf("  Listening:  %s\n", addr)
	pterm.Printf("  Workers:    ws://%s%s\n", addr, cfg.Master.WSPath)
	if cfg.Master.MetricsPath != "" {
		pterm.Printf("  Metrics:    http://%s%s\n", addr, cfg.Master.MetricsPath)
	}
	pterm.Printf("  Database:   %s (schema %s)\n", cfg.Database.Path, schema)
	pterm.Printf("  Output:     %s\n", cfg.Output.Backend)
	pterm.Printf("  Timezone:   %s\n", zone)
	fmt.Println()
	pterm.Info.Println("Press Ctrl+C to stop")
}
