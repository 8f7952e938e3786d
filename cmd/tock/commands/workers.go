package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tock/sym"
)

// WorkersCmd lists the workers connected to a running master
var WorkersCmd = &cobra.Command{
	Use:   "workers",
	Short: sym.Worker + " List workers connected to the master",
	Long: sym.Worker + ` workers - list workers connected to a running master.

Example:
  tock workers
  tock workers --master http://sched:16162`,
	RunE: runWorkers,
}

var workersMasterURL string

func init() {
	WorkersCmd.Flags().StringVar(&workersMasterURL, "master", "", "Master API URL (overrides master.url)")
}

func runWorkers(cmd *cobra.Command, args []string) error {
	client, err := masterClient(workersMasterURL)
	if err != nil {
		return err
	}
	resp, err := client.Workers(context.Background())
	if err != nil {
		return err
	}

	if len(resp.Workers) == 0 {
		pterm.Info.Println("No workers connected")
		return nil
	}

	data := pterm.TableData{{"ID", "HOST", "PID", "PROTOCOL", "PLATFORM", "CPUS", "CONNECTED"}}
	for _, w := range resp.Workers {
		data = append(data, []string{
			w.Hello.WorkerID,
			w.Hello.Hostname,
			fmt.Sprint(w.Hello.PID),
			w.Hello.Version,
			w.Hello.Host.Platform,
			fmt.Sprint(w.Hello.Host.CPUs),
			w.ConnectedAt.Local().Format(time.DateTime),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
