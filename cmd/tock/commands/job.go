package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tock/am"
	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/internal/httpclient"
	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/output"
	"github.com/teranos/tock/server"
	"github.com/teranos/tock/store"
	"github.com/teranos/tock/sym"
)

// JobCmd submits, lists, kills and inspects jobs
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: sym.Job + " Submit, list, kill and inspect jobs",
	Long: sym.Job + ` job - submit, list, kill and inspect jobs.

run, kill and followed logs go through the running master's API
(master.url); ls and plain logs read the database directly.

Examples:
  tock job run -- echo hello                        # Spawn now
  tock job run --sync -- make test                  # Spawn and wait for the result
  tock job run --at 2026-01-01T00:00:00Z -- report  # Run once at a later minute
  tock job ls --state failed --limit 20
  tock job kill <id>
  tock job logs <id> -f`,
}

var jobRunCmd = &cobra.Command{
	Use:   "run [flags] -- <command> [args...]",
	Short: "Submit a one-off job",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJobRun,
}

var jobLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List job execution records",
	RunE:  runJobLs,
}

var jobKillCmd = &cobra.Command{
	Use:   "kill <id>",
	Short: "Kill a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobKill,
}

var jobLogsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Print a job's captured output",
	Long: `Print a job's captured stdout (or stderr with --stderr).

With -f the stored output is printed first, then output is streamed live
from the master until the job finishes.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobLogs,
}

var (
	jobMasterURL  string
	jobDBPath     string
	jobRunAt      string
	jobRunSync    bool
	jobBindHost   string
	jobLsSchedule string
	jobLsState    string
	jobLsLimit    int
	jobLsRunning  bool
	jobLogsStderr bool
	jobLogsFollow bool
)

func init() {
	JobCmd.PersistentFlags().StringVar(&jobMasterURL, "master", "", "Master API URL (overrides master.url)")
	JobCmd.PersistentFlags().StringVar(&jobDBPath, "db", "", "Database path (overrides database.path)")

	jobRunCmd.Flags().StringVar(&jobRunAt, "at", "", "Run at this minute (RFC 3339) instead of now")
	jobRunCmd.Flags().BoolVar(&jobRunSync, "sync", false, "Wait for the job to finish and print its output")
	jobRunCmd.Flags().StringVar(&jobBindHost, "bind-host", "", "Host label (stored only)")

	jobLsCmd.Flags().StringVar(&jobLsSchedule, "schedule", "", "Only jobs of this schedule")
	jobLsCmd.Flags().StringVar(&jobLsState, "state", "", "Only jobs in this state (running, completed, failed, killed)")
	jobLsCmd.Flags().IntVar(&jobLsLimit, "limit", server.DefaultJobListLimit, "Maximum number of jobs")
	jobLsCmd.Flags().BoolVar(&jobLsRunning, "running", false, "Ask the master for the jobs it is tracking")

	jobLogsCmd.Flags().BoolVar(&jobLogsStderr, "stderr", false, "Print stderr instead of stdout")
	jobLogsCmd.Flags().BoolVarP(&jobLogsFollow, "follow", "f", false, "Stream live output until the job finishes")

	JobCmd.AddCommand(jobRunCmd)
	JobCmd.AddCommand(jobLsCmd)
	JobCmd.AddCommand(jobKillCmd)
	JobCmd.AddCommand(jobLogsCmd)
}

// buildRunRequest turns `job run` flags and arguments into an API request
func buildRunRequest(args []string, at string, sync bool, bindHost string) (server.RunJobRequest, error) {
	command, params, err := splitCommand(args)
	if err != nil {
		return server.RunJobRequest{}, err
	}
	req := server.RunJobRequest{
		Command:    command,
		Parameters: params,
		RunSync:    sync,
		BindHost:   bindHost,
	}
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return server.RunJobRequest{}, errors.NewInvalidRequestError("--at %q: expected RFC 3339, e.g. 2026-01-01T09:30:00Z", at)
		}
		if sync {
			return server.RunJobRequest{}, errors.NewInvalidRequestError("--at and --sync cannot be combined")
		}
		req.ScheduleDateTime = &t
	}
	return req, nil
}

// jobFailure reports a finished job that did not complete cleanly
func jobFailure(job *store.Job) error {
	switch job.State {
	case store.JobFailed:
		code := -1
		if job.ErrorCode != nil {
			code = *job.ErrorCode
		}
		return errors.Newf("job %s failed with exit code %d", job.ID, code)
	case store.JobKilled:
		return errors.Newf("job %s was killed", job.ID)
	}
	return nil
}

func runJobRun(cmd *cobra.Command, args []string) error {
	req, err := buildRunRequest(args, jobRunAt, jobRunSync, jobBindHost)
	if err != nil {
		return err
	}
	client, err := masterClient(jobMasterURL)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resp, err := client.RunJob(ctx, req)
	if err != nil {
		return err
	}

	if resp.Job == nil {
		pterm.Success.Printf("%s Scheduled single job %s for %s\n",
			sym.Job, resp.SingleJob.ID, resp.SingleJob.ScheduleDateTime.Local().Format("2006-01-02 15:04 MST"))
		return nil
	}
	if !req.RunSync {
		pterm.Success.Printf("%s Spawned job %s on %s\n", sym.Job, resp.Job.ID, resp.Job.WorkerID)
		return nil
	}

	if err := copyOutput(ctx, client, resp.Job.ID, "stdout", false, os.Stdout); err != nil {
		logger.Warnw("Could not fetch stdout", logger.FieldJobID, resp.Job.ID, logger.FieldError, err)
	}
	if err := copyOutput(ctx, client, resp.Job.ID, "stderr", false, os.Stderr); err != nil {
		logger.Warnw("Could not fetch stderr", logger.FieldJobID, resp.Job.ID, logger.FieldError, err)
	}
	return jobFailure(resp.Job)
}

func copyOutput(ctx context.Context, client *httpclient.Client, id, stream string, follow bool, w io.Writer) error {
	body, err := client.Output(ctx, id, stream, follow)
	if err != nil {
		return err
	}
	defer body.Close()
	_, err = io.Copy(w, body)
	return err
}

func runJobLs(cmd *cobra.Command, args []string) error {
	var jobs []*store.Job
	if jobLsRunning {
		client, err := masterClient(jobMasterURL)
		if err != nil {
			return err
		}
		jobs, err = client.RunningJobs(context.Background())
		if err != nil {
			return err
		}
	} else {
		database, err := openDatabase(jobDBPath)
		if err != nil {
			return err
		}
		defer database.Close()

		jobs, err = store.NewSQLStore(database).ListJobs(context.Background(), store.JobFilter{
			ScheduleID: jobLsSchedule,
			State:      store.JobState(jobLsState),
			Limit:      jobLsLimit,
		})
		if err != nil {
			return err
		}
	}

	if len(jobs) == 0 {
		pterm.Info.Println("No jobs")
		return nil
	}

	data := pterm.TableData{{"ID", "STATE", "COMMAND", "WORKER", "STARTED", "RUNTIME", "EXIT"}}
	for _, j := range jobs {
		runtime, exit := "-", "-"
		if j.TotalRunTime != nil {
			runtime = (time.Duration(*j.TotalRunTime) * time.Millisecond).String()
		}
		if j.ErrorCode != nil {
			exit = fmt.Sprint(*j.ErrorCode)
		}
		data = append(data, []string{
			j.ID,
			string(j.State),
			shellquote.Join(append([]string{j.Command}, j.Parameters...)...),
			j.WorkerID,
			j.DateTimeRun.Local().Format(time.DateTime),
			runtime,
			exit,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runJobKill(cmd *cobra.Command, args []string) error {
	client, err := masterClient(jobMasterURL)
	if err != nil {
		return err
	}
	if err := client.KillJob(context.Background(), args[0]); err != nil {
		return err
	}
	pterm.Success.Printf("%s Killed job %s\n", sym.Job, args[0])
	return nil
}

func runJobLogs(cmd *cobra.Command, args []string) error {
	id := args[0]
	stream, w := "stdout", io.Writer(os.Stdout)
	if jobLogsStderr {
		stream, w = "stderr", os.Stderr
	}

	if err := printStoredOutput(id, jobLogsStderr, w); err != nil {
		return err
	}
	if !jobLogsFollow {
		return nil
	}

	client, err := masterClient(jobMasterURL)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = copyOutput(ctx, client, id, stream, true, w)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// printStoredOutput copies a job's stored output from the configured output backend
func printStoredOutput(id string, stderr bool, w io.Writer) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(jobDBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	job, err := store.NewSQLStore(database).GetJob(ctx, id)
	if err != nil {
		return err
	}

	out, err := output.New(cfg, database, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open output store")
	}
	defer out.Close()

	name := job.StdOut
	if name == "" {
		name = output.StdoutName(job.ID)
	}
	if stderr {
		name = job.StdErr
		if name == "" {
			name = output.StderrName(job.ID)
		}
	}

	data, err := output.ReadAll(ctx, out, name)
	if err != nil && !errors.IsNotFoundError(err) {
		return err
	}
	_, err = w.Write(data)
	return err
}
