package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kballard/go-shellquote"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/tock/am"
	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/schedule"
	"github.com/teranos/tock/store"
	"github.com/teranos/tock/sym"
)

// nextRunHorizon bounds the search for a schedule's next run in `schedule ls`
const nextRunHorizon = 366 * 24 * time.Hour

// ScheduleCmd manages recurring schedules
var ScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: sym.Schedule + " Manage recurring job schedules",
	Long: sym.Schedule + ` schedule - manage recurring job schedules.

A schedule has five fields (minute hour day_of_month month day_of_week),
each "*", a number, a comma list or "*/N". "*/N" matches values divisible
by N. Changes are picked up by the master at its next minute tick.

Examples:
  tock schedule add "*/5 * * * *" -- backup.sh --all
  tock schedule add "0 3 * * 1" --max-running 2 "vacuumdb --all"
  tock schedule ls
  tock schedule disable <id>
  tock schedule import schedules.yaml`,
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <expr> -- <command> [args...]",
	Short: "Create a schedule",
	Long: `Create a schedule from a five-field expression and a command.

A command given as a single argument is split with shell quoting rules.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runScheduleAdd,
}

var scheduleLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List schedules and their next run",
	RunE:  runScheduleLs,
}

var scheduleRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a schedule (its past jobs are kept)",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRm,
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Activate a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setScheduleActive(args[0], true) },
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Deactivate a schedule without deleting it",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setScheduleActive(args[0], false) },
}

var scheduleImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Create schedules from a YAML or TOML file",
	Long: `Create schedules from a YAML (.yaml, .yml) or TOML (.toml) file:

  schedules:
    - command: backup.sh
      parameters: [--all]
      cron: "*/5 * * * *"
    - command: report
      fields: {minute: "0", hour: "6", day_of_month: "*", month: "*", day_of_week: "1"}
      max_running: 2
      active: false

Every entry is validated before any is written.`,
	Args: cobra.ExactArgs(1),
	RunE: runScheduleImport,
}

var (
	scheduleDBPath      string
	scheduleMaxRunning  int
	scheduleInactive    bool
	scheduleBindCluster string
)

func init() {
	ScheduleCmd.PersistentFlags().StringVar(&scheduleDBPath, "db", "", "Database path (overrides database.path)")

	scheduleAddCmd.Flags().IntVar(&scheduleMaxRunning, "max-running", 1, "Maximum concurrent jobs of this schedule (0 never runs)")
	scheduleAddCmd.Flags().BoolVar(&scheduleInactive, "inactive", false, "Create the schedule deactivated")
	scheduleAddCmd.Flags().StringVar(&scheduleBindCluster, "bind-cluster", "", "Cluster label (stored only)")

	ScheduleCmd.AddCommand(scheduleAddCmd)
	ScheduleCmd.AddCommand(scheduleLsCmd)
	ScheduleCmd.AddCommand(scheduleRmCmd)
	ScheduleCmd.AddCommand(scheduleEnableCmd)
	ScheduleCmd.AddCommand(scheduleDisableCmd)
	ScheduleCmd.AddCommand(scheduleImportCmd)
}

// splitCommand turns CLI arguments into a command and its parameters.
// A single argument is split with shell quoting rules.
func splitCommand(args []string) (string, []string, error) {
	if len(args) == 1 {
		words, err := shellquote.Split(args[0])
		if err != nil {
			return "", nil, errors.Wrap(errors.ErrInvalidRequest, err.Error())
		}
		args = words
	}
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return "", nil, errors.NewInvalidRequestError("command is required")
	}
	return args[0], args[1:], nil
}

func openScheduleStore() (*store.SQLStore, func(), error) {
	database, err := openDatabase(scheduleDBPath)
	if err != nil {
		return nil, nil, err
	}
	return store.NewSQLStore(database), func() { database.Close() }, nil
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	fields, err := schedule.Parse(args[0])
	if err != nil {
		return err
	}
	command, params, err := splitCommand(args[1:])
	if err != nil {
		return err
	}

	s, closeDB, err := openScheduleStore()
	if err != nil {
		return err
	}
	defer closeDB()

	js := &store.JobSchedule{
		Command:     command,
		Parameters:  params,
		Fields:      fields,
		MaxRunning:  scheduleMaxRunning,
		Active:      !scheduleInactive,
		BindCluster: scheduleBindCluster,
	}
	if err := s.CreateSchedule(context.Background(), js); err != nil {
		return err
	}

	pterm.Success.Printf("%s Created schedule %s (%s) %s\n", sym.Schedule, js.ID, fields, shellquote.Join(append([]string{command}, params...)...))
	return nil
}

func runScheduleLs(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	loc, err := cfg.Master.Location()
	if err != nil {
		return errors.Wrapf(err, "master.timezone %q", cfg.Master.Timezone)
	}

	s, closeDB, err := openScheduleStore()
	if err != nil {
		return err
	}
	defer closeDB()

	schedules, err := s.ListSchedules(context.Background())
	if err != nil {
		return err
	}
	if len(schedules) == 0 {
		pterm.Info.Println("No schedules")
		return nil
	}

	now := time.Now().In(loc)
	data := pterm.TableData{{"ID", "SCHEDULE", "COMMAND", "MAX", "ACTIVE", "NEXT RUN"}}
	for _, js := range schedules {
		next := "-"
		if js.Active {
			if t, ok := schedule.Next(js.Fields, now, nextRunHorizon); ok {
				next = t.Format("2006-01-02 15:04 MST")
			} else {
				next = "never"
			}
		}
		data = append(data, []string{
			js.ID,
			js.Fields.String(),
			shellquote.Join(append([]string{js.Command}, js.Parameters...)...),
			fmt.Sprint(js.MaxRunning),
			fmt.Sprint(js.Active),
			next,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runScheduleRm(cmd *cobra.Command, args []string) error {
	s, closeDB, err := openScheduleStore()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := s.DeleteSchedule(context.Background(), args[0]); err != nil {
		return err
	}
	pterm.Success.Printf("%s Deleted schedule %s\n", sym.Schedule, args[0])
	return nil
}

func setScheduleActive(id string, active bool) error {
	s, closeDB, err := openScheduleStore()
	if err != nil {
		return err
	}
	defer closeDB()

	ctx := context.Background()
	js, err := s.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	js.Active = active
	if err := s.UpdateSchedule(ctx, js); err != nil {
		return err
	}

	state := "Disabled"
	if active {
		state = "Enabled"
	}
	pterm.Success.Printf("%s %s schedule %s\n", sym.Schedule, state, id)
	return nil
}

// scheduleFile is the document read by `schedule import`
type scheduleFile struct {
	Schedules []scheduleEntry `yaml:"schedules" toml:"schedules"`
}

type scheduleEntry struct {
	Command     string           `yaml:"command" toml:"command"`
	Parameters  []string         `yaml:"parameters" toml:"parameters"`
	Cron        string           `yaml:"cron" toml:"cron"`
	Fields      *schedule.Fields `yaml:"fields" toml:"fields"`
	MaxRunning  *int             `yaml:"max_running" toml:"max_running"`
	Active      *bool            `yaml:"active" toml:"active"`
	BindCluster string           `yaml:"bind_cluster" toml:"bind_cluster"`
}

func (e scheduleEntry) toSchedule() (*store.JobSchedule, error) {
	var fields schedule.Fields
	switch {
	case e.Cron != "" && e.Fields != nil:
		return nil, errors.NewInvalidRequestError("set either cron or fields, not both")
	case e.Cron != "":
		f, err := schedule.Parse(e.Cron)
		if err != nil {
			return nil, err
		}
		fields = f
	case e.Fields != nil:
		fields = *e.Fields
		if err := schedule.Validate(fields); err != nil {
			return nil, err
		}
	default:
		return nil, errors.NewInvalidRequestError("cron or fields is required")
	}

	if strings.TrimSpace(e.Command) == "" {
		return nil, errors.NewInvalidRequestError("command is required")
	}

	js := &store.JobSchedule{
		Command:     e.Command,
		Parameters:  e.Parameters,
		Fields:      fields,
		MaxRunning:  1,
		Active:      true,
		BindCluster: e.BindCluster,
	}
	if e.MaxRunning != nil {
		js.MaxRunning = *e.MaxRunning
	}
	if e.Active != nil {
		js.Active = *e.Active
	}
	return js, nil
}

// loadScheduleFile decodes and validates every entry of a YAML or TOML schedule file
func loadScheduleFile(path string) ([]*store.JobSchedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}

	var doc scheduleFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", path)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", path)
		}
	default:
		return nil, errors.NewInvalidRequestError("unsupported schedule file %q (use .yaml, .yml or .toml)", ext)
	}

	schedules := make([]*store.JobSchedule, 0, len(doc.Schedules))
	for i, entry := range doc.Schedules {
		js, err := entry.toSchedule()
		if err != nil {
			return nil, errors.Wrapf(err, "%s: schedule %d", path, i+1)
		}
		schedules = append(schedules, js)
	}
	return schedules, nil
}

func runScheduleImport(cmd *cobra.Command, args []string) error {
	schedules, err := loadScheduleFile(args[0])
	if err != nil {
		return err
	}
	if len(schedules) == 0 {
		pterm.Info.Printf("No schedules in %s\n", args[0])
		return nil
	}

	s, closeDB, err := openScheduleStore()
	if err != nil {
		return err
	}
	defer closeDB()

	ctx := context.Background()
	for _, js := range schedules {
		if err := s.CreateSchedule(ctx, js); err != nil {
			return err
		}
		pterm.Success.Printf("%s %s  %s  %s\n", sym.Schedule, js.ID, js.Fields, js.Command)
	}
	pterm.Info.Printf("Imported %d schedules from %s\n", len(schedules), args[0])
	return nil
}
