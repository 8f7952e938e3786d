package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/schedule"
)

// Store is the persistence surface the dispatch engine consumes.
type Store interface {
	// ListSchedules returns every schedule; callers filter by Active and the matcher
	ListSchedules(ctx context.Context) ([]*JobSchedule, error)
	// DueSingleJobs claims the unconsumed one-offs scheduled exactly at minute
	DueSingleJobs(ctx context.Context, minute time.Time) ([]*SingleJob, error)
	CreateSingleJob(ctx context.Context, sj *SingleJob) error
	CreateJob(ctx context.Context, job *Job) error
	SaveJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
}

// timeLayout is fixed width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand or older tools
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t, err
}

// formatMinute is the exact-match key for single jobs
func formatMinute(t time.Time) string {
	return Minute(t).Format(time.RFC3339)
}

func encodeParams(params []string) (string, error) {
	if params == nil {
		params = []string{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", errors.Wrap(err, "encode parameters")
	}
	return string(data), nil
}

func decodeParams(raw string) ([]string, error) {
	var params []string
	if raw == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, errors.Wrap(err, "decode parameters")
	}
	return params, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// SQLStore implements Store (and schedule CRUD) on database/sql with SQLite
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore creates a store over a migrated database
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// ---- schedules ----

func validateSchedule(s *JobSchedule) error {
	if strings.TrimSpace(s.Command) == "" {
		return errors.NewInvalidRequestError("schedule command is required")
	}
	if s.MaxRunning < 0 {
		return errors.NewInvalidRequestError("max_running must be >= 0, got %d", s.MaxRunning)
	}
	return schedule.Validate(s.Fields)
}

// CreateSchedule validates and inserts a schedule, assigning its ID
func (s *SQLStore) CreateSchedule(ctx context.Context, js *JobSchedule) error {
	if err := validateSchedule(js); err != nil {
		return err
	}
	params, err := encodeParams(js.Parameters)
	if err != nil {
		return err
	}

	if js.ID == "" {
		js.ID = uuid.NewString()
	}
	now := s.now()
	js.CreatedAt, js.UpdatedAt = now, now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_schedules (
			id, command, parameters, minute, hour, day_of_month, month, day_of_week,
			max_running, active, bind_cluster, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		js.ID, js.Command, params,
		js.Fields.Minute, js.Fields.Hour, js.Fields.DayOfMonth, js.Fields.Month, js.Fields.DayOfWeek,
		js.MaxRunning, js.Active, nullString(js.BindCluster),
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create schedule")
	}
	return nil
}

// UpdateSchedule replaces the mutable fields of an existing schedule
func (s *SQLStore) UpdateSchedule(ctx context.Context, js *JobSchedule) error {
	if err := validateSchedule(js); err != nil {
		return err
	}
	params, err := encodeParams(js.Parameters)
	if err != nil {
		return err
	}
	js.UpdatedAt = s.now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE job_schedules SET
			command = ?, parameters = ?, minute = ?, hour = ?, day_of_month = ?, month = ?,
			day_of_week = ?, max_running = ?, active = ?, bind_cluster = ?, updated_at = ?
		WHERE id = ?`,
		js.Command, params,
		js.Fields.Minute, js.Fields.Hour, js.Fields.DayOfMonth, js.Fields.Month, js.Fields.DayOfWeek,
		js.MaxRunning, js.Active, nullString(js.BindCluster), formatTime(js.UpdatedAt),
		js.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update schedule %s", js.ID)
	}
	return requireRow(res, "schedule", js.ID)
}

// DeleteSchedule removes a schedule; past jobs keep their records with a null back-reference
func (s *SQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_schedules WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete schedule %s", id)
	}
	return requireRow(res, "schedule", id)
}

const scheduleColumns = `id, command, parameters, minute, hour, day_of_month, month, day_of_week,
	max_running, active, bind_cluster, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row scanner) (*JobSchedule, error) {
	var js JobSchedule
	var params, createdAt, updatedAt string
	var bindCluster sql.NullString

	err := row.Scan(
		&js.ID, &js.Command, &params,
		&js.Fields.Minute, &js.Fields.Hour, &js.Fields.DayOfMonth, &js.Fields.Month, &js.Fields.DayOfWeek,
		&js.MaxRunning, &js.Active, &bindCluster, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if js.Parameters, err = decodeParams(params); err != nil {
		return nil, err
	}
	js.BindCluster = bindCluster.String
	if js.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrap(err, "parse created_at")
	}
	if js.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, errors.Wrap(err, "parse updated_at")
	}
	return &js, nil
}

// GetSchedule retrieves a schedule by ID
func (s *SQLStore) GetSchedule(ctx context.Context, id string) (*JobSchedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM job_schedules WHERE id = ?`, id)
	js, err := scanSchedule(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("schedule %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get schedule %s", id)
	}
	return js, nil
}

// ListSchedules returns all schedules ordered by creation
func (s *SQLStore) ListSchedules(ctx context.Context) ([]*JobSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM job_schedules ORDER BY created_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedules")
	}
	defer rows.Close()

	var schedules []*JobSchedule
	for rows.Next() {
		js, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule")
		}
		schedules = append(schedules, js)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate schedules")
	}
	return schedules, nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("%s %s", kind, id)
	}
	return nil
}
