package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/tock/errors"
)

// ---- single jobs ----

// CreateSingleJob persists a one-off submission. ScheduleDateTime is stored minute-truncated in UTC.
func (s *SQLStore) CreateSingleJob(ctx context.Context, sj *SingleJob) error {
	if strings.TrimSpace(sj.Command) == "" {
		return errors.NewInvalidRequestError("single job command is required")
	}
	if sj.ScheduleDateTime.IsZero() {
		return errors.NewInvalidRequestError("single job schedule_date_time is required")
	}
	params, err := encodeParams(sj.Parameters)
	if err != nil {
		return err
	}

	if sj.ID == "" {
		sj.ID = uuid.NewString()
	}
	sj.ScheduleDateTime = Minute(sj.ScheduleDateTime)
	sj.CreatedAt = s.now()

	var consumedAt interface{}
	if sj.ConsumedAt != nil {
		consumedAt = formatTime(*sj.ConsumedAt)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO single_jobs (
			id, command, parameters, schedule_date_time, run_sync, retry_on_error,
			log_output_on_success, bind_host, consumed_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sj.ID, sj.Command, params, formatMinute(sj.ScheduleDateTime),
		sj.RunSync, sj.RetryOnError, sj.LogOutputOnSuccess, nullString(sj.BindHost),
		consumedAt, formatTime(sj.CreatedAt),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create single job")
	}
	return nil
}

const singleJobColumns = `id, command, parameters, schedule_date_time, run_sync, retry_on_error,
	log_output_on_success, bind_host, consumed_at, created_at`

func scanSingleJob(row scanner) (*SingleJob, error) {
	var sj SingleJob
	var params, scheduled, createdAt string
	var bindHost, consumedAt sql.NullString

	err := row.Scan(
		&sj.ID, &sj.Command, &params, &scheduled, &sj.RunSync, &sj.RetryOnError,
		&sj.LogOutputOnSuccess, &bindHost, &consumedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if sj.Parameters, err = decodeParams(params); err != nil {
		return nil, err
	}
	if sj.ScheduleDateTime, err = parseTime(scheduled); err != nil {
		return nil, errors.Wrap(err, "parse schedule_date_time")
	}
	if sj.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrap(err, "parse created_at")
	}
	sj.BindHost = bindHost.String
	if consumedAt.Valid {
		t, err := parseTime(consumedAt.String)
		if err != nil {
			return nil, errors.Wrap(err, "parse consumed_at")
		}
		sj.ConsumedAt = &t
	}
	return &sj, nil
}

// DueSingleJobs claims every unconsumed single job scheduled exactly at minute.
// Claimed rows are marked consumed in the same transaction so a submission runs once.
func (s *SQLStore) DueSingleJobs(ctx context.Context, minute time.Time) ([]*SingleJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin single job claim")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+singleJobColumns+` FROM single_jobs
		 WHERE schedule_date_time = ? AND consumed_at IS NULL
		 ORDER BY created_at, id`,
		formatMinute(minute),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query due single jobs")
	}

	var due []*SingleJob
	for rows.Next() {
		sj, err := scanSingleJob(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan single job")
		}
		due = append(due, sj)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "failed to iterate single jobs")
	}
	rows.Close()

	now := s.now()
	for _, sj := range due {
		if _, err := tx.ExecContext(ctx,
			`UPDATE single_jobs SET consumed_at = ? WHERE id = ?`,
			formatTime(now), sj.ID,
		); err != nil {
			return nil, errors.Wrapf(err, "failed to claim single job %s", sj.ID)
		}
		consumed := now
		sj.ConsumedAt = &consumed
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit single job claim")
	}
	return due, nil
}

// GetSingleJob retrieves a one-off submission by ID
func (s *SQLStore) GetSingleJob(ctx context.Context, id string) (*SingleJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+singleJobColumns+` FROM single_jobs WHERE id = ?`, id)
	sj, err := scanSingleJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("single job %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get single job %s", id)
	}
	return sj, nil
}

// ---- execution records ----

// CreateJob inserts a new execution record, assigning ID and DateTimeRun when unset
func (s *SQLStore) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := s.now()
	if job.DateTimeRun.IsZero() {
		job.DateTimeRun = now
	}
	if job.State == "" {
		job.State = JobRunning
	}
	job.UpdatedAt = now

	params, err := encodeParams(job.Parameters)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, job_schedule_id, single_job_id, command, parameters, state, worker_id, host,
			date_time_run, total_run_time_ms, pid, error_code, std_out, std_err, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, nullString(job.JobScheduleID), nullString(job.SingleJobID),
		job.Command, params, string(job.State), nullString(job.WorkerID), nullString(job.Host),
		formatTime(job.DateTimeRun), job.TotalRunTime, job.PID, job.ErrorCode,
		nullString(job.StdOut), nullString(job.StdErr), formatTime(now),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}
	return nil
}

// SaveJob writes back every mutable field of an execution record
func (s *SQLStore) SaveJob(ctx context.Context, job *Job) error {
	job.UpdatedAt = s.now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			state = ?, worker_id = ?, host = ?, total_run_time_ms = ?, pid = ?,
			error_code = ?, std_out = ?, std_err = ?, updated_at = ?
		WHERE id = ?`,
		string(job.State), nullString(job.WorkerID), nullString(job.Host),
		job.TotalRunTime, job.PID, job.ErrorCode,
		nullString(job.StdOut), nullString(job.StdErr), formatTime(job.UpdatedAt),
		job.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save job %s", job.ID)
	}
	return requireRow(res, "job", job.ID)
}

const jobColumns = `id, job_schedule_id, single_job_id, command, parameters, state, worker_id, host,
	date_time_run, total_run_time_ms, pid, error_code, std_out, std_err, updated_at`

func scanJob(row scanner) (*Job, error) {
	var job Job
	var params, state, dateTimeRun, updatedAt string
	var scheduleID, singleJobID, workerID, host, stdOut, stdErr sql.NullString
	var totalRunTime, pid, errorCode sql.NullInt64

	err := row.Scan(
		&job.ID, &scheduleID, &singleJobID, &job.Command, &params, &state, &workerID, &host,
		&dateTimeRun, &totalRunTime, &pid, &errorCode, &stdOut, &stdErr, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if job.Parameters, err = decodeParams(params); err != nil {
		return nil, err
	}
	if job.DateTimeRun, err = parseTime(dateTimeRun); err != nil {
		return nil, errors.Wrap(err, "parse date_time_run")
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, errors.Wrap(err, "parse updated_at")
	}

	job.State = JobState(state)
	job.JobScheduleID = scheduleID.String
	job.SingleJobID = singleJobID.String
	job.WorkerID = workerID.String
	job.Host = host.String
	job.StdOut = stdOut.String
	job.StdErr = stdErr.String
	if totalRunTime.Valid {
		v := totalRunTime.Int64
		job.TotalRunTime = &v
	}
	if pid.Valid {
		v := int(pid.Int64)
		job.PID = &v
	}
	if errorCode.Valid {
		v := int(errorCode.Int64)
		job.ErrorCode = &v
	}
	return &job, nil
}

// GetJob retrieves an execution record by ID
func (s *SQLStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("job %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// JobFilter narrows ListJobs
type JobFilter struct {
	ScheduleID string
	State      JobState
	Limit      int // 0 means no limit
}

// ListJobs returns execution records, newest first
func (s *SQLStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var where []string
	var args []interface{}
	if filter.ScheduleID != "" {
		where = append(where, "job_schedule_id = ?")
		args = append(args, filter.ScheduleID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date_time_run DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}
	return jobs, nil
}
