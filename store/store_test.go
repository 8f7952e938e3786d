package store

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tock/errors"
	tocktest "github.com/teranos/tock/internal/testing"
	"github.com/teranos/tock/internal/util"
	"github.com/teranos/tock/schedule"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	return NewSQLStore(tocktest.CreateTestDB(t))
}

func everyMinute() schedule.Fields {
	return schedule.Fields{Minute: "*", Hour: "*", DayOfMonth: "*", Month: "*", DayOfWeek: "*"}
}

func TestScheduleCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	js := &JobSchedule{
		Command:    "echo",
		Parameters: []string{"hello", "world"},
		Fields:     schedule.Fields{Minute: "*/5", Hour: "*", DayOfMonth: "*", Month: "*", DayOfWeek: "1,2,3"},
		MaxRunning: 2,
		Active:     true,
	}
	require.NoError(t, s.CreateSchedule(ctx, js))
	require.NotEmpty(t, js.ID)

	got, err := s.GetSchedule(ctx, js.ID)
	require.NoError(t, err)
	assert.Equal(t, "echo", got.Command)
	assert.Equal(t, []string{"hello", "world"}, got.Parameters)
	assert.Equal(t, js.Fields, got.Fields)
	assert.Equal(t, 2, got.MaxRunning)
	assert.True(t, got.Active)
	assert.Empty(t, got.BindCluster)

	got.Active = false
	got.Fields.Minute = "0"
	require.NoError(t, s.UpdateSchedule(ctx, got))

	list, err := s.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Active)
	assert.Equal(t, "0", list[0].Fields.Minute)

	require.NoError(t, s.DeleteSchedule(ctx, js.ID))
	_, err = s.GetSchedule(ctx, js.ID)
	assert.True(t, errors.IsNotFoundError(err))
	assert.True(t, errors.IsNotFoundError(s.DeleteSchedule(ctx, js.ID)))
}

func TestCreateScheduleValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	tests := []struct {
		name string
		js   *JobSchedule
	}{
		{"empty command", &JobSchedule{Command: " ", Fields: everyMinute()}},
		{"negative max running", &JobSchedule{Command: "true", Fields: everyMinute(), MaxRunning: -1}},
		{"bad minute", &JobSchedule{Command: "true", Fields: schedule.Fields{Minute: "61", Hour: "*", DayOfMonth: "*", Month: "*", DayOfWeek: "*"}}},
		{"range form", &JobSchedule{Command: "true", Fields: schedule.Fields{Minute: "1-5", Hour: "*", DayOfMonth: "*", Month: "*", DayOfWeek: "*"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.CreateSchedule(ctx, tt.js)
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequestError(err))
		})
	}

	list, err := s.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDueSingleJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	minute := time.Date(2013, 3, 4, 15, 20, 0, 0, time.UTC)

	due := &SingleJob{Command: "echo", Parameters: []string{"due"}, ScheduleDateTime: minute.Add(12 * time.Second)}
	later := &SingleJob{Command: "echo", ScheduleDateTime: minute.Add(time.Minute)}
	consumed := &SingleJob{Command: "echo", ScheduleDateTime: minute, ConsumedAt: util.Ptr(minute)}
	for _, sj := range []*SingleJob{due, later, consumed} {
		require.NoError(t, s.CreateSingleJob(ctx, sj))
	}
	assert.Equal(t, minute, due.ScheduleDateTime, "schedule time is truncated to the minute")

	got, err := s.DueSingleJobs(ctx, minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
	assert.Equal(t, []string{"due"}, got[0].Parameters)
	require.NotNil(t, got[0].ConsumedAt)

	again, err := s.DueSingleJobs(ctx, minute)
	require.NoError(t, err)
	assert.Empty(t, again, "a claimed submission is never returned twice")

	stored, err := s.GetSingleJob(ctx, due.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ConsumedAt)

	next, err := s.DueSingleJobs(ctx, minute.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, later.ID, next[0].ID)
}

func TestDueSingleJobsMatchesAcrossZones(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	loc := time.FixedZone("UTC+2", 2*60*60)
	local := time.Date(2024, 6, 1, 10, 30, 0, 0, loc)
	require.NoError(t, s.CreateSingleJob(ctx, &SingleJob{Command: "true", ScheduleDateTime: local}))

	got, err := s.DueSingleJobs(ctx, local.UTC())
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	js := &JobSchedule{Command: "sleep", Parameters: []string{"1"}, Fields: everyMinute(), Active: true}
	require.NoError(t, s.CreateSchedule(ctx, js))

	job := &Job{JobScheduleID: js.ID, Command: js.Command, Parameters: js.Parameters}
	require.NoError(t, s.CreateJob(ctx, job))
	require.NotEmpty(t, job.ID)
	assert.False(t, job.DateTimeRun.IsZero())
	assert.Equal(t, JobRunning, job.State)

	job.StdOut = "tock-stdout-" + job.ID
	job.StdErr = "tock-stderr-" + job.ID
	job.WorkerID = "w1"
	job.Host = "box"
	job.PID = util.Ptr(4242)
	job.TotalRunTime = util.Ptr(int64(1003))
	job.ErrorCode = util.Ptr(2)
	job.State = JobFailed
	require.NoError(t, s.SaveJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, js.ID, got.JobScheduleID)
	assert.Equal(t, JobFailed, got.State)
	assert.Equal(t, "w1", got.WorkerID)
	assert.Equal(t, "box", got.Host)
	assert.Equal(t, 4242, *got.PID)
	assert.Equal(t, int64(1003), *got.TotalRunTime)
	assert.Equal(t, 2, *got.ErrorCode)
	assert.Equal(t, job.StdOut, got.StdOut)
	assert.WithinDuration(t, job.DateTimeRun, got.DateTimeRun, time.Millisecond)

	_, err = s.GetJob(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
	assert.True(t, errors.IsNotFoundError(s.SaveJob(ctx, &Job{ID: "missing", State: JobCompleted})))
}

func TestListJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		job := &Job{Command: "true", DateTimeRun: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, s.CreateJob(ctx, job))
		if i == 2 {
			job.State = JobKilled
			require.NoError(t, s.SaveJob(ctx, job))
		}
	}

	all, err := s.ListJobs(ctx, JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].DateTimeRun.After(all[1].DateTimeRun), "newest first")

	limited, err := s.ListJobs(ctx, JobFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	killed, err := s.ListJobs(ctx, JobFilter{State: JobKilled})
	require.NoError(t, err)
	require.Len(t, killed, 1)
	assert.Empty(t, killed[0].JobScheduleID)
}

// --- Sqlmock Tests ---

func TestDueSingleJobs_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db)
	minute := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM single_jobs`).
		WithArgs("2024-01-01T12:00:00Z").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err = s.DueSingleJobs(t.Context(), minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "due single jobs")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveJob_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db)

	mock.ExpectExec(`UPDATE jobs SET`).
		WillReturnError(errors.New("database is locked"))

	err = s.SaveJob(t.Context(), &Job{ID: "j1", State: JobCompleted})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save job j1")
	assert.False(t, errors.IsNotFoundError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListSchedules_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db)

	rows := sqlmock.NewRows([]string{
		"id", "command", "parameters", "minute", "hour", "day_of_month", "month", "day_of_week",
		"max_running", "active", "bind_cluster", "created_at", "updated_at",
	}).AddRow("s1", "echo", `["a"]`, "*", "*", "*", "*", "*", 0, true, nil, "2024-01-01T00:00:00.000Z", "2024-01-01T00:00:00.000Z").
		AddRow("s2", "echo", `not json`, "*", "*", "*", "*", "*", 0, true, nil, "2024-01-01T00:00:00.000Z", "2024-01-01T00:00:00.000Z")

	mock.ExpectQuery(`SELECT .* FROM job_schedules`).WillReturnRows(rows)

	_, err = s.ListSchedules(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode parameters")
	assert.NoError(t, mock.ExpectationsWereMet())
}
