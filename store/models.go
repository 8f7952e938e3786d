// Package store persists schedules, one-off submissions and job execution records.
package store

import (
	"time"

	"github.com/teranos/tock/schedule"
)

// JobState is the lifecycle state of an execution record
type JobState string

const (
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed" // completed with a nonzero exit code
	JobKilled    JobState = "killed"
)

// JobSchedule is a recurring job definition matched against the calendar each minute
type JobSchedule struct {
	ID          string          `json:"id"`
	Command     string          `json:"command"`
	Parameters  []string        `json:"parameters"` // argv order
	Fields      schedule.Fields `json:"fields"`
	MaxRunning  int             `json:"max_running"`
	Active      bool            `json:"active"`
	BindCluster string          `json:"bind_cluster,omitempty"` // stored, informational
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// SingleJob is a one-off job definition due at one exact minute
type SingleJob struct {
	ID                 string     `json:"id"`
	Command            string     `json:"command"`
	Parameters         []string   `json:"parameters"`
	ScheduleDateTime   time.Time  `json:"schedule_date_time"` // minute granularity
	RunSync            bool       `json:"run_sync"`
	RetryOnError       bool       `json:"retry_on_error,omitempty"`        // stored, informational
	LogOutputOnSuccess bool       `json:"log_output_on_success,omitempty"` // stored, informational
	BindHost           string     `json:"bind_host,omitempty"`             // stored, informational
	ConsumedAt         *time.Time `json:"consumed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Job is one execution of a command on a worker
type Job struct {
	ID            string    `json:"id"`
	JobScheduleID string    `json:"job_schedule_id,omitempty"` // empty for one-off jobs
	SingleJobID   string    `json:"single_job_id,omitempty"`
	Command       string    `json:"command"`
	Parameters    []string  `json:"parameters"`
	State         JobState  `json:"state"`
	WorkerID      string    `json:"worker_id,omitempty"`
	Host          string    `json:"host,omitempty"`
	DateTimeRun   time.Time `json:"date_time_run"`
	TotalRunTime  *int64    `json:"total_run_time,omitempty"` // milliseconds, set on completion
	PID           *int      `json:"pid,omitempty"`
	ErrorCode     *int      `json:"error_code,omitempty"`
	StdOut        string    `json:"std_out,omitempty"` // output stream name
	StdErr        string    `json:"std_err,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns a deep copy so event consumers never share the master's record
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Parameters = append([]string(nil), j.Parameters...)
	if j.TotalRunTime != nil {
		v := *j.TotalRunTime
		c.TotalRunTime = &v
	}
	if j.PID != nil {
		v := *j.PID
		c.PID = &v
	}
	if j.ErrorCode != nil {
		v := *j.ErrorCode
		c.ErrorCode = &v
	}
	return &c
}

// Minute truncates t to minute granularity in UTC, the form single jobs are stored and matched in
func Minute(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}
