package server

import (
	"time"

	"github.com/teranos/tock/master"
	"github.com/teranos/tock/schedule"
	"github.com/teranos/tock/store"
	"github.com/teranos/tock/transport"
)

const (
	// ShutdownTimeout bounds how long Shutdown waits for in-flight requests
	ShutdownTimeout = 10 * time.Second
	// DefaultJobListLimit caps GET /api/jobs when no limit is given
	DefaultJobListLimit = 50
)

// RunJobRequest submits a one-off job (POST /api/jobs)
type RunJobRequest struct {
	Command            string     `json:"command"`
	Parameters         []string   `json:"parameters,omitempty"`
	ScheduleDateTime   *time.Time `json:"schedule_date_time,omitempty"` // nil runs now
	RunSync            bool       `json:"run_sync,omitempty"`
	RetryOnError       bool       `json:"retry_on_error,omitempty"`
	LogOutputOnSuccess bool       `json:"log_output_on_success,omitempty"`
	BindHost           string     `json:"bind_host,omitempty"`
}

func (r RunJobRequest) toSingleJobRequest() master.SingleJobRequest {
	req := master.SingleJobRequest{
		Command:            r.Command,
		Parameters:         r.Parameters,
		RunSync:            r.RunSync,
		RetryOnError:       r.RetryOnError,
		LogOutputOnSuccess: r.LogOutputOnSuccess,
		BindHost:           r.BindHost,
	}
	if r.ScheduleDateTime != nil {
		req.ScheduleDateTime = *r.ScheduleDateTime
	}
	return req
}

// RunJobResponse is the outcome of a submission. Job is absent for
// submissions left for a later tick.
type RunJobResponse struct {
	SingleJob *store.SingleJob `json:"single_job"`
	Job       *store.Job       `json:"job,omitempty"`
}

// ListJobsResponse lists execution records
type ListJobsResponse struct {
	Jobs  []*store.Job `json:"jobs"`
	Count int          `json:"count"`
}

// ScheduleRequest creates or replaces a schedule
type ScheduleRequest struct {
	Command     string          `json:"command"`
	Parameters  []string        `json:"parameters,omitempty"`
	Fields      schedule.Fields `json:"fields"`
	MaxRunning  *int            `json:"max_running,omitempty"` // nil means 1
	Active      *bool           `json:"active,omitempty"`      // nil means true
	BindCluster string          `json:"bind_cluster,omitempty"`
}

func (r ScheduleRequest) apply(js *store.JobSchedule) {
	js.Command = r.Command
	js.Parameters = r.Parameters
	js.Fields = r.Fields
	js.MaxRunning = 1
	if r.MaxRunning != nil {
		js.MaxRunning = *r.MaxRunning
	}
	js.Active = true
	if r.Active != nil {
		js.Active = *r.Active
	}
	js.BindCluster = r.BindCluster
}

// ListSchedulesResponse lists schedules
type ListSchedulesResponse struct {
	Schedules []*store.JobSchedule `json:"schedules"`
	Count     int                  `json:"count"`
}

// ListWorkersResponse lists connected workers
type ListWorkersResponse struct {
	Workers []transport.WorkerInfo `json:"workers"`
	Count   int                    `json:"count"`
}

// HealthResponse is served on /health
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	Protocol    string `json:"protocol"`
	Workers     int    `json:"workers"`
	RunningJobs int    `json:"running_jobs"`
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
}
