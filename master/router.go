package master

import (
	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/store"
	"github.com/teranos/tock/transport"
)

// route applies one worker message to the registry. Runs on the loop.
func (d *Dispatcher) route(in transport.Inbound) {
	if id := transport.JobIDOf(in.Msg); id != "" && d.finished.has(id) {
		d.logger.Debugw("Dropping event for finished job",
			logger.FieldJobID, id,
			logger.FieldKind, in.Msg.Kind(),
			logger.FieldWorkerID, in.WorkerID,
		)
		return
	}

	switch m := in.Msg.(type) {
	case *transport.WorkStarted:
		d.with(in, m.JobID, func(e *entry) {
			e.workerID = m.WorkerID
			e.job.WorkerID = m.WorkerID
			e.job.PID = &m.PID
			e.job.Host = m.Host
		})

	case *transport.Stdout:
		d.with(in, m.JobID, func(e *entry) {
			e.stdout.write(m.Data)
			d.publishOutputLocked(m.JobID, StreamStdout, m.Data)
			d.emit(Event{Kind: EventStdout, JobID: m.JobID, ScheduleID: e.job.JobScheduleID, Data: m.Data})
		})

	case *transport.Stderr:
		d.with(in, m.JobID, func(e *entry) {
			e.stderr.write(m.Data)
			d.publishOutputLocked(m.JobID, StreamStderr, m.Data)
			d.emit(Event{Kind: EventStderr, JobID: m.JobID, ScheduleID: e.job.JobScheduleID, Data: m.Data})
		})

	case *transport.Error:
		d.with(in, m.JobID, func(e *entry) {
			code := m.Code
			e.job.ErrorCode = &code
			d.metrics.JobErrors.WithLabelValues("exit").Inc()
			d.logger.Infow("Job reported error",
				logger.FieldJobID, m.JobID,
				logger.FieldErrorCode, m.Code,
				"message", m.Message,
			)
			d.emit(Event{Kind: EventError, JobID: m.JobID, Job: e.job.Clone(), ScheduleID: e.job.JobScheduleID, ErrorCode: m.Code})
		})

	case *transport.Complete:
		d.with(in, m.JobID, func(e *entry) { d.completeLocked(e, m) })

	case *transport.Killed:
		d.with(in, m.JobID, func(e *entry) { d.killedLocked(e) })

	case *transport.Announce:
		for _, id := range m.JobIDs {
			if d.finished.has(id) {
				continue
			}
			d.with(in, id, func(*entry) {})
		}
		d.logger.Infow("Worker announced running jobs", logger.FieldWorkerID, in.WorkerID, logger.FieldCount, len(m.JobIDs))

	default:
		d.logger.Warnw("No route for worker message", logger.FieldKind, in.Msg.Kind(), logger.FieldWorkerID, in.WorkerID)
	}
}

// with resolves jobID and runs fn on its live entry. The sending worker
// becomes the owner when none is recorded yet.
func (d *Dispatcher) with(in transport.Inbound, jobID string, fn func(*entry)) {
	d.resolve(jobID, func(e *entry, err error) {
		if err != nil {
			d.logger.Debugw("Dropping event for unresolvable job",
				logger.FieldJobID, jobID,
				logger.FieldKind, in.Msg.Kind(),
				logger.FieldError, err,
			)
			return
		}
		if d.entries[jobID] != e || e.finishing {
			return
		}
		if e.workerID == "" {
			e.workerID = in.WorkerID
			e.job.WorkerID = in.WorkerID
		}
		fn(e)
	})
}

func (d *Dispatcher) completeLocked(e *entry, m *transport.Complete) {
	e.finishing = true
	e.closeStreams()

	job := e.job
	runTime := m.TotalRunTime
	job.TotalRunTime = &runTime
	if m.PID != 0 {
		pid := m.PID
		job.PID = &pid
	}
	job.State = store.JobCompleted
	if job.ErrorCode != nil && *job.ErrorCode != 0 {
		job.State = store.JobFailed
	}
	snapshot := job.Clone()

	d.background(func() {
		// Persist only once every queued chunk reached the output store
		e.waitStreams()
		if err := d.store.SaveJob(d.ctx, snapshot); err != nil {
			d.logger.Errorw("Failed to save completed job", logger.FieldJobID, job.ID, logger.FieldError, err)
		}

		d.mailbox.post(func() {
			d.removeLocked(job.ID, e)
			d.metrics.JobsCompleted.WithLabelValues(string(snapshot.State)).Inc()
			d.logger.Infow("Job complete",
				logger.FieldJobID, job.ID,
				logger.FieldScheduleID, job.JobScheduleID,
				logger.FieldDurationMS, runTime,
				"state", snapshot.State,
			)
			d.emit(Event{Kind: EventComplete, JobID: job.ID, Job: snapshot.Clone(), ScheduleID: job.JobScheduleID})

			for _, ch := range e.syncWaiters {
				ch <- snapshot.Clone()
			}
			e.syncWaiters = nil
			for _, ch := range e.killWaiters {
				ch <- errors.Wrapf(errors.ErrJobNotRunning, "job %s completed before it was killed", job.ID)
			}
			e.killWaiters = nil
		})
	})
}

func (d *Dispatcher) killedLocked(e *entry) {
	e.finishing = true
	e.closeStreams()

	job := e.job
	d.removeLocked(job.ID, e)
	job.State = store.JobKilled
	snapshot := job.Clone()

	d.background(func() {
		e.waitStreams()
		if err := d.store.SaveJob(d.ctx, snapshot); err != nil {
			d.logger.Warnw("Failed to save killed job", logger.FieldJobID, job.ID, logger.FieldError, err)
		}
	})

	d.metrics.JobsKilled.Inc()
	d.logger.Infow("Job killed", logger.FieldJobID, job.ID, logger.FieldWorkerID, e.workerID)
	d.emit(Event{Kind: EventKilled, JobID: job.ID, Job: snapshot.Clone(), ScheduleID: job.JobScheduleID})

	for _, ch := range e.killWaiters {
		ch <- nil
	}
	e.killWaiters = nil
}
