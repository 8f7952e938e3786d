package master

import (
	"context"
	"strings"
	"time"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/store"
)

// KillJob asks the owning worker (or every worker, when the owner is unknown)
// to kill id and waits for the worker's confirmation or ctx.
// A job the dispatcher is not tracking is a logged no-op returning ErrJobNotRunning.
func (d *Dispatcher) KillJob(ctx context.Context, id string) error {
	var (
		found    bool
		workerID string
		confirm  = make(chan error, 1)
	)
	if err := d.do(func() {
		e, ok := d.entries[id]
		if !ok || e.finishing {
			return
		}
		found = true
		workerID = e.workerID
		e.killWaiters = append(e.killWaiters, confirm)
	}); err != nil {
		return err
	}

	if !found {
		d.logger.Warnw("Kill requested for a job that is not running", logger.FieldJobID, id)
		return errors.Wrapf(errors.ErrJobNotRunning, "job %s", id)
	}

	if err := d.transport.Kill(ctx, workerID, id); err != nil {
		d.dropKillWaiter(id, confirm)
		return errors.Wrapf(err, "send kill for job %s", id)
	}
	d.logger.Infow("Kill requested", logger.FieldJobID, id, logger.FieldWorkerID, workerID)

	select {
	case err := <-confirm:
		return err
	case <-ctx.Done():
		d.dropKillWaiter(id, confirm)
		return errors.Wrapf(errors.ErrTimeout, "job %s: no kill confirmation: %v", id, ctx.Err())
	case <-d.done:
		return errors.ErrClosed
	}
}

// dropKillWaiter forgets a kill caller that stopped waiting
func (d *Dispatcher) dropKillWaiter(id string, confirm chan error) {
	d.do(func() {
		e, ok := d.entries[id]
		if !ok {
			return
		}
		for i, ch := range e.killWaiters {
			if ch == confirm {
				e.killWaiters = append(e.killWaiters[:i], e.killWaiters[i+1:]...)
				return
			}
		}
	})
}

// SingleJobRequest submits a one-off job
type SingleJobRequest struct {
	Command    string
	Parameters []string
	// ScheduleDateTime is when the job becomes due; zero means now
	ScheduleDateTime   time.Time
	RunSync            bool
	RetryOnError       bool
	LogOutputOnSuccess bool
	BindHost           string
}

// Submission is the outcome of SpawnSingleJob. Job is nil for submissions
// left for a future tick.
type Submission struct {
	SingleJob *store.SingleJob
	Job       *store.Job
}

// SpawnSingleJob stores a one-off job. Jobs due now, and every RunSync
// request, are spawned immediately; RunSync additionally waits until the
// job completes and returns its final record. Later jobs are picked up by
// the tick of their minute.
func (d *Dispatcher) SpawnSingleJob(ctx context.Context, req SingleJobRequest) (*Submission, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, errors.NewInvalidRequestError("command is required")
	}

	now := d.now()
	at := req.ScheduleDateTime
	if at.IsZero() {
		at = now
	}
	immediate := req.RunSync || !store.Minute(at).After(store.Minute(now))

	sj := &store.SingleJob{
		Command:            req.Command,
		Parameters:         req.Parameters,
		ScheduleDateTime:   at,
		RunSync:            req.RunSync,
		RetryOnError:       req.RetryOnError,
		LogOutputOnSuccess: req.LogOutputOnSuccess,
		BindHost:           req.BindHost,
	}
	if immediate {
		// Claimed here so the tick of this minute does not spawn it again
		consumed := now
		sj.ConsumedAt = &consumed
	}
	if err := d.store.CreateSingleJob(ctx, sj); err != nil {
		return nil, err
	}
	sub := &Submission{SingleJob: sj}

	if !immediate {
		d.logger.Infow("Single job scheduled",
			logger.FieldSingleJobID, sj.ID,
			logger.FieldMinute, sj.ScheduleDateTime,
		)
		return sub, nil
	}

	var done chan *store.Job
	if req.RunSync {
		done = make(chan *store.Job, 1)
	}
	job, err := d.spawnJob(ctx, candidate{
		singleJobID: sj.ID,
		command:     sj.Command,
		parameters:  sj.Parameters,
	}, func(e *entry) {
		if done != nil {
			e.syncWaiters = append(e.syncWaiters, done)
		}
	})
	sub.Job = job
	if err != nil || done == nil {
		return sub, err
	}

	select {
	case final := <-done:
		sub.Job = final
		return sub, nil
	case <-ctx.Done():
		return sub, ctx.Err()
	case <-d.done:
		return sub, errors.ErrClosed
	}
}
