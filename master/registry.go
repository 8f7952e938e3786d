package master

import (
	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/output"
	"github.com/teranos/tock/store"
)

// entry is the registry record of one live job. While loading is set the
// job and its streams are not known yet and callers queue on waiters.
type entry struct {
	job      *store.Job
	stdout   *sink
	stderr   *sink
	workerID string

	loading bool
	waiters []func(*entry, error)

	// finishing is set once complete or killed was handled; later events are dropped
	finishing   bool
	killWaiters []chan error // nil once killed, ErrJobNotRunning if it completed first
	syncWaiters []chan *store.Job
}

func (e *entry) closeStreams() {
	if e.stdout != nil {
		e.stdout.close()
	}
	if e.stderr != nil {
		e.stderr.close()
	}
}

func (e *entry) waitStreams() {
	if e.stdout != nil {
		e.stdout.wait()
	}
	if e.stderr != nil {
		e.stderr.wait()
	}
}

// fail drains the waiters of an entry whose load did not complete
func (e *entry) fail(err error) {
	waiters := e.waiters
	e.waiters = nil
	for _, fn := range waiters {
		fn(nil, err)
	}
}

// resolve hands fn the entry for id, loading it from the store when this
// process has no record of the job. Concurrent resolutions of an id that is
// still loading share one load and run in the order they were requested.
// Must be called on the loop; fn always runs on the loop.
func (d *Dispatcher) resolve(id string, fn func(*entry, error)) {
	if e, ok := d.entries[id]; ok {
		if e.loading {
			e.waiters = append(e.waiters, fn)
			return
		}
		if !d.mailbox.post(func() { fn(e, nil) }) {
			fn(nil, errors.ErrClosed)
		}
		return
	}

	e := &entry{loading: true, waiters: []func(*entry, error){fn}}
	d.entries[id] = e
	d.logger.Debugw("Loading job referenced by worker event", logger.FieldJobID, id)

	d.background(func() {
		job, err := d.store.GetJob(d.ctx, id)
		if err == nil && job.State != store.JobRunning {
			err = errors.Wrapf(errors.ErrJobNotRunning, "job %s is %s", id, job.State)
		}

		var stdout, stderr output.Stream
		if err == nil {
			stdout, stderr = d.openStreams(d.ctx, job, output.ModeAppend)
		}

		if !d.mailbox.post(func() { d.finishLoad(id, e, job, stdout, stderr, err) }) {
			closeStream(stdout)
			closeStream(stderr)
		}
	})
}

func (d *Dispatcher) finishLoad(id string, e *entry, job *store.Job, stdout, stderr output.Stream, err error) {
	if d.entries[id] != e {
		// Destroyed while loading
		closeStream(stdout)
		closeStream(stderr)
		e.fail(errors.ErrClosed)
		return
	}

	if err != nil {
		delete(d.entries, id)
		d.finished.add(id)
		d.logger.Warnw("Cannot resolve job", logger.FieldJobID, id, logger.FieldError, err)
		e.fail(err)
		return
	}

	if job.StdOut == "" {
		job.StdOut = output.StdoutName(id)
	}
	if job.StdErr == "" {
		job.StdErr = output.StderrName(id)
	}
	e.job = job
	e.stdout = newSink(job.StdOut, stdout, d.logger)
	e.stderr = newSink(job.StdErr, stderr, d.logger)
	if e.workerID == "" {
		e.workerID = job.WorkerID
	}
	e.loading = false
	d.metrics.RunningJobs.Set(float64(len(d.entries)))

	waiters := e.waiters
	e.waiters = nil
	for _, fn := range waiters {
		fn(e, nil)
	}
}

// removeLocked destroys an entry; later events for its id are dropped
func (d *Dispatcher) removeLocked(id string, e *entry) {
	if d.entries[id] != e {
		return
	}
	delete(d.entries, id)
	d.finished.add(id)
	d.closeSubscribersLocked(id)
	d.metrics.RunningJobs.Set(float64(len(d.entries)))
}

func closeStream(s output.Stream) {
	if s != nil {
		s.Close()
	}
}

// tombstoneCapacity bounds how many finished job ids are remembered
const tombstoneCapacity = 4096

// tombstones remembers recently finished job ids so stray events
// (output read after a kill, duplicate deliveries) do not reload them
type tombstones struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newTombstones(capacity int) *tombstones {
	return &tombstones{ids: make(map[string]struct{}, capacity), ring: make([]string, capacity)}
}

func (t *tombstones) add(id string) {
	if _, ok := t.ids[id]; ok {
		return
	}
	if old := t.ring[t.next]; old != "" {
		delete(t.ids, old)
	}
	t.ring[t.next] = id
	t.ids[id] = struct{}{}
	t.next = (t.next + 1) % len(t.ring)
}

func (t *tombstones) has(id string) bool {
	_, ok := t.ids[id]
	return ok
}
