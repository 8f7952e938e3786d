// Package master is tock's dispatch engine.
//
// A Dispatcher wakes at every minute boundary, asks the store for due
// schedules and one-off jobs, admits them against each schedule's
// max_running and sends them to workers. Worker events flow back through
// the same single loop goroutine, which owns the running-job registry:
//
//	timer ──► DispatchAt ──► admission ──► spawn ──► Transport.Spawn
//	                              ▲                        │
//	                      registry (loop)  ◄── route ◄── Transport.Events
//
// Store and output I/O never runs on the loop; results are posted back to it.
package master

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/tock/db"
	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/output"
	"github.com/teranos/tock/schedule"
	"github.com/teranos/tock/store"
	"github.com/teranos/tock/sym"
	"github.com/teranos/tock/transport"
)

// Transport is the master's view of the worker channel
type Transport interface {
	// Spawn sends job to a worker and returns that worker's id
	Spawn(ctx context.Context, job *store.Job) (string, error)
	// Kill asks workerID to kill jobID; an empty workerID broadcasts
	Kill(ctx context.Context, workerID, jobID string) error
	Events() <-chan transport.Inbound
	Close() error
}

// Options configures a Dispatcher
type Options struct {
	Store     store.Store
	Output    output.BlobStore
	Transport Transport
	// Location schedules are matched in (nil = local time)
	Location *time.Location
	// Now overrides the wall clock
	Now     func() time.Time
	Metrics *Metrics
	Logger  *zap.SugaredLogger
}

// Dispatcher is the minute-driven scheduler and running-job registry
type Dispatcher struct {
	store     store.Store
	output    output.BlobStore
	transport Transport
	loc       *time.Location
	now       func() time.Time
	metrics   *Metrics
	logger    *zap.SugaredLogger

	ctx    context.Context // cancelled by Destroy
	cancel context.CancelFunc
	bg     sync.WaitGroup // store and output I/O started by the loop

	mailbox *mailbox
	stop    chan struct{}
	done    chan struct{}

	// Owned by the loop goroutine
	entries     map[string]*entry
	pending     map[string]int // admitted spawns not yet registered, by schedule id
	finished    *tombstones
	subscribers map[string][]*subscription

	listeners listeners

	timerMu sync.Mutex
	timer   *time.Timer
	ticking bool

	destroyOnce sync.Once
}

// New creates a dispatcher and starts its loop. Call Start to arm the timer.
func New(opts Options) (*Dispatcher, error) {
	if opts.Store == nil || opts.Output == nil || opts.Transport == nil {
		return nil, errors.New("dispatcher needs a store, an output store and a transport")
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:       opts.Store,
		output:      opts.Output,
		transport:   opts.Transport,
		loc:         opts.Location,
		now:         opts.Now,
		metrics:     opts.Metrics,
		logger:      logger.AddSymbol(opts.Logger.Named("dispatcher"), sym.Tock),
		ctx:         ctx,
		cancel:      cancel,
		mailbox:     newMailbox(),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		entries:     make(map[string]*entry),
		pending:     make(map[string]int),
		finished:    newTombstones(tombstoneCapacity),
		subscribers: make(map[string][]*subscription),
	}
	go d.loop()
	return d, nil
}

// On registers fn for kind and returns a function that removes it
func (d *Dispatcher) On(kind EventKind, fn Listener) func() {
	return d.listeners.add(kind, fn)
}

func (d *Dispatcher) emit(ev Event) {
	d.listeners.emit(ev)
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	events := d.transport.Events()

	for {
		select {
		case <-d.stop:
			d.mailbox.close()
			return
		case <-d.mailbox.notify:
			for _, fn := range d.mailbox.drain() {
				fn()
			}
		case in, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			d.route(in)
		}
	}
}

// do runs fn on the loop and waits for it. Never call it from the loop.
func (d *Dispatcher) do(fn func()) error {
	ran := make(chan struct{})
	if !d.mailbox.post(func() {
		fn()
		close(ran)
	}) {
		return errors.ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-d.done:
		return errors.ErrClosed
	}
}

// background runs fn off the loop, tracked for Destroy
func (d *Dispatcher) background(fn func()) {
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		fn()
	}()
}

// ---- timer ----

// Start arms the minute timer. Each firing re-arms from the wall clock.
func (d *Dispatcher) Start() {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()

	if d.ticking {
		return
	}
	d.ticking = true
	d.armLocked(time.Time{})
	logger.AddSymbol(d.logger, sym.TockOpen).Infow("Dispatch timer started")
}

// Stop disarms the timer; running jobs are unaffected
func (d *Dispatcher) Stop() {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()

	d.ticking = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// armLocked schedules a tick for the next minute boundary after last (zero
// on Start). The tick dispatches the minute it was armed for, however early
// or late the timer fires.
func (d *Dispatcher) armLocked(last time.Time) {
	now := d.now()
	minute := nextMinute(now)
	if !last.IsZero() && !minute.After(last) {
		minute = last.Add(time.Minute)
	}
	d.timer = time.AfterFunc(minute.Sub(now), func() { d.tick(minute) })
}

// nextMinute is the first minute boundary strictly after now
func nextMinute(now time.Time) time.Time {
	return currentMinute(now).Add(time.Minute)
}

// currentMinute is now truncated to the minute
func currentMinute(now time.Time) time.Time {
	return now.Truncate(time.Minute)
}

func (d *Dispatcher) tick(minute time.Time) {
	d.timerMu.Lock()
	if !d.ticking {
		d.timerMu.Unlock()
		return
	}
	d.armLocked(minute)
	d.timerMu.Unlock()

	_, err := d.DispatchAt(d.ctx, minute)
	switch {
	case err == nil, d.ctx.Err() != nil:
	case db.IsBusy(err):
		// Another writer held the lock past the busy timeout; the minute is lost
		d.logger.Warnw("Database busy, tick skipped", logger.FieldError, err)
	default:
		d.logger.Errorw("Dispatch tick failed", logger.FieldError, err)
	}
}

// ---- dispatch ----

// DispatchResult summarises one tick
type DispatchResult struct {
	Minute   time.Time
	Spawned  []*store.Job
	Rejected []string // schedule ids dropped by admission control
	Failed   int      // admitted candidates that did not reach a worker
}

// candidate is a due job awaiting admission
type candidate struct {
	scheduleID  string
	singleJobID string
	command     string
	parameters  []string
}

// Dispatch runs one tick for the current minute
func (d *Dispatcher) Dispatch(ctx context.Context) (*DispatchResult, error) {
	return d.DispatchAt(ctx, currentMinute(d.now()))
}

// DispatchAt runs one tick for minute and returns once every admitted job was sent or failed
func (d *Dispatcher) DispatchAt(ctx context.Context, minute time.Time) (*DispatchResult, error) {
	started := time.Now()
	minute = minute.Truncate(time.Minute)
	result := &DispatchResult{Minute: minute}

	d.emit(Event{Kind: EventTockStart, Minute: minute})

	schedules, singles, err := d.loadDue(ctx, minute)
	if err != nil {
		d.logger.Errorw("Failed to load due jobs", logger.FieldMinute, minute, logger.FieldError, err)
		return nil, err
	}

	local := minute.In(d.loc)
	var candidates []candidate
	for _, s := range schedules {
		if !s.Active || !schedule.IsEligible(s.Fields, local) {
			continue
		}
		candidates = append(candidates, candidate{
			scheduleID: s.ID,
			command:    s.Command,
			parameters: s.Parameters,
		})
	}
	limits := make(map[string]int, len(schedules))
	for _, s := range schedules {
		limits[s.ID] = s.MaxRunning
	}
	for _, sj := range singles {
		candidates = append(candidates, candidate{
			singleJobID: sj.ID,
			command:     sj.Command,
			parameters:  sj.Parameters,
		})
	}

	var admitted []candidate
	if err := d.do(func() {
		for _, c := range candidates {
			if c.scheduleID == "" {
				// One-off jobs are not subject to max_running
				admitted = append(admitted, c)
				continue
			}
			if running := d.countLocked(c.scheduleID); running >= limits[c.scheduleID] {
				d.rejectLocked(c.scheduleID, running, limits[c.scheduleID], minute)
				result.Rejected = append(result.Rejected, c.scheduleID)
				continue
			}
			d.pending[c.scheduleID]++
			admitted = append(admitted, c)
		}
	}); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range admitted {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := d.spawnJob(ctx, c, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				return
			}
			result.Spawned = append(result.Spawned, job)
		}()
	}
	wg.Wait()

	d.metrics.TickDuration.Observe(time.Since(started).Seconds())
	d.logger.Infow("Tick",
		logger.FieldMinute, minute,
		"candidates", len(candidates),
		"spawned", len(result.Spawned),
		"rejected", len(result.Rejected),
		"failed", result.Failed,
	)
	return result, nil
}

// loadDue reads the schedules before claiming one-offs. Claiming commits, so
// it runs last: a failed schedule read must leave the one-offs due.
func (d *Dispatcher) loadDue(ctx context.Context, minute time.Time) ([]*store.JobSchedule, []*store.SingleJob, error) {
	schedules, err := d.store.ListSchedules(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "list schedules")
	}
	singles, err := d.store.DueSingleJobs(ctx, minute)
	if err != nil {
		return nil, nil, errors.Wrap(err, "due single jobs")
	}
	return schedules, singles, nil
}

// countLocked counts live and pending jobs of a schedule
func (d *Dispatcher) countLocked(scheduleID string) int {
	n := d.pending[scheduleID]
	for _, e := range d.entries {
		if e.job != nil && e.job.JobScheduleID == scheduleID {
			n++
		}
	}
	return n
}

func (d *Dispatcher) rejectLocked(scheduleID string, running, limit int, minute time.Time) {
	d.logger.Infow("Max concurrency reached, skipping",
		logger.FieldScheduleID, scheduleID,
		"running", running,
		"max_running", limit,
	)
	d.metrics.MaxConcurrency.WithLabelValues(scheduleID).Inc()
	d.emit(Event{Kind: EventMaxConcurrency, ScheduleID: scheduleID, Minute: minute})
}

// spawnJob creates, registers and sends one job. beforeSend runs on the loop
// right after registration, before any worker can report on the job.
func (d *Dispatcher) spawnJob(ctx context.Context, c candidate, beforeSend func(*entry)) (*store.Job, error) {
	log := d.logger.With(logger.FieldScheduleID, c.scheduleID, logger.FieldCommand, c.command)

	release := func() {
		if c.scheduleID == "" {
			return
		}
		d.mailbox.post(func() { d.releasePendingLocked(c.scheduleID) })
	}

	job := &store.Job{
		JobScheduleID: c.scheduleID,
		SingleJobID:   c.singleJobID,
		Command:       c.command,
		Parameters:    append([]string(nil), c.parameters...),
		State:         store.JobRunning,
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		log.Errorw("Failed to create job", logger.FieldError, err)
		release()
		return nil, err
	}
	log = log.With(logger.FieldJobID, job.ID)

	job.StdOut = output.StdoutName(job.ID)
	job.StdErr = output.StderrName(job.ID)
	stdout, stderr := d.openStreams(ctx, job, output.ModeWrite)

	e := &entry{
		job:    job,
		stdout: newSink(job.StdOut, stdout, d.logger),
		stderr: newSink(job.StdErr, stderr, d.logger),
	}

	var snapshot *store.Job
	if err := d.do(func() {
		if c.scheduleID != "" {
			d.releasePendingLocked(c.scheduleID)
		}
		d.entries[job.ID] = e
		d.metrics.RunningJobs.Set(float64(len(d.entries)))
		snapshot = job.Clone()
		if beforeSend != nil {
			beforeSend(e)
		}
	}); err != nil {
		e.closeStreams()
		return nil, err
	}

	if err := d.store.SaveJob(ctx, snapshot); err != nil {
		log.Errorw("Failed to save job, not sending", logger.FieldError, err)
		d.mailbox.post(func() { d.abandonLocked(job.ID, e) })
		return nil, err
	}

	workerID, err := d.transport.Spawn(ctx, snapshot)
	if err != nil {
		log.Warnw("Spawn failed", logger.FieldError, err)
		d.mailbox.post(func() {
			d.abandonLocked(job.ID, e)
			d.metrics.JobErrors.WithLabelValues("transport").Inc()
			d.emit(Event{Kind: EventError, JobID: job.ID, Job: snapshot.Clone(), ScheduleID: c.scheduleID, Err: err})
		})
		return nil, err
	}

	spawned := make(chan *store.Job, 1)
	if !d.mailbox.post(func() {
		if d.entries[job.ID] == e && e.workerID == "" {
			e.workerID = workerID
			e.job.WorkerID = workerID
		}
		d.metrics.JobsSpawned.Inc()
		clone := e.job.Clone()
		d.emit(Event{Kind: EventSpawn, JobID: job.ID, Job: clone, ScheduleID: c.scheduleID})
		spawned <- clone
	}) {
		return snapshot, nil
	}

	log.Infow("Job spawned", logger.FieldWorkerID, workerID)
	select {
	case job := <-spawned:
		return job, nil
	case <-d.done:
		return snapshot, nil
	}
}

func (d *Dispatcher) releasePendingLocked(scheduleID string) {
	if d.pending[scheduleID] <= 1 {
		delete(d.pending, scheduleID)
		return
	}
	d.pending[scheduleID]--
}

// abandonLocked drops an entry whose job never reached a worker
func (d *Dispatcher) abandonLocked(id string, e *entry) {
	if d.entries[id] == e {
		delete(d.entries, id)
		d.metrics.RunningJobs.Set(float64(len(d.entries)))
	}
	e.closeStreams()
	d.closeSubscribersLocked(id)
}

// openStreams opens both job streams in parallel. A failed open is logged
// and leaves that stream nil so output is discarded rather than failing the job.
func (d *Dispatcher) openStreams(ctx context.Context, job *store.Job, mode output.Mode) (stdout, stderr output.Stream) {
	names := [2]string{job.StdOut, job.StdErr}
	if names[0] == "" {
		names[0] = output.StdoutName(job.ID)
	}
	if names[1] == "" {
		names[1] = output.StderrName(job.ID)
	}

	var streams [2]output.Stream
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			s, err := d.output.Open(gctx, name, mode)
			if err != nil {
				d.logger.Warnw("Failed to open output stream",
					logger.FieldJobID, job.ID,
					logger.FieldStream, name,
					"mode", mode,
					logger.FieldError, err,
				)
				return nil
			}
			streams[i] = s
			return nil
		})
	}
	g.Wait()
	return streams[0], streams[1]
}

// ---- lifecycle ----

// Destroy stops the timer, disconnects the transport, force-closes the
// streams of jobs still running and stops the loop. It does not drain jobs.
func (d *Dispatcher) Destroy() {
	d.destroyOnce.Do(func() {
		d.Stop()
		d.cancel()
		if err := d.transport.Close(); err != nil {
			d.logger.Warnw("Transport close failed", logger.FieldError, err)
		}

		d.do(func() {
			for id, e := range d.entries {
				e.closeStreams()
				d.closeSubscribersLocked(id)
				if e.loading {
					e.fail(errors.ErrClosed)
				}
			}
			if len(d.entries) > 0 {
				d.logger.Warnw("Destroyed with jobs still running", logger.FieldCount, len(d.entries))
			}
			d.entries = make(map[string]*entry)
			d.metrics.RunningJobs.Set(0)
		})

		close(d.stop)
		<-d.done
		d.bg.Wait()
		logger.AddSymbol(d.logger, sym.TockClose).Infow("Dispatcher destroyed")
	})
}

// RunningJobs returns copies of the live jobs, oldest first
func (d *Dispatcher) RunningJobs() ([]*store.Job, error) {
	var jobs []*store.Job
	err := d.do(func() {
		for _, e := range d.entries {
			if e.job != nil && !e.loading {
				jobs = append(jobs, e.job.Clone())
			}
		}
	})
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].DateTimeRun.Equal(jobs[j].DateTimeRun) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].DateTimeRun.Before(jobs[j].DateTimeRun)
	})
	return jobs, err
}
