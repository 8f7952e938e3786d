package master

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	tocktest "github.com/teranos/tock/internal/testing"
	"github.com/teranos/tock/output"
	"github.com/teranos/tock/schedule"
	"github.com/teranos/tock/store"
	"github.com/teranos/tock/transport"
	"github.com/teranos/tock/worker"
)

// localTransport runs spawned jobs on an in-process worker engine
type localTransport struct {
	workerID string
	engine   *worker.Engine
	events   chan transport.Inbound

	mu       sync.Mutex
	fail     error
	killFail error
	kills    []string
	closed bool
}

func newLocalTransport(t *testing.T) *localTransport {
	l := &localTransport{workerID: "local", events: make(chan transport.Inbound, 4096)}
	l.engine = worker.NewEngine(l.workerID, l, zaptest.NewLogger(t).Sugar())
	return l
}

// Send is the engine's reporter
func (l *localTransport) Send(ctx context.Context, m transport.Message) error {
	select {
	case l.events <- transport.Inbound{WorkerID: l.workerID, Msg: m}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// inject delivers a message as if a worker sent it
func (l *localTransport) inject(m transport.Message) {
	l.events <- transport.Inbound{WorkerID: l.workerID, Msg: m}
}

func (l *localTransport) Spawn(_ context.Context, job *store.Job) (string, error) {
	l.mu.Lock()
	fail := l.fail
	l.mu.Unlock()
	if fail != nil {
		return "", fail
	}
	l.engine.Spawn(job.Clone())
	return l.workerID, nil
}

func (l *localTransport) Kill(_ context.Context, _ string, jobID string) error {
	l.mu.Lock()
	fail := l.killFail
	l.kills = append(l.kills, jobID)
	l.mu.Unlock()
	if fail != nil {
		return fail
	}
	l.engine.Kill(jobID)
	return nil
}

func (l *localTransport) Events() <-chan transport.Inbound { return l.events }

func (l *localTransport) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.engine.Destroy()
	return nil
}

func (l *localTransport) killed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.kills...)
}

func (l *localTransport) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *localTransport) setFail(err error) {
	l.mu.Lock()
	l.fail = err
	l.mu.Unlock()
}

func (l *localTransport) setKillFail(err error) {
	l.mu.Lock()
	l.killFail = err
	l.mu.Unlock()
}

// countingStore counts job loads and can fail schedule reads
type countingStore struct {
	store.Store
	gets    atomic.Int32
	listErr error
}

func (c *countingStore) ListSchedules(ctx context.Context) ([]*store.JobSchedule, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	return c.Store.ListSchedules(ctx)
}

func (c *countingStore) GetJob(ctx context.Context, id string) (*store.Job, error) {
	c.gets.Add(1)
	return c.Store.GetJob(ctx, id)
}

// countingOutput counts stream opens by mode
type countingOutput struct {
	output.BlobStore
	mu    sync.Mutex
	opens map[output.Mode]int
}

func (c *countingOutput) Open(ctx context.Context, name string, mode output.Mode) (output.Stream, error) {
	c.mu.Lock()
	if c.opens == nil {
		c.opens = make(map[output.Mode]int)
	}
	c.opens[mode]++
	c.mu.Unlock()
	return c.BlobStore.Open(ctx, name, mode)
}

func (c *countingOutput) count(mode output.Mode) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens[mode]
}

// eventLog records every domain event
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) attach(d *Dispatcher) {
	for _, kind := range []EventKind{
		EventSpawn, EventComplete, EventKilled, EventError,
		EventStdout, EventStderr, EventMaxConcurrency, EventTockStart,
	} {
		d.On(kind, func(ev Event) {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		})
	}
}

func (l *eventLog) matching(kind EventKind, jobID string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Kind == kind && (jobID == "" || ev.JobID == jobID) {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) count(kind EventKind, jobID string) int {
	return len(l.matching(kind, jobID))
}

func (l *eventLog) waitFor(t *testing.T, kind EventKind, jobID string) Event {
	t.Helper()
	require.Eventually(t, func() bool { return l.count(kind, jobID) > 0 }, 10*time.Second, 10*time.Millisecond,
		"no %s event for job %q", kind, jobID)
	return l.matching(kind, jobID)[0]
}

type harness struct {
	d       *Dispatcher
	store   *store.SQLStore
	loads   *countingStore
	out     *countingOutput
	tr      *localTransport
	log     *eventLog
	metrics *Metrics
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()

	db := tocktest.CreateTestDB(t)
	h := &harness{
		store:   store.NewSQLStore(db),
		out:     &countingOutput{BlobStore: output.NewSQLBlobStore(db)},
		tr:      newLocalTransport(t),
		log:     &eventLog{},
		metrics: NewMetrics(nil),
	}
	h.loads = &countingStore{Store: h.store}

	opts := Options{
		Store:     h.loads,
		Output:    h.out,
		Transport: h.tr,
		Location:  time.UTC,
		Metrics:   h.metrics,
		Logger:    zaptest.NewLogger(t).Sugar(),
	}
	for _, fn := range configure {
		fn(&opts)
	}

	d, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(d.Destroy)
	h.d = d
	h.log.attach(d)
	return h
}

func everyMinute() schedule.Fields {
	return schedule.Fields{Minute: "*", Hour: "*", DayOfMonth: "*", Month: "*", DayOfWeek: "*"}
}

func (h *harness) addSchedule(t *testing.T, command string, params []string, maxRunning int) *store.JobSchedule {
	t.Helper()
	js := &store.JobSchedule{
		Command:    command,
		Parameters: params,
		Fields:     everyMinute(),
		MaxRunning: maxRunning,
		Active:     true,
	}
	require.NoError(t, h.store.CreateSchedule(t.Context(), js))
	return js
}

var testMinute = time.Date(2013, 3, 4, 15, 20, 0, 0, time.UTC)
