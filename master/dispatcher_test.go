package master

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/output"
	"github.com/teranos/tock/schedule"
	"github.com/teranos/tock/store"
)

func TestSpawnCompleteRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	h.addSchedule(t, "echo", []string{"hello"}, 1)

	result, err := h.d.DispatchAt(ctx, testMinute)
	require.NoError(t, err)
	require.Len(t, result.Spawned, 1)
	job := result.Spawned[0]
	assert.Equal(t, "local", job.WorkerID)
	assert.Equal(t, output.StdoutName(job.ID), job.StdOut)

	complete := h.log.waitFor(t, EventComplete, job.ID)
	require.NotNil(t, complete.Job.TotalRunTime)
	assert.GreaterOrEqual(t, *complete.Job.TotalRunTime, int64(0))
	require.NotNil(t, complete.Job.PID)
	assert.Equal(t, store.JobCompleted, complete.Job.State)

	stdout := h.log.matching(EventStdout, job.ID)
	require.Len(t, stdout, 1)
	assert.Equal(t, "hello\n", string(stdout[0].Data))
	assert.Equal(t, 1, h.log.count(EventComplete, job.ID))
	assert.Equal(t, 1, h.log.count(EventSpawn, job.ID))
	assert.Equal(t, 1, h.log.count(EventTockStart, ""))

	stored, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, stored.State)
	assert.Equal(t, "local", stored.WorkerID)

	data, err := output.ReadAll(ctx, h.out, job.StdOut)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	running, err := h.d.RunningJobs()
	require.NoError(t, err)
	assert.Empty(t, running)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.JobsSpawned))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.JobsCompleted.WithLabelValues("completed")))
}

func TestNonzeroExitEmitsErrorThenComplete(t *testing.T) {
	h := newHarness(t)
	h.addSchedule(t, "sh", []string{"-c", "echo bad >&2; exit 4"}, 1)

	result, err := h.d.DispatchAt(t.Context(), testMinute)
	require.NoError(t, err)
	require.Len(t, result.Spawned, 1)
	id := result.Spawned[0].ID

	complete := h.log.waitFor(t, EventComplete, id)
	errEv := h.log.waitFor(t, EventError, id)
	assert.Equal(t, 4, errEv.ErrorCode)
	assert.Equal(t, store.JobFailed, complete.Job.State)
	require.NotNil(t, complete.Job.ErrorCode)
	assert.Equal(t, 4, *complete.Job.ErrorCode)

	data, err := output.ReadAll(t.Context(), h.out, output.StderrName(id))
	require.NoError(t, err)
	assert.Equal(t, "bad\n", string(data))
}

func TestAdmissionControl(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	js := h.addSchedule(t, "sleep", []string{"10"}, 1)

	first, err := h.d.DispatchAt(ctx, testMinute)
	require.NoError(t, err)
	require.Len(t, first.Spawned, 1)

	second, err := h.d.DispatchAt(ctx, testMinute.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, second.Spawned)
	assert.Equal(t, []string{js.ID}, second.Rejected)
	rejected := h.log.waitFor(t, EventMaxConcurrency, "")
	assert.Equal(t, js.ID, rejected.ScheduleID)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.MaxConcurrency.WithLabelValues(js.ID)))

	require.NoError(t, h.d.KillJob(ctx, first.Spawned[0].ID))

	third, err := h.d.DispatchAt(ctx, testMinute.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Len(t, third.Spawned, 1, "slot frees once the first job is gone")
}

func TestAdmissionCountsConcurrentCandidates(t *testing.T) {
	h := newHarness(t)
	js := &store.JobSchedule{Command: "sleep", Parameters: []string{"10"}, Fields: everyMinute(), MaxRunning: 2, Active: true}
	require.NoError(t, h.store.CreateSchedule(t.Context(), js))

	for i := 0; i < 3; i++ {
		_, err := h.d.DispatchAt(t.Context(), testMinute.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
	running, err := h.d.RunningJobs()
	require.NoError(t, err)
	assert.Len(t, running, 2)
	assert.Equal(t, 1, h.log.count(EventMaxConcurrency, ""))
}

func TestZeroMaxRunningNeverAdmits(t *testing.T) {
	h := newHarness(t)
	h.addSchedule(t, "echo", nil, 0)

	result, err := h.d.DispatchAt(t.Context(), testMinute)
	require.NoError(t, err)
	assert.Empty(t, result.Spawned)
	assert.Len(t, result.Rejected, 1)
}

func TestSpawnKillRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	sub, err := h.d.SpawnSingleJob(ctx, SingleJobRequest{Command: "sleep", Parameters: []string{"10"}})
	require.NoError(t, err)
	require.NotNil(t, sub.Job)
	id := sub.Job.ID

	killCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.d.KillJob(killCtx, id))

	assert.Equal(t, 1, h.log.count(EventKilled, id))
	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, h.log.count(EventComplete, id))
	assert.Equal(t, 1, h.log.count(EventKilled, id))

	require.Eventually(t, func() bool {
		stored, err := h.store.GetJob(ctx, id)
		return err == nil && stored.State == store.JobKilled
	}, 5*time.Second, 20*time.Millisecond)
}

func TestFailedKillForgetsWaiter(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	sub, err := h.d.SpawnSingleJob(ctx, SingleJobRequest{Command: "sleep", Parameters: []string{"10"}})
	require.NoError(t, err)
	require.NotNil(t, sub.Job)
	id := sub.Job.ID

	h.tr.setKillFail(errors.ErrServiceUnavailable)
	err = h.d.KillJob(ctx, id)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))

	waiters := -1
	require.NoError(t, h.d.do(func() { waiters = len(h.d.entries[id].killWaiters) }))
	assert.Zero(t, waiters)

	h.tr.setKillFail(nil)
	killCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.d.KillJob(killCtx, id))
}

func TestKillUnknownJobIsNoop(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 2; i++ {
		err := h.d.KillJob(t.Context(), "gone")
		assert.True(t, errors.Is(err, errors.ErrJobNotRunning))
	}
	assert.Zero(t, h.log.count(EventKilled, ""))
	assert.Zero(t, h.log.count(EventError, ""))
	assert.Empty(t, h.tr.killed(), "nothing is sent for unknown jobs")
}

func TestRunSyncWaitsForComplete(t *testing.T) {
	h := newHarness(t)

	var completed atomic.Bool
	h.d.On(EventComplete, func(Event) { completed.Store(true) })

	sub, err := h.d.SpawnSingleJob(t.Context(), SingleJobRequest{
		Command:    "sh",
		Parameters: []string{"-c", "sleep 0.2; echo done"},
		RunSync:    true,
	})
	require.NoError(t, err)
	assert.True(t, completed.Load(), "returned before job:complete")
	assert.Equal(t, store.JobCompleted, sub.Job.State)
	require.NotNil(t, sub.SingleJob.ConsumedAt)

	data, err := output.ReadAll(t.Context(), h.out, sub.Job.StdOut)
	require.NoError(t, err)
	assert.Equal(t, "done\n", string(data))
}

func TestFutureSingleJobRunsAtItsMinute(t *testing.T) {
	now := testMinute.Add(10 * time.Second)
	h := newHarness(t, func(o *Options) { o.Now = func() time.Time { return now } })
	ctx := t.Context()

	due := testMinute.Add(5 * time.Minute)
	sub, err := h.d.SpawnSingleJob(ctx, SingleJobRequest{Command: "echo", Parameters: []string{"later"}, ScheduleDateTime: due})
	require.NoError(t, err)
	assert.Nil(t, sub.Job)
	assert.Nil(t, sub.SingleJob.ConsumedAt)

	early, err := h.d.DispatchAt(ctx, due.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, early.Spawned)

	onTime, err := h.d.DispatchAt(ctx, due)
	require.NoError(t, err)
	require.Len(t, onTime.Spawned, 1)
	assert.Equal(t, sub.SingleJob.ID, onTime.Spawned[0].SingleJobID)
	assert.Empty(t, onTime.Spawned[0].JobScheduleID)

	again, err := h.d.DispatchAt(ctx, due)
	require.NoError(t, err)
	assert.Empty(t, again.Spawned, "a one-off is consumed once")
}

func TestImmediateSingleJobIsNotDispatchedAgain(t *testing.T) {
	now := testMinute.Add(5 * time.Second)
	h := newHarness(t, func(o *Options) { o.Now = func() time.Time { return now } })

	sub, err := h.d.SpawnSingleJob(t.Context(), SingleJobRequest{Command: "echo"})
	require.NoError(t, err)
	require.NotNil(t, sub.Job)

	result, err := h.d.DispatchAt(t.Context(), testMinute)
	require.NoError(t, err)
	assert.Empty(t, result.Spawned)
}

func TestSchedulesAreFiltered(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	inactive := &store.JobSchedule{Command: "echo", Fields: everyMinute(), MaxRunning: 1}
	require.NoError(t, h.store.CreateSchedule(ctx, inactive))
	other := &store.JobSchedule{
		Command:    "echo",
		Fields:     schedule.Fields{Minute: "0", Hour: "*", DayOfMonth: "*", Month: "*", DayOfWeek: "*"},
		MaxRunning: 1,
		Active:     true,
	}
	require.NoError(t, h.store.CreateSchedule(ctx, other))
	matching := &store.JobSchedule{
		Command:    "echo",
		Fields:     schedule.Fields{Minute: "*/10", Hour: "*/3", DayOfMonth: "4", Month: "2,3", DayOfWeek: "1"},
		MaxRunning: 1,
		Active:     true,
	}
	require.NoError(t, h.store.CreateSchedule(ctx, matching))

	result, err := h.d.DispatchAt(ctx, testMinute)
	require.NoError(t, err)
	require.Len(t, result.Spawned, 1)
	assert.Equal(t, matching.ID, result.Spawned[0].JobScheduleID)
}

func TestSchedulesMatchInConfiguredZone(t *testing.T) {
	zone := time.FixedZone("UTC+2", 2*60*60)
	h := newHarness(t, func(o *Options) { o.Location = zone })

	js := &store.JobSchedule{
		Command:    "echo",
		Fields:     schedule.Fields{Minute: "20", Hour: "17", DayOfMonth: "*", Month: "*", DayOfWeek: "*"},
		MaxRunning: 1,
		Active:     true,
	}
	require.NoError(t, h.store.CreateSchedule(t.Context(), js))

	// 15:20 UTC is 17:20 in the configured zone
	result, err := h.d.DispatchAt(t.Context(), testMinute)
	require.NoError(t, err)
	assert.Len(t, result.Spawned, 1)
}

func TestNoWorkersSurfacesJobError(t *testing.T) {
	h := newHarness(t)
	h.tr.setFail(errors.ErrNoWorkers)
	h.addSchedule(t, "echo", nil, 1)

	result, err := h.d.DispatchAt(t.Context(), testMinute)
	require.NoError(t, err)
	assert.Empty(t, result.Spawned)
	assert.Equal(t, 1, result.Failed)

	ev := h.log.waitFor(t, EventError, "")
	assert.True(t, errors.Is(ev.Err, errors.ErrNoWorkers))
	require.NotNil(t, ev.Job)

	running, err := h.d.RunningJobs()
	require.NoError(t, err)
	assert.Empty(t, running)

	// The slot is free again once workers come back
	h.tr.setFail(nil)
	result, err = h.d.DispatchAt(t.Context(), testMinute.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, result.Spawned, 1)
}

func TestSubscribeOutput(t *testing.T) {
	h := newHarness(t)

	sub, err := h.d.SpawnSingleJob(t.Context(), SingleJobRequest{Command: "sh", Parameters: []string{"-c", "sleep 0.3; echo hi"}})
	require.NoError(t, err)

	chunks, cancel, err := h.d.SubscribeOutput(sub.Job.ID)
	require.NoError(t, err)
	defer cancel()

	var got []byte
	timeout := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case c, ok := <-chunks:
			if !ok {
				done = true
				break
			}
			assert.Equal(t, StreamStdout, c.Stream)
			got = append(got, c.Data...)
		case <-timeout:
			t.Fatal("subscription never closed")
		}
	}
	assert.Equal(t, "hi\n", string(got))

	_, _, err = h.d.SubscribeOutput("unknown")
	assert.True(t, errors.Is(err, errors.ErrJobNotRunning))
}

func TestTimerHelpers(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, base, currentMinute(base.Add(2*time.Second)))
	assert.Equal(t, base, currentMinute(base.Add(59*time.Second)), "a late firing keeps its minute")
	assert.Equal(t, base.Add(time.Minute), nextMinute(base))
	assert.Equal(t, base.Add(time.Minute), nextMinute(base.Add(45*time.Second)))
	assert.Equal(t, base, nextMinute(base.Add(-200*time.Millisecond)))
}

func TestDispatchUsesTruncatedMinute(t *testing.T) {
	now := testMinute.Add(40 * time.Second)
	h := newHarness(t, func(o *Options) { o.Now = func() time.Time { return now } })

	result, err := h.d.Dispatch(t.Context())
	require.NoError(t, err)
	assert.Equal(t, testMinute, result.Minute)
}

func TestEarlyTickDispatchesArmedMinute(t *testing.T) {
	now := testMinute.Add(-200 * time.Millisecond)
	h := newHarness(t, func(o *Options) { o.Now = func() time.Time { return now } })

	h.d.timerMu.Lock()
	h.d.ticking = true
	h.d.timerMu.Unlock()
	h.d.tick(testMinute)

	starts := h.log.matching(EventTockStart, "")
	require.Len(t, starts, 1)
	assert.Equal(t, testMinute, starts[0].Minute)
}

func TestFailedScheduleReadKeepsSingleJobsDue(t *testing.T) {
	now := testMinute.Add(-2 * time.Minute)
	h := newHarness(t, func(o *Options) { o.Now = func() time.Time { return now } })
	ctx := t.Context()

	sub, err := h.d.SpawnSingleJob(ctx, SingleJobRequest{Command: "echo", ScheduleDateTime: testMinute})
	require.NoError(t, err)
	require.Nil(t, sub.Job)

	h.loads.listErr = errors.New("disk gone")
	_, err = h.d.DispatchAt(ctx, testMinute)
	require.Error(t, err)

	h.loads.listErr = nil
	result, err := h.d.DispatchAt(ctx, testMinute)
	require.NoError(t, err)
	require.Len(t, result.Spawned, 1)
	assert.Equal(t, sub.SingleJob.ID, result.Spawned[0].SingleJobID)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)

	h.d.Start()
	h.d.Start()
	h.d.timerMu.Lock()
	assert.True(t, h.d.ticking)
	assert.NotNil(t, h.d.timer)
	h.d.timerMu.Unlock()

	h.d.Stop()
	h.d.timerMu.Lock()
	assert.False(t, h.d.ticking)
	assert.Nil(t, h.d.timer)
	h.d.timerMu.Unlock()
}

func TestDestroy(t *testing.T) {
	h := newHarness(t)

	sub, err := h.d.SpawnSingleJob(t.Context(), SingleJobRequest{Command: "sleep", Parameters: []string{"10"}})
	require.NoError(t, err)
	require.NotNil(t, sub.Job)

	h.d.Destroy()
	h.d.Destroy()

	assert.True(t, h.tr.isClosed())
	_, err = h.d.RunningJobs()
	assert.True(t, errors.Is(err, errors.ErrClosed))
	assert.True(t, errors.Is(h.d.KillJob(t.Context(), sub.Job.ID), errors.ErrClosed))
	assert.Zero(t, h.log.count(EventComplete, sub.Job.ID))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
