package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/tock/store"
	"github.com/teranos/tock/transport"
)

// recorder is a Reporter that keeps every message
type recorder struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (r *recorder) Send(_ context.Context, m transport.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) snapshot() []transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Message(nil), r.msgs...)
}

func (r *recorder) has(kind transport.Kind) bool {
	for _, m := range r.snapshot() {
		if m.Kind() == kind {
			return true
		}
	}
	return false
}

func (r *recorder) count(kind transport.Kind) int {
	n := 0
	for _, m := range r.snapshot() {
		if m.Kind() == kind {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T) (*Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	e := NewEngine("w-test", rec, zaptest.NewLogger(t).Sugar())
	t.Cleanup(e.Destroy)
	return e, rec
}

func TestEngineEcho(t *testing.T) {
	e, rec := newTestEngine(t)

	e.Spawn(&store.Job{ID: "j1", Command: "echo", Parameters: []string{"hello"}})
	require.Eventually(t, func() bool { return rec.has(transport.KindComplete) }, 5*time.Second, 10*time.Millisecond)

	msgs := rec.snapshot()
	started, ok := msgs[0].(*transport.WorkStarted)
	require.True(t, ok, "work-started comes first")
	assert.Equal(t, "w-test", started.WorkerID)
	assert.NotZero(t, started.PID)
	assert.NotEmpty(t, started.Host)

	var out []byte
	for _, m := range msgs {
		if s, ok := m.(*transport.Stdout); ok {
			out = append(out, s.Data...)
		}
	}
	assert.Equal(t, "hello\n", string(out))
	assert.Zero(t, rec.count(transport.KindError))

	complete := msgs[len(msgs)-1].(*transport.Complete)
	assert.Equal(t, "j1", complete.JobID)
	assert.Equal(t, started.PID, complete.PID)
	assert.GreaterOrEqual(t, complete.TotalRunTime, int64(0))
	assert.Empty(t, e.Running())
}

func TestEngineNonzeroExit(t *testing.T) {
	e, rec := newTestEngine(t)

	e.Spawn(&store.Job{ID: "j2", Command: "sh", Parameters: []string{"-c", "echo oops >&2; exit 3"}})
	require.Eventually(t, func() bool { return rec.has(transport.KindComplete) }, 5*time.Second, 10*time.Millisecond)

	msgs := rec.snapshot()
	require.GreaterOrEqual(t, len(msgs), 3)
	errMsg, ok := msgs[len(msgs)-2].(*transport.Error)
	require.True(t, ok, "error precedes complete")
	assert.Equal(t, 3, errMsg.Code)

	var stderr []byte
	for _, m := range msgs {
		if s, ok := m.(*transport.Stderr); ok {
			stderr = append(stderr, s.Data...)
		}
	}
	assert.Equal(t, "oops\n", string(stderr))
}

func TestEngineStartFailure(t *testing.T) {
	e, rec := newTestEngine(t)

	e.Spawn(&store.Job{ID: "j3", Command: "/definitely/not/a/binary"})

	msgs := rec.snapshot()
	require.Len(t, msgs, 2)
	errMsg := msgs[0].(*transport.Error)
	assert.Equal(t, ExitCodeNotStarted, errMsg.Code)
	assert.NotEmpty(t, errMsg.Message)
	complete := msgs[1].(*transport.Complete)
	assert.Equal(t, "j3", complete.JobID)
	assert.Zero(t, complete.PID)
}

func TestEngineKill(t *testing.T) {
	e, rec := newTestEngine(t)

	e.Spawn(&store.Job{ID: "j4", Command: "sleep", Parameters: []string{"10"}})
	assert.Equal(t, []string{"j4"}, e.Running())

	e.Kill("j4")
	assert.Empty(t, e.Running())
	assert.Equal(t, 1, rec.count(transport.KindKilled))

	// The exit that follows the signal must not report completion
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, rec.count(transport.KindComplete))
	assert.Zero(t, rec.count(transport.KindError))
}

func TestEngineKillUnknownIsSilent(t *testing.T) {
	e, rec := newTestEngine(t)

	e.Kill("nobody")
	assert.Empty(t, rec.snapshot())
}

func TestEngineDuplicateSpawn(t *testing.T) {
	e, rec := newTestEngine(t)

	job := &store.Job{ID: "j5", Command: "sleep", Parameters: []string{"10"}}
	e.Spawn(job)
	e.Spawn(job)
	assert.Equal(t, 1, rec.count(transport.KindWorkStarted))
}

func TestEngineDestroy(t *testing.T) {
	rec := &recorder{}
	e := NewEngine("w", rec, zaptest.NewLogger(t).Sugar())

	e.Spawn(&store.Job{ID: "a", Command: "sleep", Parameters: []string{"10"}})
	e.Spawn(&store.Job{ID: "b", Command: "sleep", Parameters: []string{"10"}})

	done := make(chan struct{})
	go func() {
		e.Destroy()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("destroy did not reap children")
	}
	assert.Empty(t, e.Running())
	assert.Zero(t, rec.count(transport.KindComplete))
}

func TestDispatch(t *testing.T) {
	e, rec := newTestEngine(t)

	Dispatch(e, &transport.Spawn{Job: &store.Job{ID: "d1", Command: "sleep", Parameters: []string{"10"}}})
	assert.Equal(t, []string{"d1"}, e.Running())

	Dispatch(e, &transport.Kill{JobID: "d1"})
	assert.Empty(t, e.Running())
	assert.Equal(t, 1, rec.count(transport.KindKilled))

	Dispatch(e, &transport.Spawn{})
	Dispatch(e, &transport.Complete{JobID: "x"})
	assert.Empty(t, e.Running())
}
