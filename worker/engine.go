// Package worker runs spawned jobs as child processes and reports their lifecycle.
package worker

import (
	"context"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/store"
	"github.com/teranos/tock/sym"
	"github.com/teranos/tock/transport"
)

// pipeWaitDelay bounds how long output is drained after the command exits.
// A background grandchild holding stdout must not hold up completion.
const pipeWaitDelay = 2 * time.Second

// ExitCodeNotStarted is reported when a command cannot be started at all
const ExitCodeNotStarted = 127

// Reporter delivers worker messages to the master
type Reporter interface {
	Send(ctx context.Context, m transport.Message) error
}

// Engine owns the child processes of one worker
type Engine struct {
	id       string
	hostname string
	reporter Reporter
	logger   *zap.SugaredLogger

	ctx    context.Context // cancelled by Destroy; bounds blocked sends
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	procs    map[string]*process   // routable by job id
	children map[*process]struct{} // every unreaped child, killed or not
}

type process struct {
	cmd     *exec.Cmd
	started time.Time
}

// NewEngine creates an engine reporting as workerID
func NewEngine(workerID string, reporter Reporter, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		id:       workerID,
		hostname: hostname,
		reporter: reporter,
		logger:   logger.AddSymbol(log.Named("engine"), sym.Worker).With(logger.FieldWorkerID, workerID),
		ctx:      ctx,
		cancel:   cancel,
		procs:    make(map[string]*process),
		children: make(map[*process]struct{}),
	}
}

func (e *Engine) report(m transport.Message) {
	if err := e.reporter.Send(e.ctx, m); err != nil {
		e.logger.Warnw("Failed to report",
			logger.FieldKind, m.Kind(),
			logger.FieldJobID, transport.JobIDOf(m),
			logger.FieldError, err,
		)
	}
}

// Spawn starts job's command and returns once it is running (or failed to start).
// Output and exit are reported from background goroutines.
func (e *Engine) Spawn(job *store.Job) {
	log := e.logger.With(logger.FieldJobID, job.ID, logger.FieldCommand, job.Command)

	e.mu.Lock()
	if _, dup := e.procs[job.ID]; dup {
		e.mu.Unlock()
		log.Warnw("Ignoring duplicate spawn")
		return
	}
	e.mu.Unlock()

	cmd := exec.Command(job.Command, job.Parameters...)
	ready := make(chan struct{})
	cmd.Stdout = &chunkWriter{ready: ready, report: e.report, wrap: func(b []byte) transport.Message {
		return &transport.Stdout{JobID: job.ID, Data: b}
	}}
	cmd.Stderr = &chunkWriter{ready: ready, report: e.report, wrap: func(b []byte) transport.Message {
		return &transport.Stderr{JobID: job.ID, Data: b}
	}}
	cmd.WaitDelay = pipeWaitDelay
	setProcessGroup(cmd)
	started := time.Now()

	if err := cmd.Start(); err != nil {
		close(ready)
		log.Warnw("Command failed to start", logger.FieldError, err)
		e.report(&transport.Error{JobID: job.ID, Code: ExitCodeNotStarted, Message: err.Error()})
		e.report(&transport.Complete{JobID: job.ID, TotalRunTime: time.Since(started).Milliseconds()})
		return
	}
	e.track(job.ID, &process{cmd: cmd, started: started}, ready, log)
}

// track registers a started process and reports its exit. Output is held
// back until ready is closed so work-started is always reported first.
func (e *Engine) track(jobID string, p *process, ready chan struct{}, log *zap.SugaredLogger) {
	pid := p.cmd.Process.Pid

	e.mu.Lock()
	e.procs[jobID] = p
	e.children[p] = struct{}{}
	e.mu.Unlock()

	log.Infow("Job started", logger.FieldPID, pid)
	e.report(&transport.WorkStarted{JobID: jobID, WorkerID: e.id, PID: pid, Host: e.hostname})
	close(ready)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		// Wait returns once output is drained, or pipeWaitDelay after exit
		waitErr := p.cmd.Wait()
		elapsed := time.Since(p.started).Milliseconds()
		if errors.Is(waitErr, exec.ErrWaitDelay) {
			log.Debugw("Output still held open after exit", logger.FieldPID, pid)
			waitErr = nil
		}

		e.mu.Lock()
		cur, live := e.procs[jobID]
		live = live && cur == p
		if live {
			delete(e.procs, jobID)
		}
		delete(e.children, p)
		e.mu.Unlock()

		if !live {
			log.Debugw("Killed job exited", logger.FieldPID, pid)
			return
		}

		code := exitCode(p.cmd.ProcessState, waitErr)
		log.Infow("Job exited", logger.FieldPID, pid, logger.FieldExitCode, code, logger.FieldDurationMS, elapsed)
		if code != 0 {
			msg := ""
			if waitErr != nil {
				msg = waitErr.Error()
			}
			e.report(&transport.Error{JobID: jobID, Code: code, Message: msg})
		}
		e.report(&transport.Complete{JobID: jobID, TotalRunTime: elapsed, PID: pid})
	}()
}

// chunkWriter reports one message per write. os/exec copies each pipe read
// into a single write, so message size follows OS buffering.
type chunkWriter struct {
	ready  <-chan struct{}
	report func(transport.Message)
	wrap   func([]byte) transport.Message
}

func (w *chunkWriter) Write(b []byte) (int, error) {
	<-w.ready
	w.report(w.wrap(append([]byte(nil), b...)))
	return len(b), nil
}

func exitCode(state *os.ProcessState, waitErr error) int {
	if state == nil {
		if waitErr != nil {
			return -1
		}
		return 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// Kill signals a running job and reports killed. Unknown ids are ignored:
// another worker may own the job, or it already exited.
func (e *Engine) Kill(jobID string) {
	e.mu.Lock()
	p, ok := e.procs[jobID]
	if ok {
		delete(e.procs, jobID)
	}
	e.mu.Unlock()

	if !ok {
		e.logger.Debugw("Kill for unknown job ignored", logger.FieldJobID, jobID)
		return
	}

	if err := signalGroup(p.cmd, syscall.SIGTERM); err != nil {
		// Not supported everywhere; fall back to a hard kill
		signalGroup(p.cmd, syscall.SIGKILL)
	}
	e.logger.Infow("Job killed", logger.FieldJobID, jobID, logger.FieldPID, p.cmd.Process.Pid)
	e.report(&transport.Killed{JobID: jobID})
}

// Running lists the ids of live jobs
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.procs))
	for id := range e.procs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Destroy hard-kills every child without reporting and waits for cleanup
func (e *Engine) Destroy() {
	e.mu.Lock()
	e.procs = make(map[string]*process)
	children := make([]*process, 0, len(e.children))
	for p := range e.children {
		children = append(children, p)
	}
	e.mu.Unlock()

	for _, p := range children {
		e.logger.Warnw("Killing child on shutdown", logger.FieldPID, p.cmd.Process.Pid)
		signalGroup(p.cmd, syscall.SIGKILL)
	}
	e.cancel()
	e.wg.Wait()
}
