package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/transport"
)

// announceTimeout bounds the re-announce queued after a reconnect
const announceTimeout = 5 * time.Second

// Worker connects an Engine to the master
type Worker struct {
	client *transport.Client
	engine *Engine
	id     string
	logger *zap.SugaredLogger
}

// New wires a transport client and an engine. After every (re)connect the
// worker announces its running jobs so a restarted master can pick them up.
func New(opts transport.ClientOptions, log *zap.SugaredLogger) *Worker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.Hello == nil {
		opts.Hello = transport.NewHello("")
	}

	w := &Worker{id: opts.Hello.WorkerID, logger: log.Named("worker")}
	opts.OnConnect = w.announce
	w.client = transport.NewClient(opts, log)
	w.engine = NewEngine(w.id, w.client, log)
	return w
}

// ID returns the worker's identifier
func (w *Worker) ID() string { return w.id }

// Engine returns the process engine
func (w *Worker) Engine() *Engine { return w.engine }

func (w *Worker) announce() {
	running := w.engine.Running()
	if len(running) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()
	if err := w.client.Send(ctx, &transport.Announce{WorkerID: w.id, JobIDs: running}); err != nil {
		w.logger.Warnw("Announce dropped", logger.FieldCount, len(running), logger.FieldError, err)
		return
	}
	w.logger.Infow("Announced running jobs", logger.FieldCount, len(running))
}

// Run executes master commands until ctx is done, then kills whatever is still running
func (w *Worker) Run(ctx context.Context) error {
	defer w.engine.Destroy()
	return Serve(ctx, w.client, w.engine)
}

// CommandSource yields master commands
type CommandSource interface {
	Run(ctx context.Context) error
	Commands() <-chan transport.Message
}

// Serve keeps source connected and feeds its commands to engine
func Serve(ctx context.Context, source CommandSource, engine *Engine) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return source.Run(ctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg := <-source.Commands():
				Dispatch(engine, msg)
			}
		}
	})
	return g.Wait()
}

// Dispatch applies one master command to engine
func Dispatch(engine *Engine, msg transport.Message) {
	switch m := msg.(type) {
	case *transport.Spawn:
		if m.Job == nil {
			engine.logger.Warnw("Spawn without job")
			return
		}
		engine.Spawn(m.Job)
	case *transport.Kill:
		engine.Kill(m.JobID)
	default:
		engine.logger.Warnw("Ignoring message", logger.FieldKind, msg.Kind())
	}
}
