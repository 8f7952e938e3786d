package master

import (
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/output"
)

// sink writes one job stream in order without blocking the dispatch loop.
// Writes are best-effort; failures are logged and the job keeps running.
type sink struct {
	name   string
	stream output.Stream // nil when the open failed; writes are discarded
	logger *zap.SugaredLogger

	mu      sync.Mutex
	buf     [][]byte
	closing bool
	wake    chan struct{}
	done    chan struct{}
}

func newSink(name string, stream output.Stream, log *zap.SugaredLogger) *sink {
	s := &sink{
		name:   name,
		stream: stream,
		logger: log.With(logger.FieldStream, name),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *sink) write(p []byte) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.logger.Debugw("Write after close dropped", logger.FieldSize, len(p))
		return
	}
	s.buf = append(s.buf, p)
	s.mu.Unlock()
	s.signal()
}

// close flushes queued writes, then closes the stream. Safe to call twice.
func (s *sink) close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.signal()
}

// wait blocks until the stream is closed
func (s *sink) wait() {
	<-s.done
}

func (s *sink) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *sink) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.buf
		s.buf = nil
		closing := s.closing
		s.mu.Unlock()

		for _, p := range batch {
			if s.stream == nil {
				continue
			}
			if _, err := s.stream.Write(p); err != nil {
				s.logger.Warnw("Output write failed", logger.FieldSize, len(p), logger.FieldError, err)
			}
		}

		if closing && len(batch) == 0 {
			if s.stream != nil {
				if err := s.stream.Close(); err != nil {
					s.logger.Warnw("Output close failed", logger.FieldError, err)
				}
			}
			return
		}
		if len(batch) == 0 {
			<-s.wake
		}
	}
}
