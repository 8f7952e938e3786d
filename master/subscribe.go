package master

import (
	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
)

// Stream names a job output stream
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// OutputChunk is one piece of live job output
type OutputChunk struct {
	JobID  string
	Stream Stream
	Data   []byte
}

// subscriberBuffer is how many chunks a slow subscriber may lag before chunks are dropped
const subscriberBuffer = 256

type subscription struct {
	ch     chan OutputChunk
	closed bool
}

// SubscribeOutput streams a running job's output until the job finishes
// or cancel is called. Chunks are dropped, never blocked on, when the
// subscriber falls behind.
func (d *Dispatcher) SubscribeOutput(jobID string) (<-chan OutputChunk, func(), error) {
	sub := &subscription{ch: make(chan OutputChunk, subscriberBuffer)}
	found := false
	if err := d.do(func() {
		if e, ok := d.entries[jobID]; ok && !e.finishing {
			found = true
			d.subscribers[jobID] = append(d.subscribers[jobID], sub)
		}
	}); err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, errors.Wrapf(errors.ErrJobNotRunning, "job %s", jobID)
	}

	cancel := func() {
		d.mailbox.post(func() {
			subs := d.subscribers[jobID]
			for i, s := range subs {
				if s == sub {
					d.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(d.subscribers[jobID]) == 0 {
				delete(d.subscribers, jobID)
			}
			sub.close()
		})
	}
	return sub.ch, cancel, nil
}

func (s *subscription) close() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (d *Dispatcher) publishOutputLocked(jobID string, stream Stream, data []byte) {
	for _, sub := range d.subscribers[jobID] {
		select {
		case sub.ch <- OutputChunk{JobID: jobID, Stream: stream, Data: data}:
		default:
			d.logger.Debugw("Output subscriber lagging, chunk dropped", logger.FieldJobID, jobID, logger.FieldSize, len(data))
		}
	}
}

func (d *Dispatcher) closeSubscribersLocked(jobID string) {
	for _, sub := range d.subscribers[jobID] {
		sub.close()
	}
	delete(d.subscribers, jobID)
}
