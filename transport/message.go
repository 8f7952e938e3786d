// Package transport carries jobs and their lifecycle events between the master and workers.
//
// Every frame is a JSON envelope {"type": kind, "data": payload} over a websocket.
// The set of kinds is closed: Decode rejects anything it does not know, so
// consumers can type-switch on Message without a fallback route.
package transport

import (
	"encoding/json"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/store"
)

// Kind names a message type on the wire
type Kind string

// Master to worker
const (
	KindSpawn Kind = "spawn"
	KindKill  Kind = "kill"
)

// Worker to master
const (
	KindHello       Kind = "hello"
	KindWorkStarted Kind = "work-started"
	KindStdout      Kind = "stdout"
	KindStderr      Kind = "stderr"
	KindError       Kind = "error"
	KindComplete    Kind = "complete"
	KindKilled      Kind = "killed"
	KindAnnounce    Kind = "announce"
)

// ErrUnknownKind is returned by Decode for kinds outside the protocol
var ErrUnknownKind = errors.New("unknown message kind")

// Message is implemented by every payload type
type Message interface {
	Kind() Kind
}

// Spawn asks a worker to run a job
type Spawn struct {
	Job *store.Job `json:"job"`
}

// Kill asks a worker to signal a job's process
type Kill struct {
	JobID string `json:"job_id"`
}

// Hello is the first frame a worker sends on every connection
type Hello struct {
	WorkerID string    `json:"worker_id"`
	Hostname string    `json:"hostname"`
	PID      int       `json:"pid"`
	Version  string    `json:"version"` // protocol version
	Host     HostFacts `json:"host"`
}

// HostFacts describes the machine a worker runs on
type HostFacts struct {
	OS       string `json:"os,omitempty"`
	Platform string `json:"platform,omitempty"`
	Kernel   string `json:"kernel,omitempty"`
	CPUs     int    `json:"cpus,omitempty"`
	MemTotal uint64 `json:"mem_total,omitempty"`
}

// WorkStarted reports that a job's process is running
type WorkStarted struct {
	JobID    string `json:"job_id"`
	WorkerID string `json:"worker_id"`
	PID      int    `json:"pid"`
	Host     string `json:"host"`
}

// Stdout carries one read from a job's standard output
type Stdout struct {
	JobID string `json:"job_id"`
	Data  []byte `json:"data"`
}

// Stderr carries one read from a job's standard error
type Stderr struct {
	JobID string `json:"job_id"`
	Data  []byte `json:"data"`
}

// Error reports a nonzero exit (or a process that could not start)
type Error struct {
	JobID   string `json:"job_id"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Complete reports that a job's process exited
type Complete struct {
	JobID        string `json:"job_id"`
	TotalRunTime int64  `json:"total_run_time"` // milliseconds
	PID          int    `json:"pid"`
}

// Killed confirms a job's process was signaled
type Killed struct {
	JobID string `json:"job_id"`
}

// Announce lists the jobs a worker is running, sent after every (re)connect
type Announce struct {
	WorkerID string   `json:"worker_id"`
	JobIDs   []string `json:"job_ids"`
}

func (Spawn) Kind() Kind       { return KindSpawn }
func (Kill) Kind() Kind        { return KindKill }
func (Hello) Kind() Kind       { return KindHello }
func (WorkStarted) Kind() Kind { return KindWorkStarted }
func (Stdout) Kind() Kind      { return KindStdout }
func (Stderr) Kind() Kind      { return KindStderr }
func (Error) Kind() Kind       { return KindError }
func (Complete) Kind() Kind    { return KindComplete }
func (Killed) Kind() Kind      { return KindKilled }
func (Announce) Kind() Kind    { return KindAnnounce }

// JobIDOf returns the job a message refers to, or "" for connection-level messages
func JobIDOf(m Message) string {
	switch msg := m.(type) {
	case *Spawn:
		if msg.Job != nil {
			return msg.Job.ID
		}
	case *Kill:
		return msg.JobID
	case *WorkStarted:
		return msg.JobID
	case *Stdout:
		return msg.JobID
	case *Stderr:
		return msg.JobID
	case *Error:
		return msg.JobID
	case *Complete:
		return msg.JobID
	case *Killed:
		return msg.JobID
	}
	return ""
}

type envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode wraps m in an envelope
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", m.Kind())
	}
	frame, err := json.Marshal(envelope{Type: m.Kind(), Data: data})
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s envelope", m.Kind())
	}
	return frame, nil
}

// Decode parses an envelope into its payload. Payloads are always returned as pointers.
func Decode(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}

	var m Message
	switch env.Type {
	case KindSpawn:
		m = &Spawn{}
	case KindKill:
		m = &Kill{}
	case KindHello:
		m = &Hello{}
	case KindWorkStarted:
		m = &WorkStarted{}
	case KindStdout:
		m = &Stdout{}
	case KindStderr:
		m = &Stderr{}
	case KindError:
		m = &Error{}
	case KindComplete:
		m = &Complete{}
	case KindKilled:
		m = &Killed{}
	case KindAnnounce:
		m = &Announce{}
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "%q", env.Type)
	}

	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, m); err != nil {
			return nil, errors.Wrapf(err, "decode %s", env.Type)
		}
	}
	return m, nil
}
