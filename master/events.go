package master

import (
	"sync"
	"time"

	"github.com/teranos/tock/store"
)

// EventKind names a domain event
type EventKind string

const (
	EventSpawn          EventKind = "job:spawn"
	EventComplete       EventKind = "job:complete"
	EventKilled         EventKind = "job:killed"
	EventError          EventKind = "job:error"
	EventStdout         EventKind = "job:stdOut"
	EventStderr         EventKind = "job:stdErr"
	EventMaxConcurrency EventKind = "job:max:concurrency"
	EventTockStart      EventKind = "tock:start"
)

// Event is delivered to listeners. Job is a copy; listeners may keep it.
type Event struct {
	Kind       EventKind
	JobID      string
	Job        *store.Job
	ScheduleID string
	Data       []byte // output chunk for job:stdOut and job:stdErr
	ErrorCode  int    // exit code for job:error from a worker
	Err        error  // cause for job:error raised by the master
	Minute     time.Time
}

// Listener receives events. Listeners run synchronously, often on the
// dispatch loop, and must not block or call back into the Dispatcher.
type Listener func(Event)

type listeners struct {
	mu     sync.RWMutex
	nextID int
	byKind map[EventKind]map[int]Listener
}

func (l *listeners) add(kind EventKind, fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.byKind == nil {
		l.byKind = make(map[EventKind]map[int]Listener)
	}
	if l.byKind[kind] == nil {
		l.byKind[kind] = make(map[int]Listener)
	}
	id := l.nextID
	l.nextID++
	l.byKind[kind][id] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.byKind[kind], id)
	}
}

func (l *listeners) emit(ev Event) {
	l.mu.RLock()
	fns := make([]Listener, 0, len(l.byKind[ev.Kind]))
	for _, fn := range l.byKind[ev.Kind] {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
