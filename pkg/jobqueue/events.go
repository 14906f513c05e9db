package jobqueue

import "sync"

// EventKind names a lifecycle notification.
type EventKind string

const (
	EventRun     EventKind = "job.run"
	EventDone    EventKind = "job.done"
	EventFailed  EventKind = "job.failed"
	EventDropped EventKind = "job.dropped"
	EventIdle    EventKind = "queue.idle"
)

// Event is passed to queue listeners. Job is nil for EventIdle; Err is set
// only for EventFailed.
type Event struct {
	Kind  EventKind
	Queue *Queue
	Job   *Job
	Err   error
}

// JobEvent is the payload mirrored onto an eventbus.Bus.
type JobEvent struct {
	ID       string  `json:"id,omitempty"`
	Name     string  `json:"name,omitempty"`
	Queue    string  `json:"queue"`
	Cost     float64 `json:"cost,omitempty"`
	Duration int64   `json:"duration_ms,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// listeners is one callback slot per notification kind.
// Callbacks run synchronously, in registration order, without any queue lock held.
type listeners[T any] struct {
	mu  sync.Mutex
	seq uint64
	fns []listener[T]
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

func (l *listeners[T]) add(fn func(T)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	l.seq++
	id := l.seq
	l.fns = append(l.fns, listener[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, it := range l.fns {
				if it.id == id {
					l.fns = append(l.fns[:i:i], l.fns[i+1:]...)
					return
				}
			}
		})
	}
}

// emit calls every listener with v. A panicking listener is reported through
// onPanic and does not stop delivery to the rest.
func (l *listeners[T]) emit(v T, onPanic func(any)) {
	l.mu.Lock()
	fns := make([]listener[T], len(l.fns))
	copy(fns, l.fns)
	l.mu.Unlock()

	for _, it := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil && onPanic != nil {
					onPanic(r)
				}
			}()
			it.fn(v)
		}()
	}
}
