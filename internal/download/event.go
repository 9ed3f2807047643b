package download

import "github.com/google/uuid"

type EventKind int

const (
	EventProgress EventKind = iota
	EventSuccess
	EventFailure
	EventAborted
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventSuccess:
		return "success"
	case EventFailure:
		return "failure"
	case EventAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

func (k EventKind) Terminal() bool {
	return k != EventProgress
}

// Event is a single notification about an entry. Chunk is only set for
// progress events; Err only for failure and abort.
type Event struct {
	Kind  EventKind
	Entry *Entry
	Stats Stats
	Chunk []byte
	Err   error
}

// Handler is the single delivery point of a watcher.
type Handler interface {
	Handle(ev Event)
}

type HandlerFunc func(ev Event)

func (f HandlerFunc) Handle(ev Event) {
	f(ev)
}

// Callbacks routes events to per-kind functions. An abort goes to OnAbort
// when set and to OnFail otherwise, so each watcher sees one terminal call.
type Callbacks struct {
	OnProgress func(e *Entry, stats Stats, chunk []byte)
	OnSuccess  func(e *Entry, stats Stats)
	OnFail     func(e *Entry, stats Stats, err error)
	OnAbort    func(e *Entry)
}

func (c Callbacks) Handle(ev Event) {
	switch ev.Kind {
	case EventProgress:
		if c.OnProgress != nil {
			c.OnProgress(ev.Entry, ev.Stats, ev.Chunk)
		}
	case EventSuccess:
		if c.OnSuccess != nil {
			c.OnSuccess(ev.Entry, ev.Stats)
		}
	case EventFailure:
		if c.OnFail != nil {
			c.OnFail(ev.Entry, ev.Stats, ev.Err)
		}
	case EventAborted:
		if c.OnAbort != nil {
			c.OnAbort(ev.Entry)
		} else if c.OnFail != nil {
			c.OnFail(ev.Entry, ev.Stats, ev.Err)
		}
	}
}

// Watcher is a consumer's registration on an entry. Identity is by pointer;
// the ID is for logs and external bookkeeping.
type Watcher struct {
	id      uuid.UUID
	handler Handler
}

func NewWatcher(h Handler) *Watcher {
	if h == nil {
		h = HandlerFunc(func(Event) {})
	}
	return &Watcher{id: uuid.New(), handler: h}
}

func (w *Watcher) ID() uuid.UUID {
	return w.id
}

func (w *Watcher) deliver(ev Event) {
	w.handler.Handle(ev)
}
