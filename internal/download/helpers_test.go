package download

import (
	"context"
	"sync"
	"testing"
	"time"
)

const waitTimeout = 2 * time.Second

type gate struct {
	resp *Response
	err  error
}

// blockingTransport holds every transfer until the test releases it.
type blockingTransport struct {
	started chan string

	mu    sync.Mutex
	gates map[string]chan gate
	calls map[string]int
}

func newBlockingTransport() *blockingTransport {
	return &blockingTransport{
		started: make(chan string, 64),
		gates:   make(map[string]chan gate),
		calls:   make(map[string]int),
	}
}

func (t *blockingTransport) gateFor(url string) chan gate {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.gates[url]
	if !ok {
		g = make(chan gate, 1)
		t.gates[url] = g
	}
	return g
}

func (t *blockingTransport) Transfer(ctx context.Context, req TransferRequest, progress ProgressFunc) (*Response, error) {
	t.mu.Lock()
	t.calls[req.URL]++
	t.mu.Unlock()
	g := t.gateFor(req.URL)
	t.started <- req.URL
	select {
	case r := <-g:
		if r.err == nil && r.resp != nil {
			n := int64(len(r.resp.Data))
			progress(Stats{Loaded: n, Total: n}, r.resp.Data)
		}
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *blockingTransport) finish(url string, data []byte) {
	t.gateFor(url) <- gate{resp: &Response{Data: data, URL: url}}
}

func (t *blockingTransport) failWith(url string, err error) {
	t.gateFor(url) <- gate{err: err}
}

func (t *blockingTransport) callCount(url string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[url]
}

func (t *blockingTransport) waitStarted(tb testing.TB) string {
	tb.Helper()
	select {
	case url := <-t.started:
		return url
	case <-time.After(waitTimeout):
		tb.Fatal("timed out waiting for a transfer to start")
		return ""
	}
}

func (t *blockingTransport) assertNoStart(tb testing.TB) {
	tb.Helper()
	select {
	case url := <-t.started:
		tb.Fatalf("unexpected transfer of %s", url)
	case <-time.After(50 * time.Millisecond):
	}
}

// recorder collects the events of one watcher.
type recorder struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
	closed bool
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) Handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if ev.Kind.Terminal() && !r.closed {
		r.closed = true
		close(r.done)
	}
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}
	}
	return r.events[len(r.events)-1]
}

func (r *recorder) wait(tb testing.TB) Event {
	tb.Helper()
	select {
	case <-r.done:
		return r.last()
	case <-time.After(waitTimeout):
		tb.Fatal("timed out waiting for a terminal event")
		return Event{}
	}
}

func newTestManager(t *testing.T, size int) (*Manager, *blockingTransport) {
	t.Helper()
	tr := newBlockingTransport()
	if size == 0 {
		size = -1
	}
	m := NewManager(tr, Config{Downloaders: size})
	t.Cleanup(func() { m.Close() })
	return m, tr
}

func req(url string) Request {
	return Request{URL: url, StoreRaw: true}
}
