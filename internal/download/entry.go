package download

import (
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// result is published once, on the terminal transition.
type result struct {
	data    []byte
	blob    Blob
	size    int64
	headers http.Header
	url     string
	stats   Stats
	err     error
}

// Entry is one unit of work: a resource, its state, its payload once
// complete, and the watchers interested in it.
//
// An entry created with NewEntry is standalone until a Manager adopts it.
// Standalone entries run every operation and notification inline on the
// caller's goroutine. Adopted entries route mutations through the manager's
// loop and deliver notifications on its delivery goroutine.
type Entry struct {
	key          Key
	responseType ResponseType
	headers      map[string]string
	storeRaw     bool
	priority     bool
	config       map[string]any
	m            *Manager

	// owned by the manager loop once adopted
	watchers     []*Watcher
	downloader   *downloader
	preProcessor PreProcessor
	transferFn   TransferFunc
	stats        Stats
	cleaned      bool
	cleanups     int

	status   atomic.Int32
	aborted  atomic.Bool
	released atomic.Bool
	result   atomic.Pointer[result]

	pinMu   sync.Mutex
	pins    int
	evicted bool
}

func NewEntry(req Request) *Entry {
	e := &Entry{
		key:          req.Key(),
		responseType: req.ResponseType,
		headers:      maps.Clone(req.Headers),
		storeRaw:     req.StoreRaw,
		priority:     req.Priority,
		config:       req.Config,
		preProcessor: req.PreProcessor,
	}
	if e.config == nil {
		e.config = make(map[string]any)
	}
	return e
}

func (e *Entry) Key() Key                   { return e.key }
func (e *Entry) URL() string                { return e.key.URL }
func (e *Entry) ResponseType() ResponseType { return e.responseType }
func (e *Entry) StoreRaw() bool             { return e.storeRaw }
func (e *Entry) Config() map[string]any     { return e.config }
func (e *Entry) Status() Status             { return Status(e.status.Load()) }
func (e *Entry) Aborted() bool              { return e.aborted.Load() }

func (e *Entry) setStatus(s Status) {
	e.status.Store(int32(s))
}

// turn runs fn as one scheduler step.
func (e *Entry) turn(fn func()) bool {
	if e.m == nil {
		fn()
		return true
	}
	return e.m.do(fn)
}

// emit queues fn for ordered delivery. Only called inside a turn.
func (e *Entry) emit(fn func()) {
	if e.m == nil {
		fn()
		return
	}
	e.m.notify(fn)
}

// AddWatcher registers w. It reports false when w was already registered or
// the entry is terminal.
func (e *Entry) AddWatcher(w *Watcher) bool {
	added := false
	e.turn(func() { added = e.addWatcher(w) })
	return added
}

func (e *Entry) addWatcher(w *Watcher) bool {
	if w == nil || e.Status().Terminal() || slices.Contains(e.watchers, w) {
		return false
	}
	e.watchers = append(e.watchers, w)
	return true
}

// RemoveWatcher unregisters w without cancelling the entry, even when it was
// the last watcher.
func (e *Entry) RemoveWatcher(w *Watcher) bool {
	removed := false
	e.turn(func() { removed = e.removeWatcher(w) })
	return removed
}

func (e *Entry) removeWatcher(w *Watcher) bool {
	i := slices.Index(e.watchers, w)
	if i < 0 {
		return false
	}
	e.watchers = slices.Delete(e.watchers, i, i+1)
	return true
}

// AbortWatcher unregisters w and, if nobody else is watching, tells w the
// entry was aborted and aborts it.
func (e *Entry) AbortWatcher(w *Watcher) {
	e.turn(func() { e.abortWatcher(w) })
}

func (e *Entry) abortWatcher(w *Watcher) {
	if e.Status().Terminal() || !e.removeWatcher(w) {
		return
	}
	if len(e.watchers) > 0 {
		return
	}
	err := newError(KindAborted, e.key.URL, nil)
	ev := Event{Kind: EventAborted, Entry: e, Stats: e.stats, Err: err}
	e.emit(func() { w.deliver(ev) })
	e.abort()
}

// Abort fails the entry, cancels its transfer and notifies every watcher.
// Calling it on a terminal entry does nothing.
func (e *Entry) Abort() {
	e.turn(e.abort)
}

func (e *Entry) abort() {
	if e.Status().Terminal() {
		return
	}
	log.Debug().Str("op", "download/entry").Msgf("aborting %s", e.key)
	err := newError(KindAborted, e.key.URL, nil)
	e.aborted.Store(true)
	e.result.Store(&result{stats: e.stats, err: err})
	e.setStatus(StatusFailed)
	e.retire()
	e.fanOut(Event{Kind: EventAborted, Entry: e, Stats: e.stats, Err: err})
	e.cleanup()
}

// HandleProgress fans progress out to watchers. It is dropped when the entry
// is terminal or nobody is watching.
func (e *Entry) HandleProgress(stats Stats, chunk []byte) {
	e.turn(func() {
		if e.Status().Terminal() {
			return
		}
		e.stats = stats
		if len(e.watchers) == 0 {
			return
		}
		e.fanOut(Event{Kind: EventProgress, Entry: e, Stats: stats, Chunk: chunk})
	})
}

// HandleSuccess completes the entry with resp. The preprocessor and payload
// materialization run outside the scheduler; if the entry was aborted in the
// meantime the response is dropped.
func (e *Entry) HandleSuccess(resp *Response, stats Stats) {
	var pre PreProcessor
	initiated := false
	e.turn(func() {
		initiated = e.Status() == StatusInitiated
		pre = e.preProcessor
	})
	if !initiated {
		return
	}
	if resp == nil {
		resp = &Response{}
	}
	if stats.Finished.IsZero() {
		stats.Finished = time.Now()
	}
	if pre != nil {
		out, err := pre(e, resp)
		if err != nil {
			e.turn(func() {
				if e.Status() == StatusInitiated {
					e.fail(stats, newError(KindPreprocessingFailed, e.key.URL, err))
				}
			})
			return
		}
		if out != nil {
			resp = out
		}
	}
	res, err := e.materialize(resp, stats)
	e.turn(func() {
		if e.Status() != StatusInitiated {
			if res != nil && res.blob != nil {
				res.blob.Release()
			}
			return
		}
		if err != nil {
			e.fail(stats, newError(KindPreprocessingFailed, e.key.URL, err))
			return
		}
		e.succeed(res)
	})
}

func (e *Entry) materialize(resp *Response, stats Stats) (*result, error) {
	res := &result{
		size:    int64(len(resp.Data)),
		headers: resp.Headers,
		url:     resp.URL,
		stats:   stats,
	}
	if res.url == "" {
		res.url = e.key.URL
	}
	if res.stats.Loaded == 0 {
		res.stats.Loaded = res.size
	}
	if e.storeRaw {
		res.data = resp.Data
		return res, nil
	}
	if e.m != nil && e.m.cfg.SpoolDir != "" {
		b, err := newFileBlob(e.m.cfg.SpoolDir, resp.Data)
		if err != nil {
			return nil, err
		}
		res.blob = b
		return res, nil
	}
	res.blob = &memoryBlob{data: resp.Data}
	return res, nil
}

func (e *Entry) succeed(res *result) {
	e.stats = res.stats
	e.result.Store(res)
	e.setStatus(StatusComplete)
	e.retire()
	e.fanOut(Event{Kind: EventSuccess, Entry: e, Stats: res.stats})
	if fn := e.transferFn; fn != nil {
		e.emit(func() { fn(e) })
	}
	e.cleanup()
}

// HandleFailure fails an initiated entry. Errors that are not already typed
// are reported as transfer failures.
func (e *Entry) HandleFailure(stats Stats, err error) {
	e.turn(func() {
		if e.Status() != StatusInitiated {
			return
		}
		if err == nil {
			err = fmt.Errorf("transfer failed")
		}
		e.fail(stats, asTransferError(e.key.URL, err))
	})
}

func (e *Entry) fail(stats Stats, err error) {
	if stats.Finished.IsZero() {
		stats.Finished = time.Now()
	}
	e.stats = stats
	e.result.Store(&result{stats: stats, err: err})
	e.setStatus(StatusFailed)
	e.retire()
	e.fanOut(Event{Kind: EventFailure, Entry: e, Stats: stats, Err: err})
	e.cleanup()
}

func (e *Entry) fanOut(ev Event) {
	ws := slices.Clone(e.watchers)
	if len(ws) == 0 {
		return
	}
	e.emit(func() {
		for _, w := range ws {
			w.deliver(ev)
		}
	})
}

func (e *Entry) retire() {
	if e.m != nil {
		e.m.retire(e)
	}
}

func (e *Entry) cleanup() {
	if e.cleaned {
		return
	}
	e.cleaned = true
	e.cleanups++
	e.downloader = nil
	e.preProcessor = nil
	e.transferFn = nil
	e.watchers = nil
}

// SetTransferFunc sets the hook run once after a successful completion.
func (e *Entry) SetTransferFunc(fn TransferFunc) {
	e.turn(func() {
		if !e.cleaned {
			e.transferFn = fn
		}
	})
}

func (e *Entry) WatcherCount() int {
	n := 0
	e.turn(func() { n = len(e.watchers) })
	return n
}

// Stats returns the final stats of a terminal entry, or the zero value.
func (e *Entry) Stats() Stats {
	if r := e.result.Load(); r != nil {
		return r.stats
	}
	return Stats{}
}

// Err returns the failure cause of a failed entry.
func (e *Entry) Err() error {
	if r := e.result.Load(); r != nil {
		return r.err
	}
	return nil
}

func (e *Entry) complete() *result {
	if e.Status() != StatusComplete {
		return nil
	}
	return e.result.Load()
}

// Data returns the raw payload of a complete entry that stores raw bytes.
func (e *Entry) Data() []byte {
	if r := e.complete(); r != nil {
		return r.data
	}
	return nil
}

// Blob returns the payload handle of a complete entry that does not store
// raw bytes.
func (e *Entry) Blob() Blob {
	if r := e.complete(); r != nil {
		return r.blob
	}
	return nil
}

// DataSize reports the payload size; ok is false until the entry completes.
func (e *Entry) DataSize() (int64, bool) {
	if r := e.complete(); r != nil {
		return r.size, true
	}
	return 0, false
}

func (e *Entry) ResponseHeaders() http.Header {
	if r := e.complete(); r != nil {
		return r.headers
	}
	return nil
}

// ResponseURL is the URL the payload was finally served from.
func (e *Entry) ResponseURL() string {
	if r := e.complete(); r != nil {
		return r.url
	}
	return ""
}

// Bytes returns the payload regardless of how it is stored.
func (e *Entry) Bytes() ([]byte, error) {
	r := e.complete()
	if r == nil {
		return nil, fmt.Errorf("entry %s is %s", e.key, e.Status())
	}
	if r.blob == nil {
		return r.data, nil
	}
	return readBlob(r.blob)
}

func (e *Entry) Text() (string, error) {
	b, err := e.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DataFromBlob reads the payload as []byte for ResponseBinary or as string
// for ResponseText.
func (e *Entry) DataFromBlob(rt ResponseType) (any, error) {
	switch rt {
	case ResponseText:
		return e.Text()
	case ResponseBinary:
		return e.Bytes()
	default:
		return nil, fmt.Errorf("unsupported response type %d", rt)
	}
}

func (e *Entry) transferRequest() TransferRequest {
	return TransferRequest{
		URL:          e.key.URL,
		RangeStart:   e.key.RangeStart,
		RangeEnd:     e.key.RangeEnd,
		Headers:      e.headers,
		ResponseType: e.responseType,
	}
}

// Pin keeps the payload of e readable after the manager drops e from its
// completed cache. Each Pin needs a matching Unpin.
func (e *Entry) Pin() {
	e.pinMu.Lock()
	e.pins++
	e.pinMu.Unlock()
}

// Unpin drops a pin taken with Pin. The payload is released once the entry
// is unpinned and no longer cached.
func (e *Entry) Unpin() {
	e.pinMu.Lock()
	if e.pins == 0 {
		e.pinMu.Unlock()
		return
	}
	e.pins--
	drop := e.pins == 0 && e.evicted
	e.pinMu.Unlock()
	if drop {
		e.release()
	}
}

// evict is called when the manager stops tracking a completed entry.
func (e *Entry) evict() {
	e.pinMu.Lock()
	e.evicted = true
	drop := e.pins == 0
	e.pinMu.Unlock()
	if drop {
		e.release()
	}
}

// Available reports whether e completed and its payload can still be read.
func (e *Entry) Available() bool {
	return e.Status() == StatusComplete && !e.released.Load()
}

func (e *Entry) release() {
	r := e.result.Load()
	if r == nil || r.blob == nil || !e.released.CompareAndSwap(false, true) {
		return
	}
	if err := r.blob.Release(); err != nil {
		log.Warn().Str("op", "download/entry").Err(err).Msgf("failed to release payload of %s", e.key)
	}
}
