package hls

import (
	"errors"
	"maps"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/streamfetch/internal/download"
)

var ErrDestroyed = errors.New("requester destroyed")

type requestOptions struct {
	priority bool
	storeRaw bool
	pre      download.PreProcessor
}

type Option func(*requestOptions)

// WithPriority marks a fragment as needed for immediate playback.
func WithPriority() Option {
	return func(o *requestOptions) { o.priority = true }
}

// WithStoreRaw keeps the payload as raw bytes instead of a blob handle.
func WithStoreRaw() Option {
	return func(o *requestOptions) { o.storeRaw = true }
}

func WithPreProcessor(p download.PreProcessor) Option {
	return func(o *requestOptions) { o.pre = p }
}

// Requester turns fragment requests into shared download entries. Every
// request gets its own watcher; the handle returned lets the caller give up
// on the fragment without disturbing other callers waiting on the same data.
// Completed fragments stay pinned, so their payloads outlive the manager's
// cache, until Release is called.
type Requester struct {
	manager *download.Manager
	headers map[string]string

	mu        sync.Mutex
	handles   map[*Handle]struct{}
	entries   map[string]*download.Entry
	held      []*Handle
	destroyed bool
}

type Handle struct {
	r        *Requester
	fragment *Fragment
	watcher  *download.Watcher
	entry    *download.Entry
	done     bool
	// pinned is set while the handle owns a pin on pinEntry
	pinned   bool
	pinEntry *download.Entry
}

func NewRequester(m *download.Manager, headers map[string]string) *Requester {
	return &Requester{
		manager: m,
		headers: maps.Clone(headers),
		handles: make(map[*Handle]struct{}),
		entries: make(map[string]*download.Entry),
	}
}

// RequestFragment subscribes h to the download of frag. h receives exactly
// one terminal event unless the handle is aborted while others still need
// the fragment.
func (r *Requester) RequestFragment(frag *Fragment, h download.Handler, opts ...Option) (*Handle, error) {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}
	req := frag.Request(r.headers)
	req.Priority = o.priority
	req.StoreRaw = o.storeRaw
	req.PreProcessor = o.pre
	req.Pin = true

	handle := &Handle{r: r, fragment: frag}
	handle.watcher = download.NewWatcher(download.HandlerFunc(func(ev download.Event) {
		if ev.Kind.Terminal() {
			r.settle(handle, ev)
		}
		if h != nil {
			h.Handle(ev)
		}
	}))

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return nil, ErrDestroyed
	}
	r.handles[handle] = struct{}{}
	// the pin is taken inside Subscribe, before any event can settle the handle
	handle.pinned = true
	r.mu.Unlock()

	entry, err := r.manager.Subscribe(req, handle.watcher)
	r.mu.Lock()
	if err != nil {
		delete(r.handles, handle)
		handle.pinned = false
		r.mu.Unlock()
		return nil, err
	}
	handle.entry = entry
	if handle.pinEntry == nil {
		handle.pinEntry = entry
	}
	if !handle.done {
		r.entries[frag.ID()] = entry
		if s := entry.Status(); !s.Terminal() {
			frag.setStatus(s)
		}
	}
	destroyed := r.destroyed
	r.mu.Unlock()
	if destroyed {
		// Destroy ran while we were subscribing
		handle.Abort()
		return nil, ErrDestroyed
	}
	log.Debug().Str("op", "hls/requester").Msgf("requested fragment %s (priority=%t)", frag.ID(), o.priority)
	return handle, nil
}

func (r *Requester) settle(h *Handle, ev download.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.done = true
	delete(r.handles, h)
	if h.pinEntry == nil {
		h.pinEntry = ev.Entry
	}
	switch ev.Kind {
	case download.EventSuccess:
		h.fragment.setStatus(download.StatusComplete)
		r.entries[h.fragment.ID()] = ev.Entry
		if h.pinned {
			r.held = append(r.held, h)
		}
	default:
		h.fragment.setStatus(download.StatusFailed)
		if r.entries[h.fragment.ID()] == ev.Entry {
			delete(r.entries, h.fragment.ID())
		}
		h.unpin()
	}
}

// unpin drops the handle's pin. Callers hold r.mu.
func (h *Handle) unpin() {
	if !h.pinned || h.pinEntry == nil {
		return
	}
	h.pinned = false
	h.pinEntry.Unpin()
}

// Abort gives up on the fragment. The transfer is cancelled only when no
// other watcher still needs it.
func (h *Handle) Abort() {
	h.r.mu.Lock()
	if h.done || h.entry == nil {
		h.r.mu.Unlock()
		return
	}
	h.done = true
	delete(h.r.handles, h)
	h.unpin()
	entry := h.entry
	h.r.mu.Unlock()
	entry.AbortWatcher(h.watcher)
}

func (h *Handle) Entry() *download.Entry {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.entry
}

func (h *Handle) Fragment() *Fragment {
	return h.fragment
}

// EntryFor returns the entry currently or most recently servicing frag.
func (r *Requester) EntryFor(frag *Fragment) (*download.Entry, bool) {
	r.mu.Lock()
	e, ok := r.entries[frag.ID()]
	r.mu.Unlock()
	if ok {
		return e, true
	}
	return r.manager.GetEntry(frag.Key())
}

func (r *Requester) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Release unpins every completed fragment. Their payloads may be dropped by
// the manager afterwards, so it is called once the fragments were exported.
func (r *Requester) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.held {
		h.unpin()
	}
	r.held = nil
}

// Destroy aborts every outstanding request. Later requests fail with
// ErrDestroyed. Completed fragments stay pinned until Release.
func (r *Requester) Destroy() {
	r.mu.Lock()
	r.destroyed = true
	pending := make([]*Handle, 0, len(r.handles))
	for h := range r.handles {
		pending = append(pending, h)
	}
	r.mu.Unlock()
	for _, h := range pending {
		h.Abort()
	}
	log.Debug().Str("op", "hls/requester").Msgf("destroyed requester, aborted %d requests", len(pending))
}
