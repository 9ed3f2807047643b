package download

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultDownloaders = 4
	DefaultCacheSize   = 256
)

type Config struct {
	// Downloaders is the initial pool size. Zero means DefaultDownloaders;
	// use a negative value to start with an empty pool.
	Downloaders int
	// CacheSize bounds how many completed entries stay reachable through
	// GetEntry after they leave the live table.
	CacheSize int
	// MaxEntrySize rejects byte ranges larger than this many bytes.
	MaxEntrySize int64
	// SpoolDir, when set, stores non-raw payloads in temp files there.
	SpoolDir string
	// TransferFunc is installed on every adopted entry that has none.
	TransferFunc TransferFunc
	Metrics      Metrics
}

// Metrics receives scheduler observations. Calls happen on the manager
// loop and must not block.
type Metrics interface {
	EntryFinished(status Status, aborted bool, bytes int64, elapsed time.Duration)
	PoolChanged(size, busy int)
	QueueChanged(depth int)
}

type Snapshot struct {
	Downloaders int
	Busy        int
	Draining    int
	Queued      int
	Live        int
	Cached      int
	Paused      bool
}

// Manager owns a pool of downloaders, the table of live entries and the
// dispatch queue. All of that state lives on a single loop goroutine; public
// methods submit a closure to it and wait. Watcher notifications are queued
// by the loop and run one at a time on a separate delivery goroutine, so a
// callback may call back into the manager but must not call Close or Flush.
//
// A downloader stays busy until its transfer goroutine returns, which is a
// loop turn after the entry's terminal event was queued. A watcher reacting
// to that event may still see the downloader counted in Snapshot().Busy.
type Manager struct {
	transport Transport
	cfg       Config

	ops       chan func()
	deliver   chan func()
	quit      chan struct{}
	stopped   chan struct{}
	delivered chan struct{}
	closeOnce sync.Once
	inflight  sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	// loop state
	notes       []func()
	live        map[Key]*Entry
	completed   *lru[Key, *Entry]
	priority    []*Entry
	queue       []*Entry
	downloaders []*downloader
	nextID      int
	paused      bool
	closed      bool
}

func NewManager(transport Transport, cfg Config) *Manager {
	if cfg.Downloaders == 0 {
		cfg.Downloaders = DefaultDownloaders
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		transport: transport,
		cfg:       cfg,
		ops:       make(chan func()),
		deliver:   make(chan func()),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		delivered: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		live:      make(map[Key]*Entry),
	}
	m.completed = newLRU(cfg.CacheSize, func(_ Key, e *Entry) { e.evict() })
	for range max(cfg.Downloaders, 0) {
		m.addDownloader()
	}
	go m.run()
	go m.deliverLoop()
	log.Debug().Str("op", "download/manager").Msgf("manager started with %d downloaders", len(m.downloaders))
	return m
}

func (m *Manager) run() {
	for {
		var out chan func()
		var next func()
		if len(m.notes) > 0 {
			out, next = m.deliver, m.notes[0]
		}
		select {
		case fn := <-m.ops:
			fn()
		case out <- next:
			m.notes[0] = nil
			m.notes = m.notes[1:]
		case <-m.quit:
			close(m.stopped)
			for _, fn := range m.notes {
				m.deliver <- fn
			}
			m.notes = nil
			close(m.deliver)
			return
		}
	}
}

func (m *Manager) deliverLoop() {
	defer close(m.delivered)
	for fn := range m.deliver {
		m.invoke(fn)
	}
}

func (m *Manager) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("op", "download/manager").Msgf("watcher callback panicked: %v", r)
		}
	}()
	fn()
}

// do runs fn on the loop and waits for it. It reports false once the
// manager has stopped.
func (m *Manager) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case m.ops <- func() { fn(); close(done) }:
	case <-m.stopped:
		return false
	}
	<-done
	return true
}

func (m *Manager) notify(fn func()) {
	m.notes = append(m.notes, fn)
}

// GetOrCreateEntry returns the live entry for key, or registers and queues
// the entry built by factory. factory runs on the loop and must not call
// back into the manager.
func (m *Manager) GetOrCreateEntry(key Key, factory func() *Entry) (*Entry, error) {
	if err := key.validate(m.cfg.MaxEntrySize); err != nil {
		return nil, err
	}
	var e *Entry
	var err error
	ok := m.do(func() {
		if m.closed {
			err = ErrClosed
			return
		}
		if cur, found := m.live[key]; found && !cur.Status().Terminal() {
			e = cur
			return
		}
		e, err = m.adopt(key, factory())
		if err == nil {
			m.dispatch()
		}
	})
	if !ok {
		return nil, ErrClosed
	}
	return e, err
}

// Fetch is GetOrCreateEntry for a request.
func (m *Manager) Fetch(req Request) (*Entry, error) {
	return m.GetOrCreateEntry(req.Key(), func() *Entry { return NewEntry(req) })
}

// Subscribe attaches w to the entry for req, creating it if needed. When the
// resource already completed and is still cached, w is sent the success
// event straight away and no transfer is made. With req.Pin set the returned
// entry is pinned before any event for it can be delivered.
func (m *Manager) Subscribe(req Request, w *Watcher) (*Entry, error) {
	key := req.Key()
	if err := key.validate(m.cfg.MaxEntrySize); err != nil {
		return nil, err
	}
	var e *Entry
	var err error
	ok := m.do(func() {
		if m.closed {
			err = ErrClosed
			return
		}
		if cur, found := m.live[key]; found && !cur.Status().Terminal() {
			e = cur
			e.addWatcher(w)
			if req.Pin {
				e.Pin()
			}
			if req.Priority {
				m.promote(e)
				m.dispatch()
			}
			return
		}
		if done, found := m.completed.Get(key); found {
			e = done
			if req.Pin {
				e.Pin()
			}
			ev := Event{Kind: EventSuccess, Entry: done, Stats: done.Stats()}
			m.notify(func() { w.deliver(ev) })
			return
		}
		e, err = m.adopt(key, NewEntry(req))
		if err != nil {
			return
		}
		if req.Pin {
			e.Pin()
		}
		e.addWatcher(w)
		m.dispatch()
	})
	if !ok {
		return nil, ErrClosed
	}
	return e, err
}

func (m *Manager) adopt(key Key, e *Entry) (*Entry, error) {
	if e == nil {
		return nil, fmt.Errorf("entry factory returned nil for %s", key)
	}
	if e.key != key {
		return nil, fmt.Errorf("entry factory built %s for key %s", e.key, key)
	}
	if e.m != nil || e.Status() != StatusWaiting {
		return nil, fmt.Errorf("entry %s is already in use", key)
	}
	e.m = m
	if e.transferFn == nil {
		e.transferFn = m.cfg.TransferFunc
	}
	m.live[key] = e
	if e.priority {
		m.priority = append(m.priority, e)
	} else {
		m.queue = append(m.queue, e)
	}
	log.Debug().Str("op", "download/manager").Msgf("queued %s (priority=%t)", key, e.priority)
	return e, nil
}

// Prioritize moves a waiting entry ahead of the normal queue.
func (m *Manager) Prioritize(key Key) bool {
	moved := false
	m.do(func() {
		if e, ok := m.live[key]; ok {
			moved = m.promote(e)
			m.dispatch()
		}
	})
	return moved
}

// promote leaves the old queue slot in place; next skips entries that are no
// longer waiting.
func (m *Manager) promote(e *Entry) bool {
	if e.Status() != StatusWaiting || e.priority {
		return false
	}
	e.priority = true
	m.priority = append(m.priority, e)
	return true
}

func (m *Manager) next() *Entry {
	for len(m.priority) > 0 {
		e := m.priority[0]
		m.priority[0] = nil
		m.priority = m.priority[1:]
		if e.Status() == StatusWaiting {
			return e
		}
	}
	for len(m.queue) > 0 {
		e := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		if e.Status() == StatusWaiting && !e.priority {
			return e
		}
	}
	return nil
}

// dispatch hands queued entries to idle downloaders until either runs out.
func (m *Manager) dispatch() {
	if !m.paused && !m.closed {
		for _, d := range m.downloaders {
			if d.busy() || d.removing {
				continue
			}
			e := m.next()
			if e == nil {
				break
			}
			m.start(d, e)
		}
	}
	m.observe()
}

func (m *Manager) start(d *downloader, e *Entry) {
	ctx, cancel := context.WithCancel(m.ctx)
	d.entry, d.cancel = e, cancel
	e.downloader = d
	e.setStatus(StatusInitiated)
	m.inflight.Add(1)
	go d.run(ctx, m, e, e.transferRequest())
}

// release returns d to the pool once its goroutine is done with an entry.
func (m *Manager) release(d *downloader) {
	if d.cancel != nil {
		d.cancel()
	}
	d.entry, d.cancel = nil, nil
	if d.removing {
		m.dropDownloader(d)
		log.Debug().Str("op", "download/manager").Msgf("downloader %d drained and removed", d.id)
	}
	m.dispatch()
}

// retire is called by an entry on its terminal transition.
func (m *Manager) retire(e *Entry) {
	if d := e.downloader; d != nil && d.cancel != nil && e.Aborted() {
		d.cancel()
	}
	if m.live[e.key] == e {
		delete(m.live, e.key)
	}
	status := e.Status()
	if status == StatusComplete {
		if prev, ok := m.completed.Get(e.key); ok && prev != e {
			prev.evict()
		}
		m.completed.Set(e.key, e)
	}
	if m.cfg.Metrics != nil {
		size, _ := e.DataSize()
		m.cfg.Metrics.EntryFinished(status, e.Aborted(), size, e.Stats().Elapsed())
	}
}

func (m *Manager) observe() {
	if m.cfg.Metrics == nil {
		return
	}
	s := m.snapshot()
	m.cfg.Metrics.PoolChanged(s.Downloaders, s.Busy)
	m.cfg.Metrics.QueueChanged(s.Queued)
}

func (m *Manager) addDownloader() {
	m.nextID++
	m.downloaders = append(m.downloaders, &downloader{id: m.nextID})
}

func (m *Manager) dropDownloader(d *downloader) {
	for i, cur := range m.downloaders {
		if cur == d {
			m.downloaders = append(m.downloaders[:i], m.downloaders[i+1:]...)
			return
		}
	}
}

func (m *Manager) AddDownloader() error {
	var err error
	ok := m.do(func() {
		if m.closed {
			err = ErrClosed
			return
		}
		m.addDownloader()
		m.dispatch()
	})
	if !ok {
		return ErrClosed
	}
	return err
}

// RemoveDownloader shrinks the pool by one. An idle downloader is removed
// at once; otherwise a busy one finishes its transfer and is then removed.
func (m *Manager) RemoveDownloader() error {
	var err error
	ok := m.do(func() {
		err = m.removeDownloader()
		m.observe()
	})
	if !ok {
		return ErrClosed
	}
	return err
}

func (m *Manager) removeDownloader() error {
	var candidate *downloader
	for _, d := range m.downloaders {
		if d.removing {
			continue
		}
		if !d.busy() {
			m.dropDownloader(d)
			return nil
		}
		candidate = d
	}
	if candidate == nil {
		return ErrNoDownloaders
	}
	candidate.removing = true
	log.Debug().Str("op", "download/manager").Msgf("downloader %d will be removed after its transfer", candidate.id)
	return nil
}

// Resize grows or shrinks the pool to n downloaders.
func (m *Manager) Resize(n int) error {
	if n < 0 {
		return fmt.Errorf("invalid pool size %d", n)
	}
	var err error
	ok := m.do(func() {
		if m.closed {
			err = ErrClosed
			return
		}
		for m.poolSize() < n {
			m.addDownloader()
		}
		for m.poolSize() > n {
			if err = m.removeDownloader(); err != nil {
				break
			}
		}
		m.dispatch()
	})
	if !ok {
		return ErrClosed
	}
	return err
}

func (m *Manager) poolSize() int {
	n := 0
	for _, d := range m.downloaders {
		if !d.removing {
			n++
		}
	}
	return n
}

// PoolSize counts downloaders that are not being drained.
func (m *Manager) PoolSize() int {
	n := 0
	m.do(func() { n = m.poolSize() })
	return n
}

// Pause stops dispatching. Transfers already running continue.
func (m *Manager) Pause() {
	m.do(func() { m.paused = true })
}

func (m *Manager) Resume() {
	m.do(func() {
		m.paused = false
		m.dispatch()
	})
}

func (m *Manager) Paused() bool {
	paused := false
	m.do(func() { paused = m.paused })
	return paused
}

// GetEntry looks in the live table first and then among recently completed
// entries.
func (m *Manager) GetEntry(key Key) (*Entry, bool) {
	var e *Entry
	m.do(func() { e = m.lookup(key) })
	return e, e != nil
}

func (m *Manager) GetEntries(keys []Key) map[Key]*Entry {
	out := make(map[Key]*Entry, len(keys))
	m.do(func() {
		for _, k := range keys {
			if e := m.lookup(k); e != nil {
				out[k] = e
			}
		}
	})
	return out
}

func (m *Manager) lookup(key Key) *Entry {
	if e, ok := m.live[key]; ok {
		return e
	}
	if e, ok := m.completed.Get(key); ok {
		return e
	}
	return nil
}

func (m *Manager) Snapshot() Snapshot {
	var s Snapshot
	m.do(func() { s = m.snapshot() })
	return s
}

func (m *Manager) snapshot() Snapshot {
	s := Snapshot{Live: len(m.live), Cached: m.completed.Len(), Paused: m.paused}
	for _, d := range m.downloaders {
		if d.removing {
			s.Draining++
		} else {
			s.Downloaders++
		}
		if d.busy() {
			s.Busy++
		}
	}
	for _, e := range m.live {
		if e.Status() == StatusWaiting {
			s.Queued++
		}
	}
	return s
}

// Flush waits until every notification queued so far has been delivered.
func (m *Manager) Flush() {
	done := make(chan struct{})
	if !m.do(func() { m.notify(func() { close(done) }) }) {
		return
	}
	<-done
}

// Close aborts every live entry, waits for running transfers to return and
// stops the manager after delivering pending notifications.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.do(func() {
			m.closed = true
			for _, e := range m.live {
				e.abort()
			}
			m.priority, m.queue = nil, nil
		})
		m.cancel()
		m.inflight.Wait()
		m.do(func() { m.completed.Purge() })
		close(m.quit)
		<-m.delivered
		log.Debug().Str("op", "download/manager").Msg("manager stopped")
	})
	return nil
}
