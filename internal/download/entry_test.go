package download

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initiated(r Request) *Entry {
	e := NewEntry(r)
	e.setStatus(StatusInitiated)
	return e
}

func TestEntry_WatcherSet(t *testing.T) {
	e := NewEntry(req("http://cdn/a.ts"))
	w := NewWatcher(nil)

	assert.True(t, e.AddWatcher(w))
	assert.False(t, e.AddWatcher(w))
	assert.Equal(t, 1, e.WatcherCount())

	assert.True(t, e.RemoveWatcher(w))
	assert.False(t, e.RemoveWatcher(w))
	assert.Equal(t, 0, e.WatcherCount())
	assert.Equal(t, StatusWaiting, e.Status(), "removing the last watcher must not cancel")
}

func TestEntry_AbortWatcherOnlyAbortsWhenLast(t *testing.T) {
	e := initiated(req("http://cdn/a.ts"))
	r1, r2 := newRecorder(), newRecorder()
	w1, w2 := NewWatcher(r1), NewWatcher(r2)
	e.AddWatcher(w1)
	e.AddWatcher(w2)

	e.AbortWatcher(w1)
	assert.Empty(t, r1.kinds())
	assert.Equal(t, StatusInitiated, e.Status())

	e.AbortWatcher(w2)
	assert.Equal(t, []EventKind{EventAborted}, r2.kinds())
	assert.Equal(t, StatusFailed, e.Status())
	assert.True(t, e.Aborted())
	assert.Equal(t, 1, e.cleanups)

	// a stale handle does nothing
	e.AbortWatcher(w2)
	assert.Equal(t, []EventKind{EventAborted}, r2.kinds())
}

func TestEntry_AbortIsIdempotent(t *testing.T) {
	e := initiated(req("http://cdn/a.ts"))
	r := newRecorder()
	e.AddWatcher(NewWatcher(r))

	e.Abort()
	e.Abort()

	assert.Equal(t, []EventKind{EventAborted}, r.kinds())
	assert.ErrorIs(t, e.Err(), ErrAborted)
	assert.Equal(t, 1, e.cleanups)
	assert.Equal(t, 0, e.WatcherCount())
}

func TestEntry_AbortOnTerminalEntryIsNoop(t *testing.T) {
	e := initiated(req("http://cdn/a.ts"))
	r := newRecorder()
	e.AddWatcher(NewWatcher(r))
	e.HandleSuccess(&Response{Data: []byte("x")}, Stats{})

	e.Abort()
	assert.Equal(t, StatusComplete, e.Status())
	assert.False(t, e.Aborted())
	assert.Equal(t, []EventKind{EventSuccess}, r.kinds())
}

func TestEntry_SuccessFansOutInSubscriptionOrder(t *testing.T) {
	e := initiated(req("http://cdn/a.ts"))
	var order []int
	for i := range 3 {
		e.AddWatcher(NewWatcher(Callbacks{OnSuccess: func(*Entry, Stats) { order = append(order, i) }}))
	}
	hooks := 0
	e.SetTransferFunc(func(*Entry) { hooks++ })

	e.HandleSuccess(&Response{Data: []byte("body"), URL: "http://edge/a.ts"}, Stats{})

	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Equal(t, 1, hooks)
	assert.Equal(t, StatusComplete, e.Status())
	assert.Equal(t, "http://edge/a.ts", e.ResponseURL())
	assert.Equal(t, 1, e.cleanups)

	// further completions are ignored
	e.HandleSuccess(&Response{Data: []byte("again")}, Stats{})
	e.HandleFailure(Stats{}, errors.New("late"))
	assert.Equal(t, 1, hooks)
	assert.Equal(t, []byte("body"), e.Data())
	assert.Equal(t, StatusComplete, e.Status())
}

func TestEntry_CompletionBeforeInitiationIsDiscarded(t *testing.T) {
	e := NewEntry(req("http://cdn/a.ts"))
	e.HandleSuccess(&Response{Data: []byte("x")}, Stats{})
	e.HandleFailure(Stats{}, errors.New("boom"))
	assert.Equal(t, StatusWaiting, e.Status())
	assert.Equal(t, 0, e.cleanups)
}

func TestEntry_FailureWrapsTransportErrors(t *testing.T) {
	e := initiated(req("http://cdn/a.ts"))
	r := newRecorder()
	e.AddWatcher(NewWatcher(r))

	cause := errors.New("503 service unavailable")
	e.HandleFailure(Stats{Loaded: 10}, cause)

	ev := r.last()
	assert.Equal(t, EventFailure, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrTransferFailed)
	assert.ErrorIs(t, ev.Err, cause)
	assert.Equal(t, int64(10), e.Stats().Loaded)
	_, ok := e.DataSize()
	assert.False(t, ok)
}

func TestEntry_FailureKeepsTypedErrors(t *testing.T) {
	e := initiated(req("http://cdn/a.ts"))
	e.HandleFailure(Stats{}, newError(KindInvalidRange, "http://cdn/a.ts", errors.New("416")))
	assert.Equal(t, KindInvalidRange, KindOf(e.Err()))
}

func TestEntry_ProgressNeedsWatchers(t *testing.T) {
	e := initiated(req("http://cdn/a.ts"))
	e.HandleProgress(Stats{Loaded: 5}, []byte("chunk"))

	r := newRecorder()
	e.AddWatcher(NewWatcher(r))
	e.HandleProgress(Stats{Loaded: 10}, []byte("chunk"))
	require.Len(t, r.kinds(), 1)
	assert.Equal(t, int64(10), r.last().Stats.Loaded)
	assert.Equal(t, []byte("chunk"), r.last().Chunk)

	e.Abort()
	e.HandleProgress(Stats{Loaded: 20}, nil)
	assert.Equal(t, []EventKind{EventProgress, EventAborted}, r.kinds())
}

func TestEntry_AbortFallsBackToOnFail(t *testing.T) {
	e := initiated(req("http://cdn/a.ts"))
	var failErr error
	e.AddWatcher(NewWatcher(Callbacks{OnFail: func(_ *Entry, _ Stats, err error) { failErr = err }}))
	e.Abort()
	assert.ErrorIs(t, failErr, ErrAborted)
}

func TestEntry_AddWatcherToTerminalEntry(t *testing.T) {
	e := initiated(req("http://cdn/a.ts"))
	e.Abort()
	assert.False(t, e.AddWatcher(NewWatcher(nil)))
}

func TestEntry_BlobPayload(t *testing.T) {
	e := initiated(Request{URL: "http://cdn/playlist.m3u8", ResponseType: ResponseText})
	e.HandleSuccess(&Response{Data: []byte("#EXTM3U")}, Stats{})

	assert.Nil(t, e.Data())
	require.NotNil(t, e.Blob())

	text, err := e.DataFromBlob(ResponseText)
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U", text)

	raw, err := e.DataFromBlob(ResponseBinary)
	require.NoError(t, err)
	assert.Equal(t, []byte("#EXTM3U"), raw)
}

func TestEntry_ReadBeforeCompletion(t *testing.T) {
	e := NewEntry(req("http://cdn/a.ts"))
	_, err := e.Bytes()
	assert.Error(t, err)
	_, err = e.DataFromBlob(ResponseText)
	assert.Error(t, err)
}

func TestEntry_PreProcessorRuns(t *testing.T) {
	rq := req("http://cdn/a.ts")
	seen := 0
	rq.PreProcessor = func(e *Entry, resp *Response) (*Response, error) {
		seen++
		assert.Equal(t, "http://cdn/a.ts", e.URL())
		return nil, nil
	}
	e := initiated(rq)
	e.HandleSuccess(&Response{Data: []byte("x")}, Stats{})
	assert.Equal(t, 1, seen)
	assert.Equal(t, []byte("x"), e.Data())
}
