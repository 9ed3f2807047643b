package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/streamfetch/internal/download"
)

func TestCollector_EntryFinished(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.EntryFinished(download.StatusComplete, false, 1024, 200*time.Millisecond)
	c.EntryFinished(download.StatusComplete, false, 512, 100*time.Millisecond)
	c.EntryFinished(download.StatusFailed, false, 0, 0)
	c.EntryFinished(download.StatusFailed, true, 0, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.entries.WithLabelValues("complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.entries.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.entries.WithLabelValues("aborted")))
	assert.Equal(t, 1536.0, testutil.ToFloat64(c.bytes))
	assert.Equal(t, 1, testutil.CollectAndCount(c.duration))
}

func TestCollector_PoolAndQueue(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.PoolChanged(4, 3)
	c.QueueChanged(7)
	assert.Equal(t, 4.0, testutil.ToFloat64(c.pool))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.busy))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.queue))
}

func TestCollector_WiredToManager(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	transport := download.TransportFunc(func(ctx context.Context, req download.TransferRequest, progress download.ProgressFunc) (*download.Response, error) {
		return &download.Response{Data: []byte("abcd"), URL: req.URL}, nil
	})
	m := download.NewManager(transport, download.Config{Downloaders: 2, Metrics: c})
	defer m.Close()

	done := make(chan struct{})
	w := download.NewWatcher(download.HandlerFunc(func(ev download.Event) {
		if ev.Kind.Terminal() {
			close(done)
		}
	}))
	_, err := m.Subscribe(download.Request{URL: "https://cdn/seg.ts", StoreRaw: true}, w)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	m.Flush()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.entries.WithLabelValues("complete")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.bytes))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.pool))
}

func TestServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.QueueChanged(3)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, addr, reg) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, body, "streamfetch_queue_depth 3")

	cancel()
	assert.NoError(t, <-errCh)
}
