package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/streamfetch/internal/download"
)

const namespace = "streamfetch"

// Collector exports download manager observations as Prometheus metrics.
type Collector struct {
	entries  *prometheus.CounterVec
	bytes    prometheus.Counter
	duration prometheus.Histogram
	pool     prometheus.Gauge
	busy     prometheus.Gauge
	queue    prometheus.Gauge
}

var _ download.Metrics = (*Collector)(nil)

func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_total",
			Help:      "Entries that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Payload bytes of completed entries.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Time from dispatch to completion of successful entries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		pool: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "downloaders",
			Help:      "Downloaders in the pool, including draining ones.",
		}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "downloaders_busy",
			Help:      "Downloaders currently running a transfer.",
		}),
		queue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Entries waiting for a downloader.",
		}),
	}
	reg.MustRegister(c.entries, c.bytes, c.duration, c.pool, c.busy, c.queue)
	return c
}

func (c *Collector) EntryFinished(status download.Status, aborted bool, bytes int64, elapsed time.Duration) {
	outcome := status.String()
	if aborted {
		outcome = "aborted"
	}
	c.entries.WithLabelValues(outcome).Inc()
	if status == download.StatusComplete {
		c.bytes.Add(float64(bytes))
		c.duration.Observe(elapsed.Seconds())
	}
}

func (c *Collector) PoolChanged(size, busy int) {
	c.pool.Set(float64(size))
	c.busy.Set(float64(busy))
}

func (c *Collector) QueueChanged(depth int) {
	c.queue.Set(float64(depth))
}

// Serve exposes g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Debug().Str("op", "metrics/serve").Msgf("serving metrics on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
