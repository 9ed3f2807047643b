package download

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// downloader is one execution slot. Its fields belong to the manager loop;
// the goroutine started by run only talks back through the entry and the
// loop.
type downloader struct {
	id       int
	entry    *Entry
	cancel   context.CancelFunc
	removing bool
}

func (d *downloader) busy() bool {
	return d.entry != nil
}

func (d *downloader) run(ctx context.Context, m *Manager, e *Entry, req TransferRequest) {
	defer m.inflight.Done()
	stats := Stats{Started: time.Now()}
	log.Debug().Str("op", "download/downloader").Msgf("downloader %d starting %s", d.id, e.key)
	resp, err := m.transport.Transfer(ctx, req, func(s Stats, chunk []byte) {
		if ctx.Err() != nil {
			return
		}
		s.Started = stats.Started
		if stats.FirstByte.IsZero() && s.Loaded > 0 {
			stats.FirstByte = time.Now()
		}
		if s.FirstByte.IsZero() {
			s.FirstByte = stats.FirstByte
		}
		stats.Loaded, stats.Total = s.Loaded, s.Total
		e.HandleProgress(s, chunk)
	})
	stats.Finished = time.Now()
	switch {
	case err != nil:
		log.Debug().Str("op", "download/downloader").Err(err).Msgf("downloader %d failed %s", d.id, e.key)
		e.HandleFailure(stats, err)
	case ctx.Err() != nil:
		// cancelled after the transport returned; the entry is already terminal
	default:
		if resp != nil {
			stats.Loaded = int64(len(resp.Data))
			if stats.Total == 0 {
				stats.Total = stats.Loaded
			}
		}
		e.HandleSuccess(resp, stats)
	}
	m.do(func() { m.release(d) })
}
