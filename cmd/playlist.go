package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/streamfetch/internal/download"
	"github.com/tanq16/streamfetch/internal/hls"
	"golang.org/x/sync/errgroup"
)

// fetchPlaylist downloads and parses a playlist through the scheduler so
// that manifests share the pool, the cache and the metrics with fragments.
func fetchPlaylist(ctx context.Context, m *download.Manager, url string) (*hls.Playlist, error) {
	result := make(chan download.Event, 1)
	w := download.NewWatcher(download.HandlerFunc(func(ev download.Event) {
		if ev.Kind.Terminal() {
			result <- ev
		}
	}))
	e, err := m.Subscribe(download.Request{
		URL:          url,
		ResponseType: download.ResponseText,
		StoreRaw:     true,
		Priority:     true,
	}, w)
	if err != nil {
		return nil, err
	}
	var ev download.Event
	select {
	case ev = <-result:
	case <-ctx.Done():
		e.AbortWatcher(w)
		return nil, ctx.Err()
	}
	if ev.Kind != download.EventSuccess {
		return nil, fmt.Errorf("error fetching playlist %s: %w", url, ev.Err)
	}
	text, err := ev.Entry.Text()
	if err != nil {
		return nil, err
	}
	base := ev.Entry.ResponseURL()
	if base == "" {
		base = url
	}
	return hls.ParsePlaylist(text, base)
}

type resolvedStream struct {
	video      *hls.Playlist
	videoLevel int
	audio      *hls.Playlist
	variant    *hls.Variant
	rendition  *hls.Rendition
}

// resolveStream follows a master playlist to one variant and its audio
// rendition. variant < 0 selects the highest bandwidth.
func resolveStream(ctx context.Context, m *download.Manager, url string, variant int) (*resolvedStream, error) {
	pl, err := fetchPlaylist(ctx, m, url)
	if err != nil {
		return nil, err
	}
	if !pl.Master {
		return &resolvedStream{video: pl}, nil
	}

	var v hls.Variant
	level := variant
	switch {
	case variant < 0:
		best, ok := pl.BestVariant()
		if !ok {
			return nil, fmt.Errorf("master playlist has no variants")
		}
		v = best
		for i := range pl.Variants {
			if pl.Variants[i].URL == best.URL {
				level = i
				break
			}
		}
	case variant < len(pl.Variants):
		v = pl.Variants[variant]
	default:
		return nil, fmt.Errorf("variant %d out of range (%d variants)", variant, len(pl.Variants))
	}
	log.Debug().Str("op", "cmd/playlist").Msgf("selected variant %d: %s (%d bps)", level, v.URL, v.Bandwidth)

	rs := &resolvedStream{videoLevel: level, variant: &v}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		video, err := fetchPlaylist(gctx, m, v.URL)
		rs.video = video
		return err
	})
	if r, ok := pl.AudioFor(v.Audio); ok && v.Audio != "" {
		rs.rendition = &r
		g.Go(func() error {
			audio, err := fetchPlaylist(gctx, m, r.URL)
			rs.audio = audio
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if rs.video.Master {
		return nil, fmt.Errorf("variant playlist %s is itself a master playlist", v.URL)
	}
	return rs, nil
}

func levelLabel(level int) string {
	return "level " + strconv.Itoa(level)
}
