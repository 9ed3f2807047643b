package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/streamfetch/internal/download"
	"golang.org/x/sync/errgroup"
)

// Object is a completed payload ready to be persisted.
type Object struct {
	Name        string
	Data        []byte
	ContentType string
}

type Sink interface {
	Put(ctx context.Context, obj Object) error
	String() string
}

// ObjectName derives a stable name for key under prefix. The same URL and
// byte range always map to the same name; the extension of the URL path is
// kept.
func ObjectName(prefix string, key download.Key) string {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(key.String()))
	var ext string
	if u, err := url.Parse(key.URL); err == nil {
		ext = path.Ext(u.Path)
	}
	if len(ext) > 8 {
		ext = ""
	}
	return path.Join(prefix, id.String()+ext)
}

// Hook fans completed binary entries out to a set of sinks with at most
// limit puts in flight. Text entries such as playlists are skipped. Its
// TransferFunc is meant to be installed on the download manager; when the
// limit is reached the function blocks, which holds back later notifications
// until a put finishes.
type Hook struct {
	sinks  []Sink
	prefix string
	g      *errgroup.Group
	ctx    context.Context

	mu     sync.Mutex
	stored int
}

func NewHook(ctx context.Context, limit int, prefix string, sinks ...Sink) *Hook {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	return &Hook{sinks: sinks, prefix: prefix, g: g, ctx: gctx}
}

func (h *Hook) TransferFunc() download.TransferFunc {
	return func(e *download.Entry) {
		if e.ResponseType() == download.ResponseText {
			return
		}
		data, err := e.Bytes()
		if err != nil {
			log.Warn().Str("op", "storage/hook").Err(err).Msgf("skipping %s", e.Key())
			return
		}
		obj := Object{
			Name:        ObjectName(h.prefix, e.Key()),
			Data:        data,
			ContentType: contentType(e.ResponseHeaders()),
		}
		for _, s := range h.sinks {
			h.g.Go(func() error {
				if err := h.ctx.Err(); err != nil {
					return err
				}
				if err := s.Put(h.ctx, obj); err != nil {
					return fmt.Errorf("error storing %s to %s: %w", obj.Name, s, err)
				}
				h.mu.Lock()
				h.stored++
				h.mu.Unlock()
				log.Debug().Str("op", "storage/hook").Msgf("stored %s to %s", obj.Name, s)
				return nil
			})
		}
	}
}

// Wait blocks until every started put has finished and returns the first
// error. No TransferFunc call may start after Wait.
func (h *Hook) Wait() error {
	return h.g.Wait()
}

// Stored is the number of successful puts across all sinks.
func (h *Hook) Stored() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stored
}

func contentType(h http.Header) string {
	if ct := h.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
