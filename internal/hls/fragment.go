package hls

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/tanq16/streamfetch/internal/download"
)

const (
	TrackVideo = 0
	TrackAudio = 1

	// InitSN is the sequence number under which a level's init segment is
	// registered.
	InitSN = -1
)

// Identifier names one level of one track, e.g. "0:2".
func Identifier(trackID, levelID int) string {
	return fmt.Sprintf("%d:%d", trackID, levelID)
}

func ParseIdentifier(id string) (trackID, levelID int, err error) {
	t, l, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid level identifier %q", id)
	}
	if trackID, err = strconv.Atoi(t); err != nil {
		return 0, 0, fmt.Errorf("invalid track in %q: %w", id, err)
	}
	if levelID, err = strconv.Atoi(l); err != nil {
		return 0, 0, fmt.Errorf("invalid level in %q: %w", id, err)
	}
	return trackID, levelID, nil
}

// Fragment describes one media segment (or init segment) of a level.
type Fragment struct {
	TrackID        int
	LevelID        int
	SN             int
	URL            string
	ByteRangeStart int64
	ByteRangeEnd   int64
	Start          float64
	End            float64

	status atomic.Int32
}

func (f *Fragment) IsInit() bool {
	return f.SN == InitSN
}

func (f *Fragment) LevelIdentifier() string {
	return Identifier(f.TrackID, f.LevelID)
}

func (f *Fragment) ID() string {
	return fmt.Sprintf("%d:%d:%d", f.TrackID, f.LevelID, f.SN)
}

func (f *Fragment) Duration() float64 {
	return f.End - f.Start
}

// Status is the state of the last download of this fragment.
func (f *Fragment) Status() download.Status {
	return download.Status(f.status.Load())
}

func (f *Fragment) setStatus(s download.Status) {
	f.status.Store(int32(s))
}

func (f *Fragment) Key() download.Key {
	return download.Key{URL: f.URL, RangeStart: f.ByteRangeStart, RangeEnd: f.ByteRangeEnd}
}

func (f *Fragment) Request(headers map[string]string) download.Request {
	return download.Request{
		URL:          f.URL,
		RangeStart:   f.ByteRangeStart,
		RangeEnd:     f.ByteRangeEnd,
		ResponseType: download.ResponseBinary,
		Headers:      headers,
		Config:       map[string]any{"fragment": f.ID()},
	}
}
