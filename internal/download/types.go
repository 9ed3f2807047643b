package download

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

type Status int

const (
	StatusWaiting Status = iota
	StatusInitiated
	StatusComplete
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusInitiated:
		return "initiated"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// ResponseType controls how a payload is interpreted when it is read back.
type ResponseType int

const (
	ResponseBinary ResponseType = iota
	ResponseText
)

func (r ResponseType) String() string {
	if r == ResponseText {
		return "text"
	}
	return "binary"
}

// Key is the resource identity used for deduplication: a URL plus an optional
// half-open byte range. RangeEnd == 0 means the whole resource.
type Key struct {
	URL        string
	RangeStart int64
	RangeEnd   int64
}

func (k Key) HasRange() bool {
	return k.RangeEnd > 0 || k.RangeStart > 0
}

func (k Key) String() string {
	if !k.HasRange() {
		return k.URL
	}
	return fmt.Sprintf("%s@%d-%d", k.URL, k.RangeStart, k.RangeEnd)
}

func (k Key) validate(maxSize int64) error {
	if k.URL == "" {
		return newError(KindInvalidRange, k.URL, fmt.Errorf("empty url"))
	}
	if !k.HasRange() {
		return nil
	}
	if k.RangeStart < 0 || k.RangeEnd <= k.RangeStart {
		return newError(KindInvalidRange, k.URL, fmt.Errorf("bad byte range %d-%d", k.RangeStart, k.RangeEnd))
	}
	if maxSize > 0 && k.RangeEnd-k.RangeStart > maxSize {
		return newError(KindInvalidRange, k.URL, fmt.Errorf("range of %d bytes exceeds limit of %d", k.RangeEnd-k.RangeStart, maxSize))
	}
	return nil
}

// Stats describes the progress of one transfer.
type Stats struct {
	Loaded    int64
	Total     int64
	Started   time.Time
	FirstByte time.Time
	Finished  time.Time
}

func (s Stats) Elapsed() time.Duration {
	if s.Started.IsZero() {
		return 0
	}
	end := s.Finished
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.Started)
}

// Request describes an entry before it is created.
type Request struct {
	URL          string
	RangeStart   int64
	RangeEnd     int64
	ResponseType ResponseType
	Headers      map[string]string
	StoreRaw     bool
	Priority     bool
	// Pin makes Subscribe pin the entry it returns; see Entry.Pin.
	Pin          bool
	Config       map[string]any
	PreProcessor PreProcessor
}

func (r Request) Key() Key {
	return Key{URL: r.URL, RangeStart: r.RangeStart, RangeEnd: r.RangeEnd}
}

// TransferRequest is what a Transport receives for one transfer.
type TransferRequest struct {
	URL          string
	RangeStart   int64
	RangeEnd     int64
	Headers      map[string]string
	ResponseType ResponseType
}

type Response struct {
	Data    []byte
	Headers http.Header
	URL     string
}

// ProgressFunc receives cumulative stats and the chunk that was just read.
type ProgressFunc func(stats Stats, chunk []byte)

// Transport performs a single transfer. Implementations must honour ctx
// cancellation and report progress from the calling goroutine.
type Transport interface {
	Transfer(ctx context.Context, req TransferRequest, progress ProgressFunc) (*Response, error)
}

type TransportFunc func(ctx context.Context, req TransferRequest, progress ProgressFunc) (*Response, error)

func (f TransportFunc) Transfer(ctx context.Context, req TransferRequest, progress ProgressFunc) (*Response, error) {
	return f(ctx, req, progress)
}

// PreProcessor transforms a raw response before it is stored. A returned
// error fails the entry.
type PreProcessor func(entry *Entry, resp *Response) (*Response, error)

// TransferFunc is called once per completed entry after its watchers.
type TransferFunc func(entry *Entry)
