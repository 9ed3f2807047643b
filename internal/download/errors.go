package download

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why an entry did not complete.
type ErrorKind int

const (
	KindTransferFailed ErrorKind = iota
	KindPreprocessingFailed
	KindAborted
	KindInvalidRange
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransferFailed:
		return "TransferFailed"
	case KindPreprocessingFailed:
		return "PreprocessingFailed"
	case KindAborted:
		return "Aborted"
	case KindInvalidRange:
		return "InvalidRange"
	default:
		return "Unknown"
	}
}

type Error struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func newError(kind ErrorKind, url string, err error) *Error {
	return &Error{Kind: kind, URL: url, Err: err}
}

func (e *Error) Error() string {
	msg := "download " + e.Kind.String()
	if e.URL != "" {
		msg += fmt.Sprintf(" (%s)", e.URL)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrAborted)
// works regardless of URL or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrTransferFailed      = &Error{Kind: KindTransferFailed}
	ErrPreprocessingFailed = &Error{Kind: KindPreprocessingFailed}
	ErrAborted             = &Error{Kind: KindAborted}
	ErrInvalidRange        = &Error{Kind: KindInvalidRange}

	ErrClosed        = errors.New("download manager closed")
	ErrNoDownloaders = errors.New("no downloaders to remove")
)

// KindOf reports the kind of err, defaulting to KindTransferFailed for
// errors that did not originate here.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindTransferFailed
}

// asTransferError keeps typed errors from the transport and wraps the rest.
func asTransferError(url string, err error) error {
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return newError(KindTransferFailed, url, err)
}
