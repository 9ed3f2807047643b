package download

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Blob is a read-only handle over a completed payload that was not kept as
// raw bytes on the entry.
type Blob interface {
	Size() int64
	Open() (io.ReadCloser, error)
	Release() error
}

type memoryBlob struct {
	data []byte
}

func (b *memoryBlob) Size() int64 { return int64(len(b.data)) }

func (b *memoryBlob) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func (b *memoryBlob) Release() error { return nil }

// fileBlob spools the payload to a temp file so large sessions do not hold
// every fragment in memory.
type fileBlob struct {
	path string
	size int64
}

func newFileBlob(dir string, data []byte) (*fileBlob, error) {
	f, err := os.CreateTemp(dir, "fragment-*.bin")
	if err != nil {
		return nil, fmt.Errorf("error creating spool file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("error writing spool file: %w", err)
	}
	return &fileBlob{path: f.Name(), size: int64(len(data))}, nil
}

func (b *fileBlob) Size() int64 { return b.size }

func (b *fileBlob) Open() (io.ReadCloser, error) {
	return os.Open(b.path)
}

func (b *fileBlob) Release() error {
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func readBlob(b Blob) ([]byte, error) {
	rc, err := b.Open()
	if err != nil {
		return nil, fmt.Errorf("error opening blob: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("error reading blob: %w", err)
	}
	return data, nil
}
