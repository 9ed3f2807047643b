package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/streamfetch/internal/download"
)

type memSink struct {
	mu   sync.Mutex
	objs map[string]Object
	err  error
}

func (s *memSink) Put(ctx context.Context, obj Object) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objs == nil {
		s.objs = map[string]Object{}
	}
	s.objs[obj.Name] = obj
	return nil
}

func (s *memSink) String() string { return "mem" }

// fetchAll downloads urls through a manager carrying the hook and waits until
// every hook call has been made.
func fetchAll(t *testing.T, hook *Hook, urls ...string) {
	t.Helper()
	transport := download.TransportFunc(func(ctx context.Context, req download.TransferRequest, progress download.ProgressFunc) (*download.Response, error) {
		h := http.Header{}
		h.Set("Content-Type", "video/mp2t")
		return &download.Response{Data: []byte("body of " + req.URL), Headers: h, URL: req.URL}, nil
	})
	m := download.NewManager(transport, download.Config{Downloaders: 2, TransferFunc: hook.TransferFunc()})
	defer m.Close()

	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Add(1)
		w := download.NewWatcher(download.HandlerFunc(func(ev download.Event) {
			if ev.Kind.Terminal() {
				wg.Done()
			}
		}))
		_, err := m.Subscribe(download.Request{URL: u, StoreRaw: true}, w)
		require.NoError(t, err)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for downloads")
	}
	m.Flush()
}

func TestObjectName(t *testing.T) {
	a := ObjectName("show/ep1", download.Key{URL: "https://cdn/seg1.ts?token=x"})
	b := ObjectName("show/ep1", download.Key{URL: "https://cdn/seg1.ts?token=x"})
	c := ObjectName("show/ep1", download.Key{URL: "https://cdn/seg1.ts?token=x", RangeStart: 0, RangeEnd: 10})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "show/ep1/"))
	assert.True(t, strings.HasSuffix(a, ".ts"))

	assert.False(t, strings.Contains(ObjectName("", download.Key{URL: "https://cdn/"}), "/"))
}

func TestHook_StoresToEverySink(t *testing.T) {
	first, second := &memSink{}, &memSink{}
	hook := NewHook(context.Background(), 2, "p", first, second)
	fetchAll(t, hook, "https://cdn/a.ts", "https://cdn/b.ts")
	require.NoError(t, hook.Wait())

	assert.Equal(t, 4, hook.Stored())
	name := ObjectName("p", download.Key{URL: "https://cdn/a.ts"})
	obj, ok := first.objs[name]
	require.True(t, ok)
	assert.Equal(t, "body of https://cdn/a.ts", string(obj.Data))
	assert.Equal(t, "video/mp2t", obj.ContentType)
	assert.Len(t, second.objs, 2)
}

func TestHook_ReportsSinkError(t *testing.T) {
	broken := &memSink{err: errors.New("disk full")}
	hook := NewHook(context.Background(), 1, "", broken)
	fetchAll(t, hook, "https://cdn/a.ts")
	err := hook.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 0, hook.Stored())
}

func TestDirSink(t *testing.T) {
	root := filepath.Join(t.TempDir(), "out")
	sink, err := NewDirSink(root)
	require.NoError(t, err)

	require.NoError(t, sink.Put(context.Background(), Object{Name: "a/b/seg.ts", Data: []byte("xyz")}))
	data, err := os.ReadFile(filepath.Join(root, "a", "b", "seg.ts"))
	require.NoError(t, err)
	assert.Equal(t, []byte("xyz"), data)

	entries, err := os.ReadDir(filepath.Join(root, "a", "b"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, sink.Put(ctx, Object{Name: "c.ts"}))
}

type fakeS3 struct {
	mu   sync.Mutex
	puts map[string][]byte
	meta map[string]string
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = body
	f.meta[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("unexpected multipart upload")
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("unexpected multipart upload")
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("unexpected multipart upload")
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func TestS3Sink_Put(t *testing.T) {
	client := &fakeS3{puts: map[string][]byte{}, meta: map[string]string{}}
	sink := newS3Sink(client, "media")
	assert.Equal(t, "s3://media", sink.String())

	require.NoError(t, sink.Put(context.Background(), Object{Name: "ep1/seg.ts", Data: []byte("abc"), ContentType: "video/mp2t"}))
	assert.Equal(t, []byte("abc"), client.puts["media/ep1/seg.ts"])
	assert.Equal(t, "video/mp2t", client.meta["ep1/seg.ts"])
}

func TestHook_SkipsTextEntries(t *testing.T) {
	sink := &memSink{}
	hook := NewHook(context.Background(), 1, "", sink)
	e := download.NewEntry(download.Request{URL: "https://cdn/index.m3u8", ResponseType: download.ResponseText})
	hook.TransferFunc()(e)
	require.NoError(t, hook.Wait())
	assert.Empty(t, sink.objs)
}
