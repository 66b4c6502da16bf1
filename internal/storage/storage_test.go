package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/videolify/internal/config"
	"github.com/mikeyg42/videolify/internal/datachannel"
)

func TestCleanName(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "notes.pdf", want: "notes.pdf"},
		{in: "../../etc/passwd", want: "passwd"},
		{in: `C:\Users\tutor\homework.docx`, want: "homework.docx"},
		{in: "a/b/c.txt", want: "c.txt"},
		{in: "", err: true},
		{in: "..", err: true},
		{in: ".bashrc", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := cleanName(tt.in)
			if tt.err {
				require.ErrorIs(t, err, ErrBadName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestDiskSink(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "received")
	sink, err := NewDiskSink(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	save := func(name, body string) error {
		w, err := sink.Create(ctx, datachannel.FileInfo{ID: "f1", Name: name, Size: int64(len(body))})
		require.NoError(t, err)
		_, err = io.WriteString(w, body)
		require.NoError(t, err)
		return w.Commit(ctx)
	}

	require.NoError(t, save("notes.txt", "hello"))
	require.NoError(t, save("notes.txt", "again"))
	require.NoError(t, save("../escape.txt", "nope"))
	assert.ElementsMatch(t, []string{"notes.txt", "notes (1).txt", "escape.txt"}, listDir(t, dir))

	data, err := os.ReadFile(filepath.Join(dir, "notes (1).txt"))
	require.NoError(t, err)
	assert.Equal(t, "again", string(data))

	_, err = sink.Create(ctx, datachannel.FileInfo{Name: ".."})
	require.ErrorIs(t, err, ErrBadName)
}

func TestDiskSinkAbortAndShortFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink, err := NewDiskSink(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	w, err := sink.Create(ctx, datachannel.FileInfo{Name: "big.bin", Size: 10})
	require.NoError(t, err)
	_, err = w.Write([]byte("12345"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())
	require.NoError(t, w.Abort())
	assert.Empty(t, listDir(t, dir))

	w, err = sink.Create(ctx, datachannel.FileInfo{Name: "big.bin", Size: 10})
	require.NoError(t, err)
	_, err = w.Write([]byte("12345"))
	require.NoError(t, err)
	require.ErrorIs(t, w.Commit(ctx), ErrSizeMismatch)
	assert.Empty(t, listDir(t, dir))

	_, err = w.Write([]byte("x"))
	require.ErrorIs(t, err, errFinished)
}

type fakePutter struct {
	mu       sync.Mutex
	failures int
	calls    int
	objects  map[string][]byte
	opts     minio.PutObjectOptions
}

func (f *fakePutter) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if f.calls <= f.failures {
		return minio.UploadInfo{}, errors.New("503 slow down")
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[bucket+"/"+key] = data
	f.opts = opts
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size, ETag: "etag"}, nil
}

func newTestMinIO(t *testing.T, putter *fakePutter, retries int) *MinIOSink {
	t.Helper()
	s := newMinIOSink(putter, config.MinIOConfig{Bucket: "videolify-files", MaxRetries: retries}, zaptest.NewLogger(t))
	s.retryBackoff = time.Millisecond
	s.spoolDir = t.TempDir()
	s.now = func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) }
	return s
}

func TestMinIOSinkRetriesUpload(t *testing.T) {
	ctx := context.Background()
	putter := &fakePutter{failures: 2}
	sink := newTestMinIO(t, putter, 3)

	w, err := sink.Create(ctx, datachannel.FileInfo{ID: "abc", Name: "slides.pdf", Size: 11})
	require.NoError(t, err)
	_, err = io.WriteString(w, "hello world")
	require.NoError(t, err)
	require.NoError(t, w.Commit(ctx))

	assert.Equal(t, 3, putter.calls)
	assert.Equal(t, "hello world", string(putter.objects["videolify-files/2026/03/04/abc/slides.pdf"]))
	assert.Equal(t, "application/pdf", putter.opts.ContentType)
	assert.Equal(t, "slides.pdf", putter.opts.UserMetadata["original-name"])
	assert.Empty(t, listDir(t, sink.spoolDir))
}

func TestMinIOSinkGivesUp(t *testing.T) {
	ctx := context.Background()
	putter := &fakePutter{failures: 100}
	sink := newTestMinIO(t, putter, 2)

	w, err := sink.Create(ctx, datachannel.FileInfo{ID: "abc", Name: "a.bin", Size: 1})
	require.NoError(t, err)
	_, err = w.Write([]byte{1})
	require.NoError(t, err)

	err = w.Commit(ctx)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "upload", serr.Op)
	assert.Equal(t, 3, putter.calls)
	assert.Empty(t, listDir(t, sink.spoolDir))
}

func TestMinIOSinkAbort(t *testing.T) {
	ctx := context.Background()
	putter := &fakePutter{}
	sink := newTestMinIO(t, putter, 1)

	w, err := sink.Create(ctx, datachannel.FileInfo{ID: "abc", Name: "a.bin", Size: 4})
	require.NoError(t, err)
	require.NoError(t, w.Abort())
	assert.Zero(t, putter.calls)
	assert.Empty(t, listDir(t, sink.spoolDir))
}

func TestNewSelectsKind(t *testing.T) {
	dir := t.TempDir()
	sink, err := New(context.Background(), config.StorageConfig{Kind: "disk", Dir: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &DiskSink{}, sink)

	_, err = New(context.Background(), config.StorageConfig{Kind: "ftp"}, zaptest.NewLogger(t))
	require.Error(t, err)
}
