package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/datachannel"
	"github.com/mikeyg42/videolify/internal/logging"
)

// DiskSink writes received files into one directory. Bytes land in a
// hidden part file and are renamed into place on commit, never replacing
// an existing file.
type DiskSink struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex // serializes picking a free final name
}

func NewDiskSink(dir string, logger *zap.Logger) (*DiskSink, error) {
	if dir == "" {
		dir = "received"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &Error{Op: "mkdir", Key: dir, Err: err}
	}
	return &DiskSink{dir: dir, logger: logging.Named(logger, "storage")}, nil
}

func (s *DiskSink) Dir() string { return s.dir }

func (s *DiskSink) Create(_ context.Context, info datachannel.FileInfo) (datachannel.FileWriter, error) {
	name, err := cleanName(info.Name)
	if err != nil {
		return nil, &Error{Op: "create", Key: info.Name, Err: err}
	}
	f, err := os.CreateTemp(s.dir, ".part-*")
	if err != nil {
		return nil, &Error{Op: "create", Key: name, Err: err}
	}
	return &diskFile{sink: s, f: f, name: name, want: info.Size}, nil
}

// reserve picks name, or "name (n).ext" when taken, and moves tmp there.
func (s *DiskSink) reserve(tmp, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(s.dir, candidate)
		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			return path, os.Rename(tmp, path)
		}
	}
	return "", fmt.Errorf("no free name for %s", name)
}

type diskFile struct {
	sink    *DiskSink
	f       *os.File
	name    string
	want    int64
	written int64
	done    bool
}

func (d *diskFile) Write(p []byte) (int, error) {
	if d.done {
		return 0, errFinished
	}
	n, err := d.f.Write(p)
	d.written += int64(n)
	return n, err
}

func (d *diskFile) Commit(context.Context) error {
	if d.done {
		return errFinished
	}
	d.done = true
	tmp := d.f.Name()
	if d.want > 0 && d.written != d.want {
		d.f.Close()
		os.Remove(tmp)
		return &Error{Op: "commit", Key: d.name, Err: fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, d.written, d.want)}
	}
	if err := d.f.Sync(); err != nil {
		d.f.Close()
		os.Remove(tmp)
		return &Error{Op: "commit", Key: d.name, Err: err}
	}
	if err := d.f.Close(); err != nil {
		os.Remove(tmp)
		return &Error{Op: "commit", Key: d.name, Err: err}
	}
	path, err := d.sink.reserve(tmp, d.name)
	if err != nil {
		os.Remove(tmp)
		return &Error{Op: "commit", Key: d.name, Err: err}
	}
	d.sink.logger.Info("file saved", zap.String("path", path), zap.Int64("bytes", d.written))
	return nil
}

func (d *diskFile) Abort() error {
	if d.done {
		return nil
	}
	d.done = true
	d.f.Close()
	return os.Remove(d.f.Name())
}
