package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/config"
	"github.com/mikeyg42/videolify/internal/datachannel"
	"github.com/mikeyg42/videolify/internal/logging"
)

const connectTimeout = 30 * time.Second

// objectPutter is the part of *minio.Client the sink needs.
type objectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinIOSink spools each received file to a temp file and uploads it on
// commit, retrying with exponential backoff.
type MinIOSink struct {
	client       objectPutter
	bucket       string
	maxRetries   int
	retryBackoff time.Duration
	spoolDir     string
	logger       *zap.Logger
	now          func() time.Time
}

// NewMinIOSink connects to the endpoint and creates the bucket if needed.
func NewMinIOSink(ctx context.Context, cfg config.MinIOConfig, logger *zap.Logger) (*MinIOSink, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, &Error{Op: "bucket", Key: cfg.Bucket, Err: err}
	}
	sink := newMinIOSink(client, cfg, logger)
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, &Error{Op: "bucket", Key: cfg.Bucket, Err: err}
		}
		sink.logger.Info("created bucket", zap.String("bucket", cfg.Bucket))
	}
	return sink, nil
}

func newMinIOSink(client objectPutter, cfg config.MinIOConfig, logger *zap.Logger) *MinIOSink {
	return &MinIOSink{
		client:       client,
		bucket:       cfg.Bucket,
		maxRetries:   max(cfg.MaxRetries, 0),
		retryBackoff: 500 * time.Millisecond,
		logger:       logging.Named(logger, "storage").With(zap.String("bucket", cfg.Bucket)),
		now:          time.Now,
	}
}

func (s *MinIOSink) Create(_ context.Context, info datachannel.FileInfo) (datachannel.FileWriter, error) {
	name, err := cleanName(info.Name)
	if err != nil {
		return nil, &Error{Op: "create", Key: info.Name, Err: err}
	}
	f, err := os.CreateTemp(s.spoolDir, "videolify-spool-*")
	if err != nil {
		return nil, &Error{Op: "create", Key: name, Err: err}
	}
	key := s.now().UTC().Format("2006/01/02") + "/" + info.ID + "/" + name
	return &minioFile{sink: s, f: f, key: key, name: name, want: info.Size}, nil
}

func (s *MinIOSink) upload(ctx context.Context, key, name string, f *os.File, size int64) error {
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	opts := minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{"original-name": name},
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = s.retryBackoff
	ebo.Reset()
	var policy backoff.BackOff = ebo
	if s.maxRetries > 0 {
		policy = backoff.WithMaxRetries(ebo, uint64(s.maxRetries))
	}

	attempt := 0
	op := func() error {
		attempt++
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(fmt.Errorf("rewind spool: %w", err))
		}
		info, err := s.client.PutObject(ctx, s.bucket, key, f, size, opts)
		if err != nil {
			s.logger.Warn("upload failed", zap.String("key", key), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		s.logger.Info("file uploaded", zap.String("key", key), zap.Int64("bytes", info.Size), zap.String("etag", info.ETag))
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return &Error{Op: "upload", Key: key, Err: err}
	}
	return nil
}

type minioFile struct {
	sink    *MinIOSink
	f       *os.File
	key     string
	name    string
	want    int64
	written int64
	done    bool
}

func (m *minioFile) Write(p []byte) (int, error) {
	if m.done {
		return 0, errFinished
	}
	n, err := m.f.Write(p)
	m.written += int64(n)
	return n, err
}

func (m *minioFile) Commit(ctx context.Context) error {
	if m.done {
		return errFinished
	}
	m.done = true
	defer m.cleanup()
	if m.want > 0 && m.written != m.want {
		return &Error{Op: "commit", Key: m.key, Err: fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, m.written, m.want)}
	}
	return m.sink.upload(ctx, m.key, m.name, m.f, m.written)
}

func (m *minioFile) Abort() error {
	if m.done {
		return nil
	}
	m.done = true
	return m.cleanup()
}

func (m *minioFile) cleanup() error {
	m.f.Close()
	return os.Remove(m.f.Name())
}
