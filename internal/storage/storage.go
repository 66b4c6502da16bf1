// Package storage keeps files received over the data channel, either on
// local disk or in a MinIO/S3 bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/config"
	"github.com/mikeyg42/videolify/internal/datachannel"
)

var (
	ErrBadName      = errors.New("unusable file name")
	ErrSizeMismatch = errors.New("received size does not match announced size")
	errFinished     = errors.New("file already committed or aborted")
)

// Error describes a failed storage operation on one file.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds the sink selected by cfg.Kind.
func New(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (datachannel.Sink, error) {
	switch cfg.Kind {
	case "", "disk":
		return NewDiskSink(cfg.Dir, logger)
	case "minio":
		return NewMinIOSink(ctx, cfg.MinIO, logger)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Kind)
	}
}

// cleanName reduces a sender-supplied name to a single safe path element.
func cleanName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return "", ErrBadName
	}
	return name, nil
}
