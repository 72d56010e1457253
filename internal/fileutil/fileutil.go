// Package fileutil provides the file operations the pipeline performs on
// staged documents and index files: copies and moves with retry (staging
// dirs live on network shares that intermittently refuse handles) and
// atomic writes for files a downstream poller may pick up mid-write.
package fileutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/natefinch/atomic"
)

const (
	retryInterval = 100 * time.Millisecond
	maxRetries    = 5
)

func newRetryBackoff(ctx context.Context) backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), maxRetries)
	return backoff.WithContext(bo, ctx)
}

// EnsureDir creates dir and any missing parents.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// CopyFile copies src to dst, creating dst's parent directory if needed.
// An existing dst is overwritten.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// CopyFileRetry copies src to dst, retrying transient failures.
func CopyFileRetry(ctx context.Context, src, dst string) error {
	err := backoff.Retry(func() error {
		return CopyFile(src, dst)
	}, newRetryBackoff(ctx))
	if err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return nil
}

// MoveFile moves src to dst, retrying transient failures. Rename is tried
// first; cross-device moves fall back to copy and remove.
func MoveFile(ctx context.Context, src, dst string) error {
	err := backoff.Retry(func() error {
		if err := EnsureDir(filepath.Dir(dst)); err != nil {
			return err
		}
		if err := os.Rename(src, dst); err == nil {
			return nil
		}
		if err := CopyFile(src, dst); err != nil {
			return err
		}
		return os.Remove(src)
	}, newRetryBackoff(ctx))
	if err != nil {
		return fmt.Errorf("moving %s to %s: %w", src, dst, err)
	}
	return nil
}

// WriteFileAtomic writes data to path through a temp file and rename, so a
// concurrent reader never sees a partial file.
func WriteFileAtomic(path string, data []byte) error {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}
