// Package fileutil moves recordings between the recorder share, the
// local cache, and the library. Transfers ride over NAS mounts, so the
// copy layer retries transient failures, skips copies that already
// happened, and can hold off while the recorder is busy.
package fileutil

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"

	"tstriage/internal/services"
)

// CopyOptions tunes a retried copy.
type CopyOptions struct {
	// Retries is the number of attempts after the first failure.
	Retries int
	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration
	// Gate, when set, runs before every attempt. The busy-window back-off
	// plugs in here so bulk I/O yields to scheduled recordings.
	Gate func(ctx context.Context) error
	// ShowProgress renders a terminal progress bar for the transfer.
	ShowProgress bool
	// Verify confirms the transfer by size and SHA256 before it is
	// accepted. A mismatch removes the destination and counts as a
	// failed attempt, so the retry loop rewrites it. Meant for final
	// artifact uploads where silent corruption would only surface much
	// later.
	Verify bool
}

// Copy transfers src to dst with bounded retries. A destination that
// already matches the source size and modification time is left alone,
// which makes re-running an interrupted stage cheap.
func Copy(ctx context.Context, src, dst string, opts CopyOptions) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if dstInfo, err := os.Stat(dst); err == nil {
		if dstInfo.Size() == srcInfo.Size() && dstInfo.ModTime().Equal(srcInfo.ModTime()) {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	attempts := opts.Retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if opts.Gate != nil {
			if err := opts.Gate(ctx); err != nil {
				return err
			}
		}
		lastErr = copyOnce(ctx, src, dst, srcInfo.Size(), opts)
		if lastErr == nil {
			// Carry the source mtime so the skip check above holds.
			return os.Chtimes(dst, time.Now(), srcInfo.ModTime())
		}
		if services.IsAbort(lastErr) {
			return lastErr
		}
		if attempt < attempts-1 && opts.RetryDelay > 0 {
			select {
			case <-time.After(opts.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return services.Wrap(services.ErrTransient, "", "copy",
		fmt.Sprintf("%s after %d attempts", filepath.Base(src), attempts), lastErr)
}

func copyOnce(ctx context.Context, src, dst string, size int64, opts CopyOptions) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	var source io.Reader = contextReader{ctx: ctx, r: in}
	var dest io.Writer = out
	srcHasher := sha256.New()
	dstHasher := sha256.New()
	if opts.Verify {
		source = io.TeeReader(source, srcHasher)
		dest = io.MultiWriter(out, dstHasher)
	}
	if opts.ShowProgress {
		bar := progressbar.DefaultBytes(size, filepath.Base(src))
		defer bar.Close()
		dest = io.MultiWriter(dest, bar)
	}

	written, err := io.Copy(dest, source)
	if err != nil {
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if opts.Verify {
		if written != size {
			_ = os.Remove(dst)
			return fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", size, written)
		}
		if !bytes.Equal(srcHasher.Sum(nil), dstHasher.Sum(nil)) {
			_ = os.Remove(dst)
			return fmt.Errorf("copy hash mismatch: file corrupted during copy")
		}
	}
	return nil
}

// contextReader aborts a long copy when the context is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

