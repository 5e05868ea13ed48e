package daemon

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/matheus3301/threadsync/internal/model"
)

// fileUploader "uploads" attachments by copying them into the session's
// media directory, which is as remote as the local document store gets.
type fileUploader struct {
	dir string
}

func newFileUploader(dir string) *fileUploader {
	return &fileUploader{dir: dir}
}

func (u *fileUploader) Upload(ctx context.Context, threadID string, media model.Media) (string, error) {
	src := strings.TrimPrefix(media.LocalURI, "file://")
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open attachment: %w", err)
	}
	defer func() { _ = in.Close() }()

	dir := filepath.Join(u.dir, threadID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, uuid.NewString()+filepath.Ext(src))
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: in}); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return "", fmt.Errorf("copy attachment: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: dst}).String(), nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
