package storage

import (
	"context"
	"io"
	"strings"
)

// TempPrefix starts the name of every in-flight write. Listings skip such
// names so a half written file is never shown.
const TempPrefix = ".filemanager-"

// IsTemp reports whether name belongs to an in-flight write.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, TempPrefix) && strings.HasSuffix(name, ".tmp")
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

// ContextReader wraps r so reads fail with the context error once ctx is
// done. Drivers use it to abort long copies promptly.
func ContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &contextReader{ctx: ctx, r: r}
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
