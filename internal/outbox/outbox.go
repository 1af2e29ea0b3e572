// Package outbox is the Messenger used when the agent is not attached to a
// message bus: every status response is appended as one JSON line.
package outbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/mattjoyce/ahenk/internal/protocol"
)

// Writer appends responses to an io.Writer. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	sent   uint64
}

// New wraps w. The caller keeps ownership of w.
func New(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Open appends to the file at path, creating it and its directory if needed.
// An empty path writes to stdout.
func Open(path string) (*Writer, error) {
	if path == "" {
		return New(os.Stdout), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create outbox directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	return &Writer{w: f, closer: f}, nil
}

// SendDirect writes resp as a single line.
func (o *Writer) SendDirect(ctx context.Context, resp *protocol.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := protocol.EncodeResponse(o.w, resp); err != nil {
		return err
	}
	o.sent++
	return nil
}

// Sent returns the number of responses written.
func (o *Writer) Sent() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sent
}

// Close closes the underlying file when Open created it.
func (o *Writer) Close() error {
	if o.closer == nil {
		return nil
	}
	return o.closer.Close()
}
