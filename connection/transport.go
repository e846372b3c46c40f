package connection

import (
	"context"
	"errors"
	"io"
)

// Transport is the injected capability a Connection reads frames from
// and writes frames to. Implementations decide what "connected" means:
// a stdio pipe to an already-running child is trivially connected, while
// a network transport might need to dial.
type Transport interface {
	TryConnect(ctx context.Context) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Connected() bool

	// Close closes the transport from the writer side. It must unblock
	// any Read currently in progress so the reader goroutine can observe
	// EOF rather than waiting on the underlying process to exit on its
	// own.
	Close() error
}

// StdioTransport wraps an io.Reader/io.Writer pair — the child's stdout
// and stdin from the parent's point of view — as a Transport. It is
// connected the moment it's constructed.
type StdioTransport struct {
	r io.Reader
	w io.Writer
}

// NewStdioTransport returns a Transport backed by r/w.
func NewStdioTransport(r io.Reader, w io.Writer) *StdioTransport {
	return &StdioTransport{r: r, w: w}
}

func (t *StdioTransport) TryConnect(ctx context.Context) error { return nil }

func (t *StdioTransport) Read(p []byte) (int, error) { return t.r.Read(p) }

func (t *StdioTransport) Write(p []byte) (int, error) { return t.w.Write(p) }

func (t *StdioTransport) Connected() bool { return true }

// Close closes r and w when they implement io.Closer, which unblocks a
// pending Read with EOF (or ErrClosedPipe, for an io.Pipe). It is safe
// to call more than once; errors from the two sides are joined.
func (t *StdioTransport) Close() error {
	var errs []error
	if rc, ok := t.r.(io.Closer); ok {
		if err := rc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if wc, ok := t.w.(io.Closer); ok {
		if err := wc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
