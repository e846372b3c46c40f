package connection

import "context"

// Listener is a single running file-watch started by a ListenerFactory.
type Listener interface {
	Stop() error
}

// ListenerFactory is the injected capability behind
// client/registerCapability for workspace/didChangeWatchedFiles: clangd
// asks the client to watch a set of glob patterns under projectDir, and
// the client hands back a Listener it can later Stop via
// client/unregisterCapability.
type ListenerFactory interface {
	Watch(ctx context.Context, projectDir string, globs []string) (Listener, error)
}
