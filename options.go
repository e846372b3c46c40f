package clangdlink

import (
	"github.com/firi/clangdlink/connection"
	"github.com/firi/clangdlink/logger"
	"github.com/firi/clangdlink/protocol"
)

// Options configures a Client. Every field has a documented default and
// may be left zero.
type Options struct {
	// ProjectDirectory is the workspace root passed as rootUri to clangd
	// and as the base for didChangeWatchedFiles globs. initialize does
	// not send a rootPath.
	ProjectDirectory string

	// ServerCommand is the clangd binary to spawn, resolved via PATH if
	// it is not an absolute path. Defaults to "clangd".
	ServerCommand string
	// ServerArgs are extra arguments passed to ServerCommand.
	ServerArgs []string

	// InitializationOptions is passed verbatim as initialize's
	// initializationOptions.
	InitializationOptions map[string]any

	// ExtraCapabilities, if set, is applied to the default
	// ClientCapabilities before they are sent in initialize.
	ExtraCapabilities func(protocol.ClientCapabilities) protocol.ClientCapabilities

	// ListenerFactory answers client/registerCapability's
	// workspace/didChangeWatchedFiles registrations. Defaults to
	// watcher.New wired in by the caller; this package has no default
	// of its own to avoid an import cycle with watcher.
	ListenerFactory connection.ListenerFactory

	// Logger receives lifecycle and connection log lines. Defaults to
	// logger.Default().
	Logger logger.Logger

	// KeepLogFiles, if true, leaves the stderr log file on disk after
	// Shutdown instead of removing it.
	KeepLogFiles bool

	// ConnectionType selects the transport. Only "stdio" is supported;
	// any other value (including the empty string's implicit default)
	// resolves to "stdio" except the literal "tcp", which is refused
	// with ErrUnsupportedTransport per spec.md §4.F.
	ConnectionType string

	// OnUnexpectedExit, if set, is invoked by the watchdog goroutine
	// when the subprocess exits while the client still believes itself
	// started.
	OnUnexpectedExit func(error)
}

const defaultServerCommand = "clangd"

func (o Options) serverCommand() string {
	if o.ServerCommand == "" {
		return defaultServerCommand
	}
	return o.ServerCommand
}

func (o Options) logger() logger.Logger {
	return logger.OrDefault(o.Logger)
}
