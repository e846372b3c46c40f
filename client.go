// Package clangdlink is the lifecycle controller that spawns a clangd
// subprocess, drives its LSP handshake, and keeps per-file state in sync
// with the editor that embeds it.
package clangdlink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/firi/clangdlink/connection"
	"github.com/firi/clangdlink/filestate"
	"github.com/firi/clangdlink/logger"
	"github.com/firi/clangdlink/protocol"
	"github.com/firi/clangdlink/rpc"
	"github.com/firi/clangdlink/subprocess"
	"github.com/firi/clangdlink/uri"
	"github.com/firi/clangdlink/wire"
)

const (
	connectTimeout           = 5 * time.Second
	requestTimeoutInitialize = 10 * time.Second
	subprocessJoinTimeout    = 30 * time.Second
	terminateGrace           = 5 * time.Second
)

// TickHandler is invoked synchronously, in reverse-registration order,
// every time OnFileReadyToParse runs against an initialized client.
type TickHandler func(c *Client, input TickInput)

// Client is the lifecycle controller: it owns the clangd subprocess, the
// connection engine talking to it, and the per-file state store that
// decides what LSP notifications a tick needs to send.
type Client struct {
	mu sync.Mutex

	opts       Options
	projectDir string

	process *subprocess.Process
	conn    *connection.Connection
	files   *filestate.Store

	started bool
	healthy bool

	initialized     chan struct{}
	initializedOnce sync.Once
	initResult      *protocol.InitializeResult
	capabilities    *protocol.ServerCapabilities

	tickHandlers         []TickHandler
	initCompleteHandlers []func(*protocol.InitializeResult)

	logFilePath string
	logger      logger.Logger
}

// New constructs a Client. It does no I/O — call StartServer to spawn
// the subprocess and run the initialize handshake.
func New(opts Options) *Client {
	c := &Client{
		opts:        opts,
		projectDir:  opts.ProjectDirectory,
		files:       filestate.NewStore(),
		initialized: make(chan struct{}),
		logger:      opts.logger(),
	}
	c.RegisterTickHandler(updateFileContents)
	return c
}

// Healthy reports whether the client has a subprocess that is still
// running and that the watchdog has not flagged as exited. The
// connection's own state is not consulted.
func (c *Client) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthyLocked()
}

func (c *Client) healthyLocked() bool {
	if !c.healthy || c.process == nil {
		return false
	}
	if exited, _ := c.process.Poll(); exited {
		return false
	}
	return true
}

// Initialized reports whether the client is healthy and has received its
// initialize response.
func (c *Client) Initialized() bool {
	if !c.Healthy() {
		return false
	}
	select {
	case <-c.initialized:
		return true
	default:
		return false
	}
}

// Capabilities returns the server's advertised capabilities, or nil if
// the client has not yet completed initialization.
func (c *Client) Capabilities() *protocol.ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// Notifications returns the queue of server-sent notifications (e.g.
// textDocument/publishDiagnostics), or nil if the client has not been
// started yet.
func (c *Client) Notifications() *rpc.NotificationQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Notifications()
}

// LastError returns the connection's recorded error, if any, classified
// into this package's sentinel conditions. A response for an id nothing
// is waiting on (which does not stop the connection) surfaces as
// ErrUnexpectedResponse and takes precedence. Otherwise the error that
// stopped the connection is returned: a malformed frame (missing/invalid
// Content-Length, unparsable JSON) as ErrProtocolFraming, anything else
// unwrapped. Returns nil if the client hasn't been started or neither
// kind of error has been recorded.
func (c *Client) LastError() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	if dispatchErr := conn.LastDispatchError(); errors.Is(dispatchErr, rpc.ErrUnexpectedResponse) {
		return fmt.Errorf("%w: %v", ErrUnexpectedResponse, dispatchErr)
	}

	err := conn.Err()
	if err == nil {
		return nil
	}

	var framingErr *wire.FramingError
	if errors.As(err, &framingErr) {
		return fmt.Errorf("%w: %v", ErrProtocolFraming, framingErr)
	}
	return err
}

// StartServer spawns the clangd subprocess, constructs the connection,
// and runs the initialize handshake. It refuses ConnectionType == "tcp"
// with ErrUnsupportedTransport.
func (c *Client) StartServer(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if c.opts.ConnectionType == "tcp" {
		c.mu.Unlock()
		return ErrUnsupportedTransport
	}
	c.mu.Unlock()

	logPath, err := stderrLogPath(os.TempDir(), c.opts.serverCommand())
	if err != nil {
		return err
	}

	proc, err := subprocess.Spawn(c.opts.serverCommand(), c.opts.ServerArgs, subprocess.Spec{
		Stdin:  subprocess.Pipe(),
		Stdout: subprocess.Pipe(),
		Stderr: subprocess.File(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644),
	})
	if err != nil {
		return fmt.Errorf("clangdlink: spawn %s: %w", c.opts.serverCommand(), err)
	}

	transport := connection.NewStdioTransport(proc.Stdout, proc.Stdin)
	conn := connection.New(transport, connection.Config{
		ProjectDirectory: c.projectDir,
		ListenerFactory:  c.opts.ListenerFactory,
		Logger:           c.logger,
	})
	conn.Start()

	c.mu.Lock()
	c.process = proc
	c.conn = conn
	c.logFilePath = logPath
	c.healthy = true
	c.started = true
	c.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := conn.AwaitConnected(connectCtx); err != nil {
		c.logger.Error("clangdlink: connection not established: %v", err)
		c.Shutdown(context.Background())
		return newError(KindConnectionTimeout, "server did not connect in time", err)
	}

	go c.watchdog(proc)

	if err := c.initialize(ctx); err != nil {
		c.logger.Error("clangdlink: initialize failed: %v", err)
		c.Shutdown(context.Background())
		return err
	}

	return nil
}

func (c *Client) watchdog(proc *subprocess.Process) {
	<-proc.Notify()

	c.mu.Lock()
	wasStarted := c.started
	stillThisProcess := c.process == proc
	c.mu.Unlock()

	if !wasStarted || !stillThisProcess {
		return
	}

	err := fmt.Errorf("clangdlink: clangd exited unexpectedly")
	c.logger.Error("%v", err)

	c.mu.Lock()
	c.healthy = false
	c.mu.Unlock()

	if c.conn != nil {
		c.conn.Stop()
	}

	if c.opts.OnUnexpectedExit != nil {
		c.opts.OnUnexpectedExit(err)
	}
}

func (c *Client) initialize(ctx context.Context) error {
	pid := os.Getpid()
	caps := defaultClientCapabilities()
	if c.opts.ExtraCapabilities != nil {
		caps = c.opts.ExtraCapabilities(caps)
	}

	params := protocol.InitializeParams{
		ProcessID:             &pid,
		RootURI:               uri.FromPath(c.projectDir),
		InitializationOptions: c.opts.InitializationOptions,
		Capabilities:          caps,
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeoutInitialize)
	defer cancel()

	var result protocol.InitializeResult
	if err := c.conn.Request(reqCtx, "initialize", params, &result); err != nil {
		return newError(KindResponseFailed, "initialize request failed", err)
	}

	c.mu.Lock()
	c.initResult = &result
	c.capabilities = &result.Capabilities
	handlers := append([]func(*protocol.InitializeResult){}, c.initCompleteHandlers...)
	c.mu.Unlock()

	c.initializedOnce.Do(func() { close(c.initialized) })

	for i := len(handlers) - 1; i >= 0; i-- {
		handlers[i](&result)
	}

	return c.conn.SendNotification("initialized", struct{}{})
}

func defaultClientCapabilities() protocol.ClientCapabilities {
	return protocol.ClientCapabilities{
		TextDocument: protocol.TextDocumentClientCapabilities{
			Synchronization: protocol.TextDocumentSyncClientCapabilities{DidSave: true},
			Hover:           protocol.HoverClientCapabilities{ContentFormat: []string{"markdown", "plaintext"}},
			Definition:      protocol.DefinitionClientCapabilities{},
			References:      protocol.ReferencesClientCapabilities{},
			DocumentSymbol:  protocol.DocumentSymbolClientCapabilities{HierarchicalDocumentSymbolSupport: true},
			FoldingRange:    protocol.FoldingRangeClientCapabilities{RangeLimit: 5000},
			TypeHierarchy:   protocol.TypeHierarchyClientCapabilities{},
		},
		Workspace: protocol.WorkspaceClientCapabilities{
			Symbol:                protocol.WorkspaceSymbolClientCapabilities{},
			DidChangeWatchedFiles: protocol.DidChangeWatchedFilesClientCapabilities{},
			ApplyEdit:             true,
			Configuration:         true,
		},
	}
}

// shutdownServer runs the LSP shutdown/exit handshake: it is
// best-effort and never returns an error to the caller — every failure
// is logged and swallowed, matching spec.md §4.F.
func (c *Client) shutdownServer() {
	if c.Initialized() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeoutInitialize)
		defer cancel()
		if err := c.conn.Request(ctx, "shutdown", protocol.ShutdownParams{}, nil); err != nil {
			c.logger.Info("clangdlink: shutdown request: %v", err)
		}
	}

	if c.healthyLockedSafe() {
		if err := c.conn.SendNotification("exit", protocol.ExitParams{}); err != nil {
			c.logger.Info("clangdlink: exit notification: %v", err)
		}
	}

	c.initializedOnce.Do(func() { close(c.initialized) })
}

func (c *Client) healthyLockedSafe() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthyLocked()
}

// Shutdown tears the client down: runs the LSP shutdown/exit handshake
// if healthy, stops the connection, joins the subprocess with a
// 30-second deadline, and escalates (SIGTERM, wait 5s, SIGKILL) if the
// process is still alive afterward. Idempotent and never returns an
// error the caller must handle — failures are logged.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	proc := c.process
	logPath := c.logFilePath
	keepLogs := c.opts.KeepLogFiles
	// Mark not-started before waiting on the subprocess so the watchdog
	// goroutine recognizes this as an intentional shutdown rather than
	// an unexpected exit.
	c.started = false
	c.mu.Unlock()

	if conn != nil {
		c.shutdownServer()
		conn.Stop()
	}

	if proc == nil {
		c.reset()
		return nil
	}

	if ok, _ := proc.WaitTimeout(subprocessJoinTimeout); !ok {
		c.logger.Error("clangdlink: %v", ErrSubprocessTerminationStuck)
		proc.Terminate()
		if ok, _ := proc.WaitTimeout(terminateGrace); !ok {
			proc.Kill()
			proc.Wait()
		}
	}

	if logPath != "" && !keepLogs {
		if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) {
			c.logger.Info("clangdlink: remove stderr log %s: %v", logPath, err)
		}
	}

	c.reset()
	return nil
}

func (c *Client) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	c.healthy = false
	c.process = nil
	c.conn = nil
	c.initResult = nil
	c.capabilities = nil
	c.initialized = make(chan struct{})
	c.initializedOnce = sync.Once{}
}

// Restart shuts the client down and starts it again with the same
// Options.
func (c *Client) Restart(ctx context.Context) error {
	if err := c.Shutdown(ctx); err != nil {
		return err
	}
	return c.StartServer(ctx)
}
