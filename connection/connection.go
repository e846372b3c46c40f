// Package connection implements the asynchronous connection engine that
// sits between a clangdlink.Client and the wire-level codec: a single
// reader goroutine dispatches responses, notifications, and server-sent
// requests concurrently with callers writing requests of their own.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/firi/clangdlink/logger"
	"github.com/firi/clangdlink/protocol"
	"github.com/firi/clangdlink/rpc"
	"github.com/firi/clangdlink/wire"
)

// DefaultResponseTimeout bounds how long Request waits for a
// response when the caller's context carries no deadline of its own.
const DefaultResponseTimeout = 30 * time.Second

// ErrConnectionStopped is returned by write operations, including
// Request and SendNotification calls made after the connection has been
// stopped. Requests already awaiting a response when it stops fail with
// rpc.ErrResponseAborted instead.
var ErrConnectionStopped = errors.New("connection: stopped")

// ConfigurationHandler answers a server-sent workspace/configuration
// request. A nil handler causes the connection to reply with
// MethodNotFound, per spec.md's configuration-is-optional design.
type ConfigurationHandler func(items []protocol.ConfigurationItem) []any

// Config holds the values a Connection is constructed with, each
// optional with a documented default.
type Config struct {
	ProjectDirectory string
	ListenerFactory  ListenerFactory
	Logger           logger.Logger
	ResponseTimeout  time.Duration
}

// Connection is the asynchronous engine driving a single child process
// over a Transport. Construction starts the reader goroutine
// immediately, but it blocks until Start is called.
type Connection struct {
	transport Transport
	decoder   *wire.Decoder

	registry *rpc.Registry
	queue    *rpc.NotificationQueue

	writeMu sync.Mutex

	editMu        sync.Mutex
	editCollector EditCollector

	listenerFactory ListenerFactory
	projectDir      string
	listenersMu     sync.Mutex
	listeners       map[string]Listener

	configHandlerMu sync.Mutex
	configHandler   ConfigurationHandler

	connected     chan struct{}
	connectedOnce sync.Once

	stopped  chan struct{}
	stopOnce sync.Once

	startGate chan struct{}
	startOnce sync.Once

	readErrMu sync.Mutex
	readErr   error

	dispatchErrMu sync.Mutex
	dispatchErr   error

	responseTimeout time.Duration
	logger          logger.Logger
}

type transportReader struct{ t Transport }

func (r transportReader) Read(p []byte) (int, error) { return r.t.Read(p) }

// New constructs a Connection over transport. The reader goroutine is
// spawned immediately but parked behind Start, per the two-phase
// construct-then-start contract.
func New(transport Transport, cfg Config) *Connection {
	timeout := cfg.ResponseTimeout
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}

	c := &Connection{
		transport:       transport,
		decoder:         wire.NewDecoder(transportReader{transport}),
		registry:        rpc.NewRegistry(),
		queue:           rpc.NewNotificationQueue(rpc.DefaultMaxQueuedMessages),
		editCollector:   rejectingEditCollector{},
		listenerFactory: cfg.ListenerFactory,
		projectDir:      cfg.ProjectDirectory,
		listeners:       make(map[string]Listener),
		connected:       make(chan struct{}),
		stopped:         make(chan struct{}),
		startGate:       make(chan struct{}),
		responseTimeout: timeout,
		logger:          logger.OrDefault(cfg.Logger),
	}

	go c.readLoop()
	return c
}

// Start releases the reader goroutine. Calling it more than once is a
// no-op.
func (c *Connection) Start() {
	c.startOnce.Do(func() { close(c.startGate) })
}

// AwaitConnected blocks until the transport reports itself connected (or
// ctx is done). For StdioTransport this returns immediately once Start
// has run.
func (c *Connection) AwaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.stopped:
		return ErrConnectionStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetConfigurationHandler installs h to answer workspace/configuration
// requests. Passing nil reverts to replying MethodNotFound.
func (c *Connection) SetConfigurationHandler(h ConfigurationHandler) {
	c.configHandlerMu.Lock()
	defer c.configHandlerMu.Unlock()
	c.configHandler = h
}

func (c *Connection) configurationHandler() ConfigurationHandler {
	c.configHandlerMu.Lock()
	defer c.configHandlerMu.Unlock()
	return c.configHandler
}

// Notifications returns the queue of server-sent notifications. Callers
// drain it with TryPop/PopWithTimeout.
func (c *Connection) Notifications() *rpc.NotificationQueue {
	return c.queue
}

func (c *Connection) readLoop() {
	<-c.startGate

	if err := c.transport.TryConnect(context.Background()); err != nil {
		c.fail(fmt.Errorf("connection: transport connect: %w", err))
		return
	}
	c.connectedOnce.Do(func() { close(c.connected) })

	for {
		frame, err := c.decoder.Decode()
		if err != nil {
			c.fail(err)
			return
		}

		switch {
		case frame.IsResponse():
			c.dispatchResponse(frame)
		case frame.IsRequest():
			c.dispatchServerRequest(frame)
		default:
			c.queue.TryPush(frame)
		}

		select {
		case <-c.stopped:
			return
		default:
		}
	}
}

func (c *Connection) dispatchResponse(frame *wire.Frame) {
	id, err := parseID(frame.ID)
	if err != nil {
		c.logger.Error("connection: response with unparsable id %s: %v", frame.IDString(), err)
		return
	}
	if err := c.registry.Deliver(id, frame); err != nil {
		c.logger.Info("connection: %v (id=%d)", err, id)
		c.dispatchErrMu.Lock()
		c.dispatchErr = err
		c.dispatchErrMu.Unlock()
	}
}

// LastDispatchError returns the most recent non-fatal dispatch error —
// e.g. a response delivered for a request id nothing is waiting on.
// Unlike Err, observing one does not mean the connection has stopped.
func (c *Connection) LastDispatchError() error {
	c.dispatchErrMu.Lock()
	defer c.dispatchErrMu.Unlock()
	return c.dispatchErr
}

func parseID(raw json.RawMessage) (uint64, error) {
	var id uint64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, err
	}
	return id, nil
}

// fail tears the connection down after a read fault: every pending
// request is aborted, every registered listener is stopped, and further
// writes fail with ErrConnectionStopped.
func (c *Connection) fail(err error) {
	c.readErrMu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.readErrMu.Unlock()

	c.Stop()
}

// Stop tears the connection down: aborts every pending request, stops
// every registered listener, marks the connection stopped, and closes
// the transport from the writer side so the reader goroutine unblocks
// with EOF instead of waiting on the child process to exit on its own.
// Safe to call more than once and safe to call concurrently with Close.
func (c *Connection) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopped)
		c.registry.AbortAll()

		c.listenersMu.Lock()
		for id, l := range c.listeners {
			if err := l.Stop(); err != nil {
				c.logger.Info("connection: stop listener %s: %v", id, err)
			}
		}
		c.listeners = make(map[string]Listener)
		c.listenersMu.Unlock()

		if err := c.transport.Close(); err != nil {
			c.logger.Info("connection: close transport: %v", err)
		}
	})
}

// Close is an alias for Stop kept for callers that prefer io.Closer
// naming; it always returns nil.
func (c *Connection) Close() error {
	c.Stop()
	return nil
}

// Err returns the error that caused the connection to fail, if any.
func (c *Connection) Err() error {
	c.readErrMu.Lock()
	defer c.readErrMu.Unlock()
	return c.readErr
}
