package clangdlink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/firi/clangdlink/connection"
	"github.com/firi/clangdlink/filestate"
	"github.com/firi/clangdlink/logger"
	"github.com/firi/clangdlink/protocol"
	"github.com/firi/clangdlink/subprocess"
	"github.com/firi/clangdlink/wire"
)

// fakeServer wires a Connection to an in-process fake clangd over a pair
// of io.Pipes, so a test can script exactly how the "server" answers.
type fakeServer struct {
	conn    *connection.Connection
	decoder *wire.Decoder
	writer  *io.PipeWriter
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	clientReadsFrom, serverWritesTo := io.Pipe()
	serverReadsFrom, clientWritesTo := io.Pipe()

	transport := connection.NewStdioTransport(clientReadsFrom, clientWritesTo)
	conn := connection.New(transport, connection.Config{Logger: logger.NullLogger{}})
	conn.Start()

	t.Cleanup(func() {
		conn.Stop()
		serverWritesTo.Close()
	})

	return &fakeServer{
		conn:    conn,
		decoder: wire.NewDecoder(serverReadsFrom),
		writer:  serverWritesTo,
	}
}

func (f *fakeServer) send(t *testing.T, v any) {
	t.Helper()
	buf, err := wire.Encode(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := f.writer.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (f *fakeServer) recv(t *testing.T) *wire.Frame {
	t.Helper()
	frame, err := f.decoder.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return frame
}

// spawnDummyProcess starts a brief sleep purely so Client's process !=
// nil health check passes in tests that drive the connection directly
// instead of through StartServer. It is killed and reaped on test
// cleanup, and exits on its own well inside any test's timeout.
func spawnDummyProcess(t *testing.T, seconds string) *subprocess.Process {
	t.Helper()
	proc, err := subprocess.Spawn("/bin/sleep", []string{seconds}, subprocess.Spec{
		Stdin:  subprocess.Unset(),
		Stdout: subprocess.Unset(),
		Stderr: subprocess.Unset(),
	})
	if err != nil {
		t.Fatalf("spawn dummy process: %v", err)
	}
	t.Cleanup(func() {
		proc.Kill()
		proc.Wait()
	})
	return proc
}

func newTestClient(t *testing.T, conn *connection.Connection) *Client {
	return &Client{
		opts:        Options{ProjectDirectory: "/proj"},
		projectDir:  "/proj",
		files:       filestate.NewStore(),
		conn:        conn,
		process:     spawnDummyProcess(t, "2"),
		started:     true,
		healthy:     true,
		initialized: make(chan struct{}),
		logger:      logger.NullLogger{},
	}
}

func TestNewClientStartsUnhealthyAndUninitialized(t *testing.T) {
	c := New(Options{})
	if c.Healthy() {
		t.Fatal("expected a fresh client to be unhealthy")
	}
	if c.Initialized() {
		t.Fatal("expected a fresh client to be uninitialized")
	}
	if len(c.tickHandlers) != 1 {
		t.Fatalf("expected New to register the builtin tick handler, got %d handlers", len(c.tickHandlers))
	}
}

func TestInitializeSendsHandshakeAndRunsCompleteHandlers(t *testing.T) {
	server := newFakeServer(t)
	c := newTestClient(t, server.conn)

	var order []string
	var mu sync.Mutex
	c.RegisterOnInitializeComplete(func(*protocol.InitializeResult) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	c.RegisterOnInitializeComplete(func(*protocol.InitializeResult) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	})

	errCh := make(chan error, 1)
	go func() { errCh <- c.initialize(context.Background()) }()

	req := server.recv(t)
	if req.Method != "initialize" {
		t.Fatalf("expected initialize request, got %s", req.Method)
	}
	server.send(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(req.ID),
		"result": protocol.InitializeResult{
			Capabilities: protocol.ServerCapabilities{HoverProvider: true},
			ServerInfo:   &protocol.ServerInfo{Name: "clangd", Version: "18.0.0"},
		},
	})

	// initialize writes the initialized notification synchronously over
	// an io.Pipe, so it only returns once the fake server has read it.
	notif := server.recv(t)
	if notif.Method != "initialized" {
		t.Fatalf("expected initialized notification, got %s", notif.Method)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if !c.Initialized() {
		t.Fatal("expected client to be initialized")
	}
	if c.Capabilities() == nil || !c.Capabilities().HoverProvider {
		t.Fatal("expected HoverProvider capability to be recorded")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Fatalf("expected init-complete handlers to run in reverse-registration order, got %v", order)
	}
}

func TestShutdownRunsHandshakeAndIsIdempotent(t *testing.T) {
	server := newFakeServer(t)
	c := newTestClient(t, server.conn)
	c.process = spawnDummyProcess(t, "0.2")
	close(c.initialized)

	done := make(chan struct{})
	go func() {
		defer close(done)
		shutdownReq := server.recv(t)
		if shutdownReq.Method != "shutdown" {
			t.Errorf("expected shutdown request, got %s", shutdownReq.Method)
		}
		server.send(t, map[string]any{
			"jsonrpc": "2.0",
			"id":      json.RawMessage(shutdownReq.ID),
			"result":  nil,
		})
		exitNotif := server.recv(t)
		if exitNotif.Method != "exit" {
			t.Errorf("expected exit notification, got %s", exitNotif.Method)
		}
	}()

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for shutdown/exit handshake")
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestWatchdogMarksClientUnhealthyOnUnexpectedExit(t *testing.T) {
	proc, err := subprocess.Spawn("/bin/sh", []string{"-c", "exit 0"}, subprocess.Spec{
		Stdin:  subprocess.Unset(),
		Stdout: subprocess.Unset(),
		Stderr: subprocess.Unset(),
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	server := newFakeServer(t)
	c := newTestClient(t, server.conn)
	c.process = proc

	called := make(chan error, 1)
	c.opts.OnUnexpectedExit = func(err error) { called <- err }

	c.watchdog(proc)

	if c.Healthy() {
		t.Fatal("expected client to be unhealthy after unexpected exit")
	}

	select {
	case err := <-called:
		if err == nil {
			t.Fatal("expected a non-nil error passed to OnUnexpectedExit")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnUnexpectedExit")
	}
}

func TestOnFileReadyToParseTracksOpenChangeAndClose(t *testing.T) {
	server := newFakeServer(t)
	c := newTestClient(t, server.conn)
	close(c.initialized)
	c.tickHandlers = []TickHandler{updateFileContents}

	const path = "/proj/main.cpp"

	// Each tick writes its notification synchronously over an io.Pipe,
	// so it runs in its own goroutine while the fake server reads.
	tick := func(input TickInput) chan error {
		errCh := make(chan error, 1)
		go func() { errCh <- c.OnFileReadyToParse(context.Background(), input) }()
		return errCh
	}

	openErr := tick(TickInput{
		OpenFiles: map[string][]byte{path: []byte("int main() {}")},
	})
	open := server.recv(t)
	if open.Method != "textDocument/didOpen" {
		t.Fatalf("expected didOpen, got %s", open.Method)
	}
	if err := <-openErr; err != nil {
		t.Fatalf("OnFileReadyToParse (open): %v", err)
	}

	changeErr := tick(TickInput{
		OpenFiles: map[string][]byte{path: []byte("int main() { return 0; }")},
	})
	change := server.recv(t)
	if change.Method != "textDocument/didChange" {
		t.Fatalf("expected didChange, got %s", change.Method)
	}
	if err := <-changeErr; err != nil {
		t.Fatalf("OnFileReadyToParse (change): %v", err)
	}

	purgeErr := tick(TickInput{})
	closeFrame := server.recv(t)
	if closeFrame.Method != "textDocument/didClose" {
		t.Fatalf("expected didClose, got %s", closeFrame.Method)
	}
	if err := <-purgeErr; err != nil {
		t.Fatalf("OnFileReadyToParse (purge): %v", err)
	}

	if _, ok := c.files.Lookup(path); ok {
		t.Fatal("expected file state to be purged after close")
	}
}

func TestOnFileReadyToParseStartsUnhealthyUnstartedClient(t *testing.T) {
	c := New(Options{ServerCommand: "/bin/does-not-exist-clangdlink-probe"})

	err := c.OnFileReadyToParse(context.Background(), TickInput{})
	if err == nil {
		t.Fatal("expected starting a nonexistent clangd binary to fail")
	}
}

func TestDidOpenReturnsErrNotStartedBeforeStartServer(t *testing.T) {
	c := New(Options{ProjectDirectory: "/proj"})

	if err := c.DidOpen("file:///proj/main.cpp", []byte("int main(){}"), 1); err != ErrNotStarted {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if err := c.DidChangeWatchedFiles(nil); err != ErrNotStarted {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestLastErrorClassifiesFramingFailure(t *testing.T) {
	server := newFakeServer(t)
	c := newTestClient(t, server.conn)

	if err := c.LastError(); err != nil {
		t.Fatalf("expected no error before any framing failure, got %v", err)
	}

	if _, err := server.writer.Write([]byte("Not-Content-Length: 5\r\n\r\n")); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	var lastErr error
	deadline := time.After(2 * time.Second)
	for {
		lastErr = c.LastError()
		if lastErr != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for LastError to observe the framing failure")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !errors.Is(lastErr, ErrProtocolFraming) {
		t.Fatalf("expected ErrProtocolFraming, got %v", lastErr)
	}
}

func TestLastErrorClassifiesUnexpectedResponse(t *testing.T) {
	server := newFakeServer(t)
	c := newTestClient(t, server.conn)

	server.send(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      999,
		"result":  nil,
	})

	var lastErr error
	deadline := time.After(2 * time.Second)
	for {
		lastErr = c.LastError()
		if lastErr != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for LastError to observe the unexpected response")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !errors.Is(lastErr, ErrUnexpectedResponse) {
		t.Fatalf("expected ErrUnexpectedResponse, got %v", lastErr)
	}
}
