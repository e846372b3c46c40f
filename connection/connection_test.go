package connection

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/firi/clangdlink/protocol"
	"github.com/firi/clangdlink/wire"
)

// harness wires a Connection to an in-process fake "server" over a pair
// of io.Pipes, so tests can script exactly what bytes the server sends
// and inspect exactly what bytes the client writes back.
type harness struct {
	conn *Connection

	toServer   *io.PipeReader
	fromServer *io.PipeWriter

	serverDecoder *wire.Decoder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	clientReadsFrom, serverWritesTo := io.Pipe()
	serverReadsFrom, clientWritesTo := io.Pipe()

	transport := NewStdioTransport(clientReadsFrom, clientWritesTo)
	conn := New(transport, cfg)
	conn.Start()

	h := &harness{
		conn:          conn,
		toServer:      serverReadsFrom,
		fromServer:    serverWritesTo,
		serverDecoder: wire.NewDecoder(serverReadsFrom),
	}
	t.Cleanup(func() {
		conn.Stop()
		serverWritesTo.Close()
	})
	return h
}

func (h *harness) sendFromServer(t *testing.T, v any) {
	t.Helper()
	buf, err := wire.Encode(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := h.fromServer.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (h *harness) readClientFrame(t *testing.T) *wire.Frame {
	t.Helper()
	frame, err := h.serverDecoder.Decode()
	if err != nil {
		t.Fatalf("decode client frame: %v", err)
	}
	return frame
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	h.conn.Stop()
	h.conn.Stop()
	if err := h.conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

type fakeListener struct{ stopped bool }

func (f *fakeListener) Stop() error { f.stopped = true; return nil }

type fakeListenerFactory struct {
	watched chan []string
	l       *fakeListener
}

func (f *fakeListenerFactory) Watch(ctx context.Context, projectDir string, globs []string) (Listener, error) {
	f.l = &fakeListener{}
	f.watched <- globs
	return f.l, nil
}

func TestRegisterCapabilityWiresListenerFactory(t *testing.T) {
	factory := &fakeListenerFactory{watched: make(chan []string, 1)}
	h := newHarness(t, Config{ProjectDirectory: "/proj", ListenerFactory: factory})

	opts, _ := json.Marshal(protocol.DidChangeWatchedFilesRegistrationOptions{
		Watchers: []protocol.FileSystemWatcher{{GlobPattern: "**/*.cpp"}},
	})
	h.sendFromServer(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "client/registerCapability",
		"params": protocol.RegistrationParams{
			Registrations: []protocol.Registration{
				{ID: "reg-1", Method: "workspace/didChangeWatchedFiles", RegisterOptions: opts},
			},
		},
	})

	wantGlob := filepath.Join("/proj", "**/*.cpp")
	select {
	case globs := <-factory.watched:
		if len(globs) != 1 || globs[0] != wantGlob {
			t.Fatalf("unexpected globs: %v, want [%s]", globs, wantGlob)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ListenerFactory.Watch")
	}

	resp := h.readClientFrame(t)
	if !resp.IsResponse() {
		t.Fatalf("expected a response frame, got %+v", resp)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
}

func TestConfigurationWithoutHandlerReturnsMethodNotFound(t *testing.T) {
	h := newHarness(t, Config{})

	h.sendFromServer(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      7,
		"method":  "workspace/configuration",
		"params": protocol.ConfigurationParams{
			Items: []protocol.ConfigurationItem{{Section: "clangd"}},
		},
	})

	resp := h.readClientFrame(t)
	if resp.Error == nil || resp.Error.Code != wire.MethodNotFound {
		t.Fatalf("expected MethodNotFound error, got %+v", resp.Error)
	}
}

func TestConfigurationWithHandlerAnswers(t *testing.T) {
	h := newHarness(t, Config{})
	h.conn.SetConfigurationHandler(func(items []protocol.ConfigurationItem) []any {
		return []any{map[string]any{"compilationDatabasePath": "build"}}
	})

	h.sendFromServer(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      8,
		"method":  "workspace/configuration",
		"params":  protocol.ConfigurationParams{Items: []protocol.ConfigurationItem{{Section: "clangd"}}},
	})

	resp := h.readClientFrame(t)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var result []map[string]any
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(result) != 1 || result[0]["compilationDatabasePath"] != "build" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestUnknownServerRequestIsMethodNotFound(t *testing.T) {
	h := newHarness(t, Config{})

	h.sendFromServer(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      3,
		"method":  "window/showMessageRequest",
		"params":  map[string]any{},
	})

	resp := h.readClientFrame(t)
	if resp.Error == nil || resp.Error.Code != wire.MethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", resp.Error)
	}
}

func TestApplyEditDefaultCollectorRejects(t *testing.T) {
	h := newHarness(t, Config{})

	h.sendFromServer(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      4,
		"method":  "workspace/applyEdit",
		"params": protocol.ApplyWorkspaceEditParams{
			Edit: protocol.WorkspaceEdit{},
		},
	})

	resp := h.readClientFrame(t)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var result protocol.ApplyWorkspaceEditResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Applied {
		t.Fatal("expected default collector to reject the edit")
	}
}

func TestRequestRoundTrip(t *testing.T) {
	h := newHarness(t, Config{})

	frames := make(chan *wire.Frame, 1)
	go func() {
		frame, err := h.serverDecoder.Decode()
		if err != nil {
			close(frames)
			return
		}
		frames <- frame
	}()

	var result protocol.InitializeResult
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.conn.Request(context.Background(), "initialize", protocol.InitializeParams{}, &result)
	}()

	var frame *wire.Frame
	select {
	case frame = <-frames:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive the request")
	}
	if frame.Method != "initialize" {
		t.Fatalf("unexpected method: %s", frame.Method)
	}
	h.sendFromServer(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(frame.ID),
		"result":  protocol.InitializeResult{Capabilities: protocol.ServerCapabilities{HoverProvider: true}},
	})

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Request: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Request to return")
	}
	if !result.Capabilities.HoverProvider {
		t.Fatal("expected HoverProvider true in decoded result")
	}
}

func TestRequestTimesOutWithoutResponse(t *testing.T) {
	h := newHarness(t, Config{ResponseTimeout: 50 * time.Millisecond})

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.conn.Request(context.Background(), "shutdown", nil, nil)
	}()

	// Drain the request frame so the write doesn't block, but never
	// reply — the request should then time out.
	h.serverDecoder.Decode()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected timeout error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Request to time out")
	}
}
