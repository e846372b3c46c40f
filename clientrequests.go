package clangdlink

import (
	"path/filepath"
	"strings"

	"github.com/firi/clangdlink/protocol"
)

// notStarted reports whether the client hasn't been started yet, so the
// Did* notifications below return ErrNotStarted instead of dereferencing
// a nil connection.
func (c *Client) notStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.started
}

// DidOpen sends textDocument/didOpen for docURI at version, grounded on
// the resolved lowercased language ID for the file extension.
func (c *Client) DidOpen(docURI string, contents []byte, version int) error {
	if c.notStarted() {
		return ErrNotStarted
	}
	return c.conn.SendNotification("textDocument/didOpen", protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        docURI,
			LanguageID: languageID(docURI),
			Version:    version,
			Text:       string(contents),
		},
	})
}

// DidChange sends textDocument/didChange with a single full-document
// content change, matching how the file-state machine tracks contents.
func (c *Client) DidChange(docURI string, contents []byte, version int) error {
	if c.notStarted() {
		return ErrNotStarted
	}
	return c.conn.SendNotification("textDocument/didChange", protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: docURI},
			Version:                version,
		},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{{Text: string(contents)}},
	})
}

// DidSave sends textDocument/didSave.
func (c *Client) DidSave(docURI string) error {
	if c.notStarted() {
		return ErrNotStarted
	}
	return c.conn.SendNotification("textDocument/didSave", protocol.DidSaveTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
	})
}

// DidClose sends textDocument/didClose.
func (c *Client) DidClose(docURI string) error {
	if c.notStarted() {
		return ErrNotStarted
	}
	return c.conn.SendNotification("textDocument/didClose", protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
	})
}

// DidChangeConfiguration sends workspace/didChangeConfiguration with
// settings passed through verbatim.
func (c *Client) DidChangeConfiguration(settings any) error {
	if c.notStarted() {
		return ErrNotStarted
	}
	return c.conn.SendNotification("workspace/didChangeConfiguration", protocol.DidChangeConfigurationParams{
		Settings: settings,
	})
}

// DidChangeWatchedFiles sends workspace/didChangeWatchedFiles for a batch
// of file system events reported by a connection.Listener.
func (c *Client) DidChangeWatchedFiles(changes []protocol.FileEvent) error {
	if c.notStarted() {
		return ErrNotStarted
	}
	return c.conn.SendNotification("workspace/didChangeWatchedFiles", protocol.DidChangeWatchedFilesParams{
		Changes: changes,
	})
}

// languageID resolves a clangd languageId from a file:// URI's extension.
// Headers are assumed to be C++, matching clangd's own default.
func languageID(docURI string) string {
	path := strings.TrimPrefix(docURI, "file://")
	switch strings.ToLower(filepath.Ext(path)) {
	case ".c":
		return "c"
	case ".cpp", ".cc", ".cxx", ".c++":
		return "cpp"
	case ".h", ".hpp", ".hxx", ".h++", ".hh":
		return "cpp"
	default:
		return "cpp"
	}
}
