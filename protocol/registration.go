package protocol

import "encoding/json"

// Types backing the remaining server-to-client requests the connection
// must answer: client/registerCapability, client/unregisterCapability,
// and workspace/configuration.

type RegistrationParams struct {
	Registrations []Registration `json:"registrations"`
}

type Registration struct {
	ID              string          `json:"id"`
	Method          string          `json:"method"`
	RegisterOptions json.RawMessage `json:"registerOptions,omitempty"`
}

type UnregistrationParams struct {
	Unregisterations []Unregistration `json:"unregisterations"`
}

type Unregistration struct {
	ID     string `json:"id"`
	Method string `json:"method"`
}

// DidChangeWatchedFilesRegistrationOptions is the RegisterOptions shape
// clangd sends when it registers interest in file-watching via
// client/registerCapability for workspace/didChangeWatchedFiles.
type DidChangeWatchedFilesRegistrationOptions struct {
	Watchers []FileSystemWatcher `json:"watchers"`
}

type FileSystemWatcher struct {
	GlobPattern string `json:"globPattern"`
	Kind        *int   `json:"kind,omitempty"`
}

type ConfigurationParams struct {
	Items []ConfigurationItem `json:"items"`
}

type ConfigurationItem struct {
	ScopeURI string `json:"scopeUri,omitempty"`
	Section  string `json:"section,omitempty"`
}
