package clangdlink

import (
	"context"

	"github.com/firi/clangdlink/filestate"
	"github.com/firi/clangdlink/protocol"
	"github.com/firi/clangdlink/uri"
)

// TickInput is the host's buffer snapshot for one OnFileReadyToParse
// call: OpenFiles is every file currently open in the editor with its
// in-memory contents (the "dirty" set), SavedFiles is the subset that
// was just written to disk.
type TickInput struct {
	OpenFiles  map[string][]byte
	SavedFiles map[string][]byte
}

// RegisterTickHandler adds h to the set of handlers OnFileReadyToParse
// runs. Handlers run in reverse-registration order, so the most
// recently registered handler sees the tick first; the builtin file
// content sync always registers first (at New time) so callers that
// register their own handlers afterward always run before it.
func (c *Client) RegisterTickHandler(h TickHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickHandlers = append(c.tickHandlers, h)
}

// RegisterOnInitializeComplete adds h to the set of handlers run, in
// reverse-registration order, immediately after the initialize response
// arrives and before the initialized notification is sent.
func (c *Client) RegisterOnInitializeComplete(h func(*protocol.InitializeResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initCompleteHandlers = append(c.initCompleteHandlers, h)
}

// OnFileReadyToParse is the editor tick entry point. If the client is
// unhealthy and never started, it starts and initializes first. If
// healthy but still initializing, the tick's handlers run once
// initialization completes instead of blocking the caller. Otherwise
// every registered tick handler runs synchronously, in
// reverse-registration order.
func (c *Client) OnFileReadyToParse(ctx context.Context, input TickInput) error {
	if !c.Healthy() {
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if !started {
			if err := c.StartServer(ctx); err != nil {
				return err
			}
			c.runTickHandlers(input)
			return nil
		}
	}

	if !c.Initialized() {
		go func() {
			select {
			case <-c.initialized:
				c.runTickHandlers(input)
			case <-ctx.Done():
			}
		}()
		return nil
	}

	c.runTickHandlers(input)
	return nil
}

func (c *Client) runTickHandlers(input TickInput) {
	c.mu.Lock()
	handlers := append([]TickHandler{}, c.tickHandlers...)
	c.mu.Unlock()

	for i := len(handlers) - 1; i >= 0; i-- {
		handlers[i](c, input)
	}
}

// updateFileContents is the canonical tick handler: under the file
// store's own synchronization it runs three phases — update dirty
// files, update saved files (collecting the purge set), then purge
// files no longer open.
func updateFileContents(c *Client, input TickInput) {
	touched := make(map[string]struct{}, len(input.OpenFiles))

	for path, contents := range input.OpenFiles {
		touched[path] = struct{}{}
		state := c.files.GetOrCreate(path)
		c.applyAction(path, state, state.Dirty(contents), contents)
	}

	for path, contents := range input.SavedFiles {
		touched[path] = struct{}{}
		state := c.files.GetOrCreate(path)
		c.applyAction(path, state, state.Saved(contents), contents)
	}

	for _, path := range c.files.Paths() {
		if _, ok := touched[path]; ok {
			continue
		}
		state, ok := c.files.Lookup(path)
		if !ok {
			continue
		}
		action := state.Close()
		c.applyAction(path, state, action, nil)
		c.files.Delete(path)
	}
}

func (c *Client) applyAction(path string, state *filestate.State, action filestate.Action, contents []byte) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	docURI := uri.FromPath(path)

	switch action {
	case filestate.ActionOpen:
		if err := c.DidOpen(docURI, contents, state.Version()); err != nil {
			c.logger.Info("clangdlink: didOpen %s: %v", path, err)
		}
	case filestate.ActionChange:
		if err := c.DidChange(docURI, contents, state.Version()); err != nil {
			c.logger.Info("clangdlink: didChange %s: %v", path, err)
		}
	case filestate.ActionClose:
		if err := c.DidClose(docURI); err != nil {
			c.logger.Info("clangdlink: didClose %s: %v", path, err)
		}
	case filestate.ActionNone:
		// nothing to send
	}
}
