package connection

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/firi/clangdlink/protocol"
	"github.com/firi/clangdlink/wire"
)

// dispatchServerRequest answers a server-to-client request: one of
// workspace/applyEdit, workspace/configuration, client/registerCapability,
// or client/unregisterCapability. Anything else gets MethodNotFound, per
// spec.md's dispatch rules.
func (c *Connection) dispatchServerRequest(frame *wire.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var result any
	var rpcErr *wire.RPCError

	switch frame.Method {
	case "workspace/applyEdit":
		result, rpcErr = c.handleApplyEdit(ctx, frame.Params)
	case "workspace/configuration":
		result, rpcErr = c.handleConfiguration(frame.Params)
	case "client/registerCapability":
		result, rpcErr = c.handleRegisterCapability(ctx, frame.Params)
	case "client/unregisterCapability":
		result, rpcErr = c.handleUnregisterCapability(frame.Params)
	default:
		rpcErr = &wire.RPCError{Code: wire.MethodNotFound, Message: "Method not found"}
	}

	if err := c.SendResponse(frame.ID, result, rpcErr); err != nil {
		c.logger.Error("connection: failed to answer server request %s: %v", frame.Method, err)
	}
}

func (c *Connection) handleApplyEdit(ctx context.Context, raw json.RawMessage) (any, *wire.RPCError) {
	var params protocol.ApplyWorkspaceEditParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &wire.RPCError{Code: wire.InvalidParams, Message: err.Error()}
	}

	collector := c.currentEditCollector()
	applied, reason := collector.Collect(ctx, &params.Edit)
	return protocol.ApplyWorkspaceEditResult{Applied: applied, FailureReason: reason}, nil
}

func (c *Connection) handleConfiguration(raw json.RawMessage) (any, *wire.RPCError) {
	handler := c.configurationHandler()
	if handler == nil {
		return nil, &wire.RPCError{Code: wire.MethodNotFound, Message: "workspace/configuration: no handler configured"}
	}

	var params protocol.ConfigurationParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &wire.RPCError{Code: wire.InvalidParams, Message: err.Error()}
	}
	return handler(params.Items), nil
}

func (c *Connection) handleRegisterCapability(ctx context.Context, raw json.RawMessage) (any, *wire.RPCError) {
	var params protocol.RegistrationParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &wire.RPCError{Code: wire.InvalidParams, Message: err.Error()}
	}

	for _, reg := range params.Registrations {
		if reg.Method != "workspace/didChangeWatchedFiles" {
			continue
		}
		if c.listenerFactory == nil {
			c.logger.Info("connection: registerCapability for %s ignored: no ListenerFactory configured", reg.Method)
			continue
		}

		var opts protocol.DidChangeWatchedFilesRegistrationOptions
		if len(reg.RegisterOptions) > 0 {
			if err := json.Unmarshal(reg.RegisterOptions, &opts); err != nil {
				return nil, &wire.RPCError{Code: wire.InvalidParams, Message: err.Error()}
			}
		}

		// Glob patterns clangd registers are relative to the workspace
		// root; construct absolute patterns rooted at c.projectDir so
		// the listener factory doesn't need to know the project layout.
		globs := make([]string, 0, len(opts.Watchers))
		for _, w := range opts.Watchers {
			pattern := w.GlobPattern
			if !filepath.IsAbs(pattern) {
				pattern = filepath.Join(c.projectDir, pattern)
			}
			globs = append(globs, pattern)
		}

		// The request's ctx is cancelled as soon as this handler returns;
		// the listener must outlive it until unregisterCapability or Stop.
		listener, err := c.listenerFactory.Watch(context.Background(), c.projectDir, globs)
		if err != nil {
			return nil, &wire.RPCError{Code: wire.InternalError, Message: err.Error()}
		}

		c.listenersMu.Lock()
		c.listeners[reg.ID] = listener
		c.listenersMu.Unlock()
	}

	return nil, nil
}

func (c *Connection) handleUnregisterCapability(raw json.RawMessage) (any, *wire.RPCError) {
	var params protocol.UnregistrationParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &wire.RPCError{Code: wire.InvalidParams, Message: err.Error()}
	}

	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	for _, un := range params.Unregisterations {
		listener, ok := c.listeners[un.ID]
		if !ok {
			continue
		}
		delete(c.listeners, un.ID)
		if err := listener.Stop(); err != nil {
			c.logger.Info("connection: stop listener %s: %v", un.ID, err)
		}
	}

	return nil, nil
}
