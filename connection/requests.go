package connection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/firi/clangdlink/wire"
)

func (c *Connection) write(v any) error {
	select {
	case <-c.stopped:
		return ErrConnectionStopped
	default:
	}

	buf, err := wire.Encode(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.transport.Write(buf)
	return err
}

// SendNotification writes a client-to-server notification. It does not
// wait for any acknowledgement — LSP notifications never have one.
func (c *Connection) SendNotification(method string, params any) error {
	msg, err := wire.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.write(msg)
}

// SendResponse answers a server-to-client request identified by rawID.
// Exactly one of result or rpcErr should be meaningful, matching
// JSON-RPC's mutually exclusive result/error response shape.
func (c *Connection) SendResponse(rawID json.RawMessage, result any, rpcErr *wire.RPCError) error {
	msg, err := wire.NewResponse(rawID, result, rpcErr)
	if err != nil {
		return err
	}
	return c.write(msg)
}

// Request sends method/params to the server and decodes the response's
// result into result (which should be a pointer, or nil to discard it).
// It is the generic primitive external feature commands build on: it is
// exported precisely so a caller implementing a concrete LSP feature
// outside this module can reach it directly.
func (c *Connection) Request(ctx context.Context, method string, params any, result any) error {
	id := c.registry.Alloc()
	pending := c.registry.Register(id, nil)

	msg, err := wire.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	if err := c.write(msg); err != nil {
		return err
	}

	timeout := c.responseTimeout
	if _, ok := ctx.Deadline(); ok {
		timeout = 0
	}
	frame, err := pending.Await(ctx, timeout)
	if err != nil {
		return fmt.Errorf("connection: request %s: %w", method, err)
	}

	if result == nil || len(frame.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(frame.Result, result); err != nil {
		return fmt.Errorf("connection: decode result for %s: %w", method, err)
	}
	return nil
}
