package connection

import (
	"context"

	"github.com/firi/clangdlink/protocol"
)

// EditCollector is the pluggable strategy for answering a server-sent
// workspace/applyEdit request. Most callers never accept edits from
// clangd proactively (edits normally arrive as part of a feature command
// response, not as a standing capability), so the default collector
// always rejects.
type EditCollector interface {
	Collect(ctx context.Context, edit *protocol.WorkspaceEdit) (applied bool, failureReason string)
}

type rejectingEditCollector struct{}

func (rejectingEditCollector) Collect(ctx context.Context, edit *protocol.WorkspaceEdit) (bool, string) {
	return false, "no edit collector configured"
}

// WithEditCollector installs collector as the active EditCollector for
// the duration of fn, restoring the previous collector afterward. The
// swap and the restore each take a connection-local mutex, but fn runs
// without it held, so the reader goroutine answers workspace/applyEdit
// with collector while fn is running. Overlapping calls are not
// serialized: concurrent calls with different collectors can restore
// the wrong one, so collector swaps are a command-level, not
// connection-wide, concern.
func (c *Connection) WithEditCollector(collector EditCollector, fn func()) {
	c.editMu.Lock()
	prev := c.editCollector
	c.editCollector = collector
	c.editMu.Unlock()

	defer func() {
		c.editMu.Lock()
		c.editCollector = prev
		c.editMu.Unlock()
	}()

	fn()
}

func (c *Connection) currentEditCollector() EditCollector {
	c.editMu.Lock()
	defer c.editMu.Unlock()
	return c.editCollector
}
