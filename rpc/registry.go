// Package rpc implements the response registry and bounded notification
// queue that sit between the connection engine's reader loop and the
// goroutines waiting on request/response correlation.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/firi/clangdlink/wire"
)

// ErrUnexpectedResponse is returned by Deliver when a response arrives
// for an id that has no pending slot. Per spec.md §4.B this is a logged,
// dropped condition — it must never abort the connection.
var ErrUnexpectedResponse = errors.New("rpc: response for unknown request id")

// ErrResponseTimeout is returned by Pending.Await when the deadline
// passes before the response settles.
var ErrResponseTimeout = errors.New("rpc: response timeout")

// ErrResponseAborted is returned by Pending.Await when the connection is
// torn down before the response settles.
var ErrResponseAborted = errors.New("rpc: response aborted")

// Pending is an outstanding request awaiting its response. It is settled
// exactly once, by Registry.Deliver or Registry.AbortAll, and then
// removed from the registry.
type Pending struct {
	id       uint64
	done     chan *wire.Frame
	callback func(*wire.Frame)
}

// Await blocks until the pending request settles or timeout elapses.
// A nil settled frame (delivered by AbortAll) surfaces as
// ErrResponseAborted; a frame carrying an Error surfaces as that
// *wire.RPCError; ctx cancellation surfaces as ctx.Err().
func (p *Pending) Await(ctx context.Context, timeout time.Duration) (*wire.Frame, error) {
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case f := <-p.done:
		if f == nil {
			return nil, ErrResponseAborted
		}
		if f.Error != nil {
			return nil, f.Error
		}
		return f, nil
	case <-timeoutCh:
		return nil, ErrResponseTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Registry maps request ids to pending response slots. At most one
// pending slot exists per id at any time; arrival of a response for an
// id the registry does not know about is a protocol error the caller
// should log and drop rather than treat as connection loss.
type Registry struct {
	mu      sync.Mutex
	lastID  uint64
	pending map[uint64]*Pending
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[uint64]*Pending)}
}

// Alloc returns the next request id, monotonically increasing and never
// reused within this registry's lifetime.
func (r *Registry) Alloc() uint64 {
	return atomic.AddUint64(&r.lastID, 1)
}

// Register installs a pending slot for id. It panics if id is already
// registered — per spec.md §4.B this is a caller contract violation, not
// a recoverable runtime condition, since ids are allocated by this same
// registry and must never collide.
func (r *Registry) Register(id uint64, callback func(*wire.Frame)) *Pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[id]; exists {
		panic(fmt.Sprintf("rpc: request id %d already registered", id))
	}

	p := &Pending{
		id:       id,
		done:     make(chan *wire.Frame, 1),
		callback: callback,
	}
	r.pending[id] = p
	return p
}

// Deliver settles the pending slot for id with f, invoking its callback
// if one was registered, then removes the slot.
func (r *Registry) Deliver(id uint64, f *wire.Frame) error {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return ErrUnexpectedResponse
	}

	if p.callback != nil {
		p.callback(f)
	}
	p.done <- f
	return nil
}

// AbortAll settles every outstanding pending slot with a nil frame,
// unblocking every waiter with ErrResponseAborted, then clears the
// registry. Used when the connection is lost or torn down.
func (r *Registry) AbortAll() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[uint64]*Pending)
	r.mu.Unlock()

	for _, p := range pending {
		if p.callback != nil {
			p.callback(nil)
		}
		p.done <- nil
	}
}

// Len reports the number of outstanding pending slots. Intended for
// tests and diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
