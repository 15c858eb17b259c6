package proto

import (
	"context"
	"sync"

	"github.com/ariesdockerd/ariesdockerd/internal/errs"
	"github.com/ariesdockerd/ariesdockerd/internal/wire"
	"github.com/google/uuid"
)

// AsyncClient multiplexes request/response pairs over one *wire.Conn: Issue
// sends a request frame and blocks until the one reply correlated by its
// ticket arrives. Modeled on the teacher's WSTunnel.pending
// map + SendCommandWS, generalized from "one command type" to any cmd.
type AsyncClient struct {
	conn *wire.Conn

	mu      sync.Mutex
	pending map[string]chan wire.Frame
}

func NewAsyncClient(conn *wire.Conn) *AsyncClient {
	return &AsyncClient{conn: conn, pending: make(map[string]chan wire.Frame)}
}

// Bypass is passed to Dispatcher.Dispatch on the connection this client
// rides over: it intercepts response frames addressed to one of our
// outstanding tickets before they'd otherwise be treated as a fresh
// command.
func (c *AsyncClient) Bypass(f wire.Frame) bool {
	if !f.IsResponse() {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[f.Ticket]
	if ok {
		delete(c.pending, f.Ticket)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- f
	close(ch)
	return true
}

// Issue sends {ticket: <fresh>, cmd, args}, with the ticket always
// generated here, and blocks until the matching reply arrives or ctx is
// done.
func (c *AsyncClient) Issue(ctx context.Context, cmd string, args any) (wire.Frame, error) {
	ticket := uuid.NewString()
	ch := make(chan wire.Frame, 1)
	c.mu.Lock()
	c.pending[ticket] = ch
	c.mu.Unlock()

	if err := c.conn.WriteFrame(ctx, wire.Request(ticket, cmd, args)); err != nil {
		c.mu.Lock()
		delete(c.pending, ticket)
		c.mu.Unlock()
		return wire.Frame{}, err
	}

	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, ticket)
		c.mu.Unlock()
		return wire.Frame{}, ctx.Err()
	}
}

// IssueDecode is Issue plus translating a non-zero reply code into a
// *errs.CodeError and decoding a success reply's fields into v.
func (c *AsyncClient) IssueDecode(ctx context.Context, cmd string, args any, v any) error {
	f, err := c.Issue(ctx, cmd, args)
	if err != nil {
		return err
	}
	if f.IsResponse() && *f.Code != 0 {
		return errs.New(errs.Code(*f.Code), f.Msg)
	}
	if v == nil {
		return nil
	}
	return f.Decode(v)
}

// Drop fails every outstanding ticket, used when the underlying connection
// closes (e.g. a daemon disconnect): callers waiting on Issue see a
// DaemonError rather than hanging forever.
func (c *AsyncClient) Drop() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan wire.Frame)
	c.mu.Unlock()

	zero := int(errs.DaemonError)
	for ticket, ch := range pending {
		ch <- wire.Failure(ticket, zero, "daemon connection closed")
		close(ch)
	}
}
