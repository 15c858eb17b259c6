// Package proto implements the dispatcher and AsyncClient halves of the
// framed multiplex protocol described by internal/wire: a per-connection
// registry of cmd -> handler, concurrent per-frame dispatch so no handler
// head-of-line-blocks another, and a caller-side ticket -> pending-result
// table for issuing requests to a peer and awaiting the matching reply.
package proto

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ariesdockerd/ariesdockerd/internal/errs"
	"github.com/ariesdockerd/ariesdockerd/internal/wire"
)

// Handler processes one request frame's fields and returns either a result
// value to be wrapped as {ticket, code:0, ...}, or ok=false to signal "no
// response" (fire-and-forget / tunnel-data frames), or an error which is
// translated through errs.As into {ticket, code, msg}.
type Handler func(ctx context.Context, conn *wire.Conn, f wire.Frame) (result any, ok bool, err error)

// Dispatcher owns the cmd -> Handler registry for one connection role
// (central-facing or daemon-facing). It is safe to share a single
// Dispatcher across many connections; handlers must not assume connection
// affinity beyond what's passed in ctx/conn.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{handlers: make(map[string]Handler), logger: logger}
}

func (d *Dispatcher) Register(cmd string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[cmd] = h
}

func (d *Dispatcher) lookup(cmd string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[cmd]
	return h, ok
}

// Dispatch spawns one goroutine per inbound request frame so a slow handler
// never blocks the connection's receive loop. Pass a bypass first: if
// bypass returns true the frame was consumed (typically a daemon reply
// routed into its AsyncClient) and dispatch does nothing further.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *wire.Conn, f wire.Frame, bypass func(wire.Frame) bool) {
	if bypass != nil && bypass(f) {
		return
	}
	go d.handle(ctx, conn, f)
}

func (d *Dispatcher) handle(ctx context.Context, conn *wire.Conn, f wire.Frame) {
	h, ok := d.lookup(f.Cmd)
	if !ok {
		d.reply(ctx, conn, wire.Failure(f.Ticket, int(errs.UnknownCommand), "unknown command: "+f.Cmd))
		return
	}
	result, respond, err := func() (result any, respond bool, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errs.Newf(errs.InternalError, "panic: %v", r)
			}
		}()
		return h(ctx, conn, f)
	}()
	if err != nil {
		ce := errs.As(err)
		d.reply(ctx, conn, wire.Failure(f.Ticket, int(ce.Code), ce.Msg))
		return
	}
	if !respond {
		return
	}
	d.reply(ctx, conn, wire.Success(f.Ticket, result))
}

func (d *Dispatcher) reply(ctx context.Context, conn *wire.Conn, f wire.Frame) {
	if err := conn.WriteFrame(ctx, f); err != nil {
		d.logger.Warn("proto: failed writing reply frame", "ticket", f.Ticket, "err", err)
	}
}
