package central

import (
	"context"
	"sync"
	"time"

	"github.com/ariesdockerd/ariesdockerd/internal/tunnel"
)

// TunnelRoute is a v1 tunnel's central-side bookkeeping, keyed by the
// ticket chosen at tcpconn time. Fields mirror the spec exactly:
// clientConn/daemonEntry identify the two ends, cursor is the ordering
// cursor for container->client frames, inFlight is the backpressure
// counter.
type TunnelRoute struct {
	Ticket     string
	ClientConn *ConnState
	Daemon     *DaemonEntry
	cursor     *tunnel.MsgCursor

	mu       sync.Mutex
	inFlight int
	paused   bool

	ready chan struct{} // closed once the route is fully installed
	once  sync.Once
}

func NewTunnelRoute(ticket string, clientConn *ConnState, daemon *DaemonEntry) *TunnelRoute {
	return &TunnelRoute{
		Ticket:     ticket,
		ClientConn: clientConn,
		Daemon:     daemon,
		cursor:     tunnel.NewMsgCursor(),
		ready:      make(chan struct{}),
	}
}

// MarkReady signals waiters (a racing tcpsend) that the route now exists.
// Replaces the source's poll-then-recheck-membership race with a one-shot
// broadcast.
func (t *TunnelRoute) MarkReady() {
	t.once.Do(func() { close(t.ready) })
}

// WaitReady blocks until MarkReady or ctx expiry/timeout, whichever first.
func (t *TunnelRoute) WaitReady(ctx context.Context, timeout time.Duration) bool {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-t.ready:
		return true
	case <-tctx.Done():
		return false
	}
}

// WaitForMsgID blocks, without polling, until the route's ordering cursor
// reaches p.
func (t *TunnelRoute) WaitForMsgID(p int) {
	t.cursor.WaitFor(p)
}

func (t *TunnelRoute) AdvanceMsgID() {
	t.cursor.Advance()
}

// IncInFlight returns the new inFlight count and whether the pause
// threshold (8) was just crossed.
func (t *TunnelRoute) IncInFlight() (count int, shouldPause bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight++
	if t.inFlight == 8 && !t.paused {
		t.paused = true
		return t.inFlight, true
	}
	return t.inFlight, false
}

// DecInFlight returns the new inFlight count and whether the resume
// threshold (4) was just crossed.
func (t *TunnelRoute) DecInFlight() (count int, shouldResume bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight > 0 {
		t.inFlight--
	}
	if t.inFlight == 4 && t.paused {
		t.paused = false
		return t.inFlight, true
	}
	return t.inFlight, false
}

func (r *Registry) PutRoute(route *TunnelRoute) {
	r.mu.Lock()
	r.routes[route.Ticket] = route
	r.mu.Unlock()
	route.MarkReady()
}

func (r *Registry) Route(ticket string) (*TunnelRoute, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[ticket]
	return route, ok
}

// RoutePending registers a route placeholder before the daemon has
// confirmed the local socket is open, so a racing tcpsend has something to
// wait on instead of finding nothing at all.
func (r *Registry) RoutePending(ticket string, clientConn *ConnState, daemon *DaemonEntry) *TunnelRoute {
	route := NewTunnelRoute(ticket, clientConn, daemon)
	r.mu.Lock()
	r.routes[ticket] = route
	r.mu.Unlock()
	return route
}

func (r *Registry) DropRoute(ticket string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, ticket)
}
