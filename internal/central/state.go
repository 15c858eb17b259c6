// Package central implements the coordinator: the connection registry,
// the daemon broadcast/aggregate dispatch, the scheduling integration, and
// the tunnel routing table. Grounded on the teacher's pkg/relay/ws_relay.go
// (WSServer/WSTunnel) and pkg/fleet/executor.go (bounded fan-out),
// generalized from "run a shell command on a fleet" to the aries command
// set.
package central

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ariesdockerd/ariesdockerd/internal/audit"
	"github.com/ariesdockerd/ariesdockerd/internal/auth"
	"github.com/ariesdockerd/ariesdockerd/internal/proto"
	"github.com/ariesdockerd/ariesdockerd/internal/token"
	"github.com/ariesdockerd/ariesdockerd/internal/wire"
	"golang.org/x/sync/errgroup"
)

// ConnState is per-connection state at the central. It never survives a
// disconnect.
type ConnState struct {
	Conn     *wire.Conn
	AuthKind auth.Kind
	AuthName string

	// Bypass, if set, is offered every inbound frame before dispatch; used
	// to pump a daemon connection's reply frames into its AsyncClient.
	Bypass func(wire.Frame) bool
}

func NewConnState(conn *wire.Conn) *ConnState {
	return &ConnState{Conn: conn, AuthKind: auth.Unauth}
}

// DaemonEntry is a connected, authenticated daemon: its connection, the
// AsyncClient used to issue commands to it, and the node name it
// authenticated as.
type DaemonEntry struct {
	Name   string
	Conn   *wire.Conn
	Client *proto.AsyncClient
	State  *ConnState
}

// Registry is the central's live daemon set plus the tunnel routing table.
// It replaces the teacher's module-level mutable globals with one object
// owned by the server and passed to handlers.
type Registry struct {
	mu      sync.RWMutex
	daemons map[string]*DaemonEntry
	routes  map[string]*TunnelRoute

	logger   *slog.Logger
	issuer   *token.Issuer
	sessions *v2Sessions
	audit    *audit.Logger
}

func NewRegistry(issuer *token.Issuer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		daemons:  make(map[string]*DaemonEntry),
		routes:   make(map[string]*TunnelRoute),
		logger:   logger,
		issuer:   issuer,
		sessions: newV2Sessions(),
		audit:    audit.NewLogger(nil),
	}
}

func (r *Registry) Issuer() *token.Issuer { return r.issuer }

// SetAuditStore swaps the registry's audit sink; used by the central
// command to point command auditing at a SQLite database file instead of
// the default in-memory ring.
func (r *Registry) SetAuditStore(store audit.Store) {
	r.audit = audit.NewLogger(store)
}

func (r *Registry) AddDaemon(e *DaemonEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.daemons[e.Name]; ok {
		r.logger.Warn("central: replacing stale daemon connection", "node", e.Name)
		old.Client.Drop()
	}
	r.daemons[e.Name] = e
}

func (r *Registry) RemoveDaemon(name string) {
	r.mu.Lock()
	e, ok := r.daemons[name]
	if ok {
		delete(r.daemons, name)
	}
	r.mu.Unlock()
	if ok {
		e.Client.Drop()
	}
}

func (r *Registry) Daemon(name string) (*DaemonEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.daemons[name]
	return e, ok
}

// Daemons returns a snapshot of connected daemons, in no particular order.
func (r *Registry) Daemons() []*DaemonEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*DaemonEntry, 0, len(r.daemons))
	for _, e := range r.daemons {
		out = append(out, e)
	}
	return out
}

// Broadcast issues cmd/args to every connected daemon concurrently and
// returns each daemon's reply frame, keyed by daemon name. Errors issuing
// to one daemon (e.g. it disconnected mid-call) are folded into a failure
// frame rather than aborting the whole broadcast, matching the teacher's
// per-node error isolation in fleet.Executor.Execute. Built on
// errgroup.Group rather than a bare WaitGroup so a future caller that
// wants the aggregate canceled on first error (SetLimit, the group's ctx)
// has it for free; today every goroutine always returns nil so the group
// never actually cancels.
func (r *Registry) Broadcast(ctx context.Context, cmd string, args any) map[string]wire.Frame {
	daemons := r.Daemons()
	results := make(map[string]wire.Frame, len(daemons))
	var mu sync.Mutex
	var g errgroup.Group
	for _, d := range daemons {
		d := d
		g.Go(func() error {
			f, err := d.Client.Issue(ctx, cmd, args)
			if err != nil {
				f = wire.Failure("", 10, "daemon "+d.Name+": "+err.Error())
			}
			mu.Lock()
			results[d.Name] = f
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}
