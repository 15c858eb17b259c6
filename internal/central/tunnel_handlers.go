package central

import (
	"context"
	"time"

	"github.com/ariesdockerd/ariesdockerd/internal/errs"
	"github.com/ariesdockerd/ariesdockerd/internal/proto"
	"github.com/ariesdockerd/ariesdockerd/internal/wire"
	"github.com/google/uuid"
)

// routeWaitTimeout is the budget a racing tcpsend gives a tcpconn that
// hasn't finished installing its route yet: 30 x 50ms from the source,
// expressed as one timeout rather than a poll loop.
const routeWaitTimeout = 30 * 50 * time.Millisecond

// RegisterTunnelHandlers wires the v1 in-band tunnel commands.
func RegisterTunnelHandlers(d *proto.Dispatcher, reg *Registry) {
	d.Register("tcpconn", tcpConnHandler(reg))
	d.Register("tcpsend", tcpSendHandler(reg))
	d.Register("tcpstop", tcpStopHandler(reg))
	// tcprecv is daemon-originated: it never arrives as a request handled
	// here directly in response to a client ticket, it is intercepted by
	// the daemon connection's bypass-miss path (see server.go) and routed
	// through tcpRecvFromDaemonHandler.
	d.Register("tcprecv", tcpRecvFromDaemonHandler(reg))
}

func tcpConnHandler(reg *Registry) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		cs, err := requireUser(ctx)
		if err != nil {
			return nil, false, err
		}
		var args struct {
			Container string `json:"container"`
			Port      int    `json:"port"`
		}
		if derr := f.Decode(&args); derr != nil || args.Container == "" || args.Port == 0 {
			return nil, false, errs.New(errs.BadRequestShape, "container and port are required")
		}

		owner, err := findOwningDaemon(ctx, reg, args.Container)
		if err != nil {
			return nil, false, err
		}

		clientTicket := uuid.NewString()
		route := reg.RoutePending(clientTicket, cs, owner)

		_, err = owner.Client.Issue(ctx, "tcpconn", map[string]any{
			"client":    clientTicket,
			"container": args.Container,
			"port":      args.Port,
		})
		if err != nil {
			reg.DropRoute(clientTicket)
			return nil, false, errs.New(errs.DaemonError, "daemon: "+err.Error())
		}
		route.MarkReady()
		return map[string]any{"client": clientTicket}, true, nil
	}
}

func tcpSendHandler(reg *Registry) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		if _, err := requireUser(ctx); err != nil {
			return nil, false, err
		}
		var args struct {
			Client string `json:"client"`
			D      string `json:"d"`
			P      int    `json:"p"`
		}
		if err := f.Decode(&args); err != nil || args.Client == "" {
			return nil, false, errs.New(errs.BadRequestShape, "client ticket is required")
		}

		route, ok := reg.Route(args.Client)
		if !ok || !route.WaitReady(ctx, routeWaitTimeout) {
			return nil, false, errs.New(errs.TunnelTimeout, "tunnel route not ready")
		}

		if _, err := route.Daemon.Client.Issue(ctx, "tcpsend", map[string]any{
			"client": args.Client,
			"d":      args.D,
			"p":      args.P,
		}); err != nil {
			return nil, false, errs.New(errs.DaemonError, "daemon: "+err.Error())
		}
		return nil, false, nil
	}
}

func tcpStopHandler(reg *Registry) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		if _, err := requireUser(ctx); err != nil {
			return nil, false, err
		}
		var args struct {
			Client string `json:"client"`
			P      int    `json:"p"`
		}
		if err := f.Decode(&args); err != nil || args.Client == "" {
			return nil, false, errs.New(errs.BadRequestShape, "client ticket is required")
		}
		route, ok := reg.Route(args.Client)
		if ok {
			route.Daemon.Client.Issue(ctx, "tcpstop", map[string]any{"client": args.Client, "p": args.P})
			reg.DropRoute(args.Client)
		}
		return map[string]any{}, true, nil
	}
}

// tcpRecvFromDaemonHandler handles the daemon-originated tcprecv command:
// container -> client data. It enforces the route's FIFO ordering cursor
// and the 4-8 frame backpressure window before forwarding to the client.
func tcpRecvFromDaemonHandler(reg *Registry) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		var args struct {
			Client string `json:"client"`
			D      string `json:"d"`
			P      int    `json:"p"`
		}
		if err := f.Decode(&args); err != nil {
			return nil, false, errs.New(errs.BadRequestShape, "malformed tcprecv frame")
		}
		route, ok := reg.Route(args.Client)
		if !ok {
			return nil, false, errs.New(errs.TunnelNotFound, "no route for client "+args.Client)
		}

		count, shouldPause := route.IncInFlight()
		if shouldPause {
			route.Daemon.Client.Issue(ctx, "tcpflowpause", map[string]any{"client": args.Client})
		}
		_ = count

		route.WaitForMsgID(args.P)

		err := route.ClientConn.Conn.WriteFrame(ctx, wire.Request(uuid.NewString(), "tcprecv", map[string]any{
			"client": args.Client,
			"d":      args.D,
			"p":      args.P,
		}))
		route.AdvanceMsgID()

		if _, shouldResume := route.DecInFlight(); shouldResume {
			route.Daemon.Client.Issue(ctx, "tcpflowresume", map[string]any{"client": args.Client})
		}

		if err != nil {
			return nil, false, errs.Internal(err)
		}
		return nil, false, nil
	}
}

// findOwningDaemon searches list_containers results for the daemon
// currently hosting container.
func findOwningDaemon(ctx context.Context, reg *Registry, container string) (*DaemonEntry, error) {
	results := reg.Broadcast(ctx, "list_containers", map[string]any{})
	merged, err := mergeContainers(results, "")
	if err != nil {
		return nil, err
	}
	var matchedNode string
	matches := 0
	for shortID, raw := range merged {
		c, _ := raw.(map[string]any)
		name, _ := c["name"].(string)
		if shortID == container || name == container ||
			(len(container) >= 1 && len(shortID) >= len(container) && shortID[:len(container)] == container) {
			matches++
			if node, ok := c["node"].(string); ok {
				matchedNode = node
			}
		}
	}
	if matches == 0 {
		return nil, errs.New(errs.NotFound, "no container matching "+container)
	}
	if matches > 1 {
		return nil, errs.New(errs.Ambiguous, "multiple containers match "+container)
	}
	daemon, ok := reg.Daemon(matchedNode)
	if !ok {
		return nil, errs.New(errs.DaemonError, "owning daemon "+matchedNode+" disconnected")
	}
	return daemon, nil
}
