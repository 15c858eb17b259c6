package central

import (
	"context"

	"github.com/ariesdockerd/ariesdockerd/internal/errs"
	"github.com/ariesdockerd/ariesdockerd/internal/proto"
	"github.com/ariesdockerd/ariesdockerd/internal/wire"
)

// RegisterDaemonHandler wires the `daemon {}` registration command: it adds
// the connection to the registry and acknowledges with {registered: true}
// straight away. The daemon then stays in the registry until its
// connection closes, at which point the connection's read loop (serveConn
// in server.go) removes it.
func RegisterDaemonHandler(d *proto.Dispatcher, reg *Registry) {
	d.Register("daemon", daemonRegisterHandler(reg))
}

func daemonRegisterHandler(reg *Registry) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		cs := connStateFrom(ctx)
		if cs == nil || cs.AuthKind != "daemon" {
			return nil, false, errs.New(errs.NoPermission, "requires authKind=daemon")
		}
		if cs.AuthName == "" {
			return nil, false, errs.New(errs.MissingUser, "daemon token missing node name")
		}

		client := proto.NewAsyncClient(conn)
		entry := &DaemonEntry{Name: cs.AuthName, Conn: conn, Client: client, State: cs}
		cs.Bypass = client.Bypass
		reg.AddDaemon(entry)

		// Acknowledge registration; the connection then stays open as a
		// dispatch target until it closes (removal happens in the
		// connection's read loop, see server.go).
		return map[string]any{"registered": true}, true, nil
	}
}
