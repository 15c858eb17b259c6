package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/ariesdockerd/ariesdockerd/internal/proto"
	"github.com/ariesdockerd/ariesdockerd/internal/resilience"
	"github.com/ariesdockerd/ariesdockerd/internal/wire"
	"github.com/coder/websocket"
)

// Agent owns one daemon's outbound connection to central: dial, the
// auth+daemon handshake, reconnect-with-backoff on drop, and the handler
// set (container ops + v1/v2 tunnels) wired onto that connection's
// dispatcher each time it's (re)established.
type Agent struct {
	Core        *Core
	CentralHost string // ws(s)://host:port
	NodeToken   string
	logger      *slog.Logger
}

func NewAgent(core *Core, centralHost, nodeToken string, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{Core: core, CentralHost: centralHost, NodeToken: nodeToken, logger: logger}
}

// Run dials central, authenticates, registers as this node, and serves
// until ctx is canceled, reconnecting with exponential backoff (1s..900s,
// reset to 2s after a connection survives more than 5s) on every drop.
func (a *Agent) Run(ctx context.Context) {
	backoff := resilience.NewBackoff()
	for {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := a.connectOnce(ctx); err != nil {
			a.logger.Warn("daemon: connection to central failed", "err", err)
		}
		lived := time.Since(start)
		backoff.NoteConnectionDuration(lived)

		delay := backoff.Next()
		a.logger.Info("daemon: reconnecting to central", "in", delay, "livedLast", lived)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (a *Agent) connectOnce(ctx context.Context) error {
	wsConn, _, err := websocket.Dial(ctx, a.CentralHost, nil)
	if err != nil {
		return err
	}
	conn := wire.NewConn(wsConn, wire.MaxFrameSizeDaemon)
	defer conn.Close(websocket.StatusNormalClosure, "")

	client := proto.NewAsyncClient(conn)
	d := proto.NewDispatcher(a.logger)
	RegisterHandlers(d, a.Core)
	tunnelState := NewTunnelState(client, a.CentralHost)
	tunnelState.logger = a.logger
	tunnelState.RegisterHandlers(d)
	go tunnelState.RunIdleGC(ctx)

	authFrame, err := client.Issue(ctx, "auth", map[string]any{"token": a.NodeToken})
	if err != nil {
		return err
	}
	if authFrame.IsResponse() && *authFrame.Code != 0 {
		return tokenAuthError(authFrame.Code, authFrame.Msg)
	}
	if _, err := client.Issue(ctx, "daemon", map[string]any{"node": a.Core.NodeName}); err != nil {
		return err
	}

	go a.Core.RunBookkeepLoop(ctx)
	go a.Core.RunCleanupLoop(ctx)

	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		d.Dispatch(ctx, conn, f, client.Bypass)
	}
}

func tokenAuthError(code *int, msg string) error {
	return &authError{code: *code, msg: msg}
}

type authError struct {
	code int
	msg  string
}

func (e *authError) Error() string { return e.msg }
