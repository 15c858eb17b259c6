package central

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ariesdockerd/ariesdockerd/internal/errs"
	"github.com/ariesdockerd/ariesdockerd/internal/proto"
	"github.com/ariesdockerd/ariesdockerd/internal/token"
	"github.com/ariesdockerd/ariesdockerd/internal/wire"
	"github.com/coder/websocket"
)

// Server is the central coordinator's listener: one websocket endpoint
// serving both client and daemon connections (distinguished purely by the
// authKind of the token they present to `auth`), modeled on the teacher's
// WSServer.buildMux + handleAgentConnect, collapsed from two endpoints
// (/relay/agent, /relay/health) to one plus a health check.
type Server struct {
	Registry   *Registry
	Dispatcher *proto.Dispatcher
	logger     *slog.Logger
}

func NewServer(issuer *token.Issuer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	reg := NewRegistry(issuer, logger)
	d := proto.NewDispatcher(logger)
	RegisterClientHandlers(d, reg)
	RegisterDaemonHandler(d, reg)
	RegisterTunnelHandlers(d, reg)
	RegisterV2Handler(d, reg)
	return &Server{Registry: reg, Dispatcher: d, logger: logger}
}

func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConnect)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	MountV2Routes(mux, s.Registry)
	return mux
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("central: websocket accept failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	conn := wire.NewConn(wsConn, wire.MaxFrameSizeCentral)
	s.serveConn(r.Context(), conn)
}

// serveConn is one connection's entire lifecycle: read frames until the
// connection closes, dispatching each one concurrently.
func (s *Server) serveConn(ctx context.Context, conn *wire.Conn) {
	cs := NewConnState(conn)
	ctx = WithConnState(ctx, cs)
	var daemonName string

	defer func() {
		if daemonName != "" {
			s.Registry.RemoveDaemon(daemonName)
			s.logger.Info("central: daemon disconnected", "node", daemonName)
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			return
		}
		if cs.AuthKind == "daemon" && cs.AuthName != "" {
			daemonName = cs.AuthName
		}
		bypass := cs.Bypass
		s.Dispatcher.Dispatch(ctx, conn, f, bypass)
	}
}

// RequireAuth is a convenience used by tests/handlers outside this package
// that want the same gate handlers.go applies internally.
func RequireAuth(cs *ConnState, want string) error {
	if cs == nil || string(cs.AuthKind) != want {
		return errs.New(errs.NoPermission, "requires authKind="+want)
	}
	return nil
}
