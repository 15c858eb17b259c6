package central

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/ariesdockerd/ariesdockerd/internal/errs"
	"github.com/ariesdockerd/ariesdockerd/internal/proto"
	"github.com/ariesdockerd/ariesdockerd/internal/tunnel"
	"github.com/ariesdockerd/ariesdockerd/internal/wire"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// v2Sessions holds every in-progress raw-splice session, keyed by the id
// allocated at tcpfwd2 time. Sessions are one-shot: both legs dial in once,
// Splice runs to completion, then the entry is dropped.
type v2Sessions struct {
	mu       sync.Mutex
	sessions map[string]*tunnel.SpliceSession
}

func newV2Sessions() *v2Sessions {
	return &v2Sessions{sessions: make(map[string]*tunnel.SpliceSession)}
}

func (v *v2Sessions) create() *tunnel.SpliceSession {
	s := tunnel.NewSpliceSession(uuid.NewString())
	v.mu.Lock()
	v.sessions[s.ID] = s
	v.mu.Unlock()
	return s
}

func (v *v2Sessions) get(id string) (*tunnel.SpliceSession, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.sessions[id]
	return s, ok
}

func (v *v2Sessions) drop(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.sessions, id)
}

// RegisterV2Handler wires tcpfwd2: central allocates a splice session id,
// asks the owning daemon to dial its leg at /tcp2/d/{session}, and hands the
// client the same session id so it can dial /tcp2/c/{session}. Both legs are
// plain secondary websocket connections carrying raw bytes, no frame
// envelope — the multiplex protocol is only used to set the session up.
func RegisterV2Handler(d *proto.Dispatcher, reg *Registry) {
	d.Register("tcpfwd2", tcpFwd2Handler(reg))
}

func tcpFwd2Handler(reg *Registry) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		if _, err := requireUser(ctx); err != nil {
			return nil, false, err
		}
		var args struct {
			Container string `json:"container"`
			Port      int    `json:"port"`
		}
		if err := f.Decode(&args); err != nil || args.Container == "" || args.Port == 0 {
			return nil, false, errs.New(errs.BadRequestShape, "container and port are required")
		}

		owner, err := findOwningDaemon(ctx, reg, args.Container)
		if err != nil {
			return nil, false, err
		}

		session := reg.sessions.create()
		if _, err := owner.Client.Issue(ctx, "tcpfwd2open", map[string]any{
			"session": session.ID,
			"port":    args.Port,
		}); err != nil {
			reg.sessions.drop(session.ID)
			return nil, false, errs.New(errs.DaemonError, "daemon: "+err.Error())
		}
		return map[string]any{"session": session.ID}, true, nil
	}
}

// MountV2Routes adds the raw-splice secondary endpoints to mux: the client
// dials /tcp2/c/{session}, the daemon dials /tcp2/d/{session}; once both
// legs arrive Splice copies bytes bidirectionally until either side closes.
func MountV2Routes(mux *http.ServeMux, reg *Registry) {
	mux.HandleFunc("/tcp2/c/", v2LegHandler(reg, true))
	mux.HandleFunc("/tcp2/d/", v2LegHandler(reg, false))
}

func v2LegHandler(reg *Registry, isClient bool) http.HandlerFunc {
	prefix := "/tcp2/d/"
	if isClient {
		prefix = "/tcp2/c/"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, prefix)
		session, ok := reg.sessions.get(id)
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		wsConn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		netConn := websocket.NetConn(r.Context(), wsConn, websocket.MessageBinary)
		if isClient {
			session.SetClientLeg(netConn)
		} else {
			session.SetDaemonLeg(netConn)
		}
		session.Splice(r.Context())
		reg.sessions.drop(id)
	}
}
