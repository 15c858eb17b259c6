package daemon

import (
	"context"
	"encoding/base64"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ariesdockerd/ariesdockerd/internal/errs"
	"github.com/ariesdockerd/ariesdockerd/internal/proto"
	"github.com/ariesdockerd/ariesdockerd/internal/tunnel"
	"github.com/ariesdockerd/ariesdockerd/internal/wire"
	"github.com/coder/websocket"
)

// tcpConn is the daemon-side bookkeeping for one v1 tunnel, keyed by the
// ticket the central assigned at tcpconn time.
type tcpConn struct {
	ticket string
	sock   net.Conn
	cursor *tunnel.MsgCursor // client -> container ordering

	pauseMu sync.Mutex
	paused  chan struct{} // non-nil and open while paused; closed to resume

	activityMu sync.Mutex
	lastActive time.Time
}

func (tc *tcpConn) touch() {
	tc.activityMu.Lock()
	tc.lastActive = time.Now()
	tc.activityMu.Unlock()
}

func (tc *tcpConn) idleSince() time.Duration {
	tc.activityMu.Lock()
	defer tc.activityMu.Unlock()
	return time.Since(tc.lastActive)
}

// TunnelState holds every live v1 tunnel this daemon is servicing, plus
// the central-facing AsyncClient used to send tcprecv/tcpflow* frames.
type TunnelState struct {
	mu    sync.Mutex
	conns map[string]*tcpConn

	toCentral  *proto.AsyncClient
	centralWS  string // base ws(s):// origin of central, for v2 secondary dials
	logger     interface {
		Warn(msg string, args ...any)
	}
}

func NewTunnelState(toCentral *proto.AsyncClient, centralWS string) *TunnelState {
	return &TunnelState{conns: make(map[string]*tcpConn), toCentral: toCentral, centralWS: centralWS}
}

// RegisterHandlers wires the v1 tunnel commands the daemon answers as
// callee, plus tcpflowpause/tcpflowresume which central issues to this
// daemon, and the v2 raw-splice opener.
func (ts *TunnelState) RegisterHandlers(d *proto.Dispatcher) {
	d.Register("tcpconn", ts.handleConn)
	d.Register("tcpsend", ts.handleSend)
	d.Register("tcpstop", ts.handleStop)
	d.Register("tcpflowpause", ts.handleFlowPause)
	d.Register("tcpflowresume", ts.handleFlowResume)
	d.Register("tcpfwd2open", ts.handleFwd2Open)
}

// handleFwd2Open is the v2 counterpart to handleConn: instead of pumping
// base64 frames over the multiplex connection, it dials the local container
// port and a secondary plain websocket back to central's /tcp2/d/{session},
// then hands both off to a raw splice running in its own goroutine.
func (ts *TunnelState) handleFwd2Open(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
	var args struct {
		Session string `json:"session"`
		Port    int    `json:"port"`
	}
	if err := f.Decode(&args); err != nil || args.Session == "" || args.Port == 0 {
		return nil, false, errs.New(errs.BadRequestShape, "session and port are required")
	}
	sock, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(args.Port))
	if err != nil {
		return nil, false, errs.Internal(err)
	}

	go func() {
		dialCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		url := strings.TrimRight(ts.centralWS, "/") + "/tcp2/d/" + args.Session
		wsConn, _, err := websocket.Dial(dialCtx, url, nil)
		if err != nil {
			sock.Close()
			return
		}
		daemonLeg := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)
		go io.Copy(daemonLeg, sock)
		io.Copy(sock, daemonLeg)
		sock.Close()
		daemonLeg.Close()
	}()

	return map[string]any{}, true, nil
}

func (ts *TunnelState) handleConn(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
	var args struct {
		Client    string `json:"client"`
		Container string `json:"container"`
		Port      int    `json:"port"`
	}
	if err := f.Decode(&args); err != nil || args.Client == "" || args.Port == 0 {
		return nil, false, errs.New(errs.BadRequestShape, "client and port are required")
	}
	sock, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(args.Port))
	if err != nil {
		return nil, false, errs.Internal(err)
	}
	tc := &tcpConn{ticket: args.Client, sock: sock, cursor: tunnel.NewMsgCursor(), lastActive: time.Now()}
	ts.mu.Lock()
	ts.conns[args.Client] = tc
	ts.mu.Unlock()

	go ts.pumpToCentral(ctx, tc)
	return map[string]any{}, true, nil
}

// pumpToCentral reads the local socket in 16KiB chunks and forwards
// tcprecv frames to central.
func (ts *TunnelState) pumpToCentral(ctx context.Context, tc *tcpConn) {
	buf := make([]byte, 16*1024)
	p := 0
	for {
		tc.waitIfPaused()
		n, err := tc.sock.Read(buf)
		if n > 0 {
			ts.toCentral.Issue(ctx, "tcprecv", map[string]any{
				"client": tc.ticket,
				"d":      base64.StdEncoding.EncodeToString(buf[:n]),
				"p":      p,
			})
			p++
		}
		if err != nil {
			ts.remove(tc.ticket)
			return
		}
		select {
		case <-ctx.Done():
			ts.remove(tc.ticket)
			return
		default:
		}
	}
}

func (tc *tcpConn) waitIfPaused() {
	tc.pauseMu.Lock()
	ch := tc.paused
	tc.pauseMu.Unlock()
	if ch != nil {
		<-ch
	}
}

func (ts *TunnelState) handleSend(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
	var args struct {
		Client string `json:"client"`
		D      string `json:"d"`
		P      int    `json:"p"`
	}
	if err := f.Decode(&args); err != nil || args.Client == "" {
		return nil, false, errs.New(errs.BadRequestShape, "client is required")
	}
	ts.mu.Lock()
	tc, ok := ts.conns[args.Client]
	ts.mu.Unlock()
	if !ok {
		return nil, false, errs.New(errs.TunnelNotFound, "no tunnel for client "+args.Client)
	}
	tc.cursor.WaitFor(args.P)
	data, err := base64.StdEncoding.DecodeString(args.D)
	if err != nil {
		return nil, false, errs.New(errs.BadRequestShape, "d must be base64")
	}
	tc.touch()
	if _, err := tc.sock.Write(data); err != nil {
		tc.cursor.Advance()
		return nil, false, errs.Internal(err)
	}
	tc.cursor.Advance()
	return nil, false, nil
}

func (ts *TunnelState) handleStop(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
	var args struct {
		Client string `json:"client"`
	}
	f.Decode(&args)
	ts.mu.Lock()
	tc, ok := ts.conns[args.Client]
	delete(ts.conns, args.Client)
	ts.mu.Unlock()
	if ok {
		// drain pending writes to the local socket before closing: a plain
		// TCP close already flushes the kernel send buffer, so no
		// additional drain step is required beyond closing.
		tc.sock.Close()
	}
	return map[string]any{}, true, nil
}

func (ts *TunnelState) handleFlowPause(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
	var args struct {
		Client string `json:"client"`
	}
	f.Decode(&args)
	ts.mu.Lock()
	tc, ok := ts.conns[args.Client]
	ts.mu.Unlock()
	if ok {
		tc.pauseMu.Lock()
		if tc.paused == nil {
			tc.paused = make(chan struct{})
		}
		tc.pauseMu.Unlock()
	}
	return nil, false, nil
}

func (ts *TunnelState) handleFlowResume(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
	var args struct {
		Client string `json:"client"`
	}
	f.Decode(&args)
	ts.mu.Lock()
	tc, ok := ts.conns[args.Client]
	ts.mu.Unlock()
	if ok {
		tc.pauseMu.Lock()
		if tc.paused != nil {
			close(tc.paused)
			tc.paused = nil
		}
		tc.pauseMu.Unlock()
	}
	return nil, false, nil
}

func (ts *TunnelState) remove(ticket string) {
	ts.mu.Lock()
	if tc, ok := ts.conns[ticket]; ok {
		tc.sock.Close()
		delete(ts.conns, ticket)
	}
	ts.mu.Unlock()
}

// idleGCInterval/idleTimeout implement "idle connections (nextMsgId
// unchanged for 300s on daemon side) are garbage-collected".
const (
	idleGCInterval = 30 * time.Second
	idleTimeout    = 300 * time.Second
)

// RunIdleGC closes any tunnel whose last tcpsend was more than idleTimeout
// ago, until ctx is canceled.
func (ts *TunnelState) RunIdleGC(ctx context.Context) {
	ticker := time.NewTicker(idleGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts.mu.Lock()
			var stale []string
			for ticket, tc := range ts.conns {
				if tc.idleSince() > idleTimeout {
					stale = append(stale, ticket)
				}
			}
			ts.mu.Unlock()
			for _, ticket := range stale {
				ts.remove(ticket)
			}
		}
	}
}
