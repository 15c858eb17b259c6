package clientcli

import (
	"context"
	"fmt"
	"strings"

	"github.com/ariesdockerd/ariesdockerd/internal/errs"
	"github.com/ariesdockerd/ariesdockerd/internal/proto"
	"github.com/ariesdockerd/ariesdockerd/internal/wire"
	"github.com/coder/websocket"
)

// AriesClient is one user-kind connection to central: dial, the auth
// handshake, and Issue wrappers for every command in the client grammar.
type AriesClient struct {
	addr  string
	token string

	conn  *wire.Conn
	async *proto.AsyncClient
	dispatcher *proto.Dispatcher

	stop context.CancelFunc
}

func NewAriesClient(addr, token string) *AriesClient {
	return &AriesClient{addr: addr, token: token}
}

// Connect dials central, wraps the connection, authenticates, and starts
// the background read loop needed for Issue/reply correlation.
func (c *AriesClient) Connect(ctx context.Context) error {
	wsConn, _, err := websocket.Dial(ctx, c.addr, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	c.conn = wire.NewConn(wsConn, wire.MaxFrameSizeCentral)
	c.async = proto.NewAsyncClient(c.conn)
	c.dispatcher = proto.NewDispatcher(nil)
	// tcprecv arrives as a daemon-originated-looking frame the client must
	// render as tunnel output rather than dispatch as a command; callers
	// that need tunnel data register a handler via RegisterTunnelData.

	connCtx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	go func() {
		for {
			f, err := c.conn.ReadFrame(connCtx)
			if err != nil {
				return
			}
			c.dispatcher.Dispatch(connCtx, c.conn, f, c.async.Bypass)
		}
	}()

	var authResult struct{}
	if err := c.async.IssueDecode(ctx, "auth", map[string]any{"token": c.token}, &authResult); err != nil {
		return err
	}
	return nil
}

// RegisterTunnelData wires a fire-and-forget handler for daemon-direction
// tunnel frames (tcprecv) so the v1 tunnel can render received bytes.
func (c *AriesClient) RegisterTunnelData(cmd string, h proto.Handler) {
	c.dispatcher.Register(cmd, h)
}

func (c *AriesClient) Close() {
	if c.stop != nil {
		c.stop()
	}
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (c *AriesClient) issue(ctx context.Context, cmd string, args any, v any) error {
	return c.async.IssueDecode(ctx, cmd, args, v)
}

func (c *AriesClient) Nodes(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.issue(ctx, "nodes", map[string]any{}, &out)
	return out, err
}

func (c *AriesClient) Ps(ctx context.Context, filt string) (map[string]any, error) {
	var out struct {
		Containers map[string]any `json:"containers"`
	}
	err := c.issue(ctx, "ps", map[string]any{"filt": filt}, &out)
	return out.Containers, err
}

func (c *AriesClient) Logs(ctx context.Context, container string) (string, error) {
	var out struct {
		Logs string `json:"logs"`
	}
	err := c.issue(ctx, "logs", map[string]any{"container": container}, &out)
	return out.Logs, err
}

func (c *AriesClient) Stop(ctx context.Context, container string) error {
	return c.issue(ctx, "stop", map[string]any{"container": container}, nil)
}

func (c *AriesClient) Kill(ctx context.Context, container string) error {
	return c.issue(ctx, "kill", map[string]any{"container": container}, nil)
}

func (c *AriesClient) Delete(ctx context.Context, container string) error {
	return c.issue(ctx, "delete", map[string]any{"container": container}, nil)
}

func (c *AriesClient) Jstop(ctx context.Context, job string) (map[string]any, error) {
	var out map[string]any
	err := c.issue(ctx, "jstop", map[string]any{"job": job}, &out)
	return out, err
}

func (c *AriesClient) Jdelete(ctx context.Context, job string) (map[string]any, error) {
	var out map[string]any
	err := c.issue(ctx, "jdelete", map[string]any{"job": job}, &out)
	return out, err
}

// RunArgs mirrors the run command's argument set.
type RunArgs struct {
	Name        string
	Image       string
	Exec        []string
	NJobs       int
	NGpus       int
	TimeoutSec  int
	Env         map[string]string
	NodeExclude []string
	NodeInclude []string
}

func (c *AriesClient) Run(ctx context.Context, args RunArgs) (map[string]any, error) {
	var out map[string]any
	payload := map[string]any{
		"name":         args.Name,
		"image":        args.Image,
		"exec":         args.Exec,
		"n_jobs":       args.NJobs,
		"n_gpus":       args.NGpus,
		"timeout":      args.TimeoutSec,
		"env":          args.Env,
		"node_exclude": args.NodeExclude,
		"node_include": args.NodeInclude,
	}
	err := c.issue(ctx, "run", payload, &out)
	return out, err
}

func (c *AriesClient) TcpConn(ctx context.Context, container string, port int) (string, error) {
	var out struct {
		Client string `json:"client"`
	}
	err := c.issue(ctx, "tcpconn", map[string]any{"container": container, "port": port}, &out)
	return out.Client, err
}

func (c *AriesClient) TcpSend(ctx context.Context, clientTicket, data string, p int) error {
	return c.issue(ctx, "tcpsend", map[string]any{"client": clientTicket, "d": data, "p": p}, nil)
}

func (c *AriesClient) TcpStop(ctx context.Context, clientTicket string, p int) error {
	return c.issue(ctx, "tcpstop", map[string]any{"client": clientTicket, "p": p}, nil)
}

// TcpFwd2 opens a v2 raw-splice session: central returns a session id, and
// the caller dials {addr-origin}/tcp2/c/{session} as a secondary websocket.
func (c *AriesClient) TcpFwd2(ctx context.Context, container string, port int) (string, error) {
	var out struct {
		Session string `json:"session"`
	}
	err := c.issue(ctx, "tcpfwd2", map[string]any{"container": container, "port": port}, &out)
	return out.Session, err
}

// Origin derives the ws(s):// origin (scheme and host) used to build the
// secondary /tcp2/... dial URL from the primary ws(s):// central address.
func (c *AriesClient) Origin() string {
	addr := c.addr
	addr = strings.TrimPrefix(addr, "wss://")
	addr = strings.TrimPrefix(addr, "ws://")
	if strings.Contains(c.addr, "wss://") {
		return "wss://" + strings.SplitN(addr, "/", 2)[0]
	}
	return "ws://" + strings.SplitN(addr, "/", 2)[0]
}

// FriendlyError renders a *errs.CodeError the way the shell prints errors:
// "[error] <code> <msg>".
func FriendlyError(err error) string {
	if err == nil {
		return ""
	}
	if ce, ok := err.(*errs.CodeError); ok {
		return fmt.Sprintf("[error] %d %s", int(ce.Code), ce.Msg)
	}
	return fmt.Sprintf("[error] %s", err.Error())
}
