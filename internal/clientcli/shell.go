package clientcli

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/coder/websocket"
)

// Shell is the interactive line-oriented client described by the external
// interfaces section: one command per line, persisted config + history
// under ~/.aries.
type Shell struct {
	client *AriesClient
	out    io.Writer
	cfg    *Config
}

func NewShell(cfg *Config, out io.Writer) *Shell {
	return &Shell{client: NewAriesClient(cfg.Addr, cfg.Token), cfg: cfg, out: out}
}

// Run reads lines from in until EOF or `q`, dispatching each to its
// handler. It appends every non-empty line to ~/.aries/history.
func (s *Shell) Run(ctx context.Context, in io.Reader) error {
	if err := s.client.Connect(ctx); err != nil {
		return err
	}
	defer s.client.Close()

	historyFile, _ := os.OpenFile(HistoryPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if historyFile != nil {
		defer historyFile.Close()
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if historyFile != nil {
			fmt.Fprintln(historyFile, line)
		}
		if line == "q" {
			return nil
		}
		if err := s.Dispatch(ctx, line); err != nil {
			fmt.Fprintln(s.out, FriendlyError(err))
		}
	}
	return scanner.Err()
}

// RunOnce connects, executes a single command line, and disconnects —
// used by `client -c '<line>'` for scripted/non-interactive invocation.
func (s *Shell) RunOnce(ctx context.Context, line string) error {
	if err := s.client.Connect(ctx); err != nil {
		return err
	}
	defer s.client.Close()
	return s.Dispatch(ctx, line)
}

// Dispatch parses and executes one command line, per the client grammar.
func (s *Shell) Dispatch(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "nodes":
		return s.cmdNodes(ctx, args)
	case "ps":
		return s.cmdPs(ctx, args)
	case "logs":
		return s.cmdLogs(ctx, args)
	case "stop":
		return s.cmdStopKill(ctx, args, s.client.Stop)
	case "kill":
		return s.cmdStopKill(ctx, args, s.client.Kill)
	case "delete":
		return s.cmdDelete(ctx, args)
	case "jstop":
		return s.cmdJobFanout(ctx, args, s.client.Jstop)
	case "jdelete":
		return s.cmdJobFanout(ctx, args, s.client.Jdelete)
	case "portfwd":
		return s.cmdPortfwd(ctx, args)
	case "reconnect":
		s.client.Close()
		return s.client.Connect(ctx)
	case "source":
		return s.cmdSource(ctx, args)
	case "run":
		return s.cmdRun(ctx, args)
	default:
		fmt.Fprintf(s.out, "unknown command: %s\n", cmd)
		return nil
	}
}

func (s *Shell) cmdNodes(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("nodes", flag.ContinueOnError)
	jsonOut := fs.Bool("j", false, "json output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	nodes, err := s.client.Nodes(ctx)
	if err != nil {
		return err
	}
	if *jsonOut {
		fmt.Fprintln(s.out, toJSON(nodes))
		return nil
	}
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(s.out, "%s\t%v\n", name, nodes[name])
	}
	return nil
}

func (s *Shell) cmdPs(ctx context.Context, args []string) error {
	filt := ""
	if len(args) > 0 {
		filt = args[0]
	}
	containers, err := s.client.Ps(ctx, filt)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(containers))
	for id := range containers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(s.out, "%s\t%v\n", id, containers[id])
	}
	return nil
}

func (s *Shell) cmdLogs(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	outFile := fs.String("o", "", "write logs to file")
	follow := fs.Bool("f", false, "follow (not yet streaming; fetches current snapshot)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: logs <container> [-o file] [-f]")
	}
	logs, err := s.client.Logs(ctx, rest[0])
	if err != nil {
		return err
	}
	_ = follow
	if *outFile != "" {
		return os.WriteFile(*outFile, []byte(logs), 0o644)
	}
	fmt.Fprint(s.out, logs)
	return nil
}

func (s *Shell) cmdStopKill(ctx context.Context, args []string, fn func(context.Context, string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: <container>")
	}
	return fn(ctx, args[0])
}

func (s *Shell) cmdDelete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: delete <container>")
	}
	return s.client.Delete(ctx, args[0])
}

func (s *Shell) cmdJobFanout(ctx context.Context, args []string, fn func(context.Context, string) (map[string]any, error)) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: <job>")
	}
	out, err := fn(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, toJSON(out))
	return nil
}

func (s *Shell) cmdSource(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: source <file>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "q" {
			continue
		}
		if err := s.Dispatch(ctx, line); err != nil {
			fmt.Fprintln(s.out, FriendlyError(err))
		}
	}
	return nil
}

func (s *Shell) cmdRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	nJobs := fs.Int("j", 1, "number of jobs")
	nGpus := fs.Int("g", 0, "gpus per job")
	timeout := fs.Int("t", 0, "timeout seconds")
	var envs, excl, incl multiFlag
	fs.Var(&envs, "e", "env K=V, repeatable")
	fs.Var(&excl, "x", "excluded node, repeatable")
	fs.Var(&incl, "n", "included node, repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return fmt.Errorf("usage: run [-j N] [-g G] [-t sec] [-e K=V] [-x excl] [-n incl] <name> <image> <cmd...>")
	}
	env := map[string]string{}
	for _, kv := range envs {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			env[parts[0]] = parts[1]
		}
	}
	out, err := s.client.Run(ctx, RunArgs{
		Name:        rest[0],
		Image:       rest[1],
		Exec:        rest[2:],
		NJobs:       *nJobs,
		NGpus:       *nGpus,
		TimeoutSec:  *timeout,
		Env:         env,
		NodeExclude: excl,
		NodeInclude: incl,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, toJSON(out))
	return nil
}

// cmdPortfwd implements `portfwd <container> <port[:local]>` via the v2
// raw-splice path: a local listener accepts one or more connections, and
// for each, opens a session and dials the secondary websocket leg.
func (s *Shell) cmdPortfwd(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: portfwd <container> <port[:local]>")
	}
	container := args[0]
	remotePort, localPort, err := parsePortSpec(args[1])
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "portfwd: listening on 127.0.0.1:%d -> %s:%d\n", localPort, container, remotePort)

	go func() {
		defer ln.Close()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.servePortfwdConn(ctx, conn, container, remotePort)
		}
	}()
	return nil
}

func (s *Shell) servePortfwdConn(ctx context.Context, local net.Conn, container string, remotePort int) {
	defer local.Close()
	session, err := s.client.TcpFwd2(ctx, container, remotePort)
	if err != nil {
		fmt.Fprintln(s.out, FriendlyError(err))
		return
	}
	url := strings.TrimRight(s.client.Origin(), "/") + "/tcp2/c/" + session
	wsConn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		fmt.Fprintln(s.out, FriendlyError(err))
		return
	}
	remote := websocket.NetConn(ctx, wsConn, websocket.MessageBinary)
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(remote, local); done <- struct{}{} }()
	go func() { io.Copy(local, remote); done <- struct{}{} }()
	<-done
}

func parsePortSpec(spec string) (remote, local int, err error) {
	parts := strings.SplitN(spec, ":", 2)
	remote, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port %q", spec)
	}
	if len(parts) == 2 {
		local, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid local port %q", spec)
		}
		return remote, local, nil
	}
	return remote, remote, nil
}

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func toJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
