package central

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ariesdockerd/ariesdockerd/internal/errs"
	"github.com/ariesdockerd/ariesdockerd/internal/proto"
	"github.com/ariesdockerd/ariesdockerd/internal/schedule"
	"github.com/ariesdockerd/ariesdockerd/internal/token"
	"github.com/ariesdockerd/ariesdockerd/internal/wire"
	"golang.org/x/sync/semaphore"
)

// jobFanoutConcurrency bounds how many containers a jstop/jdelete fan-out
// touches at once, so a job with hundreds of containers doesn't open
// hundreds of simultaneous daemon round-trips.
const jobFanoutConcurrency = 16

type connStateKey struct{}

// WithConnState attaches the calling connection's *ConnState to ctx so
// handlers can read/mutate authKind without a parallel lookup table.
func WithConnState(ctx context.Context, cs *ConnState) context.Context {
	return context.WithValue(ctx, connStateKey{}, cs)
}

func connStateFrom(ctx context.Context) *ConnState {
	cs, _ := ctx.Value(connStateKey{}).(*ConnState)
	return cs
}

func requireUser(ctx context.Context) (*ConnState, error) {
	cs := connStateFrom(ctx)
	if cs == nil || cs.AuthKind != "user" {
		return nil, errs.New(errs.NoPermission, "requires authKind=user")
	}
	return cs, nil
}

// RegisterClientHandlers wires every user-facing command into d, per §4.4.
// Every command but auth itself is wrapped with an audit record: who ran
// what, with what result, and how long it took.
func RegisterClientHandlers(d *proto.Dispatcher, reg *Registry) {
	d.Register("auth", authHandler(reg))
	d.Register("nodes", auditWrap(reg, "nodes", nodesHandler(reg)))
	d.Register("ps", auditWrap(reg, "ps", psHandler(reg)))
	d.Register("logs", auditWrap(reg, "logs", anySuccessHandler(reg, "get_logs")))
	d.Register("stop", auditWrap(reg, "stop", anySuccessHandler(reg, "stop_container")))
	d.Register("kill", auditWrap(reg, "kill", anySuccessHandler(reg, "kill_container")))
	d.Register("delete", auditWrap(reg, "delete", anySuccessHandler(reg, "remove_container")))
	d.Register("jstop", auditWrap(reg, "jstop", jobFanoutHandler(reg, "stop_container")))
	d.Register("jdelete", auditWrap(reg, "jdelete", jobFanoutHandler(reg, "remove_container")))
	d.Register("run", auditWrap(reg, "run", runHandler(reg)))
}

// auditWrap records one audit.Event per dispatched command, after the
// wrapped handler returns, with the authenticated user (if any), the
// resulting code, and the call's duration.
func auditWrap(reg *Registry, cmd string, h proto.Handler) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		start := time.Now()
		result, respond, err := h(ctx, conn, f)

		user := ""
		if cs := connStateFrom(ctx); cs != nil {
			user = cs.AuthName
		}
		code, msg := 0, ""
		if err != nil {
			ce := errs.As(err)
			code, msg = int(ce.Code), ce.Msg
		}
		reg.audit.LogCommand(context.Background(), cmd, user, f.Ticket, code, msg, time.Since(start))

		return result, respond, err
	}
}

func authHandler(reg *Registry) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		var args struct {
			Token string `json:"token"`
		}
		if err := f.Decode(&args); err != nil {
			return nil, false, errs.New(errs.BadRequestShape, "token must be a string")
		}
		claims, err := reg.Issuer().Verify(args.Token)
		if err != nil {
			return nil, false, err
		}
		cs := connStateFrom(ctx)
		if cs == nil {
			return nil, false, errs.Internal(fmt.Errorf("auth: no connection state in context"))
		}
		switch claims.Kind {
		case token.KindUser:
			cs.AuthKind = "user"
		case token.KindDaemon:
			cs.AuthKind = "daemon"
		}
		cs.AuthName = claims.User
		return map[string]any{"user": claims.User}, true, nil
	}
}

func nodesHandler(reg *Registry) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		if _, err := requireUser(ctx); err != nil {
			return nil, false, err
		}
		results := reg.Broadcast(ctx, "node_info", map[string]any{"include_finalized": false})
		byNode := map[string]json.RawMessage{}
		for name, rf := range results {
			if rf.IsResponse() && *rf.Code == 0 {
				byNode[name] = rf.Fields
			}
		}
		return map[string]any{"nodes": byNode}, true, nil
	}
}

func psHandler(reg *Registry) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		if _, err := requireUser(ctx); err != nil {
			return nil, false, err
		}
		var args struct {
			Filt string `json:"filt"`
		}
		f.Decode(&args)

		results := reg.Broadcast(ctx, "list_containers", map[string]any{})
		_, _, err := Union(results)
		if err != nil {
			return nil, false, err
		}
		merged, err := mergeContainers(results, args.Filt)
		if err != nil {
			return nil, false, err
		}
		return map[string]any{"containers": merged}, true, nil
	}
}

func mergeContainers(results map[string]wire.Frame, filt string) (map[string]any, error) {
	merged := map[string]any{}
	for node, rf := range results {
		if !rf.IsResponse() || *rf.Code != 0 {
			return nil, errs.Newf(errs.DaemonError, "daemon %s: %s", node, rf.Msg)
		}
		var body struct {
			Containers map[string]map[string]any `json:"containers"`
		}
		if err := rf.Decode(&body); err != nil {
			continue
		}
		for shortID, c := range body.Containers {
			c["node"] = node
			if filt != "" && !containerMatches(shortID, c, filt) {
				continue
			}
			merged[shortID] = c
		}
	}
	return merged, nil
}

func containerMatches(shortID string, c map[string]any, filt string) bool {
	if strings.Contains(shortID, filt) {
		return true
	}
	for _, key := range []string{"name", "user"} {
		if s, ok := c[key].(string); ok && strings.Contains(s, filt) {
			return true
		}
	}
	return false
}

// anySuccessHandler builds a passthrough handler for the one-argument,
// container-addressed commands whose daemon reply is aggregated by
// any-success: logs/stop/kill/delete.
func anySuccessHandler(reg *Registry, daemonCmd string) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		if _, err := requireUser(ctx); err != nil {
			return nil, false, err
		}
		var args struct {
			Container string `json:"container"`
		}
		if err := f.Decode(&args); err != nil || args.Container == "" {
			return nil, false, errs.New(errs.BadRequestShape, "container is required")
		}
		results := reg.Broadcast(ctx, daemonCmd, map[string]any{"container": args.Container})
		fields, err := AnySuccess(results)
		if err != nil {
			return nil, false, err
		}
		var out any
		if len(fields) > 0 {
			json.Unmarshal(fields, &out)
		} else {
			out = map[string]any{}
		}
		return out, true, nil
	}
}

// jobFanoutHandler implements jstop/jdelete: expand to every container
// named job-<int> across nodes, then per-container stop/remove, union the
// results.
func jobFanoutHandler(reg *Registry, daemonCmd string) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		if _, err := requireUser(ctx); err != nil {
			return nil, false, err
		}
		var args struct {
			Job string `json:"job"`
		}
		if err := f.Decode(&args); err != nil || args.Job == "" {
			return nil, false, errs.New(errs.BadRequestShape, "job is required")
		}

		lsResults := reg.Broadcast(ctx, "list_containers", map[string]any{})
		containers, err := mergeContainers(lsResults, "")
		if err != nil {
			return nil, false, err
		}
		prefix := args.Job + "-"
		var matched []string
		for shortID, raw := range containers {
			c, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if name, ok := c["name"].(string); ok && strings.HasPrefix(name, prefix) {
				if _, err := strconv.Atoi(strings.TrimPrefix(name, prefix)); err == nil {
					matched = append(matched, shortID)
				}
			}
		}
		if len(matched) == 0 {
			return nil, false, errs.Newf(errs.NoMatchingJob, "no containers matching job %q", args.Job)
		}

		results := map[string]wire.Frame{}
		var mu sync.Mutex
		sem := semaphore.NewWeighted(jobFanoutConcurrency)
		var wg sync.WaitGroup
		for _, shortID := range matched {
			shortID := shortID
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				r := reg.Broadcast(ctx, daemonCmd, map[string]any{"container": shortID})
				mu.Lock()
				for node, rf := range r {
					results[node+":"+shortID] = rf
				}
				mu.Unlock()
			}()
		}
		wg.Wait()
		fields, conflicts, err := Union(results)
		if err != nil {
			return nil, false, err
		}
		_ = conflicts
		var out map[string]any
		json.Unmarshal(fields, &out)
		if out == nil {
			out = map[string]any{}
		}
		out["matched"] = matched
		return out, true, nil
	}
}

type runArgs struct {
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	Exec         []string          `json:"exec"`
	NJobs        int               `json:"n_jobs"`
	NGpus        int               `json:"n_gpus"`
	TimeoutSec   int               `json:"timeout"`
	Env          map[string]string `json:"env"`
	NodeExclude  []string          `json:"node_exclude"`
	NodeInclude  []string          `json:"node_include"`
}

func runHandler(reg *Registry) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		cs, err := requireUser(ctx)
		if err != nil {
			return nil, false, err
		}
		var args runArgs
		if err := f.Decode(&args); err != nil || args.Name == "" || args.Image == "" {
			return nil, false, errs.New(errs.BadRequestShape, "name and image are required")
		}
		nJobs := args.NJobs
		if nJobs <= 0 {
			nJobs = 1
		}

		infoResults := reg.Broadcast(ctx, "node_info", map[string]any{"include_finalized": true})

		candidates := filterNodes(infoResults, args.NodeInclude, args.NodeExclude)
		if len(candidates) == 0 {
			return nil, false, errs.New(errs.AllNodesExcluded, "no candidate nodes remain after node_include/node_exclude")
		}

		names := make([]string, 0, nJobs)
		if args.NJobs <= 0 {
			names = append(names, args.Name)
		} else {
			for i := 0; i < nJobs; i++ {
				names = append(names, fmt.Sprintf("%s-%d", args.Name, i))
			}
		}
		for node, info := range candidates {
			for _, name := range names {
				if containsName(info.Names, name) {
					return nil, false, errs.Newf(errs.ContainerExists, "container %q already exists on node %s", name, node)
				}
			}
		}

		available := map[string][]int{}
		for node, info := range candidates {
			available[node] = append([]int(nil), info.FreeGpuIds...)
		}
		assignments, err := schedule.Schedule(available, nJobs, args.NGpus, rand.New(rand.NewSource(rand.Int63())))
		if err != nil {
			return nil, false, err
		}

		results := map[string]wire.Frame{}
		for i, a := range assignments {
			name := names[i]
			daemon, ok := reg.Daemon(a.Node)
			if !ok {
				return nil, false, errs.Newf(errs.DaemonError, "scheduled node %s disconnected before run_container", a.Node)
			}
			reqArgs := map[string]any{
				"name":    name,
				"gpu_ids": a.GpuIds,
				"image":   args.Image,
				"exec":    args.Exec,
				"user":    cs.AuthName,
				"env":     args.Env,
				"timeout": args.TimeoutSec,
			}
			rf, ierr := daemon.Client.Issue(ctx, "run_container", reqArgs)
			if ierr != nil {
				rf = wire.Failure("", int(errs.DaemonError), "daemon "+a.Node+": "+ierr.Error())
			}
			results[a.Node+":"+name] = rf
		}

		fields, _, err := Union(results)
		if err != nil {
			return nil, false, err
		}
		var out map[string]any
		json.Unmarshal(fields, &out)
		if out == nil {
			out = map[string]any{}
		}
		out["names"] = names
		return out, true, nil
	}
}

type nodeInfo struct {
	FreeGpuIds []int    `json:"free_gpu_ids"`
	Names      []string `json:"names"`
	Ids        []string `json:"ids"`
}

func filterNodes(results map[string]wire.Frame, include, exclude []string) map[string]nodeInfo {
	inc := toSet(include)
	exc := toSet(exclude)
	out := map[string]nodeInfo{}
	for node, rf := range results {
		if !rf.IsResponse() || *rf.Code != 0 {
			continue
		}
		if exc[node] {
			continue
		}
		if len(inc) > 0 && !inc[node] {
			continue
		}
		var info nodeInfo
		rf.Decode(&info)
		out[node] = info
	}
	return out
}

func toSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
