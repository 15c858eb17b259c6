package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ariesdockerd/ariesdockerd/internal/errs"
	"github.com/ariesdockerd/ariesdockerd/internal/proto"
	"github.com/ariesdockerd/ariesdockerd/internal/runtime"
	"github.com/ariesdockerd/ariesdockerd/internal/wire"
	"github.com/google/uuid"
)

// RegisterHandlers wires every callee-side command the daemon exposes to
// central, per §4.5.
func RegisterHandlers(d *proto.Dispatcher, c *Core) {
	d.Register("node_info", nodeInfoHandler(c))
	d.Register("run_container", runContainerHandler(c))
	d.Register("list_containers", listContainersHandler(c))
	d.Register("get_logs", getLogsHandler(c))
	d.Register("follow_logs", followLogsHandler(c))
	d.Register("poll_logs", pollLogsHandler(c))
	d.Register("stop_container", stopContainerHandler(c))
	d.Register("kill_container", killContainerHandler(c))
	d.Register("remove_container", removeContainerHandler(c))
	d.Register("scan", scanHandler(c))
}

func nodeInfoHandler(c *Core) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		var args struct {
			IncludeFinalized bool `json:"include_finalized"`
		}
		f.Decode(&args)
		return map[string]any{
			"free_gpu_ids": c.FreeGpuIds(),
			"names":        c.Names(args.IncludeFinalized),
			"ids":          c.Ids(args.IncludeFinalized),
		}, true, nil
	}
}

type runContainerArgs struct {
	Name    string            `json:"name"`
	GpuIds  []int             `json:"gpu_ids"`
	Image   string            `json:"image"`
	Exec    []string          `json:"exec"`
	User    string            `json:"user"`
	Env     map[string]string `json:"env"`
	Timeout int               `json:"timeout"`
}

func runContainerHandler(c *Core) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		var args runContainerArgs
		if err := f.Decode(&args); err != nil || args.Name == "" || args.Image == "" {
			return nil, false, errs.New(errs.BadRequestShape, "name and image are required")
		}
		for _, name := range c.Names(true) {
			if name == args.Name {
				return nil, false, errs.Newf(errs.ContainerExists, "container %q already exists", args.Name)
			}
		}
		free := c.FreeGpuIds()
		freeSet := map[int]bool{}
		for _, id := range free {
			freeSet[id] = true
		}
		for _, id := range args.GpuIds {
			if !freeSet[id] {
				return nil, false, errs.Newf(errs.Unschedulable, "gpu %d is not free on this node", id)
			}
		}

		label, err := c.Signer.Sign(BookkeepInfo{GpuIds: args.GpuIds, User: args.User, Timeout: args.Timeout})
		if err != nil {
			return nil, false, errs.Internal(err)
		}

		spec := runtime.ContainerSpec{
			Name:       args.Name,
			Image:      args.Image,
			Exec:       args.Exec,
			Env:        args.Env,
			GpuIds:     args.GpuIds,
			Label:      label,
			MountPaths: mountPaths(c),
			HostNet:    true,
		}
		shortID, err := c.RT.Create(ctx, spec)
		if err != nil {
			return nil, false, errs.Internal(err)
		}
		if err := c.RT.Start(ctx, shortID); err != nil {
			return nil, false, errs.Internal(err)
		}

		c.put(&ContainerRecord{
			ShortID:        shortID,
			Name:           args.Name,
			User:           args.User,
			GpuIds:         args.GpuIds,
			Status:         StatusRunning,
			CreatedAt:      time.Now(),
			TimeoutSeconds: args.Timeout,
			SchemaVersion:  currentSchemaVersion,
		})
		return map[string]any{"short_id": shortID}, true, nil
	}
}

func mountPaths(c *Core) []string {
	if c.Config == nil {
		return nil
	}
	return c.Config.MountPaths
}

func listContainersHandler(c *Core) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		containers := map[string]any{}
		for _, r := range c.all() {
			containers[r.ShortID] = map[string]any{
				"gpu_ids": r.GpuIds,
				"name":    r.Name,
				"user":    r.User,
				"status":  string(r.Status),
			}
		}
		for _, e := range c.exitStore.All() {
			containers[e.ShortID] = map[string]any{
				"gpu_ids": []int{},
				"name":    e.Name,
				"user":    e.User,
				"status":  string(StatusFinalized),
			}
		}
		return map[string]any{"containers": containers}, true, nil
	}
}

func getLogsHandler(c *Core) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		var args struct {
			Container string `json:"container"`
		}
		if err := f.Decode(&args); err != nil || args.Container == "" {
			return nil, false, errs.New(errs.BadRequestShape, "container is required")
		}
		r, err := c.resolve(args.Container)
		if err == nil {
			logs, lerr := c.RT.Logs(ctx, r.ShortID, exitLogTruncateBytes)
			if lerr != nil {
				return nil, false, errs.Internal(lerr)
			}
			return map[string]any{"logs": sanitizeUTF8(logs)}, true, nil
		}
		if ce, ok := err.(*errs.CodeError); ok && ce.Code == errs.Ambiguous {
			return nil, false, err
		}
		// fall back to ExitStore by shortId or name
		for _, e := range c.exitStore.All() {
			if e.ShortID == args.Container || e.Name == args.Container {
				return map[string]any{"logs": sanitizeUTF8(e.LogsSnapshot)}, true, nil
			}
		}
		return nil, false, errs.New(errs.NotFound, "no container matching "+args.Container)
	}
}

func sanitizeUTF8(b []byte) string {
	return string([]rune(string(b)))
}

func followLogsHandler(c *Core) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		var args struct {
			Container string `json:"container"`
		}
		if err := f.Decode(&args); err != nil || args.Container == "" {
			return nil, false, errs.New(errs.BadRequestShape, "container is required")
		}
		r, err := c.resolve(args.Container)
		if err != nil {
			return nil, false, err
		}
		rc, err := c.RT.FollowLogs(ctx, r.ShortID)
		if err != nil {
			return nil, false, errs.Internal(err)
		}
		follower := uuid.NewString()
		c.followersMu.Lock()
		c.followers[follower] = &logFollower{shortID: r.ShortID, reader: rc}
		c.followersMu.Unlock()
		return map[string]any{"follower": follower}, true, nil
	}
}

const (
	pollLogsMaxBytes = 1 << 20
	pollLogsMaxWait  = 1 * time.Second
)

func pollLogsHandler(c *Core) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		var args struct {
			Follower string `json:"follower"`
		}
		if err := f.Decode(&args); err != nil || args.Follower == "" {
			return nil, false, errs.New(errs.BadRequestShape, "follower is required")
		}
		c.followersMu.Lock()
		fl, ok := c.followers[args.Follower]
		c.followersMu.Unlock()
		if !ok {
			return nil, false, errs.New(errs.NotFound, "unknown follower "+args.Follower)
		}

		buf := make([]byte, pollLogsMaxBytes)
		type readResult struct {
			n   int
			err error
		}
		resultCh := make(chan readResult, 1)
		go func() {
			n, err := fl.reader.Read(buf)
			resultCh <- readResult{n, err}
		}()

		select {
		case res := <-resultCh:
			if res.err != nil && res.err != io.EOF {
				return nil, false, errs.Internal(res.err)
			}
			return map[string]any{"logs": sanitizeUTF8(buf[:res.n])}, true, nil
		case <-time.After(pollLogsMaxWait):
			return map[string]any{"logs": ""}, true, nil
		}
	}
}

func stopContainerHandler(c *Core) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		var args struct {
			Container string `json:"container"`
		}
		if err := f.Decode(&args); err != nil || args.Container == "" {
			return nil, false, errs.New(errs.BadRequestShape, "container is required")
		}
		r, err := c.resolve(args.Container)
		if err != nil {
			return nil, false, err
		}
		if r.Status == StatusFinalized || r.Status == StatusRemoved {
			return nil, false, errs.New(errs.AlreadyStopped, "container already stopped")
		}
		if err := c.RT.Stop(ctx, r.ShortID, 10*time.Second); err != nil {
			return nil, false, errs.Internal(err)
		}
		return map[string]any{}, true, nil
	}
}

func killContainerHandler(c *Core) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		var args struct {
			Container string `json:"container"`
		}
		if err := f.Decode(&args); err != nil || args.Container == "" {
			return nil, false, errs.New(errs.BadRequestShape, "container is required")
		}
		r, err := c.resolve(args.Container)
		if err != nil {
			return nil, false, err
		}
		pids, _ := c.RT.Pids(ctx, r.ShortID)
		c.logger.Info("daemon: kill_container enumerated pids", "shortId", r.ShortID, "pids", pids)
		for _, pid := range pids {
			if p, perr := os.FindProcess(pid); perr == nil {
				p.Kill()
			}
		}
		if err := c.RT.Kill(ctx, r.ShortID); err != nil {
			return nil, false, errs.Internal(err)
		}
		if err := c.RT.Remove(ctx, r.ShortID, true); err != nil {
			return nil, false, errs.Internal(err)
		}
		c.markRemoved(r.ShortID)
		c.delete(r.ShortID)
		return map[string]any{}, true, nil
	}
}

func removeContainerHandler(c *Core) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		var args struct {
			Container string `json:"container"`
		}
		if err := f.Decode(&args); err != nil || args.Container == "" {
			return nil, false, errs.New(errs.BadRequestShape, "container is required")
		}
		var match *ExitEntry
		for _, e := range c.exitStore.All() {
			if e.ShortID == args.Container || e.Name == args.Container {
				match = e
				break
			}
		}
		if match == nil {
			return nil, false, errs.New(errs.NotFinalized, fmt.Sprintf("container %q is not finalized", args.Container))
		}
		c.exitStore.Delete(match.ShortID)
		return map[string]any{}, true, nil
	}
}

// scanHandler exposes scan as an internal diagnostic, gated the same as any
// other daemon-side command (the connection must already be authenticated
// daemon<->central; there's no separate client path to it). Central's run
// path does not issue it.
func scanHandler(c *Core) proto.Handler {
	return func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		if err := c.Scan(ctx); err != nil {
			return nil, false, err
		}
		return map[string]any{"containers": len(c.all())}, true, nil
	}
}
