// Package dockerrt implements runtime.Runtime over the Docker Engine API,
// the one concrete container-runtime backend this module ships. Grounded
// on telepresence's indirect dependency on github.com/docker/docker,
// github.com/docker/go-connections, and github.com/docker/go-units — the
// only pack repo whose dependency graph reaches for a real container
// engine client.
package dockerrt

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ariesdockerd/ariesdockerd/internal/runtime"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"
)

// LabelKey is the opaque label the signed bookkeeping token is stored
// under; scan() reads this key back off every container to rebuild state
// after a daemon restart.
const LabelKey = "ariesdockerd.token"

// BaseShmSizeMB and PerGpuShmSizeMB implement "shm_size scaling with GPU
// count" from §4.5: larger GPU allocations get proportionally larger
// shared memory, since multi-GPU workloads (NCCL etc.) commonly need it.
const (
	BaseShmSizeMB   int64 = 64
	PerGpuShmSizeMB int64 = 256
)

type Client struct {
	cli *client.Client
}

func New() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("dockerrt: creating docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// ShmSize computes the shm_size bytes for a GPU count, per §4.5.
func ShmSize(nGpus int) int64 {
	mb := BaseShmSizeMB + int64(nGpus)*PerGpuShmSizeMB
	return mb * units.MiB
}

// pullIfMissing pulls spec.Image when it isn't already present locally, so
// run_container works against a freshly scheduled node without requiring
// an out-of-band image sync step.
func (c *Client) pullIfMissing(ctx context.Context, image string) error {
	if _, err := c.cli.ImageInspect(ctx, image); err == nil {
		return nil
	}
	rc, err := c.cli.ImagePull(ctx, image, dockerimage.PullOptions{})
	if err != nil {
		return fmt.Errorf("dockerrt: pull %s: %w", image, err)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

func (c *Client) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	if err := c.pullIfMissing(ctx, spec.Image); err != nil {
		return "", err
	}
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	deviceRequests := []container.DeviceRequest(nil)
	if len(spec.GpuIds) > 0 {
		ids := make([]string, len(spec.GpuIds))
		for i, id := range spec.GpuIds {
			ids[i] = strconv.Itoa(id)
		}
		deviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			DeviceIDs:    ids,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	hostCfg := &container.HostConfig{
		DeviceRequests: deviceRequests,
		ShmSize:        ShmSize(len(spec.GpuIds)),
		Resources: container.Resources{
			Ulimits: []*units.Ulimit{{Name: "memlock", Soft: -1, Hard: -1}},
		},
	}
	if spec.HostNet {
		hostCfg.NetworkMode = "host"
	}
	for _, mp := range spec.MountPaths {
		parts := strings.SplitN(mp, ":", 2)
		src := parts[0]
		dst := src
		if len(parts) == 2 {
			dst = parts[1]
		}
		hostCfg.Binds = append(hostCfg.Binds, fmt.Sprintf("%s:%s", src, dst))
	}

	containerCfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Exec,
		Env:    env,
		Labels: map[string]string{LabelKey: spec.Label},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("dockerrt: create: %w", err)
	}
	return resp.ID[:12], nil
}

func (c *Client) Start(ctx context.Context, shortID string) error {
	return c.cli.ContainerStart(ctx, shortID, container.StartOptions{})
}

func (c *Client) Stop(ctx context.Context, shortID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return c.cli.ContainerStop(ctx, shortID, container.StopOptions{Timeout: &secs})
}

func (c *Client) Kill(ctx context.Context, shortID string) error {
	return c.cli.ContainerKill(ctx, shortID, "SIGKILL")
}

func (c *Client) Remove(ctx context.Context, shortID string, force bool) error {
	return c.cli.ContainerRemove(ctx, shortID, container.RemoveOptions{Force: force})
}

func (c *Client) List(ctx context.Context, all bool) ([]runtime.Summary, error) {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, fmt.Errorf("dockerrt: list: %w", err)
	}
	out := make([]runtime.Summary, 0, len(containers))
	for _, ct := range containers {
		out = append(out, runtime.Summary{
			ShortID:   ct.ID[:12],
			Name:      strings.TrimPrefix(firstOrEmpty(ct.Names), "/"),
			Status:    mapStatus(ct.State),
			CreatedAt: time.Unix(ct.Created, 0),
			Label:     ct.Labels[LabelKey],
		})
	}
	return out, nil
}

func (c *Client) Logs(ctx context.Context, shortID string, maxBytes int64) ([]byte, error) {
	rc, err := c.cli.ContainerLogs(ctx, shortID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("dockerrt: logs: %w", err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, rc, maxBytes); err != nil && err != io.EOF {
		return nil, fmt.Errorf("dockerrt: reading logs: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Client) FollowLogs(ctx context.Context, shortID string) (io.ReadCloser, error) {
	return c.cli.ContainerLogs(ctx, shortID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
}

func (c *Client) Pids(ctx context.Context, shortID string) ([]int, error) {
	top, err := c.cli.ContainerTop(ctx, shortID, nil)
	if err != nil {
		return nil, fmt.Errorf("dockerrt: top: %w", err)
	}
	pidCol := -1
	for i, title := range top.Titles {
		if title == "PID" {
			pidCol = i
			break
		}
	}
	if pidCol == -1 {
		return nil, nil
	}
	pids := make([]int, 0, len(top.Processes))
	for _, row := range top.Processes {
		if pidCol >= len(row) {
			continue
		}
		if p, err := strconv.Atoi(row[pidCol]); err == nil {
			pids = append(pids, p)
		}
	}
	return pids, nil
}

func (c *Client) Prune(ctx context.Context) error {
	if _, err := c.cli.ContainersPrune(ctx, filters.Args{}); err != nil {
		return fmt.Errorf("dockerrt: prune containers: %w", err)
	}
	if _, err := c.cli.NetworksPrune(ctx, filters.Args{}); err != nil {
		return fmt.Errorf("dockerrt: prune networks: %w", err)
	}
	if _, err := c.cli.ImagesPrune(ctx, filters.Args{}); err != nil {
		return fmt.Errorf("dockerrt: prune images: %w", err)
	}
	return nil
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

func mapStatus(state string) runtime.Status {
	switch state {
	case "created":
		return runtime.StatusCreated
	case "running":
		return runtime.StatusRunning
	case "exited":
		return runtime.StatusExited
	case "dead":
		return runtime.StatusDead
	default:
		return runtime.Status(state)
	}
}
