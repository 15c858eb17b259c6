// Package runtime defines the daemon's runtime-agnostic container
// interface: the operations a daemon invokes on whatever owns process
// lifecycle, image pulls, and log capture on the node. One concrete
// implementation, runtime/dockerrt, backs it with the Docker Engine API;
// spec.md §1 scopes the runtime's own internals out, this interface is
// exactly the boundary it asks for.
package runtime

import (
	"context"
	"io"
	"time"
)

// Status mirrors ContainerRecord.status.
type Status string

const (
	StatusCreated  Status = "created"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
	StatusDead     Status = "dead"
	StatusRemoved  Status = "removed"
)

// ContainerSpec describes a container to create, including the fields
// run_container must thread through to the runtime: the signed
// bookkeeping label, device request, memlock ulimit, shm sizing, host
// networking, mount paths, and env.
type ContainerSpec struct {
	Name       string
	Image      string
	Exec       []string
	Env        map[string]string
	GpuIds     []int
	Label      string // opaque signed bookkeeping token, base64/JSON
	MountPaths []string
	ShmSizeMB  int64
	HostNet    bool
}

// Summary is the runtime's view of one container, reduced to what
// ContainerRecord needs plus the raw label for scan() to re-verify.
type Summary struct {
	ShortID   string
	Name      string
	Status    Status
	CreatedAt time.Time
	Label     string
}

// Runtime is the operations the daemon needs from a container backend.
type Runtime interface {
	Create(ctx context.Context, spec ContainerSpec) (shortID string, err error)
	Start(ctx context.Context, shortID string) error
	Stop(ctx context.Context, shortID string, timeout time.Duration) error
	Kill(ctx context.Context, shortID string) error
	Remove(ctx context.Context, shortID string, force bool) error
	List(ctx context.Context, all bool) ([]Summary, error)
	Logs(ctx context.Context, shortID string, maxBytes int64) ([]byte, error)
	FollowLogs(ctx context.Context, shortID string) (io.ReadCloser, error)
	// Pids lists host PIDs belonging to shortID, used by kill_container's
	// force path to individually signal-kill every process before the
	// runtime-level force remove.
	Pids(ctx context.Context, shortID string) ([]int, error)
	// Prune removes stopped containers and dangling networks/images, for
	// the daily cleanup loop.
	Prune(ctx context.Context) error
}
