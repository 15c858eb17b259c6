package daemon

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/ariesdockerd/ariesdockerd/internal/aconfig"
	"github.com/ariesdockerd/ariesdockerd/internal/errs"
	"github.com/ariesdockerd/ariesdockerd/internal/runtime"
)

// Core owns one node's container runtime adapter, GPU inventory, and
// exit archive. Scan and the bookkeep tick run serially under bookkeepMu;
// the record table itself is guarded by mu, which the command handlers
// also take directly when they add or drop a record.
type Core struct {
	NodeName  string
	RT        runtime.Runtime
	Signer    *LabelSigner
	TotalGpus int
	Config    *aconfig.Config
	logger    *slog.Logger

	bookkeepMu sync.Mutex

	mu        sync.RWMutex
	records   map[string]*ContainerRecord // shortID -> record, managed containers only
	removed   map[string]bool             // shortIDs force-killed this run
	exitStore *ExitStore

	followersMu sync.Mutex
	followers   map[string]*logFollower
}

type logFollower struct {
	shortID string
	reader  io.ReadCloser
}

func NewCore(nodeName string, rt runtime.Runtime, signer *LabelSigner, totalGpus int, cfg *aconfig.Config, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{
		NodeName:  nodeName,
		RT:        rt,
		Signer:    signer,
		TotalGpus: totalGpus,
		Config:    cfg,
		logger:    logger,
		records:   make(map[string]*ContainerRecord),
		removed:   make(map[string]bool),
		exitStore: NewExitStore(),
		followers: make(map[string]*logFollower),
	}
}

// FreeGpuIds computes the free device list: all device indices not
// currently assigned to a managed, non-finalized container.
func (c *Core) FreeGpuIds() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	used := map[int]bool{}
	for _, r := range c.records {
		for _, id := range r.GpuIds {
			used[id] = true
		}
	}
	free := make([]int, 0, c.TotalGpus)
	for i := 0; i < c.TotalGpus; i++ {
		if !used[i] {
			free = append(free, i)
		}
	}
	sort.Ints(free)
	return free
}

// Names returns every managed container's name (live + finalized when
// includeFinalized), for node_info and run's ContainerExists check.
func (c *Core) Names(includeFinalized bool) []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.records))
	for _, r := range c.records {
		names = append(names, r.Name)
	}
	c.mu.RUnlock()
	if includeFinalized {
		for _, e := range c.exitStore.All() {
			names = append(names, e.Name)
		}
	}
	return names
}

func (c *Core) Ids(includeFinalized bool) []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.records))
	for id := range c.records {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	if includeFinalized {
		for _, e := range c.exitStore.All() {
			ids = append(ids, e.ShortID)
		}
	}
	return ids
}

func (c *Core) put(r *ContainerRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[r.ShortID] = r
}

func (c *Core) get(shortID string) (*ContainerRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[shortID]
	return r, ok
}

func (c *Core) delete(shortID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, shortID)
}

func (c *Core) all() []*ContainerRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*ContainerRecord, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r)
	}
	return out
}

// resolve implements the ambiguity rule: container matches by exact
// shortId prefix OR exact name. Zero matches is NotFound (or left to the
// runtime layer by the caller); two or more is Ambiguous.
func (c *Core) resolve(container string) (*ContainerRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var matches []*ContainerRecord
	for id, r := range c.records {
		if id == container || r.Name == container || (len(container) > 0 && len(id) >= len(container) && id[:len(container)] == container) {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return nil, errs.New(errs.NotFound, "no container matching "+container)
	case 1:
		return matches[0], nil
	default:
		return nil, errs.New(errs.Ambiguous, "multiple containers match "+container)
	}
}

func (c *Core) ExitStore() *ExitStore { return c.exitStore }

// Scan enumerates every runtime container whose opaque label verifies
// under the shared secret, rebuilding in-memory records. This is the
// daemon's only boot recovery path and the only trust boundary between
// the daemon and the runtime state it inherits on restart; invalid tokens
// are logged and skipped, never trusted.
func (c *Core) Scan(ctx context.Context) error {
	summaries, err := c.RT.List(ctx, true)
	if err != nil {
		return errs.Internal(err)
	}

	c.bookkeepMu.Lock()
	defer c.bookkeepMu.Unlock()

	fresh := make(map[string]*ContainerRecord, len(summaries))
	for _, s := range summaries {
		if s.Label == "" {
			continue
		}
		info, err := c.Signer.Verify(s.Label)
		if err != nil {
			c.logger.Warn("daemon: skipping container with unverifiable label", "shortId", s.ShortID, "err", err)
			continue
		}
		status := Status(s.Status)
		if c.isRemoved(s.ShortID) {
			status = StatusRemoved
		}
		fresh[s.ShortID] = &ContainerRecord{
			ShortID:        s.ShortID,
			Name:           s.Name,
			User:           info.User,
			GpuIds:         info.GpuIds,
			Status:         status,
			CreatedAt:      s.CreatedAt,
			TimeoutSeconds: info.Timeout,
			SchemaVersion:  currentSchemaVersion,
		}
	}

	c.mu.Lock()
	c.records = fresh
	c.mu.Unlock()
	return nil
}

func (c *Core) markRemoved(shortID string) {
	c.mu.Lock()
	c.removed[shortID] = true
	c.mu.Unlock()
}

func (c *Core) isRemoved(shortID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.removed[shortID]
}
