package daemon

import (
	"context"
	"time"
)

const bookkeepInterval = 10 * time.Second

// RunBookkeepLoop runs the bookkeep tick every 10s until ctx is canceled:
// scan, archive exited containers into ExitStore, and enforce per-container
// timeouts.
func (c *Core) RunBookkeepLoop(ctx context.Context) {
	ticker := time.NewTicker(bookkeepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.bookkeepTick(ctx); err != nil {
				c.logger.Warn("daemon: bookkeep tick failed", "err", err)
			}
		}
	}
}

func (c *Core) bookkeepTick(ctx context.Context) error {
	if err := c.Scan(ctx); err != nil {
		return err
	}

	c.bookkeepMu.Lock()
	defer c.bookkeepMu.Unlock()

	now := time.Now()
	for _, r := range c.all() {
		switch r.Status {
		case StatusExited:
			c.archiveExited(ctx, r)
		default:
			if r.TimeoutSeconds > 0 {
				deadline := r.CreatedAt.Add(time.Duration(r.TimeoutSeconds) * time.Second)
				if now.After(deadline) {
					c.enforceTimeout(ctx, r)
				}
			}
		}
	}
	return nil
}

func (c *Core) archiveExited(ctx context.Context, r *ContainerRecord) {
	logs, err := c.RT.Logs(ctx, r.ShortID, exitLogTruncateBytes)
	if err != nil {
		c.logger.Warn("daemon: failed reading logs before archiving", "shortId", r.ShortID, "err", err)
		logs = nil
	}
	c.exitStore.Put(r.ShortID, r.Name, r.User, logs)
	if err := c.RT.Remove(ctx, r.ShortID, false); err != nil {
		c.logger.Warn("daemon: failed removing exited container", "shortId", r.ShortID, "err", err)
	}
	c.delete(r.ShortID)
}

func (c *Core) enforceTimeout(ctx context.Context, r *ContainerRecord) {
	c.logger.Info("daemon: container exceeded timeout, stopping", "shortId", r.ShortID, "name", r.Name)
	if err := c.RT.Stop(ctx, r.ShortID, 10*time.Second); err != nil {
		c.logger.Warn("daemon: stop failed on timeout, falling back to kill", "shortId", r.ShortID, "err", err)
		if kerr := c.RT.Kill(ctx, r.ShortID); kerr != nil {
			c.logger.Warn("daemon: kill also failed", "shortId", r.ShortID, "err", kerr)
		}
	}
}

const cleanupExpireAfter = 7 * 24 * time.Hour

// RunCleanupLoop runs the daily prune: stopped containers, dangling
// networks/images, and ExitStore entries older than 7 days. next0400
// computes the next local 04:00; tests can exercise cleanupTick directly
// rather than waiting on the clock.
func (c *Core) RunCleanupLoop(ctx context.Context) {
	for {
		wait := time.Until(next0400(time.Now()))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			c.cleanupTick(ctx)
		}
	}
}

func (c *Core) cleanupTick(ctx context.Context) {
	if err := c.RT.Prune(ctx); err != nil {
		c.logger.Warn("daemon: cleanup prune failed", "err", err)
	}
	removed := c.exitStore.ExpireOlderThan(cleanupExpireAfter)
	if removed > 0 {
		c.logger.Info("daemon: cleanup expired exit store entries", "count", removed)
	}
}

func next0400(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), 4, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
