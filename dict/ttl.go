package dict

import (
	"context"
	"log/slog"
	"time"

	"github.com/adeilh/go-durable/backend"
)

// removeExpiredLocked is the supervisor's Remove callback; mu is held.
func (c *Dict[T]) removeExpiredLocked(keys []string) {
	for _, k := range keys {
		delete(c.data, k)
	}
	c.version++
}

// sweep evicts expired entries and schedules their deletion from the
// backend. It is a no-op when no TTL is configured.
func (c *Dict[T]) sweep(ctx context.Context) {
	if c.evict == nil {
		return
	}
	expired := c.evict.Sweep()
	if len(expired) == 0 {
		return
	}
	c.metrics.Evicted(c.name, len(expired))
	c.log.LogAttrs(ctx, slog.LevelDebug, "dict: evicted", slog.Int("keys", len(expired)))
	c.deleteExpired(expired)
}

// deleteExpired removes evicted keys from the backend in the background.
// Backends that cannot delete single keys drop them on the next flush.
func (c *Dict[T]) deleteExpired(keys []string) {
	deleter, ok := c.backend.(backend.Deleter)
	if !ok {
		return
	}
	accepted := c.work.Go(func(ctx context.Context) {
		if c.deletes != nil {
			if err := c.deletes.Wait(ctx); err != nil {
				c.log.LogAttrs(ctx, slog.LevelWarn, "dict: eviction delete dropped",
					slog.Int("keys", len(keys)),
					slog.Any("error", err),
				)
				return
			}
		}

		// Deletes are serialized with saves. A key written again since its
		// eviction is left to the next flush.
		c.flushMu.Lock()
		defer c.flushMu.Unlock()
		gone := c.stillEvicted(keys)
		if len(gone) == 0 {
			return
		}
		// Failures reach subscribers through the executor.
		_ = c.retry.Run(ctx, OpEvict, func(ctx context.Context) error {
			return deleter.Delete(ctx, c.name, gone...)
		})
	})
	if !accepted {
		c.log.Warn("dict: eviction delete dropped, container disposed", slog.Int("keys", len(keys)))
	}
}

// stillEvicted returns the keys that have not been written again.
func (c *Dict[T]) stillEvicted(keys []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	gone := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := c.data[k]; !ok {
			gone = append(gone, k)
		}
	}
	return gone
}

// startSweeper runs periodic sweeps until Dispose.
func (c *Dict[T]) startSweeper() {
	if c.evict == nil || c.opts.SweepInterval <= 0 {
		return
	}
	c.work.Go(func(ctx context.Context) {
		t := time.NewTicker(c.opts.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-t.C:
				c.sweep(ctx)
			}
		}
	})
}
