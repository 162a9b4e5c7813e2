package coordinator

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/copyguard/internal/notify"
	"github.com/Rorqualx/copyguard/internal/report"
	"github.com/Rorqualx/copyguard/internal/types"
)

// evictionBatchSize is how many states are evicted at once when the cap is hit.
const evictionBatchSize = 100

// Start runs the periodic sweep until ctx is done. ctx also bounds
// delayed whitelist dispatches. Start is a no-op after the first call.
func (c *Coordinator) Start(ctx context.Context) {
	c.sweepOnce.Do(func() {
		c.mu.Lock()
		c.baseCtx = ctx
		c.mu.Unlock()

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ticker := time.NewTicker(c.cfg.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					c.Sweep(c.now())
				}
			}
		}()
	})
}

// Wait blocks until the sweep goroutine has exited.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Sweep evicts states older than the retention period and returns how many
// were removed.
func (c *Coordinator) Sweep(now time.Time) int {
	cutoff := now.Add(-c.cfg.Retention)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, st := range c.states {
		if st.Timestamp.Before(cutoff) {
			delete(c.states, key)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Int("remaining", len(c.states)).Msg("Swept stale domain states")
	}
	c.publishGaugesLocked()
	return removed
}

// evictOldestBatchLocked removes the count least recently updated states.
func (c *Coordinator) evictOldestBatchLocked(count int) {
	if count <= 0 || len(c.states) == 0 {
		return
	}
	if len(c.states) <= count {
		for key := range c.states {
			delete(c.states, key)
		}
		return
	}

	type keyTime struct {
		key string
		ts  time.Time
	}
	candidates := make([]keyTime, 0, len(c.states))
	for key, st := range c.states {
		candidates = append(candidates, keyTime{key, st.Timestamp})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ts.Before(candidates[j].ts) })
	for _, kt := range candidates[:count] {
		delete(c.states, kt.key)
	}
	log.Debug().Int("evicted", count).Msg("Domain state cap reached, evicted oldest entries")
}

// Report aggregates recent states into the statistics report.
func (c *Coordinator) Report() types.StatsReport {
	return report.Build(c.States(), c.now(), c.cfg.ReportWindow)
}

// AddToWhitelist normalizes and whitelists a domain. Adding an existing
// entry succeeds without a notification.
func (c *Coordinator) AddToWhitelist(ctx context.Context, raw string) (string, error) {
	d, added, err := c.settings.AddToWhitelist(ctx, raw)
	if err != nil {
		return "", err
	}
	if added {
		c.notify(ctx, notify.Notification{
			Kind:    notify.KindWhitelist,
			Title:   "Added to Whitelist",
			Message: d + " will auto-enable copy functionality",
			Domain:  d,
			Time:    c.now(),
		})
	}
	return d, nil
}

// RemoveFromWhitelist normalizes and removes a domain. Removing an absent
// entry succeeds.
func (c *Coordinator) RemoveFromWhitelist(ctx context.Context, raw string) (string, error) {
	d, _, err := c.settings.RemoveFromWhitelist(ctx, raw)
	return d, err
}
