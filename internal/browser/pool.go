// Package browser manages the Chromium instances that back copyguard tabs.
//
// The pool launches a fixed number of browsers at startup. A tab acquires one
// browser exclusively for its lifetime and releases it when the tab closes;
// released browsers have their pages closed before they are handed out again.
//
// Lock ordering: mu guards entries and the send side of available. It is never
// held across CDP calls.
package browser

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/copyguard/internal/config"
	"github.com/Rorqualx/copyguard/internal/metrics"
	"github.com/Rorqualx/copyguard/internal/types"
)

const (
	healthCheckInterval = time.Minute
	memoryCheckInterval = 30 * time.Second
	closeTimeout        = 10 * time.Second
	spawnTimeout        = 30 * time.Second
	maxAcquireRetries   = 5
)

// Pool manages a pool of reusable browser instances.
type Pool struct {
	mu        sync.Mutex
	entries   []*browserEntry
	available chan *rod.Browser
	config    *config.Config
	closed    atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	availableCount atomic.Int32
	leaked         atomic.Int32

	// closeWg tracks close goroutines so Close can wait for them.
	closeWg sync.WaitGroup
	// recycleSem bounds concurrent recycles.
	recycleSem chan struct{}

	stats PoolStats
}

type browserEntry struct {
	browser   *rod.Browser
	createdAt time.Time
	useCount  atomic.Int64
}

// PoolStats counts pool operations.
type PoolStats struct {
	Acquired atomic.Int64
	Released atomic.Int64
	Recycled atomic.Int64
	Errors   atomic.Int64
}

// PoolStatsSnapshot is a point-in-time copy of PoolStats.
type PoolStatsSnapshot struct {
	Size      int   `json:"size"`
	Available int   `json:"available"`
	Acquired  int64 `json:"acquired"`
	Released  int64 `json:"released"`
	Recycled  int64 `json:"recycled"`
	Errors    int64 `json:"errors"`
	Leaked    int32 `json:"leakedCloses"`
}

// NewPool launches cfg.BrowserPoolSize browsers and starts the maintenance
// goroutines. It fails, closing whatever was launched, if any browser fails.
func NewPool(cfg *config.Config) (*Pool, error) {
	log.Info().
		Int("pool_size", cfg.BrowserPoolSize).
		Bool("headless", cfg.Headless).
		Str("browser_path", cfg.BrowserPath).
		Msg("Initializing browser pool")

	p := &Pool{
		config:     cfg,
		available:  make(chan *rod.Browser, cfg.BrowserPoolSize),
		entries:    make([]*browserEntry, 0, cfg.BrowserPoolSize),
		stopCh:     make(chan struct{}),
		recycleSem: make(chan struct{}, 4),
	}

	for i := 0; i < cfg.BrowserPoolSize; i++ {
		b, err := p.spawnBrowser(context.Background())
		if err != nil {
			log.Error().Err(err).Int("browser_index", i).Msg("Failed to spawn browser during pool initialization")
			if closeErr := p.Close(); closeErr != nil {
				log.Error().Err(closeErr).Msg("Failed to close pool during cleanup")
			}
			return nil, fmt.Errorf("failed to spawn browser %d: %w", i, err)
		}
		p.entries = append(p.entries, &browserEntry{browser: b, createdAt: time.Now()})
		p.available <- b
		p.availableCount.Add(1)
	}
	p.publish()

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.monitorMemory()
	}()
	go func() {
		defer p.wg.Done()
		p.healthCheckRoutine()
	}()

	log.Info().Int("pool_size", cfg.BrowserPoolSize).Msg("Browser pool initialized")
	return p, nil
}

// createLauncher builds a launcher for one browser process. Launchers are
// single-use.
func (p *Pool) createLauncher() *launcher.Launcher {
	l := launcher.New()

	if p.config.BrowserPath != "" {
		l = l.Bin(p.config.BrowserPath)
	}

	if p.config.Headless {
		l = l.Set("headless", "new")
	} else {
		// rod defaults to headless; headed mode needs an explicit opt-out.
		l = l.Headless(false)
	}

	// Container flags.
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	l = l.Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation").
		Set("disable-features", "Translate,TranslateUI,WebRtcHideLocalIpsWithMdns").
		Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")

	if p.config.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors")
	}

	l = l.Set("accept-lang", "en-US,en;q=0.9").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-search-engine-choice-screen").
		Set("window-size", "1920,1080")

	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("js-flags", "--max-old-space-size=256").
		Set("disable-gpu-sandbox")

	// Pages stay open for a tab's whole lifetime and must keep running
	// observers and timers while not focused.
	l = l.Set("disable-background-timer-throttling").
		Set("disable-backgrounding-occluded-windows").
		Set("disable-renderer-backgrounding")

	if isARM() {
		l = l.Set("disable-gpu-compositing")
	}

	return l
}

func (p *Pool) spawnBrowser(ctx context.Context) (*rod.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Debug().Msg("Spawning new browser instance")

	controlURL, err := p.createLauncher().Context(ctx).Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	if p.config.IgnoreCertErrors {
		if err := b.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("Failed to set IgnoreCertErrors")
		}
	}

	log.Debug().Msg("Browser spawned")
	return b, nil
}

// Acquire takes a healthy browser out of the pool. It waits up to
// BrowserPoolTimeout and gives up after a few unhealthy browsers in a row.
func (p *Pool) Acquire(ctx context.Context) (*rod.Browser, error) {
	if p.closed.Load() {
		return nil, types.ErrBrowserPoolClosed
	}

	timer := time.NewTimer(p.config.BrowserPoolTimeout)
	defer timer.Stop()

	for retry := 0; retry < maxAcquireRetries; retry++ {
		select {
		case b, ok := <-p.available:
			if !ok || p.closed.Load() {
				if b != nil {
					_ = b.Close()
				}
				return nil, types.ErrBrowserPoolClosed
			}
			p.availableCount.Add(-1)
			p.publish()

			if !p.isHealthy(b) {
				log.Warn().Int("retry", retry).Msg("Acquired unhealthy browser, recycling")
				p.stats.Errors.Add(1)
				go p.recycleBrowser(b)
				continue
			}

			p.stats.Acquired.Add(1)
			if e := p.entryFor(b); e != nil {
				e.useCount.Add(1)
			}
			log.Debug().Int32("available", p.availableCount.Load()).Msg("Browser acquired from pool")
			return b, nil

		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", types.ErrContextCanceled, ctx.Err())

		case <-timer.C:
			p.stats.Errors.Add(1)
			return nil, types.NewPoolAcquireError("no browser became available", types.ErrBrowserPoolTimeout)
		}
	}

	p.stats.Errors.Add(1)
	return nil, fmt.Errorf("%w: all browsers unhealthy after %d retries", types.ErrBrowserUnhealthy, maxAcquireRetries)
}

// Release closes the browser's pages and returns it to the pool. It is safe
// to call with nil or after Close.
func (p *Pool) Release(b *rod.Browser) {
	if b == nil {
		return
	}
	if p.closed.Load() {
		if err := b.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing browser during release (pool closed)")
		}
		return
	}
	p.stats.Released.Add(1)

	if err := closePages(b); err != nil {
		log.Warn().Err(err).Msg("Page cleanup failed, recycling browser")
		go p.recycleBrowser(b)
		return
	}

	p.addBrowserToPool(b)
}

func closePages(b *rod.Browser) error {
	pages, err := b.Pages()
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	for _, page := range pages {
		if err := page.Close(); err != nil {
			return fmt.Errorf("close page: %w", err)
		}
	}
	return nil
}

func (p *Pool) isHealthy(b *rod.Browser) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		log.Debug().Err(err).Msg("Browser health check failed: cannot create page")
		return false
	}
	defer func() { _ = page.Close() }()

	if _, err := page.Eval(`() => 1`); err != nil {
		log.Debug().Err(err).Msg("Browser health check failed: cannot evaluate")
		return false
	}
	return true
}

// recycleBrowser closes b and spawns a replacement. It must not be called
// with mu held.
func (p *Pool) recycleBrowser(old *rod.Browser) {
	if p.closed.Load() {
		return
	}
	p.stats.Recycled.Add(1)
	log.Info().Int64("total_recycled", p.stats.Recycled.Load()).Msg("Recycling browser")

	p.closeBrowserWithTimeout(old, closeTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), spawnTimeout)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	fresh, err := p.spawnBrowser(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to spawn replacement browser")
		p.stats.Errors.Add(1)
		p.removeBrowserEntry(old)
		p.publish()
		return
	}

	p.replaceBrowserEntry(old, &browserEntry{browser: fresh, createdAt: time.Now()})
	p.addBrowserToPool(fresh)
}

// closeBrowserWithTimeout returns false when the close did not finish in time;
// the close goroutine is then counted as leaked.
func (p *Pool) closeBrowserWithTimeout(b *rod.Browser, timeout time.Duration) bool {
	done := make(chan struct{})
	p.closeWg.Add(1)
	go func() {
		defer p.closeWg.Done()
		defer close(done)
		if err := b.Close(); err != nil {
			log.Debug().Err(err).Msg("Error closing browser")
		}
	}()

	select {
	case <-done:
		return true
	case <-p.stopCh:
		return false
	case <-time.After(timeout):
		leaked := p.leaked.Add(1)
		p.stats.Errors.Add(1)
		log.Warn().Int32("leaked_count", leaked).Msg("Browser close timed out")
		return false
	}
}

func (p *Pool) addBrowserToPool(b *rod.Browser) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		if err := b.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing browser (pool was closed)")
		}
		return
	}

	select {
	case p.available <- b:
		p.availableCount.Add(1)
	default:
		log.Warn().Msg("Pool is full, closing excess browser")
		if err := b.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing excess browser")
		}
	}
	p.publishLocked()
}

// takeIdle pulls the idle browsers for which stale returns true out of the
// pool and returns them. The rest are put back.
func (p *Pool) takeIdle(stale func(*browserEntry) bool) []*rod.Browser {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil
	}

	var out, keep []*rod.Browser
	n := len(p.available)
	for i := 0; i < n; i++ {
		var b *rod.Browser
		select {
		case b = <-p.available:
		default:
		}
		if b == nil {
			break
		}
		if e := p.entryForLocked(b); e != nil && stale(e) {
			out = append(out, b)
			p.availableCount.Add(-1)
			continue
		}
		keep = append(keep, b)
	}
	for _, b := range keep {
		p.available <- b
	}
	p.publishLocked()
	return out
}

func (p *Pool) monitorMemory() {
	ticker := time.NewTicker(memoryCheckInterval)
	defer ticker.Stop()

	maxBytes := uint64(p.config.MaxMemoryMB) * 1024 * 1024

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			if m.Alloc <= maxBytes {
				continue
			}
			log.Warn().
				Uint64("current_mb", m.Alloc/1024/1024).
				Int("max_mb", p.config.MaxMemoryMB).
				Msg("Memory threshold exceeded, recycling idle browsers")
			p.recycleAll(p.takeIdle(func(*browserEntry) bool { return true }))
		}
	}
}

// healthCheckRoutine recycles idle browsers older than BrowserMaxAge. Browsers
// held by tabs are left alone.
func (p *Pool) healthCheckRoutine() {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			stale := p.takeIdle(func(e *browserEntry) bool {
				return now.Sub(e.createdAt) > p.config.BrowserMaxAge
			})
			if len(stale) > 0 {
				log.Info().Int("count", len(stale)).Msg("Recycling stale browsers")
				p.recycleAll(stale)
			}
		}
	}
}

func (p *Pool) recycleAll(browsers []*rod.Browser) {
	var wg sync.WaitGroup
	for _, b := range browsers {
		wg.Add(1)
		go func(b *rod.Browser) {
			defer wg.Done()
			select {
			case p.recycleSem <- struct{}{}:
				defer func() { <-p.recycleSem }()
				p.recycleBrowser(b)
			case <-p.stopCh:
			}
		}(b)
	}
	wg.Wait()
}

// Size returns the configured pool size.
func (p *Pool) Size() int {
	return p.config.BrowserPoolSize
}

// Available returns the number of idle browsers.
func (p *Pool) Available() int {
	if p.closed.Load() {
		return 0
	}
	return int(p.availableCount.Load())
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStatsSnapshot {
	return PoolStatsSnapshot{
		Size:      p.Size(),
		Available: p.Available(),
		Acquired:  p.stats.Acquired.Load(),
		Released:  p.stats.Released.Load(),
		Recycled:  p.stats.Recycled.Load(),
		Errors:    p.stats.Errors.Load(),
		Leaked:    p.leaked.Load(),
	}
}

// Close shuts down the pool and every browser it launched. It is safe to call
// more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed.Swap(true) {
		p.mu.Unlock()
		return nil
	}
	close(p.available)
	p.mu.Unlock()

	log.Info().Msg("Closing browser pool")
	close(p.stopCh)

	waitTimeout(&p.wg, 30*time.Second, "background goroutines")
	waitTimeout(&p.closeWg, 15*time.Second, "browser close goroutines")

	p.mu.Lock()
	entries := p.entries
	p.entries = nil
	p.mu.Unlock()

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, e := range entries {
		b := e.browser
		eg.Go(func() error {
			if err := b.Close(); err != nil {
				log.Warn().Err(err).Msg("Error closing browser during pool shutdown")
				return err
			}
			return nil
		})
	}
	err := eg.Wait()

	// Drain; these browsers were already closed through entries.
	for range p.available {
	}
	p.availableCount.Store(0)
	metrics.UpdatePoolMetrics(0, 0)

	log.Info().
		Int64("total_acquired", p.stats.Acquired.Load()).
		Int64("total_recycled", p.stats.Recycled.Load()).
		Int64("total_errors", p.stats.Errors.Load()).
		Msg("Browser pool closed")
	return err
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration, what string) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		log.Warn().Str("what", what).Msg("Timeout waiting for shutdown")
	}
}

func (p *Pool) publish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishLocked()
}

func (p *Pool) publishLocked() {
	if p.closed.Load() {
		return
	}
	metrics.UpdatePoolMetrics(len(p.entries), int(p.availableCount.Load()))
}

func (p *Pool) entryFor(b *rod.Browser) *browserEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entryForLocked(b)
}

func (p *Pool) entryForLocked(b *rod.Browser) *browserEntry {
	for _, e := range p.entries {
		if e.browser == b {
			return e
		}
	}
	return nil
}

func (p *Pool) removeBrowserEntry(old *rod.Browser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.entries {
		if e.browser == old {
			last := len(p.entries) - 1
			p.entries[i] = p.entries[last]
			p.entries = p.entries[:last]
			return
		}
	}
}

func (p *Pool) replaceBrowserEntry(old *rod.Browser, fresh *browserEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.entries {
		if e.browser == old {
			p.entries[i] = fresh
			return
		}
	}
	p.entries = append(p.entries, fresh)
}

func isARM() bool {
	return runtime.GOARCH == "arm" || runtime.GOARCH == "arm64"
}
