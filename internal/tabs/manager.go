package tabs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/copyguard/internal/browser"
	"github.com/Rorqualx/copyguard/internal/config"
	"github.com/Rorqualx/copyguard/internal/detector"
	"github.com/Rorqualx/copyguard/internal/metrics"
	"github.com/Rorqualx/copyguard/internal/security"
	"github.com/Rorqualx/copyguard/internal/types"
)

// PageFactory creates a page for a new tab. release is called once the tab
// is closed and its page has been closed.
type PageFactory func(ctx context.Context) (page Page, release func(), err error)

// PoolFactory creates tab pages in browsers taken from pool. Each tab holds
// one browser until it is closed.
func PoolFactory(pool *browser.Pool, opts browser.PageOptions) PageFactory {
	return func(ctx context.Context) (Page, func(), error) {
		b, err := pool.Acquire(ctx)
		if err != nil {
			return nil, nil, err
		}
		page, err := browser.NewPage(ctx, b, opts)
		if err != nil {
			pool.Release(b)
			return nil, nil, err
		}
		return &rodPage{page: page}, releaser(pool, b), nil
	}
}

func releaser(pool *browser.Pool, b *rod.Browser) func() {
	var once sync.Once
	return func() { once.Do(func() { pool.Release(b) }) }
}

// Manager handles tab lifecycle and idle cleanup.
type Manager struct {
	mu      sync.RWMutex
	tabs    map[string]*Tab
	pending int
	closed  bool

	config  *config.Config
	factory PageFactory
	deps    Deps
	onClose func(tabID string)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a tab manager and starts its idle cleanup routine.
// onClose, if set, is called after a tab is removed.
func NewManager(cfg *config.Config, factory PageFactory, deps Deps, onClose func(tabID string)) *Manager {
	if deps.Detector == (detector.Config{}) {
		deps.Detector = detector.DefaultConfig()
	}
	m := &Manager{
		tabs:    make(map[string]*Tab),
		config:  cfg,
		factory: factory,
		deps:    deps,
		onClose: onClose,
		stopCh:  make(chan struct{}),
	}

	if cfg.TabIdleTTL > 0 && cfg.TabCleanupInterval > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.cleanupRoutine()
		}()
	}

	log.Info().
		Dur("idle_ttl", cfg.TabIdleTTL).
		Dur("cleanup_interval", cfg.TabCleanupInterval).
		Int("max_tabs", cfg.MaxTabs).
		Msg("Tab manager initialized")

	return m
}

// Open creates a tab and navigates it to rawURL. Detection starts once the
// navigation commits.
func (m *Manager) Open(ctx context.Context, rawURL string) (types.TabInfo, error) {
	if rawURL == "" {
		return types.TabInfo{}, types.ErrURLRequired
	}
	if err := security.ValidateTargetURL(rawURL, m.config.AllowLocalTargets); err != nil {
		return types.TabInfo{}, fmt.Errorf("%w: %v", types.ErrInvalidURL, err)
	}

	// Reserve a slot so concurrent opens cannot exceed MaxTabs while pages
	// are being created without the lock.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return types.TabInfo{}, types.ErrBrowserPoolClosed
	}
	if len(m.tabs)+m.pending >= m.config.MaxTabs {
		m.mu.Unlock()
		return types.TabInfo{}, types.ErrTooManyTabs
	}
	m.pending++
	m.mu.Unlock()

	tab, err := m.create(ctx)

	// The tab is registered before navigating: the first detection pass can
	// reach the coordinator, and come back for the tab, before Navigate returns.
	m.mu.Lock()
	m.pending--
	if err == nil {
		if m.closed {
			err = types.ErrBrowserPoolClosed
		} else {
			m.tabs[tab.ID] = tab
		}
	}
	m.mu.Unlock()

	if err != nil {
		if tab != nil {
			tab.close()
		}
		return types.TabInfo{}, err
	}

	if err := m.navigate(ctx, tab, rawURL); err != nil {
		m.mu.Lock()
		owned := m.tabs[tab.ID] == tab
		if owned {
			delete(m.tabs, tab.ID)
		}
		m.mu.Unlock()
		if owned {
			m.closeTab(tab, "failed to open")
			m.publish()
		}
		return types.TabInfo{}, err
	}

	m.publish()
	log.Info().
		Str("tab_id", tab.ID).
		Str("url", security.RedactURL(rawURL)).
		Int("total_tabs", m.Count()).
		Msg("Tab opened")
	return tab.Info(), nil
}

// create builds a tab on a fresh page with its scripts installed.
func (m *Manager) create(ctx context.Context) (*Tab, error) {
	id, err := security.GenerateTabID()
	if err != nil {
		return nil, err
	}
	page, release, err := m.factory(ctx)
	if err != nil {
		return nil, err
	}

	tab := newTab(id, page, m.deps, release)
	return tab, tab.prepare(ctx)
}

func (m *Manager) navigate(ctx context.Context, tab *Tab, rawURL string) error {
	if m.config.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.NavigationTimeout)
		defer cancel()
	}
	return tab.page.Navigate(ctx, rawURL)
}

// RefreshScripts re-registers the new-document scripts of every open tab so
// their next navigation sees the current settings and patterns.
func (m *Manager) RefreshScripts(ctx context.Context) {
	m.mu.RLock()
	tabs := make([]*Tab, 0, len(m.tabs))
	for _, t := range m.tabs {
		tabs = append(tabs, t)
	}
	m.mu.RUnlock()

	for _, tab := range tabs {
		if err := tab.RefreshScripts(ctx); err != nil && !errors.Is(err, types.ErrTabClosed) {
			log.Warn().Err(err).Str("tab_id", tab.ID).Msg("Failed to refresh tab scripts")
		}
	}
}

// Get returns the tab with the given ID and marks it used.
func (m *Manager) Get(id string) (*Tab, error) {
	m.mu.RLock()
	tab, ok := m.tabs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, types.ErrTabNotFound
	}
	tab.Touch()
	return tab, nil
}

// Close closes a tab and returns its browser.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	tab, ok := m.tabs[id]
	if ok {
		delete(m.tabs, id)
	}
	m.mu.Unlock()
	if !ok {
		return types.ErrTabNotFound
	}

	m.closeTab(tab, "closed")
	m.publish()
	return nil
}

func (m *Manager) closeTab(tab *Tab, why string) {
	tab.close()
	if m.onClose != nil {
		m.onClose(tab.ID)
	}
	log.Info().
		Str("tab_id", tab.ID).
		Dur("lifetime", time.Since(tab.CreatedAt)).
		Msgf("Tab %s", why)
}

// List describes every open tab, oldest first.
func (m *Manager) List() []types.TabInfo {
	m.mu.RLock()
	tabs := make([]*Tab, 0, len(m.tabs))
	for _, t := range m.tabs {
		tabs = append(tabs, t)
	}
	m.mu.RUnlock()

	sort.Slice(tabs, func(i, j int) bool {
		if tabs[i].CreatedAt.Equal(tabs[j].CreatedAt) {
			return tabs[i].ID < tabs[j].ID
		}
		return tabs[i].CreatedAt.Before(tabs[j].CreatedAt)
	})
	infos := make([]types.TabInfo, len(tabs))
	for i, t := range tabs {
		infos[i] = t.Info()
	}
	return infos
}

// Count returns the number of open tabs.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tabs)
}

// EnableCopy runs the bypass engine in a tab.
func (m *Manager) EnableCopy(ctx context.Context, tabID string) (types.BypassResult, error) {
	tab, err := m.Get(tabID)
	if err != nil {
		return types.BypassResult{}, err
	}
	return tab.EnableCopy(ctx)
}

// SetIndicator stores a tab's indicator. Unknown tabs are ignored.
func (m *Manager) SetIndicator(tabID string, ind types.Indicator) {
	m.mu.RLock()
	tab, ok := m.tabs[tabID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	tab.SetIndicator(ind)
	m.publish()
}

// Status returns a tab's detection result and detector state.
func (m *Manager) Status(tabID string) (types.DetectionResult, string, error) {
	tab, err := m.Get(tabID)
	if err != nil {
		return types.DetectionResult{}, "", err
	}
	return tab.Status()
}

func (m *Manager) publish() {
	m.mu.RLock()
	open := len(m.tabs)
	blocking := 0
	for _, t := range m.tabs {
		if t.Blocking() {
			blocking++
		}
	}
	m.mu.RUnlock()
	metrics.UpdateTabMetrics(open, blocking)
}

func (m *Manager) cleanupRoutine() {
	ticker := time.NewTicker(m.config.TabCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupIdle()
		case <-m.stopCh:
			return
		}
	}
}

// cleanupIdle closes tabs unused for longer than TabIdleTTL. Tabs are
// collected under the lock and closed after it.
func (m *Manager) cleanupIdle() {
	now := time.Now()

	m.mu.Lock()
	var idle []*Tab
	for id, t := range m.tabs {
		if now.Sub(t.LastUsedTime()) > m.config.TabIdleTTL {
			idle = append(idle, t)
			delete(m.tabs, id)
		}
	}
	remaining := len(m.tabs)
	m.mu.Unlock()

	if len(idle) == 0 {
		return
	}
	m.closeAll(idle, "expired")
	m.publish()

	log.Debug().
		Int("expired_count", len(idle)).
		Int("remaining", remaining).
		Msg("Tab cleanup completed")
}

func (m *Manager) closeAll(tabs []*Tab, why string) {
	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, t := range tabs {
		t := t
		eg.Go(func() error {
			m.closeTab(t, why)
			return nil
		})
	}
	_ = eg.Wait()
}

// Shutdown stops the cleanup routine and closes every tab.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	tabs := make([]*Tab, 0, len(m.tabs))
	for _, t := range m.tabs {
		tabs = append(tabs, t)
	}
	m.tabs = make(map[string]*Tab)
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	m.closeAll(tabs, "closed during shutdown")
	metrics.UpdateTabMetrics(0, 0)
	log.Info().Int("closed", len(tabs)).Msg("Tab manager closed")
	return nil
}
