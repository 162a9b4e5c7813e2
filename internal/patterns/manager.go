package patterns

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ReloadStats contains statistics about pattern reloads.
type ReloadStats struct {
	Source         string    `json:"source"`
	LastReloadTime time.Time `json:"lastReloadTime,omitempty"`
	ReloadCount    int64     `json:"reloadCount"`
	LastError      error     `json:"-"`
	LastErrorStr   string    `json:"lastError,omitempty"`
	HotReload      bool      `json:"hotReload"`
}

// Manager provides hot-reload capable pattern management.
// It keeps the embedded registry and optionally watches an external file
// merged over it. Reads are lock-free using atomic.Value.
type Manager struct {
	embedded     *Registry
	current      atomic.Value // *Registry
	externalPath string
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex // Protects reload operations and stats
	stats        ReloadStats
	closed       bool
	onReload     func(*Registry)
}

// NewManager creates a Manager. With an empty externalPath only the embedded
// registry is used. With hotReload the file is watched for changes.
func NewManager(externalPath string, hotReload bool) (*Manager, error) {
	m := &Manager{
		embedded:     Get(),
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}
	m.current.Store(m.embedded)
	m.stats.Source = "embedded"

	if externalPath == "" {
		return m, nil
	}

	if err := m.loadExternal(); err != nil {
		log.Warn().
			Err(err).
			Str("path", externalPath).
			Msg("Failed to load external patterns, using embedded defaults")
	} else {
		log.Info().
			Str("path", externalPath).
			Msg("Loaded external patterns file")
	}

	if hotReload {
		if err := m.startWatcher(); err != nil {
			log.Warn().
				Err(err).
				Str("path", externalPath).
				Msg("Failed to start file watcher, hot-reload disabled")
		} else {
			m.mu.Lock()
			m.stats.HotReload = true
			m.mu.Unlock()
			log.Info().
				Str("path", externalPath).
				Msg("Hot-reload enabled for patterns file")
		}
	}

	return m, nil
}

// Static returns a Manager serving a fixed registry.
func Static(r *Registry) *Manager {
	m := &Manager{
		embedded: r,
		stopCh:   make(chan struct{}),
	}
	m.current.Store(r)
	m.stats.Source = "static"
	return m
}

// Get returns the current Registry.
func (m *Manager) Get() *Registry {
	return m.current.Load().(*Registry)
}

// OnReload registers a callback invoked after each successful reload.
func (m *Manager) OnReload(fn func(*Registry)) {
	m.mu.Lock()
	m.onReload = fn
	m.mu.Unlock()
}

// Reload re-reads the external file. On failure the previous registry stays active.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.externalPath == "" {
		return fmt.Errorf("no external patterns path configured")
	}

	return m.loadExternalLocked()
}

// Stats returns the current reload statistics.
func (m *Manager) Stats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	if stats.LastError != nil {
		stats.LastErrorStr = stats.LastError.Error()
	}
	return stats
}

// Close stops the file watcher. Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) loadExternal() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadExternalLocked()
}

// loadExternalLocked must be called with m.mu held.
func (m *Manager) loadExternalLocked() error {
	data, err := os.ReadFile(m.externalPath)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to read patterns file: %w", err)
	}

	var external Registry
	if err := yaml.Unmarshal(data, &external); err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to parse patterns file: invalid YAML: %w", err)
	}

	merged := m.mergeWithEmbedded(&external)
	if err := merged.index(); err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to parse patterns file: %w", err)
	}
	if err := merged.Validate(); err != nil {
		m.stats.LastError = err
		return fmt.Errorf("invalid patterns file: %w", err)
	}

	m.current.Store(merged)

	m.stats.Source = m.externalPath
	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastError = nil

	log.Info().
		Int64("reload_count", m.stats.ReloadCount).
		Int("site_fixes", len(merged.SiteFixes)).
		Msg("Patterns reloaded")

	if m.onReload != nil {
		m.onReload(merged)
	}
	return nil
}

// mergeWithEmbedded builds a registry where each non-empty external field
// replaces the embedded one.
func (m *Manager) mergeWithEmbedded(external *Registry) *Registry {
	e := m.embedded
	merged := &Registry{
		OverrideStyleID:  pickString(external.OverrideStyleID, e.OverrideStyleID),
		BlockingStyles:   cloneRules(pickRules(external.BlockingStyles, e.BlockingStyles)),
		InlineHandlers:   pick(external.InlineHandlers, e.InlineHandlers),
		BlockingClasses:  pick(external.BlockingClasses, e.BlockingClasses),
		TrackedEvents:    pick(external.TrackedEvents, e.TrackedEvents),
		SuppressedEvents: pick(external.SuppressedEvents, e.SuppressedEvents),
		CaptureEvents:    pick(external.CaptureEvents, e.CaptureEvents),
		SpecialDomains:   pick(external.SpecialDomains, e.SpecialDomains),
		TrackingScripts: TrackingScripts{
			Names:    pick(external.TrackingScripts.Names, e.TrackingScripts.Names),
			Patterns: pick(external.TrackingScripts.Patterns, e.TrackingScripts.Patterns),
		},
	}

	fixes := external.SiteFixes
	if len(fixes) == 0 {
		fixes = e.SiteFixes
	}
	merged.SiteFixes = make([]SiteFix, len(fixes))
	copy(merged.SiteFixes, fixes)

	return merged
}

func pick(external, embedded []string) []string {
	src := external
	if len(src) == 0 {
		src = embedded
	}
	return append([]string(nil), src...)
}

func pickRules(external, embedded []StyleRule) []StyleRule {
	if len(external) > 0 {
		return external
	}
	return embedded
}

func cloneRules(rules []StyleRule) []StyleRule {
	out := make([]StyleRule, len(rules))
	for i, r := range rules {
		out[i] = StyleRule{Property: r.Property, Values: append([]string(nil), r.Values...)}
	}
	return out
}

func pickString(external, embedded string) string {
	if external != "" {
		return external
	}
	return embedded
}

func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(m.externalPath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}

	m.watcher = watcher

	m.wg.Add(1)
	go m.watchFile()

	return nil
}

// watchFile coalesces bursts of write events into one reload.
func (m *Manager) watchFile() {
	defer m.wg.Done()

	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("Patterns file changed")

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				if err := m.Reload(); err != nil {
					log.Warn().
						Err(err).
						Str("path", m.externalPath).
						Msg("Hot-reload failed, keeping previous patterns")
				}
			})

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("File watcher error")

		case <-m.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}
