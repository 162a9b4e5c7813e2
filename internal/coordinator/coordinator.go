// Package coordinator owns process-wide detection state. It correlates tab
// reports by domain key, drives the per-tab indicator, decides when copy is
// enabled automatically, and raises notifications.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/copyguard/internal/domain"
	"github.com/Rorqualx/copyguard/internal/metrics"
	"github.com/Rorqualx/copyguard/internal/notify"
	"github.com/Rorqualx/copyguard/internal/security"
	"github.com/Rorqualx/copyguard/internal/types"
)

// TabController is the tab side of the coordinator: it can enable copy on
// a tab and show the tab's indicator.
type TabController interface {
	EnableCopy(ctx context.Context, tabID string) (types.BypassResult, error)
	SetIndicator(tabID string, ind types.Indicator)
}

// SettingsSource provides the current settings and whitelist mutation.
type SettingsSource interface {
	Get() types.Settings
	AddToWhitelist(ctx context.Context, raw string) (string, bool, error)
	RemoveFromWhitelist(ctx context.Context, raw string) (string, bool, error)
}

// ScheduleFunc runs f after d and returns a function that cancels it.
type ScheduleFunc func(d time.Duration, f func()) (stop func() bool)

// Config holds coordinator timings.
type Config struct {
	WhitelistDelay time.Duration
	Retention      time.Duration
	SweepInterval  time.Duration
	ReportWindow   time.Duration
	MaxStates      int
}

// DefaultConfig returns the reference timings.
func DefaultConfig() Config {
	return Config{
		WhitelistDelay: 500 * time.Millisecond,
		Retention:      7 * 24 * time.Hour,
		SweepInterval:  time.Hour,
		ReportWindow:   24 * time.Hour,
		MaxStates:      10000,
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig overrides timings. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		if cfg.WhitelistDelay > 0 {
			c.cfg.WhitelistDelay = cfg.WhitelistDelay
		}
		if cfg.Retention > 0 {
			c.cfg.Retention = cfg.Retention
		}
		if cfg.SweepInterval > 0 {
			c.cfg.SweepInterval = cfg.SweepInterval
		}
		if cfg.ReportWindow > 0 {
			c.cfg.ReportWindow = cfg.ReportWindow
		}
		if cfg.MaxStates > 0 {
			c.cfg.MaxStates = cfg.MaxStates
		}
	}
}

// WithSchedule replaces time.AfterFunc, for tests.
func WithSchedule(s ScheduleFunc) Option {
	return func(c *Coordinator) { c.schedule = s }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithSpecialDomains sets the multi-tenant host predicate used for domain keys.
func WithSpecialDomains(fn domain.SpecialFunc) Option {
	return func(c *Coordinator) { c.special = fn }
}

// Coordinator is the single writer of DomainState and the tab index.
type Coordinator struct {
	settings SettingsSource
	notifier notify.Notifier
	cfg      Config
	schedule ScheduleFunc
	now      func() time.Time
	special  domain.SpecialFunc

	mu       sync.Mutex
	ctrl     TabController
	baseCtx  context.Context
	states   map[string]types.DomainState
	tabIndex map[string]string
	tabGen   map[string]uint64
	genSeq   uint64
	pending  map[string]func() bool

	sweepOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Coordinator. notifier may be nil.
func New(settings SettingsSource, notifier notify.Notifier, opts ...Option) *Coordinator {
	c := &Coordinator{
		settings: settings,
		notifier: notifier,
		cfg:      DefaultConfig(),
		schedule: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		now:      time.Now,
		baseCtx:  context.Background(),
		states:   make(map[string]types.DomainState),
		tabIndex: make(map[string]string),
		tabGen:   make(map[string]uint64),
		pending:  make(map[string]func() bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attach sets the tab controller used for dispatch and indicators.
func (c *Coordinator) Attach(ctrl TabController) {
	c.mu.Lock()
	c.ctrl = ctrl
	c.mu.Unlock()
}

// actions collects side effects decided under the lock and run after it.
type actions struct {
	indicator     *types.Indicator
	enable        bool
	notifications []notify.Notification
}

// Send handles one message from a tab.
func (c *Coordinator) Send(ctx context.Context, tabID string, msg types.Message) error {
	switch m := msg.(type) {
	case types.DetectionComplete:
		return c.handleReport(ctx, tabID, m.URL, m.Title, m.Results)
	case types.DetectionUpdate:
		return c.handleUpdate(ctx, tabID, m)
	case types.CopyEnabled:
		c.handleCopyEnabled(ctx, tabID, m)
		return nil
	case types.EventTrackingDetected:
		c.handleTracking(ctx, tabID, m)
		return nil
	case nil:
		return fmt.Errorf("%w: nil message", types.ErrUnknownMessage)
	default:
		return fmt.Errorf("%w: %s", types.ErrUnknownMessage, msg.Kind())
	}
}

func (c *Coordinator) handleReport(ctx context.Context, tabID, rawURL, title string, results types.DetectionResult) error {
	info, err := domain.Parse(rawURL, c.special)
	if err != nil {
		log.Warn().Str("tab_id", tabID).Str("url", security.RedactURL(rawURL)).Msg("Dropping report with unparseable URL")
		metrics.RecordRejectedMessage("invalid_url")
		return err
	}

	settings := c.settings.Get()
	whitelisted := settings.IsWhitelisted(info.Host) || settings.IsWhitelisted(info.Key)
	blocking := results.HasBlocking()

	c.mu.Lock()
	c.upsertLocked(types.DomainState{
		DomainKey: info.Key,
		Hostname:  info.Host,
		URL:       rawURL,
		Title:     title,
		Results:   results,
		TabID:     tabID,
		Timestamp: c.now(),
	})
	c.tabIndex[tabID] = info.Key
	c.genSeq++
	gen := c.genSeq
	c.tabGen[tabID] = gen
	if stop, ok := c.pending[tabID]; ok {
		stop()
		delete(c.pending, tabID)
	}

	ind := types.IndicatorFor(results)
	act := actions{indicator: &ind}

	if !whitelisted && blocking {
		act.enable = settings.AutoEnable
		if settings.ShowNotifications {
			act.notifications = append(act.notifications, blockingNotification(title, info, tabID, results, c.now()))
		}
	}
	c.publishGaugesLocked()
	c.mu.Unlock()

	log.Info().
		Str("tab_id", tabID).
		Str("domain", info.Key).
		Bool("blocking", blocking).
		Bool("whitelisted", whitelisted).
		Strs("signatures", signatureNames(results)).
		Msg("Detection report")

	c.run(ctx, tabID, act, "auto_enable")
	if whitelisted {
		c.armWhitelist(tabID, gen)
	}
	return nil
}

func (c *Coordinator) handleUpdate(ctx context.Context, tabID string, m types.DetectionUpdate) error {
	c.mu.Lock()
	key, known := c.tabIndex[tabID]
	st, exists := c.states[key]
	if !known || !exists {
		c.mu.Unlock()
		log.Debug().Str("tab_id", tabID).Msg("Update before report, treating as full report")
		return c.handleReport(ctx, tabID, m.URL, "", m.Results)
	}

	st.Results = m.Results
	st.Timestamp = c.now()
	st.TabID = tabID
	c.states[key] = st
	ind := types.IndicatorFor(m.Results)
	c.publishGaugesLocked()
	c.mu.Unlock()

	c.run(ctx, tabID, actions{indicator: &ind}, "")
	return nil
}

func (c *Coordinator) handleCopyEnabled(ctx context.Context, tabID string, m types.CopyEnabled) {
	if !c.settings.Get().ShowNotifications {
		return
	}
	msg := m.Message
	if msg == "" {
		msg = "Copy restrictions successfully removed!"
	}
	c.notify(ctx, notify.Notification{
		Kind:    notify.KindCopyEnabled,
		Title:   "Copyguard",
		Message: msg,
		Domain:  c.tabDomain(tabID),
		TabID:   tabID,
		Time:    c.now(),
	})
}

func (c *Coordinator) handleTracking(ctx context.Context, tabID string, m types.EventTrackingDetected) {
	if !c.settings.Get().TrackingAlerts {
		return
	}
	c.notify(ctx, notify.Notification{
		Kind:    notify.KindTracking,
		Title:   "Privacy Alert",
		Message: fmt.Sprintf("This page is monitoring %s events", m.EventType),
		Domain:  c.tabDomain(tabID),
		TabID:   tabID,
		Time:    c.now(),
	})
}

// armWhitelist schedules the delayed enable for a whitelisted domain.
// The callback only dispatches if no newer report or close superseded gen.
func (c *Coordinator) armWhitelist(tabID string, gen uint64) {
	stop := c.schedule(c.cfg.WhitelistDelay, func() {
		c.mu.Lock()
		if c.tabGen[tabID] != gen {
			c.mu.Unlock()
			return
		}
		delete(c.pending, tabID)
		ctx := c.baseCtx
		c.mu.Unlock()

		c.run(ctx, tabID, actions{enable: true}, "whitelist")
	})

	c.mu.Lock()
	if c.tabGen[tabID] == gen {
		c.pending[tabID] = stop
	} else {
		stop()
	}
	c.mu.Unlock()
}

// run performs side effects outside the lock.
func (c *Coordinator) run(ctx context.Context, tabID string, act actions, path string) {
	c.mu.Lock()
	ctrl := c.ctrl
	c.mu.Unlock()

	if act.indicator != nil && ctrl != nil {
		ctrl.SetIndicator(tabID, *act.indicator)
	}
	for _, n := range act.notifications {
		c.notify(ctx, n)
	}
	if act.enable {
		c.dispatch(ctx, ctrl, tabID, path)
	}
}

func (c *Coordinator) dispatch(ctx context.Context, ctrl TabController, tabID, path string) {
	metrics.RecordDispatch(path)
	if ctrl == nil {
		log.Warn().Str("tab_id", tabID).Str("path", path).Msg("No tab controller attached, dropping ENABLE_COPY")
		return
	}
	if _, err := ctrl.EnableCopy(ctx, tabID); err != nil {
		log.Warn().Err(err).Str("tab_id", tabID).Str("path", path).Msg("ENABLE_COPY dispatch failed")
		return
	}
	log.Debug().Str("tab_id", tabID).Str("path", path).Msg("ENABLE_COPY dispatched")
}

func (c *Coordinator) notify(ctx context.Context, n notify.Notification) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, n); err != nil {
		log.Warn().Err(err).Str("kind", string(n.Kind)).Msg("Notification not delivered")
	}
}

func (c *Coordinator) tabDomain(tabID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tabIndex[tabID]
}

// CurrentTabState returns the last known state for the domain the tab is on.
func (c *Coordinator) CurrentTabState(tabID string) (types.DomainState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.tabIndex[tabID]
	if !ok {
		return types.DomainState{}, false
	}
	st, ok := c.states[key]
	return st, ok
}

// State returns the state stored under a domain key.
func (c *Coordinator) State(key string) (types.DomainState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[key]
	return st, ok
}

// States returns a snapshot of every stored state.
func (c *Coordinator) States() []types.DomainState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.DomainState, 0, len(c.states))
	for _, st := range c.states {
		out = append(out, st)
	}
	return out
}

// TabClosed forgets the tab and cancels its pending whitelist dispatch.
func (c *Coordinator) TabClosed(tabID string) {
	c.mu.Lock()
	delete(c.tabIndex, tabID)
	if stop, ok := c.pending[tabID]; ok {
		stop()
		delete(c.pending, tabID)
	}
	delete(c.tabGen, tabID)
	c.publishGaugesLocked()
	c.mu.Unlock()
}

func (c *Coordinator) upsertLocked(st types.DomainState) {
	if _, exists := c.states[st.DomainKey]; !exists && len(c.states) >= c.cfg.MaxStates {
		c.evictOldestBatchLocked(evictionBatchSize)
	}
	c.states[st.DomainKey] = st
}

func (c *Coordinator) publishGaugesLocked() {
	metrics.UpdateDomainStates(len(c.states))
}

func blockingNotification(title string, info domain.Info, tabID string, r types.DetectionResult, now time.Time) notify.Notification {
	if title == "" {
		title = info.Host
	}
	labels := make([]string, 0, len(types.AllSignatures))
	for _, sig := range r.Fired() {
		labels = append(labels, sig.Label())
	}
	return notify.Notification{
		Kind:    notify.KindBlocking,
		Title:   "Copy Restrictions Detected",
		Message: fmt.Sprintf("%s has: %s", title, strings.Join(labels, ", ")),
		Domain:  info.Key,
		TabID:   tabID,
		Time:    now,
	}
}

func signatureNames(r types.DetectionResult) []string {
	fired := r.Fired()
	out := make([]string, len(fired))
	for i, s := range fired {
		out[i] = string(s)
	}
	return out
}
