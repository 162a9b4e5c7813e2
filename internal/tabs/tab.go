// Package tabs owns the browser tabs copyguard watches.
//
// A Tab binds one page to one Detector and one Monitor per page-context. Page
// events arrive on the CDP event goroutine; probe messages are queued to a
// per-tab worker so the event loop never waits on page evaluation.
package tabs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/Rorqualx/copyguard/internal/bypass"
	"github.com/Rorqualx/copyguard/internal/detector"
	"github.com/Rorqualx/copyguard/internal/domain"
	"github.com/Rorqualx/copyguard/internal/metrics"
	"github.com/Rorqualx/copyguard/internal/monitor"
	"github.com/Rorqualx/copyguard/internal/patterns"
	"github.com/Rorqualx/copyguard/internal/probe"
	"github.com/Rorqualx/copyguard/internal/security"
	"github.com/Rorqualx/copyguard/internal/types"
)

const inboxSize = 256

// Page is the part of a browser page a Tab drives.
type Page interface {
	probe.Evaluator
	// Install registers the binding and the new-document scripts. A later
	// call replaces the scripts registered by the previous one.
	Install(ctx context.Context, scripts ...string) error
	// Listen delivers page events to h until ctx is done.
	Listen(ctx context.Context, h EventHandler)
	Navigate(ctx context.Context, url string) error
	Close() error
}

// EventHandler receives page events.
type EventHandler interface {
	HandleBinding(name, payload string)
	HandleNavigated(url string)
	HandleSameDocument(url string)
}

// Sender delivers tab messages to the coordinator.
type Sender interface {
	Send(ctx context.Context, tabID string, msg types.Message) error
}

// SettingsReader returns the current settings snapshot.
type SettingsReader interface {
	Get() types.Settings
}

// Deps are the collaborators shared by every tab.
type Deps struct {
	Patterns detector.RegistrySource
	Settings SettingsReader
	Sender   Sender
	Special  domain.SpecialFunc
	Debounce time.Duration
	Detector detector.Config
}

// tabSink addresses detector and bypass output to one tab.
type tabSink struct {
	id     string
	sender Sender
}

func (s tabSink) Send(ctx context.Context, msg types.Message) error {
	if s.sender == nil {
		return nil
	}
	return s.sender.Send(ctx, s.id, msg)
}

// Tab is one watched page.
type Tab struct {
	ID        string
	CreatedAt time.Time
	lastUsed  atomic.Int64

	page    Page
	deps    Deps
	engine  *bypass.Engine
	release func()

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan probe.Message
	wg     sync.WaitGroup

	scriptMu  sync.Mutex
	scriptKey string

	mu        sync.Mutex
	det       *detector.Detector
	mon       *monitor.Monitor
	pageGen   uint64
	url       string
	domainKey string
	indicator types.Indicator
	closed    bool
}

func newTab(id string, page Page, deps Deps, release func()) *Tab {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	t := &Tab{
		ID:        id,
		CreatedAt: now,
		page:      page,
		deps:      deps,
		engine:    bypass.New(tabSink{id: id, sender: deps.Sender}),
		release:   release,
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan probe.Message, inboxSize),
	}
	t.lastUsed.Store(now.UnixNano())

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.work()
	}()
	return t
}

// Touch marks the tab as used.
func (t *Tab) Touch() {
	t.lastUsed.Store(time.Now().UnixNano())
}

// LastUsedTime returns the last time the tab was used through the API.
func (t *Tab) LastUsedTime() time.Time {
	return time.Unix(0, t.lastUsed.Load())
}

// scripts returns the new-document scripts for the current settings.
func (t *Tab) scripts() []string {
	topOnly := !t.deps.Settings.Get().AllFrames
	return []string{
		probe.Script(t.deps.Patterns.Get(), probe.Options{TopOnly: topOnly}),
		monitor.ObserverScript(monitor.Options{TopOnly: topOnly}),
	}
}

// installScripts registers the new-document scripts unless the page already
// holds the same ones.
func (t *Tab) installScripts(ctx context.Context) (bool, error) {
	scripts := t.scripts()
	key := strings.Join(scripts, "\x00")

	t.scriptMu.Lock()
	defer t.scriptMu.Unlock()
	if key == t.scriptKey {
		return false, nil
	}
	if err := t.page.Install(ctx, scripts...); err != nil {
		return false, err
	}
	t.scriptKey = key
	return true, nil
}

// RefreshScripts re-registers the new-document scripts after a settings or
// pattern change. The current document keeps its scripts; the next
// navigation runs the new ones.
func (t *Tab) RefreshScripts(ctx context.Context) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return types.ErrTabClosed
	}
	changed, err := t.installScripts(ctx)
	if changed {
		log.Debug().Str("tab_id", t.ID).Msg("New-document scripts replaced")
	}
	return err
}

// prepare installs the page scripts and starts listening.
func (t *Tab) prepare(ctx context.Context) error {
	if _, err := t.installScripts(ctx); err != nil {
		return err
	}
	t.page.Listen(t.ctx, t)
	return nil
}

// HandleBinding decodes a binding payload and queues it for the worker.
func (t *Tab) HandleBinding(name, payload string) {
	if name != probe.BindingName {
		return
	}
	msg, err := probe.Decode(payload)
	if err != nil {
		reason := "malformed"
		switch {
		case errors.Is(err, types.ErrForeignMessage):
			reason = "foreign"
		case errors.Is(err, types.ErrUnknownMessage):
			reason = "unknown_kind"
		}
		metrics.RecordRejectedMessage(reason)
		log.Debug().Err(err).Str("tab_id", t.ID).Msg("Rejected probe message")
		return
	}

	select {
	case t.inbox <- msg:
	case <-t.ctx.Done():
	default:
		metrics.RecordRejectedMessage("inbox_full")
		log.Warn().Str("tab_id", t.ID).Str("kind", string(msg.Kind())).Msg("Tab inbox full, dropping probe message")
	}
}

func (t *Tab) work() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case msg := <-t.inbox:
			t.mu.Lock()
			det, mon := t.det, t.mon
			t.mu.Unlock()
			if det == nil {
				continue
			}
			if m, ok := msg.(probe.MutationObserved); ok {
				metrics.RecordProbeMessage(string(m.Kind()))
				mon.Observe(m)
				continue
			}
			det.HandleMessage(t.ctx, msg)
		}
	}
}

// HandleNavigated starts a new page-context after a main-frame navigation.
func (t *Tab) HandleNavigated(url string) {
	key, err := domain.Key(url, t.deps.Special)
	if err != nil {
		// about:blank, chrome-error pages and the like have no domain.
		log.Debug().Str("tab_id", t.ID).Str("url", security.RedactURL(url)).Msg("Navigated to a page without a domain")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	oldDet, oldMon := t.det, t.mon
	t.pageGen++
	gen := t.pageGen
	t.url = url
	t.domainKey = key
	t.indicator = types.Indicator{}
	if err != nil {
		t.det, t.mon = nil, nil
	} else {
		t.det, t.mon = t.newContext(gen)
	}
	det := t.det
	if det != nil {
		t.wg.Add(1)
	}
	t.mu.Unlock()

	retire(oldDet, oldMon)
	if det == nil {
		return
	}

	log.Debug().Str("tab_id", t.ID).Str("domain", key).Msg("New page-context")
	go func() {
		defer t.wg.Done()
		passCtx, cancel := context.WithTimeout(t.ctx, t.deps.Detector.ReadyTimeout+t.deps.Detector.PassTimeout)
		defer cancel()
		if err := det.Start(passCtx); err != nil {
			log.Debug().Err(err).Str("tab_id", t.ID).Msg("Detection pass did not complete")
		}
	}()
}

// newContext must be called with t.mu held.
func (t *Tab) newContext(gen uint64) (*detector.Detector, *monitor.Monitor) {
	topOnly := !t.deps.Settings.Get().AllFrames
	det := detector.New(t.page, t.deps.Patterns, tabSink{id: t.ID, sender: t.deps.Sender},
		detector.WithConfig(t.deps.Detector),
		detector.WithInstaller(probe.NewInterceptor(t.page, t.deps.Patterns.Get(), probe.Options{TopOnly: topOnly})),
	)
	mon := monitor.New(t.ctx, det.Recheck,
		monitor.WithWindow(t.deps.Debounce),
		monitor.WithDisconnect(func(ctx context.Context) error {
			// After a navigation the page holds the next context's observer.
			if !t.currentGen(gen) {
				return nil
			}
			_, err := t.page.Eval(ctx, monitor.DisconnectScript())
			return err
		}),
	)
	return det, mon
}

func (t *Tab) currentGen(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.pageGen == gen
}

func retire(det *detector.Detector, mon *monitor.Monitor) {
	if mon != nil {
		if err := mon.Disconnect(context.Background()); err != nil {
			log.Debug().Err(err).Msg("Monitor disconnect failed")
		}
	}
	if det != nil {
		det.Destroy()
	}
}

// HandleSameDocument handles history navigation within the document. A
// change of domain key resets the detector.
func (t *Tab) HandleSameDocument(url string) {
	key, err := domain.Key(url, t.deps.Special)
	if err != nil {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	changed := t.domainKey != "" && key != t.domainKey
	t.url = url
	t.domainKey = key
	det := t.det
	if changed {
		t.indicator = types.Indicator{}
	}
	t.mu.Unlock()

	if changed && det != nil {
		log.Debug().Str("tab_id", t.ID).Str("domain", key).Msg("Domain changed within document, re-detecting")
		det.Reset(t.ctx)
	}
}

// EnableCopy runs the bypass engine on the current document.
func (t *Tab) EnableCopy(ctx context.Context) (types.BypassResult, error) {
	t.mu.Lock()
	closed, url := t.closed, t.url
	t.mu.Unlock()
	if closed {
		return types.BypassResult{}, types.ErrTabClosed
	}

	reg := t.deps.Patterns.Get()
	var fix *patterns.SiteFix
	if t.deps.Settings.Get().ApplySiteFixes {
		if info, err := domain.Parse(url, t.deps.Special); err == nil {
			if f, ok := reg.SiteFixFor(info.Host); ok {
				fix = &f
			}
		}
	}
	return t.engine.EnableCopy(ctx, t.page, reg, fix)
}

// Status returns the detector's current result and state.
func (t *Tab) Status() (types.DetectionResult, string, error) {
	t.mu.Lock()
	det := t.det
	t.mu.Unlock()
	if det == nil {
		return types.DetectionResult{}, detector.Uninitialized.String(), types.ErrTabNotActive
	}
	res, st := det.Status()
	return res, st.String(), nil
}

// SetIndicator stores the tab's indicator.
func (t *Tab) SetIndicator(ind types.Indicator) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.indicator = ind
}

// Info describes the tab.
func (t *Tab) Info() types.TabInfo {
	res, state, _ := t.Status()
	t.mu.Lock()
	defer t.mu.Unlock()
	return types.TabInfo{
		ID:        t.ID,
		URL:       security.RedactURL(t.url),
		DomainKey: t.domainKey,
		Detector:  state,
		Results:   res,
		Indicator: t.indicator,
		CreatedAt: t.CreatedAt.UnixMilli(),
		LastUsed:  t.LastUsedTime().UnixMilli(),
	}
}

// Blocking reports whether the tab's indicator shows blocking.
func (t *Tab) Blocking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.indicator.Blocking
}

// Eval runs js in the tab's current document.
func (t *Tab) Eval(ctx context.Context, js string) (gson.JSON, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return gson.New(nil), types.ErrTabClosed
	}
	return t.page.Eval(ctx, js)
}

// close tears the tab down and returns its browser. Safe to call twice.
func (t *Tab) close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	det, mon := t.det, t.mon
	t.det, t.mon = nil, nil
	t.mu.Unlock()

	retire(det, mon)
	t.cancel()
	t.wg.Wait()

	if err := t.page.Close(); err != nil {
		log.Debug().Err(err).Str("tab_id", t.ID).Msg("Error closing tab page")
	}
	if t.release != nil {
		t.release()
	}
}
