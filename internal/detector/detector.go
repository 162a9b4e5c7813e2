// Package detector decides, per page-context, whether copying is blocked or monitored.
//
// A Detector owns one DetectionResult. Probe evidence (CSS, inline handlers,
// the behavioral context-menu probe, the selection probe) is gathered by
// evaluating short scripts in the page. Page-context evidence (listener
// registrations, preventDefault calls) arrives as probe messages. The two are
// kept apart so a recheck can replace probe evidence without discarding
// observed evidence.
package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/Rorqualx/copyguard/internal/metrics"
	"github.com/Rorqualx/copyguard/internal/patterns"
	"github.com/Rorqualx/copyguard/internal/probe"
	"github.com/Rorqualx/copyguard/internal/types"
)

// State is the lifecycle state of a Detector.
type State int32

// Detector states.
const (
	Uninitialized State = iota
	Initializing
	Active
	Destroyed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	case Destroyed:
		return "destroyed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Page evaluates JavaScript function expressions in the page.
type Page interface {
	Eval(ctx context.Context, js string) (gson.JSON, error)
}

// RegistrySource supplies the current pattern registry.
type RegistrySource interface {
	Get() *patterns.Registry
}

// Sink receives the detector's outbound messages for its tab.
type Sink interface {
	Send(ctx context.Context, msg types.Message) error
}

// Installer installs the page-context probe on the current document.
type Installer interface {
	Install(ctx context.Context) (bool, error)
}

// Config holds detector timing.
type Config struct {
	// ReadyTimeout bounds the wait for the DOM to leave "loading".
	ReadyTimeout time.Duration
	// PollInterval is the readyState polling interval.
	PollInterval time.Duration
	// SettleDelay is the wait before re-detecting after an SPA domain change.
	SettleDelay time.Duration
	// PassTimeout bounds a detection pass started from a timer.
	PassTimeout time.Duration
}

// DefaultConfig returns the reference timings.
func DefaultConfig() Config {
	return Config{
		ReadyTimeout: 10 * time.Second,
		PollInterval: 50 * time.Millisecond,
		SettleDelay:  500 * time.Millisecond,
		PassTimeout:  15 * time.Second,
	}
}

// ScheduleFunc runs f after d and returns a function that cancels it.
type ScheduleFunc func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Option configures a Detector.
type Option func(*Detector)

// WithInstaller sets the probe installer used as the injection fallback.
func WithInstaller(i Installer) Option {
	return func(d *Detector) { d.installer = i }
}

// WithConfig overrides the default timings.
func WithConfig(cfg Config) Option {
	return func(d *Detector) { d.cfg = cfg }
}

// WithSchedule replaces time.AfterFunc, for tests.
func WithSchedule(s ScheduleFunc) Option {
	return func(d *Detector) { d.schedule = s }
}

// Detector is the per page-context detection state machine.
type Detector struct {
	page      Page
	patterns  RegistrySource
	sink      Sink
	installer Installer
	cfg       Config
	schedule  ScheduleFunc

	// passMu serializes detection passes.
	passMu sync.Mutex
	// emitMu serializes outbound reports so the latest result is sent last.
	emitMu sync.Mutex

	mu         sync.Mutex
	state      State
	generation uint64
	probed     types.DetectionResult // replaced by rechecks
	observed   types.DetectionResult // set by page messages, cleared only by Reset
	lastSent   types.DetectionResult
	sentFull   bool
	alerted    map[string]bool
	url        string
	title      string
	stopTimer  func() bool
}

// New creates a Detector in the Uninitialized state.
func New(page Page, reg RegistrySource, sink Sink, opts ...Option) *Detector {
	d := &Detector{
		page:     page,
		patterns: reg,
		sink:     sink,
		cfg:      DefaultConfig(),
		schedule: afterFunc,
		alerted:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State returns the current lifecycle state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Status returns the current result and state.
func (d *Detector) Status() (types.DetectionResult, State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current(), d.state
}

// URL returns the URL of the last completed pass.
func (d *Detector) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

// current must be called with d.mu held.
func (d *Detector) current() types.DetectionResult {
	return d.probed.Merge(d.observed)
}

// Start moves Uninitialized to Active: it waits for the DOM to become
// interactive, attempts the probe install, runs every probe, and sends
// DETECTION_COMPLETE. Probe and injection failures are not errors.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != Uninitialized {
		st := d.state
		d.mu.Unlock()
		return fmt.Errorf("detector already started (%s)", st)
	}
	d.state = Initializing
	gen := d.generation
	d.mu.Unlock()

	return d.fullPass(ctx, gen)
}

// Reset starts a new page-context on the same document (an SPA navigation to
// another domain key): every field is cleared, and after the settle delay a
// fresh pass sends a new DETECTION_COMPLETE. Timers of older generations are
// discarded.
func (d *Detector) Reset(ctx context.Context) {
	d.mu.Lock()
	if d.state == Destroyed {
		d.mu.Unlock()
		return
	}
	d.generation++
	gen := d.generation
	d.state = Initializing
	d.probed = types.DetectionResult{}
	d.observed = types.DetectionResult{}
	d.alerted = make(map[string]bool)
	d.sentFull = false
	if d.stopTimer != nil {
		d.stopTimer()
		d.stopTimer = nil
	}
	d.mu.Unlock()

	log.Debug().Uint64("generation", gen).Msg("Detector reset for new page-context")

	stop := d.schedule(d.cfg.SettleDelay, func() {
		passCtx, cancel := context.WithTimeout(ctx, d.cfg.PassTimeout)
		defer cancel()
		if err := d.fullPass(passCtx, gen); err != nil {
			log.Debug().Err(err).Msg("Detection pass after reset did not complete")
		}
	})

	d.mu.Lock()
	if d.generation == gen {
		d.stopTimer = stop
	} else {
		stop()
	}
	d.mu.Unlock()
}

// Destroy moves the detector to Destroyed. Later messages and timers are ignored.
func (d *Detector) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = Destroyed
	d.generation++
	if d.stopTimer != nil {
		d.stopTimer()
		d.stopTimer = nil
	}
}

func (d *Detector) fullPass(ctx context.Context, gen uint64) error {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	if !d.live(gen) {
		return nil
	}

	start := time.Now()
	if err := d.waitInteractive(ctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		log.Debug().Err(err).Msg("Document did not become interactive, detecting anyway")
	}

	if d.installer != nil {
		if ok, err := d.installer.Install(ctx); err != nil || !ok {
			log.Debug().Err(err).Msg("Probe injection unavailable, page-context signals disabled")
		}
	}

	reg := d.patterns.Get()
	var probed types.DetectionResult
	if css, err := d.DetectCSS(ctx); err == nil {
		probed.CSSBlocking = css.Blocking(reg)
	}
	if js, err := d.DetectJS(ctx); err == nil {
		probed.JSBlocking = js.Blocking(reg)
		probed.ContextMenuBlocked = js.Prevented
	}
	if sel, err := d.DetectSelection(ctx); err == nil {
		probed.SelectionBlocked = sel.Blocked
	}
	tracked := d.trackedTypes(ctx)

	var meta pageMeta
	if err := evalInto(ctx, d.page, metaScript, &meta); err != nil {
		d.probeFailed("meta", err)
	}

	d.mu.Lock()
	if d.state == Destroyed || d.generation != gen {
		d.mu.Unlock()
		return nil
	}
	d.probed = probed
	for _, t := range tracked {
		d.observeListener(t)
	}
	d.url = meta.URL
	d.title = meta.Title
	d.state = Active
	res := d.current()
	d.mu.Unlock()

	metrics.ObserveDetectionDuration(time.Since(start))
	d.sendComplete(ctx, gen, meta, res)
	// Messages observed during the pass were folded into res; anything
	// later is delivered as an update.
	d.emitUpdate(ctx)
	return nil
}

func (d *Detector) live(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state != Destroyed && d.generation == gen
}

func (d *Detector) waitInteractive(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ReadyTimeout)
	defer cancel()

	for {
		v, err := d.page.Eval(ctx, `() => document.readyState`)
		if err == nil && v.Str() != "loading" && v.Str() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return err
			}
			return ctx.Err()
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// Recheck re-runs the CSS and JS probes and replaces their fields atomically.
// DETECTION_UPDATE is sent only if the result changed.
func (d *Detector) Recheck(ctx context.Context) bool {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	d.mu.Lock()
	if d.state != Active {
		d.mu.Unlock()
		return false
	}
	gen := d.generation
	d.mu.Unlock()

	reg := d.patterns.Get()
	var css, js, menu bool
	if r, err := d.DetectCSS(ctx); err == nil {
		css = r.Blocking(reg)
	}
	if r, err := d.DetectJS(ctx); err == nil {
		js = r.Blocking(reg)
		menu = r.Prevented
	}

	d.mu.Lock()
	if d.state != Active || d.generation != gen {
		d.mu.Unlock()
		return false
	}
	before := d.current()
	d.probed.CSSBlocking = css
	d.probed.JSBlocking = js
	d.probed.ContextMenuBlocked = menu
	changed := d.current() != before
	d.mu.Unlock()

	metrics.RecordRecheck(changed)
	if changed {
		d.emitUpdate(ctx)
	}
	return changed
}

// HandleMessage applies a page message. Messages received while
// Initializing are folded into the upcoming full report.
func (d *Detector) HandleMessage(ctx context.Context, msg probe.Message) {
	metrics.RecordProbeMessage(string(msg.Kind()))

	var alert *types.EventTrackingDetected

	d.mu.Lock()
	if d.state == Destroyed {
		d.mu.Unlock()
		return
	}
	switch m := msg.(type) {
	case probe.ListenerDetected:
		d.observeListener(m.EventType)
		if isClipboardEvent(m.EventType) && !d.alerted[m.EventType] {
			d.alerted[m.EventType] = true
			alert = &types.EventTrackingDetected{EventType: m.EventType, Target: m.TargetTag}
		}
	case probe.PreventDefaultObserved:
		if m.EventType == "contextmenu" {
			d.observed.ContextMenuBlocked = true
		}
	case probe.StopPropagationObserved:
		log.Debug().Str("event", m.EventType).Msg("Page stopped propagation of a suppressed event")
	case probe.ClipboardHijackObserved:
		log.Debug().Str("action", m.Action).Msg("Page used the clipboard API")
	case probe.ListenersRemoved:
		log.Debug().Int("count", m.Count).Msg("Tracked page listeners removed")
	case probe.MutationObserved:
		// Routed to the monitor by the tab.
	default:
		log.Warn().Str("kind", string(msg.Kind())).Msg("Unhandled probe message")
	}
	d.mu.Unlock()

	if alert != nil {
		if err := d.sink.Send(ctx, *alert); err != nil {
			log.Debug().Err(err).Msg("Dropped tracking alert")
		}
	}
	d.emitUpdate(ctx)
}

// observeListener must be called with d.mu held.
func (d *Detector) observeListener(eventType string) {
	switch eventType {
	case "copy":
		d.observed.CopyTracking = true
	case "paste":
		d.observed.PasteTracking = true
	}
}

func isClipboardEvent(t string) bool {
	return t == "copy" || t == "paste" || t == "cut"
}

func (d *Detector) sendComplete(ctx context.Context, gen uint64, meta pageMeta, res types.DetectionResult) {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	if !d.live(gen) {
		return
	}
	msg := types.DetectionComplete{URL: meta.URL, Title: meta.Title, Results: res}
	if err := d.sink.Send(ctx, msg); err != nil {
		log.Debug().Err(err).Msg("Dropped detection report")
	}

	d.mu.Lock()
	d.lastSent = res
	d.sentFull = true
	d.mu.Unlock()

	sigs := make([]string, 0, 6)
	for _, s := range res.Fired() {
		sigs = append(sigs, string(s))
	}
	metrics.RecordDetection("complete", sigs)
}

// emitUpdate sends the current result if it differs from the last one sent.
func (d *Detector) emitUpdate(ctx context.Context) {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	if d.state != Active || !d.sentFull {
		d.mu.Unlock()
		return
	}
	res := d.current()
	if res == d.lastSent {
		d.mu.Unlock()
		return
	}
	url := d.url
	d.mu.Unlock()

	if err := d.sink.Send(ctx, types.DetectionUpdate{URL: url, Results: res}); err != nil {
		log.Debug().Err(err).Msg("Dropped detection update")
	}

	d.mu.Lock()
	d.lastSent = res
	d.mu.Unlock()
	metrics.RecordDetection("update", nil)
}

// DetectCSS reads computed styles of the root elements, same-origin
// stylesheet declarations, and blocking class usage.
func (d *Detector) DetectCSS(ctx context.Context) (CSSReport, error) {
	var r CSSReport
	if err := evalInto(ctx, d.page, cssScript(d.patterns.Get()), &r); err != nil {
		d.probeFailed("css", err)
		return CSSReport{}, &types.ProbeError{Probe: "css", Err: err}
	}
	if r.SheetsSkipped > 0 {
		log.Debug().Int("sheets", r.SheetsSkipped).Msg("Skipped cross-origin stylesheets")
	}
	return r, nil
}

// DetectJS checks inline handlers on the root elements and runs the
// behavioral context-menu probe.
func (d *Detector) DetectJS(ctx context.Context) (JSReport, error) {
	var r JSReport
	if err := evalInto(ctx, d.page, jsScript(d.patterns.Get()), &r); err != nil {
		d.probeFailed("js", err)
		return JSReport{}, &types.ProbeError{Probe: "js", Err: err}
	}
	if r.ProbeError != "" {
		log.Debug().Str("error", r.ProbeError).Msg("Context menu probe raised")
	}
	return r, nil
}

// DetectSelection selects a known off-screen text and compares the read-back.
func (d *Detector) DetectSelection(ctx context.Context) (SelectionReport, error) {
	var r SelectionReport
	if err := evalInto(ctx, d.page, selectionScript(), &r); err != nil {
		d.probeFailed("selection", err)
		return SelectionReport{}, &types.ProbeError{Probe: "selection", Err: err}
	}
	if r.Unavailable {
		return SelectionReport{Unavailable: true}, nil
	}
	return r, nil
}

// trackedTypes asks the probe which event types it has recorded listeners for.
func (d *Detector) trackedTypes(ctx context.Context) []string {
	var out []string
	if err := evalInto(ctx, d.page, trackedTypesScript(), &out); err != nil {
		d.probeFailed("tracked", err)
		return nil
	}
	return out
}

func (d *Detector) probeFailed(name string, err error) {
	metrics.RecordProbeFailure(name)
	log.Debug().Err(err).Str("probe", name).Msg("Probe failed, treating as no evidence")
}
