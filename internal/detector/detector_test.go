package detector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ysmood/gson"

	"github.com/Rorqualx/copyguard/internal/patterns"
	"github.com/Rorqualx/copyguard/internal/probe"
	"github.com/Rorqualx/copyguard/internal/types"
)

// fakePage answers probe scripts by their marker comment.
type fakePage struct {
	mu        sync.Mutex
	css       CSSReport
	js        JSReport
	selection SelectionReport
	tracked   []string
	meta      pageMeta
	ready     []string
	errs      map[string]error
	calls     map[string]int
}

func newFakePage() *fakePage {
	return &fakePage{
		meta:  pageMeta{URL: "https://example.com/article", Title: "Example", ReadyState: "complete"},
		errs:  map[string]error{},
		calls: map[string]int{},
		selection: SelectionReport{
			Got: selectionProbeText,
		},
	}
}

func (p *fakePage) Eval(_ context.Context, js string) (gson.JSON, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := "ready"
	for _, marker := range []string{"css", "js", "selection", "tracked", "meta"} {
		if strings.Contains(js, "copyguard:"+marker+" */") {
			name = marker
			break
		}
	}
	p.calls[name]++
	if err := p.errs[name]; err != nil {
		return gson.New(nil), err
	}

	switch name {
	case "css":
		return gson.New(p.css), nil
	case "js":
		return gson.New(p.js), nil
	case "selection":
		return gson.New(p.selection), nil
	case "tracked":
		return gson.New(p.tracked), nil
	case "meta":
		return gson.New(p.meta), nil
	}
	if len(p.ready) > 0 {
		state := p.ready[0]
		p.ready = p.ready[1:]
		return gson.New(state), nil
	}
	return gson.New("complete"), nil
}

func (p *fakePage) set(fn func(p *fakePage)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

type fakeSink struct {
	mu   sync.Mutex
	msgs []types.Message
}

func (s *fakeSink) Send(_ context.Context, msg types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *fakeSink) count(kind types.MessageKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.Kind() == kind {
			n++
		}
	}
	return n
}

func (s *fakeSink) last(kind types.MessageKind) types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if s.msgs[i].Kind() == kind {
			return s.msgs[i]
		}
	}
	return nil
}

type fakeInstaller struct {
	calls int
	err   error
}

func (f *fakeInstaller) Install(context.Context) (bool, error) {
	f.calls++
	return f.err == nil, f.err
}

func syncSchedule(_ time.Duration, f func()) func() bool {
	f()
	return func() bool { return false }
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.ReadyTimeout = time.Second
	return cfg
}

func newTestDetector(page *fakePage, sink *fakeSink, opts ...Option) *Detector {
	opts = append([]Option{WithConfig(fastConfig()), WithSchedule(syncSchedule)}, opts...)
	return New(page, patterns.Static(patterns.Get()), sink, opts...)
}

func bodyUserSelectNone() CSSReport {
	return CSSReport{Computed: []StyleValue{
		{Element: "BODY", Property: "user-select", Value: "none"},
		{Element: "HTML", Property: "user-select", Value: "auto"},
	}}
}

func TestStart_CSSBlockingReport(t *testing.T) {
	page := newFakePage()
	page.css = bodyUserSelectNone()
	sink := &fakeSink{}
	inst := &fakeInstaller{}
	d := newTestDetector(page, sink, WithInstaller(inst))

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if got := sink.count(types.KindDetectionComplete); got != 1 {
		t.Fatalf("DETECTION_COMPLETE sent %d times, want 1", got)
	}
	complete := sink.last(types.KindDetectionComplete).(types.DetectionComplete)
	want := types.DetectionResult{CSSBlocking: true}
	if complete.Results != want {
		t.Errorf("Results = %+v, want %+v", complete.Results, want)
	}
	if !complete.Results.HasBlocking() {
		t.Error("HasBlocking() should be true")
	}
	if complete.URL != "https://example.com/article" || complete.Title != "Example" {
		t.Errorf("URL/Title = %q/%q", complete.URL, complete.Title)
	}
	if d.State() != Active {
		t.Errorf("State() = %s, want active", d.State())
	}
	if inst.calls != 1 {
		t.Errorf("installer called %d times, want 1", inst.calls)
	}
	if sink.count(types.KindDetectionUpdate) != 0 {
		t.Error("no DETECTION_UPDATE expected after the initial report")
	}
}

func TestStart_PointerEventsRuleIsNotBlocking(t *testing.T) {
	page := newFakePage()
	page.css = CSSReport{
		Computed: []StyleValue{
			{Element: "BODY", Property: "user-select", Value: "auto"},
			{Element: "BODY", Property: "pointer-events", Value: "auto"},
			{Element: "HTML", Property: "user-select", Value: "auto"},
		},
		Declarations: []StyleValue{{Property: "pointer-events", Value: "none"}},
	}
	sink := &fakeSink{}
	d := newTestDetector(page, sink)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	complete := sink.last(types.KindDetectionComplete).(types.DetectionComplete)
	if complete.Results.CSSBlocking {
		t.Error("an icon rule with pointer-events:none should not count as CSS blocking")
	}
}

func TestCSSScript_DeclarationScanIsUserSelectOnly(t *testing.T) {
	js := cssScript(patterns.Get())

	var declLine string
	for _, line := range strings.Split(js, "\n") {
		if strings.Contains(line, "const declProps") {
			declLine = line
		}
	}
	if declLine == "" {
		t.Fatal("cssScript has no declaration property list")
	}
	if !strings.Contains(declLine, `"user-select"`) || !strings.Contains(declLine, `"-webkit-user-select"`) {
		t.Errorf("declaration list misses user-select variants: %s", declLine)
	}
	if strings.Contains(declLine, "pointer-events") || strings.Contains(declLine, "touch-callout") {
		t.Errorf("declaration list should hold only user-select variants: %s", declLine)
	}
	if !strings.Contains(js, "for (const p of declProps)") {
		t.Error("stylesheet rules should be scanned with the declaration list")
	}
}

func TestStart_WaitsForInteractive(t *testing.T) {
	page := newFakePage()
	page.ready = []string{"loading", "loading", "interactive"}
	d := newTestDetector(page, &fakeSink{})

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if page.calls["ready"] != 3 {
		t.Errorf("readyState polled %d times, want 3", page.calls["ready"])
	}
}

func TestStart_ProbeFailuresAreNoEvidence(t *testing.T) {
	page := newFakePage()
	page.errs["css"] = errors.New("SecurityError: cross-origin")
	page.js = JSReport{Handlers: []string{"BODY.oncontextmenu"}}
	sink := &fakeSink{}
	inst := &fakeInstaller{err: errors.New("CSP blocked injection")}
	d := newTestDetector(page, sink, WithInstaller(inst))

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	res, st := d.Status()
	if st != Active {
		t.Fatalf("State = %s, want active", st)
	}
	want := types.DetectionResult{JSBlocking: true}
	if res != want {
		t.Errorf("Results = %+v, want %+v", res, want)
	}
	if page.calls["selection"] != 1 {
		t.Error("selection probe should still run after the CSS probe fails")
	}
}

func TestStart_Twice(t *testing.T) {
	d := newTestDetector(newFakePage(), &fakeSink{})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	if err := d.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestStart_ContextMenuAndSelection(t *testing.T) {
	page := newFakePage()
	page.js = JSReport{Prevented: true}
	page.selection = SelectionReport{Blocked: true, Got: ""}
	d := newTestDetector(page, &fakeSink{})

	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	res, _ := d.Status()
	if !res.ContextMenuBlocked || !res.SelectionBlocked {
		t.Errorf("Results = %+v", res)
	}
	if res.CSSBlocking || res.JSBlocking {
		t.Errorf("unexpected CSS/JS blocking: %+v", res)
	}
}

func TestRecheck_NoChangeNoUpdate(t *testing.T) {
	page := newFakePage()
	page.css = bodyUserSelectNone()
	sink := &fakeSink{}
	d := newTestDetector(page, sink)
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if d.Recheck(context.Background()) {
			t.Error("Recheck() reported a change on an unchanged page")
		}
	}
	if n := sink.count(types.KindDetectionUpdate); n != 0 {
		t.Errorf("DETECTION_UPDATE sent %d times, want 0", n)
	}
}

func TestRecheck_ChangeEmitsOneUpdate(t *testing.T) {
	page := newFakePage()
	sink := &fakeSink{}
	d := newTestDetector(page, sink)
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	page.set(func(p *fakePage) {
		p.css = CSSReport{Classes: []string{"no-copy"}}
	})
	if !d.Recheck(context.Background()) {
		t.Fatal("Recheck() should report a change")
	}
	if d.Recheck(context.Background()) {
		t.Error("second Recheck() should be stable")
	}
	if n := sink.count(types.KindDetectionUpdate); n != 1 {
		t.Fatalf("DETECTION_UPDATE sent %d times, want 1", n)
	}
	upd := sink.last(types.KindDetectionUpdate).(types.DetectionUpdate)
	if !upd.Results.CSSBlocking {
		t.Errorf("update Results = %+v", upd.Results)
	}
}

func TestRecheck_ClearsProbeFieldsKeepsObserved(t *testing.T) {
	page := newFakePage()
	page.css = bodyUserSelectNone()
	sink := &fakeSink{}
	d := newTestDetector(page, sink)
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.HandleMessage(context.Background(), probe.ListenerDetected{EventType: "copy", TargetTag: "DOCUMENT"})

	page.set(func(p *fakePage) { p.css = CSSReport{} })
	if !d.Recheck(context.Background()) {
		t.Fatal("Recheck() should report the CSS change")
	}
	res, _ := d.Status()
	if res.CSSBlocking {
		t.Error("CSSBlocking should be replaced by the recheck")
	}
	if !res.CopyTracking {
		t.Error("CopyTracking must survive a recheck")
	}
}

func TestHandleMessage_CopyListenerEmitsOneUpdate(t *testing.T) {
	sink := &fakeSink{}
	d := newTestDetector(newFakePage(), sink)
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	d.HandleMessage(ctx, probe.ListenerDetected{EventType: "copy", TargetTag: "DOCUMENT"})
	d.HandleMessage(ctx, probe.ListenerDetected{EventType: "copy", TargetTag: "BODY"})

	res, _ := d.Status()
	if !res.CopyTracking || res.PasteTracking {
		t.Errorf("Results = %+v", res)
	}
	if n := sink.count(types.KindDetectionUpdate); n != 1 {
		t.Errorf("DETECTION_UPDATE sent %d times, want 1", n)
	}
	if n := sink.count(types.KindEventTrackingDetected); n != 1 {
		t.Errorf("EVENT_TRACKING_DETECTED sent %d times, want 1", n)
	}
	alert := sink.last(types.KindEventTrackingDetected).(types.EventTrackingDetected)
	if alert.EventType != "copy" || alert.Target != "DOCUMENT" {
		t.Errorf("alert = %+v", alert)
	}
}

func TestHandleMessage_BeforeStartFoldsIntoReport(t *testing.T) {
	sink := &fakeSink{}
	d := newTestDetector(newFakePage(), sink)

	d.HandleMessage(context.Background(), probe.ListenerDetected{EventType: "paste", TargetTag: "INPUT"})
	if n := sink.count(types.KindDetectionUpdate); n != 0 {
		t.Fatalf("update sent before the full report")
	}

	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	complete := sink.last(types.KindDetectionComplete).(types.DetectionComplete)
	if !complete.Results.PasteTracking {
		t.Errorf("full report should carry earlier evidence: %+v", complete.Results)
	}
	if n := sink.count(types.KindDetectionUpdate); n != 0 {
		t.Errorf("DETECTION_UPDATE sent %d times, want 0", n)
	}
}

func TestHandleMessage_TrackedTypesFromProbe(t *testing.T) {
	page := newFakePage()
	page.tracked = []string{"copy", "contextmenu"}
	sink := &fakeSink{}
	d := newTestDetector(page, sink)

	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	complete := sink.last(types.KindDetectionComplete).(types.DetectionComplete)
	if !complete.Results.CopyTracking {
		t.Errorf("listeners recorded by the probe should set CopyTracking: %+v", complete.Results)
	}
}

func TestHandleMessage_PreventDefault(t *testing.T) {
	d := newTestDetector(newFakePage(), &fakeSink{})
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	d.HandleMessage(context.Background(), probe.PreventDefaultObserved{EventType: "copy"})
	if res, _ := d.Status(); res.ContextMenuBlocked {
		t.Error("preventDefault on copy should not set ContextMenuBlocked")
	}
	d.HandleMessage(context.Background(), probe.PreventDefaultObserved{EventType: "contextmenu"})
	if res, _ := d.Status(); !res.ContextMenuBlocked {
		t.Error("preventDefault on contextmenu should set ContextMenuBlocked")
	}
}

func TestReset_SendsFreshReport(t *testing.T) {
	page := newFakePage()
	page.css = bodyUserSelectNone()
	sink := &fakeSink{}
	d := newTestDetector(page, sink)
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.HandleMessage(context.Background(), probe.ListenerDetected{EventType: "copy"})

	page.set(func(p *fakePage) {
		p.css = CSSReport{}
		p.meta = pageMeta{URL: "https://other.example.org/", Title: "Other", ReadyState: "complete"}
	})
	d.Reset(context.Background())

	if n := sink.count(types.KindDetectionComplete); n != 2 {
		t.Fatalf("DETECTION_COMPLETE sent %d times, want 2", n)
	}
	complete := sink.last(types.KindDetectionComplete).(types.DetectionComplete)
	if complete.Results != (types.DetectionResult{}) {
		t.Errorf("reset report = %+v, want all false", complete.Results)
	}
	if complete.URL != "https://other.example.org/" {
		t.Errorf("URL = %q", complete.URL)
	}

	d.HandleMessage(context.Background(), probe.ListenerDetected{EventType: "copy"})
	if n := sink.count(types.KindEventTrackingDetected); n != 2 {
		t.Errorf("tracking alerts = %d, want one per page-context", n)
	}
}

func TestReset_StaleTimerIgnored(t *testing.T) {
	var pending []func()
	schedule := func(_ time.Duration, f func()) func() bool {
		pending = append(pending, f)
		return func() bool { return true }
	}
	sink := &fakeSink{}
	d := New(newFakePage(), patterns.Static(patterns.Get()), sink,
		WithConfig(fastConfig()), WithSchedule(schedule))
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	d.Reset(context.Background())
	d.Reset(context.Background())
	if len(pending) != 2 {
		t.Fatalf("pending timers = %d, want 2", len(pending))
	}

	pending[0]()
	if n := sink.count(types.KindDetectionComplete); n != 1 {
		t.Errorf("stale timer produced a report: %d completes", n)
	}
	pending[1]()
	if n := sink.count(types.KindDetectionComplete); n != 2 {
		t.Errorf("current timer should report: %d completes", n)
	}
}

func TestDestroy(t *testing.T) {
	sink := &fakeSink{}
	d := newTestDetector(newFakePage(), sink)
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.Destroy()

	d.HandleMessage(context.Background(), probe.ListenerDetected{EventType: "copy"})
	if d.Recheck(context.Background()) {
		t.Error("Recheck() after Destroy should be a no-op")
	}
	if n := len(sink.msgs); n != 1 {
		t.Errorf("messages after destroy = %d, want only the initial report", n)
	}
	if d.State() != Destroyed {
		t.Errorf("State() = %s", d.State())
	}
}

func TestCSSReportBlocking(t *testing.T) {
	reg := patterns.Get()
	tests := []struct {
		name string
		r    CSSReport
		want bool
	}{
		{"empty", CSSReport{}, false},
		{"computed text", CSSReport{Computed: []StyleValue{{Element: "BODY", Property: "user-select", Value: "text"}}}, false},
		{"computed pointer-events", CSSReport{Computed: []StyleValue{{Element: "HTML", Property: "pointer-events", Value: "none"}}}, true},
		{"declaration", CSSReport{Declarations: []StyleValue{{Property: "-webkit-user-select", Value: "none"}}}, true},
		{"declared pointer-events", CSSReport{Declarations: []StyleValue{{Property: "pointer-events", Value: "none"}}}, false},
		{"declared touch-callout", CSSReport{Declarations: []StyleValue{{Property: "-webkit-touch-callout", Value: "none"}}}, false},
		{"class", CSSReport{Classes: []string{"unselectable"}}, true},
		{"unknown class", CSSReport{Classes: []string{"fancy"}}, false},
	}
	for _, tt := range tests {
		if got := tt.r.Blocking(reg); got != tt.want {
			t.Errorf("%s: Blocking() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestJSReportBlocking(t *testing.T) {
	reg := patterns.Get()
	if (JSReport{Handlers: []string{"DOCUMENT.oncopy"}}).Blocking(reg) != true {
		t.Error("DOCUMENT.oncopy should block")
	}
	if (JSReport{Handlers: []string{"BODY.onclick"}}).Blocking(reg) {
		t.Error("onclick is not a blocking handler")
	}
	if (JSReport{Prevented: true}).Blocking(reg) {
		t.Error("Prevented alone does not set JSBlocking")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		Uninitialized: "uninitialized",
		Initializing:  "initializing",
		Active:        "active",
		Destroyed:     "destroyed",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
