package bypass

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ysmood/gson"

	"github.com/Rorqualx/copyguard/internal/patterns"
	"github.com/Rorqualx/copyguard/internal/types"
)

type fakePage struct {
	result map[string]any
	err    error
	calls  []string
}

func (p *fakePage) Eval(_ context.Context, js string) (gson.JSON, error) {
	p.calls = append(p.calls, js)
	if p.err != nil {
		return gson.New(nil), p.err
	}
	return gson.New(p.result), nil
}

type fakeSink struct {
	msgs []types.Message
	err  error
}

func (s *fakeSink) Send(_ context.Context, msg types.Message) error {
	s.msgs = append(s.msgs, msg)
	return s.err
}

func TestScript_EmbedsRegistry(t *testing.T) {
	reg := patterns.Get()
	js := Script(reg, nil)

	for _, want := range []string{
		"copyguard:bypass",
		`"styleId":"` + reg.OverrideStyleID + `"`,
		`"oncontextmenu"`,
		`"no-select"`,
		`"dragstart"`,
		"user-select: text !important",
		`"fix":null`,
	} {
		if !strings.Contains(js, want) {
			t.Errorf("Script missing %q", want)
		}
	}
	if !strings.HasPrefix(js, "() => {") {
		t.Errorf("Script must be a function expression, got prefix %q", js[:10])
	}
}

func TestScript_SiteFix(t *testing.T) {
	fix := &patterns.SiteFix{Domain: "example.com", Selectors: []string{".shield"}, Method: "hide"}
	js := Script(patterns.Get(), fix)
	if !strings.Contains(js, `"selectors":[".shield"]`) || !strings.Contains(js, `"domain":"example.com"`) {
		t.Errorf("Script does not embed the site fix: %s", js)
	}
}

func TestRestoreValue(t *testing.T) {
	tests := map[string]string{
		"user-select":           "text",
		"-webkit-user-select":   "text",
		"pointer-events":        "auto",
		"-webkit-touch-callout": "default",
	}
	for prop, want := range tests {
		if got := restoreValue(prop); got != want {
			t.Errorf("restoreValue(%q) = %q, want %q", prop, got, want)
		}
	}
}

func TestEnableCopy_DecodesResultAndNotifies(t *testing.T) {
	page := &fakePage{result: map[string]any{
		"styleInstalled":   true,
		"handlersCleared":  3.0,
		"elementsSwept":    120.0,
		"classesStripped":  2.0,
		"listenersRemoved": 1.0,
		"captureInstalled": true,
		"siteFix":          "",
		"failures":         0.0,
		"errors":           []any{},
	}}
	sink := &fakeSink{}
	e := New(sink)

	res, err := e.EnableCopy(context.Background(), page, patterns.Get(), nil)
	if err != nil {
		t.Fatalf("EnableCopy: %v", err)
	}
	want := types.BypassResult{
		StyleInstalled:   true,
		HandlersCleared:  3,
		ElementsSwept:    120,
		ClassesStripped:  2,
		ListenersRemoved: 1,
		CaptureInstalled: true,
		Errors:           []string{},
	}
	if res.StyleInstalled != want.StyleInstalled || res.HandlersCleared != want.HandlersCleared ||
		res.ElementsSwept != want.ElementsSwept || res.ClassesStripped != want.ClassesStripped ||
		res.ListenersRemoved != want.ListenersRemoved || res.CaptureInstalled != want.CaptureInstalled {
		t.Errorf("EnableCopy = %+v, want %+v", res, want)
	}

	if len(sink.msgs) != 1 {
		t.Fatalf("sink got %d messages, want 1", len(sink.msgs))
	}
	msg, ok := sink.msgs[0].(types.CopyEnabled)
	if !ok {
		t.Fatalf("sink got %T, want types.CopyEnabled", sink.msgs[0])
	}
	if msg.Message != EnabledMessage {
		t.Errorf("message = %q, want %q", msg.Message, EnabledMessage)
	}
}

func TestEnableCopy_PartialFailureStillSucceeds(t *testing.T) {
	page := &fakePage{result: map[string]any{
		"failures": 2.0,
		"errors":   []any{"inline-style: denied", "class: denied"},
	}}
	res, err := New(nil).EnableCopy(context.Background(), page, patterns.Get(), nil)
	if err != nil {
		t.Fatalf("EnableCopy: %v", err)
	}
	if res.Failures != 2 || len(res.Errors) != 2 {
		t.Errorf("result = %+v, want 2 failures", res)
	}
}

func TestEnableCopy_EvalError(t *testing.T) {
	want := errors.New("target closed")
	sink := &fakeSink{}
	_, err := New(sink).EnableCopy(context.Background(), &fakePage{err: want}, patterns.Get(), nil)
	if !errors.Is(err, want) {
		t.Fatalf("error = %v, want %v", err, want)
	}
	if len(sink.msgs) != 0 {
		t.Error("COPY_ENABLED sent after a failed run")
	}
}

func TestEnableCopy_SinkErrorIgnored(t *testing.T) {
	page := &fakePage{result: map[string]any{"styleInstalled": true}}
	sink := &fakeSink{err: errors.New("channel gone")}
	if _, err := New(sink).EnableCopy(context.Background(), page, patterns.Get(), nil); err != nil {
		t.Fatalf("EnableCopy returned sink error: %v", err)
	}
}
