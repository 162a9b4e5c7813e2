package probe

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ysmood/gson"

	"github.com/Rorqualx/copyguard/internal/patterns"
)

type fakeEval struct {
	scripts []string
	value   any
	err     error
}

func (f *fakeEval) Eval(_ context.Context, js string) (gson.JSON, error) {
	f.scripts = append(f.scripts, js)
	if f.err != nil {
		return gson.New(nil), f.err
	}
	return gson.New(f.value), nil
}

func TestScriptEmbedsConfig(t *testing.T) {
	js := Script(patterns.Get(), Options{TopOnly: true})

	start := strings.Index(js, "const cfg = ")
	end := strings.Index(js, ";\n")
	if start < 0 || end < start {
		t.Fatalf("config literal not found in script")
	}
	var cfg scriptConfig
	if err := json.Unmarshal([]byte(js[start+len("const cfg = "):end]), &cfg); err != nil {
		t.Fatalf("config literal is not JSON: %v", err)
	}
	if cfg.Binding != BindingName || cfg.NS != Namespace || cfg.Key != GlobalKey {
		t.Errorf("unexpected channel config: %+v", cfg)
	}
	if !cfg.TopOnly {
		t.Error("TopOnly should be rendered")
	}
	if len(cfg.Tracked) != 5 || len(cfg.Suppressed) != 4 {
		t.Errorf("tracked=%v suppressed=%v", cfg.Tracked, cfg.Suppressed)
	}
	for _, want := range []string{"existing.installed", "removeAllTrackedListeners", "restoreOriginals", "orig.add.call"} {
		if !strings.Contains(js, want) {
			t.Errorf("script missing %q", want)
		}
	}
}

func TestSendHelperUsesChannel(t *testing.T) {
	js := SendHelper()
	if !strings.Contains(js, `"`+BindingName+`"`) || !strings.Contains(js, `"`+Namespace+`"`) {
		t.Errorf("SendHelper() = %s", js)
	}
}

func TestInterceptorInstall(t *testing.T) {
	page := &fakeEval{value: true}
	i := NewInterceptor(page, patterns.Get(), Options{})

	ok, err := i.Install(context.Background())
	if err != nil || !ok {
		t.Fatalf("Install() = %v, %v", ok, err)
	}
	if len(page.scripts) != 1 || !strings.Contains(page.scripts[0], i.Script()) {
		t.Error("Install should evaluate the probe script")
	}
}

func TestInterceptorRemoveAll(t *testing.T) {
	page := &fakeEval{value: 4.0}
	i := NewInterceptor(page, patterns.Get(), Options{})

	n, err := i.RemoveAllTrackedListeners(context.Background())
	if err != nil {
		t.Fatalf("RemoveAllTrackedListeners() error = %v", err)
	}
	if n != 4 {
		t.Errorf("RemoveAllTrackedListeners() = %d, want 4", n)
	}
}

func TestInterceptorPropagatesEvalError(t *testing.T) {
	boom := errors.New("target closed")
	i := NewInterceptor(&fakeEval{err: boom}, patterns.Get(), Options{})

	if _, err := i.Installed(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Installed() error = %v", err)
	}
	if err := i.RestoreOriginals(context.Background()); !errors.Is(err, boom) {
		t.Errorf("RestoreOriginals() error = %v", err)
	}
}

func TestDecodeValue(t *testing.T) {
	var out struct {
		A int    `json:"a"`
		B string `json:"b"`
	}
	if err := DecodeValue(gson.New(map[string]any{"a": 1, "b": "x"}), &out); err != nil {
		t.Fatalf("DecodeValue() error = %v", err)
	}
	if out.A != 1 || out.B != "x" {
		t.Errorf("DecodeValue() = %+v", out)
	}
}
