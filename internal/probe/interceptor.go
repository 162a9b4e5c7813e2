package probe

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ysmood/gson"

	"github.com/Rorqualx/copyguard/internal/patterns"
)

// Evaluator runs a JavaScript function expression in the page and returns its value.
type Evaluator interface {
	Eval(ctx context.Context, js string) (gson.JSON, error)
}

// Interceptor drives the installed probe from Go.
type Interceptor struct {
	page   Evaluator
	script string
}

// NewInterceptor creates an Interceptor for a page.
func NewInterceptor(page Evaluator, reg *patterns.Registry, opts Options) *Interceptor {
	return &Interceptor{page: page, script: Script(reg, opts)}
}

// Script returns the rendered install script.
func (i *Interceptor) Script() string {
	return i.script
}

// Install evaluates the install script on the current document. It is a
// no-op when the probe is already present.
func (i *Interceptor) Install(ctx context.Context) (bool, error) {
	js := fmt.Sprintf("() => { %s; const p = window[%q]; return !!(p && p.installed); }", i.script, GlobalKey)
	v, err := i.page.Eval(ctx, js)
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}

// Installed reports whether the probe is active in the current document.
func (i *Interceptor) Installed(ctx context.Context) (bool, error) {
	v, err := i.page.Eval(ctx, fmt.Sprintf("() => { const p = window[%q]; return !!(p && p.installed); }", GlobalKey))
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}

// RemoveAllTrackedListeners removes every page listener the probe recorded.
// It returns -1 when the probe is not installed.
func (i *Interceptor) RemoveAllTrackedListeners(ctx context.Context) (int, error) {
	v, err := i.page.Eval(ctx, fmt.Sprintf(`() => {
  const p = window[%q];
  if (!p || !p.installed) return -1;
  return p.removeAllTrackedListeners();
}`, GlobalKey))
	if err != nil {
		return 0, err
	}
	return v.Int(), nil
}

// RestoreOriginals un-wraps every intercepted entry point.
func (i *Interceptor) RestoreOriginals(ctx context.Context) error {
	_, err := i.page.Eval(ctx, fmt.Sprintf(`() => {
  const p = window[%q];
  return !!(p && p.restoreOriginals && p.restoreOriginals());
}`, GlobalKey))
	return err
}

// DecodeValue converts an evaluation result into out via JSON.
func DecodeValue(v gson.JSON, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
