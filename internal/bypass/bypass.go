// Package bypass neutralizes copy-blocking signatures on a live page.
package bypass

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/copyguard/internal/metrics"
	"github.com/Rorqualx/copyguard/internal/patterns"
	"github.com/Rorqualx/copyguard/internal/probe"
	"github.com/Rorqualx/copyguard/internal/types"
)

// EnabledMessage is the COPY_ENABLED text.
const EnabledMessage = "Copy restrictions successfully removed!"

// captureFlag marks a document whose capture listeners are installed.
const captureFlag = "__copyguardCapture"

// Sink receives the COPY_ENABLED message.
type Sink interface {
	Send(ctx context.Context, msg types.Message) error
}

// Engine runs the enable-copy operation.
type Engine struct {
	sink Sink
}

// New creates an Engine. sink may be nil.
func New(sink Sink) *Engine {
	return &Engine{sink: sink}
}

// scriptConfig is embedded into the page script.
type scriptConfig struct {
	StyleID    string            `json:"styleId"`
	Handlers   []string          `json:"handlers"`
	Classes    []string          `json:"classes"`
	Capture    []string          `json:"capture"`
	Styles     map[string]string `json:"styles"`
	ProbeKey   string            `json:"probeKey"`
	CaptureKey string            `json:"captureKey"`
	Fix        *patterns.SiteFix `json:"fix"`
}

// Script renders the enable-copy script for a registry and optional site fix.
func Script(reg *patterns.Registry, fix *patterns.SiteFix) string {
	styles := make(map[string]string, len(reg.BlockingStyles))
	for _, rule := range reg.BlockingStyles {
		styles[rule.Property] = restoreValue(rule.Property)
	}
	cfg := scriptConfig{
		StyleID:    reg.OverrideStyleID,
		Handlers:   reg.InlineHandlers,
		Classes:    reg.BlockingClasses,
		Capture:    reg.CaptureEvents,
		Styles:     styles,
		ProbeKey:   probe.GlobalKey,
		CaptureKey: captureFlag,
		Fix:        fix,
	}
	data, _ := json.Marshal(cfg)
	return fmt.Sprintf(enableTemplate, data, overrideCSS)
}

// restoreValue is the permissive value written over a blocking declaration.
func restoreValue(prop string) string {
	switch prop {
	case "pointer-events":
		return "auto"
	case "-webkit-touch-callout":
		return "default"
	default:
		return "text"
	}
}

// EnableCopy applies every bypass step to page. Per-element failures are
// counted in the result; an error is returned only when the script could
// not run at all.
func (e *Engine) EnableCopy(ctx context.Context, page probe.Evaluator, reg *patterns.Registry, fix *patterns.SiteFix) (types.BypassResult, error) {
	start := time.Now()
	var res types.BypassResult

	v, err := page.Eval(ctx, Script(reg, fix))
	if err != nil {
		metrics.RecordBypass("error")
		return res, fmt.Errorf("enable copy: %w", err)
	}
	if err := probe.DecodeValue(v, &res); err != nil {
		metrics.RecordBypass("error")
		return res, fmt.Errorf("enable copy: decode result: %w", err)
	}

	status := "ok"
	if res.Failures > 0 {
		status = "partial"
	}
	metrics.RecordBypass(status)

	log.Info().
		Bool("style", res.StyleInstalled).
		Int("handlers", res.HandlersCleared).
		Int("elements", res.ElementsSwept).
		Int("classes", res.ClassesStripped).
		Int("listeners", res.ListenersRemoved).
		Int("failures", res.Failures).
		Str("site_fix", res.SiteFix).
		Dur("duration", time.Since(start)).
		Msg("Copy enabled")

	if e.sink != nil {
		msg := types.CopyEnabled{Message: EnabledMessage, Result: res}
		if err := e.sink.Send(ctx, msg); err != nil {
			log.Debug().Err(err).Msg("COPY_ENABLED not delivered")
		}
	}
	return res, nil
}

const overrideCSS = `*, *::before, *::after {
  user-select: text !important;
  -webkit-user-select: text !important;
  -moz-user-select: text !important;
  -ms-user-select: text !important;
  -webkit-touch-callout: default !important;
  pointer-events: auto !important;
}
html, body {
  user-select: text !important;
  -webkit-user-select: text !important;
  -moz-user-select: text !important;
  -ms-user-select: text !important;
}`

const enableTemplate = `() => {
  /* copyguard:bypass */
  const cfg = %s;
  const css = %q;
  const res = {
    styleInstalled: false, handlersCleared: 0, elementsSwept: 0, classesStripped: 0,
    listenersRemoved: 0, captureInstalled: false, siteFix: '', failures: 0, errors: []
  };
  const fail = (step, e) => {
    res.failures++;
    if (res.errors.length < 10) res.errors.push(step + ': ' + String(e && e.message || e));
  };

  try {
    let style = document.getElementById(cfg.styleId);
    if (!style) {
      style = document.createElement('style');
      style.id = cfg.styleId;
      style.textContent = css;
      (document.head || document.documentElement).appendChild(style);
      res.styleInstalled = true;
    } else if (style.parentNode !== document.head && document.head) {
      document.head.appendChild(style);
    }
  } catch (e) { fail('style', e); }

  const clearHandlers = (el) => {
    for (const h of cfg.handlers) {
      try {
        if (el[h]) { el[h] = null; res.handlersCleared++; }
        if (el.hasAttribute && el.hasAttribute(h)) { el.removeAttribute(h); }
      } catch (e) { fail('handler', e); }
    }
  };
  for (const root of [window, document, document.documentElement, document.body]) {
    if (root) clearHandlers(root);
  }

  let all = [];
  try { all = document.querySelectorAll('*'); } catch (e) { fail('sweep', e); }
  for (const el of all) {
    res.elementsSwept++;
    clearHandlers(el);
    try {
      const st = el.style;
      if (!st) continue;
      for (const prop in cfg.styles) {
        const v = st.getPropertyValue(prop);
        if (v && v.trim() === 'none') st.setProperty(prop, cfg.styles[prop], 'important');
      }
    } catch (e) { fail('inline-style', e); }
  }

  const api = window[cfg.probeKey];
  const pristine = api && api.pristine;
  try {
    if (!document[cfg.captureKey]) {
      const add = (pristine && pristine.add) || EventTarget.prototype.addEventListener;
      const stop = (pristine && pristine.stopImmediatePropagation) || Event.prototype.stopImmediatePropagation;
      const halt = (ev) => { stop.call(ev); };
      for (const type of cfg.capture) {
        add.call(document, type, halt, { capture: true, passive: false });
      }
      Object.defineProperty(document, cfg.captureKey, { value: true, configurable: true });
      res.captureInstalled = true;
    }
  } catch (e) { fail('capture', e); }

  try {
    if (api && api.installed && typeof api.removeAllTrackedListeners === 'function') {
      res.listenersRemoved = api.removeAllTrackedListeners() || 0;
    }
  } catch (e) { fail('listeners', e); }

  for (const cls of cfg.classes) {
    let found = [];
    try { found = document.getElementsByClassName(cls); } catch (e) { fail('class', e); continue; }
    for (const el of Array.from(found)) {
      try { el.classList.remove(cls); res.classesStripped++; } catch (e) { fail('class', e); }
    }
  }

  if (cfg.fix) {
    res.siteFix = cfg.fix.domain;
    for (const sel of cfg.fix.selectors || []) {
      let nodes = [];
      try { nodes = document.querySelectorAll(sel); } catch (e) { fail('site-fix', e); continue; }
      for (const el of nodes) {
        try {
          if (cfg.fix.method === 'remove') el.remove();
          else if (cfg.fix.method === 'enable-select') el.style.setProperty('user-select', 'text', 'important');
          else el.style.setProperty('display', 'none', 'important');
        } catch (e) { fail('site-fix', e); }
      }
    }
  }
  return res;
}`
