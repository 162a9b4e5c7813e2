package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Rorqualx/copyguard/internal/patterns"
	"github.com/Rorqualx/copyguard/internal/probe"
)

// maxDeclarations bounds the stylesheet declarations returned by the CSS probe.
const maxDeclarations = 500

// StyleValue is one computed or declared CSS value read from the page.
type StyleValue struct {
	Element  string `json:"element,omitempty"`
	Property string `json:"property"`
	Value    string `json:"value"`
}

// CSSReport is the raw evidence gathered by the CSS probe.
type CSSReport struct {
	Computed      []StyleValue `json:"computed"`
	Declarations  []StyleValue `json:"declarations"`
	Classes       []string     `json:"classes"`
	SheetsSkipped int          `json:"sheetsSkipped"`
}

// Blocking applies the registry predicates to the evidence.
func (r CSSReport) Blocking(reg *patterns.Registry) bool {
	for _, v := range r.Computed {
		if reg.IsBlockingStyle(v.Property, v.Value) {
			return true
		}
	}
	for _, v := range r.Declarations {
		if reg.IsBlockingDeclaration(v.Property, v.Value) {
			return true
		}
	}
	for _, c := range r.Classes {
		if reg.IsBlockingClass(c) {
			return true
		}
	}
	return false
}

// ComputedValue returns the computed value of a property on BODY or HTML.
func (r CSSReport) ComputedValue(element, property string) (string, bool) {
	for _, v := range r.Computed {
		if v.Element == element && v.Property == property {
			return v.Value, true
		}
	}
	return "", false
}

// JSReport is the raw evidence gathered by the JavaScript probe.
type JSReport struct {
	Handlers   []string `json:"handlers"`
	Prevented  bool     `json:"prevented"`
	ProbeError string   `json:"probeError,omitempty"`
}

// Blocking reports whether any registry-listed inline handler was found.
func (r JSReport) Blocking(reg *patterns.Registry) bool {
	for _, h := range r.Handlers {
		name := h
		if i := strings.LastIndex(h, "."); i >= 0 {
			name = h[i+1:]
		}
		for _, known := range reg.InlineHandlers {
			if name == known {
				return true
			}
		}
	}
	return false
}

// SelectionReport is the result of the selection probe.
type SelectionReport struct {
	Blocked     bool   `json:"blocked"`
	Got         string `json:"got"`
	Unavailable bool   `json:"unavailable"`
	Error       string `json:"error,omitempty"`
}

// pageMeta is the URL and title of the current document.
type pageMeta struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	ReadyState string `json:"readyState"`
}

const selectionProbeText = "test selection"

func cssScript(reg *patterns.Registry) string {
	props, _ := json.Marshal(reg.StyleProperties())
	declProps, _ := json.Marshal(reg.DeclarationProperties())
	classes, _ := json.Marshal(reg.BlockingClasses)
	return fmt.Sprintf(`() => {
  /* copyguard:css */
  const props = %s;
  const declProps = %s;
  const classes = %s;
  const out = { computed: [], declarations: [], classes: [], sheetsSkipped: 0 };
  const roots = [['BODY', document.body], ['HTML', document.documentElement]];
  for (const [name, el] of roots) {
    if (!el) continue;
    try {
      const cs = window.getComputedStyle(el);
      for (const p of props) {
        const v = cs.getPropertyValue(p);
        if (v) out.computed.push({ element: name, property: p, value: v });
      }
    } catch (e) {}
  }
  const scan = (rules) => {
    for (const rule of rules) {
      if (out.declarations.length >= %d) return;
      if (rule.style) {
        for (const p of declProps) {
          const v = rule.style.getPropertyValue(p);
          if (v) out.declarations.push({ property: p, value: v });
        }
      }
      if (rule.cssRules) {
        try { scan(rule.cssRules); } catch (e) {}
      }
    }
  };
  for (const sheet of Array.from(document.styleSheets || [])) {
    let rules = null;
    try { rules = sheet.cssRules || sheet.rules; } catch (e) { out.sheetsSkipped++; continue; }
    if (rules) {
      try { scan(rules); } catch (e) {}
    }
  }
  for (const c of classes) {
    try {
      if (document.getElementsByClassName(c).length > 0) out.classes.push(c);
    } catch (e) {}
  }
  return out;
}`, props, declProps, classes, maxDeclarations)
}

func jsScript(reg *patterns.Registry) string {
	handlers, _ := json.Marshal(reg.InlineHandlers)
	return fmt.Sprintf(`() => {
  /* copyguard:js */
  const handlers = %s;
  const out = { handlers: [], prevented: false, probeError: '' };
  const targets = [['DOCUMENT', document], ['HTML', document.documentElement], ['BODY', document.body]];
  for (const [name, el] of targets) {
    if (!el) continue;
    for (const h of handlers) {
      try {
        if (el[h] || (el.getAttribute && el.getAttribute(h))) out.handlers.push(name + '.' + h);
      } catch (e) {}
    }
  }
  const p = window[%q];
  const add = (p && p.pristine && p.pristine.add) || EventTarget.prototype.addEventListener;
  const remove = (p && p.pristine && p.pristine.remove) || EventTarget.prototype.removeEventListener;
  let node = null;
  const listener = () => {};
  try {
    if (document.body) {
      node = document.createElement('div');
      node.setAttribute('aria-hidden', 'true');
      node.style.cssText = 'position:absolute;left:-9999px;top:0;width:1px;height:1px;overflow:hidden;';
      node.textContent = 'test';
      add.call(node, 'contextmenu', listener);
      document.body.appendChild(node);
      const ev = new MouseEvent('contextmenu', { bubbles: true, cancelable: true });
      const notCancelled = node.dispatchEvent(ev);
      out.prevented = !notCancelled || ev.defaultPrevented;
    }
  } catch (e) {
    out.probeError = String((e && e.message) || e);
  } finally {
    try { if (node) remove.call(node, 'contextmenu', listener); } catch (e) {}
    try { if (node && node.parentNode) node.parentNode.removeChild(node); } catch (e) {}
  }
  return out;
}`, handlers, probe.GlobalKey)
}

// selectionScript gives its own node selectable CSS so the result reflects
// script interference, not the page's user-select rules.
func selectionScript() string {
	return fmt.Sprintf(`() => {
  /* copyguard:selection */
  const expected = %q;
  const out = { blocked: false, got: '', unavailable: false, error: '' };
  if (!document.body || !window.getSelection || !document.createRange) {
    out.unavailable = true;
    return out;
  }
  let node = null;
  try {
    node = document.createElement('div');
    node.setAttribute('aria-hidden', 'true');
    node.style.cssText = 'position:absolute;left:-9999px;top:0;user-select:text !important;-webkit-user-select:text !important;';
    node.textContent = expected;
    document.body.appendChild(node);
    const sel = window.getSelection();
    const saved = [];
    for (let i = 0; i < sel.rangeCount; i++) saved.push(sel.getRangeAt(i));
    const range = document.createRange();
    range.selectNodeContents(node);
    sel.removeAllRanges();
    sel.addRange(range);
    out.got = sel.toString();
    out.blocked = out.got !== expected;
    sel.removeAllRanges();
    for (const r of saved) {
      try { sel.addRange(r); } catch (e) {}
    }
  } catch (e) {
    out.blocked = true;
    out.error = String((e && e.message) || e);
  } finally {
    try { if (node && node.parentNode) node.parentNode.removeChild(node); } catch (e) {}
  }
  return out;
}`, selectionProbeText)
}

func trackedTypesScript() string {
	return fmt.Sprintf(`() => {
  /* copyguard:tracked */
  const p = window[%q];
  if (!p || !p.installed || !p.trackedTypes) return [];
  return p.trackedTypes();
}`, probe.GlobalKey)
}

const metaScript = `() => {
  /* copyguard:meta */
  return { url: String(location.href), title: String(document.title || ''), readyState: String(document.readyState) };
}`

// evalInto evaluates js and decodes the value into out.
func evalInto(ctx context.Context, page Page, js string, out any) error {
	v, err := page.Eval(ctx, js)
	if err != nil {
		return err
	}
	return probe.DecodeValue(v, out)
}
