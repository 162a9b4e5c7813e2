package probe

import (
	"encoding/json"
	"fmt"

	"github.com/Rorqualx/copyguard/internal/patterns"
)

// Channel constants shared by the page scripts and the Go decoder.
const (
	// BindingName is the CDP runtime binding the page calls to reach Go.
	BindingName = "__copyguardEmit"
	// Namespace prefixes every payload. Payloads without it are discarded.
	Namespace = "copyguard:"
	// GlobalKey is the window property holding the installed probe API.
	GlobalKey = "__copyguard"
)

// Options controls how the probe script is rendered.
type Options struct {
	// TopOnly skips installation inside sub-frames.
	TopOnly bool
}

type scriptConfig struct {
	Binding    string   `json:"binding"`
	NS         string   `json:"ns"`
	Key        string   `json:"key"`
	TopOnly    bool     `json:"topOnly"`
	Tracked    []string `json:"tracked"`
	Suppressed []string `json:"suppressed"`
}

// Script renders the interception layer as a self-invoking script suitable
// for Page.addScriptToEvaluateOnNewDocument.
func Script(reg *patterns.Registry, opts Options) string {
	cfg := scriptConfig{
		Binding:    BindingName,
		NS:         Namespace,
		Key:        GlobalKey,
		TopOnly:    opts.TopOnly,
		Tracked:    reg.TrackedEvents,
		Suppressed: reg.SuppressedEvents,
	}
	data, _ := json.Marshal(cfg)
	return fmt.Sprintf(probeTemplate, data)
}

// SendHelper renders a JS expression evaluating to a function that posts
// {ns, kind, ...data} through the binding. Other page scripts share it.
func SendHelper() string {
	return fmt.Sprintf(`((kind, data) => {
  try {
    const fn = window[%q];
    if (typeof fn !== 'function') return;
    fn(JSON.stringify(Object.assign({}, data || {}, { ns: %q, kind: kind })));
  } catch (e) {}
})`, BindingName, Namespace)
}

const probeTemplate = `(() => {
  const cfg = %s;
  if (cfg.topOnly && window !== window.top) return;
  const existing = window[cfg.key];
  if (existing && existing.installed) return;

  let bound = null;
  const send = (kind, data) => {
    try {
      const fn = bound || window[cfg.binding];
      if (typeof fn !== 'function') return;
      bound = fn;
      fn(JSON.stringify(Object.assign({}, data, { ns: cfg.ns, kind: kind })));
    } catch (e) {}
  };

  const ET = EventTarget.prototype;
  const EV = Event.prototype;
  const orig = {
    add: ET.addEventListener,
    remove: ET.removeEventListener,
    preventDefault: EV.preventDefault,
    stopPropagation: EV.stopPropagation,
    stopImmediatePropagation: EV.stopImmediatePropagation,
    execCommand: Document.prototype.execCommand,
    clipboard: {},
  };
  const tracked = new Set(cfg.tracked || []);
  const suppressed = new Set(cfg.suppressed || []);
  const registry = [];

  const tagOf = (t) => {
    if (t === window) return 'WINDOW';
    if (t === document) return 'DOCUMENT';
    if (t && t.tagName) return t.tagName;
    return (t && t.constructor && t.constructor.name) || 'UNKNOWN';
  };

  ET.addEventListener = function (type, listener, options) {
    if (listener && tracked.has(type)) {
      registry.push({ target: this, type: type, listener: listener, options: options });
      send('listener_detected', { eventType: type, targetTag: tagOf(this) });
    }
    return orig.add.call(this, type, listener, options);
  };

  EV.preventDefault = function () {
    if (suppressed.has(this.type)) send('prevent_default', { eventType: this.type });
    return orig.preventDefault.call(this);
  };

  EV.stopPropagation = function () {
    if (suppressed.has(this.type)) send('stop_propagation', { eventType: this.type });
    return orig.stopPropagation.call(this);
  };

  EV.stopImmediatePropagation = function () {
    if (suppressed.has(this.type)) send('stop_propagation', { eventType: this.type });
    return orig.stopImmediatePropagation.call(this);
  };

  Document.prototype.execCommand = function (command) {
    const c = String(command || '').toLowerCase();
    if (c === 'copy' || c === 'cut' || c === 'paste') send('clipboard', { action: 'execCommand:' + c });
    return orig.execCommand.apply(this, arguments);
  };

  const cb = navigator.clipboard;
  if (cb) {
    ['writeText', 'readText', 'write', 'read'].forEach((name) => {
      const fn = cb[name];
      if (typeof fn !== 'function') return;
      orig.clipboard[name] = fn;
      try {
        cb[name] = function () {
          send('clipboard', { action: name });
          return fn.apply(cb, arguments);
        };
      } catch (e) {}
    });
  }

  const removeAllTrackedListeners = () => {
    let removed = 0;
    const entries = registry.splice(0, registry.length);
    for (const e of entries) {
      try {
        orig.remove.call(e.target, e.type, e.listener, e.options);
        removed++;
      } catch (err) {}
    }
    send('listeners_removed', { count: removed });
    return removed;
  };

  const restoreOriginals = () => {
    ET.addEventListener = orig.add;
    EV.preventDefault = orig.preventDefault;
    EV.stopPropagation = orig.stopPropagation;
    EV.stopImmediatePropagation = orig.stopImmediatePropagation;
    Document.prototype.execCommand = orig.execCommand;
    if (cb) {
      Object.keys(orig.clipboard).forEach((name) => {
        try { delete cb[name]; } catch (e) {}
      });
    }
    api.installed = false;
    return true;
  };

  const api = {
    installed: true,
    pristine: {
      add: orig.add,
      remove: orig.remove,
      preventDefault: orig.preventDefault,
      stopImmediatePropagation: orig.stopImmediatePropagation,
    },
    trackedCount: () => registry.length,
    trackedTypes: () => Array.from(new Set(registry.map((e) => e.type))),
    removeAllTrackedListeners: removeAllTrackedListeners,
    restoreOriginals: restoreOriginals,
  };
  try {
    Object.defineProperty(window, cfg.key, { value: api, configurable: true, enumerable: false, writable: false });
  } catch (e) {
    window[cfg.key] = api;
  }
})();`
