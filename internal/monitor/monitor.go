// Package monitor debounces relevant DOM mutations into rechecks.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/copyguard/internal/metrics"
	"github.com/Rorqualx/copyguard/internal/probe"
)

// DefaultWindow is the quiescence period before a recheck.
const DefaultWindow = 500 * time.Millisecond

// ObserverKey is the window property holding the in-page observer handle.
const ObserverKey = "__copyguardObserver"

// WatchedAttributes and WatchedTags define which mutations matter.
var (
	WatchedAttributes = []string{"style", "class", "oncontextmenu", "onselectstart"}
	WatchedTags       = []string{"STYLE", "LINK"}
)

// Relevant reports whether a mutation message names a watched attribute or tag.
func Relevant(m probe.MutationObserved) bool {
	for _, a := range WatchedAttributes {
		if m.Attribute == a {
			return true
		}
	}
	for _, t := range WatchedTags {
		if m.Tag == t {
			return true
		}
	}
	return false
}

// ScheduleFunc runs f after d and returns a function that cancels it.
type ScheduleFunc func(d time.Duration, f func()) (stop func() bool)

// Stats describes monitor activity.
type Stats struct {
	Mutations int64 `json:"mutations"`
	Ignored   int64 `json:"ignored"`
	Rechecks  int64 `json:"rechecks"`
	Connected bool  `json:"connected"`
}

// Monitor coalesces bursts of relevant mutations into one recheck per burst.
// Each accepted mutation starts a new generation; a timer only fires the
// recheck if its generation is still current.
type Monitor struct {
	ctx        context.Context
	recheck    func(ctx context.Context) bool
	window     time.Duration
	schedule   ScheduleFunc
	disconnect func(ctx context.Context) error

	mu         sync.Mutex
	generation uint64
	stop       func() bool
	connected  bool
	stats      Stats
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithWindow sets the debounce window.
func WithWindow(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithSchedule replaces time.AfterFunc, for tests.
func WithSchedule(s ScheduleFunc) Option {
	return func(m *Monitor) { m.schedule = s }
}

// WithDisconnect sets the function that tears down the in-page observer.
func WithDisconnect(fn func(ctx context.Context) error) Option {
	return func(m *Monitor) { m.disconnect = fn }
}

// New creates a connected Monitor. ctx bounds the rechecks it triggers.
func New(ctx context.Context, recheck func(ctx context.Context) bool, opts ...Option) *Monitor {
	m := &Monitor{
		ctx:     ctx,
		recheck: recheck,
		window:  DefaultWindow,
		schedule: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		connected: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.stats.Connected = true
	return m
}

// Observe accepts a mutation message and (re)arms the debounce timer.
// It returns false for irrelevant mutations or a disconnected monitor.
func (m *Monitor) Observe(msg probe.MutationObserved) bool {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return false
	}
	if !Relevant(msg) {
		m.stats.Ignored++
		m.mu.Unlock()
		metrics.RecordRejectedMessage("irrelevant_mutation")
		return false
	}
	m.stats.Mutations++
	m.generation++
	gen := m.generation
	if m.stop != nil {
		m.stop()
	}
	m.mu.Unlock()

	stop := m.schedule(m.window, func() { m.fire(gen) })

	m.mu.Lock()
	if m.generation == gen && m.connected {
		m.stop = stop
	} else {
		stop()
	}
	m.mu.Unlock()
	return true
}

func (m *Monitor) fire(gen uint64) {
	m.mu.Lock()
	if !m.connected || gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.stop = nil
	m.stats.Rechecks++
	m.mu.Unlock()

	if m.ctx.Err() != nil {
		return
	}
	changed := m.recheck(m.ctx)
	log.Debug().Bool("changed", changed).Uint64("generation", gen).Msg("Mutation burst rechecked")
}

// Disconnect stops observation. Pending timers are cancelled and later
// messages are ignored. Safe to call multiple times.
func (m *Monitor) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connected = false
	m.stats.Connected = false
	m.generation++
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
	disconnect := m.disconnect
	m.mu.Unlock()

	if disconnect != nil {
		return disconnect(ctx)
	}
	return nil
}

// Stats returns a snapshot of monitor activity.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Options controls how the observer script is rendered.
type Options struct {
	TopOnly bool
}

// ObserverScript renders the in-page MutationObserver. It forwards at most
// one mutation message per observer callback.
func ObserverScript(opts Options) string {
	cfg, _ := json.Marshal(struct {
		Key        string   `json:"key"`
		TopOnly    bool     `json:"topOnly"`
		Attributes []string `json:"attributes"`
		Tags       []string `json:"tags"`
	}{ObserverKey, opts.TopOnly, WatchedAttributes, WatchedTags})

	return fmt.Sprintf(`(() => {
  const cfg = %s;
  if (cfg.topOnly && window !== window.top) return;
  if (window[cfg.key] || typeof MutationObserver !== 'function') return;
  const send = %s;
  const attrs = new Set(cfg.attributes);
  const tags = new Set(cfg.tags);
  const observer = new MutationObserver((records) => {
    let attribute = '';
    let tag = '';
    let count = 0;
    for (const r of records) {
      if (r.type === 'attributes' && attrs.has(r.attributeName)) {
        count++;
        if (!attribute) attribute = r.attributeName;
      } else if (r.type === 'childList') {
        for (const n of r.addedNodes) {
          if (n.nodeType === 1 && tags.has(n.nodeName)) {
            count++;
            if (!tag) tag = n.nodeName;
          }
        }
      }
    }
    if (count > 0) send('mutation', { attribute: attribute, tag: tag, count: count });
  });
  observer.observe(document, { subtree: true, childList: true, attributes: true, attributeFilter: cfg.attributes });
  const handle = { disconnect: () => { observer.disconnect(); return true; } };
  try {
    Object.defineProperty(window, cfg.key, { value: handle, configurable: true, enumerable: false });
  } catch (e) {
    window[cfg.key] = handle;
  }
})();`, cfg, probe.SendHelper())
}

// DisconnectScript tears down the in-page observer.
func DisconnectScript() string {
	return fmt.Sprintf(`() => {
  const o = window[%q];
  if (!o) return false;
  o.disconnect();
  try { delete window[%q]; } catch (e) {}
  return true;
}`, ObserverKey, ObserverKey)
}
