package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Rorqualx/copyguard/internal/probe"
)

// manualClock collects scheduled callbacks so tests decide when they fire.
type manualClock struct {
	mu      sync.Mutex
	pending []*pendingTimer
}

type pendingTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (c *manualClock) schedule(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &pendingTimer{d: d, f: f}
	c.pending = append(c.pending, t)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		was := !t.stopped
		t.stopped = true
		return was
	}
}

// fireAll runs every timer that has not been stopped.
func (c *manualClock) fireAll() {
	c.mu.Lock()
	timers := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, t := range timers {
		if !t.stopped {
			t.f()
		}
	}
}

// fireAllIgnoringStop runs every timer, simulating callbacks that raced Stop.
func (c *manualClock) fireAllIgnoringStop() {
	c.mu.Lock()
	timers := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, t := range timers {
		t.f()
	}
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) recheck(context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return true
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestRelevant(t *testing.T) {
	tests := []struct {
		name string
		msg  probe.MutationObserved
		want bool
	}{
		{"style attribute", probe.MutationObserved{Attribute: "style"}, true},
		{"class attribute", probe.MutationObserved{Attribute: "class"}, true},
		{"oncontextmenu", probe.MutationObserved{Attribute: "oncontextmenu"}, true},
		{"onselectstart", probe.MutationObserved{Attribute: "onselectstart"}, true},
		{"style element", probe.MutationObserved{Tag: "STYLE"}, true},
		{"link element", probe.MutationObserved{Tag: "LINK"}, true},
		{"href attribute", probe.MutationObserved{Attribute: "href"}, false},
		{"div element", probe.MutationObserved{Tag: "DIV"}, false},
		{"empty", probe.MutationObserved{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Relevant(tt.msg); got != tt.want {
				t.Errorf("Relevant(%+v) = %v, want %v", tt.msg, got, tt.want)
			}
		})
	}
}

func TestObserve_BurstCoalescesToOneRecheck(t *testing.T) {
	clock := &manualClock{}
	c := &counter{}
	m := New(context.Background(), c.recheck, WithSchedule(clock.schedule))

	for i := 0; i < 10; i++ {
		if !m.Observe(probe.MutationObserved{Attribute: "class", Count: 1}) {
			t.Fatalf("Observe #%d rejected a relevant mutation", i)
		}
	}
	clock.fireAllIgnoringStop()

	if got := c.count(); got != 1 {
		t.Errorf("recheck count = %d, want 1", got)
	}
	if s := m.Stats(); s.Mutations != 10 || s.Rechecks != 1 {
		t.Errorf("Stats = %+v, want 10 mutations and 1 recheck", s)
	}
}

func TestObserve_SeparateBurstsRecheckEach(t *testing.T) {
	clock := &manualClock{}
	c := &counter{}
	m := New(context.Background(), c.recheck, WithSchedule(clock.schedule))

	m.Observe(probe.MutationObserved{Tag: "STYLE"})
	clock.fireAll()
	m.Observe(probe.MutationObserved{Attribute: "style"})
	clock.fireAll()

	if got := c.count(); got != 2 {
		t.Errorf("recheck count = %d, want 2", got)
	}
}

func TestObserve_UsesWindow(t *testing.T) {
	clock := &manualClock{}
	m := New(context.Background(), (&counter{}).recheck,
		WithSchedule(clock.schedule), WithWindow(250*time.Millisecond))

	m.Observe(probe.MutationObserved{Attribute: "class"})
	if len(clock.pending) != 1 || clock.pending[0].d != 250*time.Millisecond {
		t.Fatalf("pending timers = %+v, want one 250ms timer", clock.pending)
	}
}

func TestObserve_IrrelevantIgnored(t *testing.T) {
	clock := &manualClock{}
	c := &counter{}
	m := New(context.Background(), c.recheck, WithSchedule(clock.schedule))

	if m.Observe(probe.MutationObserved{Attribute: "data-x"}) {
		t.Error("Observe accepted an irrelevant mutation")
	}
	clock.fireAll()
	if c.count() != 0 {
		t.Error("irrelevant mutation triggered a recheck")
	}
	if s := m.Stats(); s.Ignored != 1 {
		t.Errorf("Ignored = %d, want 1", s.Ignored)
	}
}

func TestDisconnect_CancelsPending(t *testing.T) {
	clock := &manualClock{}
	c := &counter{}
	disconnected := 0
	m := New(context.Background(), c.recheck,
		WithSchedule(clock.schedule),
		WithDisconnect(func(context.Context) error {
			disconnected++
			return nil
		}))

	m.Observe(probe.MutationObserved{Attribute: "style"})
	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	clock.fireAllIgnoringStop()

	if c.count() != 0 {
		t.Error("recheck ran after Disconnect")
	}
	if m.Observe(probe.MutationObserved{Attribute: "style"}) {
		t.Error("Observe accepted a message after Disconnect")
	}
	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if disconnected != 1 {
		t.Errorf("page disconnect calls = %d, want 1", disconnected)
	}
	if m.Stats().Connected {
		t.Error("Stats().Connected = true after Disconnect")
	}
}

func TestDisconnect_PropagatesError(t *testing.T) {
	want := errors.New("target closed")
	m := New(context.Background(), (&counter{}).recheck,
		WithDisconnect(func(context.Context) error { return want }))
	if err := m.Disconnect(context.Background()); !errors.Is(err, want) {
		t.Errorf("Disconnect error = %v, want %v", err, want)
	}
}

func TestFire_SkipsCanceledContext(t *testing.T) {
	clock := &manualClock{}
	c := &counter{}
	ctx, cancel := context.WithCancel(context.Background())
	m := New(ctx, c.recheck, WithSchedule(clock.schedule))

	m.Observe(probe.MutationObserved{Attribute: "class"})
	cancel()
	clock.fireAll()

	if c.count() != 0 {
		t.Error("recheck ran with a canceled context")
	}
}

func TestObserve_RealTimer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timer test in short mode")
	}
	done := make(chan struct{}, 1)
	m := New(context.Background(), func(context.Context) bool {
		done <- struct{}{}
		return false
	}, WithWindow(20*time.Millisecond))

	m.Observe(probe.MutationObserved{Attribute: "style"})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recheck did not run")
	}
}

func TestObserverScript(t *testing.T) {
	js := ObserverScript(Options{TopOnly: true})
	for _, want := range []string{
		"MutationObserver",
		`"topOnly":true`,
		`"oncontextmenu"`,
		`"STYLE"`,
		ObserverKey,
		probe.BindingName,
		"'mutation'",
	} {
		if !strings.Contains(js, want) {
			t.Errorf("ObserverScript missing %q", want)
		}
	}
	if !strings.Contains(DisconnectScript(), ObserverKey) {
		t.Error("DisconnectScript does not reference the observer handle")
	}
}
