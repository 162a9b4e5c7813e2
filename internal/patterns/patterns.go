// Package patterns provides the copy-blocking signature registry.
package patterns

import (
	"embed"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var defaultPatternsFS embed.FS

// StyleRule is a CSS property and the values that block selection.
type StyleRule struct {
	Property string   `yaml:"property" json:"property"`
	Values   []string `yaml:"values" json:"values"`
}

// SiteFix is a per-domain recipe applied by the bypass engine.
type SiteFix struct {
	Domain      string   `yaml:"domain" json:"domain"`
	Selectors   []string `yaml:"selectors" json:"selectors"`
	Method      string   `yaml:"method" json:"method"`
	Description string   `yaml:"description" json:"description"`
}

// TrackingScripts identifies third-party scripts that watch clipboard activity.
type TrackingScripts struct {
	Names    []string `yaml:"names" json:"names"`
	Patterns []string `yaml:"patterns" json:"patterns"`
}

// Registry holds every blocking signature. A Registry is immutable once built.
type Registry struct {
	OverrideStyleID  string          `yaml:"override_style_id"`
	BlockingStyles   []StyleRule     `yaml:"blocking_styles"`
	InlineHandlers   []string        `yaml:"inline_handlers"`
	BlockingClasses  []string        `yaml:"blocking_classes"`
	TrackedEvents    []string        `yaml:"tracked_events"`
	SuppressedEvents []string        `yaml:"suppressed_events"`
	CaptureEvents    []string        `yaml:"capture_events"`
	TrackingScripts  TrackingScripts `yaml:"tracking_scripts"`
	SpecialDomains   []string        `yaml:"special_domains"`
	SiteFixes        []SiteFix       `yaml:"site_fixes"`

	classes  map[string]struct{}
	styles   map[string]map[string]struct{}
	trackers []*regexp.Regexp
}

var (
	instance *Registry
	once     sync.Once
	loadErr  error
)

// Get returns the embedded Registry.
func Get() *Registry {
	once.Do(func() {
		instance, loadErr = load()
		if loadErr != nil {
			log.Error().Err(loadErr).Msg("Failed to load patterns, using defaults")
			instance = defaultRegistry()
		}
	})
	return instance
}

func load() (*Registry, error) {
	data, err := defaultPatternsFS.ReadFile("patterns.yaml")
	if err != nil {
		return nil, err
	}

	r, err := Parse(data)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Int("style_rules", len(r.BlockingStyles)).
		Int("inline_handlers", len(r.InlineHandlers)).
		Int("blocking_classes", len(r.BlockingClasses)).
		Int("site_fixes", len(r.SiteFixes)).
		Msg("Patterns loaded")

	return r, nil
}

// Parse decodes, validates, and indexes a registry document.
func Parse(data []byte) (*Registry, error) {
	var r Registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := r.index(); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// defaultRegistry returns hardcoded fallback patterns.
func defaultRegistry() *Registry {
	r := &Registry{
		OverrideStyleID: "copyguard-override",
		BlockingStyles: []StyleRule{
			{Property: "user-select", Values: []string{"none"}},
			{Property: "-webkit-user-select", Values: []string{"none"}},
			{Property: "pointer-events", Values: []string{"none"}},
		},
		InlineHandlers:   []string{"onselectstart", "oncontextmenu", "ondragstart", "oncopy", "oncut", "onpaste"},
		BlockingClasses:  []string{"no-select", "noselect", "unselectable", "no-copy", "disable-copy", "copy-protection"},
		TrackedEvents:    []string{"copy", "paste", "cut", "selectstart", "contextmenu"},
		SuppressedEvents: []string{"contextmenu", "selectstart", "copy", "paste"},
		CaptureEvents:    []string{"contextmenu", "selectstart", "dragstart"},
		SpecialDomains:   []string{"claude.ai", "chat.openai.com", "github.com", "stackoverflow.com"},
	}
	_ = r.index()
	return r
}

// index normalizes entries and builds the lookup tables.
func (r *Registry) index() error {
	r.classes = make(map[string]struct{}, len(r.BlockingClasses))
	for _, c := range r.BlockingClasses {
		r.classes[strings.TrimSpace(c)] = struct{}{}
	}

	r.styles = make(map[string]map[string]struct{}, len(r.BlockingStyles))
	for i, rule := range r.BlockingStyles {
		prop := strings.ToLower(strings.TrimSpace(rule.Property))
		r.BlockingStyles[i].Property = prop
		values, ok := r.styles[prop]
		if !ok {
			values = make(map[string]struct{})
			r.styles[prop] = values
		}
		for _, v := range rule.Values {
			values[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
		}
	}

	r.trackers = r.trackers[:0]
	for _, p := range r.TrackingScripts.Patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return fmt.Errorf("tracking pattern %q: %w", p, err)
		}
		r.trackers = append(r.trackers, re)
	}

	for i, fix := range r.SiteFixes {
		r.SiteFixes[i].Domain = normalizeHost(fix.Domain)
	}
	for i, d := range r.SpecialDomains {
		r.SpecialDomains[i] = normalizeHost(d)
	}
	return nil
}

// Validate checks that the registry can drive detection and bypass.
func (r *Registry) Validate() error {
	if len(r.BlockingStyles) == 0 && len(r.InlineHandlers) == 0 && len(r.BlockingClasses) == 0 {
		return fmt.Errorf("patterns must define at least one of blocking_styles, inline_handlers, or blocking_classes")
	}
	if r.OverrideStyleID != "" && !validElementID.MatchString(r.OverrideStyleID) {
		return fmt.Errorf("override_style_id %q is not a valid element id", r.OverrideStyleID)
	}
	for _, h := range r.InlineHandlers {
		if !strings.HasPrefix(h, "on") {
			return fmt.Errorf("inline handler %q must start with \"on\"", h)
		}
	}
	for _, fix := range r.SiteFixes {
		if fix.Domain == "" || len(fix.Selectors) == 0 {
			return fmt.Errorf("site fix needs a domain and at least one selector")
		}
	}
	return nil
}

var validElementID = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// IsBlockingStyle reports whether a computed or declared CSS value blocks selection.
func (r *Registry) IsBlockingStyle(property, value string) bool {
	values, ok := r.styles[strings.ToLower(strings.TrimSpace(property))]
	if !ok {
		return false
	}
	v := strings.ToLower(strings.TrimSpace(value))
	v = strings.TrimSpace(strings.TrimSuffix(v, "!important"))
	_, ok = values[v]
	return ok
}

// IsBlockingClass reports whether a class name is a known blocking class.
func (r *Registry) IsBlockingClass(name string) bool {
	_, ok := r.classes[strings.TrimSpace(name)]
	return ok
}

// SiteFixFor returns the fix for a domain or any parent domain.
func (r *Registry) SiteFixFor(domain string) (SiteFix, bool) {
	host := normalizeHost(domain)
	if host == "" {
		return SiteFix{}, false
	}
	for _, fix := range r.SiteFixes {
		if host == fix.Domain || strings.HasSuffix(host, "."+fix.Domain) {
			return fix, true
		}
	}
	return SiteFix{}, false
}

// IsTrackingScript reports whether a script URL or body matches a tracking signature.
func (r *Registry) IsTrackingScript(src string) bool {
	lower := strings.ToLower(src)
	for _, name := range r.TrackingScripts.Names {
		if name != "" && strings.Contains(lower, strings.ToLower(name)) {
			return true
		}
	}
	for _, re := range r.trackers {
		if re.MatchString(src) {
			return true
		}
	}
	return false
}

// IsSpecialDomain reports whether the host is a multi-tenant domain whose
// first path segment is part of the domain key.
func (r *Registry) IsSpecialDomain(host string) bool {
	for _, d := range r.SpecialDomains {
		if d == host {
			return true
		}
	}
	return false
}

// StyleProperties returns the distinct CSS properties with blocking values.
func (r *Registry) StyleProperties() []string {
	seen := make(map[string]bool, len(r.BlockingStyles))
	var out []string
	for _, rule := range r.BlockingStyles {
		if !seen[rule.Property] {
			seen[rule.Property] = true
			out = append(out, rule.Property)
		}
	}
	return out
}

// DeclarationProperties returns the user-select variants among the blocking
// properties. Stylesheet rules are only matched against these; properties
// such as pointer-events are routinely set to none on icons and overlays.
func (r *Registry) DeclarationProperties() []string {
	var out []string
	for _, p := range r.StyleProperties() {
		if isUserSelect(p) {
			out = append(out, p)
		}
	}
	return out
}

func isUserSelect(property string) bool {
	p := strings.ToLower(strings.TrimSpace(property))
	return p == "user-select" || strings.HasSuffix(p, "-user-select")
}

// IsBlockingDeclaration reports whether a stylesheet declaration blocks
// selection.
func (r *Registry) IsBlockingDeclaration(property, value string) bool {
	return isUserSelect(property) && r.IsBlockingStyle(property, value)
}

func normalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimSuffix(h, ".")
	return strings.TrimPrefix(h, "www.")
}
