// Package staticscan inspects HTML for copy-blocking signatures without
// running any scripts.
package staticscan

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Rorqualx/copyguard/internal/patterns"
	"github.com/Rorqualx/copyguard/internal/types"
)

// Finding kinds.
const (
	FindingHandler     = "inline_handler"
	FindingClass       = "blocking_class"
	FindingInlineStyle = "inline_style"
	FindingStyleRule   = "style_rule"
	FindingTracker     = "tracking_script"
)

// Finding is one signature found in the document.
type Finding struct {
	Kind    string `json:"kind"`
	Element string `json:"element"`
	Detail  string `json:"detail"`
}

// Report is the result of a static scan.
type Report struct {
	Source   string                `json:"source"`
	Title    string                `json:"title,omitempty"`
	Findings []Finding             `json:"findings"`
	Results  types.DetectionResult `json:"results"`
	Elements int                   `json:"elements"`
}

// Count returns how many findings have the kind.
func (r *Report) Count(kind string) int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// Scanner matches documents against a registry.
type Scanner struct {
	reg   *patterns.Registry
	rules []styleRule
}

type styleRule struct {
	property string
	re       *regexp.Regexp
}

// New creates a Scanner for reg.
func New(reg *patterns.Registry) *Scanner {
	s := &Scanner{reg: reg}
	for _, rule := range reg.BlockingStyles {
		for _, v := range rule.Values {
			re := regexp.MustCompile(`(?i)(?:^|[\s;{])` + regexp.QuoteMeta(rule.Property) + `\s*:\s*` + regexp.QuoteMeta(v) + `\s*(?:!important)?\s*(?:;|}|$)`)
			s.rules = append(s.rules, styleRule{property: rule.Property, re: re})
		}
	}
	return s
}

// ScanBytes scans an HTML document held in memory.
func (s *Scanner) ScanBytes(source string, html []byte) (*Report, error) {
	return s.Scan(source, bytes.NewReader(html))
}

// Scan parses and scans an HTML document.
func (s *Scanner) Scan(source string, r io.Reader) (*Report, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	rep := &Report{
		Source:   source,
		Title:    strings.TrimSpace(doc.Find("title").First().Text()),
		Findings: []Finding{},
	}

	doc.Find("*").Each(func(_ int, sel *goquery.Selection) {
		rep.Elements++
		tag := goquery.NodeName(sel)

		for _, h := range s.reg.InlineHandlers {
			if v, ok := sel.Attr(h); ok {
				rep.add(Finding{Kind: FindingHandler, Element: describe(sel), Detail: h + "=" + truncate(v, 80)})
				rep.Results.JSBlocking = true
				if h == "oncontextmenu" {
					rep.Results.ContextMenuBlocked = true
				}
			}
		}

		if class, ok := sel.Attr("class"); ok {
			for _, c := range strings.Fields(class) {
				if s.reg.IsBlockingClass(c) {
					rep.add(Finding{Kind: FindingClass, Element: describe(sel), Detail: c})
					rep.Results.CSSBlocking = true
				}
			}
		}

		if style, ok := sel.Attr("style"); ok {
			for _, decl := range strings.Split(style, ";") {
				prop, val, found := strings.Cut(decl, ":")
				if found && s.reg.IsBlockingStyle(prop, val) {
					rep.add(Finding{Kind: FindingInlineStyle, Element: describe(sel), Detail: strings.TrimSpace(prop) + ": " + strings.TrimSpace(val)})
					rep.Results.CSSBlocking = true
				}
			}
		}

		switch tag {
		case "style":
			css := sel.Text()
			for _, rule := range s.rules {
				if rule.re.MatchString(css) {
					rep.add(Finding{Kind: FindingStyleRule, Element: "style", Detail: rule.property})
					rep.Results.CSSBlocking = true
				}
			}
		case "script":
			if src, ok := sel.Attr("src"); ok {
				if s.reg.IsTrackingScript(src) {
					rep.add(Finding{Kind: FindingTracker, Element: "script", Detail: truncate(src, 120)})
					rep.Results.CopyTracking = true
				}
			} else if body := sel.Text(); body != "" && s.reg.IsTrackingScript(body) {
				rep.add(Finding{Kind: FindingTracker, Element: "script", Detail: "inline"})
				rep.Results.CopyTracking = true
			}
		}
	})

	sort.SliceStable(rep.Findings, func(i, j int) bool { return rep.Findings[i].Kind < rep.Findings[j].Kind })
	return rep, nil
}

func (r *Report) add(f Finding) {
	for _, e := range r.Findings {
		if e == f {
			return
		}
	}
	r.Findings = append(r.Findings, f)
}

// describe renders a short selector-like label for an element.
func describe(sel *goquery.Selection) string {
	out := goquery.NodeName(sel)
	if id, ok := sel.Attr("id"); ok && id != "" {
		out += "#" + id
	}
	return out
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
