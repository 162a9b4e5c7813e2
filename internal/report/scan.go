package report

import (
	"io"
	"strconv"
	"time"

	"github.com/nao1215/markdown"

	"github.com/Rorqualx/copyguard/internal/staticscan"
	"github.com/Rorqualx/copyguard/internal/types"
)

// Scan is the outcome of a one-shot live scan of a page.
type Scan struct {
	URL      string                `json:"url"`
	Domain   string                `json:"domain"`
	Title    string                `json:"title,omitempty"`
	Detector string                `json:"detector"`
	Results  types.DetectionResult `json:"results"`
	Bypass   *types.BypassResult   `json:"bypass,omitempty"`
	Duration time.Duration         `json:"durationNs"`
}

// WriteScanMarkdown renders a live scan.
func WriteScanMarkdown(w io.Writer, s Scan) error {
	md := markdown.NewMarkdown(w)

	md.H1("Copyguard Scan")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"URL", "`" + s.URL + "`"},
			{"Domain", s.Domain},
			{"Title", s.Title},
			{"Detector", s.Detector},
			{"Duration", s.Duration.Round(time.Millisecond).String()},
		},
	})
	md.PlainText("")

	md.H2("Signatures")
	md.PlainText("")
	writeSignatures(md, s.Results, "No copy restrictions detected.")

	if s.Bypass != nil {
		md.PlainText("")
		md.H2("Enable Copy")
		md.PlainText("")
		b := s.Bypass
		md.Table(markdown.TableSet{
			Header: []string{"Step", "Result"},
			Rows: [][]string{
				{"Override style", strconv.FormatBool(b.StyleInstalled)},
				{"Handlers cleared", strconv.Itoa(b.HandlersCleared)},
				{"Elements swept", strconv.Itoa(b.ElementsSwept)},
				{"Classes stripped", strconv.Itoa(b.ClassesStripped)},
				{"Listeners removed", strconv.Itoa(b.ListenersRemoved)},
				{"Capture handlers", strconv.FormatBool(b.CaptureInstalled)},
				{"Site fix", orDash(b.SiteFix)},
				{"Failures", strconv.Itoa(b.Failures)},
			},
		})
		if len(b.Errors) > 0 {
			md.PlainText("")
			md.BulletList(b.Errors...)
		}
	}

	return md.Build()
}

// WriteInspectMarkdown renders a static scan.
func WriteInspectMarkdown(w io.Writer, r *staticscan.Report) error {
	md := markdown.NewMarkdown(w)

	md.H1("Copyguard Inspect")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Source", "`" + r.Source + "`"},
			{"Title", r.Title},
			{"Elements", strconv.Itoa(r.Elements)},
			{"Findings", strconv.Itoa(len(r.Findings))},
		},
	})
	md.PlainText("")

	md.H2("Signatures")
	md.PlainText("")
	writeSignatures(md, r.Results, "No copy restrictions found in the markup.")

	if len(r.Findings) > 0 {
		md.PlainText("")
		md.H2("Findings")
		md.PlainText("")
		rows := make([][]string, 0, len(r.Findings))
		for _, f := range r.Findings {
			rows = append(rows, []string{f.Kind, "`" + f.Element + "`", f.Detail})
		}
		md.Table(markdown.TableSet{Header: []string{"Kind", "Element", "Detail"}, Rows: rows})
	}

	return md.Build()
}

func writeSignatures(md *markdown.Markdown, res types.DetectionResult, none string) {
	fired := res.Fired()
	if len(fired) == 0 {
		md.PlainText(none)
		return
	}
	labels := make([]string, len(fired))
	for i, sig := range fired {
		labels[i] = sig.Label()
	}
	md.BulletList(labels...)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
