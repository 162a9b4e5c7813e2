// Package report aggregates domain states into the statistics report.
package report

import (
	"bytes"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/markdown"

	"github.com/Rorqualx/copyguard/internal/types"
)

// DefaultWindow is how far back the report looks.
const DefaultWindow = 24 * time.Hour

// MaxTopSites caps the top-blocking-sites table.
const MaxTopSites = 10

// Build aggregates the states seen within window before now.
func Build(states []types.DomainState, now time.Time, window time.Duration) types.StatsReport {
	if window <= 0 {
		window = DefaultWindow
	}
	cutoff := now.Add(-window)

	rep := types.StatsReport{
		GeneratedAt:        now.UTC(),
		Window:             window.String(),
		MostCommonBlocking: []types.SignatureCount{},
		TopBlockingSites:   []types.BlockingSite{},
	}

	counts := make(map[types.Signature]int, len(types.AllSignatures))
	latest := make(map[string]types.DomainState)

	for _, st := range states {
		if !st.Timestamp.After(cutoff) {
			continue
		}
		rep.TotalSitesChecked++
		if !st.Results.HasBlocking() {
			continue
		}
		rep.SitesWithBlocking++
		for _, sig := range st.Results.Fired() {
			counts[sig]++
		}
		host := st.Hostname
		if host == "" {
			host = st.DomainKey
		}
		if prev, ok := latest[host]; !ok || st.Timestamp.After(prev.Timestamp) {
			latest[host] = st
		}
	}

	for _, sig := range types.AllSignatures {
		rep.MostCommonBlocking = append(rep.MostCommonBlocking, types.SignatureCount{Signature: sig, Count: counts[sig]})
	}
	sort.SliceStable(rep.MostCommonBlocking, func(i, j int) bool {
		a, b := rep.MostCommonBlocking[i], rep.MostCommonBlocking[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Signature < b.Signature
	})

	for host, st := range latest {
		rep.TopBlockingSites = append(rep.TopBlockingSites, types.BlockingSite{
			Hostname:   host,
			URL:        st.URL,
			Signatures: st.Results.Fired(),
			Timestamp:  st.Timestamp,
		})
	}
	sort.Slice(rep.TopBlockingSites, func(i, j int) bool {
		a, b := rep.TopBlockingSites[i], rep.TopBlockingSites[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.Hostname < b.Hostname
	})
	if len(rep.TopBlockingSites) > MaxTopSites {
		rep.TopBlockingSites = rep.TopBlockingSites[:MaxTopSites]
	}

	return rep
}

// WriteMarkdown renders the report as Markdown.
func WriteMarkdown(w io.Writer, rep types.StatsReport) error {
	md := markdown.NewMarkdown(w)

	md.H1("Copyguard Report")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Generated", rep.GeneratedAt.Format("2006-01-02 15:04:05 MST")},
			{"Window", rep.Window},
			{"Sites Checked", strconv.Itoa(rep.TotalSitesChecked)},
			{"Sites With Blocking", strconv.Itoa(rep.SitesWithBlocking)},
		},
	})
	md.PlainText("")

	md.H2("Most Common Blocking")
	md.PlainText("")
	rows := make([][]string, 0, len(rep.MostCommonBlocking))
	for _, c := range rep.MostCommonBlocking {
		rows = append(rows, []string{c.Signature.Label(), strconv.Itoa(c.Count)})
	}
	md.Table(markdown.TableSet{Header: []string{"Signature", "Sites"}, Rows: rows})
	md.PlainText("")

	md.H2("Top Blocking Sites")
	md.PlainText("")
	if len(rep.TopBlockingSites) == 0 {
		md.PlainText("No blocking detected in this window.")
		return md.Build()
	}
	rows = make([][]string, 0, len(rep.TopBlockingSites))
	for _, s := range rep.TopBlockingSites {
		labels := make([]string, len(s.Signatures))
		for i, sig := range s.Signatures {
			labels[i] = sig.Label()
		}
		rows = append(rows, []string{"`" + s.Hostname + "`", strings.Join(labels, ", "), s.Timestamp.UTC().Format(time.RFC3339)})
	}
	md.Table(markdown.TableSet{Header: []string{"Site", "Signatures", "Last Seen"}, Rows: rows})

	return md.Build()
}

// Markdown renders the report to a string.
func Markdown(rep types.StatsReport) (string, error) {
	var buf bytes.Buffer
	if err := WriteMarkdown(&buf, rep); err != nil {
		return "", err
	}
	return buf.String(), nil
}
