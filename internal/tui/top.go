// Package tui implements the copyguard top dashboard.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/tidwall/gjson"

	"github.com/Rorqualx/copyguard/internal/types"
)

// RefreshInterval is how often the dashboard polls the server.
const RefreshInterval = 2 * time.Second

// Source is the API the dashboard polls.
type Source interface {
	Stats(ctx context.Context) (gjson.Result, error)
	Tabs(ctx context.Context) (gjson.Result, error)
}

// --- Messages ---

type tickMsg time.Time

type snapshotMsg struct {
	stats gjson.Result
	tabs  gjson.Result
	err   error
	at    time.Time
}

// --- Model ---

// Model is the bubbletea model for the dashboard.
type Model struct {
	source   Source
	server   string
	interval time.Duration

	stats   gjson.Result
	tabs    gjson.Result
	err     error
	updated time.Time
	loading bool
	width   int
}

// NewModel creates a dashboard polling source; server is shown in the title.
func NewModel(source Source, server string) Model {
	return Model{
		source:   source,
		server:   server,
		interval: RefreshInterval,
		loading:  true,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) fetch() tea.Cmd {
	source := m.source
	timeout := m.interval
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		msg := snapshotMsg{at: time.Now()}
		msg.stats, msg.err = source.Stats(ctx)
		if msg.err != nil {
			return msg
		}
		msg.tabs, msg.err = source.Tabs(ctx)
		return msg
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			m.loading = true
			return m, m.fetch()
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case snapshotMsg:
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			m.stats = msg.stats
			m.tabs = msg.tabs
			m.updated = msg.at
		}
		return m, nil
	}
	return m, nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")).Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	alertStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Padding(0, 1)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("copyguard top") + labelStyle.Render(m.server))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(errStyle.Render("error: "+m.err.Error()) + "\n\n")
	}
	if m.loading && m.updated.IsZero() {
		b.WriteString(labelStyle.Render("loading...") + "\n")
		return b.String()
	}

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		boxStyle.Render(m.summaryView()),
		" ",
		boxStyle.Render(m.blockingView()),
	))
	b.WriteString("\n")
	b.WriteString(boxStyle.Render(m.tabsView()))
	b.WriteString("\n")

	updated := "never"
	if !m.updated.IsZero() {
		updated = m.updated.Format("15:04:05")
	}
	b.WriteString(footerStyle.Render(fmt.Sprintf("updated %s  r refresh  q quit", updated)))
	return b.String()
}

func (m Model) summaryView() string {
	checked := m.stats.Get("totalSitesChecked").Int()
	blocking := m.stats.Get("sitesWithBlocking").Int()

	lines := []string{
		headerStyle.Render("Summary"),
		labelStyle.Render("window   ") + m.stats.Get("window").String(),
		labelStyle.Render("checked  ") + fmt.Sprint(checked),
		labelStyle.Render("blocking ") + countStyle(blocking).Render(fmt.Sprint(blocking)),
		labelStyle.Render("tabs     ") + fmt.Sprint(len(m.tabs.Array())),
	}
	return strings.Join(lines, "\n")
}

func (m Model) blockingView() string {
	lines := []string{headerStyle.Render("Most common blocking")}
	rows := m.stats.Get("mostCommonBlocking").Array()
	if len(rows) == 0 {
		lines = append(lines, labelStyle.Render("none"))
	}
	for _, r := range rows {
		sig := types.Signature(r.Get("signature").String())
		lines = append(lines, fmt.Sprintf("%-22s %d", sig.Label(), r.Get("count").Int()))
	}
	return strings.Join(lines, "\n")
}

func (m Model) tabsView() string {
	lines := []string{headerStyle.Render("Tabs")}
	tabs := m.tabs.Array()
	if len(tabs) == 0 {
		lines = append(lines, labelStyle.Render("no open tabs"))
	}

	urlWidth := 48
	if m.width > 0 {
		urlWidth = max(16, m.width-60)
	}
	for _, t := range tabs {
		indicator := okStyle.Render("  ")
		if t.Get("indicator.text").String() != "" {
			indicator = alertStyle.Render(t.Get("indicator.text").String())
		}
		lines = append(lines, fmt.Sprintf("%s %-8s %-12s %-24s %s",
			indicator,
			shortID(t.Get("id").String()),
			t.Get("detector").String(),
			truncate(t.Get("domainKey").String(), 24),
			truncate(t.Get("url").String(), urlWidth),
		))
	}
	return strings.Join(lines, "\n")
}

func countStyle(n int64) lipgloss.Style {
	if n > 0 {
		return alertStyle
	}
	return okStyle
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

// Run starts the dashboard and blocks until the user quits.
func Run(source Source, server string) error {
	_, err := tea.NewProgram(NewModel(source, server), tea.WithAltScreen()).Run()
	return err
}
