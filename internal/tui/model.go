// Package tui is an interactive search client over the retriever.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tik-choco-lab/ragpipe/pkg/store"
)

// SearchFunc runs one query.
type SearchFunc func(ctx context.Context, query string) ([]store.Result, error)

type resultsMsg struct {
	query   string
	results []store.Result
	err     error
	elapsed time.Duration
}

type Model struct {
	search   SearchFunc
	timeout  time.Duration
	input    textinput.Model
	viewport viewport.Model
	header   string
	status   string
	results  []store.Result
	cursor   int
	query    string
	busy     bool
	ready    bool
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	scoreStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// New builds the model. header is shown under the title, typically the
// active backend.
func New(search SearchFunc, header string, timeout time.Duration) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Search query, Enter to run"
	ti.Focus()

	return Model{
		search:   search,
		timeout:  timeout,
		input:    ti,
		viewport: viewport.New(0, 0),
		header:   header,
		status:   "Ready.",
	}
}

func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) runSearch(query string) tea.Cmd {
	search, timeout := m.search, m.timeout
	return func() tea.Msg {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		start := time.Now()
		results, err := search(ctx, query)
		return resultsMsg{query: query, results: results, err: err, elapsed: time.Since(start)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, frame := boxStyle.GetFrameSize()
		// title, header, input box and status
		reserved := 2 + frame + 1 + 1
		m.viewport.Width = max(20, msg.Width-boxStyle.GetHorizontalFrameSize())
		m.viewport.Height = max(3, msg.Height-reserved-frame)
		m.viewport.SetContent(m.renderResult())
		return m, nil

	case resultsMsg:
		m.busy = false
		if msg.err != nil {
			m.status = errorStyle.Render("Error: " + msg.err.Error())
			m.results = nil
		} else {
			m.status = statusStyle.Render(fmt.Sprintf("%d results for %q in %s",
				len(msg.results), msg.query, msg.elapsed.Round(time.Millisecond)))
			m.results = msg.results
			m.query = msg.query
		}
		m.cursor = 0
		m.viewport.SetContent(m.renderResult())
		m.viewport.GotoTop()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.busy {
				return m, nil
			}
			m.busy = true
			m.status = dimStyle.Render("Searching...")
			return m, m.runSearch(q)
		case tea.KeyDown, tea.KeyUp:
			if len(m.results) == 0 {
				return m, nil
			}
			step := 1
			if msg.Type == tea.KeyUp {
				step = len(m.results) - 1
			}
			m.cursor = (m.cursor + step) % len(m.results)
			m.viewport.SetContent(m.renderResult())
			m.viewport.GotoTop()
			return m, nil
		case tea.KeyPgDown, tea.KeyPgUp:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	return strings.Join([]string{
		titleStyle.Render("ragpipe search"),
		dimStyle.Render(m.header),
		boxStyle.Render(m.viewport.View()),
		boxStyle.Render(m.input.View()),
		m.status,
	}, "\n")
}

func (m Model) renderResult() string {
	if len(m.results) == 0 {
		return "No results yet."
	}
	r := m.results[m.cursor]

	var b strings.Builder
	fmt.Fprintf(&b, "Result %d/%d  %s\n", m.cursor+1, len(m.results), scoreStyle.Render(fmt.Sprintf("score=%.3f", r.Score)))
	fmt.Fprintf(&b, "%s\n\n", dimStyle.Render("document "+r.DocumentID))
	b.WriteString(r.Text)
	if meta := formatMetadata(r.Metadata); meta != "" {
		b.WriteString("\n\n" + dimStyle.Render(meta))
	}
	return b.String()
}

func formatMetadata(meta map[string]any) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		if k == "content_hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, meta[k])
	}
	return strings.Join(parts, " ")
}
