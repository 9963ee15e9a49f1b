package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dd0wney/cluso-riskcap/pkg/design"
	"github.com/dd0wney/cluso-riskcap/pkg/estimate"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF00FF")).
			MarginLeft(2).
			MarginTop(1)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#FF00FF")).
			Padding(0, 2)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#666666")).
				Padding(0, 2)

	contentStyle = lipgloss.NewStyle().
			MarginLeft(2).
			MarginTop(1)

	statsBoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FF00")).
			Padding(0, 2)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFF00"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1).
			MarginLeft(2)
)

type view int

const (
	roundsView view = iota
	linksView
	designView
)

var viewNames = []string{"Rounds", "Links", "Design"}

type keyMap struct {
	Tab      key.Binding
	ShiftTab key.Binding
	Up       key.Binding
	Down     key.Binding
	Help     key.Binding
	Quit     key.Binding
}

var keys = keyMap{
	Tab: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "next view"),
	),
	ShiftTab: key.NewBinding(
		key.WithKeys("shift+tab"),
		key.WithHelp("shift+tab", "prev view"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
	Help: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "more keys"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Tab, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Tab, k.ShiftTab},
		{k.Up, k.Down},
		{k.Help, k.Quit},
	}
}

// Messages sent by the escalation goroutine.
type (
	roundMsg estimate.Round
	doneMsg  struct{ result *estimate.EscalationResult }
	errMsg   struct{ err error }
	tickMsg  time.Time
)

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type model struct {
	design    *design.Design
	plan      estimate.Escalation
	epsilon   float64
	current   view
	rounds    []estimate.Round
	result    *estimate.EscalationResult
	err       error
	running   bool
	spinner   spinner.Model
	roundTbl  table.Model
	linkTbl   table.Model
	help      help.Model
	keys      keyMap
	width     int
	startTime time.Time
	now       time.Time
}

func newTable(columns []table.Column) table.Model {
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#00FFFF")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#FF00FF")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func initialModel(d *design.Design, plan estimate.Escalation, epsilon float64) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF00FF"))

	now := time.Now()
	return model{
		design:  d,
		plan:    plan,
		epsilon: epsilon,
		running: true,
		spinner: sp,
		roundTbl: newTable([]table.Column{
			{Title: "Round", Width: 6},
			{Title: "Samples", Width: 10},
			{Title: "Max P", Width: 10},
			{Title: "Max ±", Width: 10},
			{Title: "Elapsed", Width: 10},
		}),
		linkTbl: newTable([]table.Column{
			{Title: "Link", Width: 10},
			{Title: "Capacity", Width: 10},
			{Title: "P", Width: 10},
			{Title: "Lower", Width: 10},
			{Title: "Upper", Width: 10},
		}),
		help:      help.New(),
		keys:      keys,
		startTime: now,
		now:       now,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Tab):
			m.current = (m.current + 1) % view(len(viewNames))
			return m, nil
		case key.Matches(msg, m.keys.ShiftTab):
			m.current = (m.current + view(len(viewNames)) - 1) % view(len(viewNames))
			return m, nil
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		}
		var cmd tea.Cmd
		switch m.current {
		case roundsView:
			m.roundTbl, cmd = m.roundTbl.Update(msg)
		case linksView:
			m.linkTbl, cmd = m.linkTbl.Update(msg)
		}
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case roundMsg:
		m.rounds = append(m.rounds, estimate.Round(msg))
		m.refreshTables()
		return m, nil

	case doneMsg:
		m.running = false
		m.result = msg.result
		return m, nil

	case errMsg:
		m.running = false
		m.err = msg.err
		return m, nil

	case tickMsg:
		m.now = time.Time(msg)
		if !m.running {
			return m, nil
		}
		return m, tickCmd()

	case spinner.TickMsg:
		if !m.running {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *model) refreshTables() {
	rows := make([]table.Row, len(m.rounds))
	for i, r := range m.rounds {
		rows[i] = table.Row{
			fmt.Sprintf("%d", r.Round),
			fmt.Sprintf("%d", r.Samples),
			fmt.Sprintf("%.5f", r.Result.MaxProbability()),
			fmt.Sprintf("%.2e", r.MaxHalfWidth),
			r.Elapsed.Round(time.Millisecond).String(),
		}
	}
	m.roundTbl.SetRows(rows)

	if len(m.rounds) == 0 {
		return
	}
	latest := m.rounds[len(m.rounds)-1].Result
	rows = make([]table.Row, len(latest.Links))
	for i, l := range latest.Links {
		rows[i] = table.Row{
			l.Link.String(),
			fmt.Sprintf("%.4f", l.Capacity),
			fmt.Sprintf("%.5f", l.Probability),
			fmt.Sprintf("%.5f", l.Lower),
			fmt.Sprintf("%.5f", l.Upper),
		}
	}
	m.linkTbl.SetRows(rows)
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("riskcap · sample-size escalation"))
	b.WriteString("\n\n")
	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var content string
	switch m.current {
	case roundsView:
		content = m.roundTbl.View()
	case linksView:
		content = m.linkTbl.View()
	case designView:
		content = m.renderDesign()
	}
	b.WriteString(contentStyle.Render(content))
	b.WriteString("\n")
	b.WriteString(contentStyle.Render(m.renderStatus()))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(m.help.View(m.keys)))
	return b.String()
}

func (m model) renderTabs() string {
	tabs := make([]string, len(viewNames))
	for i, name := range viewNames {
		if view(i) == m.current {
			tabs[i] = activeTabStyle.Render(name)
		} else {
			tabs[i] = inactiveTabStyle.Render(name)
		}
	}
	return lipgloss.NewStyle().MarginLeft(2).Render(lipgloss.JoinHorizontal(lipgloss.Top, tabs...))
}

func (m model) renderDesign() string {
	d := m.design
	lines := []string{
		fmt.Sprintf("Design:          %s", d.ID),
		fmt.Sprintf("Total capacity:  %.4f", d.TotalCapacity()),
		fmt.Sprintf("Chosen links:    %d of %d", len(d.ChosenLinks()), d.NumLinks()),
		fmt.Sprintf("Commodities:     %d", len(d.Commodities)),
		fmt.Sprintf("Per link:        %.3f", d.AverageCommoditiesPerLink()),
		fmt.Sprintf("Epsilon:         %.3g", m.epsilon),
		fmt.Sprintf("Tolerance:       %.2e", m.plan.Tolerance),
	}
	return statsBoxStyle.Render(strings.Join(lines, "\n"))
}

func (m model) renderStatus() string {
	elapsed := m.now.Sub(m.startTime).Round(time.Second)
	switch {
	case m.err != nil:
		return errorStyle.Render("✗ " + m.err.Error())
	case m.running:
		total := len(m.schedule())
		return fmt.Sprintf("%s round %d of %d running · %s", m.spinner.View(), min(len(m.rounds)+1, total), total, elapsed)
	case m.result != nil && m.result.Converged:
		return successStyle.Render(fmt.Sprintf("✓ converged after %d rounds · %s", len(m.result.Rounds), elapsed))
	default:
		return warnStyle.Render(fmt.Sprintf("schedule exhausted without reaching %.2e · %s", m.plan.Tolerance, elapsed))
	}
}

func (m model) schedule() []int {
	if len(m.plan.Schedule) > 0 {
		return m.plan.Schedule
	}
	return estimate.DefaultSchedule()
}
