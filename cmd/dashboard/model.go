package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"pnldesk/internal/reconcile"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	upStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("2")) // 绿色

	downStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")) // 红色

	staleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

// viewMsg carries one engine render into the bubbletea loop.
type viewMsg reconcile.View

// Controller is the part of the engine the UI drives.
type Controller interface {
	Select(userID string)
	Resync()
}

type model struct {
	ctrl    Controller
	users   []string
	current int
	session string

	view  reconcile.View
	width int
}

func newModel(ctrl Controller, users []string, session string) model {
	return model{ctrl: ctrl, users: users, session: session}
}

func (m model) Init() tea.Cmd {
	if len(m.users) > 0 {
		m.ctrl.Select(m.users[0])
	}
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "tab", "right", "l":
			return m.switchTo(m.current + 1), nil
		case "shift+tab", "left", "h":
			return m.switchTo(m.current - 1), nil
		case "r":
			m.ctrl.Resync()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case viewMsg:
		// 只展示当前选中用户的渲染
		if len(m.users) > 0 && msg.UserID == m.users[m.current] {
			m.view = reconcile.View(msg)
		}
	}
	return m, nil
}

func (m model) switchTo(i int) model {
	n := len(m.users)
	if n == 0 {
		return m
	}
	i = ((i % n) + n) % n
	if i == m.current {
		return m
	}
	m.current = i
	m.view = reconcile.View{UserID: m.users[i]}
	m.ctrl.Select(m.users[i])
	return m
}

func signed(v float64) string {
	s := fmt.Sprintf("%+.2f", v)
	switch {
	case v > 0:
		return upStyle.Render(s)
	case v < 0:
		return downStyle.Render(s)
	}
	return s
}

func (m model) field(key string) string {
	v, ok := m.view.Fields[key]
	if !ok {
		return labelStyle.Render("--")
	}
	src := m.view.Provenance[key]
	return fmt.Sprintf("%s %s", signed(v), labelStyle.Render(string(src)))
}

func (m model) View() string {
	if len(m.users) == 0 {
		return "no users configured\n"
	}

	var b strings.Builder
	tabs := make([]string, len(m.users))
	for i, u := range m.users {
		if i == m.current {
			tabs[i] = headerStyle.Render(u)
		} else {
			tabs[i] = labelStyle.Render(" " + u + " ")
		}
	}
	b.WriteString(strings.Join(tabs, " "))
	b.WriteString("\n\n")

	v := m.view
	state := v.State.String()
	if v.State == reconcile.StateStale || v.State == reconcile.StateColdCache {
		state = staleStyle.Render(state)
	}
	title := v.DisplayName
	if title == "" {
		title = m.users[m.current]
	}
	fmt.Fprintf(&b, "%s  %s %s  %s\n", title, v.Exchange, v.Pair, state)

	var rows []string
	for _, k := range []string{"pnl1d", "pnl7d", "pnl30d", "feePaid", "walletBalance", "availableBalance", "marginBalance", "unrealizedPnl"} {
		rows = append(rows, fmt.Sprintf("%-17s %s", labelStyle.Render(k), m.field(k)))
	}
	b.WriteString(borderStyle.Render(strings.Join(rows, "\n")))
	b.WriteString("\n")

	if len(v.Positions) > 0 {
		ps := append([]reconcile.Position(nil), v.Positions...)
		sort.SliceStable(ps, func(i, j int) bool { return ps[i].Symbol < ps[j].Symbol })
		var lines []string
		lines = append(lines, labelStyle.Render(fmt.Sprintf("%-10s %-5s %10s %12s %12s %12s", "symbol", "side", "size", "entry", "mark", "upnl")))
		for _, p := range ps {
			lines = append(lines, fmt.Sprintf("%-10s %-5s %10.4f %12.4f %12.4f %s",
				p.Symbol, p.Side, p.Size, p.EntryPrice, p.MarkPrice, signed(p.Unrealized())))
		}
		b.WriteString(borderStyle.Render(strings.Join(lines, "\n")))
		b.WriteString("\n")
	} else {
		b.WriteString(labelStyle.Render("no open positions"))
		b.WriteString("\n")
	}

	updated := "never"
	if !v.UpdatedAt.IsZero() {
		updated = v.UpdatedAt.Local().Format(time.TimeOnly)
	}
	fmt.Fprintf(&b, "\n%s\n", labelStyle.Render(fmt.Sprintf("updated %s · session %s · tab switch · r resync · q quit", updated, m.session)))
	return b.String()
}
