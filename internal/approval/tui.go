// Package approval asks the operator to confirm lock and unlock actions.
package approval

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	lockStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF8700")).
			Bold(true)

	unlockStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFF00"))

	subtleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// Choices.
const (
	Confirm = "confirm"
	Cancel  = "cancel"
)

// Request describes the action awaiting confirmation.
type Request struct {
	Operation string // "lock" or "unlock"
	Backend   string
	TTL       string // human readable lifetime, empty on unlock
	Warning   string
}

type Model struct {
	Request  Request
	Choice   string
	Quitting bool
}

func NewModel(req Request) Model {
	return Model{Request: req}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "y", "Y":
			m.Choice = Confirm
			m.Quitting = true
			return m, tea.Quit
		case "n", "N", "ctrl+c", "q", "esc":
			m.Choice = Cancel
			m.Quitting = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m Model) View() string {
	if m.Choice != "" {
		return fmt.Sprintf("\n  Decision: %s\n\n", m.Choice)
	}

	s := strings.Builder{}

	action := lockStyle.Render("ENABLE MAINTENANCE MODE")
	if m.Request.Operation == "unlock" {
		action = unlockStyle.Render("DISABLE MAINTENANCE MODE")
	}
	s.WriteString(fmt.Sprintf("\n%s %s\n\n", titleStyle.Render(" SITELOCK "), action))
	s.WriteString(fmt.Sprintf("  Backend: %s\n", lipgloss.NewStyle().Bold(true).Render(m.Request.Backend)))
	if m.Request.TTL != "" {
		s.WriteString(fmt.Sprintf("  TTL:     %s\n", m.Request.TTL))
	}
	if m.Request.Warning != "" {
		s.WriteString(fmt.Sprintf("\n  %s\n", warnStyle.Render("⚠️  "+m.Request.Warning)))
	}

	s.WriteString(fmt.Sprintf("\n  %s\n", subtleStyle.Render("Visitors outside the bypass rules will get the maintenance response.")))
	s.WriteString("\n  [Y] Continue   [N] Cancel\n\n")

	return s.String()
}

// Ask launches the TUI and reports whether the operator confirmed.
func Ask(req Request) (bool, error) {
	p := tea.NewProgram(NewModel(req))
	m, err := p.Run()
	if err != nil {
		return false, err
	}

	if model, ok := m.(Model); ok {
		return model.Choice == Confirm, nil
	}
	return false, nil
}
