package main

import (
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
)

var errCancelled = errors.New("cancelled")

// requireInteraction fails when stdin is not a terminal. hint tells the user
// which flag answers the question instead.
func requireInteraction(hint string) error {
	fd := os.Stdin.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return nil
	}
	return errors.Errorf("stdin is not a terminal, %s", hint)
}

// confirm asks a yes/no question on stderr. Anything but y answers no.
func confirm(question, hint string) (bool, error) {
	if err := requireInteraction(hint); err != nil {
		return false, errors.Wrap(err, "confirmation required")
	}

	m := &confirmModel{question: question}
	if _, err := tea.NewProgram(m, tea.WithOutput(os.Stderr)).Run(); err != nil {
		return false, errors.Wrap(err, "confirm prompt")
	}
	if m.cancelled {
		return false, errCancelled
	}
	return m.confirmed, nil
}

// prompt asks for a line of text on stderr; an empty answer returns def
func prompt(label, def, hint string) (string, error) {
	if err := requireInteraction(hint); err != nil {
		return "", errors.Wrap(err, "input required")
	}

	ti := textinput.New()
	ti.Placeholder = def
	ti.Focus()
	ti.PromptStyle = accentStyle
	ti.TextStyle = lipgloss.NewStyle()

	m := &promptModel{label: label, textInput: ti}
	if _, err := tea.NewProgram(m, tea.WithOutput(os.Stderr)).Run(); err != nil {
		return "", errors.Wrap(err, "text prompt")
	}
	if m.cancelled {
		return "", errCancelled
	}

	value := strings.TrimSpace(m.textInput.Value())
	if value == "" {
		return def, nil
	}
	return value, nil
}

type confirmModel struct {
	question  string
	confirmed bool
	cancelled bool
	answered  bool
}

func (m *confirmModel) Init() tea.Cmd { return nil }

func (m *confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "y", "Y":
			m.confirmed = true
			m.answered = true
			return m, tea.Quit
		case "n", "N", "enter":
			m.answered = true
			return m, tea.Quit
		case "ctrl+c", "esc":
			m.cancelled = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *confirmModel) View() string {
	if m.answered || m.cancelled {
		return ""
	}
	return accentStyle.Render("?") + " " + m.question + " " + muted("[y/N]") + " "
}

type promptModel struct {
	label     string
	textInput textinput.Model
	cancelled bool
	submitted bool
}

func (m *promptModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *promptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "enter":
			m.submitted = true
			return m, tea.Quit
		case "ctrl+c", "esc":
			m.cancelled = true
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m *promptModel) View() string {
	if m.submitted || m.cancelled {
		return ""
	}
	return accentStyle.Render("?") + " " + m.label + "\n" + m.textInput.View() + "\n"
}
