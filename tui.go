package main

import (
	"fmt"
	"strings"
	"time"

	cb "github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"murmur/pipeline"
)

type outcomeMsg pipeline.Outcome
type statusMsg pipeline.Status
type tickMsg time.Time

type tuiModel struct {
	frontend pipeline.Frontend
	copy     func(string) error

	status     pipeline.Status
	since      time.Time
	frame      int
	transcript string // every non-empty result, space separated
	lastText   string
	lastError  string
	count      int
	copied     bool
	modeLine   string
	deviceLine string
	hotkeyLine string
	width      int
	height     int
}

var (
	recStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	busyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	idleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	textStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	copiedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	helpKeyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
)

func newTUIModel(f pipeline.Frontend, modeLine, deviceLine, hotkeyLine string) tuiModel {
	return tuiModel{
		frontend:   f,
		copy:       cb.WriteAll,
		status:     pipeline.StatusIdle,
		modeLine:   modeLine,
		deviceLine: deviceLine,
		hotkeyLine: hotkeyLine,
	}
}

func NewTUIProgram(m tuiModel) *tea.Program {
	return tea.NewProgram(m, tea.WithAltScreen())
}

func tuiTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// pollStatus runs off the update loop: Status waits on the frontend's loop.
func (m tuiModel) pollStatus() tea.Cmd {
	f := m.frontend
	return func() tea.Msg { return statusMsg(f.Status()) }
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			m.frontend.StartRecording()
		case "s":
			if m.frontend.CanStop() {
				m.frontend.StopRecording()
			}
		case "c":
			if m.lastText != "" {
				m.copied = m.copy(m.lastText) == nil
			}
		}

	case tickMsg:
		m.frame++
		return m, tea.Batch(tuiTick(), m.pollStatus())

	case statusMsg:
		st := pipeline.Status(msg)
		if st != m.status {
			m.since = time.Now()
		}
		m.status = st

	case outcomeMsg:
		o := pipeline.Outcome(msg)
		if o.Value() == "" {
			break
		}
		if o.IsError() {
			m.lastError = o.Value()
			break
		}
		m.count++
		m.lastText = o.Value()
		m.lastError = ""
		m.copied = false
		if m.transcript != "" {
			m.transcript += " "
		}
		m.transcript += o.Value()
	}
	return m, nil
}

func (m tuiModel) statusLine() string {
	elapsed := time.Since(m.since).Seconds()
	switch m.status {
	case pipeline.StatusRecording:
		return recStyle.Render(fmt.Sprintf("● REC %.1fs", elapsed))
	case pipeline.StatusListening:
		return recStyle.Render("● LISTENING")
	case pipeline.StatusStarting:
		return busyStyle.Render("◌ starting")
	case pipeline.StatusTranscribing:
		spinner := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		return busyStyle.Render(spinner[m.frame%len(spinner)] + " transcribing")
	}
	return idleStyle.Render("○ STANDBY")
}

func (m tuiModel) helpLine() string {
	keys := []string{
		helpKeyStyle.Render("r") + helpStyle.Render(" record"),
	}
	if m.frontend.CanStop() {
		keys = append(keys, helpKeyStyle.Render("s")+helpStyle.Render(" stop"))
	}
	keys = append(keys,
		helpKeyStyle.Render("c")+helpStyle.Render(" copy"),
		helpKeyStyle.Render("q")+helpStyle.Render(" quit"),
	)
	return strings.Join(keys, helpStyle.Render("  "))
}

func (m tuiModel) View() string {
	width := m.width
	if width == 0 {
		width = 80
	}

	var b strings.Builder
	b.WriteString(m.statusLine() + "\n")
	for _, line := range []string{m.modeLine, m.deviceLine, m.hotkeyLine} {
		if line != "" {
			b.WriteString(infoStyle.Render(line) + "\n")
		}
	}
	b.WriteString("\n")

	body := lipgloss.NewStyle().Width(width - 2)
	if m.transcript == "" {
		b.WriteString(idleStyle.Render("No transcriptions yet") + "\n")
	} else {
		b.WriteString(infoStyle.Render(fmt.Sprintf("Transcript (%d)", m.count)) + "\n\n")
		b.WriteString(body.Render(textStyle.Render(m.transcript)))
		if m.copied {
			b.WriteString(" " + copiedStyle.Render("[✓ copied]"))
		}
		b.WriteString("\n")
	}
	if m.lastError != "" {
		b.WriteString("\n" + body.Render(errorStyle.Render("⚠ "+m.lastError)) + "\n")
	}
	b.WriteString("\n" + m.helpLine() + "\n")
	return b.String()
}
var _ tea.Model = tuiModel{}
