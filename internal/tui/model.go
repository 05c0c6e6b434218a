// Package tui renders an install job as a bubbletea program: a progress bar,
// a scrolling build log, and a cancel key that becomes a close key once the
// job is over.
package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/installman/internal/events"
	"github.com/mattjoyce/installman/internal/report"
)

const maxLogLines = 2000

// Options configures a Model.
type Options struct {
	Title string
	// Cancel requests cancellation of the running job.
	Cancel func() error
	// Follow keeps the view open across jobs instead of closing after one.
	Follow bool
}

// Model is the BubbleTea model for the install view.
type Model struct {
	opts  Options
	theme Theme

	width  int
	height int

	bar progress.Model
	log viewport.Model

	lines    []string
	label    string
	fraction float64

	job             report.JobInfo
	running         bool
	finished        bool
	outcome         report.Outcome
	cancelRequested bool
	lastError       string

	// Remote feed, nil for a local job.
	apiURL    string
	token     string
	hubEvents chan events.Event
}

// New creates a model fed by Observer messages.
func New(opts Options) Model {
	return Model{
		opts:  opts,
		theme: NewDefaultTheme(),
		bar:   progress.New(progress.WithDefaultGradient()),
		log:   viewport.New(80, 10),
		label: "Waiting for job",
	}
}

func (m Model) Init() tea.Cmd {
	if m.hubEvents == nil {
		return nil
	}
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.token, m.hubEvents),
		receiveNextEvent(m.hubEvents),
	)
}

// Outcome returns the outcome of the last finished job.
func (m Model) Outcome() report.Outcome { return m.outcome }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.bar.Width = max(m.width-12, 10)
		m.log.Width = max(m.width-8, 10)
		m.log.Height = max(m.height-12, 3)
		m.refreshLog()

	case StartedMsg:
		if m.opts.Follow && len(m.lines) > 0 {
			m.appendLine(m.theme.Dim.Render(strings.Repeat("─", 20)))
		} else {
			m.lines = nil
		}
		m.job = msg.Info
		m.running = true
		m.finished = false
		m.outcome = ""
		m.cancelRequested = false
		m.lastError = ""
		m.fraction = 0
		m.label = "Starting " + filepath.Base(msg.Info.ArchivePath)
		return m, m.bar.SetPercent(0)

	case ProgressMsg:
		m.fraction = msg.Fraction
		m.label = msg.Label
		return m, m.bar.SetPercent(msg.Fraction)

	case LogMsg:
		line := strings.TrimRight(msg.Message, "\n")
		if msg.IsError {
			line = m.theme.ErrorLine.Render(line)
		}
		m.appendLine(line)

	case FatalMsg:
		m.lastError = msg.Message
		m.appendLine(m.theme.ErrorLine.Render("error: " + msg.Message))

	case FinishedMsg:
		m.running = false
		m.finished = true
		m.outcome = msg.Outcome
		m.label = outcomeText(msg.Outcome)

	case cancelResultMsg:
		if msg.err != nil {
			m.lastError = msg.err.Error()
		}

	case progress.FrameMsg:
		bm, cmd := m.bar.Update(msg)
		m.bar = bm.(progress.Model)
		return m, cmd

	case eventMsg:
		next := receiveNextEvent(m.hubEvents)
		translated, ok := msgFromEvent(events.Event(msg))
		if !ok {
			return m, next
		}
		updated, cmd := m.Update(translated)
		return updated, tea.Batch(cmd, next)

	case sseDisconnectedMsg:
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		m.lastError = ""
		return m, subscribeToEvents(m.apiURL, m.token, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "c":
		return m.requestCancel()
	case "ctrl+c":
		if m.running && !m.cancelRequested {
			return m.requestCancel()
		}
		return m, tea.Quit
	case "q", "esc", "enter":
		if !m.running || m.opts.Follow {
			return m, tea.Quit
		}
	default:
		var cmd tea.Cmd
		m.log, cmd = m.log.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) requestCancel() (tea.Model, tea.Cmd) {
	if !m.running || m.cancelRequested || m.opts.Cancel == nil {
		return m, nil
	}
	m.cancelRequested = true
	cancel := m.opts.Cancel
	return m, func() tea.Msg { return cancelResultMsg{err: cancel()} }
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	m.refreshLog()
}

func (m *Model) refreshLog() {
	m.log.SetContent(strings.Join(m.lines, "\n"))
	m.log.GotoBottom()
}

func outcomeText(o report.Outcome) string {
	switch o {
	case report.OutcomeSucceeded:
		return "Installation finished"
	case report.OutcomeCancelled:
		return "Installation cancelled by user"
	default:
		return "Installation failed"
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}
	inner := m.width - 4

	title := m.opts.Title
	if title == "" {
		title = "installman"
	}
	if m.job.ArchivePath != "" {
		title += ": " + filepath.Base(m.job.ArchivePath)
		if m.job.ArchiveSize > 0 {
			title += " (" + humanize.IBytes(uint64(m.job.ArchiveSize)) + ")"
		}
	}

	status := m.renderStatus()
	progressBox := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render(title),
			m.bar.View(),
			status,
		),
	)
	logBox := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Log"),
			m.log.View(),
		),
	)

	parts := []string{progressBox, logBox}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(m.lastError))
	}
	parts = append(parts, m.theme.Help.Render(m.helpText()))

	return m.theme.Doc.Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) renderStatus() string {
	text := fmt.Sprintf("%s  %3.0f%%", m.label, m.fraction*100)
	switch {
	case m.finished && m.outcome == report.OutcomeSucceeded:
		return m.theme.StatusOK.Render(text)
	case m.finished && m.outcome == report.OutcomeCancelled:
		return m.theme.StatusCancelled.Render(text)
	case m.finished:
		return m.theme.StatusFailed.Render(text)
	case m.cancelRequested:
		return m.theme.StatusCancelled.Render(text + "  (cancelling...)")
	case m.running:
		return m.theme.StatusRunning.Render(text)
	}
	return m.theme.Dim.Render(text)
}

func (m Model) helpText() string {
	switch {
	case m.opts.Follow:
		return " [c] Cancel current job • [↑/↓] Scroll • [q] Quit"
	case m.running:
		return " [c] Cancel • [↑/↓] Scroll"
	default:
		return " [q] Close • [↑/↓] Scroll"
	}
}
