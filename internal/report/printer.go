package report

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	errorLine   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	stageLine   = lipgloss.NewStyle().Bold(true)
	successLine = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	neutralLine = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

// Printer renders callbacks as plain terminal lines.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPrinter returns an observer that writes to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.w, s)
}

func (p *Printer) OnJobStarted(info JobInfo) {
	p.println(stageLine.Render(fmt.Sprintf("Installing %s (%s) from %s",
		filepath.Base(info.ArchivePath), humanize.IBytes(uint64(info.ArchiveSize)), filepath.Dir(info.ArchivePath))))
	p.println(neutralLine.Render("Job " + info.ID + ", prefix " + info.Prefix))
}

func (p *Printer) OnProgress(fraction float64, label string) {
	p.println(stageLine.Render(fmt.Sprintf("[%3.0f%%] %s", fraction*100, label)))
}

func (p *Printer) OnLog(message string, isError bool) {
	message = strings.TrimRight(message, "\n")
	if isError {
		p.println(errorLine.Render(message))
		return
	}
	p.println(message)
}

func (p *Printer) OnFatalError(message string) {
	p.println(errorLine.Render("error: " + message))
}

func (p *Printer) OnJobFinished(outcome Outcome) {
	switch outcome {
	case OutcomeSucceeded:
		p.println(successLine.Render("Installation finished"))
	case OutcomeCancelled:
		p.println(neutralLine.Render("Installation cancelled by user"))
	default:
		p.println(errorLine.Render("Installation failed"))
	}
}
