package tui

import (
	"encoding/json"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/installman/internal/events"
	"github.com/mattjoyce/installman/internal/report"
)

// --- Message types ---

type StartedMsg struct{ Info report.JobInfo }

type ProgressMsg struct {
	Fraction float64
	Label    string
}

type LogMsg struct {
	Message string
	IsError bool
}

type FatalMsg struct{ Message string }

type FinishedMsg struct{ Outcome report.Outcome }

type cancelResultMsg struct{ err error }

type eventMsg events.Event

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// Sender is satisfied by *tea.Program.
type Sender interface {
	Send(msg tea.Msg)
}

// Observer forwards pipeline callbacks into a running program. Put it behind
// report.Async so the job never waits on the UI.
type Observer struct {
	send Sender
}

var (
	_ report.Observer      = (*Observer)(nil)
	_ report.StartListener = (*Observer)(nil)
)

func NewObserver(s Sender) *Observer { return &Observer{send: s} }

func (o *Observer) OnJobStarted(info report.JobInfo) { o.send.Send(StartedMsg{Info: info}) }

func (o *Observer) OnProgress(fraction float64, label string) {
	o.send.Send(ProgressMsg{Fraction: fraction, Label: label})
}

func (o *Observer) OnLog(message string, isError bool) {
	o.send.Send(LogMsg{Message: message, IsError: isError})
}

func (o *Observer) OnFatalError(message string) { o.send.Send(FatalMsg{Message: message}) }

func (o *Observer) OnJobFinished(outcome report.Outcome) {
	o.send.Send(FinishedMsg{Outcome: outcome})
}

// msgFromEvent maps a hub event to the message the local observer would send.
func msgFromEvent(e events.Event) (tea.Msg, bool) {
	switch e.Type {
	case events.TypeJobStarted:
		var d events.StartedData
		if json.Unmarshal(e.Data, &d) != nil {
			return nil, false
		}
		return StartedMsg{Info: d}, true
	case events.TypeJobProgress:
		var d events.ProgressData
		if json.Unmarshal(e.Data, &d) != nil {
			return nil, false
		}
		return ProgressMsg{Fraction: d.Fraction, Label: d.Label}, true
	case events.TypeJobLog:
		var d events.LogData
		if json.Unmarshal(e.Data, &d) != nil {
			return nil, false
		}
		return LogMsg{Message: d.Message, IsError: d.Error}, true
	case events.TypeJobRejected:
		var d events.RejectedData
		if json.Unmarshal(e.Data, &d) != nil {
			return nil, false
		}
		return FatalMsg{Message: d.Message}, true
	case events.TypeJobFinished:
		var d events.FinishedData
		if json.Unmarshal(e.Data, &d) != nil {
			return nil, false
		}
		return FinishedMsg{Outcome: d.Outcome}, true
	}
	return nil, false
}
