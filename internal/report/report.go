// Package report defines the contract the install pipeline uses to publish
// progress and log lines, and the plumbing that delivers them to whatever owns
// the presentation layer.
//
// The pipeline calls an Observer from its worker goroutine. Collaborators that
// render (a terminal UI, the SSE endpoint, a plain printer) are wrapped in Async
// so that delivery happens on a single consumer goroutine in emission order and
// the worker never waits on a slow renderer.
package report

import "time"

//go:generate mockgen -destination=mocks/mock_report.go -package=mocks github.com/mattjoyce/installman/internal/report Observer

// Outcome is the terminal result of one install job.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Reporter receives progress markers and log lines from a running job.
type Reporter interface {
	OnProgress(fraction float64, label string)
	OnLog(message string, isError bool)
}

// ErrorPresenter receives requests rejected before a job could start.
type ErrorPresenter interface {
	OnFatalError(message string)
}

// LifecycleListener is told when a job reaches a terminal state, after its
// working directory has been removed.
type LifecycleListener interface {
	OnJobFinished(outcome Outcome)
}

// Observer is everything the pipeline reports to.
type Observer interface {
	Reporter
	ErrorPresenter
	LifecycleListener
}

// JobInfo describes a job that has just been accepted.
type JobInfo struct {
	ID          string    `json:"job_id"`
	ArchivePath string    `json:"archive"`
	ArchiveSize int64     `json:"archive_size"`
	Prefix      string    `json:"prefix"`
	StartedAt   time.Time `json:"started_at"`
}

// StartListener is optionally implemented by observers that want to know which
// job subsequent events belong to.
type StartListener interface {
	OnJobStarted(info JobInfo)
}

// Kind identifies the callback an Event was recorded from.
type Kind string

const (
	KindStarted  Kind = "started"
	KindProgress Kind = "progress"
	KindLog      Kind = "log"
	KindFatal    Kind = "fatal"
	KindFinished Kind = "finished"
)

// Event is a single callback captured as a value so it can be queued.
type Event struct {
	Kind     Kind
	Job      JobInfo
	Fraction float64
	Label    string
	Message  string
	IsError  bool
	Outcome  Outcome
}

// Deliver invokes the callback on o that ev was recorded from.
func Deliver(o Observer, ev Event) {
	switch ev.Kind {
	case KindStarted:
		if sl, ok := o.(StartListener); ok {
			sl.OnJobStarted(ev.Job)
		}
	case KindProgress:
		o.OnProgress(ev.Fraction, ev.Label)
	case KindLog:
		o.OnLog(ev.Message, ev.IsError)
	case KindFatal:
		o.OnFatalError(ev.Message)
	case KindFinished:
		o.OnJobFinished(ev.Outcome)
	}
}

// Nop ignores everything.
type Nop struct{}

func (Nop) OnProgress(float64, string) {}
func (Nop) OnLog(string, bool)         {}
func (Nop) OnFatalError(string)        {}
func (Nop) OnJobFinished(Outcome)      {}

// Multi fans every callback out to each observer in order.
type Multi []Observer

func (m Multi) OnJobStarted(info JobInfo) {
	for _, o := range m {
		if sl, ok := o.(StartListener); ok {
			sl.OnJobStarted(info)
		}
	}
}

func (m Multi) OnProgress(fraction float64, label string) {
	for _, o := range m {
		o.OnProgress(fraction, label)
	}
}

func (m Multi) OnLog(message string, isError bool) {
	for _, o := range m {
		o.OnLog(message, isError)
	}
}

func (m Multi) OnFatalError(message string) {
	for _, o := range m {
		o.OnFatalError(message)
	}
}

func (m Multi) OnJobFinished(outcome Outcome) {
	for _, o := range m {
		o.OnJobFinished(outcome)
	}
}
