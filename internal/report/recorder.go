package report

import "sync"

// Recorder keeps every callback it receives. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var (
	_ Observer      = (*Recorder)(nil)
	_ StartListener = (*Recorder)(nil)
)

func (r *Recorder) add(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) OnJobStarted(info JobInfo) { r.add(Event{Kind: KindStarted, Job: info}) }

func (r *Recorder) OnProgress(fraction float64, label string) {
	r.add(Event{Kind: KindProgress, Fraction: fraction, Label: label})
}

func (r *Recorder) OnLog(message string, isError bool) {
	r.add(Event{Kind: KindLog, Message: message, IsError: isError})
}

func (r *Recorder) OnFatalError(message string) { r.add(Event{Kind: KindFatal, Message: message}) }

func (r *Recorder) OnJobFinished(outcome Outcome) {
	r.add(Event{Kind: KindFinished, Outcome: outcome})
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Fractions returns the progress fractions in emission order.
func (r *Recorder) Fractions() []float64 {
	var out []float64
	for _, ev := range r.Events() {
		if ev.Kind == KindProgress {
			out = append(out, ev.Fraction)
		}
	}
	return out
}

// Logs returns log messages, optionally only those flagged as errors.
func (r *Recorder) Logs(errorsOnly bool) []string {
	var out []string
	for _, ev := range r.Events() {
		if ev.Kind != KindLog {
			continue
		}
		if errorsOnly && !ev.IsError {
			continue
		}
		out = append(out, ev.Message)
	}
	return out
}

// Outcomes returns every terminal outcome reported.
func (r *Recorder) Outcomes() []Outcome {
	var out []Outcome
	for _, ev := range r.Events() {
		if ev.Kind == KindFinished {
			out = append(out, ev.Outcome)
		}
	}
	return out
}

// Fatals returns every fatal error message reported.
func (r *Recorder) Fatals() []string {
	var out []string
	for _, ev := range r.Events() {
		if ev.Kind == KindFatal {
			out = append(out, ev.Message)
		}
	}
	return out
}
