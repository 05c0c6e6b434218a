package report

import "sync"

// Async hands callbacks to a single goroutine that delivers them to the wrapped
// observer in FIFO order. The queue is unbounded, so emitters never block.
type Async struct {
	next Observer

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool

	done chan struct{}
}

var (
	_ Observer      = (*Async)(nil)
	_ StartListener = (*Async)(nil)
)

// NewAsync starts the delivery goroutine. Call Close to drain and stop it.
func NewAsync(next Observer) *Async {
	a := &Async{
		next: next,
		done: make(chan struct{}),
	}
	a.cond = sync.NewCond(&a.mu)
	go a.loop()
	return a
}

func (a *Async) OnJobStarted(info JobInfo) {
	a.enqueue(Event{Kind: KindStarted, Job: info})
}

func (a *Async) OnProgress(fraction float64, label string) {
	a.enqueue(Event{Kind: KindProgress, Fraction: fraction, Label: label})
}

func (a *Async) OnLog(message string, isError bool) {
	a.enqueue(Event{Kind: KindLog, Message: message, IsError: isError})
}

func (a *Async) OnFatalError(message string) {
	a.enqueue(Event{Kind: KindFatal, Message: message})
}

func (a *Async) OnJobFinished(outcome Outcome) {
	a.enqueue(Event{Kind: KindFinished, Outcome: outcome})
}

// Close stops accepting events, delivers everything already queued and waits
// for the delivery goroutine to exit. Safe to call more than once.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		a.cond.Signal()
	}
	a.mu.Unlock()
	<-a.done
}

func (a *Async) enqueue(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.queue = append(a.queue, ev)
	a.cond.Signal()
}

func (a *Async) loop() {
	defer close(a.done)
	for {
		a.mu.Lock()
		for len(a.queue) == 0 && !a.closed {
			a.cond.Wait()
		}
		if len(a.queue) == 0 && a.closed {
			a.mu.Unlock()
			return
		}
		batch := a.queue
		a.queue = nil
		a.mu.Unlock()

		for _, ev := range batch {
			Deliver(a.next, ev)
		}
	}
}
