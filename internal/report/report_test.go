package report_test

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/installman/internal/report"
	"github.com/mattjoyce/installman/internal/report/mocks"
)

func TestAsyncPreservesEmissionOrder(t *testing.T) {
	rec := &report.Recorder{}
	a := report.NewAsync(rec)

	for i := 0; i < 500; i++ {
		a.OnLog(fmt.Sprintf("line %d", i), i%7 == 0)
	}
	a.OnJobFinished(report.OutcomeSucceeded)
	a.Close()

	logs := rec.Logs(false)
	require.Len(t, logs, 500)
	for i, msg := range logs {
		assert.Equal(t, fmt.Sprintf("line %d", i), msg)
	}
	assert.Equal(t, []report.Outcome{report.OutcomeSucceeded}, rec.Outcomes())
}

// blockingObserver stalls on the first callback until released.
type blockingObserver struct {
	report.Recorder
	release chan struct{}
	once    sync.Once
}

func (b *blockingObserver) OnProgress(fraction float64, label string) {
	b.once.Do(func() { <-b.release })
	b.Recorder.OnProgress(fraction, label)
}

func TestAsyncNeverBlocksEmitter(t *testing.T) {
	obs := &blockingObserver{release: make(chan struct{})}
	a := report.NewAsync(obs)

	emitted := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			a.OnProgress(float64(i)/100, "step")
		}
		close(emitted)
	}()

	select {
	case <-emitted:
	case <-time.After(2 * time.Second):
		t.Fatal("emitter blocked on a slow observer")
	}

	close(obs.release)
	a.Close()
	assert.Len(t, obs.Fractions(), 100)
}

func TestAsyncCloseIsIdempotentAndDropsLateEvents(t *testing.T) {
	rec := &report.Recorder{}
	a := report.NewAsync(rec)
	a.OnFatalError("boom")
	a.Close()
	a.Close()

	a.OnLog("after close", false)
	assert.Equal(t, []string{"boom"}, rec.Fatals())
	assert.Empty(t, rec.Logs(false))
}

func TestDeliverWithMock(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := mocks.NewMockObserver(ctrl)

	gomock.InOrder(
		m.EXPECT().OnProgress(0.25, "Extracting archive"),
		m.EXPECT().OnLog("stderr text", true),
		m.EXPECT().OnFatalError("no archive"),
		m.EXPECT().OnJobFinished(report.OutcomeFailed),
	)

	report.Deliver(m, report.Event{Kind: report.KindProgress, Fraction: 0.25, Label: "Extracting archive"})
	report.Deliver(m, report.Event{Kind: report.KindLog, Message: "stderr text", IsError: true})
	report.Deliver(m, report.Event{Kind: report.KindFatal, Message: "no archive"})
	report.Deliver(m, report.Event{Kind: report.KindFinished, Outcome: report.OutcomeFailed})
	// Started events are skipped for observers that do not listen for them.
	report.Deliver(m, report.Event{Kind: report.KindStarted})
}

func TestMultiFansOut(t *testing.T) {
	a, b := &report.Recorder{}, &report.Recorder{}
	multi := report.Multi{a, b, report.Nop{}}

	multi.OnJobStarted(report.JobInfo{ID: "j1"})
	multi.OnProgress(0.5, "Configuring")
	multi.OnJobFinished(report.OutcomeCancelled)

	for _, r := range []*report.Recorder{a, b} {
		evs := r.Events()
		require.Len(t, evs, 3)
		assert.Equal(t, "j1", evs[0].Job.ID)
		assert.Equal(t, []float64{0.5}, r.Fractions())
		assert.Equal(t, []report.Outcome{report.OutcomeCancelled}, r.Outcomes())
	}
}

func TestPrinterRendersOutcomes(t *testing.T) {
	var buf bytes.Buffer
	p := report.NewPrinter(&buf)

	p.OnProgress(0.75, "Compiling")
	p.OnLog("make: *** [all] Error 2\n", true)
	p.OnJobFinished(report.OutcomeCancelled)

	out := buf.String()
	assert.Contains(t, out, "75%")
	assert.Contains(t, out, "Compiling")
	assert.Contains(t, out, "make: *** [all] Error 2")
	assert.Contains(t, out, "cancelled by user")
	assert.Equal(t, 3, strings.Count(out, "\n"))
}

func TestPrinterHeaderShowsArchiveSize(t *testing.T) {
	var buf bytes.Buffer
	p := report.NewPrinter(&buf)

	p.OnJobStarted(report.JobInfo{
		ID:          "j1",
		ArchivePath: "/srv/src/hello-1.0.tar.gz",
		ArchiveSize: 3 << 20,
		Prefix:      "/usr/local",
	})

	out := buf.String()
	assert.Contains(t, out, "hello-1.0.tar.gz (3.0 MiB) from /srv/src")
	assert.Contains(t, out, "Job j1, prefix /usr/local")
}
