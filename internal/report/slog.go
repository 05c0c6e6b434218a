package report

import (
	"log/slog"
	"strings"
)

// SlogReporter mirrors pipeline callbacks into a structured logger.
type SlogReporter struct {
	logger *slog.Logger
}

// NewSlogReporter returns an observer that logs through logger.
func NewSlogReporter(logger *slog.Logger) *SlogReporter {
	return &SlogReporter{logger: logger}
}

func (s *SlogReporter) OnJobStarted(info JobInfo) {
	s.logger.Info("job started", "job_id", info.ID, "archive", info.ArchivePath, "prefix", info.Prefix)
}

func (s *SlogReporter) OnProgress(fraction float64, label string) {
	s.logger.Info("progress", "fraction", fraction, "label", label)
}

func (s *SlogReporter) OnLog(message string, isError bool) {
	message = strings.TrimRight(message, "\n")
	if isError {
		s.logger.Warn("pipeline output", "message", message)
		return
	}
	s.logger.Debug("pipeline output", "message", message)
}

func (s *SlogReporter) OnFatalError(message string) {
	s.logger.Error("install request rejected", "error", message)
}

func (s *SlogReporter) OnJobFinished(outcome Outcome) {
	s.logger.Info("job finished", "outcome", outcome)
}
