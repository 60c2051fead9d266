// Package notify provides the sound-cue interface the Scheduler and
// Startup Sequence consume.
//
// Grounded on codeready-toolchain-tarsy's pkg/slack/service.go, whose
// nil-safe-optional-notifier shape ("if s.client == nil { return }")
// is reused here for an optional external cue player instead of an
// optional Slack client.
package notify

import "log/slog"

// CuePlayer plays a numbered sound cue. Implementations must not block
// the caller for long — Startup and the Scheduler call this inline.
type CuePlayer interface {
	PlayCue(id int)
}

// NoOp is a CuePlayer that does nothing, for tests and headless
// deployments with no speaker attached.
type NoOp struct{}

func (NoOp) PlayCue(int) {}

// Logging is a CuePlayer that logs the cue instead of playing it,
// useful when no sound hardware is present but the cue sequence should
// still be observable.
type Logging struct {
	logger *slog.Logger
}

// NewLogging creates a Logging cue player.
func NewLogging() *Logging {
	return &Logging{logger: slog.Default().With("component", "notify")}
}

func (l *Logging) PlayCue(id int) {
	l.logger.Info("play_sound", "cue", id)
}
