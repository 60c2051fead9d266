// Package heartbeat runs the periodic liveness probe that keeps a
// Session's Transport connected, reconnecting it on failure.
//
// Grounded on codeready-toolchain-tarsy's pkg/queue/worker.go
// runHeartbeat: a ticker loop selecting on ctx.Done()/ticker.C that
// logs and continues past errors rather than terminating the loop.
package heartbeat

import (
	"context"
	"log/slog"
	"time"
)

// SentinelRequestID is the fixed request id used for liveness probes
// , distinguishing them from ordinary command traffic.
const SentinelRequestID = 420

// Interval is the probe period.
const Interval = 3 * time.Second

// Prober abstracts the two actions Heartbeat needs from the Session: is
// the transport connected, and how to reconnect or probe it.
type Prober interface {
	Connected() bool
	Reconnect(ctx context.Context) error
	Probe(ctx context.Context, sentinelID int64) error
}

// Heartbeat runs Run in a loop until its context is cancelled.
type Heartbeat struct {
	prober Prober
	logger *slog.Logger
}

// New creates a Heartbeat over the given Prober.
func New(prober Prober) *Heartbeat {
	return &Heartbeat{
		prober: prober,
		logger: slog.Default().With("component", "heartbeat"),
	}
}

// Run blocks, ticking every Interval, until ctx is cancelled. Each tick
// either attempts a reconnect (if down) or sends a sentinel probe (if
// connected); failures are logged and never stop the loop.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *Heartbeat) tick(ctx context.Context) {
	if !h.prober.Connected() {
		if err := h.prober.Reconnect(ctx); err != nil {
			h.logger.Warn("heartbeat reconnect failed", "error", err)
		}
		return
	}
	if err := h.prober.Probe(ctx, SentinelRequestID); err != nil {
		h.logger.Warn("heartbeat probe failed", "error", err)
	}
}
