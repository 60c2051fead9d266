// Package spectra implements the Spectra Engine: a single-target,
// multi-offset capture loop, the thin variant of the Mosaic Engine
// that sweeps a fixed declination-offset table instead of a grid.
package spectra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cgobat/seestar-bridge/pkg/capture"
	"github.com/cgobat/seestar-bridge/pkg/schedule"
	"github.com/cgobat/seestar-bridge/pkg/scheduler"
)

// offsets/lpFlags is the fixed declination-offset sweep table, paired
// with whether the LP filter should be enabled at that offset.
var offsets = [8]float64{5.3, 6.2, 6.5, 7.1, 8.0, 8.9, 9.2, 9.8}
var lpFlags = [8]bool{false, false, true, false, false, false, true, false}

// centerStackSeconds is the fixed initial stack duration on the target
// before sweeping to the offset table.
const centerStackSeconds = 60

// stepCheckInterval is the stop-check granularity during each offset
// stack.
const stepCheckInterval = 10 * time.Second

// Result mirrors mosaic.Result for the Scheduler's observation.
type Result struct {
	OffsetsCaptured int
	Action          string
}

// Engine runs one schedule.SpectraParams item against a Capturer.
type Engine struct {
	cap    capture.Capturer
	logger *slog.Logger
}

// New creates an Engine over cap.
func New(cap capture.Capturer) *Engine {
	return &Engine{cap: cap, logger: slog.Default().With("component", "spectra")}
}

// Run executes params to completion or until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, params schedule.SpectraParams) (Result, error) {
	if !e.cap.Goto(ctx, params.RA, params.Dec, params.TargetName) {
		return Result{Action: "complete"}, fmt.Errorf("spectra: initial slew to target failed")
	}

	if err := e.cap.StartStack(ctx, params.Gain); err != nil {
		return Result{Action: "complete"}, fmt.Errorf("spectra: start stack on target failed: %w", err)
	}
	scheduler.CancelAwareSleepSteps(ctx, centerStackSeconds*time.Second, stepCheckInterval)
	if err := e.cap.StopStack(ctx); err != nil {
		e.logger.Warn("stop stack on target failed", "error", err)
	}

	perOffsetSeconds := float64(params.SessionSeconds-centerStackSeconds) / float64(len(offsets))
	perOffset := time.Duration(perOffsetSeconds) * time.Second

	captured := 0
	for i, offset := range offsets {
		if ctx.Err() != nil {
			break
		}
		name := fmt.Sprintf("%s_spectra%d", params.TargetName, i+1)
		if !e.cap.Goto(ctx, params.RA, params.Dec+offset, name) {
			e.logger.Warn("spectra offset slew failed, skipping offset", "offset", offset)
			continue
		}
		if err := e.cap.SetLPFilter(ctx, lpFlags[i]); err != nil {
			e.logger.Warn("set LP filter failed", "offset", offset, "error", err)
		}
		if err := e.cap.StartStack(ctx, params.Gain); err != nil {
			e.logger.Warn("start stack failed", "offset", offset, "error", err)
			continue
		}
		scheduler.CancelAwareSleepSteps(ctx, perOffset, stepCheckInterval)
		if err := e.cap.StopStack(ctx); err != nil {
			e.logger.Warn("stop stack failed", "offset", offset, "error", err)
		}
		captured++
	}

	return Result{OffsetsCaptured: captured, Action: "complete"}, nil
}
