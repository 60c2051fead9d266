// Package mosaic implements the Mosaic Engine: a multi-panel capture
// loop that slews, optionally autofocuses, and stacks for a per-panel
// time budget at each grid position.
//
// The cancel-aware sleep-in-steps pattern is grounded on
// codeready-toolchain-tarsy's pkg/queue/worker.go sleep helper; the
// capturer interface is wired via pkg/capture, grounded on that repo's
// pkg/queue/types.go SessionExecutor shape.
package mosaic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cgobat/seestar-bridge/pkg/astromath"
	"github.com/cgobat/seestar-bridge/pkg/capture"
	"github.com/cgobat/seestar-bridge/pkg/schedule"
	"github.com/cgobat/seestar-bridge/pkg/scheduler"
)

// stackStepSize is the per-panel cancel-aware-sleep step.
const stackStepSize = 5 * time.Second

// fovRAHours/fovDecDeg approximate the device's field of view; used
// only by the spacing calculation, not by the capture itself.
const fovRAHours = 0.2
const fovDecDeg = 0.9

// Panel is one scheduled capture position.
type Panel struct {
	Code    string // e.g. "23" (iDec,iRA)
	RA, Dec float64
}

// Result is returned when the Engine finishes, for the Scheduler's
// cur_scheduler_item observation.
type Result struct {
	PanelsCaptured int
	Action         string // "complete"
}

// Engine runs one schedule.MosaicParams item against a Capturer.
type Engine struct {
	cap    capture.Capturer
	logger *slog.Logger
}

// New creates an Engine over cap.
func New(cap capture.Capturer) *Engine {
	return &Engine{cap: cap, logger: slog.Default().With("component", "mosaic")}
}

// Run executes params to completion or until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, params schedule.MosaicParams) (Result, error) {
	panels := buildPanelGrid(params)

	selected := parseSelectedPanels(params.SelectedPanels)
	var scheduled []Panel
	for _, p := range panels {
		if len(selected) > 0 && !selected[p.Code] {
			continue
		}
		scheduled = append(scheduled, p)
	}

	perPanelSeconds := params.SessionSeconds / max(1, params.GridRA*params.GridDec)
	tau := time.Duration(perPanelSeconds) * time.Second

	captured := 0
	for _, panel := range scheduled {
		if ctx.Err() != nil {
			break
		}
		if err := e.captureOnePanel(ctx, params, panel, tau); err != nil {
			e.logger.Warn("panel capture failed, continuing to next panel", "panel", panel.Code, "error", err)
			continue
		}
		captured++
	}

	return Result{PanelsCaptured: captured, Action: "complete"}, nil
}

func (e *Engine) captureOnePanel(ctx context.Context, params schedule.MosaicParams, panel Panel, tau time.Duration) error {
	if err := e.cap.SetLPFilter(ctx, false); err != nil {
		e.logger.Warn("disable LP filter failed", "error", err)
	}

	numTries := params.NumTries
	if numTries < 1 {
		numTries = 1
	}
	retryWait := time.Duration(params.RetryWaitS) * time.Second

	var gotoOK bool
	for attempt := 0; attempt < numTries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.cap.Goto(ctx, panel.RA, panel.Dec, fmt.Sprintf("%s_%s", params.TargetName, panel.Code)) {
			gotoOK = true
			if params.AutoFocus {
				for i := 0; i < 2; i++ {
					if e.cap.AutoFocus(ctx) {
						break
					}
				}
			}
			break
		}
		if attempt < numTries-1 {
			scheduler.CancelAwareSleep(ctx, retryWait)
		}
	}
	if !gotoOK {
		return fmt.Errorf("mosaic: goto failed for panel %s after %d attempts", panel.Code, numTries)
	}

	if err := e.cap.StartStack(ctx, params.Gain); err != nil {
		return fmt.Errorf("mosaic: start stack failed for panel %s: %w", panel.Code, err)
	}
	scheduler.CancelAwareSleepSteps(ctx, tau, stackStepSize)
	if err := e.cap.StopStack(ctx); err != nil {
		e.logger.Warn("stop stack failed", "panel", panel.Code, "error", err)
	}
	return nil
}

// buildPanelGrid computes the (RA, Dec) for every grid position,
// applying the center-shift for even grid dimensions.
func buildPanelGrid(p schedule.MosaicParams) []Panel {
	deltaRA, deltaDec := astromath.PanelSpacing(p.Dec, fovRAHours, fovDecDeg, p.OverlapPct)

	centerRA, centerDec := p.RA, p.Dec
	if p.GridRA%2 == 0 {
		centerRA -= deltaRA / 2
	}
	if p.GridDec%2 == 0 {
		centerDec -= deltaDec / 2
	}

	var panels []Panel
	for iDec := 0; iDec < p.GridDec; iDec++ {
		rowDec := centerDec + (float64(iDec)-float64(p.GridDec-1)/2)*deltaDec
		rowDeltaRA, _ := astromath.PanelSpacing(rowDec, fovRAHours, fovDecDeg, p.OverlapPct)
		for iRA := 0; iRA < p.GridRA; iRA++ {
			ra := centerRA + (float64(iRA)-float64(p.GridRA-1)/2)*rowDeltaRA
			panels = append(panels, Panel{
				Code: fmt.Sprintf("%d%d", iDec+1, iRA+1),
				RA:   ra, Dec: rowDec,
			})
		}
	}
	return panels
}

func parseSelectedPanels(s string) map[string]bool {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, code := range strings.Split(s, ";") {
		code = strings.TrimSpace(code)
		if code != "" {
			out[code] = true
		}
	}
	return out
}
