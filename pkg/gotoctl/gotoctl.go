// Package gotoctl implements the Goto Controller: the decision tree
// that picks between the device's native goto and a custom
// plate-solve/sync/re-slew loop for targets that need the
// Horizon-Offset hack, plus the auto-center loop itself.
//
// The auto-center loop's retry/backoff shape is grounded on the jitter
// pattern in goadesign-goa-ai/runtime/a2a/retry/retry.go, reimplemented
// here as a small unexported helper rather than imported wholesale —
// pulling in the whole goa-ai module for one helper function would
// drag an unrelated agent-orchestration dependency tree into this
// repo. The classify-then-retry control flow around command dispatch is
// grounded on codeready-toolchain-tarsy's pkg/mcp/client.go CallTool.
package gotoctl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cgobat/seestar-bridge/pkg/commandapi"
	"github.com/cgobat/seestar-bridge/pkg/dispatcher"
	"github.com/cgobat/seestar-bridge/pkg/horizon"
)

func decodeJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("gotoctl: empty payload")
	}
	return json.Unmarshal(raw, v)
}

// Mode selects which event name and control path a goto uses.
type Mode string

const (
	ModeStandard     Mode = "standard"
	ModeBelowHorizon Mode = "below_horizon"
)

// CustomState is the auto-center loop's state machine.
type CustomState string

const (
	CustomStopped  CustomState = "stopped"
	CustomStart    CustomState = "start"
	CustomWorking  CustomState = "working"
	CustomComplete CustomState = "complete"
	CustomFail     CustomState = "fail"
	CustomStopping CustomState = "stopping"
)

// ConvergenceTolerance is the squared-degrees convergence bound the
// auto-center loop targets — part of the public contract, not an
// implementation detail free to drift.
const ConvergenceTolerance = 1e-3

// MaxPlateSolveFailures bounds consecutive plate-solve failures before
// the auto-center loop fails.
const MaxPlateSolveFailures = 5

// MaxReslewAttempts bounds re-slew attempts without convergence before
// the auto-center loop fails.
const MaxReslewAttempts = 7

// solveWaitPoll is how often the auto-center loop checks for a fresh
// PlateSolve result.
const solveWaitPoll = 500 * time.Millisecond

// solveWaitCeiling bounds how long the loop waits for one plate-solve
// result before counting it as a failure.
const solveWaitCeiling = 15 * time.Second

// Syncer implements horizon.Syncer over the Command API, satisfying
// horizon.Offset's dependency on scope_sync/scope_goto without horizon
// importing commandapi.
type Syncer struct {
	cmd *commandapi.CommandAPI
}

// NewSyncer builds a Syncer over cmd, for callers outside this package
// that need a horizon.Syncer (e.g. the Scheduler's completion reset).
func NewSyncer(cmd *commandapi.CommandAPI) Syncer {
	return Syncer{cmd: cmd}
}

func (s Syncer) Sync(ra, dec float64) error {
	resp := s.cmd.CallSync(context.Background(), "scope_sync", []float64{ra, dec})
	return codeToErr(resp.Code, resp.Error)
}

func (s Syncer) Slew(ra, dec float64) error {
	resp := s.cmd.CallSync(context.Background(), "scope_goto", []float64{ra, dec})
	return codeToErr(resp.Code, resp.Error)
}

func (s Syncer) Park(toSafeDec float64) error {
	resp := s.cmd.CallSync(context.Background(), "scope_move_to_horizon", nil)
	return codeToErr(resp.Code, resp.Error)
}

func codeToErr(code int, errField string) error {
	if code == 0 && errField == "" {
		return nil
	}
	return fmt.Errorf("device error (code=%d): %s", code, errField)
}

// Controller runs goto requests against the device, choosing between
// the standard and below-horizon paths.
type Controller struct {
	cmd          *commandapi.CommandAPI
	disp         *dispatcher.Dispatcher
	offset       *horizon.Offset
	isAltAz      bool
	siteLatitude float64

	mu          sync.Mutex
	mode        Mode
	customState CustomState
	targetName  string

	logger *slog.Logger
}

// New creates a Controller. offset is the Session's shared
// Horizon-Offset state.
func New(cmd *commandapi.CommandAPI, disp *dispatcher.Dispatcher, offset *horizon.Offset, isAltAz bool, siteLatitude float64) *Controller {
	c := &Controller{
		cmd: cmd, disp: disp, offset: offset,
		isAltAz: isAltAz, siteLatitude: siteLatitude,
		mode: ModeStandard, customState: CustomStopped,
		logger: slog.Default().With("component", "gotoctl"),
	}
	cmd.SetGotoPredicates(c)
	return c
}

// ErrOutOfReach classifies a rejected below-horizon target on an
// alt-az device.
type ErrOutOfReach struct {
	DecTarget, SiteLatitude float64
}

func (e *ErrOutOfReach) Error() string {
	return fmt.Sprintf("gotoctl: target dec %.2f unreachable at latitude %.2f", e.DecTarget, e.SiteLatitude)
}

// Goto runs the horizon-offset decision tree for (raTarget, decTarget):
// resetting, applying, or leaving the offset alone depending on where
// the target sits relative to the device's native horizon limit,
// before delegating the actual slew.
func (c *Controller) Goto(ctx context.Context, raTarget, decTarget float64, targetName string) error {
	if c.isAltAz && decTarget < -c.siteLatitude {
		return &ErrOutOfReach{DecTarget: decTarget, SiteLatitude: c.siteLatitude}
	}

	syncer := Syncer{cmd: c.cmd}
	currentDec := c.disp.Pointing().Dec

	current := c.offset.Value()
	switch {
	case current > 0 && decTarget > 10:
		if _, err := c.offset.Reset(raTarget, currentDec, syncer); err != nil {
			c.logger.Warn("horizon offset reset during goto selection failed", "error", err)
		}
	default:
		required := -decTarget + 10
		if required > current {
			if err := c.offset.Set(raTarget, currentDec, required, syncer); err != nil {
				c.logger.Warn("horizon offset set during goto selection failed", "error", err)
			}
		}
	}

	c.mu.Lock()
	c.targetName = targetName
	c.mu.Unlock()

	if c.offset.Value() == 0 {
		return c.standardGoto(ctx, raTarget, decTarget, targetName)
	}
	return c.customGoto(ctx, raTarget, decTarget)
}

func (c *Controller) standardGoto(ctx context.Context, ra, dec float64, targetName string) error {
	c.mu.Lock()
	c.mode = ModeStandard
	c.mu.Unlock()

	params := map[string]any{
		"mode":          "star",
		"target_ra_dec": []float64{ra, dec},
		"target_name":   targetName,
		"lp_filter":     false,
	}
	resp := c.cmd.CallSync(ctx, "iscope_start_view", params)
	return codeToErr(resp.Code, resp.Error)
}

func (c *Controller) customGoto(ctx context.Context, raTarget, decTarget float64) error {
	c.mu.Lock()
	c.mode = ModeBelowHorizon
	c.customState = CustomStart
	c.mu.Unlock()

	biasedDec := c.offset.ApplyOutgoing(decTarget)
	resp := c.cmd.CallSync(ctx, "scope_goto", []float64{raTarget, biasedDec})
	if err := codeToErr(resp.Code, resp.Error); err != nil {
		c.mu.Lock()
		c.customState = CustomFail
		c.mu.Unlock()
		return err
	}

	if !c.cmd.AwaitEventTerminal(ctx, "goto_target") {
		c.mu.Lock()
		c.customState = CustomFail
		c.mu.Unlock()
		return fmt.Errorf("gotoctl: initial slew did not complete")
	}

	go c.autoCenterLoop(context.Background(), raTarget, decTarget)
	return nil
}

// autoCenterLoop iterates plate-solve → sync → re-slew until converged
// or bounded out.
func (c *Controller) autoCenterLoop(ctx context.Context, raTarget, decTarget float64) {
	c.mu.Lock()
	c.customState = CustomWorking
	c.mu.Unlock()

	failures := 0
	attempts := 0

	for {
		if c.shouldStop() {
			c.setCustomState(CustomStopped)
			return
		}

		solved, ok := c.waitForSolve(ctx)
		if !ok {
			failures++
			if failures >= MaxPlateSolveFailures {
				c.setCustomState(CustomFail)
				return
			}
			continue
		}
		failures = 0

		dRA := solved.RA - raTarget
		dDec := solved.Dec - decTarget
		if dRA*dRA+dDec*dDec < ConvergenceTolerance {
			c.setCustomState(CustomComplete)
			return
		}

		biasedDec := c.offset.ApplyOutgoing(decTarget)
		syncer := Syncer{cmd: c.cmd}
		if err := syncer.Sync(solved.RA, solved.Dec); err != nil {
			c.logger.Warn("auto-center sync failed", "error", err)
		}
		if err := syncer.Slew(raTarget, biasedDec); err != nil {
			c.logger.Warn("auto-center re-slew failed", "error", err)
		}

		attempts++
		if attempts >= MaxReslewAttempts {
			c.setCustomState(CustomFail)
			return
		}

		if !cancelAwareSleep(ctx, jitteredBackoff(attempts)) {
			c.setCustomState(CustomStopped)
			return
		}
	}
}

// waitForSolve requests one plate solve and waits for its result.
func (c *Controller) waitForSolve(ctx context.Context) (dispatcher.SolveResult, bool) {
	if _, err := c.cmd.CallAsync(ctx, "start_solve", nil); err != nil {
		return dispatcher.SolveResult{}, false
	}

	deadline := time.Now().Add(solveWaitCeiling)
	ticker := time.NewTicker(solveWaitPoll)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return dispatcher.SolveResult{}, false
		case <-ticker.C:
		}
		if ev, ok := c.disp.EventState("PlateSolve"); ok {
			_ = ev
			r := c.disp.SolveResult()
			if r.RA != 0 || r.Dec != 0 {
				return r, true
			}
		}
	}
	return dispatcher.SolveResult{}, false
}

func (c *Controller) shouldStop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.customState == CustomStopping
}

// CustomState returns the auto-center loop's current state, for the
// handoff to the Scheduler/capture engine: after the standard wait on
// "goto_target" returns true, the caller polls this until it leaves
// {start, working}.
func (c *Controller) CustomState() CustomState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.customState
}

func (c *Controller) setCustomState(s CustomState) {
	c.mu.Lock()
	c.customState = s
	c.mu.Unlock()
}

// Stop aborts an in-progress goto: standard mode sends
// iscope_stop_view{stage:AutoGoto}; custom mode sets customState to
// stopping so autoCenterLoop exits at its next poll.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()

	if mode == ModeStandard {
		c.cmd.CallSync(ctx, "iscope_stop_view", map[string]any{"stage": "AutoGoto"})
		return
	}
	c.setCustomState(CustomStopping)
}

// IsGoto reports whether the relevant event (AutoGoto or ScopeGoto,
// depending on Mode) is in start or working state.
func (c *Controller) IsGoto() bool {
	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()

	name := "AutoGoto"
	if mode == ModeBelowHorizon {
		name = "ScopeGoto"
	}
	ev, ok := c.disp.EventState(name)
	if !ok {
		return false
	}
	var st struct {
		State string `json:"state"`
	}
	if decodeJSON(ev.Raw, &st) != nil {
		return false
	}
	return st.State == "start" || st.State == "working"
}

// IsGotoCompletedOk reports whether the relevant event's state is
// complete.
func (c *Controller) IsGotoCompletedOk() bool {
	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()

	name := "AutoGoto"
	if mode == ModeBelowHorizon {
		name = "ScopeGoto"
	}
	ev, ok := c.disp.EventState(name)
	if !ok {
		return false
	}
	var st struct {
		State string `json:"state"`
	}
	if decodeJSON(ev.Raw, &st) != nil {
		return false
	}
	return st.State == "complete"
}

// cancelAwareSleep sleeps for d or until ctx is cancelled, whichever
// comes first, returning false if cancelled early.
func cancelAwareSleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// jitteredBackoff returns a capped, jittered delay for the n'th
// re-slew attempt, so repeated cycles don't hammer the device at a
// fixed cadence.
func jitteredBackoff(attempt int) time.Duration {
	const base = 500 * time.Millisecond
	const capDelay = 5 * time.Second
	d := base * time.Duration(math.Pow(2, float64(attempt)))
	if d > capDelay {
		d = capDelay
	}
	jitter := time.Duration(rand.Int64N(int64(d) / 2))
	return d/2 + jitter
}
