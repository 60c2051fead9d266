// Package capture defines the narrow interface the Mosaic and Spectra
// engines share against the device, and its concrete implementation
// over the Command API and Goto Controller.
//
// Grounded on codeready-toolchain-tarsy's pkg/queue/types.go
// SessionExecutor/SessionRegistry: a narrow interface injected into a
// worker loop rather than the loop reaching into a concrete struct.
package capture

import (
	"context"
	"time"

	"github.com/cgobat/seestar-bridge/pkg/commandapi"
	"github.com/cgobat/seestar-bridge/pkg/gotoctl"
)

// Capturer is the device-facing surface both capture engines need.
type Capturer interface {
	// Goto slews to (ra, dec), selecting the standard or below-horizon
	// path as gotoctl.Controller decides, and waits for the initial
	// slew (and, for the custom path, the auto-center loop) to settle.
	Goto(ctx context.Context, ra, dec float64, targetName string) (ok bool)
	SetLPFilter(ctx context.Context, enabled bool) error
	AutoFocus(ctx context.Context) (ok bool)
	StartStack(ctx context.Context, gain int) error
	StopStack(ctx context.Context) error
}

// DeviceCapturer implements Capturer against a real Command API and
// Goto Controller.
type DeviceCapturer struct {
	cmd     *commandapi.CommandAPI
	gotoCtl *gotoctl.Controller
}

// New creates a DeviceCapturer.
func New(cmd *commandapi.CommandAPI, g *gotoctl.Controller) *DeviceCapturer {
	return &DeviceCapturer{cmd: cmd, gotoCtl: g}
}

// Goto issues the goto, waits for the standard "goto_target" terminal,
// then — for the below-horizon path — polls CustomState until it
// leaves {start, working} before reporting settled.
func (d *DeviceCapturer) Goto(ctx context.Context, ra, dec float64, targetName string) bool {
	if err := d.gotoCtl.Goto(ctx, ra, dec, targetName); err != nil {
		return false
	}
	if !d.cmd.AwaitEventTerminal(ctx, "goto_target") {
		return false
	}
	return d.awaitCustomSettle(ctx)
}

func (d *DeviceCapturer) awaitCustomSettle(ctx context.Context) bool {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := d.gotoCtl.CustomState()
		if st != gotoctl.CustomStart && st != gotoctl.CustomWorking {
			return st == gotoctl.CustomComplete || st == gotoctl.CustomStopped
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (d *DeviceCapturer) SetLPFilter(ctx context.Context, enabled bool) error {
	resp := d.cmd.CallSync(ctx, "set_setting", map[string]any{"stack_lenhance": enabled})
	if resp.Code != 0 {
		return &deviceError{resp.Error}
	}
	return nil
}

// AutoFocus runs the device autofocus routine, reporting success.
// Failures here are non-fatal to the caller.
func (d *DeviceCapturer) AutoFocus(ctx context.Context) bool {
	d.cmd.CallSync(ctx, "start_auto_focuse", nil)
	return d.cmd.AwaitEventTerminal(ctx, "AutoFocus")
}

func (d *DeviceCapturer) StartStack(ctx context.Context, gain int) error {
	resp := d.cmd.CallSync(ctx, "iscope_start_stack", map[string]any{"gain": gain})
	if resp.Code != 0 {
		return &deviceError{resp.Error}
	}
	return nil
}

func (d *DeviceCapturer) StopStack(ctx context.Context) error {
	resp := d.cmd.CallSync(ctx, "iscope_stop_view", map[string]any{"stage": "Stack"})
	if resp.Code != 0 {
		return &deviceError{resp.Error}
	}
	return nil
}

type deviceError struct{ reason string }

func (e *deviceError) Error() string { return "capture: device error: " + e.reason }
