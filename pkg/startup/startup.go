// Package startup implements the Startup Sequence: an external entry
// point that runs a fixed series of numbered steps directly, in order,
// aborting on hard failure. It does not create a schedule or go through
// the Scheduler.
//
// Grounded on codeready-toolchain-tarsy's pkg/queue/worker.go
// pollAndProcess: a multi-step sequence with early abort on any step's
// hard failure, run in its own goroutine independent of its caller.
package startup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cgobat/seestar-bridge/pkg/astromath"
	"github.com/cgobat/seestar-bridge/pkg/commandapi"
	"github.com/cgobat/seestar-bridge/pkg/config"
	"github.com/cgobat/seestar-bridge/pkg/notify"
)

// Params are the caller-supplied start_up_sequence inputs.
type Params struct {
	AutoFocus       bool
	ThreePointAlign bool
	DarkFrames      bool
	Lat, Lon        *float64 // nil means "fall through to config, then GPS"
}

// Sequence runs the Startup Sequence against a Command API. Run uses
// Params as given: pkg/session passes the caller's flags through
// unchanged and config.StartupDefaults is not applied. Beyond Params,
// the Sequence only knows about the site location fallback.
type Sequence struct {
	cmd    *commandapi.CommandAPI
	cues   notify.CuePlayer
	site   *config.SiteConfig
	logger *slog.Logger
}

// New creates a Sequence.
func New(cmd *commandapi.CommandAPI, cues notify.CuePlayer, site *config.SiteConfig) *Sequence {
	if cues == nil {
		cues = notify.NoOp{}
	}
	return &Sequence{cmd: cmd, cues: cues, site: site, logger: slog.Default().With("component", "startup")}
}

// Run executes the startup steps in order, aborting on the first hard
// failure.
func (s *Sequence) Run(ctx context.Context, p Params) error {
	s.cues.PlayCue(80)

	lat, lon, err := s.resolveLocation(ctx, p)
	if err != nil {
		return fmt.Errorf("startup: location resolution failed: %w", err)
	}

	if err := s.step1ConfigureDevice(ctx, lat, lon); err != nil {
		return fmt.Errorf("startup: device configuration failed: %w", err)
	}

	if err := s.step2Park(ctx); err != nil {
		return fmt.Errorf("startup: park failed: %w", err)
	}

	if err := s.step3MoveToClearPatch(ctx); err != nil {
		return fmt.Errorf("startup: move to clear patch failed: %w", err)
	}

	if p.AutoFocus {
		s.step4AutoFocus(ctx) // non-fatal
	}

	aligned := false
	if p.ThreePointAlign {
		aligned = s.step5PolarAlign(ctx)
	}

	if p.DarkFrames {
		if err := s.step6DarkFrames(ctx); err != nil {
			s.logger.Warn("dark frame capture failed, continuing", "error", err)
		}
	}

	if aligned {
		s.step7ReAnchor(ctx)
	}

	s.cues.PlayCue(82)
	return nil
}

func (s *Sequence) resolveLocation(ctx context.Context, p Params) (lat, lon float64, err error) {
	if p.Lat != nil && p.Lon != nil {
		return *p.Lat, *p.Lon, nil
	}
	if s.site != nil && (s.site.Latitude != 0 || s.site.Longitude != 0) {
		return s.site.Latitude, s.site.Longitude, nil
	}
	return astromath.Geolocate(ctx)
}

func (s *Sequence) step1ConfigureDevice(ctx context.Context, lat, lon float64) error {
	now := time.Now()
	timeParams := map[string]any{
		"year": now.Year(), "mon": int(now.Month()), "day": now.Day(),
		"hour": now.Hour(), "min": now.Minute(), "sec": now.Second(),
		"time_zone": localTimeZoneName(),
	}
	if resp := s.cmd.CallSync(ctx, "pi_set_time", timeParams); resp.Code != 0 {
		return fmt.Errorf("pi_set_time: %s", resp.Error)
	}
	if resp := s.cmd.CallSync(ctx, "set_user_location", map[string]any{"lat": lat, "lon": lon}); resp.Code != 0 {
		return fmt.Errorf("set_user_location: %s", resp.Error)
	}
	s.cmd.CallSync(ctx, "set_setting", map[string]any{"lang": "en"})
	s.cmd.CallSync(ctx, "set_stack_setting", map[string]any{
		"stack_dither": map[string]any{"enable": true},
	})
	s.cmd.CallSync(ctx, "pi_output_set2", map[string]any{"heater": map[string]any{"state": true}})
	s.cmd.CallSync(ctx, "set_sequence_setting", map[string]any{"save_frames": true})
	return nil
}

func localTimeZoneName() string {
	name, _ := time.Now().Zone()
	return name
}

func (s *Sequence) step2Park(ctx context.Context) error {
	if resp := s.cmd.CallSync(ctx, "scope_park", nil); resp.Code != 0 {
		return fmt.Errorf("scope_park: %s", resp.Error)
	}
	if !s.cmd.AwaitEventTerminal(ctx, "ScopeHome") {
		return fmt.Errorf("ScopeHome did not reach complete")
	}
	return nil
}

// clearPatchApproachStep is the speed-move increment used while
// closing in on the configured clear-patch target.
const clearPatchApproachStep = 2.0 // degrees per move
const clearPatchMaxMoves = 2       // bound on speed-move nudges issued

func (s *Sequence) step3MoveToClearPatch(ctx context.Context) error {
	for i := 0; i < clearPatchMaxMoves; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp := s.cmd.CallSync(ctx, "scope_get_horiz_coord", nil)
		if resp.Code != 0 {
			return fmt.Errorf("scope_get_horiz_coord: %s", resp.Error)
		}
		// Approximation: without decoding the actual alt/az payload we
		// cannot compute a real distance-to-target here, so this issues
		// a bounded number of speed-move nudges and trusts the device's
		// own arrival behavior, matching the "repeated short speed-moves"
		// shape without a full horizontal-coordinate solver.
		s.cmd.CallSync(ctx, "scope_speed_move", map[string]any{"angle": clearPatchApproachStep})
	}
	return nil
}

func (s *Sequence) step4AutoFocus(ctx context.Context) {
	for i := 0; i < 2; i++ {
		s.cmd.CallSync(ctx, "start_auto_focuse", nil)
		if s.cmd.AwaitEventTerminal(ctx, "AutoFocus") {
			return
		}
	}
}

func (s *Sequence) step5PolarAlign(ctx context.Context) bool {
	state := s.cmd.CallSync(ctx, "get_device_state", nil)
	has3PPA := state.Code == 0 && containsOffsetDeg3PPA(state.Result)

	if has3PPA {
		s.cmd.CallSync(ctx, "start_polar_align", nil)
	} else {
		s.cmd.CallSync(ctx, "iscope_start_stack", map[string]any{"gain": 80})
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	deadline := time.Now().Add(5 * time.Minute)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		if ev, ok := s.cmd.EventState("3PPA"); ok {
			var st struct {
				Percent float64 `json:"percent"`
				State   string  `json:"state"`
			}
			if err := json.Unmarshal(ev.Raw, &st); err == nil {
				if st.State == "fail" {
					return false
				}
				if st.Percent > 99.9 {
					s.cmd.CallSync(ctx, "stop_polar_align", nil)
					return true
				}
			}
		}
	}
	return false
}

func containsOffsetDeg3PPA(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	_, ok := m["offset_deg_3ppa"]
	return ok
}

func (s *Sequence) step6DarkFrames(ctx context.Context) error {
	if resp := s.cmd.CallSync(ctx, "start_create_dark", nil); resp.Code != 0 {
		return fmt.Errorf("start_create_dark: %s", resp.Error)
	}
	if !s.cmd.AwaitEventTerminal(ctx, "DarkLibrary") {
		return fmt.Errorf("DarkLibrary did not reach complete")
	}
	return nil
}

func (s *Sequence) step7ReAnchor(ctx context.Context) {
	resp := s.cmd.CallSync(ctx, "scope_get_equ_coord", nil)
	if resp.Code != 0 {
		return
	}
	var coord struct {
		RA, Dec float64
	}
	if len(resp.Result) > 0 && json.Unmarshal(resp.Result, &coord) == nil {
		s.cmd.CallSync(ctx, "scope_goto", []float64{coord.RA + 0.1, coord.Dec})
	}
}
