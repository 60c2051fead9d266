package session

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/cgobat/seestar-bridge/pkg/astromath"
	"github.com/cgobat/seestar-bridge/pkg/gotoctl"
	"github.com/cgobat/seestar-bridge/pkg/schedule"
	"github.com/cgobat/seestar-bridge/pkg/startup"
)

// StartUpSequence runs the Startup Sequence in the background and
// returns immediately — the full sequence (park, align, dark frames)
// can take several minutes, far longer than a single northbound call
// should block for.
func (s *Session) StartUpSequence(params StartUpParams) Reply {
	p := startup.Params{
		AutoFocus:       params.AutoFocus,
		ThreePointAlign: params.ThreePointAlign,
		DarkFrames:      params.DarkFrames,
		Lat:             params.Lat,
		Lon:             params.Lon,
	}
	go func() {
		if err := s.startup.Run(s.ctx(), p); err != nil {
			s.logger.Error("startup sequence failed", "error", err)
		}
	}()
	return okReply("start_up_sequence", "started")
}

func (s *Session) CreateSchedule() Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler != nil && s.scheduler.Snapshot().State == schedule.Working {
		return errReply("create_schedule", "a schedule is already running")
	}
	s.schedule = schedule.New()
	return okReply("create_schedule", s.schedule.ID.String())
}

func (s *Session) AddScheduleItem(item schedule.Item) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return errReply("add_schedule_item", "no schedule created")
	}
	s.schedule.Add(item)
	return okReply("add_schedule_item", item.ID.String())
}

func (s *Session) InsertScheduleItemBefore(beforeID uuid.UUID, item schedule.Item) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return errReply("insert_schedule_item_before", "no schedule created")
	}
	if err := s.schedule.InsertBefore(beforeID, item); err != nil {
		return errReply("insert_schedule_item_before", err.Error())
	}
	return okReply("insert_schedule_item_before", item.ID.String())
}

func (s *Session) ReplaceScheduleItem(itemID uuid.UUID, item schedule.Item) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return errReply("replace_schedule_item", "no schedule created")
	}
	if err := s.schedule.Replace(itemID, item); err != nil {
		return errReply("replace_schedule_item", err.Error())
	}
	return okReply("replace_schedule_item", itemID.String())
}

func (s *Session) RemoveScheduleItem(itemID uuid.UUID) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return errReply("remove_schedule_item", "no schedule created")
	}
	if err := s.schedule.Remove(itemID); err != nil {
		return errReply("remove_schedule_item", err.Error())
	}
	return okReply("remove_schedule_item", itemID.String())
}

func (s *Session) GetSchedule() Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return errReply("get_schedule", "no schedule created")
	}
	return okReply("get_schedule", *s.schedule)
}

func (s *Session) StartScheduler() Reply {
	s.mu.Lock()
	sched := s.schedule
	s.mu.Unlock()
	if sched == nil {
		return errReply("start_scheduler", "no schedule created")
	}
	if err := s.startScheduler(s.ctx(), sched); err != nil {
		return errReply("start_scheduler", err.Error())
	}
	return okReply("start_scheduler", uuidOrNil(sched.ID))
}

// StopScheduler requests a graceful stop.
func (s *Session) StopScheduler() Reply {
	s.mu.Lock()
	sch := s.scheduler
	s.mu.Unlock()
	if sch == nil {
		return errReply("stop_scheduler", "no scheduler running")
	}
	if !sch.Stop() {
		return okReply("stop_scheduler", "already requested to stop")
	}
	return okReply("stop_scheduler", "stopping")
}

func (s *Session) StartMosaic(params schedule.MosaicParams) Reply {
	sched := schedule.New()
	sched.Add(schedule.NewMosaicItem(params))
	s.mu.Lock()
	s.schedule = sched
	s.mu.Unlock()
	if err := s.startScheduler(s.ctx(), sched); err != nil {
		return errReply("start_mosaic", err.Error())
	}
	return okReply("start_mosaic", sched.ID.String())
}

func (s *Session) StartSpectra(params schedule.SpectraParams) Reply {
	sched := schedule.New()
	sched.Add(schedule.NewSpectraItem(params))
	s.mu.Lock()
	s.schedule = sched
	s.mu.Unlock()
	if err := s.startScheduler(s.ctx(), sched); err != nil {
		return errReply("start_spectra", err.Error())
	}
	return okReply("start_spectra", sched.ID.String())
}

// GotoTarget converts J2000 coordinates to apparent if requested, then
// issues the Goto Controller's decision tree.
func (s *Session) GotoTarget(params GotoParams) Reply {
	ra, dec := params.RA, params.Dec
	if params.IsJ2000 {
		ra, dec = astromath.ApparentFromJ2000(ra, dec, time.Now())
	}
	if err := s.gotoCtl.Goto(s.ctx(), ra, dec, params.TargetName); err != nil {
		return errReply("goto_target", err.Error())
	}
	return okReply("goto_target", "started")
}

func (s *Session) StopGotoTarget() Reply {
	s.gotoCtl.Stop(s.ctx())
	return okReply("stop_goto_target", "stopped")
}

// SyncTarget syncs the device's internal star map to (ra, dec).
// Rejects only when a schedule is neither stopped nor complete (the
// evidently-intended "&&" reading of that guard, not an always-true
// "||" one).
func (s *Session) SyncTarget(ra, dec float64) Reply {
	s.mu.Lock()
	sch := s.scheduler
	s.mu.Unlock()
	if sch != nil {
		st := sch.Snapshot().State
		if st != schedule.Stopped && st != schedule.Complete {
			return errReply("sync_target", "scheduler is active")
		}
	}
	if err := gotoctl.NewSyncer(s.cmd).Sync(ra, dec); err != nil {
		return errReply("sync_target", err.Error())
	}
	return okReply("sync_target", "synced")
}

// GetEventState returns one event if name is given, else the whole
// EventState map. The name "scheduler" returns a pseudo-event
// synthesized from the live Scheduler snapshot; the whole map does not
// include it.
func (s *Session) GetEventState(name string) Reply {
	if name == "scheduler" {
		s.mu.Lock()
		sch := s.scheduler
		s.mu.Unlock()
		if sch == nil {
			return errReply("get_event_state", "no scheduler running")
		}
		return okReply("get_event_state", sch.Snapshot())
	}
	if name == "" {
		return okReply("get_event_state", s.disp.AllEventState())
	}
	ev, ok := s.disp.EventState(name)
	if !ok {
		return errReply("get_event_state", fmt.Sprintf("no event named %q observed yet", name))
	}
	return okReply("get_event_state", ev)
}

// AdjustMagDeclination rotates the device's compass calibration matrix
// by geomag_declination(lat, lon) + fudge_angle degrees.
func (s *Session) AdjustMagDeclination(params AdjustMagDeclinationParams) Reply {
	if !params.AdjustMagDec {
		return okReply("adjust_mag_declination", "no adjustment requested")
	}

	resp := s.cmd.CallSync(s.ctx(), "get_sensor_calibration", nil)
	if resp.Code != 0 {
		return errReply("adjust_mag_declination", resp.Error)
	}
	var cal struct {
		Matrix [2][2]float64 `json:"matrix"`
	}
	if len(resp.Result) > 0 {
		_ = json.Unmarshal(resp.Result, &cal)
	}

	angleDeg := astromath.GeomagDeclination(params.Lat, params.Lon) + params.FudgeAngle
	rotated := rotateMatrix2x2(cal.Matrix, angleDeg)

	setResp := s.cmd.CallSync(s.ctx(), "set_sensor_calibration", map[string]any{"matrix": rotated})
	if setResp.Code != 0 {
		return errReply("adjust_mag_declination", setResp.Error)
	}
	return okReply("adjust_mag_declination", rotated)
}

func rotateMatrix2x2(m [2][2]float64, angleDeg float64) [2][2]float64 {
	rad := angleDeg * (math.Pi / 180)
	cos, sin := math.Cos(rad), math.Sin(rad)
	rot := [2][2]float64{{cos, -sin}, {sin, cos}}
	var out [2][2]float64
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			out[i][j] = rot[i][0]*m[0][j] + rot[i][1]*m[1][j]
		}
	}
	return out
}
