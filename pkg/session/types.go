package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/cgobat/seestar-bridge/pkg/schedule"
)

// Reply is the northbound envelope every ControlSurface method returns.
type Reply struct {
	JSONRPC   string `json:"jsonrpc"`
	TimeStamp int64  `json:"TimeStamp"`
	Command   string `json:"command"`
	Code      int    `json:"code"`
	Result    any    `json:"result,omitempty"`
}

func newReply(command string, code int, result any) Reply {
	return Reply{JSONRPC: "2.0", TimeStamp: time.Now().Unix(), Command: command, Code: code, Result: result}
}

func okReply(command string, result any) Reply  { return newReply(command, 0, result) }
func errReply(command string, result any) Reply { return newReply(command, -1, result) }

// StartUpParams are the start_up_sequence inputs.
type StartUpParams struct {
	AutoFocus       bool
	ThreePointAlign bool
	DarkFrames      bool
	Lat, Lon        *float64
}

// GotoParams are the goto_target inputs.
type GotoParams struct {
	RA, Dec    float64
	IsJ2000    bool
	TargetName string
}

// AdjustMagDeclinationParams are adjust_mag_declination's inputs:
// rotate the device's compass calibration matrix by
// geomag_declination(lat, lon) + fudge_angle degrees.
type AdjustMagDeclinationParams struct {
	AdjustMagDec bool
	FudgeAngle   float64
	Lat, Lon     float64
}

// ControlSurface is the northbound API a protocol adapter (HTTP, ASCOM,
// INDI — none implemented here) would bind to. *Session
// implements it directly. A Session tracks exactly
// one current Schedule; schedule_id appears in the wire protocol as an
// optional disambiguator but there is nothing else to disambiguate
// against here, so it is not threaded through this interface.
type ControlSurface interface {
	StartUpSequence(params StartUpParams) Reply

	CreateSchedule() Reply
	AddScheduleItem(item schedule.Item) Reply
	InsertScheduleItemBefore(beforeID uuid.UUID, item schedule.Item) Reply
	ReplaceScheduleItem(itemID uuid.UUID, item schedule.Item) Reply
	RemoveScheduleItem(itemID uuid.UUID) Reply
	GetSchedule() Reply

	StartScheduler() Reply
	StopScheduler() Reply

	StartMosaic(params schedule.MosaicParams) Reply
	StartSpectra(params schedule.SpectraParams) Reply

	GotoTarget(params GotoParams) Reply
	StopGotoTarget() Reply
	SyncTarget(ra, dec float64) Reply

	GetEventState(name string) Reply
	AdjustMagDeclination(params AdjustMagDeclinationParams) Reply
}
