// Package schedule defines the Schedule data model: an ordered,
// editable list of tagged-sum ScheduleItems with monotonicity-guarded
// edits.
//
// Items are represented as a tagged sum rather than heterogeneous
// dictionaries; the plain exported-struct-per-concept layout is
// grounded on codeready-toolchain-tarsy's pkg/models package.
package schedule

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ItemKind discriminates a ScheduleItem's variant.
type ItemKind string

const (
	KindMosaic    ItemKind = "mosaic"
	KindSpectra   ItemKind = "spectra"
	KindAutoFocus ItemKind = "auto_focus"
	KindWaitFor   ItemKind = "wait_for"
	KindWaitUntil ItemKind = "wait_until"
	KindShutdown  ItemKind = "shutdown"
	KindRaw       ItemKind = "raw"
)

// MosaicParams holds the inputs to the Mosaic Engine.
type MosaicParams struct {
	TargetName      string
	RA, Dec         float64
	IsJ2000         bool
	SessionSeconds  int
	GridRA, GridDec int
	OverlapPct      float64
	Gain            int
	AutoFocus       bool
	SelectedPanels  string
	NumTries        int
	RetryWaitS      int
	LPFilter        bool
}

// SpectraParams holds the inputs to the Spectra Engine.
type SpectraParams struct {
	TargetName     string
	RA, Dec        float64
	IsJ2000        bool
	SessionSeconds int
	Gain           int
}

// AutoFocusParams holds the inputs to a standalone auto_focus item.
type AutoFocusParams struct {
	TryCount int
}

// WaitForParams holds a fixed-duration wait item.
type WaitForParams struct {
	TimerSec int
}

// WaitUntilParams holds a wall-clock wait item ("HH:MM" local time).
type WaitUntilParams struct {
	LocalTime string
}

// RawParams passes an opaque method+params straight through to the
// Command API.
type RawParams struct {
	Method string
	Params any
}

// Item is a tagged-sum schedule entry: exactly one of the pointer
// fields matching Kind is populated.
type Item struct {
	ID   uuid.UUID
	Kind ItemKind

	Mosaic    *MosaicParams
	Spectra   *SpectraParams
	AutoFocus *AutoFocusParams
	WaitFor   *WaitForParams
	WaitUntil *WaitUntilParams
	Shutdown  *struct{}
	Raw       *RawParams
}

// NewMosaicItem builds a mosaic Item with a freshly assigned id.
func NewMosaicItem(p MosaicParams) Item {
	return Item{ID: uuid.New(), Kind: KindMosaic, Mosaic: &p}
}

// NewSpectraItem builds a spectra Item with a freshly assigned id.
func NewSpectraItem(p SpectraParams) Item {
	return Item{ID: uuid.New(), Kind: KindSpectra, Spectra: &p}
}

// NewAutoFocusItem builds an auto_focus Item with a freshly assigned id.
func NewAutoFocusItem(p AutoFocusParams) Item {
	return Item{ID: uuid.New(), Kind: KindAutoFocus, AutoFocus: &p}
}

// NewWaitForItem builds a wait_for Item with a freshly assigned id.
func NewWaitForItem(p WaitForParams) Item {
	return Item{ID: uuid.New(), Kind: KindWaitFor, WaitFor: &p}
}

// NewWaitUntilItem builds a wait_until Item with a freshly assigned id.
func NewWaitUntilItem(p WaitUntilParams) Item {
	return Item{ID: uuid.New(), Kind: KindWaitUntil, WaitUntil: &p}
}

// NewShutdownItem builds a shutdown Item with a freshly assigned id.
func NewShutdownItem() Item {
	return Item{ID: uuid.New(), Kind: KindShutdown, Shutdown: &struct{}{}}
}

// NewRawItem builds a raw passthrough Item with a freshly assigned id.
func NewRawItem(p RawParams) Item {
	return Item{ID: uuid.New(), Kind: KindRaw, Raw: &p}
}

// State is the Schedule's execution state machine.
type State string

const (
	Stopped  State = "stopped"
	Working  State = "working"
	Stopping State = "stopping"
	Complete State = "complete"
)

// ErrScheduleEditRejected classifies a rejected edit; wrap with
// EditError for a human-readable reason.
var ErrScheduleEditRejected = errors.New("schedule: edit rejected")

// EditError carries the reason an edit was rejected.
type EditError struct {
	Target uuid.UUID
	Reason string
}

func (e *EditError) Error() string {
	return fmt.Sprintf("schedule: edit on %s rejected: %s", e.Target, e.Reason)
}

func (e *EditError) Unwrap() error { return ErrScheduleEditRejected }

// Schedule is an ordered, editable list of Items plus execution state.
type Schedule struct {
	ID            uuid.UUID
	Items         []Item
	State         State
	CurrentItemID uuid.UUID
	ItemNumber    int
	Result        string
}

// New creates an empty, stopped Schedule.
func New() *Schedule {
	return &Schedule{ID: uuid.New(), State: Stopped}
}

// currentIndex returns the index of CurrentItemID, or -1 if none is
// set or it no longer appears in Items.
func (s *Schedule) currentIndex() int {
	if s.CurrentItemID == uuid.Nil {
		return -1
	}
	for i, it := range s.Items {
		if it.ID == s.CurrentItemID {
			return i
		}
	}
	return -1
}

// indexOf returns the index of the item with the given id, or -1.
func (s *Schedule) indexOf(id uuid.UUID) int {
	for i, it := range s.Items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// guardTarget rejects an edit whose target precedes or equals the
// currently executing item.
func (s *Schedule) guardTarget(target uuid.UUID) error {
	ti := s.indexOf(target)
	if ti < 0 {
		return &EditError{Target: target, Reason: "no such item"}
	}
	ci := s.currentIndex()
	if ci >= 0 && ti <= ci {
		return &EditError{Target: target, Reason: "item already executed or executing"}
	}
	return nil
}

// Add appends item to the end of the list.
func (s *Schedule) Add(item Item) {
	s.Items = append(s.Items, item)
}

// InsertBefore inserts item immediately before target, rejecting if
// target precedes or is the currently executing item.
func (s *Schedule) InsertBefore(target uuid.UUID, item Item) error {
	if err := s.guardTarget(target); err != nil {
		return err
	}
	idx := s.indexOf(target)
	s.Items = append(s.Items[:idx], append([]Item{item}, s.Items[idx:]...)...)
	return nil
}

// Replace substitutes the item at target with replacement, rejecting
// under the same rule as InsertBefore.
func (s *Schedule) Replace(target uuid.UUID, replacement Item) error {
	if err := s.guardTarget(target); err != nil {
		return err
	}
	idx := s.indexOf(target)
	replacement.ID = target
	s.Items[idx] = replacement
	return nil
}

// Remove deletes the item at target, rejecting under the same rule as
// InsertBefore.
func (s *Schedule) Remove(target uuid.UUID) error {
	if err := s.guardTarget(target); err != nil {
		return err
	}
	idx := s.indexOf(target)
	s.Items = append(s.Items[:idx], s.Items[idx+1:]...)
	return nil
}

// HasShutdownItem reports whether any item in the list is a shutdown
// item, used by the Scheduler to decide whether to send pi_shutdown
// synchronously after cleanup.
func (s *Schedule) HasShutdownItem() bool {
	for _, it := range s.Items {
		if it.Kind == KindShutdown {
			return true
		}
	}
	return false
}
