// Package horizon implements the virtual declination offset that lets
// an alt-az-constrained device track targets below its native horizon
// limit.
//
// This is device-specific domain behavior with no ready-made precedent
// to borrow a shape from, so it is kept deliberately small, pure, and
// invariant-checked.
package horizon

import (
	"errors"
	"fmt"
)

// ErrHorizonLimit classifies a rejected Set/Reset call.
var ErrHorizonLimit = errors.New("horizon: limit exceeded")

// LimitError carries the specific invariant that would have been
// violated.
type LimitError struct {
	Reason string
}

func (e *LimitError) Error() string { return fmt.Sprintf("horizon: %s", e.Reason) }
func (e *LimitError) Unwrap() error { return ErrHorizonLimit }

// SafeDec is the declination used as the reset target.
const SafeDec = 10.0

// MaxBiasedDec is the ceiling on current_dec+offset while offset > 0.
const MaxBiasedDec = 70.0

// Syncer issues the scope_sync/scope_goto calls Set/Reset require to
// keep the device's internal star map consistent with the virtual
// offset.
type Syncer interface {
	Sync(ra, dec float64) error
	Slew(ra, dec float64) error
	Park(toSafeDec float64) error
}

// Offset tracks below_horizon_dec_offset for one Session.
type Offset struct {
	siteLatitude float64
	value        float64
}

// New creates an Offset for a site at the given latitude, starting at
// zero.
func New(siteLatitudeDeg float64) *Offset {
	return &Offset{siteLatitude: siteLatitudeDeg}
}

// Value returns the current offset in degrees (always ≥ 0).
func (o *Offset) Value() float64 { return o.value }

// ApplyOutgoing biases an outgoing declination up by the current
// offset, for slew/sync calls.
func (o *Offset) ApplyOutgoing(dec float64) float64 { return dec + o.value }

// RemoveIncoming biases an incoming device declination back down by
// the current offset, for presentation.
func (o *Offset) RemoveIncoming(dec float64) float64 { return dec - o.value }

// Set applies a new positive offset. Preconditions:
// offset > 0; offset ≤ 90−siteLatitude only when starting from zero;
// current_dec+offset ≤ MaxBiasedDec, else a pre-park to a safe
// declination is attempted first. On success, sync is issued to the
// old (ra, old_dec) so the device's star map stays consistent with
// physical pointing; on sync failure, the offset change is reverted.
func (o *Offset) Set(ra, currentDec, newOffset float64, sync Syncer) error {
	if newOffset <= 0 {
		return &LimitError{Reason: "offset must be positive"}
	}
	if o.value == 0 && newOffset > 90-o.siteLatitude {
		return &LimitError{Reason: fmt.Sprintf("offset %.2f exceeds 90-site_latitude=%.2f", newOffset, 90-o.siteLatitude)}
	}
	if currentDec+newOffset > MaxBiasedDec {
		if err := sync.Park(SafeDec); err != nil {
			return &LimitError{Reason: fmt.Sprintf("pre-park to safe dec failed: %v", err)}
		}
		currentDec = SafeDec
	}

	old := o.value
	o.value = newOffset
	if err := sync.Sync(ra, currentDec); err != nil {
		o.value = old
		return fmt.Errorf("horizon: sync after offset change failed, reverted: %w", err)
	}
	return nil
}

// Reset slews from the last displayed position (ra, dec-offset) to
// (ra, SafeDec), clears the offset to zero, then syncs there. Used at
// scheduler completion and before any large upward slew. If the offset
// is already zero this is a no-op, reported explicitly as (true, nil)
// rather than a bare zero value, so callers can't mistake "nothing to
// do" for "the reset failed silently".
func (o *Offset) Reset(ra, lastDisplayedDec float64, sync Syncer) (bool, error) {
	if o.value == 0 {
		return true, nil
	}
	if err := sync.Slew(ra, SafeDec); err != nil {
		return false, fmt.Errorf("horizon: reset slew failed: %w", err)
	}
	o.value = 0
	if err := sync.Sync(ra, SafeDec); err != nil {
		return false, fmt.Errorf("horizon: reset sync failed: %w", err)
	}
	return true, nil
}
