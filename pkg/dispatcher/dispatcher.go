// Package dispatcher correlates device responses to outstanding
// requests and fans out device events to subscribers, maintaining the
// latest-known state per event name.
//
// The single-writer-many-reader map shape is grounded on
// codeready-toolchain-tarsy's pkg/mcp/client.go, which guards its
// sessions map with one sync.RWMutex rather than channels per entry;
// the per-request wait-channel correlation (so callers block instead of
// polling) is grounded on the ASCOM bridge file in the wider example
// pack, which keys a sync.Map of pending requests by correlation id and
// closes a channel when the matching reply arrives.
package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/cgobat/seestar-bridge/pkg/wireproto"
)

// MaxPending bounds the PendingResponse map. Oldest entries
// are evicted by insertion order once full.
const MaxPending = 100

// MaxEventQueue bounds the raw event ring buffer.
const MaxEventQueue = 20

// Pointing is the last-known (RA, Dec) surfaced by scope_get_equ_coord
// responses, with HorizonOffset already removed from Dec.
type Pointing struct {
	RA, Dec float64
	Valid   bool
}

// SolveResult mirrors the Session-level cur_solve_RA/Dec pair the
// Goto Controller's auto-center loop reads.
type SolveResult struct {
	RA, Dec float64
}

// DecBiasFunc removes an active HorizonOffset bias from an incoming
// declination value.
type DecBiasFunc func(dec float64) float64

// Dispatcher owns PendingResponse, EventState, and EventQueue, and is
// the single writer to all three.
type Dispatcher struct {
	mu sync.Mutex

	pending      map[int64]wireproto.Response
	pendingOrder []int64 // insertion order, for oldest-eviction
	waiters      map[int64]chan wireproto.Response

	events      map[string]wireproto.Event
	eventQueue  []wireproto.Event
	subscribers map[int]chan wireproto.Event
	nextSubID   int

	pointing   Pointing
	solve      SolveResult
	viewState  wireproto.Event
	haveView   bool
	removeBias DecBiasFunc

	logger *slog.Logger
}

// New creates an empty Dispatcher. removeBias is consulted whenever a
// scope_get_equ_coord response arrives, to undo an active
// below_horizon_dec_offset before the pointing is published; pass a
// no-op func if horizon offset is not wired up yet.
func New(removeBias DecBiasFunc) *Dispatcher {
	if removeBias == nil {
		removeBias = func(dec float64) float64 { return dec }
	}
	return &Dispatcher{
		pending:     make(map[int64]wireproto.Response),
		waiters:     make(map[int64]chan wireproto.Response),
		events:      make(map[string]wireproto.Event),
		subscribers: make(map[int]chan wireproto.Event),
		removeBias:  removeBias,
		logger:      slog.Default().With("component", "dispatcher"),
	}
}

// HandleLine parses one raw frame and routes it. Malformed lines are
// logged and discarded without disturbing dispatcher state.
func (d *Dispatcher) HandleLine(raw []byte) {
	frame, err := wireproto.ParseFrame(raw)
	if err != nil {
		d.logger.Warn("discarding malformed frame", "error", err)
		return
	}
	switch {
	case frame.Response != nil:
		d.handleResponse(*frame.Response)
	case frame.Event != nil:
		d.handleEvent(*frame.Event)
	}
}

func (d *Dispatcher) handleResponse(resp wireproto.Response) {
	d.mu.Lock()
	d.storePendingLocked(resp)
	waiter, ok := d.waiters[resp.ID]
	if ok {
		delete(d.waiters, resp.ID)
	}

	switch resp.Method {
	case "scope_get_equ_coord":
		if coord, ok := decodeEquCoord(resp.Result); ok {
			d.pointing = Pointing{RA: coord.RA, Dec: d.removeBias(coord.Dec), Valid: true}
		}
	case "get_view_state":
		d.viewState = wireproto.Event{Name: "view_state", Raw: resp.Result}
		d.haveView = true
	}
	d.mu.Unlock()

	if ok {
		waiter <- resp
		close(waiter)
	}
}

// storePendingLocked inserts resp, evicting the oldest entry by
// insertion order once the map is at capacity.
func (d *Dispatcher) storePendingLocked(resp wireproto.Response) {
	if _, exists := d.pending[resp.ID]; !exists {
		if len(d.pendingOrder) >= MaxPending {
			oldest := d.pendingOrder[0]
			d.pendingOrder = d.pendingOrder[1:]
			delete(d.pending, oldest)
		}
		d.pendingOrder = append(d.pendingOrder, resp.ID)
	}
	d.pending[resp.ID] = resp
}

func (d *Dispatcher) handleEvent(ev wireproto.Event) {
	d.mu.Lock()

	d.eventQueue = append(d.eventQueue, ev)
	if len(d.eventQueue) > MaxEventQueue {
		d.eventQueue = d.eventQueue[len(d.eventQueue)-MaxEventQueue:]
	}

	switch ev.Name {
	case "PiStatus":
		for suffix, payload := range demuxPiStatus(ev) {
			d.events["PiStatus_"+suffix] = payload
		}
	case "PlateSolve":
		if res, ok := decodePlateSolve(ev.Raw); ok {
			if res.State == "fail" {
				d.solve = SolveResult{}
			} else if res.RADec != nil {
				d.solve = SolveResult{RA: res.RADec.RA, Dec: res.RADec.Dec}
			}
			d.events[ev.Name] = ev
		} else {
			d.logger.Warn("PlateSolve event without decodable payload")
			d.events[ev.Name] = ev
		}
	default:
		d.events[ev.Name] = ev
	}

	subs := make([]chan wireproto.Event, 0, len(d.subscribers))
	for _, ch := range d.subscribers {
		subs = append(subs, ch)
	}
	d.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			d.logger.Warn("subscriber channel full, dropping event", "event", ev.Name)
		}
	}
}

// Await registers a one-shot wait channel for id, returned so the
// caller can block on it with a select against ctx.Done(). The channel
// is buffered 1 and closed after delivering at most one Response.
func (d *Dispatcher) Await(id int64) <-chan wireproto.Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	if resp, ok := d.pending[id]; ok {
		delete(d.pending, id)
		ch := make(chan wireproto.Response, 1)
		ch <- resp
		close(ch)
		return ch
	}
	ch := make(chan wireproto.Response, 1)
	d.waiters[id] = ch
	return ch
}

// CancelAwait removes a registered waiter without delivering anything,
// used when a caller gives up (e.g. call_sync timeout).
func (d *Dispatcher) CancelAwait(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.waiters, id)
}

// EventState returns the latest event for name, if any.
func (d *Dispatcher) EventState(name string) (wireproto.Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ev, ok := d.events[name]
	return ev, ok
}

// AllEventState returns a snapshot copy of the whole EventState map,
// for get_event_state({}) with no name filter.
func (d *Dispatcher) AllEventState() map[string]wireproto.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]wireproto.Event, len(d.events))
	for k, v := range d.events {
		out[k] = v
	}
	return out
}

// SetEventState seeds EventState[name], used by await_event_terminal's
// "initialize to stopped if absent" step.
func (d *Dispatcher) SetEventState(name string, ev wireproto.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.events[name]; !exists {
		d.events[name] = ev
	}
}

// Pointing returns the last-known (RA, Dec), with HorizonOffset bias
// already removed.
func (d *Dispatcher) Pointing() Pointing {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pointing
}

// SolveResult returns the last-known plate-solve (RA, Dec) pair, the
// Goto Controller's cur_solve_RA/Dec.
func (d *Dispatcher) SolveResult() SolveResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.solve
}

// Subscribe registers a new event subscriber channel (capacity cap)
// and returns it plus a cancel func that unregisters it.
func (d *Dispatcher) Subscribe(ctx context.Context, cap int) (<-chan wireproto.Event, func()) {
	d.mu.Lock()
	id := d.nextSubID
	d.nextSubID++
	ch := make(chan wireproto.Event, cap)
	d.subscribers[id] = ch
	d.mu.Unlock()

	cancel := func() {
		d.mu.Lock()
		delete(d.subscribers, id)
		d.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel
}

func decodeEquCoord(raw []byte) (wireproto.EquCoord, bool) {
	var c wireproto.EquCoord
	if len(raw) == 0 {
		return c, false
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, false
	}
	return c, true
}

func decodePlateSolve(raw []byte) (wireproto.PlateSolveResult, bool) {
	var r wireproto.PlateSolveResult
	if len(raw) == 0 {
		return r, false
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, false
	}
	return r, true
}

// demuxPiStatus splits a PiStatus event's payload by shape into
// temperature/battery/other sub-events.
func demuxPiStatus(ev wireproto.Event) map[string]wireproto.Event {
	var probe struct {
		Temp    *float64 `json:"temp"`
		Battery *int     `json:"battery_capacity"`
	}
	out := make(map[string]wireproto.Event, 1)
	if err := json.Unmarshal(ev.Raw, &probe); err != nil {
		out["other"] = ev
		return out
	}
	switch {
	case probe.Temp != nil:
		out["temperature"] = ev
	case probe.Battery != nil:
		out["battery"] = ev
	default:
		out["other"] = ev
	}
	return out
}
