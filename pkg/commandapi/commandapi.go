// Package commandapi implements the three command primitives a Device
// Session exposes over its Transport: fire-and-forget, synchronous
// request/response with a hard ceiling, and "wait for a named event to
// reach a terminal state".
//
// Grounded on codeready-toolchain-tarsy's pkg/mcp/client.go CallTool:
// classify the outcome, retry/escalate, and return a typed result
// rather than propagating raw transport errors; the shutdown/reboot
// special case (spawn a background sequence, return an immediate
// synthetic acknowledgement) mirrors pkg/queue/worker.go's
// pollAndProcess, which spawns a dedicated goroutine to run a
// claim-heartbeat-execute-cleanup sequence independently of its caller.
package commandapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cgobat/seestar-bridge/pkg/dispatcher"
	"github.com/cgobat/seestar-bridge/pkg/metrics"
	"github.com/cgobat/seestar-bridge/pkg/transport"
	"github.com/cgobat/seestar-bridge/pkg/wireproto"
)

// Sender is the subset of Transport a CommandAPI needs.
type Sender interface {
	Send(ctx context.Context, raw []byte) error
}

var _ Sender = (*transport.Transport)(nil)

// Timing constants governing command round-trips and scheduler polling.
const (
	SyncCeiling    = 10 * time.Second
	SlowWarning    = 2 * time.Second
	PollInterval   = 500 * time.Millisecond
	TerminalPoll   = 1 * time.Second
	FirstRequestID = 10000
)

// ErrCommandTimeout classifies a call_sync synthetic-timeout reply.
var ErrCommandTimeout = errors.New("commandapi: exceeded allotted wait time for result")

// shutdownMethods spawns the park-then-shutdown sequence instead of a
// plain round trip.
var shutdownMethods = map[string]bool{
	"pi_shutdown": true,
	"pi_reboot":   true,
}

// GotoPredicates lets the Goto Controller supply its own terminal-state
// predicates for the "goto_target" pseudo-event name, since goto
// completion is observed via one of two event names depending on
// GotoMode rather than via EventState["goto_target"] directly.
type GotoPredicates interface {
	IsGoto() bool
	IsGotoCompletedOk() bool
}

// CommandAPI issues requests over a Sender and correlates replies via a
// Dispatcher.
type CommandAPI struct {
	send   Sender
	disp   *dispatcher.Dispatcher
	nextID atomic.Int64

	gotoPredicates GotoPredicates
	logger         *slog.Logger
}

// New creates a CommandAPI. Request ids start at FirstRequestID and
// increase monotonically for the lifetime of the Session.
func New(send Sender, disp *dispatcher.Dispatcher) *CommandAPI {
	c := &CommandAPI{send: send, disp: disp, logger: slog.Default().With("component", "commandapi")}
	c.nextID.Store(FirstRequestID - 1)
	return c
}

// SetGotoPredicates wires the Goto Controller's predicates in after
// construction, avoiding an import cycle (gotoctl depends on
// CommandAPI to issue commands).
func (c *CommandAPI) SetGotoPredicates(p GotoPredicates) { c.gotoPredicates = p }

// EventState returns the last observed state of the named event, for
// callers (e.g. the Startup Sequence's 3-point alignment step) that
// need to inspect progress fields beyond a simple terminal/non-terminal
// check.
func (c *CommandAPI) EventState(name string) (wireproto.Event, bool) {
	return c.disp.EventState(name)
}

// CallAsync sends method/params with a fresh request id and returns
// immediately without waiting for a reply.
func (c *CommandAPI) CallAsync(ctx context.Context, method string, params any) (int64, error) {
	return c.dispatchRequest(ctx, method, params, "async")
}

// CallAsyncWithID sends method/params under a caller-supplied id
// instead of one from the monotonic counter, for callers (Heartbeat's
// sentinel probe) that need a fixed, recognizable id rather than one
// correlated to CallSync's waiter map.
func (c *CommandAPI) CallAsyncWithID(ctx context.Context, id int64, method string, params any) error {
	return c.dispatchWithID(ctx, id, method, params, "async")
}

func (c *CommandAPI) dispatchRequest(ctx context.Context, method string, params any, kind string) (int64, error) {
	id := c.nextID.Add(1)
	return id, c.dispatchWithID(ctx, id, method, params, kind)
}

func (c *CommandAPI) dispatchWithID(ctx context.Context, id int64, method string, params any, kind string) error {
	req := wireproto.Request{ID: id, Method: method, Params: params}
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	metrics.CommandsSent.WithLabelValues(method, kind).Inc()
	return c.send.Send(ctx, raw)
}

// CallSync sends method/params and waits up to SyncCeiling for the
// matching response. pi_shutdown/pi_reboot are special-cased: a
// background task parks the scope, awaits ScopeHome, then
// dispatches the real command asynchronously, while this call returns
// an immediate synthetic acknowledgement.
func (c *CommandAPI) CallSync(ctx context.Context, method string, params any) wireproto.Response {
	if shutdownMethods[method] {
		go c.runShutdownSequence(context.Background(), method, params)
		return wireproto.Response{Method: method, Code: -1, Result: json.RawMessage(`"scheduled"`)}
	}

	id, err := c.dispatchRequest(ctx, method, params, "sync")
	if err != nil {
		return synthErrorResponse(id, method, err.Error())
	}

	waitCh := c.disp.Await(id)
	slowTimer := time.NewTimer(SlowWarning)
	defer slowTimer.Stop()
	ceiling := time.NewTimer(SyncCeiling)
	defer ceiling.Stop()

	for {
		select {
		case resp, ok := <-waitCh:
			if !ok {
				return synthTimeoutResponse(id, method)
			}
			return resp
		case <-slowTimer.C:
			c.logger.Warn("slow command", "method", method, "id", id)
		case <-ceiling.C:
			c.disp.CancelAwait(id)
			return synthTimeoutResponse(id, method)
		case <-ctx.Done():
			c.disp.CancelAwait(id)
			return synthErrorResponse(id, method, ctx.Err().Error())
		}
	}
}

func synthTimeoutResponse(id int64, method string) wireproto.Response {
	return wireproto.Response{
		ID:     id,
		Method: method,
		Code:   -1,
		Result: json.RawMessage(`"Error: Exceeded alloted wait time for result"`),
		Error:  ErrCommandTimeout.Error(),
	}
}

func synthErrorResponse(id int64, method, reason string) wireproto.Response {
	return wireproto.Response{ID: id, Method: method, Code: -1, Error: reason}
}

// runShutdownSequence parks the scope, waits for ScopeHome, then
// dispatches method asynchronously.
func (c *CommandAPI) runShutdownSequence(ctx context.Context, method string, params any) {
	if _, err := c.CallAsync(ctx, "scope_park", nil); err != nil {
		c.logger.Error("shutdown sequence: park failed", "error", err)
		return
	}
	if ok := c.AwaitEventTerminal(ctx, "ScopeHome"); !ok {
		c.logger.Warn("shutdown sequence: ScopeHome did not reach complete, proceeding anyway")
	}
	if _, err := c.CallAsync(ctx, method, params); err != nil {
		c.logger.Error("shutdown sequence: dispatch failed", "method", method, "error", err)
	}
}

// eventState is the minimal shape every terminal event name shares: a
// "state" field that eventually reaches "complete" or "fail".
type eventState struct {
	State string `json:"state"`
}

// AwaitEventTerminal polls EventState[name] every TerminalPoll until it
// reaches "complete" or "fail". "goto_target" is
// special-cased to delegate to the Goto Controller's predicates
// instead, since goto completion is observed via AutoGoto or ScopeGoto
// depending on GotoMode, never via a literal "goto_target" event.
func (c *CommandAPI) AwaitEventTerminal(ctx context.Context, name string) bool {
	if name == "goto_target" && c.gotoPredicates != nil {
		return c.awaitGotoTerminal(ctx)
	}

	c.disp.SetEventState(name, wireproto.Event{Name: name, Raw: json.RawMessage(`{"state":"stopped"}`)})

	ticker := time.NewTicker(TerminalPoll)
	defer ticker.Stop()
	for {
		if ev, ok := c.disp.EventState(name); ok {
			var st eventState
			if err := json.Unmarshal(ev.Raw, &st); err == nil {
				switch st.State {
				case "complete":
					return true
				case "fail":
					return false
				}
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (c *CommandAPI) awaitGotoTerminal(ctx context.Context) bool {
	ticker := time.NewTicker(TerminalPoll)
	defer ticker.Stop()
	for {
		if !c.gotoPredicates.IsGoto() {
			return c.gotoPredicates.IsGotoCompletedOk()
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
