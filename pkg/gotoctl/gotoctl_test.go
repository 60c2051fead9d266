package gotoctl

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgobat/seestar-bridge/pkg/commandapi"
	"github.com/cgobat/seestar-bridge/pkg/dispatcher"
	"github.com/cgobat/seestar-bridge/pkg/horizon"
	"github.com/cgobat/seestar-bridge/pkg/wireproto"
)

// scriptedSender acks every request generically and, for scope_goto and
// start_solve, additionally pushes the event a real device would emit
// so the Controller's own wait loops observe progress. solveRA/solveDec
// control what a start_solve resolves to; a zero pair leaves the solve
// unresolved (as a real "fail" state would).
type scriptedSender struct {
	disp *dispatcher.Dispatcher

	mu                sync.Mutex
	sent              []string
	solveRA, solveDec float64
}

func (s *scriptedSender) Send(ctx context.Context, raw []byte) error {
	var req struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, req.Method)
	solveRA, solveDec := s.solveRA, s.solveDec
	s.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "method": req.Method, "code": 0, "id": req.ID}
	line, _ := json.Marshal(resp)
	s.disp.HandleLine(line)

	switch req.Method {
	case "scope_goto":
		s.disp.HandleLine([]byte(`{"Event":"ScopeGoto","Timestamp":"1","state":"complete"}`))
	case "iscope_start_view":
		s.disp.HandleLine([]byte(`{"Event":"AutoGoto","Timestamp":"1","state":"complete"}`))
	case "start_solve":
		if solveRA != 0 || solveDec != 0 {
			ev := fmt.Sprintf(`{"Event":"PlateSolve","Timestamp":"1","state":"complete","ra_dec":{"ra":%g,"dec":%g}}`, solveRA, solveDec)
			s.disp.HandleLine([]byte(ev))
		}
	}
	return nil
}

func (s *scriptedSender) setSolve(ra, dec float64) {
	s.mu.Lock()
	s.solveRA, s.solveDec = ra, dec
	s.mu.Unlock()
}

func newHarness(isAltAz bool, siteLatitude float64) (*Controller, *scriptedSender, *horizon.Offset) {
	disp := dispatcher.New(nil)
	sender := &scriptedSender{disp: disp}
	cmd := commandapi.New(sender, disp)
	offset := horizon.New(siteLatitude)
	return New(cmd, disp, offset, isAltAz, siteLatitude), sender, offset
}

func TestGoto_RejectsOutOfReachOnAltAz(t *testing.T) {
	c, _, _ := newHarness(true, 40.0)

	err := c.Goto(context.Background(), 10.0, -55.0, "Deneb")
	require.Error(t, err)
	var outOfReach *ErrOutOfReach
	assert.ErrorAs(t, err, &outOfReach)
}

func TestGoto_StandardPathWhenNoOffsetNeeded(t *testing.T) {
	c, sender, offset := newHarness(false, 40.0)

	err := c.Goto(context.Background(), 5.5, 45.0, "Vega")
	require.NoError(t, err)
	assert.Equal(t, 0.0, offset.Value(), "a target well above the horizon needs no offset")
	assert.Contains(t, sender.sent, "iscope_start_view")
}

func TestGoto_BelowHorizonPathAppliesOffsetAndConvergesInOneSolve(t *testing.T) {
	c, sender, offset := newHarness(false, 40.0)

	raTarget, decTarget := 18.9, -15.0
	sender.setSolve(raTarget, decTarget) // first plate-solve lands exactly on target

	err := c.Goto(context.Background(), raTarget, decTarget, "M57")
	require.NoError(t, err)
	assert.Greater(t, offset.Value(), 0.0, "a target below the native horizon must pick up a bias")

	require.Eventually(t, func() bool {
		return c.CustomState() == CustomComplete
	}, 3*time.Second, 20*time.Millisecond)
}

func TestGoto_BelowHorizonPathReslewsWhenFirstSolveMisses(t *testing.T) {
	c, sender, _ := newHarness(false, 40.0)

	raTarget, decTarget := 3.0, -12.0
	sender.setSolve(raTarget+5.0, decTarget+5.0) // nowhere near the target

	err := c.Goto(context.Background(), raTarget, decTarget, "NGC 1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.CustomState() == CustomWorking
	}, 2*time.Second, 20*time.Millisecond, "a missed first solve must keep the loop working, not complete it")
}

func TestStop_DuringAutoCenterLoopTransitionsToStopped(t *testing.T) {
	c, sender, _ := newHarness(false, 40.0)

	raTarget, decTarget := 3.0, -12.0
	sender.setSolve(raTarget+5.0, decTarget+5.0) // keep the loop re-slewing so it survives long enough to stop

	err := c.Goto(context.Background(), raTarget, decTarget, "NGC 1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.CustomState() == CustomWorking
	}, 2*time.Second, 20*time.Millisecond)

	c.Stop(context.Background())

	require.Eventually(t, func() bool {
		return c.CustomState() == CustomStopped
	}, 4*time.Second, 20*time.Millisecond)
}

func TestStop_StandardModeSendsStopView(t *testing.T) {
	c, sender, _ := newHarness(false, 40.0)

	require.NoError(t, c.Goto(context.Background(), 5.5, 45.0, "Vega"))
	c.Stop(context.Background())

	assert.Contains(t, sender.sent, "iscope_stop_view")
}

func TestIsGoto_TracksEventStateByMode(t *testing.T) {
	c, _, _ := newHarness(false, 40.0)
	disp := c.disp

	disp.SetEventState("AutoGoto", wireproto.Event{Name: "AutoGoto", Raw: json.RawMessage(`{"state":"working"}`)})
	assert.True(t, c.IsGoto())
	assert.False(t, c.IsGotoCompletedOk())

	disp.HandleLine([]byte(`{"Event":"AutoGoto","Timestamp":"2","state":"complete"}`))
	assert.False(t, c.IsGoto())
	assert.True(t, c.IsGotoCompletedOk())
}

func TestNewSyncer_SlewAndSyncRoundTripThroughCommandAPI(t *testing.T) {
	disp := dispatcher.New(nil)
	sender := &scriptedSender{disp: disp}
	cmd := commandapi.New(sender, disp)
	syncer := NewSyncer(cmd)

	assert.NoError(t, syncer.Sync(1.0, 2.0))
	assert.NoError(t, syncer.Slew(1.0, 2.0))
	assert.NoError(t, syncer.Park(10.0))
	assert.Contains(t, sender.sent, "scope_sync")
	assert.Contains(t, sender.sent, "scope_goto")
	assert.Contains(t, sender.sent, "scope_move_to_horizon")
}
