package startup

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgobat/seestar-bridge/pkg/commandapi"
	"github.com/cgobat/seestar-bridge/pkg/config"
	"github.com/cgobat/seestar-bridge/pkg/dispatcher"
)

// autoAckSender decodes every outgoing request and immediately feeds a
// success response back through the dispatcher, simulating a
// cooperative device without a real socket.
type autoAckSender struct {
	disp   *dispatcher.Dispatcher
	result json.RawMessage
}

func (a *autoAckSender) Send(ctx context.Context, raw []byte) error {
	var req struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	resp := map[string]any{"jsonrpc": "2.0", "method": req.Method, "code": 0, "id": req.ID}
	if a.result != nil {
		resp["result"] = a.result
	}
	line, _ := json.Marshal(resp)
	a.disp.HandleLine(line)
	return nil
}

type countingCues struct {
	played []int
}

func (c *countingCues) PlayCue(id int) { c.played = append(c.played, id) }

func newTestSequence(t *testing.T) (*Sequence, *countingCues, *dispatcher.Dispatcher) {
	t.Helper()
	disp := dispatcher.New(nil)
	sender := &autoAckSender{disp: disp}
	cmd := commandapi.New(sender, disp)
	cues := &countingCues{}
	site := &config.SiteConfig{Latitude: 40.0, Longitude: -105.0}
	return New(cmd, cues, site), cues, disp
}

func feedTerminalEvent(disp *dispatcher.Dispatcher, name string) {
	line, _ := json.Marshal(map[string]any{"Event": name, "state": "complete"})
	disp.HandleLine(line)
}

func TestRun_HappyPathPlaysBothCues(t *testing.T) {
	seq, cues, disp := newTestSequence(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- seq.Run(ctx, Params{})
	}()

	// ScopeHome must reach "complete" before step2 unblocks.
	time.Sleep(20 * time.Millisecond)
	feedTerminalEvent(disp, "ScopeHome")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("startup sequence did not complete in time")
	}

	assert.Equal(t, []int{80, 82}, cues.played)
}

func TestRun_UsesParamsLocationOverSite(t *testing.T) {
	seq, _, disp := newTestSequence(t)
	lat, lon := 51.5, -0.1

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- seq.Run(ctx, Params{Lat: &lat, Lon: &lon})
	}()

	time.Sleep(20 * time.Millisecond)
	feedTerminalEvent(disp, "ScopeHome")

	require.NoError(t, <-done)
}

func TestRun_AbortsOnParkFailure(t *testing.T) {
	disp := dispatcher.New(nil)
	sender := &failingParkSender{disp: disp}
	cmd := commandapi.New(sender, disp)
	cues := &countingCues{}
	seq := New(cmd, cues, &config.SiteConfig{Latitude: 40.0, Longitude: -105.0})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := seq.Run(ctx, Params{})
	assert.Error(t, err)
	assert.Equal(t, []int{80}, cues.played) // never reaches the completion cue
}

// failingParkSender acks everything except scope_park, which returns a
// nonzero code to exercise the hard-abort path.
type failingParkSender struct {
	disp *dispatcher.Dispatcher
}

func (f *failingParkSender) Send(ctx context.Context, raw []byte) error {
	var req struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	code := 0
	errMsg := ""
	if req.Method == "scope_park" {
		code = 1
		errMsg = "simulated park failure"
	}
	resp := map[string]any{"jsonrpc": "2.0", "method": req.Method, "code": code, "error": errMsg, "id": req.ID}
	line, _ := json.Marshal(resp)
	f.disp.HandleLine(line)
	return nil
}

func TestContainsOffsetDeg3PPA(t *testing.T) {
	assert.True(t, containsOffsetDeg3PPA([]byte(`{"offset_deg_3ppa": 1.2}`)))
	assert.False(t, containsOffsetDeg3PPA([]byte(`{"other_field": 1.2}`)))
	assert.False(t, containsOffsetDeg3PPA(nil))
}
