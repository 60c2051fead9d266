package mosaic

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgobat/seestar-bridge/pkg/schedule"
)

type fakeCapturer struct {
	mu          sync.Mutex
	gotoCalls   []string
	stackStarts int
	stackStops  int
	focusCalls  int
	failGoto    map[string]bool
}

func (f *fakeCapturer) Goto(ctx context.Context, ra, dec float64, targetName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotoCalls = append(f.gotoCalls, targetName)
	return !f.failGoto[targetName]
}

func (f *fakeCapturer) SetLPFilter(ctx context.Context, enabled bool) error { return nil }

func (f *fakeCapturer) AutoFocus(ctx context.Context) bool {
	f.mu.Lock()
	f.focusCalls++
	f.mu.Unlock()
	return true
}

func (f *fakeCapturer) StartStack(ctx context.Context, gain int) error {
	f.mu.Lock()
	f.stackStarts++
	f.mu.Unlock()
	return nil
}

func (f *fakeCapturer) StopStack(ctx context.Context) error {
	f.mu.Lock()
	f.stackStops++
	f.mu.Unlock()
	return nil
}

func TestRun_TwoByTwoGridCapturesEveryPanel(t *testing.T) {
	cap := &fakeCapturer{failGoto: map[string]bool{}}
	e := New(cap)

	params := schedule.MosaicParams{
		TargetName: "M31", RA: 0.7, Dec: 41.3,
		SessionSeconds: 0, GridRA: 2, GridDec: 2,
		OverlapPct: 10, Gain: 80, NumTries: 1,
	}

	result, err := e.Run(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 4, result.PanelsCaptured)
	assert.Equal(t, "complete", result.Action)
	assert.Len(t, cap.gotoCalls, 4)
	assert.Equal(t, 4, cap.stackStarts)
	assert.Equal(t, 4, cap.stackStops)
}

func TestRun_SelectedPanelsRestrictsToSubset(t *testing.T) {
	cap := &fakeCapturer{failGoto: map[string]bool{}}
	e := New(cap)

	params := schedule.MosaicParams{
		TargetName: "M31", RA: 0.7, Dec: 41.3,
		SessionSeconds: 0, GridRA: 2, GridDec: 2,
		OverlapPct: 10, Gain: 80, NumTries: 1,
		SelectedPanels: "11;22",
	}

	result, err := e.Run(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 2, result.PanelsCaptured)
	assert.ElementsMatch(t, []string{"M31_11", "M31_22"}, cap.gotoCalls)
}

func TestRun_ContinuesPastAFailedPanel(t *testing.T) {
	cap := &fakeCapturer{failGoto: map[string]bool{"M31_11": true}}
	e := New(cap)

	params := schedule.MosaicParams{
		TargetName: "M31", RA: 0.7, Dec: 41.3,
		SessionSeconds: 0, GridRA: 2, GridDec: 1,
		OverlapPct: 10, Gain: 80, NumTries: 1,
	}

	result, err := e.Run(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 1, result.PanelsCaptured, "the failed panel must not block the rest of the grid")
}

func TestRun_AutoFocusInvokedWhenRequested(t *testing.T) {
	cap := &fakeCapturer{failGoto: map[string]bool{}}
	e := New(cap)

	params := schedule.MosaicParams{
		TargetName: "M42", RA: 5.5, Dec: -5.4,
		SessionSeconds: 0, GridRA: 1, GridDec: 1,
		OverlapPct: 10, Gain: 80, NumTries: 1, AutoFocus: true,
	}

	_, err := e.Run(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 1, cap.focusCalls)
}
