package notify

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoOp_SatisfiesCuePlayerWithoutPanicking(t *testing.T) {
	var p CuePlayer = NoOp{}
	assert.NotPanics(t, func() { p.PlayCue(7) })
}

func TestLogging_EmitsCueAsStructuredField(t *testing.T) {
	var buf bytes.Buffer
	original := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(original)

	l := NewLogging()
	l.PlayCue(3)

	assert.Contains(t, buf.String(), "play_sound")
	assert.Contains(t, buf.String(), "cue=3")
}
