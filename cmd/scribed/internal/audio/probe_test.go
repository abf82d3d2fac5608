package audio

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSilenceMidpoints(t *testing.T) {
	log := `
[silencedetect @ 0x7f9] silence_start: 10.5
[silencedetect @ 0x7f9] silence_end: 11.5 | silence_duration: 1.0
size=N/A time=00:01:00.00 bitrate=N/A speed= 500x
[silencedetect @ 0x7f9] silence_start: 40
[silencedetect @ 0x7f9] silence_end: 42 | silence_duration: 2.0
[silencedetect @ 0x7f9] silence_start: 58.2
`
	points := parseSilenceMidpoints(log)
	require.Len(t, points, 2, "trailing unterminated silence is dropped")
	assert.InDelta(t, 11.0, points[0], 1e-9)
	assert.InDelta(t, 41.0, points[1], 1e-9)
}

func TestParseSilenceMidpointsEmpty(t *testing.T) {
	assert.Empty(t, parseSilenceMidpoints("no silence lines here"))
}

func TestWavUnitRelease(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "seg-*.wav")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	unit := &wavUnit{path: f.Name(), duration: 12.5}
	assert.Equal(t, 12.5, unit.DurationSeconds())
	require.NoError(t, unit.Release())
	_, statErr := os.Stat(f.Name())
	assert.True(t, os.IsNotExist(statErr))

	// Releasing twice is harmless.
	require.NoError(t, unit.Release())
}
