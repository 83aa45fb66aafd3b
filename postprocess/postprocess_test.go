package postprocess

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resono-audio/resono/internal/testutil"
)

func pcmSamples(values ...int16) []byte {
	out := make([]byte, 0, len(values)*2)
	for _, v := range values {
		out = binary.LittleEndian.AppendUint16(out, uint16(v))
	}
	return out
}

func TestProcessPassthrough(t *testing.T) {
	payload := testutil.MP3Bytes(64)
	chunks := [][]byte{payload[:10], payload[10:]}

	res, err := Process(chunks, Options{TrimSilence: true})
	require.NoError(t, err)
	assert.Equal(t, payload, res.Data)
	assert.Equal(t, "audio/mpeg", res.MimeType)
	assert.False(t, res.Trimmed)
}

func TestProcessMimeTypeOverride(t *testing.T) {
	res, err := Process([][]byte{testutil.OggBytes(16)}, Options{MimeTypeOverride: "audio/opus"})
	require.NoError(t, err)
	assert.Equal(t, "audio/opus", res.MimeType)
}

func TestProcessTrimsWAVSilence(t *testing.T) {
	samples := pcmSamples(0, 100, -200, 8000, -9000, 7000, 50, 0, 0)
	payload := testutil.WAVBytesWithSamples(samples)

	res, err := Process([][]byte{payload}, Options{TrimSilence: true})
	require.NoError(t, err)
	assert.True(t, res.Trimmed)
	assert.Equal(t, 6, res.LeadingTrimmed, "three silent leading samples")
	assert.Equal(t, 6, res.TrailingTrimmed, "three silent trailing samples")

	want := testutil.WAVBytesWithSamples(pcmSamples(8000, -9000, 7000))
	assert.Equal(t, want, res.Data)
	assert.Equal(t, "audio/wav", res.MimeType)
}

func TestProcessTrimDisabled(t *testing.T) {
	payload := testutil.WAVBytesWithSamples(pcmSamples(0, 0, 8000, 0))

	res, err := Process([][]byte{payload}, Options{})
	require.NoError(t, err)
	assert.Equal(t, payload, res.Data)
	assert.False(t, res.Trimmed)
}

func TestProcessNoSilenceToTrim(t *testing.T) {
	payload := testutil.WAVBytesWithSamples(pcmSamples(8000, -9000, 7000))

	res, err := Process([][]byte{payload}, Options{TrimSilence: true})
	require.NoError(t, err)
	assert.Equal(t, payload, res.Data)
	assert.False(t, res.Trimmed)
}

func TestProcessAllSilentKeepsOneFrame(t *testing.T) {
	payload := testutil.WAVBytesWithSamples(pcmSamples(0, 0, 0, 0))

	res, err := Process([][]byte{payload}, Options{TrimSilence: true})
	require.NoError(t, err)
	assert.True(t, res.Trimmed)

	want := testutil.WAVBytesWithSamples(pcmSamples(0))
	assert.Equal(t, want, res.Data)
}

func TestProcessCustomThreshold(t *testing.T) {
	samples := pcmSamples(100, 8000, 100)
	payload := testutil.WAVBytesWithSamples(samples)

	// Default threshold treats 100 as silence; a lower one keeps it.
	res, err := Process([][]byte{payload}, Options{TrimSilence: true, SilenceThreshold: 50})
	require.NoError(t, err)
	assert.False(t, res.Trimmed)
}

func TestProcessShortWAVUntouched(t *testing.T) {
	payload := []byte("RIFF1234WAVE")

	res, err := Process([][]byte{payload}, Options{TrimSilence: true})
	require.NoError(t, err)
	assert.Equal(t, payload, res.Data)
	assert.False(t, res.Trimmed)
}
