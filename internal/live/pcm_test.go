package live

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrameRoundTrip(t *testing.T) {
	frame := []float32{0, 0.5, -0.5, 0.999, -1}

	raw, err := DecodePCM(EncodeFrame(frame))
	require.NoError(t, err)
	require.Len(t, raw, len(frame)*2)

	back := Samples(raw)
	require.Len(t, back, len(frame))
	for i := range frame {
		assert.InDelta(t, frame[i], back[i], 1.0/32768)
	}
}

func TestEncodeFrameClipsOutOfRange(t *testing.T) {
	raw, err := DecodePCM(EncodeFrame([]float32{2, -2}))
	require.NoError(t, err)

	back := Samples(raw)
	assert.InDelta(t, 1, back[0], 1.0/32768)
	assert.InDelta(t, -1, back[1], 1.0/32768)
}

func TestDecodePCMRejectsBadBase64(t *testing.T) {
	_, err := DecodePCM("not base64!!!")
	assert.Error(t, err)
}

func TestPCMDuration(t *testing.T) {
	// One second of 24kHz mono int16 audio.
	raw := make([]byte, OutputSampleRate*2)
	assert.Equal(t, time.Second, PCMDuration(raw, OutputSampleRate))

	// Half a second at 16kHz.
	raw = make([]byte, InputSampleRate)
	assert.Equal(t, 500*time.Millisecond, PCMDuration(raw, InputSampleRate))
}
