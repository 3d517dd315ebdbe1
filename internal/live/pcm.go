package live

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Audio sample rates fixed by the live endpoint.
const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000
)

// InputMIMEType labels outbound microphone chunks.
const InputMIMEType = "audio/pcm;rate=16000"

// EncodeFrame converts a mono float32 capture frame to base64 16-bit
// little-endian PCM for the wire.
func EncodeFrame(samples []float32) string {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := s * 32768
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(int16(v)))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// EncodePCM wraps a raw 16-bit little-endian PCM buffer for the wire.
func EncodePCM(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodePCM unpacks a base64 16-bit little-endian PCM payload.
func DecodePCM(data string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio payload: %w", err)
	}
	return raw, nil
}

// PCMDuration reports the playback time of a raw mono int16 buffer.
func PCMDuration(raw []byte, sampleRate int) time.Duration {
	samples := len(raw) / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Samples converts raw 16-bit little-endian PCM back to float32, the
// inverse of EncodeFrame.
func Samples(raw []byte) []float32 {
	out := make([]float32, len(raw)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768.0
	}
	return out
}
