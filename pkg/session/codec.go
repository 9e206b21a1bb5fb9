package session

import (
	"encoding/base64"
	"fmt"
	"math"
)

// Frame codec: conversions between float samples, the PCM16 wire format and
// the base64 transport encoding. All functions are pure.

// EncodePCM16 converts normalized float samples to little-endian 16-bit PCM.
// Samples outside [-1, 1] are clamped. The symmetric 32767 scale makes
// repeated encode/decode round-trips idempotent.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		v := int16(math.Round(float64(f) * 32767))
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}

// DecodePCM16 converts little-endian 16-bit PCM to normalized float samples.
// A trailing odd byte is ignored.
func DecodePCM16(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		v := int16(data[2*i]) | (int16(data[2*i+1]) << 8)
		out[i] = float32(v) / 32767.0
	}
	return out
}

// MarshalAudio encodes wire bytes into the transportable form carried in
// JSON messages.
func MarshalAudio(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// UnmarshalAudio decodes a transport payload back into wire bytes. Payloads
// that are not valid base64 or that do not align to whole samples are
// reported as ErrDecode.
func UnmarshalAudio(payload string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrDecode, len(pcm))
	}
	return pcm, nil
}

// RMS computes the root-mean-square power of a PCM16 chunk with samples
// normalized to [-1, 1], so the result lands in [0, 1].
func RMS(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | (int16(pcm[i+1]) << 8)
		f := float64(sample) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)/2))
}
