package audio

import (
	"bytes"
	"testing"
)

func TestNewWavBuffer(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	sampleRate := 24000
	wav := NewWavBuffer(pcm, sampleRate)

	if !bytes.HasPrefix(wav, []byte("RIFF")) {
		t.Errorf("Expected RIFF prefix")
	}

	if !bytes.Contains(wav, []byte("WAVE")) {
		t.Errorf("Expected WAVE format identifier")
	}

	expectedLen := 44 + len(pcm)
	if len(wav) != expectedLen {
		t.Errorf("Expected length %d, got %d", expectedLen, len(wav))
	}
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder(24000)
	rec.Write([]byte{0x01, 0x02})
	rec.Write([]byte{0x03, 0x04})

	var out bytes.Buffer
	n, err := rec.WriteTo(&out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != int64(44+4) {
		t.Errorf("expected 48 bytes written, got %d", n)
	}
	if !bytes.HasSuffix(out.Bytes(), []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Errorf("expected PCM payload at end of container")
	}
}
