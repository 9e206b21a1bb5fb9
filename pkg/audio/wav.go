// Package audio holds small WAV container helpers used for diagnostic
// session recordings.
package audio

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
)

// NewWavBuffer wraps mono PCM16 data in a RIFF/WAVE container.
func NewWavBuffer(pcm []byte, sampleRate int) []byte {
	buf := new(bytes.Buffer)

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(buf, binary.LittleEndian, uint16(2))
	binary.Write(buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// Recorder accumulates mono PCM16 and writes it out as one WAV file when
// closed. Used by cmd/agent to dump the agent's synthesized audio for
// debugging; not an export feature.
type Recorder struct {
	sampleRate int
	pcm        bytes.Buffer
}

func NewRecorder(sampleRate int) *Recorder {
	return &Recorder{sampleRate: sampleRate}
}

// Write appends raw PCM16 bytes.
func (r *Recorder) Write(pcm []byte) {
	r.pcm.Write(pcm)
}

// WriteTo writes the recording as a WAV stream.
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(NewWavBuffer(r.pcm.Bytes(), r.sampleRate))
	return int64(n), err
}

// Save writes the recording to path. Recording nothing writes a valid empty
// WAV file.
func (r *Recorder) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = r.WriteTo(f)
	return err
}
