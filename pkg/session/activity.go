package session

import "time"

// SpeechDetector turns the per-frame capture level into speaking and
// not-speaking transitions. Speech starts after a run of consecutive frames
// above the threshold, which filters out single-frame pops; it ends once
// the level has stayed below the threshold for the hangover duration.
// Timing is derived from the frame cadence, not the wall clock, so the
// detector behaves the same under test and under load.
type SpeechDetector struct {
	threshold float64
	hangover  time.Duration
	frameDur  time.Duration
	confirm   int

	speaking bool
	aboveRun int
	silence  time.Duration
}

func NewSpeechDetector(cfg Config) *SpeechDetector {
	var frameDur time.Duration
	if cfg.InputSampleRate > 0 {
		frameDur = time.Duration(cfg.FrameSamples) * time.Second / time.Duration(cfg.InputSampleRate)
	}
	confirm := cfg.SpeechConfirmFrames
	if confirm < 1 {
		confirm = 1
	}
	return &SpeechDetector{
		threshold: cfg.SpeechThreshold,
		hangover:  cfg.SpeechHangover,
		frameDur:  frameDur,
		confirm:   confirm,
	}
}

// Observe feeds one frame's level and reports whether the speaking state
// flipped. Not safe for concurrent use; the capture pump is the only caller.
func (d *SpeechDetector) Observe(level float64) bool {
	if level > d.threshold {
		d.silence = 0
		d.aboveRun++
		if !d.speaking && d.aboveRun >= d.confirm {
			d.speaking = true
			return true
		}
		return false
	}

	d.aboveRun = 0
	if !d.speaking {
		return false
	}
	d.silence += d.frameDur
	if d.silence >= d.hangover {
		d.speaking = false
		d.silence = 0
		return true
	}
	return false
}

// Speaking reports the current state.
func (d *SpeechDetector) Speaking() bool {
	return d.speaking
}

func (d *SpeechDetector) Reset() {
	d.speaking = false
	d.aboveRun = 0
	d.silence = 0
}
