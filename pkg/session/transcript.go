package session

import (
	"strings"
	"sync"
)

// TranscriptAggregator accumulates incremental transcript fragments into
// coherent per-turn text. Fragments are applied strictly in arrival order;
// the remote is trusted to send monotonically extending deltas.
type TranscriptAggregator struct {
	mu      sync.Mutex
	buffers map[Speaker]*strings.Builder
	last    Speaker
}

func NewTranscriptAggregator() *TranscriptAggregator {
	return &TranscriptAggregator{
		buffers: make(map[Speaker]*strings.Builder),
	}
}

// Append applies one fragment and returns the resulting updates in order.
// A speaker change closes the previous speaker's open turn; a final
// fragment closes the current one. Running (non-final) text is reported
// after each fragment so callers can render live captions.
func (a *TranscriptAggregator) Append(f TranscriptFragment) []TranscriptUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()

	var updates []TranscriptUpdate

	if a.last != "" && a.last != f.Speaker {
		if prev := a.buffers[a.last]; prev != nil && prev.Len() > 0 {
			updates = append(updates, TranscriptUpdate{
				Speaker:      a.last,
				Text:         prev.String(),
				TurnComplete: true,
			})
			prev.Reset()
		}
	}
	a.last = f.Speaker

	buf := a.buffers[f.Speaker]
	if buf == nil {
		buf = &strings.Builder{}
		a.buffers[f.Speaker] = buf
	}
	buf.WriteString(f.Text)

	if f.IsFinal {
		if buf.Len() > 0 {
			updates = append(updates, TranscriptUpdate{
				Speaker:      f.Speaker,
				Text:         buf.String(),
				TurnComplete: true,
			})
		}
		buf.Reset()
		return updates
	}

	updates = append(updates, TranscriptUpdate{
		Speaker: f.Speaker,
		Text:    buf.String(),
	})
	return updates
}

// Reset discards all accumulated text.
func (a *TranscriptAggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffers = make(map[Speaker]*strings.Builder)
	a.last = ""
}
