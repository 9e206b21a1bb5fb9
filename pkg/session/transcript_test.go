package session

import "testing"

func TestTranscriptTurnBoundaries(t *testing.T) {
	agg := NewTranscriptAggregator()

	fragments := []TranscriptFragment{
		{Speaker: SpeakerLocal, Text: "I saw", IsFinal: false},
		{Speaker: SpeakerLocal, Text: " a bird", IsFinal: false},
		{Speaker: SpeakerLocal, Text: "", IsFinal: true},
		{Speaker: SpeakerRemote, Text: "Nice!", IsFinal: true},
	}

	var completed []TranscriptUpdate
	for _, f := range fragments {
		for _, u := range agg.Append(f) {
			if u.TurnComplete {
				completed = append(completed, u)
			}
		}
	}

	if len(completed) != 2 {
		t.Fatalf("expected exactly 2 completed turns, got %d", len(completed))
	}
	if completed[0].Speaker != SpeakerLocal || completed[0].Text != "I saw a bird" {
		t.Errorf("expected local turn 'I saw a bird', got %q from %s", completed[0].Text, completed[0].Speaker)
	}
	if completed[1].Speaker != SpeakerRemote || completed[1].Text != "Nice!" {
		t.Errorf("expected remote turn 'Nice!', got %q from %s", completed[1].Text, completed[1].Speaker)
	}

	// The local buffer must be empty afterwards: a new local fragment
	// starts a fresh turn.
	updates := agg.Append(TranscriptFragment{Speaker: SpeakerLocal, Text: "again", IsFinal: false})
	last := updates[len(updates)-1]
	if last.Text != "again" || last.TurnComplete {
		t.Errorf("expected fresh running turn 'again', got %+v", last)
	}
}

func TestTranscriptRunningText(t *testing.T) {
	agg := NewTranscriptAggregator()

	u := agg.Append(TranscriptFragment{Speaker: SpeakerRemote, Text: "Hel", IsFinal: false})
	if len(u) != 1 || u[0].Text != "Hel" || u[0].TurnComplete {
		t.Fatalf("expected running update 'Hel', got %+v", u)
	}
	u = agg.Append(TranscriptFragment{Speaker: SpeakerRemote, Text: "lo", IsFinal: false})
	if len(u) != 1 || u[0].Text != "Hello" {
		t.Fatalf("expected running update 'Hello', got %+v", u)
	}
}

func TestTranscriptSpeakerChangeClosesTurn(t *testing.T) {
	agg := NewTranscriptAggregator()

	agg.Append(TranscriptFragment{Speaker: SpeakerLocal, Text: "unfinished thought", IsFinal: false})
	updates := agg.Append(TranscriptFragment{Speaker: SpeakerRemote, Text: "Go on", IsFinal: false})

	if len(updates) != 2 {
		t.Fatalf("expected 2 updates (closed local turn + running remote), got %d", len(updates))
	}
	if !updates[0].TurnComplete || updates[0].Speaker != SpeakerLocal || updates[0].Text != "unfinished thought" {
		t.Errorf("expected completed local turn, got %+v", updates[0])
	}
	if updates[1].TurnComplete || updates[1].Speaker != SpeakerRemote || updates[1].Text != "Go on" {
		t.Errorf("expected running remote update, got %+v", updates[1])
	}
}

func TestTranscriptReset(t *testing.T) {
	agg := NewTranscriptAggregator()
	agg.Append(TranscriptFragment{Speaker: SpeakerLocal, Text: "stale", IsFinal: false})
	agg.Reset()

	updates := agg.Append(TranscriptFragment{Speaker: SpeakerLocal, Text: "fresh", IsFinal: true})
	if len(updates) != 1 || updates[0].Text != "fresh" {
		t.Errorf("expected only 'fresh' after reset, got %+v", updates)
	}
}
