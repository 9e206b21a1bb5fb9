package session

import (
	"log/slog"
	"time"
)

type Logger interface {
	Debug(msg string, args ...interface{})

	Info(msg string, args ...interface{})

	Warn(msg string, args ...interface{})

	Error(msg string, args ...interface{})
}

type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	L *slog.Logger
}

func (s *SlogLogger) Debug(msg string, args ...interface{}) { s.L.Debug(msg, args...) }
func (s *SlogLogger) Info(msg string, args ...interface{})  { s.L.Info(msg, args...) }
func (s *SlogLogger) Warn(msg string, args ...interface{})  { s.L.Warn(msg, args...) }
func (s *SlogLogger) Error(msg string, args ...interface{}) { s.L.Error(msg, args...) }

// State is the lifecycle state of a Controller. Exactly one Controller
// owns the authoritative state; everything else only reads it.
type State string

const (
	StateIdle         State = "IDLE"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateDisconnected State = "DISCONNECTED"
	StateError        State = "ERROR"
)

// Speaker tags a transcript fragment with its origin.
type Speaker string

const (
	SpeakerLocal  Speaker = "local"
	SpeakerRemote Speaker = "remote"
)

// AudioFrame is a fixed-length buffer of little-endian 16-bit mono PCM
// produced by the capture stage. Immutable once produced; consumed exactly
// once by the send path.
type AudioFrame struct {
	// Data is PCM16 little-endian audio.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is always 1.
	Channels int

	// Seq increases monotonically per session.
	Seq uint64
}

// CapturedFrame pairs a frame with the RMS power level measured over it,
// normalized to [0, 1].
type CapturedFrame struct {
	Frame AudioFrame
	Level float64
}

// DecodedBuffer is the playback-side counterpart of AudioFrame: float
// samples at the remote's output rate, owned by the playback scheduler
// until scheduled.
type DecodedBuffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the buffer.
func (b DecodedBuffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// TranscriptFragment is an incremental piece of recognized or generated
// speech text. Fragments for one speaker accumulate until a final fragment
// or a speaker change closes the turn.
type TranscriptFragment struct {
	Speaker Speaker
	Text    string
	IsFinal bool
}

// MessageKind classifies an inbound transport message.
type MessageKind string

const (
	KindAudio      MessageKind = "AUDIO"
	KindTranscript MessageKind = "TRANSCRIPT"
	KindClosed     MessageKind = "CLOSED"
	KindError      MessageKind = "ERROR"
)

// ServerMessage is one decoded inbound message. Exactly one of the payload
// fields is set, according to Kind.
type ServerMessage struct {
	Kind     MessageKind
	Audio    DecodedBuffer
	Fragment TranscriptFragment
	Err      error
}

type EventType string

const (
	StatusChanged     EventType = "STATUS_CHANGED"
	TranscriptUpdated EventType = "TRANSCRIPT_UPDATED"
	AudioLevel        EventType = "AUDIO_LEVEL"
	SpeechActivity    EventType = "SPEECH_ACTIVITY"
)

// Event is what the caller drains from Controller.Events. All events from
// all internal tasks flow through one ordered channel, so cross-event
// ordering is preserved without callback re-entrancy concerns.
type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// StatusUpdate is the payload of a StatusChanged event.
type StatusUpdate struct {
	State State `json:"state"`
	// Message is an optional human-readable detail, set on error states.
	Message string `json:"message,omitempty"`
}

// TranscriptUpdate is the payload of a TranscriptUpdated event. Text is the
// running text of the open turn, or the full turn when TurnComplete is set.
type TranscriptUpdate struct {
	Speaker      Speaker `json:"speaker"`
	Text         string  `json:"text"`
	TurnComplete bool    `json:"turn_complete"`
}

// LevelUpdate is the payload of an AudioLevel event.
type LevelUpdate struct {
	Level float64 `json:"level"`
}

// ActivityUpdate is the payload of a SpeechActivity event, emitted whenever
// local speech is detected to start or stop.
type ActivityUpdate struct {
	Speaking bool `json:"speaking"`
}

// Config carries everything a session needs, credentials included. There is
// no ambient or global lookup anywhere in the package.
type Config struct {
	// Endpoint is the websocket URL of the remote agent.
	Endpoint string
	// APIKey authenticates the session (Authorization: Bearer).
	APIKey string
	// Voice selects the synthesis voice negotiated at connect.
	Voice string

	InputSampleRate  int
	OutputSampleRate int
	Channels         int
	// FrameSamples sets the capture frame size in samples; the frame
	// cadence follows from it (4096 at 16kHz is 256ms).
	FrameSamples int

	CaptureQueueSize  int
	SendQueueSize     int
	InboundQueueSize  int
	PlaybackQueueSize int
	EventQueueSize    int

	// SpeechThreshold is the capture level above which a frame counts as
	// speech; SpeechConfirmFrames consecutive such frames start a speech
	// run, and SpeechHangover of continuous silence ends it.
	SpeechThreshold     float64
	SpeechConfirmFrames int
	SpeechHangover      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Endpoint:          "wss://api.voicewire.dev/v1/session",
		Voice:             "aria",
		InputSampleRate:   16000,
		OutputSampleRate:  24000,
		Channels:          1,
		FrameSamples:      4096,
		CaptureQueueSize:  16,
		SendQueueSize:     64,
		InboundQueueSize:  64,
		PlaybackQueueSize: 32,
		EventQueueSize:    256,

		SpeechThreshold:     0.015,
		SpeechConfirmFrames: 2,
		SpeechHangover:      600 * time.Millisecond,
	}
}
