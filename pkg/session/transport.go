package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Transport owns the duplex channel to the remote agent: it sends outbound
// frames in submission order and classifies every inbound message onto a
// single ordered channel. Implementations must make Close idempotent and
// safe from any state.
type Transport interface {
	Connect(ctx context.Context, instructions, voice string) error
	Send(frame AudioFrame) error
	Inbound() <-chan ServerMessage
	Close() error
}

const inputEncoding = "pcm16@16kHz mono"

// Wire messages. The channel carries JSON text messages in both directions;
// audio rides inside them as base64 PCM16.

type sessionStartMessage struct {
	Type          string `json:"type"`
	Instructions  string `json:"instructions"`
	Voice         string `json:"voice"`
	InputEncoding string `json:"input_encoding"`
}

type audioInputMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type serverWireMessage struct {
	Type string `json:"type"`

	// audio_output
	Data string `json:"data,omitempty"`

	// transcript
	Speaker string `json:"speaker,omitempty"`
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// WebsocketTransport is the production Transport over a coder/websocket
// connection.
type WebsocketTransport struct {
	cfg    Config
	logger Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	sendCh  chan string
	inbound chan ServerMessage

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ Transport = (*WebsocketTransport)(nil)

func NewWebsocketTransport(cfg Config, logger Logger) *WebsocketTransport {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &WebsocketTransport{
		cfg:     cfg,
		logger:  logger,
		sendCh:  make(chan string, cfg.SendQueueSize),
		inbound: make(chan ServerMessage, cfg.InboundQueueSize),
	}
}

// Connect dials the endpoint, negotiates the session voice and input
// encoding, and starts the send and receive loops. Failures are classified:
// HTTP 401/403 on the handshake is ErrAuth, other dial failures are
// ErrNetwork, a rejected hello is ErrProtocol.
func (t *WebsocketTransport) Connect(ctx context.Context, instructions, voice string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("%w: transport closed", ErrNetwork)
	}
	if t.conn != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: transport already connected", ErrSessionActive)
	}
	t.mu.Unlock()

	var opts *websocket.DialOptions
	if t.cfg.APIKey != "" {
		opts = &websocket.DialOptions{
			HTTPHeader: http.Header{
				"Authorization": []string{"Bearer " + t.cfg.APIKey},
			},
		}
	}

	conn, resp, err := websocket.Dial(ctx, t.cfg.Endpoint, opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: handshake rejected with status %d", ErrAuth, resp.StatusCode)
		}
		return fmt.Errorf("%w: dial %s: %v", ErrNetwork, t.cfg.Endpoint, err)
	}
	conn.SetReadLimit(10 * 1024 * 1024)

	tCtx, tCancel := context.WithCancel(context.Background())

	hello := sessionStartMessage{
		Type:          "session.start",
		Instructions:  instructions,
		Voice:         voice,
		InputEncoding: inputEncoding,
	}
	if err := wsjson.Write(ctx, conn, hello); err != nil {
		tCancel()
		conn.Close(websocket.StatusAbnormalClosure, "session start failed")
		return fmt.Errorf("%w: session start: %v", ErrProtocol, err)
	}

	t.mu.Lock()
	if t.closed {
		// A concurrent Close already ran; it never saw this conn, so it
		// must be released here.
		t.mu.Unlock()
		tCancel()
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("%w: transport closed", ErrNetwork)
	}
	t.conn = conn
	t.ctx = tCtx
	t.cancel = tCancel
	t.mu.Unlock()

	go t.sendLoop(conn)
	go t.receiveLoop(conn)

	return nil
}

// Send submits one captured frame for transmission. Fire-and-forget: frames
// go out in submission order and frames submitted after Close are silently
// dropped. A full send queue drops the frame with a warning instead of
// blocking the capture path.
func (t *WebsocketTransport) Send(frame AudioFrame) error {
	t.mu.Lock()
	if t.closed || t.conn == nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	select {
	case t.sendCh <- MarshalAudio(frame.Data):
	default:
		t.logger.Warn("send queue full, dropping frame", "seq", frame.Seq)
	}
	return nil
}

// Inbound returns the ordered inbound message channel. It is closed by the
// receive loop when the channel ends for any reason.
func (t *WebsocketTransport) Inbound() <-chan ServerMessage {
	return t.inbound
}

// Close releases the underlying channel. Idempotent and safe to call in any
// state; it is the single place the conn resource is released.
func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	cancel := t.cancel
	t.mu.Unlock()

	t.closeOnce.Do(func() {
		if cancel != nil {
			cancel()
		}
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "")
		}
	})
	return nil
}

// sendLoop is the sole writer of the conn. Draining a single queue keeps
// transmission order equal to submission order.
func (t *WebsocketTransport) sendLoop(conn *websocket.Conn) {
	for {
		select {
		case <-t.ctx.Done():
			return
		case payload := <-t.sendCh:
			msg := audioInputMessage{Type: "audio_input", Data: payload}
			if err := wsjson.Write(t.ctx, conn, msg); err != nil {
				if t.ctx.Err() == nil {
					t.logger.Warn("frame send failed", "error", err)
				}
				return
			}
		}
	}
}

// receiveLoop reads, classifies and dispatches inbound messages. Dispatch
// order matches arrival order; playback and transcript reconstruction both
// depend on that. It owns the inbound channel and closes it on exit.
func (t *WebsocketTransport) receiveLoop(conn *websocket.Conn) {
	defer close(t.inbound)

	for {
		_, data, err := conn.Read(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.dispatch(ServerMessage{
				Kind: KindError,
				Err:  fmt.Errorf("%w: %v", ErrNetwork, err),
			})
			return
		}

		var wire serverWireMessage
		if err := json.Unmarshal(data, &wire); err != nil {
			t.logger.Warn("unparseable inbound message dropped", "error", err)
			continue
		}

		switch wire.Type {
		case "audio_output":
			pcm, err := UnmarshalAudio(wire.Data)
			if err != nil {
				// Transient playback gap, not a connection failure.
				t.logger.Warn("malformed audio chunk dropped", "error", err)
				continue
			}
			t.dispatch(ServerMessage{
				Kind: KindAudio,
				Audio: DecodedBuffer{
					Samples:    DecodePCM16(pcm),
					SampleRate: t.cfg.OutputSampleRate,
				},
			})

		case "transcript":
			speaker := SpeakerRemote
			if wire.Speaker == string(SpeakerLocal) {
				speaker = SpeakerLocal
			}
			t.dispatch(ServerMessage{
				Kind: KindTranscript,
				Fragment: TranscriptFragment{
					Speaker: speaker,
					Text:    wire.Text,
					IsFinal: wire.IsFinal,
				},
			})

		case "closed":
			t.dispatch(ServerMessage{Kind: KindClosed})
			return

		case "error":
			t.dispatch(ServerMessage{
				Kind: KindError,
				Err:  fmt.Errorf("%w: remote: %s", ErrProtocol, wire.Message),
			})
			return

		default:
			t.logger.Debug("unknown inbound message type", "type", wire.Type)
		}
	}
}

func (t *WebsocketTransport) dispatch(msg ServerMessage) {
	select {
	case t.inbound <- msg:
	case <-t.ctx.Done():
	}
}
