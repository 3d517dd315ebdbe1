package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	liveEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	liveModel    = "models/gemini-2.5-flash-native-audio-preview-09-2025"
)

const sessionErrorText = "Hubo un error en la sesión de voz."

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("voice session is closed")

// State reflects who holds the floor in the conversation.
type State string

const (
	StateListening  State = "LISTENING"
	StateResponding State = "RESPONDING"
)

// Callbacks receive session events. All of them are invoked from the
// session's read loop, one at a time. A nil callback is skipped.
type Callbacks struct {
	// OnTranscription delivers the accumulated transcript of the current
	// turn, for the user or for the model.
	OnTranscription func(isUser bool, text string)
	// OnAudio delivers one decoded 24kHz mono PCM chunk with its gapless
	// playback start time.
	OnAudio func(raw []byte, start time.Time)
	// OnState fires on every LISTENING/RESPONDING transition.
	OnState func(s State)
	// OnTurn fires at turn completion with the final transcripts. Skipped
	// when both are empty.
	OnTurn func(userText, samText string)
	// OnInterrupted fires when the model is cut off and queued playback
	// must be dropped.
	OnInterrupted func()
	// OnError fires once if the session dies. The session is already torn
	// down when it runs.
	OnError func(err error)
}

// Session is a live bidirectional audio conversation. Audio frames go up
// via SendAudio; everything coming back is delivered through Callbacks.
type Session struct {
	conn *websocket.Conn
	cb   Callbacks

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool

	// read-loop state, never touched outside the loop
	sched        Scheduler
	state        State
	inputBuffer  strings.Builder
	outputBuffer strings.Builder
	now          func() time.Time
}

// Dial opens a live session and completes the setup handshake. The returned
// session is already listening.
func Dial(ctx context.Context, apiKey, systemInstruction string, cb Callbacks) (*Session, error) {
	if apiKey == "" {
		return nil, errors.New("Error de conexión con el servicio de voz. Por favor, verifica tu conexión a internet.")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, liveEndpoint+"?key="+apiKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to live endpoint: %w", err)
	}

	setup := setupMessage{Setup: setupPayload{
		Model:                    liveModel,
		GenerationConfig:         &generationConfig{ResponseModalities: []string{"AUDIO"}},
		SystemInstruction:        &content{Parts: []part{{Text: systemInstruction}}},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}}
	if err := conn.WriteJSON(setup); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send session setup: %w", err)
	}

	var ack serverMessage
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read setup ack: %w", err)
	}
	if ack.SetupComplete == nil {
		conn.Close()
		return nil, errors.New("live endpoint rejected session setup")
	}

	s := &Session{conn: conn, cb: cb, now: time.Now}
	s.emitState(StateListening)
	go s.readLoop()
	return s, nil
}

// SendAudio encodes one capture frame and ships it upstream.
func (s *Session) SendAudio(samples []float32) error {
	return s.SendPCM(EncodeFrame(samples))
}

// SendPCM ships an already base64-encoded 16kHz PCM chunk upstream.
func (s *Session) SendPCM(data string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	msg := realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []inlineData{{MIMEType: InputMIMEType, Data: data}},
	}}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send audio frame: %w", err)
	}
	return nil
}

// Close tears the session down. Safe to call more than once and after a
// session error.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *Session) readLoop() {
	defer s.Close()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed && s.cb.OnError != nil {
				s.cb.OnError(fmt.Errorf("%s: %w", sessionErrorText, err))
			}
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.ServerContent != nil {
			s.handleContent(msg.ServerContent)
		}
	}
}

func (s *Session) handleContent(sc *serverContent) {
	if sc.InputTranscription != nil {
		s.emitState(StateListening)
		s.inputBuffer.WriteString(sc.InputTranscription.Text)
		if s.cb.OnTranscription != nil {
			s.cb.OnTranscription(true, s.inputBuffer.String())
		}
	}

	if sc.OutputTranscription != nil {
		s.outputBuffer.WriteString(sc.OutputTranscription.Text)
		if s.cb.OnTranscription != nil {
			s.cb.OnTranscription(false, s.outputBuffer.String())
		}
	}

	if sc.ModelTurn != nil && len(sc.ModelTurn.Parts) > 0 {
		if data := sc.ModelTurn.Parts[0].InlineData; data != nil && data.Data != "" {
			raw, err := DecodePCM(data.Data)
			if err == nil {
				s.emitState(StateResponding)
				start := s.sched.Schedule(s.now(), PCMDuration(raw, OutputSampleRate))
				if s.cb.OnAudio != nil {
					s.cb.OnAudio(raw, start)
				}
			}
		}
	}

	if sc.TurnComplete {
		userText := strings.TrimSpace(s.inputBuffer.String())
		samText := strings.TrimSpace(s.outputBuffer.String())
		if (userText != "" || samText != "") && s.cb.OnTurn != nil {
			s.cb.OnTurn(userText, samText)
		}
		s.inputBuffer.Reset()
		s.outputBuffer.Reset()
	}

	if sc.Interrupted {
		s.sched.Reset()
		if s.cb.OnInterrupted != nil {
			s.cb.OnInterrupted()
		}
	}
}

func (s *Session) emitState(next State) {
	if s.state == next {
		return
	}
	s.state = next
	if s.cb.OnState != nil {
		s.cb.OnState(next)
	}
}
