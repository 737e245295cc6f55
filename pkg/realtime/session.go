// Package realtime implements the WebSocket realtime transcription protocol:
// a per-connection session state machine that accumulates PCM16 audio,
// detects speech boundaries, and transcribes committed buffers through the
// scheduler.
package realtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

// Transcriber turns a complete audio container into text. Implemented by the
// scheduler.
type Transcriber interface {
	Transcribe(ctx context.Context, model, filename string, audio io.Reader) (string, error)
}

// sessionState tracks the protocol position of one connection.
type sessionState int

const (
	stateAwaitingUpdate sessionState = iota
	stateStreaming
	stateCommitting
	stateClosed
)

// maxBufferBytes caps the accumulated audio (~10 minutes of PCM16 mono at
// 16 kHz).
const maxBufferBytes = 10 * 60 * SampleRate * 2

// Handler upgrades HTTP requests to realtime transcription sessions.
type Handler struct {
	log         logging.Logger
	transcriber Transcriber
	upgrader    websocket.Upgrader
}

// NewHandler creates the realtime WebSocket handler.
func NewHandler(log logging.Logger, transcriber Transcriber) *Handler {
	return &Handler{
		log:         log,
		transcriber: transcriber,
		upgrader: websocket.Upgrader{
			// The gateway is a local service; cross-origin browser clients
			// are expected.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements net/http.Handler. Only transcription intent is
// supported.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if intent := r.URL.Query().Get("intent"); intent != "" && intent != "transcription" {
		http.Error(w, "unsupported intent", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("WebSocket upgrade failed: %v", err)
		return
	}
	session := &session{
		log:         h.log.WithField("session", uuid.NewString()[:8]),
		id:          "sess_" + uuid.NewString(),
		conn:        conn,
		transcriber: h.transcriber,
		// A model may be preselected via query for older clients.
		model: r.URL.Query().Get("model"),
	}
	session.run(r.Context())
}

// session is one realtime connection.
type session struct {
	log         logging.Logger
	id          string
	conn        *websocket.Conn
	transcriber Transcriber

	state  sessionState
	model  string
	buffer bytes.Buffer
	vad    vad

	// writeMu serializes frame writes: interim transcripts are produced on
	// background goroutines.
	writeMu sync.Mutex
}

func (s *session) send(message serverMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(message)
}

func (s *session) sendError(message string) {
	if err := s.send(serverMessage{Type: eventError, Error: &errorPayload{Message: message}}); err != nil {
		s.log.Debugf("Failed to send error frame: %v", err)
	}
}

// run drives the session until the connection closes. The buffer is
// discarded on exit.
func (s *session) run(ctx context.Context) {
	defer s.conn.Close()
	defer func() { s.state = stateClosed }()

	if err := s.send(serverMessage{
		Type:    eventSessionCreated,
		Session: &sessionInfo{ID: s.id},
	}); err != nil {
		return
	}
	s.state = stateAwaitingUpdate

	for {
		var message clientMessage
		if err := s.conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugf("Realtime connection closed: %v", err)
			}
			return
		}
		if err := s.handle(ctx, message); err != nil {
			return
		}
	}
}

// handle processes one inbound frame. Malformed messages produce an error
// frame but keep the connection open.
func (s *session) handle(ctx context.Context, message clientMessage) error {
	switch message.Type {
	case eventSessionUpdate:
		return s.handleUpdate(ctx, message)
	case eventBufferAppend:
		s.handleAppend(message)
		return nil
	case eventBufferCommit:
		return s.handleCommit(ctx)
	case eventBufferClear:
		s.buffer.Reset()
		s.vad.reset()
		return nil
	default:
		s.sendError("unknown message type: " + message.Type)
		return nil
	}
}

func (s *session) handleUpdate(ctx context.Context, message clientMessage) error {
	if message.Session != nil && message.Session.Model != "" {
		s.model = message.Session.Model
	}
	if s.model == "" {
		s.sendError("session.model is required")
		return nil
	}

	// Load the model up front so the first commit is not a cold start. An
	// empty WAV round-trip is wasteful, so only residency is ensured here.
	if warmer, ok := s.transcriber.(interface {
		WarmLoad(ctx context.Context, name string) error
	}); ok {
		if err := warmer.WarmLoad(ctx, s.model); err != nil {
			s.sendError("failed to load model: " + err.Error())
			return nil
		}
	}

	s.state = stateStreaming
	return s.send(serverMessage{
		Type:    eventSessionUpdated,
		Session: &sessionInfo{ID: s.id, Model: s.model},
	})
}

func (s *session) handleAppend(message clientMessage) {
	if s.state != stateStreaming {
		s.sendError("audio append before session update")
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(message.Audio)
	if err != nil {
		s.sendError("audio must be base64-encoded PCM16")
		return
	}
	if s.buffer.Len()+len(pcm) > maxBufferBytes {
		s.sendError("audio buffer full")
		return
	}
	s.buffer.Write(pcm)

	for _, event := range s.vad.feed(pcm) {
		switch event {
		case vadSpeechStarted:
			s.send(serverMessage{Type: eventSpeechStarted})
		case vadSpeechStopped:
			s.send(serverMessage{Type: eventSpeechStopped})
			s.emitInterimTranscript()
		}
	}
}

// emitInterimTranscript transcribes the buffered audio at a speech boundary
// and sends a delta frame, so clients can render live text between commits.
// Failures are silent; the committed transcript is authoritative.
func (s *session) emitInterimTranscript() {
	wav := pcmToWAV(s.buffer.Bytes())
	model := s.model
	go func() {
		transcript, err := s.transcriber.Transcribe(context.Background(), model, "interim.wav", bytes.NewReader(wav))
		if err != nil || transcript == "" {
			return
		}
		s.send(serverMessage{Type: eventTranscriptDelta, Delta: transcript})
	}()
}

func (s *session) handleCommit(ctx context.Context) error {
	if s.state != stateStreaming {
		s.sendError("commit before session update")
		return nil
	}
	if s.buffer.Len() == 0 {
		s.sendError("audio buffer is empty")
		return nil
	}

	s.state = stateCommitting
	defer func() { s.state = stateStreaming }()

	wav := pcmToWAV(s.buffer.Bytes())
	s.buffer.Reset()
	s.vad.reset()

	transcript, err := s.transcriber.Transcribe(ctx, s.model, "buffer.wav", bytes.NewReader(wav))
	if err != nil {
		s.log.WithError(err).Warnf("Transcription failed for %s", s.model)
		s.sendError("transcription failed: " + err.Error())
		return nil
	}
	return s.send(serverMessage{Type: eventTranscriptDone, Transcript: transcript})
}

// pcmToWAV wraps raw PCM16 mono 16 kHz samples in a RIFF/WAVE header so the
// whisper server accepts the upload.
func pcmToWAV(pcm []byte) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := SampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(SampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
