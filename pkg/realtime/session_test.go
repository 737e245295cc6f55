package realtime

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

// fakeTranscriber returns a fixed transcript and records the audio it saw.
type fakeTranscriber struct {
	transcript string
	lastAudio  []byte
	warmLoaded []string
	err        error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, model, filename string, audio io.Reader) (string, error) {
	data, _ := io.ReadAll(audio)
	f.lastAudio = data
	if f.err != nil {
		return "", f.err
	}
	return f.transcript, nil
}

func (f *fakeTranscriber) WarmLoad(ctx context.Context, name string) error {
	f.warmLoaded = append(f.warmLoaded, name)
	return nil
}

// dial opens a websocket client against a handler-backed test server.
func dial(t *testing.T, transcriber Transcriber) *websocket.Conn {
	t.Helper()
	handler := NewHandler(logging.Discard(), transcriber)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/realtime?intent=transcription"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	var message serverMessage
	require.NoError(t, conn.ReadJSON(&message))
	return message
}

// readFrameOfType skips interleaved frames (e.g. VAD events) until the
// wanted type arrives.
func readFrameOfType(t *testing.T, conn *websocket.Conn, wanted string) serverMessage {
	t.Helper()
	for i := 0; i < 32; i++ {
		message := readFrame(t, conn)
		if message.Type == wanted {
			return message
		}
	}
	t.Fatalf("frame of type %s never arrived", wanted)
	return serverMessage{}
}

// silencePCM produces n silent PCM16 samples.
func silencePCM(n int) []byte {
	return make([]byte, n*2)
}

// tonePCM produces n loud PCM16 samples of a sine tone.
func tonePCM(n int) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		sample := int16(20000 * math.Sin(2*math.Pi*440*float64(i)/SampleRate))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(sample))
	}
	return out
}

func TestSessionCreatedOnConnect(t *testing.T) {
	conn := dial(t, &fakeTranscriber{})

	created := readFrame(t, conn)
	assert.Equal(t, eventSessionCreated, created.Type)
	require.NotNil(t, created.Session)
	assert.NotEmpty(t, created.Session.ID)
}

func TestFullTranscriptionFlow(t *testing.T) {
	transcriber := &fakeTranscriber{transcript: "hello world"}
	conn := dial(t, transcriber)
	readFrame(t, conn) // session.created

	// Update selects the model and loads it.
	require.NoError(t, conn.WriteJSON(clientMessage{
		Type:    eventSessionUpdate,
		Session: &sessionConfig{Model: "Whisper-Tiny"},
	}))
	updated := readFrame(t, conn)
	assert.Equal(t, eventSessionUpdated, updated.Type)
	assert.Equal(t, []string{"Whisper-Tiny"}, transcriber.warmLoaded)

	// Stream ~20 chunks of ~100 ms audio.
	for i := 0; i < 20; i++ {
		require.NoError(t, conn.WriteJSON(clientMessage{
			Type:  eventBufferAppend,
			Audio: base64.StdEncoding.EncodeToString(silencePCM(1600)),
		}))
	}

	require.NoError(t, conn.WriteJSON(clientMessage{Type: eventBufferCommit}))
	completed := readFrameOfType(t, conn, eventTranscriptDone)
	assert.Equal(t, "hello world", completed.Transcript)

	// The transcriber received a WAV container wrapping all the PCM.
	require.NotEmpty(t, transcriber.lastAudio)
	assert.Equal(t, "RIFF", string(transcriber.lastAudio[:4]))
	assert.Equal(t, "WAVE", string(transcriber.lastAudio[8:12]))
	assert.Len(t, transcriber.lastAudio, 44+20*1600*2)
}

func TestSpeechBoundaryEvents(t *testing.T) {
	transcriber := &fakeTranscriber{transcript: "interim"}
	conn := dial(t, transcriber)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(clientMessage{
		Type:    eventSessionUpdate,
		Session: &sessionConfig{Model: "Whisper-Tiny"},
	}))
	readFrame(t, conn) // session.updated

	// A second of tone starts speech; a second of silence stops it.
	require.NoError(t, conn.WriteJSON(clientMessage{
		Type:  eventBufferAppend,
		Audio: base64.StdEncoding.EncodeToString(tonePCM(SampleRate)),
	}))
	started := readFrameOfType(t, conn, eventSpeechStarted)
	assert.Equal(t, eventSpeechStarted, started.Type)

	require.NoError(t, conn.WriteJSON(clientMessage{
		Type:  eventBufferAppend,
		Audio: base64.StdEncoding.EncodeToString(silencePCM(SampleRate)),
	}))
	stopped := readFrameOfType(t, conn, eventSpeechStopped)
	assert.Equal(t, eventSpeechStopped, stopped.Type)
}

func TestMalformedMessagesKeepConnectionOpen(t *testing.T) {
	conn := dial(t, &fakeTranscriber{transcript: "x"})
	readFrame(t, conn)

	// Unknown type produces an error frame, not a close.
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "bogus.frame"}))
	errFrame := readFrame(t, conn)
	assert.Equal(t, eventError, errFrame.Type)
	require.NotNil(t, errFrame.Error)

	// Append before update is rejected but survivable.
	require.NoError(t, conn.WriteJSON(clientMessage{
		Type:  eventBufferAppend,
		Audio: base64.StdEncoding.EncodeToString(silencePCM(100)),
	}))
	errFrame = readFrame(t, conn)
	assert.Equal(t, eventError, errFrame.Type)

	// The session still works after errors.
	require.NoError(t, conn.WriteJSON(clientMessage{
		Type:    eventSessionUpdate,
		Session: &sessionConfig{Model: "Whisper-Tiny"},
	}))
	updated := readFrame(t, conn)
	assert.Equal(t, eventSessionUpdated, updated.Type)
}

func TestCommitEmptyBuffer(t *testing.T) {
	conn := dial(t, &fakeTranscriber{transcript: "x"})
	readFrame(t, conn)
	require.NoError(t, conn.WriteJSON(clientMessage{
		Type:    eventSessionUpdate,
		Session: &sessionConfig{Model: "Whisper-Tiny"},
	}))
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(clientMessage{Type: eventBufferCommit}))
	errFrame := readFrame(t, conn)
	assert.Equal(t, eventError, errFrame.Type)
}

func TestUnsupportedIntentRejected(t *testing.T) {
	handler := NewHandler(logging.Discard(), &fakeTranscriber{})
	server := httptest.NewServer(handler)
	defer server.Close()

	response, err := http.Get(server.URL + "?intent=conversation")
	require.NoError(t, err)
	defer response.Body.Close()
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)
}

func TestVADStateMachine(t *testing.T) {
	var detector vad

	// Silence produces no events.
	assert.Empty(t, detector.feed(silencePCM(SampleRate)))

	// A tone starts speech exactly once.
	events := detector.feed(tonePCM(SampleRate))
	require.NotEmpty(t, events)
	assert.Equal(t, vadSpeechStarted, events[0])
	assert.Len(t, events, 1)

	// Sustained silence stops it after the hangover.
	events = detector.feed(silencePCM(SampleRate))
	require.NotEmpty(t, events)
	assert.Equal(t, vadSpeechStopped, events[0])
}

func TestPCMToWAVHeader(t *testing.T) {
	pcm := tonePCM(160)
	wav := pcmToWAV(pcm)

	assert.Equal(t, "RIFF", string(wav[:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, "fmt ", string(wav[12:16]))
	assert.EqualValues(t, SampleRate, binary.LittleEndian.Uint32(wav[24:28]))
	assert.EqualValues(t, len(pcm), binary.LittleEndian.Uint32(wav[40:44]))
	assert.Equal(t, pcm, wav[44:])
}
