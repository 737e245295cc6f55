package scheduling

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/installer"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/ports"
	"github.com/lemonade-sdk/lemonade-server/pkg/telemetry"
	"github.com/lemonade-sdk/lemonade-server/pkg/weights"
)

// pngBase64 is a minimal PNG header payload for image round-trips.
var pngBase64 = base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\nrest-of-image"))

// newUpstream builds a fake backend server covering every family protocol.
func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream bool `json:"stream"`
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)
		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for i := 0; i < 6; i++ {
				fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"tok%d \"}}]}\n\n", i)
				flusher.Flush()
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hi there"}}]}`)
	})
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"embedding":[0.1,0.2]}]}`)
	})
	mux.HandleFunc("/txt2img", func(w http.ResponseWriter, r *http.Request) {
		var req upstreamImageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"images": []string{pngBase64},
			// Echo the effective parameters for assertions.
			"parameters": req,
		})
	})
	mux.HandleFunc("/inference", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"hello world"}`)
	})
	mux.HandleFunc("/v1/audio/speech", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("ID3\x04fake-mp3-bytes"))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// upstreamAdapter is a fake adapter whose upstream is the shared test server.
type upstreamAdapter struct {
	family   inference.Family
	upstream *httptest.Server
}

func (a *upstreamAdapter) Family() inference.Family { return a.family }

func (a *upstreamAdapter) EnsureBinary(context.Context) (string, error) { return "/bin/sleep", nil }

func (a *upstreamAdapter) Launch(ctx context.Context, spec inference.LaunchSpec) (*inference.Process, error) {
	cmd := exec.Command("sleep", "300")
	return inference.StartProcess(logging.Discard(), a.family, spec.Port, cmd, spec.OnLine)
}

func (a *upstreamAdapter) HealthURL(uint16) string { return a.upstream.URL + "/health" }

func (a *upstreamAdapter) UpstreamBase(uint16) string { return a.upstream.URL }

func (a *upstreamAdapter) ParseTelemetryLine(string) telemetry.Delta { return telemetry.Delta{} }

func (a *upstreamAdapter) SupportsCPUFallback() bool { return false }

func (a *upstreamAdapter) FixedPort() (uint16, bool) { return 0, false }

type handlerFixture struct {
	handler   *HTTPHandler
	scheduler *Scheduler
	imagesDir string
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	upstream := newUpstream(t)

	dir := t.TempDir()
	cat, err := catalog.New(logging.Discard(), dir)
	require.NoError(t, err)

	weightFile := filepath.Join(dir, "weights.gguf")
	require.NoError(t, os.WriteFile(weightFile, []byte("gguf"), 0o644))
	entries := []catalog.ModelEntry{
		{Name: "chat-model", Family: inference.FamilyLlamaCpp, Checkpoint: weightFile},
		{Name: "embed-model", Family: inference.FamilyLlamaCpp, Checkpoint: weightFile,
			Labels: []string{catalog.LabelEmbeddings}},
		{Name: "sd-model", Family: inference.FamilySD, Checkpoint: weightFile,
			ImageDefaults: &catalog.ImageDefaults{Steps: 4, GuidanceScale: 1.5, Width: 512, Height: 512}},
		{Name: "whisper-model", Family: inference.FamilyWhisper, Checkpoint: weightFile},
		{Name: "tts-model", Family: inference.FamilyTTS, Checkpoint: weightFile},
	}
	for _, entry := range entries {
		require.NoError(t, cat.Register(entry))
	}

	adapters := make(map[inference.Family]inference.Adapter)
	for _, family := range []inference.Family{
		inference.FamilyLlamaCpp, inference.FamilySD,
		inference.FamilyWhisper, inference.FamilyTTS,
	} {
		adapters[family] = &upstreamAdapter{family: family, upstream: upstream}
	}

	pool := NewPool(
		logging.Discard(), cat, adapters,
		weights.NewStore(logging.Discard(), dir, "", nil),
		ports.NewAllocator("localhost"),
		telemetry.NewAggregator(),
		PoolConfig{ReadyTimeout: 10 * time.Second},
	)
	t.Cleanup(func() { pool.UnloadAll() })

	scheduler := NewScheduler(logging.Discard(), cat, adapters, pool)
	imagesDir := filepath.Join(dir, "images")
	handler := NewHTTPHandler(logging.Discard(), scheduler, HandlerConfig{
		SaveImages: true,
		ImagesDir:  imagesDir,
	})
	return &handlerFixture{handler: handler, scheduler: scheduler, imagesDir: imagesDir}
}

func postJSON(t *testing.T, handler http.Handler, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	f := newHandlerFixture(t)

	recorder := postJSON(t, f.handler, "/chat/completions", map[string]interface{}{
		"model":      "chat-model",
		"messages":   []map[string]string{{"role": "user", "content": "Say hi"}},
		"max_tokens": 5,
	})

	require.Equal(t, http.StatusOK, recorder.Code)
	var response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.NotEmpty(t, response.Choices)
	assert.NotEmpty(t, response.Choices[0].Message.Content)
}

func TestChatCompletionsStreaming(t *testing.T) {
	f := newHandlerFixture(t)

	recorder := postJSON(t, f.handler, "/chat/completions", map[string]interface{}{
		"model":                 "chat-model",
		"messages":              []map[string]string{{"role": "user", "content": "Say hi"}},
		"stream":                true,
		"max_completion_tokens": 10,
	})

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Header().Get("Content-Type"), "text/event-stream")
	lines := strings.Split(recorder.Body.String(), "\n")
	dataLines := 0
	for _, line := range lines {
		if strings.HasPrefix(line, "data: ") {
			dataLines++
		}
	}
	assert.GreaterOrEqual(t, dataLines, 5)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(recorder.Body.String()), "data: [DONE]"))
	assert.Equal(t, 1, strings.Count(recorder.Body.String(), "data: [DONE]"))
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	f := newHandlerFixture(t)
	recorder := postJSON(t, f.handler, "/chat/completions", map[string]interface{}{
		"model": "no-such-model",
	})
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestChatCompletionsMissingModel(t *testing.T) {
	f := newHandlerFixture(t)
	recorder := postJSON(t, f.handler, "/chat/completions", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestEmbeddingsRequiresLabel(t *testing.T) {
	f := newHandlerFixture(t)

	// chat-model lacks the embeddings label.
	recorder := postJSON(t, f.handler, "/embeddings", map[string]interface{}{
		"model": "chat-model",
		"input": "some text",
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = postJSON(t, f.handler, "/embeddings", map[string]interface{}{
		"model": "embed-model",
		"input": "some text",
	})
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestImageGenerations(t *testing.T) {
	f := newHandlerFixture(t)

	recorder := postJSON(t, f.handler, "/images/generations", map[string]interface{}{
		"model":  "sd-model",
		"prompt": "A red circle",
		"size":   "256x256",
		"steps":  1,
	})

	require.Equal(t, http.StatusOK, recorder.Code)
	var response imageResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.NotEmpty(t, response.Data)
	decoded, err := base64.StdEncoding.DecodeString(response.Data[0].B64JSON)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(decoded, []byte("\x89PNG")))

	// --save-images also persists the PNG to disk.
	saved, err := filepath.Glob(filepath.Join(f.imagesDir, "*.png"))
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}

func TestImageGenerationsMissingPrompt(t *testing.T) {
	f := newHandlerFixture(t)
	recorder := postJSON(t, f.handler, "/images/generations", map[string]interface{}{
		"model": "sd-model",
		"size":  "256x256",
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestImageGenerationsWrongFamily(t *testing.T) {
	f := newHandlerFixture(t)
	recorder := postJSON(t, f.handler, "/images/generations", map[string]interface{}{
		"model":  "chat-model",
		"prompt": "A red circle",
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestBuildUpstreamImageRequestDefaults(t *testing.T) {
	entry := catalog.ModelEntry{
		Name:   "sd-model",
		Family: inference.FamilySD,
		ImageDefaults: &catalog.ImageDefaults{
			Steps: 4, GuidanceScale: 1.5, Width: 512, Height: 512,
		},
	}

	// Omitted fields fall back to the entry defaults.
	upstream, err := buildUpstreamImageRequest(entry, imageRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, 4, upstream.Steps)
	assert.Equal(t, 1.5, upstream.GuidanceScale)
	assert.Equal(t, 512, upstream.Width)

	// Explicit fields win.
	upstream, err = buildUpstreamImageRequest(entry, imageRequest{
		Prompt: "x", Size: "256x256", Steps: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, upstream.Steps)
	assert.Equal(t, 256, upstream.Width)
	assert.Equal(t, 256, upstream.Height)

	_, err = buildUpstreamImageRequest(entry, imageRequest{Prompt: "x", Size: "banana"})
	assert.Error(t, err)
}

func TestAudioTranscriptions(t *testing.T) {
	f := newHandlerFixture(t)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "speech.wav")
	require.NoError(t, err)
	part.Write([]byte("RIFFfake-wav"))
	form.WriteField("model", "whisper-model")
	require.NoError(t, form.Close())

	request := httptest.NewRequest(http.MethodPost, "/audio/transcriptions", &body)
	request.Header.Set("Content-Type", form.FormDataContentType())
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	var response transcriptionResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "hello world", response.Text)
}

func TestAudioSpeech(t *testing.T) {
	f := newHandlerFixture(t)

	recorder := postJSON(t, f.handler, "/audio/speech", map[string]interface{}{
		"model":           "tts-model",
		"input":           "Hello",
		"response_format": "mp3",
	})

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "audio/mpeg", recorder.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(recorder.Body.Bytes(), []byte("ID3")))
}

func TestAudioSpeechMissingInput(t *testing.T) {
	f := newHandlerFixture(t)
	recorder := postJSON(t, f.handler, "/audio/speech", map[string]interface{}{
		"model": "tts-model",
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestHTTPStatusForErrorTable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"model not found", catalog.ErrModelNotFound, http.StatusNotFound},
		{"weights missing", weights.ErrWeightsMissing, http.StatusUnprocessableEntity},
		{"ambiguous weights", weights.ErrAmbiguousWeights, http.StatusUnprocessableEntity},
		{"unsupported platform", installer.ErrUnsupportedPlatform, http.StatusUnprocessableEntity},
		{"install failed", &installer.InstallError{Reason: "boom"}, http.StatusUnprocessableEntity},
		{"all busy", ErrAllModelsBusy, http.StatusServiceUnavailable},
		{"upstream timeout", ErrUpstreamTimeout, http.StatusGatewayTimeout},
		{"upstream failed", ErrUpstreamFailed, http.StatusBadGateway},
		{"startup wraps weights", &StartupError{Model: "m", Err: weights.ErrWeightsMissing}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatusForError(tt.err))
		})
	}
}
