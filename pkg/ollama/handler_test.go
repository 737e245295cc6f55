package ollama

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/scheduling"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/ports"
	"github.com/lemonade-sdk/lemonade-server/pkg/telemetry"
	"github.com/lemonade-sdk/lemonade-server/pkg/weights"
)

// fakeOpenAI mimics the internal inference handler.
func fakeOpenAI(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for i := 0; i < 3; i++ {
				fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"w%d \"}}]}\n\n", i)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"converted"}}]}`)
	})
	mux.HandleFunc("POST /completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream bool `json:"stream"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"choices\":[{\"text\":\"generated\"}]}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"text":"generated"}]}`)
	})
	return mux
}

type ollamaFixture struct {
	handler  *Handler
	catalog  *catalog.Catalog
	weights  *weights.Store
	cacheDir string
}

func newOllamaFixture(t *testing.T) *ollamaFixture {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.New(logging.Discard(), dir)
	require.NoError(t, err)

	store := weights.NewStore(logging.Discard(), dir, "", nil)
	pool := scheduling.NewPool(
		logging.Discard(), cat, map[inference.Family]inference.Adapter{},
		store, ports.NewAllocator("localhost"), telemetry.NewAggregator(),
		scheduling.PoolConfig{},
	)

	handler := NewHandler(logging.Discard(), cat, store, pool, fakeOpenAI(t))
	return &ollamaFixture{handler: handler, catalog: cat, weights: store, cacheDir: dir}
}

// seedWeights marks one catalog entry as installed.
func (f *ollamaFixture) seedWeights(t *testing.T, repo, file string) {
	t.Helper()
	dir := filepath.Join(f.cacheDir, "models--"+strings.ReplaceAll(repo, "/", "--"), "snapshots", "main")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte("gguf"), 0o644))
}

func TestVersion(t *testing.T) {
	f := newOllamaFixture(t)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, httptest.NewRequest("GET", "/api/version", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var response map[string]string
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "0.0.0", response["version"])
}

func TestTagsListsInstalledOnly(t *testing.T) {
	f := newOllamaFixture(t)
	f.seedWeights(t, "Qwen/Qwen3-4B-GGUF", "Qwen3-4B-Q4_K_M.gguf")

	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, httptest.NewRequest("GET", "/api/tags", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var response ListResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Len(t, response.Models, 1)
	assert.Equal(t, "Qwen3-4B-GGUF", response.Models[0].Name)
	assert.Equal(t, "gguf", response.Models[0].Details.Format)
}

func TestShowUnknownModel(t *testing.T) {
	f := newOllamaFixture(t)
	body, _ := json.Marshal(ShowRequest{Name: "missing"})
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, httptest.NewRequest("POST", "/api/show", bytes.NewReader(body)))
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestShowAcceptsModelField(t *testing.T) {
	f := newOllamaFixture(t)
	body, _ := json.Marshal(ShowRequest{Model: "Qwen3-4B-GGUF:latest"})
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, httptest.NewRequest("POST", "/api/show", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, recorder.Code)
	var response ShowResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "llamacpp", response.Details.Family)
}

func TestChatNonStreaming(t *testing.T) {
	f := newOllamaFixture(t)
	stream := false
	body, _ := json.Marshal(ChatRequest{
		Model:    "Qwen3-4B-GGUF",
		Messages: []Message{{Role: "user", Content: "hello"}},
		Stream:   &stream,
		Options:  map[string]interface{}{"num_predict": 10},
	})
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, httptest.NewRequest("POST", "/api/chat", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, recorder.Code)
	var response ChatResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "assistant", response.Message.Role)
	assert.Equal(t, "converted", response.Message.Content)
	assert.True(t, response.Done)
}

func TestChatStreamingNDJSON(t *testing.T) {
	f := newOllamaFixture(t)
	body, _ := json.Marshal(ChatRequest{
		Model:    "Qwen3-4B-GGUF",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, httptest.NewRequest("POST", "/api/chat", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, recorder.Code)
	lines := strings.Split(strings.TrimSpace(recorder.Body.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 4)

	var last ChatResponse
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	assert.True(t, last.Done)

	var first ChatResponse
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.False(t, first.Done)
	assert.Equal(t, "assistant", first.Message.Role)
}

func TestGenerateNonStreaming(t *testing.T) {
	f := newOllamaFixture(t)
	stream := false
	body, _ := json.Marshal(GenerateRequest{
		Model:  "Qwen3-4B-GGUF",
		Prompt: "Once upon a time",
		Stream: &stream,
	})
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, httptest.NewRequest("POST", "/api/generate", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, recorder.Code)
	var response GenerateResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "generated", response.Response)
	assert.True(t, response.Done)
}

func TestPSEmpty(t *testing.T) {
	f := newOllamaFixture(t)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, httptest.NewRequest("GET", "/api/ps", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var response PSResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Empty(t, response.Models)
}

func TestNotImplementedEndpoints(t *testing.T) {
	f := newOllamaFixture(t)
	for _, path := range []string{"/api/create", "/api/copy", "/api/push"} {
		recorder := httptest.NewRecorder()
		f.handler.ServeHTTP(recorder, httptest.NewRequest("POST", path, strings.NewReader("{}")))
		assert.Equal(t, http.StatusNotImplemented, recorder.Code, path)
	}
}

func TestNormalizeModelName(t *testing.T) {
	assert.Equal(t, "Qwen3-4B-GGUF", NormalizeModelName("Qwen3-4B-GGUF:latest"))
	assert.Equal(t, "Qwen3-4B-GGUF", NormalizeModelName("Qwen3-4B-GGUF"))
}

func TestConsumeSSELinesBuffersPartials(t *testing.T) {
	var buffer strings.Builder

	payloads := consumeSSELines(&buffer, []byte("data: {\"a\":1}\n\ndata: {\"b\""))
	assert.Equal(t, []string{`{"a":1}`}, payloads)

	payloads = consumeSSELines(&buffer, []byte(":2}\n\n"))
	assert.Equal(t, []string{`{"b":2}`}, payloads)
}
