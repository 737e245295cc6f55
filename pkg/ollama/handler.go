// Package ollama implements the Ollama-compatible API surface. Requests are
// translated into the OpenAI-style shapes and re-dispatched internally to the
// inference handler; responses are rewritten into Ollama's NDJSON envelopes.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/scheduling"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/weights"
)

// APIPrefix is the Ollama API path prefix.
const APIPrefix = "/api"

// Version is the version string reported to Ollama clients. The layer is a
// shim, not an Ollama release, so it reports the null version.
const Version = "0.0.0"

// Handler implements the Ollama API compatibility layer.
type Handler struct {
	log     logging.Logger
	catalog *catalog.Catalog
	weights *weights.Store
	pool    *scheduling.Pool
	// openai is the internal OpenAI-style inference handler that chat and
	// generate requests are re-dispatched to.
	openai http.Handler
	router *http.ServeMux
}

// NewHandler creates the Ollama compatibility handler.
func NewHandler(
	log logging.Logger,
	cat *catalog.Catalog,
	weightStore *weights.Store,
	pool *scheduling.Pool,
	openai http.Handler,
) *Handler {
	h := &Handler{
		log:     log,
		catalog: cat,
		weights: weightStore,
		pool:    pool,
		openai:  openai,
		router:  http.NewServeMux(),
	}
	h.router.HandleFunc("GET "+APIPrefix+"/version", h.handleVersion)
	h.router.HandleFunc("GET "+APIPrefix+"/tags", h.handleTags)
	h.router.HandleFunc("GET "+APIPrefix+"/ps", h.handlePS)
	h.router.HandleFunc("POST "+APIPrefix+"/show", h.handleShow)
	h.router.HandleFunc("POST "+APIPrefix+"/chat", h.handleChat)
	h.router.HandleFunc("POST "+APIPrefix+"/generate", h.handleGenerate)
	h.router.HandleFunc("POST "+APIPrefix+"/pull", h.handlePull)
	h.router.HandleFunc("DELETE "+APIPrefix+"/delete", h.handleDelete)
	for _, route := range []string{"/create", "/copy", "/push"} {
		h.router.HandleFunc("POST "+APIPrefix+route, h.handleNotImplemented)
	}
	return h
}

// ServeHTTP implements net/http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// NormalizeModelName accepts both bare names and Ollama-style ":latest"
// tagged names.
func NormalizeModelName(name string) string {
	return strings.TrimSuffix(name, ":latest")
}

// modelName picks the identifier from the name/model field pair.
func modelName(name, model string) string {
	if name != "" {
		return NormalizeModelName(name)
	}
	return NormalizeModelName(model)
}

func writeJSON(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(value)
}

// handleVersion handles GET /api/version.
func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": Version})
}

// handleNotImplemented answers endpoints with no local equivalent.
func (h *Handler) handleNotImplemented(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "not implemented", http.StatusNotImplemented)
}

// handleTags handles GET /api/tags: installed models in Ollama list shape.
func (h *Handler) handleTags(w http.ResponseWriter, r *http.Request) {
	installed := h.catalog.List(catalog.Filter{Installed: func(entry catalog.ModelEntry) bool {
		return h.weights.Installed(entry.Checkpoint)
	}})

	response := ListResponse{Models: make([]ModelResponse, 0, len(installed))}
	for _, entry := range installed {
		response.Models = append(response.Models, modelResponseFor(entry))
	}
	writeJSON(w, response)
}

func modelResponseFor(entry catalog.ModelEntry) ModelResponse {
	return ModelResponse{
		Name:       entry.Name,
		Model:      entry.Name,
		ModifiedAt: time.Now(),
		Digest:     entry.Checkpoint,
		Details: ModelDetails{
			Format:            "gguf",
			Family:            string(entry.Family),
			Families:          []string{string(entry.Family)},
			QuantizationLevel: entry.DType,
		},
	}
}

// handleShow handles POST /api/show.
func (h *Handler) handleShow(w http.ResponseWriter, r *http.Request) {
	var request ShowRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	entry, err := h.catalog.Lookup(modelName(request.Name, request.Model))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, ShowResponse{
		Details: ModelDetails{
			Format:            "gguf",
			Family:            string(entry.Family),
			Families:          []string{string(entry.Family)},
			QuantizationLevel: entry.DType,
		},
	})
}

// handlePS handles GET /api/ps: every loaded model, regardless of which
// route loaded it.
func (h *Handler) handlePS(w http.ResponseWriter, r *http.Request) {
	statuses := h.pool.List()
	response := PSResponse{Models: make([]PSModel, 0, len(statuses))}
	for _, status := range statuses {
		model := PSModel{
			Name:   status.Name,
			Model:  status.Name,
			Digest: status.Name,
		}
		if status.Refs == 0 && !status.LastUsed.IsZero() {
			model.ExpiresAt = status.LastUsed.Add(5 * time.Minute)
		}
		response.Models = append(response.Models, model)
	}
	writeJSON(w, response)
}

// handleDelete handles DELETE /api/delete by unloading the model.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	var request DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	name := modelName(request.Name, request.Model)
	if err := h.pool.Unload(name); err != nil {
		scheduling.WriteError(w, err)
		return
	}
	writeJSON(w, map[string]string{})
}

// handlePull handles POST /api/pull with NDJSON progress lines.
func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request) {
	var request PullRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	name := modelName(request.Name, request.Model)
	entry, err := h.catalog.Lookup(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	flusher, _ := w.(http.Flusher)
	encoder := json.NewEncoder(w)
	stream := request.Stream == nil || *request.Stream

	emit := func(status map[string]interface{}) {
		if !stream {
			return
		}
		encoder.Encode(status)
		if flusher != nil {
			flusher.Flush()
		}
	}

	emit(map[string]interface{}{"status": "pulling manifest"})
	_, err = h.weights.Download(r.Context(), entry.Checkpoint, func(progress weights.Progress) {
		emit(map[string]interface{}{
			"status":    "pulling " + progress.File,
			"total":     progress.Total,
			"completed": progress.Downloaded,
		})
	})
	if err != nil {
		emit(map[string]interface{}{"error": err.Error()})
		if !stream {
			scheduling.WriteError(w, err)
		}
		return
	}
	if stream {
		emit(map[string]interface{}{"status": "success"})
	} else {
		encoder.Encode(map[string]interface{}{"status": "success"})
	}
}

// applyOptions maps Ollama options onto OpenAI request fields.
func applyOptions(openAIReq map[string]interface{}, options map[string]interface{}) {
	if options == nil {
		return
	}
	if temperature, ok := options["temperature"]; ok {
		openAIReq["temperature"] = temperature
	}
	if numPredict, ok := options["num_predict"]; ok {
		openAIReq["max_tokens"] = numPredict
	}
	if topP, ok := options["top_p"]; ok {
		openAIReq["top_p"] = topP
	}
}

// handleChat handles POST /api/chat by re-dispatching to the OpenAI chat
// completions path.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var request ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	name := modelName(request.Name, request.Model)
	stream := request.Stream == nil || *request.Stream

	messages := make([]map[string]interface{}, len(request.Messages))
	for i, message := range request.Messages {
		messages[i] = map[string]interface{}{"role": message.Role, "content": message.Content}
	}
	openAIReq := map[string]interface{}{
		"model":    name,
		"messages": messages,
		"stream":   stream,
	}
	applyOptions(openAIReq, request.Options)

	if stream {
		writer := &streamingChatWriter{w: w, modelName: name, log: h.log}
		h.dispatch(r.Context(), writer, "/chat/completions", openAIReq)
		writer.finish()
		return
	}

	recorder := newResponseRecorder()
	h.dispatch(r.Context(), recorder, "/chat/completions", openAIReq)
	if recorder.statusCode != http.StatusOK {
		w.WriteHeader(recorder.statusCode)
		w.Write(recorder.body.Bytes())
		return
	}
	var openAIResp openAIChatResponse
	if err := json.Unmarshal(recorder.body.Bytes(), &openAIResp); err != nil {
		http.Error(w, "failed to parse upstream response", http.StatusBadGateway)
		return
	}
	var content string
	if len(openAIResp.Choices) > 0 {
		content = openAIResp.Choices[0].Message.Content
	}
	writeJSON(w, ChatResponse{
		Model:     name,
		CreatedAt: time.Now(),
		Message:   Message{Role: "assistant", Content: content},
		Done:      true,
	})
}

// handleGenerate handles POST /api/generate by re-dispatching to the OpenAI
// completions path.
func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var request GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	name := modelName(request.Name, request.Model)
	stream := request.Stream == nil || *request.Stream

	openAIReq := map[string]interface{}{
		"model":  name,
		"prompt": request.Prompt,
		"stream": stream,
	}
	applyOptions(openAIReq, request.Options)

	if stream {
		writer := &streamingGenerateWriter{w: w, modelName: name, log: h.log}
		h.dispatch(r.Context(), writer, "/completions", openAIReq)
		writer.finish()
		return
	}

	recorder := newResponseRecorder()
	h.dispatch(r.Context(), recorder, "/completions", openAIReq)
	if recorder.statusCode != http.StatusOK {
		w.WriteHeader(recorder.statusCode)
		w.Write(recorder.body.Bytes())
		return
	}
	var openAIResp openAICompletionResponse
	if err := json.Unmarshal(recorder.body.Bytes(), &openAIResp); err != nil {
		http.Error(w, "failed to parse upstream response", http.StatusBadGateway)
		return
	}
	var text string
	if len(openAIResp.Choices) > 0 {
		text = openAIResp.Choices[0].Text
	}
	writeJSON(w, GenerateResponse{
		Model:     name,
		CreatedAt: time.Now(),
		Response:  text,
		Done:      true,
	})
}

// responseRecorder captures an internal dispatch so non-streaming responses
// can be rewritten into the Ollama envelope.
type responseRecorder struct {
	statusCode int
	headers    http.Header
	body       bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{
		statusCode: http.StatusOK,
		headers:    make(http.Header),
	}
}

func (r *responseRecorder) Header() http.Header {
	return r.headers
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	return r.body.Write(data)
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
}

// dispatch re-issues a request against the internal OpenAI handler.
func (h *Handler) dispatch(ctx context.Context, w http.ResponseWriter, path string, payload map[string]interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to marshal request: %v", err), http.StatusInternalServerError)
		return
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to create request: %v", err), http.StatusInternalServerError)
		return
	}
	request.Header.Set("Content-Type", "application/json")
	h.openai.ServeHTTP(w, request)
}
