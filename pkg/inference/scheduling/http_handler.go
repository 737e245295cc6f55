package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/installer"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/weights"
)

const (
	// maximumRequestSize bounds inference request bodies to avoid abuse.
	maximumRequestSize = 32 * 1024 * 1024
	// forwardTimeout bounds non-streaming upstream requests end-to-end.
	forwardTimeout = 300 * time.Second
	// streamIdleTimeout bounds the gap between bytes of a streaming
	// response; streams have no overall deadline.
	streamIdleTimeout = 300 * time.Second
)

// apiError is the JSON error envelope returned to clients.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// HTTPStatusForError is the single translation layer from error kinds to
// HTTP status codes.
func HTTPStatusForError(err error) int {
	var startupErr *StartupError
	if errors.As(err, &startupErr) {
		err = startupErr.Err
	}
	var installErr *installer.InstallError
	var downloadErr *weights.DownloadError
	switch {
	case errors.Is(err, catalog.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, weights.ErrWeightsMissing),
		errors.Is(err, weights.ErrAmbiguousWeights),
		errors.Is(err, installer.ErrUnsupportedPlatform),
		errors.Is(err, installer.ErrSystemBinaryMissing),
		errors.As(err, &installErr),
		errors.As(err, &downloadErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrAllModelsBusy), errors.Is(err, ErrModelBusy), errors.Is(err, errLoadsDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUpstreamFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrModelNotLoaded), errors.Is(err, ErrAdapterNotFound):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		// The client went away; the status is never observed.
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError short-circuits an error to the client as the JSON envelope.
func WriteError(w http.ResponseWriter, err error) {
	status := HTTPStatusForError(err)
	var envelope apiError
	envelope.Error.Message = err.Error()
	envelope.Error.Code = status
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope)
}

// WriteBadRequest reports a schema validation failure.
func WriteBadRequest(w http.ResponseWriter, message string) {
	var envelope apiError
	envelope.Error.Message = message
	envelope.Error.Code = http.StatusBadRequest
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(envelope)
}

// HandlerConfig carries the router options that affect request handling.
type HandlerConfig struct {
	// SaveImages persists generated images to ImagesDir.
	SaveImages bool
	// ImagesDir is where generated images are written when SaveImages is
	// set.
	ImagesDir string
}

// HTTPHandler serves the OpenAI-compatible inference surface: chat and text
// completions, embeddings, reranking, image generation and audio.
type HTTPHandler struct {
	log       logging.Logger
	scheduler *Scheduler
	config    HandlerConfig
	router    *http.ServeMux
}

// NewHTTPHandler creates the inference HTTP handler.
func NewHTTPHandler(log logging.Logger, scheduler *Scheduler, config HandlerConfig) *HTTPHandler {
	h := &HTTPHandler{
		log:       log,
		scheduler: scheduler,
		config:    config,
		router:    http.NewServeMux(),
	}
	h.router.HandleFunc("POST /chat/completions", h.handleChatCompletions)
	h.router.HandleFunc("POST /completions", h.handleCompletions)
	h.router.HandleFunc("POST /embeddings", h.handleEmbeddings)
	h.router.HandleFunc("POST /rerank", h.handleReranking)
	h.router.HandleFunc("POST /reranking", h.handleReranking)
	h.router.HandleFunc("POST /images/generations", h.handleImageGenerations)
	h.router.HandleFunc("POST /images/edits", h.handleImageEdits)
	h.router.HandleFunc("POST /images/variations", h.handleImageVariations)
	h.router.HandleFunc("POST /audio/transcriptions", h.handleTranscriptions)
	h.router.HandleFunc("POST /audio/speech", h.handleSpeech)
	return h
}

// ServeHTTP implements net/http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// inferenceRequest is the model/stream portion of an OpenAI request body.
type inferenceRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// readBody reads the request body with the size cap applied.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maximumRequestSize))
	if err != nil {
		var maxBytesError *http.MaxBytesError
		if errors.As(err, &maxBytesError) {
			WriteBadRequest(w, "request too large")
		} else {
			WriteError(w, fmt.Errorf("failed to read request body: %w", err))
		}
		return nil, false
	}
	return body, true
}

// handleChatCompletions forwards POST /chat/completions.
func (h *HTTPHandler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.forwardOpenAI(w, r, "/v1/chat/completions", nil)
}

// handleCompletions forwards POST /completions.
func (h *HTTPHandler) handleCompletions(w http.ResponseWriter, r *http.Request) {
	h.forwardOpenAI(w, r, "/v1/completions", nil)
}

// handleEmbeddings forwards POST /embeddings. The model must advertise the
// embeddings label.
func (h *HTTPHandler) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	h.forwardOpenAI(w, r, "/v1/embeddings", func(entry catalog.ModelEntry) error {
		if !entry.HasLabel(catalog.LabelEmbeddings) {
			return fmt.Errorf("model %s does not support embeddings", entry.Name)
		}
		return nil
	})
}

// handleReranking forwards POST /rerank. The model must advertise the
// reranking label. llama-server exposes reranking outside the /v1 tree.
func (h *HTTPHandler) handleReranking(w http.ResponseWriter, r *http.Request) {
	h.forwardOpenAI(w, r, "/rerank", func(entry catalog.ModelEntry) error {
		if !entry.HasLabel(catalog.LabelReranking) {
			return fmt.Errorf("model %s does not support reranking", entry.Name)
		}
		return nil
	})
}

// forwardOpenAI is the shared path for LLM-style requests: validate, acquire
// the model, forward the body upstream, stream back.
func (h *HTTPHandler) forwardOpenAI(w http.ResponseWriter, r *http.Request, upstreamPath string, validate func(catalog.ModelEntry) error) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var request inferenceRequest
	if err := json.Unmarshal(body, &request); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if request.Model == "" {
		WriteBadRequest(w, "model is required")
		return
	}

	entry, err := h.scheduler.catalog.Lookup(request.Model)
	if err != nil {
		WriteError(w, err)
		return
	}
	if entry.Family != inference.FamilyLlamaCpp && entry.Family != inference.FamilyFLM {
		WriteBadRequest(w, fmt.Sprintf("model %s is not a text-generation model", entry.Name))
		return
	}
	if validate != nil {
		if err := validate(entry); err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
	}

	handle, err := h.scheduler.pool.Acquire(r.Context(), request.Model)
	if err != nil {
		WriteError(w, err)
		return
	}
	defer handle.Release()

	opts := forwardOptions{
		path:        upstreamPath,
		body:        bytes.NewReader(body),
		contentType: "application/json",
		idleTimeout: streamIdleTimeout,
	}
	if !request.Stream {
		opts.timeout = forwardTimeout
	}
	if err := h.forwardThroughHandle(w, r, handle, opts); err != nil {
		h.log.WithError(err).Warnf("Forward to %s failed for %s", upstreamPath, request.Model)
	}
}

// forwardThroughHandle forwards via the handle's runner, marking the model
// stale when the backend itself failed. An error envelope is written only
// when no response bytes have reached the client yet.
func (h *HTTPHandler) forwardThroughHandle(w http.ResponseWriter, r *http.Request, handle *Handle, opts forwardOptions) error {
	recorder := &headerRecorder{ResponseWriter: w}
	err := handle.model.runner.forward(recorder, r, opts)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUpstreamFailed) || handle.model.runner.process.Exited() {
		handle.MarkStale()
	}
	if !recorder.wrote {
		WriteError(w, err)
	}
	return err
}

// headerRecorder tracks whether a response has started, so error envelopes
// are only written on pristine responses.
type headerRecorder struct {
	http.ResponseWriter
	wrote bool
}

func (h *headerRecorder) WriteHeader(statusCode int) {
	h.wrote = true
	h.ResponseWriter.WriteHeader(statusCode)
}

func (h *headerRecorder) Write(data []byte) (int, error) {
	h.wrote = true
	return h.ResponseWriter.Write(data)
}

// Flush forwards flushes so streaming keeps working through the recorder.
func (h *headerRecorder) Flush() {
	if flusher, ok := h.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
