package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/backends/whisper"
)

// transcriptionResponse is the OpenAI-style transcription envelope. The
// whisper server replies with the same shape.
type transcriptionResponse struct {
	Text string `json:"text"`
}

// handleTranscriptions serves POST /audio/transcriptions (multipart: file,
// model, optional language).
func (h *HTTPHandler) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maximumRequestSize); err != nil {
		WriteBadRequest(w, "invalid multipart form")
		return
	}
	modelName := r.FormValue("model")
	if modelName == "" {
		WriteBadRequest(w, "model is required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		WriteBadRequest(w, "file is required")
		return
	}
	defer file.Close()

	entry, err := h.scheduler.catalog.Lookup(modelName)
	if err != nil {
		WriteError(w, err)
		return
	}
	if entry.Family != inference.FamilyWhisper {
		WriteBadRequest(w, fmt.Sprintf("model %s is not a transcription model", entry.Name))
		return
	}

	handle, err := h.scheduler.pool.Acquire(r.Context(), modelName)
	if err != nil {
		WriteError(w, err)
		return
	}
	defer handle.Release()

	ctx, cancel := context.WithTimeout(r.Context(), forwardTimeout)
	defer cancel()
	text, err := transcribeUpload(ctx, handle, header.Filename, file, r.FormValue("language"))
	if err != nil {
		if handle.model.runner.process.Exited() {
			handle.MarkStale()
		}
		WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transcriptionResponse{Text: text})
}

// transcribeUpload forwards audio bytes to the whisper server's multipart
// inference endpoint and returns the transcript.
func transcribeUpload(ctx context.Context, handle *Handle, filename string, audio io.Reader, language string) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return "", err
	}
	if language != "" {
		form.WriteField("language", language)
	}
	form.WriteField("response_format", "json")
	if err := form.Close(); err != nil {
		return "", err
	}

	response, err := handle.model.runner.do(ctx, http.MethodPost, whisper.InferencePath, form.FormDataContentType(), &body)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: whisper server returned %d", ErrUpstreamFailed, response.StatusCode)
	}

	var result transcriptionResponse
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: %s", ErrUpstreamFailed, err)
	}
	return result.Text, nil
}

// Transcribe runs one transcription for internal callers (the realtime
// session). The audio must be a complete container (e.g. WAV).
func (s *Scheduler) Transcribe(ctx context.Context, modelName, filename string, audio io.Reader) (string, error) {
	entry, err := s.catalog.Lookup(modelName)
	if err != nil {
		return "", err
	}
	if entry.Family != inference.FamilyWhisper {
		return "", fmt.Errorf("model %s is not a transcription model", entry.Name)
	}
	handle, err := s.pool.Acquire(ctx, modelName)
	if err != nil {
		return "", err
	}
	defer handle.Release()
	return transcribeUpload(ctx, handle, filename, audio, "")
}

// speechRequest is the OpenAI-style speech synthesis request.
type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice,omitempty"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

// handleSpeech serves POST /audio/speech and relays the audio container
// bytes with the correct content type.
func (h *HTTPHandler) handleSpeech(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var request speechRequest
	if err := json.Unmarshal(body, &request); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if request.Model == "" {
		WriteBadRequest(w, "model is required")
		return
	}
	if request.Input == "" {
		WriteBadRequest(w, "input is required")
		return
	}

	entry, err := h.scheduler.catalog.Lookup(request.Model)
	if err != nil {
		WriteError(w, err)
		return
	}
	if entry.Family != inference.FamilyTTS {
		WriteBadRequest(w, fmt.Sprintf("model %s is not a speech model", entry.Name))
		return
	}

	handle, err := h.scheduler.pool.Acquire(r.Context(), request.Model)
	if err != nil {
		WriteError(w, err)
		return
	}
	defer handle.Release()

	// The TTS upstream is OpenAI-compatible; relay the body as-is and pass
	// the audio bytes straight through.
	if err := h.forwardThroughHandle(w, r, handle, forwardOptions{
		path:        "/v1/audio/speech",
		body:        bytes.NewReader(body),
		contentType: "application/json",
		timeout:     forwardTimeout,
	}); err != nil {
		h.log.WithError(err).Warnf("Speech synthesis failed for %s", request.Model)
	}
}
