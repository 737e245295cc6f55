package scheduling

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
)

// imageRequest is the OpenAI-style image request body. Edits and variations
// arrive as multipart instead and are converted into this shape.
type imageRequest struct {
	Model          string  `json:"model"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Size           string  `json:"size,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	GuidanceScale  float64 `json:"cfg_scale,omitempty"`
	N              int     `json:"n,omitempty"`
	ResponseFormat string  `json:"response_format,omitempty"`

	// initImage carries the source image for edits and variations, base64
	// encoded. Not part of the public schema.
	initImage string
}

// upstreamImageRequest is the native stable-diffusion server request.
type upstreamImageRequest struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	Steps          int      `json:"sample_steps"`
	GuidanceScale  float64  `json:"cfg_scale"`
	BatchCount     int      `json:"batch_count,omitempty"`
	InitImages     []string `json:"init_images,omitempty"`
}

// upstreamImageResponse is the native stable-diffusion server response.
type upstreamImageResponse struct {
	Images []string `json:"images"`
}

// imageResponse is the OpenAI-style response envelope.
type imageResponse struct {
	Created int64       `json:"created"`
	Data    []imageData `json:"data"`
}

type imageData struct {
	B64JSON string `json:"b64_json"`
	URL     string `json:"url,omitempty"`
}

// parseSize splits "WxH" into dimensions.
func parseSize(size string) (int, int, error) {
	width, height, ok := strings.Cut(size, "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid size %q, expected WIDTHxHEIGHT", size)
	}
	w, err := strconv.Atoi(width)
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("invalid width in size %q", size)
	}
	h, err := strconv.Atoi(height)
	if err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("invalid height in size %q", size)
	}
	return w, h, nil
}

// handleImageGenerations serves POST /images/generations.
func (h *HTTPHandler) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var request imageRequest
	if err := json.Unmarshal(body, &request); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	h.serveImage(w, r, request, "/txt2img")
}

// handleImageEdits serves POST /images/edits (multipart: image, prompt).
func (h *HTTPHandler) handleImageEdits(w http.ResponseWriter, r *http.Request) {
	request, ok := h.imageRequestFromMultipart(w, r, true)
	if !ok {
		return
	}
	h.serveImage(w, r, request, "/img2img")
}

// handleImageVariations serves POST /images/variations (multipart: image).
// Variations are edits with a neutral prompt.
func (h *HTTPHandler) handleImageVariations(w http.ResponseWriter, r *http.Request) {
	request, ok := h.imageRequestFromMultipart(w, r, false)
	if !ok {
		return
	}
	if request.Prompt == "" {
		request.Prompt = "a variation of the provided image"
	}
	h.serveImage(w, r, request, "/img2img")
}

// imageRequestFromMultipart parses the multipart form of edits/variations.
func (h *HTTPHandler) imageRequestFromMultipart(w http.ResponseWriter, r *http.Request, requirePrompt bool) (imageRequest, bool) {
	if err := r.ParseMultipartForm(maximumRequestSize); err != nil {
		WriteBadRequest(w, "invalid multipart form")
		return imageRequest{}, false
	}
	request := imageRequest{
		Model:          r.FormValue("model"),
		Prompt:         r.FormValue("prompt"),
		Size:           r.FormValue("size"),
		ResponseFormat: r.FormValue("response_format"),
	}
	if steps := r.FormValue("steps"); steps != "" {
		request.Steps, _ = strconv.Atoi(steps)
	}
	if requirePrompt && request.Prompt == "" {
		WriteBadRequest(w, "prompt is required")
		return imageRequest{}, false
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		WriteBadRequest(w, "image file is required")
		return imageRequest{}, false
	}
	defer file.Close()
	imageBytes, err := io.ReadAll(io.LimitReader(file, maximumRequestSize))
	if err != nil {
		WriteError(w, fmt.Errorf("reading image upload: %w", err))
		return imageRequest{}, false
	}
	request.initImage = base64.StdEncoding.EncodeToString(imageBytes)
	return request, true
}

// serveImage validates an image request, applies the entry defaults, and
// round-trips the native diffusion protocol.
func (h *HTTPHandler) serveImage(w http.ResponseWriter, r *http.Request, request imageRequest, upstreamPath string) {
	if request.Model == "" {
		WriteBadRequest(w, "model is required")
		return
	}
	if request.Prompt == "" {
		WriteBadRequest(w, "prompt is required")
		return
	}

	entry, err := h.scheduler.catalog.Lookup(request.Model)
	if err != nil {
		WriteError(w, err)
		return
	}
	if entry.Family != inference.FamilySD {
		WriteBadRequest(w, fmt.Sprintf("model %s is not an image-generation model", entry.Name))
		return
	}

	upstream, err := buildUpstreamImageRequest(entry, request)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	handle, err := h.scheduler.pool.Acquire(r.Context(), request.Model)
	if err != nil {
		WriteError(w, err)
		return
	}
	defer handle.Release()

	payload, err := json.Marshal(upstream)
	if err != nil {
		WriteError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), forwardTimeout)
	defer cancel()

	response, err := handle.model.runner.do(ctx, http.MethodPost, upstreamPath, "application/json", bytes.NewReader(payload))
	if err != nil {
		handle.MarkStale()
		WriteError(w, err)
		return
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		WriteError(w, fmt.Errorf("%w: diffusion server returned %d", ErrUpstreamFailed, response.StatusCode))
		return
	}

	var native upstreamImageResponse
	if err := json.NewDecoder(response.Body).Decode(&native); err != nil {
		WriteError(w, fmt.Errorf("%w: %s", ErrUpstreamFailed, err))
		return
	}

	result := imageResponse{Created: time.Now().Unix()}
	for _, image := range native.Images {
		data := imageData{B64JSON: image}
		if h.config.SaveImages {
			if url, err := h.saveImage(image); err != nil {
				h.log.Warnf("Failed to persist generated image: %v", err)
			} else {
				data.URL = url
			}
		}
		result.Data = append(result.Data, data)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// buildUpstreamImageRequest merges the request with the entry's image
// defaults.
func buildUpstreamImageRequest(entry catalog.ModelEntry, request imageRequest) (upstreamImageRequest, error) {
	defaults := entry.ImageDefaults
	if defaults == nil {
		defaults = &catalog.ImageDefaults{Steps: 20, GuidanceScale: 7.5, Width: 512, Height: 512}
	}

	upstream := upstreamImageRequest{
		Prompt:         request.Prompt,
		NegativePrompt: request.NegativePrompt,
		Width:          defaults.Width,
		Height:         defaults.Height,
		Steps:          defaults.Steps,
		GuidanceScale:  defaults.GuidanceScale,
	}
	if request.Size != "" {
		width, height, err := parseSize(request.Size)
		if err != nil {
			return upstreamImageRequest{}, err
		}
		upstream.Width = width
		upstream.Height = height
	}
	if request.Steps > 0 {
		upstream.Steps = request.Steps
	}
	if request.GuidanceScale > 0 {
		upstream.GuidanceScale = request.GuidanceScale
	}
	if request.N > 1 {
		upstream.BatchCount = request.N
	}
	if request.initImage != "" {
		upstream.InitImages = []string{request.initImage}
	}
	return upstream, nil
}

// saveImage writes a base64 PNG to the images directory and returns a
// file:// URL.
func (h *HTTPHandler) saveImage(b64 string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(h.config.ImagesDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(h.config.ImagesDir, uuid.NewString()+".png")
	if err := os.WriteFile(path, decoded, 0o644); err != nil {
		return "", err
	}
	return "file://" + path, nil
}
