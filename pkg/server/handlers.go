package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/scheduling"
	"github.com/lemonade-sdk/lemonade-server/pkg/weights"
)

// healthResponse is the GET /api/v1/health envelope.
type healthResponse struct {
	Status        string         `json:"status"`
	WebsocketPort int            `json:"websocket_port"`
	ModelsLoaded  []string       `json:"models_loaded"`
	MaxModels     map[string]int `json:"max_models"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	loaded := make([]string, 0)
	for _, status := range s.pool.List() {
		loaded = append(loaded, status.Name)
	}
	maxModels := make(map[string]int)
	for family, capacity := range s.pool.Capacities() {
		maxModels[string(family)] = capacity
	}
	writeJSON(w, healthResponse{
		Status:        "ok",
		WebsocketPort: s.config.WSPort(),
		ModelsLoaded:  loaded,
		MaxModels:     maxModels,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.aggregator.Snapshot())
}

// modelInfo is one entry of the GET /api/v1/models listing.
type modelInfo struct {
	ID         string   `json:"id"`
	Object     string   `json:"object"`
	Created    int64    `json:"created"`
	OwnedBy    string   `json:"owned_by"`
	Checkpoint string   `json:"checkpoint"`
	Recipe     string   `json:"recipe,omitempty"`
	Labels     []string `json:"labels,omitempty"`
	Installed  bool     `json:"installed"`
	Loaded     bool     `json:"loaded"`
}

// handleModels enumerates the catalog. By default only models with local
// weights are listed; show_all=true includes the full catalog.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	showAll := r.URL.Query().Get("show_all") == "true"
	filter := catalog.Filter{}
	if !showAll {
		filter.Installed = func(entry catalog.ModelEntry) bool {
			return s.weights.Installed(entry.Checkpoint)
		}
	}

	entries := s.catalog.List(filter)
	data := make([]modelInfo, 0, len(entries))
	for _, entry := range entries {
		data = append(data, modelInfo{
			ID:         entry.Name,
			Object:     "model",
			Created:    time.Now().Unix(),
			OwnedBy:    "lemonade",
			Checkpoint: entry.Checkpoint,
			Recipe:     entry.Recipe,
			Labels:     entry.Labels,
			Installed:  s.weights.Installed(entry.Checkpoint),
			Loaded:     s.pool.Loaded(entry.Name),
		})
	}
	writeJSON(w, map[string]interface{}{
		"object": "list",
		"data":   data,
	})
}

// handleRegister adds a user catalog entry.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var entry catalog.ModelEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		scheduling.WriteBadRequest(w, "invalid request body")
		return
	}
	if err := s.catalog.Register(entry); err != nil {
		scheduling.WriteBadRequest(w, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{"status": "registered", "model_name": entry.Name})
}

// loadRequest is the POST /api/v1/load and /api/v1/unload body.
type loadRequest struct {
	ModelName string `json:"model_name"`
	All       bool   `json:"all,omitempty"`
}

// handleLoad warms a model: it returns only after the backend is ready, and
// leaves the model resident but unpinned.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var request loadRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		scheduling.WriteBadRequest(w, "invalid request body")
		return
	}
	if request.ModelName == "" {
		scheduling.WriteBadRequest(w, "model_name is required")
		return
	}
	if err := s.scheduler.WarmLoad(r.Context(), request.ModelName); err != nil {
		scheduling.WriteError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "loaded", "model_name": request.ModelName})
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	var request loadRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		scheduling.WriteBadRequest(w, "invalid request body")
		return
	}
	if request.All {
		unloaded := s.pool.UnloadAll()
		writeJSON(w, map[string]interface{}{"status": "unloaded", "count": unloaded})
		return
	}
	if request.ModelName == "" {
		scheduling.WriteBadRequest(w, "model_name is required")
		return
	}
	if err := s.pool.Unload(request.ModelName); err != nil {
		scheduling.WriteError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "unloaded", "model_name": request.ModelName})
}

// pullRequest is the POST /api/v1/pull body.
type pullRequest struct {
	ModelName string `json:"model_name"`
	Stream    bool   `json:"stream,omitempty"`
}

// handlePull downloads a model's weights (and secondary artifacts) plus the
// backend binary it needs. With stream=true, NDJSON progress lines are
// emitted during the transfer.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var request pullRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		scheduling.WriteBadRequest(w, "invalid request body")
		return
	}
	if request.ModelName == "" {
		scheduling.WriteBadRequest(w, "model_name is required")
		return
	}
	entry, err := s.catalog.Lookup(request.ModelName)
	if err != nil {
		scheduling.WriteError(w, err)
		return
	}

	var progress weights.ProgressFunc
	var encoder *json.Encoder
	if request.Stream {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher, _ := w.(http.Flusher)
		encoder = json.NewEncoder(w)
		progress = func(p weights.Progress) {
			encoder.Encode(map[string]interface{}{
				"status":    "downloading " + p.File,
				"total":     p.Total,
				"completed": p.Downloaded,
			})
			if flusher != nil {
				flusher.Flush()
			}
		}
	}

	fail := func(err error) {
		if encoder != nil {
			encoder.Encode(map[string]string{"error": err.Error()})
		} else {
			scheduling.WriteError(w, err)
		}
	}

	// The backend binary is part of a pull: a pulled model must be loadable
	// offline.
	if _, err := s.scheduler.EnsureBinary(r.Context(), entry.Family); err != nil {
		fail(err)
		return
	}

	references := []string{entry.Checkpoint}
	if entry.MMProj != "" {
		references = append(references, entry.MMProj)
	}
	for _, reference := range references {
		if _, err := s.weights.Download(r.Context(), reference, progress); err != nil {
			fail(err)
			return
		}
	}

	if encoder != nil {
		encoder.Encode(map[string]string{"status": "success"})
		return
	}
	writeJSON(w, map[string]string{"status": "success", "model_name": entry.Name})
}

// systemInfoResponse is the GET /api/v1/system-info envelope.
type systemInfoResponse struct {
	OS              string                `json:"os"`
	Arch            string                `json:"arch"`
	CacheDir        string                `json:"cache_dir"`
	WeightsCacheDir string                `json:"weights_cache_dir"`
	Backends        map[string]string     `json:"backends"`
	LocalWeights    []weights.LocalWeight `json:"local_weights"`
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, systemInfoResponse{
		OS:              runtime.GOOS,
		Arch:            runtime.GOARCH,
		CacheDir:        s.config.CacheDir,
		WeightsCacheDir: s.config.WeightsCacheDir,
		Backends:        s.installer.States(),
		LocalWeights:    s.weights.ListLocal(),
	})
}

func writeJSON(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(value)
}
