// Package handlers exposes the inference engine over HTTP.
package handlers

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/aibekov/geodetect/internal/detect"
	"github.com/aibekov/geodetect/internal/engine"
	"github.com/aibekov/geodetect/internal/store"
)

// Engine is the slice of the inference engine the HTTP layer needs.
type Engine interface {
	Load(modelID int) error
	Unload(modelID int) bool
	UnloadAll()
	LoadedIDs() []int
	Predict(modelID int, imagePath string, conf float64, autoLoad bool) detect.InferenceResult
}

type Handler struct {
	engine Engine
	store  *store.Store
}

func NewHandler(eng Engine, st *store.Store) *Handler {
	return &Handler{
		engine: eng,
		store:  st,
	}
}

// Register wires all routes onto the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /models", h.ListModels)
	mux.HandleFunc("GET /models/loaded", h.LoadedModels)
	mux.HandleFunc("POST /models/{id}/load", h.LoadModel)
	mux.HandleFunc("POST /models/{id}/unload", h.UnloadModel)
	mux.HandleFunc("POST /models/unload-all", h.UnloadAllModels)
	mux.HandleFunc("POST /predict", h.Predict)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "healthy"}, http.StatusOK)
}

// ListModels returns the store listing, optionally filtered by
// model_id, name, class_name, type and dataset query parameters.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	filter := store.Filter{
		Name:    r.URL.Query().Get("name"),
		Class:   r.URL.Query().Get("class_name"),
		Type:    r.URL.Query().Get("type"),
		Dataset: r.URL.Query().Get("dataset"),
	}
	if raw := r.URL.Query().Get("model_id"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, fmt.Sprintf("invalid model_id %q", raw), http.StatusBadRequest)
			return
		}
		filter.ID = &id
	}

	infos, err := h.store.List()
	if err != nil {
		log.Printf("Model listing error: %v", err)
		respondError(w, "failed to list models", http.StatusInternalServerError)
		return
	}

	filtered := filter.Apply(infos)
	respondJSON(w, map[string]any{
		"models": filtered,
		"total":  len(filtered),
	}, http.StatusOK)
}

func (h *Handler) LoadedModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"loaded": h.engine.LoadedIDs()}, http.StatusOK)
}

func (h *Handler) LoadModel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathModelID(w, r)
	if !ok {
		return
	}

	if err := h.engine.Load(id); err != nil {
		status := http.StatusInternalServerError
		if e, isTyped := err.(*engine.Error); isTyped {
			switch e.Kind {
			case engine.KindNotFound:
				status = http.StatusNotFound
			case engine.KindUnsupportedFamily:
				status = http.StatusBadRequest
			}
		}
		respondError(w, err.Error(), status)
		return
	}
	respondJSON(w, map[string]any{"model_id": id, "loaded": true}, http.StatusOK)
}

func (h *Handler) UnloadModel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathModelID(w, r)
	if !ok {
		return
	}

	if !h.engine.Unload(id) {
		respondError(w, fmt.Sprintf("model %d not loaded", id), http.StatusNotFound)
		return
	}
	respondJSON(w, map[string]any{"model_id": id, "unloaded": true}, http.StatusOK)
}

func (h *Handler) UnloadAllModels(w http.ResponseWriter, r *http.Request) {
	h.engine.UnloadAll()
	respondJSON(w, map[string]any{"unloaded": true}, http.StatusOK)
}

type predictRequest struct {
	ModelID    int      `json:"model_id"`
	ImagePath  string   `json:"image_path"`
	Confidence *float64 `json:"confidence,omitempty"`
	AutoLoad   *bool    `json:"auto_load,omitempty"`
}

// Predict runs inference and returns the tagged result envelope; the
// success flag inside the body is the contract, not the status code.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.ImagePath == "" {
		respondError(w, "image_path is required", http.StatusBadRequest)
		return
	}

	conf := engine.DefaultConfidence
	if req.Confidence != nil {
		conf = *req.Confidence
	}
	autoLoad := true
	if req.AutoLoad != nil {
		autoLoad = *req.AutoLoad
	}

	result := h.engine.Predict(req.ModelID, req.ImagePath, conf, autoLoad)
	if !result.Success {
		log.Printf("Prediction failed for model %d: %s", req.ModelID, result.Error)
	}
	respondJSON(w, result, http.StatusOK)
}

func pathModelID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		respondError(w, fmt.Sprintf("invalid model id %q", r.PathValue("id")), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, map[string]string{"error": message}, status)
}
