// Package store reads the on-disk model store: one subdirectory per
// model holding a metadata descriptor, an ONNX checkpoint and, for
// mmrotate models, a deploy config.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/aibekov/geodetect/internal/family"
)

const (
	metadataFile   = "metadata.json"
	checkpointFile = "model.onnx"
	configFile     = "config.json"
)

// ErrModelNotFound reports that no store folder resolves the requested
// model ID.
var ErrModelNotFound = errors.New("model not found")

// ModelMetadata is one model's descriptor plus the store-derived paths.
// Immutable once read; the store re-reads descriptors per lookup.
type ModelMetadata struct {
	ID      int      `json:"id"`
	Name    string   `json:"name"`
	Classes []string `json:"classes"`

	// ImageSize is the square model input size in pixels; 0 means the
	// family's default.
	ImageSize int `json:"image_size,omitempty"`

	Folder         string `json:"folder"`
	FolderPath     string `json:"-"`
	CheckpointPath string `json:"-"`
	ConfigPath     string `json:"-"`
}

// ModelInfo is a listing record: metadata plus checkpoint state, as
// consumed by the model-listing collaborator.
type ModelInfo struct {
	ModelMetadata
	Family           family.Family `json:"family"`
	HasCheckpoint    bool          `json:"has_checkpoint"`
	CheckpointSizeMB float64       `json:"checkpoint_size_mb"`
}

// SkippedEntry records a store folder the scan could not resolve and
// why.
type SkippedEntry struct {
	Folder string `json:"folder"`
	Reason string `json:"reason"`
}

// Store reads model descriptors from a root directory.
type Store struct {
	dir string
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string { return s.dir }

// readMetadata reads and completes one folder's descriptor.
func (s *Store) readMetadata(folder string) (ModelMetadata, error) {
	folderPath := filepath.Join(s.dir, folder)
	data, err := os.ReadFile(filepath.Join(folderPath, metadataFile))
	if err != nil {
		return ModelMetadata{}, fmt.Errorf("read metadata: %w", err)
	}

	var meta ModelMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return ModelMetadata{}, fmt.Errorf("parse metadata: %w", err)
	}

	meta.Folder = folder
	meta.FolderPath = folderPath
	meta.CheckpointPath = filepath.Join(folderPath, checkpointFile)

	configPath := filepath.Join(folderPath, configFile)
	if _, err := os.Stat(configPath); err == nil {
		meta.ConfigPath = configPath
	}
	return meta, nil
}

// Lookup resolves a model ID to its metadata. Folders are visited in
// lexical order, so a duplicate ID resolves to the lexically first
// folder carrying it. Returns ErrModelNotFound when no folder matches.
func (s *Store) Lookup(modelID int) (ModelMetadata, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return ModelMetadata{}, fmt.Errorf("read model store %s: %w", s.dir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.readMetadata(entry.Name())
		if err != nil {
			continue
		}
		if meta.ID == modelID {
			return meta, nil
		}
	}
	return ModelMetadata{}, fmt.Errorf("model %d: %w", modelID, ErrModelNotFound)
}

// Scan resolves every readable descriptor in the store and reports the
// folders it had to skip, with reasons. Duplicate IDs keep the
// lexically first folder; later ones are skipped.
func (s *Store) Scan() ([]ModelMetadata, []SkippedEntry, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read model store %s: %w", s.dir, err)
	}

	var (
		models  []ModelMetadata
		skipped []SkippedEntry
		byID    = map[int]string{}
	)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.readMetadata(entry.Name())
		if err != nil {
			skipped = append(skipped, SkippedEntry{Folder: entry.Name(), Reason: err.Error()})
			continue
		}
		if prev, ok := byID[meta.ID]; ok {
			skipped = append(skipped, SkippedEntry{
				Folder: entry.Name(),
				Reason: fmt.Sprintf("duplicate id %d (kept %s)", meta.ID, prev),
			})
			continue
		}
		byID[meta.ID] = entry.Name()
		models = append(models, meta)
	}
	return models, skipped, nil
}

// List returns every resolvable model with checkpoint presence and
// size added, sorted by ID.
func (s *Store) List() ([]ModelInfo, error) {
	models, _, err := s.Scan()
	if err != nil {
		return nil, err
	}

	infos := make([]ModelInfo, 0, len(models))
	for _, meta := range models {
		info := ModelInfo{
			ModelMetadata: meta,
			Family:        family.Classify(meta.Folder),
		}
		if st, err := os.Stat(meta.CheckpointPath); err == nil {
			info.HasCheckpoint = true
			info.CheckpointSizeMB = float64(st.Size()) / 1024 / 1024
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}
