package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// mediaTypeModel is the manifest layer that points at the GGUF weights.
const mediaTypeModel = "application/vnd.ollama.image.model"

// ErrModelNotFound means the model is not present in the local Ollama
// store and the sharded path cannot serve it.
var ErrModelNotFound = errors.New("model not found in local store")

// GGUFResolver locates the GGUF blob for a model inside an Ollama models
// directory. llama-server needs a real file path, not a model name.
type GGUFResolver struct {
	modelsDir string
}

func NewGGUFResolver(modelsDir string) *GGUFResolver {
	return &GGUFResolver{modelsDir: modelsDir}
}

type manifestLayer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

type manifest struct {
	Layers []manifestLayer `json:"layers"`
}

// Resolve maps "name[:tag]" to the blob path holding its weights. Models
// without a tag resolve as "latest", matching how Ollama stores them.
func (r *GGUFResolver) Resolve(model string) (string, error) {
	name, tag, ok := strings.Cut(model, ":")
	if !ok {
		tag = "latest"
	}

	manifestPath := filepath.Join(r.modelsDir, "manifests", "registry.ollama.ai", "library", name, tag)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrModelNotFound, model)
		}
		return "", fmt.Errorf("reading manifest for %s: %w", model, err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("parsing manifest for %s: %w", model, err)
	}

	for _, layer := range m.Layers {
		if layer.MediaType != mediaTypeModel {
			continue
		}

		digest := strings.Replace(layer.Digest, "sha256:", "sha256-", 1)
		blob := filepath.Join(r.modelsDir, "blobs", digest)
		if _, err := os.Stat(blob); err != nil {
			return "", fmt.Errorf("%w: blob missing for %s", ErrModelNotFound, model)
		}
		return blob, nil
	}

	return "", fmt.Errorf("%w: manifest for %s has no model layer", ErrModelNotFound, model)
}
