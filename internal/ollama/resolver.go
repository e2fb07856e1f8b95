package ollama

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/23skdu/longbow-surprisal/internal/logger"
)

const (
	DefaultTag       = "latest"
	DefaultRegistry  = "registry.ollama.ai"
	DefaultNamespace = "library"
	MediaTypeModel   = "application/vnd.ollama.image.model"
)

var ErrNotFound = errors.New("ollama model not found")

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// DefaultDir returns $OLLAMA_MODELS or ~/.ollama/models.
func DefaultDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// Reference is a parsed model name.
type Reference struct {
	Registry  string
	Namespace string
	Name      string
	Tag       string
}

// ParseReference accepts "name", "name:tag", "ns/name[:tag]" and
// "registry/ns/name[:tag]".
func ParseReference(s string) (Reference, error) {
	ref := Reference{Registry: DefaultRegistry, Namespace: DefaultNamespace, Tag: DefaultTag}
	if s == "" {
		return ref, fmt.Errorf("empty model name")
	}

	path := s
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		path, ref.Tag = s[:i], s[i+1:]
		if ref.Tag == "" {
			return ref, fmt.Errorf("invalid model name %q: empty tag", s)
		}
	}

	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return ref, fmt.Errorf("invalid model name %q", s)
		}
	}
	switch len(parts) {
	case 1:
		ref.Name = parts[0]
	case 2:
		ref.Namespace, ref.Name = parts[0], parts[1]
	case 3:
		ref.Registry, ref.Namespace, ref.Name = parts[0], parts[1], parts[2]
	default:
		return ref, fmt.Errorf("invalid model name %q", s)
	}
	return ref, nil
}

func (r Reference) String() string {
	return fmt.Sprintf("%s/%s/%s:%s", r.Registry, r.Namespace, r.Name, r.Tag)
}

// Resolve finds the GGUF blob for a model name inside an ollama models
// directory: manifests/<registry>/<ns>/<name>/<tag> names the model layer
// digest, stored as blobs/sha256-<hash>.
func Resolve(dir, modelName string) (string, error) {
	ref, err := ParseReference(modelName)
	if err != nil {
		return "", err
	}

	manifestPath := filepath.Join(dir, "manifests", ref.Registry, ref.Namespace, ref.Name, ref.Tag)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: manifest %s", ErrNotFound, manifestPath)
		}
		return "", err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("manifest %s: %w", manifestPath, err)
	}

	var blobDigest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			blobDigest = l.Digest
			break
		}
	}
	if blobDigest == "" {
		return "", fmt.Errorf("no model layer found in manifest %s", manifestPath)
	}

	blobPath := filepath.Join(dir, "blobs", strings.Replace(blobDigest, ":", "-", 1))
	if _, err := os.Stat(blobPath); err != nil {
		return "", fmt.Errorf("%w: blob %s", ErrNotFound, blobPath)
	}

	logger.Log.Debug("Resolved ollama model", "ref", ref.String(), "blob", blobPath)
	return blobPath, nil
}
