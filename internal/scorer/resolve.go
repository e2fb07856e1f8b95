package scorer

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/23skdu/longbow-surprisal/internal/hub"
	"github.com/23skdu/longbow-surprisal/internal/ollama"
)

// Downloader fetches single files from a model hub.
type Downloader interface {
	Download(ctx context.Context, kind hub.Kind, repo, revision, file string) (string, error)
}

// Locator turns a --model value into a local file.
type Locator struct {
	Hub       Downloader
	OllamaDir string
}

// ResolveGGUF accepts:
//   - a path to an existing file
//   - ollama:<name[:tag]>
//   - [hf:]<org>/<repo>/<file>.gguf[@revision]
func (l *Locator) ResolveGGUF(ctx context.Context, model string) (string, error) {
	if _, err := os.Stat(model); err == nil {
		return model, nil
	}

	if name, ok := strings.CutPrefix(model, "ollama:"); ok {
		dir := l.OllamaDir
		if dir == "" {
			var err error
			if dir, err = ollama.DefaultDir(); err != nil {
				return "", err
			}
		}
		return ollama.Resolve(dir, name)
	}

	ref := strings.TrimPrefix(model, "hf:")
	repo, file, revision, err := splitHubRef(ref)
	if err != nil {
		return "", fmt.Errorf("model %q: %w", model, err)
	}
	if !strings.HasSuffix(strings.ToLower(file), ".gguf") {
		return "", fmt.Errorf("model %q: expected a local file, ollama:<name> or <org>/<repo>/<file>.gguf", model)
	}
	if l.Hub == nil {
		return "", fmt.Errorf("model %q: no hub client configured", model)
	}
	return l.Hub.Download(ctx, hub.KindModel, repo, revision, file)
}

// splitHubRef parses <org>/<repo>[/<file>][@revision].
func splitHubRef(ref string) (repo, file, revision string, err error) {
	revision = hub.DefaultRevision
	if i := strings.LastIndex(ref, "@"); i >= 0 {
		ref, revision = ref[:i], ref[i+1:]
		if revision == "" {
			return "", "", "", fmt.Errorf("empty revision")
		}
	}
	parts := strings.SplitN(ref, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("expected <org>/<repo>")
	}
	repo = parts[0] + "/" + parts[1]
	if len(parts) == 3 {
		file = parts[2]
	}
	return repo, file, revision, nil
}
