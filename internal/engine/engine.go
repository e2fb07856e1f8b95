package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/23skdu/longbow-surprisal/internal/config"
	"github.com/23skdu/longbow-surprisal/internal/gguf"
)

var (
	ErrEmptyInput     = errors.New("engine: empty token sequence")
	ErrUnknownEngine  = errors.New("engine: unknown engine")
	ErrNumericalError = errors.New("engine: non-finite logits")
)

// Engine runs a causal language model over a token sequence.
type Engine interface {
	// Logits returns one row of vocabulary logits per input position. Row i
	// is the prediction for the token following tokens[i].
	Logits(ctx context.Context, tokens []int) ([][]float32, error)
	Config() config.ModelConfig
	Close() error
}

// Options tune engine execution.
type Options struct {
	// Threads bounds the goroutines used per matrix product; 0 means
	// runtime.NumCPU().
	Threads int
}

// Constructor builds an engine from a parsed model file. The file must stay
// open for the engine's lifetime.
type Constructor func(f *gguf.GGUFFile, opts Options) (Engine, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

func RegisterEngine(name string, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = c
}

// New builds the named engine.
func New(name string, f *gguf.GGUFFile, opts Options) (Engine, error) {
	registryMu.RLock()
	c, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
	return c(f, opts)
}

// Names lists registered engines in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
