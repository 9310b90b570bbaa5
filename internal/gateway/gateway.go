package gateway

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/tdnguyen/chatgate/internal/chat"
	"github.com/tdnguyen/chatgate/internal/fault"
)

// Usage is the token accounting a provider reports on completion. Zero
// values mean the provider did not report usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Result is the terminal outcome of a successful stream.
type Result struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// DeltaHandler receives streamed text fragments. Returning an error aborts
// the stream; the abort is propagated to the adapter.
type DeltaHandler func(delta string) error

// Adapter is the capability contract every backend must satisfy. The
// stream is finite, forward-only, and not restartable.
type Adapter interface {
	Name() string
	Stream(ctx context.Context, model string, msgs []chat.Message, onDelta DeltaHandler) (Result, error)
}

// Registry maps model names to exactly one adapter each. It is built at
// startup and read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	byModel  map[string]Adapter
	fallback Adapter
}

func NewRegistry() *Registry {
	return &Registry{byModel: make(map[string]Adapter)}
}

// Register binds each model name to the adapter. Later registrations win
// so config can override the fallback binding of a model.
func (r *Registry) Register(a Adapter, models ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range models {
		m = strings.TrimSpace(m)
		if m != "" {
			r.byModel[m] = a
		}
	}
}

// SetFallback routes models with no explicit binding. Used for dev setups
// where the mock adapter answers everything.
func (r *Registry) SetFallback(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = a
}

// Lookup resolves the adapter for a model. A catalog entry with no
// registered adapter reports model_unknown.
func (r *Registry) Lookup(model string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.byModel[model]; ok {
		return a, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fault.New(fault.KindModelUnknown, "no adapter registered for model %q", model)
}

// Models returns the registered model names, sorted.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byModel))
	for m := range r.byModel {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
