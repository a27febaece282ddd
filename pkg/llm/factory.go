package llm

import (
	"fmt"
	"hash/fnv"
	"sync"
)

// Factory caches clients per (model, options) for the life of the
// process. Clients are cheap handles to remote services, so the cache is
// unbounded. The factory enforces no retry policy — retries belong to the
// call sites (see Retry).
type Factory struct {
	provider Provider

	mu      sync.RWMutex
	clients map[string]Client
}

// NewFactory creates a factory backed by the given provider.
func NewFactory(provider Provider) *Factory {
	return &Factory{
		provider: provider,
		clients:  make(map[string]Client),
	}
}

// Get returns a cached client for the model and options, constructing it
// on first use. Construction uses double-checked locking so concurrent
// first calls build at most one client per key.
func (f *Factory) Get(model string, opts Options) (Client, error) {
	key := cacheKey(model, opts)

	f.mu.RLock()
	client, ok := f.clients[key]
	f.mu.RUnlock()
	if ok {
		return client, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if client, ok := f.clients[key]; ok {
		return client, nil
	}

	client, err := f.provider.NewClient(model, opts)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", model, err)
	}
	if !f.provider.SupportsNativeTools(model) {
		client = newCoercedToolClient(client)
	}
	f.clients[key] = client
	return client, nil
}

func cacheKey(model string, opts Options) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%g|%d", model, opts.Temperature, opts.MaxTokens)
	return fmt.Sprintf("%s#%x", model, h.Sum64())
}
