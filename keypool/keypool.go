// Package keypool manages the ordered pool of Gemini API keys and the
// cyclic failover between them.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"kagemusha/llm"
)

// ErrNoUsableKey is returned by Initialize when every key in the pool fails
// client construction. This is a fatal configuration error.
var ErrNoUsableKey = errors.New("no usable API key in pool")

// Factory builds a live client for one credential. Construction failure is
// the only validity signal available.
type Factory func(key string) (*llm.Client, error)

// Pool holds the credential list, the active index, and the client built
// from the active credential.
type Pool struct {
	mu      sync.Mutex
	keys    []string
	index   int
	client  *llm.Client
	factory Factory
}

func New(keys []string, factory Factory) (*Pool, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("credential pool is empty")
	}
	return &Pool{keys: keys, factory: factory}, nil
}

// Initialize selects index 0 and constructs a client, advancing past keys
// that fail construction. When the pool exhausts, ErrNoUsableKey is returned
// and the process cannot start.
func (p *Pool) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.keys {
		client, err := p.factory(p.keys[i])
		if err != nil {
			slog.Warn("API key failed initialization, trying next", "index", i, "error", err)
			continue
		}
		p.index = i
		p.client = client
		slog.Info("gemini client initialized", "key_index", i, "pool_size", len(p.keys))
		return nil
	}
	return ErrNoUsableKey
}

// Rotate advances the active index modulo the pool size and rebuilds the
// client. Reconstruction failure leaves the previous client in place and the
// pool degraded: the next generation call surfaces the error through normal
// failure handling instead of crashing here, since a wrapped-around pool
// usually means every key is exhausted.
func (p *Pool) Rotate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.index = (p.index + 1) % len(p.keys)
	client, err := p.factory(p.keys[p.index])
	if err != nil {
		slog.Warn("client reconstruction failed after key rotation, running degraded",
			"key_index", p.index, "error", err)
		return
	}
	p.client = client
	slog.Info("rotated to next API key", "key_index", p.index)
}

// Generate delegates to the client built from the active credential. When a
// prior rotation soft-failed the stale client is used and its error surfaces
// through normal failure handling.
func (p *Pool) Generate(ctx context.Context, prompt string, history []llm.Turn) (string, error) {
	c := p.Client()
	if c == nil {
		return "", fmt.Errorf("no live client (pool not initialized)")
	}
	return c.Generate(ctx, prompt, history)
}

// Client returns the client built from the active credential.
func (p *Pool) Client() *llm.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

// Index returns the active key index.
func (p *Pool) Index() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	return len(p.keys)
}
