package classifier

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// Registry pools LLM clients by credential hash. Clients are constructed
// lazily under a mutex and reused across requests; per-request client
// construction leaks connections under load.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*openai.Client
}

// NewRegistry creates an empty pool.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*openai.Client)}
}

func credentialHash(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Get returns the shared client for a credential, building it on first use.
func (r *Registry) Get(apiKey string) *openai.Client {
	key := credentialHash(apiKey)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		return c
	}
	c := openai.NewClient(apiKey)
	r.clients[key] = c
	return c
}

// Evict drops the client for a credential after a configuration change.
func (r *Registry) Evict(apiKey string) {
	key := credentialHash(apiKey)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, key)
}

// Len reports the pooled client count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
