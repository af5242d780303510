package experiment

import (
	"fmt"
	"sync"
)

// Registry hands out one Client per instance name and deployment key. It is
// owned by application start-up code; there is no package-level instance.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Client returns the client registered for cfg's identity, creating it when
// absent. A later call with the same identity ignores the rest of cfg.
func (r *Registry) Client(cfg Config) (*Client, error) {
	identity := cfg.identity()

	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[identity]; ok {
		return client, nil
	}

	client, err := New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create client %q: %w", cfg.Namespace(), err)
	}
	r.clients[identity] = client
	return client, nil
}

func (r *Registry) Lookup(instanceName, deploymentKey string) (*Client, bool) {
	cfg := Config{InstanceName: instanceName, DeploymentKey: deploymentKey}

	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[cfg.identity()]
	return client, ok
}

// Close stops and forgets every registered client.
func (r *Registry) Close() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	for _, client := range clients {
		client.Stop()
	}
}
