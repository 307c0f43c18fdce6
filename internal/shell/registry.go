package shell

import (
	"sort"
	"sync"
	"time"
)

// Environment is an active execution environment.
type Environment struct {
	ID        string
	Root      string
	Env       map[string]string
	CreatedAt time.Time
}

// Registry tracks active environments. The orchestrator owns one per run and
// passes it to the runner; there is no package-level registry.
type Registry struct {
	mu   sync.RWMutex
	envs map[string]Environment
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{envs: make(map[string]Environment)}
}

// Register adds or replaces an environment.
func (r *Registry) Register(env Environment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now()
	}
	r.envs[env.ID] = env
}

// Lookup returns the environment with id.
func (r *Registry) Lookup(id string) (Environment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	env, ok := r.envs[id]
	return env, ok
}

// Release removes an environment. Releasing an unknown id is a no-op.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.envs, id)
}

// Active returns the ids of all registered environments, sorted.
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.envs))
	for id := range r.envs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
