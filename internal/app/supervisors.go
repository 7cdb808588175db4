package app

import (
	"sync"

	"automsg/internal/runtime/supervisor"
)

// supervisorRegistry tracks subsystem supervisors for the status surfaces.
// Services start and stop on config reload, so entries come and go.
type supervisorRegistry struct {
	mu sync.RWMutex
	m  map[string]*supervisor.Supervisor
}

func newSupervisorRegistry() *supervisorRegistry {
	return &supervisorRegistry{m: map[string]*supervisor.Supervisor{}}
}

// Set registers (or replaces) a supervisor under name. A nil sup deletes.
func (r *supervisorRegistry) Set(name string, sup *supervisor.Supervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = sup
}

// Snapshots returns the goroutine view of every registered supervisor.
func (r *supervisorRegistry) Snapshots() map[string]supervisor.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]supervisor.Snapshot, len(r.m))
	for k, v := range r.m {
		out[k] = v.Snapshot()
	}
	return out
}
