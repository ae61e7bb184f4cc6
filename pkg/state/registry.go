package state

import (
	"sync"

	"github.com/pkg/errors"
)

var ErrDuplicateService = errors.New("service already registered")

// Registry is the authoritative record of currently managed processes, keyed
// by service name and kept in registration order.
type Registry struct {
	mu    sync.Mutex
	order []string
	procs map[string]*ManagedProcess
}

func NewRegistry() *Registry {
	return &Registry{procs: map[string]*ManagedProcess{}}
}

func (r *Registry) Register(p *ManagedProcess) error {
	if p == nil || p.Name == "" {
		return errors.New("register: missing process name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procs[p.Name]; ok {
		return errors.Wrapf(ErrDuplicateService, "%q", p.Name)
	}
	r.procs[p.Name] = p
	r.order = append(r.order, p.Name)
	return nil
}

func (r *Registry) Remove(name string) (*ManagedProcess, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[name]
	if !ok {
		return nil, false
	}
	delete(r.procs, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return p, true
}

func (r *Registry) Get(name string) (*ManagedProcess, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[name]
	return p, ok
}

// List returns the registered processes in registration order.
func (r *Registry) List() []*ManagedProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ManagedProcess, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.procs[n])
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Clear empties the registry and returns what it held, in registration order.
func (r *Registry) Clear() []*ManagedProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ManagedProcess, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.procs[n])
	}
	r.order = nil
	r.procs = map[string]*ManagedProcess{}
	return out
}
