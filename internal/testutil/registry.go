package testutil

import (
	"sync"

	"tunnel-proxy/internal/domain"
)

// Registry records registrations instead of talking to epoll.
type Registry struct {
	mu         sync.Mutex
	Registered map[int]domain.Token
	Modified   []domain.Token
	Removed    []int
}

func NewRegistry() *Registry {
	return &Registry{Registered: make(map[int]domain.Token)}
}

func (r *Registry) Register(fd int, token domain.Token, _ domain.EventType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Registered[fd] = token
	return nil
}

func (r *Registry) Modify(_ int, token domain.Token, _ domain.EventType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Modified = append(r.Modified, token)
	return nil
}

func (r *Registry) Unregister(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.Registered, fd)
	r.Removed = append(r.Removed, fd)
	return nil
}
