package rooms

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository backs dev mode and tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	services map[int64]ServiceRef
	chambres map[int64]Chambre
	nextID   int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{services: make(map[int64]ServiceRef), chambres: make(map[int64]Chambre)}
}

// AddService creates a service with libre chambres named by names.
func (m *MemoryRepository) AddService(nom string, chambres ...string) ServiceRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s := ServiceRef{ID: m.nextID, Nom: nom}
	m.services[s.ID] = s
	for _, c := range chambres {
		m.nextID++
		m.chambres[m.nextID] = Chambre{ID: m.nextID, Nom: c, Status: StatusLibre, DernierNettoyage: time.Now().UTC(), ServiceID: s.ID}
	}
	return s
}

func (m *MemoryRepository) sortedChambres(serviceID int64) []Chambre {
	out := []Chambre{}
	for _, c := range m.chambres {
		if c.ServiceID == serviceID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nom < out[j].Nom })
	return out
}

func (m *MemoryRepository) Services(ctx context.Context) ([]Service, error) {
	refs, err := m.SimpleServices(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Service, 0, len(refs))
	for _, r := range refs {
		out = append(out, Service{ID: r.ID, Nom: r.Nom, Chambres: m.sortedChambres(r.ID)})
	}
	return out, nil
}

func (m *MemoryRepository) SimpleServices(ctx context.Context) ([]ServiceRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServiceRef, 0, len(m.services))
	for _, s := range m.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nom < out[j].Nom })
	return out, nil
}

func (m *MemoryRepository) Chambre(ctx context.Context, id int64) (Chambre, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chambres[id]
	if !ok {
		return Chambre{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryRepository) FirstFree(ctx context.Context, serviceID int64) (Chambre, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.sortedChambres(serviceID) {
		if c.Status == StatusLibre {
			return c, nil
		}
	}
	return Chambre{}, ErrNotFound
}

func (m *MemoryRepository) SetStatus(ctx context.Context, id int64, status Status, at time.Time) (Chambre, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chambres[id]
	if !ok {
		return Chambre{}, ErrNotFound
	}
	if c.Status == StatusNettoyage && status != StatusNettoyage {
		c.DernierNettoyage = at.UTC()
	}
	c.Status = status
	m.chambres[id] = c
	return c, nil
}
