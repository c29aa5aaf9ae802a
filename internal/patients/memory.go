package patients

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository backs dev mode and tests.
type MemoryRepository struct {
	mu        sync.RWMutex
	patients  map[int64]Patient
	documents map[int64]Document
	nextID    int64
	now       func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		patients:  make(map[int64]Patient),
		documents: make(map[int64]Document),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func matches(p Patient, term string) bool {
	term = strings.ToLower(term)
	nom, prenom := strings.ToLower(p.Nom), strings.ToLower(p.Prenom)
	return strings.Contains(nom, term) || strings.Contains(prenom, term) ||
		strings.Contains(prenom+" "+nom, term) || strings.Contains(nom+" "+prenom, term)
}

func less(a, b Patient, field string) bool {
	switch field {
	case "nom":
		if a.Nom != b.Nom {
			return a.Nom < b.Nom
		}
	case "prenom":
		if a.Prenom != b.Prenom {
			return a.Prenom < b.Prenom
		}
	case "date_de_naissance":
		if !a.DateDeNaissance.Equal(b.DateDeNaissance) {
			return a.DateDeNaissance.Before(b.DateDeNaissance)
		}
	case "created_at":
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	return a.ID < b.ID
}

func (m *MemoryRepository) List(ctx context.Context, q Query) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	q = q.Normalize()
	m.mu.RLock()
	var all []Patient
	for _, p := range m.patients {
		if q.Search == "" || matches(p, q.Search) {
			all = append(all, p)
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if q.Desc {
			return less(all[j], all[i], q.Field)
		}
		return less(all[i], all[j], q.Field)
	})
	page := Page{Data: []Patient{}, Total: len(all), Page: q.Page, Limit: q.Limit}
	if off := q.offset(); off < len(all) {
		end := min(off+q.Limit, len(all))
		page.Data = append(page.Data, all[off:end]...)
	}
	return page, nil
}

func (m *MemoryRepository) Get(ctx context.Context, id int64) (Detail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok {
		return Detail{}, ErrNotFound
	}
	d := Detail{Patient: p, Documents: []Document{}}
	for _, doc := range m.documents {
		if doc.PatientID == id {
			d.Documents = append(d.Documents, doc)
		}
	}
	sort.Slice(d.Documents, func(i, j int) bool { return d.Documents[i].ID > d.Documents[j].ID })
	return d, nil
}

func (m *MemoryRepository) conflict(in Input, except int64) bool {
	for _, p := range m.patients {
		if p.ID == except {
			continue
		}
		if strings.EqualFold(p.Nom, in.Nom) && strings.EqualFold(p.Prenom, in.Prenom) && p.DateDeNaissance.Equal(in.Birth()) {
			return true
		}
		if in.Email != nil && p.Email != nil && *p.Email == *in.Email {
			return true
		}
	}
	return false
}

func (m *MemoryRepository) Create(ctx context.Context, in Input) (Patient, error) {
	if err := ctx.Err(); err != nil {
		return Patient{}, err
	}
	in = in.normalized()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflict(in, 0) {
		return Patient{}, ErrAlreadyExists
	}
	m.nextID++
	now := m.now()
	p := fromInput(m.nextID, in)
	p.CreatedAt, p.UpdatedAt = now, now
	m.patients[p.ID] = p
	return p, nil
}

func (m *MemoryRepository) Update(ctx context.Context, id int64, in Input) (Patient, error) {
	in = in.normalized()
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.patients[id]
	if !ok {
		return Patient{}, ErrNotFound
	}
	if m.conflict(in, id) {
		return Patient{}, ErrAlreadyExists
	}
	p := fromInput(id, in)
	p.CreatedAt, p.UpdatedAt = old.CreatedAt, m.now()
	m.patients[id] = p
	return p, nil
}

func fromInput(id int64, in Input) Patient {
	return Patient{
		ID:              id,
		Civilite:        in.Civilite,
		Nom:             in.Nom,
		Prenom:          in.Prenom,
		DateDeNaissance: in.Birth(),
		Adresse:         in.Adresse,
		CodePostal:      in.CodePostal,
		Ville:           in.Ville,
		Telephone:       in.Telephone,
		Email:           in.Email,
	}
}

func (m *MemoryRepository) Delete(ctx context.Context, id int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[id]; !ok {
		return nil, ErrNotFound
	}
	var keys []string
	for docID, d := range m.documents {
		if d.PatientID == id {
			keys = append(keys, d.NomFichier)
			delete(m.documents, docID)
		}
	}
	delete(m.patients, id)
	return keys, nil
}

func (m *MemoryRepository) AddDocument(ctx context.Context, d Document) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[d.PatientID]; !ok {
		return Document{}, ErrNotFound
	}
	for _, existing := range m.documents {
		if existing.NomFichier == d.NomFichier {
			return Document{}, ErrAlreadyExists
		}
	}
	m.nextID++
	d.ID = m.nextID
	d.CreatedAt = m.now()
	m.documents[d.ID] = d
	return d, nil
}

func (m *MemoryRepository) Document(ctx context.Context, id int64) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryRepository) DeleteDocument(ctx context.Context, id int64) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	delete(m.documents, id)
	return d, nil
}
