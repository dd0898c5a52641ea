// internal/storage/memory.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL configuration stores.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pixelgate/pixelgate-serve-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound      = errors.New("not found")                      // Returned when a record is not found
	ErrConflict      = errors.New("conflict")                       // Returned when a record already exists
	ErrDefaultExists = errors.New("default policy already exists")  // Returned when a second default policy is written
	ErrOriginInUse   = errors.New("origin referenced by a mapping") // Returned when deleting a referenced origin
)

// Store defines the durable configuration store operations.
// The serving core only reads via ScanConfig at index build time; the write
// path belongs to the administrative surface.
type Store interface {
	// ScanConfig returns the complete configuration in one pass.
	ScanConfig(ctx context.Context) (*model.ConfigSnapshot, error)

	// Origin operations
	PutOrigin(ctx context.Context, origin model.Origin) error
	GetOrigin(ctx context.Context, id string) (*model.Origin, error)
	DeleteOrigin(ctx context.Context, id string) error

	// Mapping operations
	PutMapping(ctx context.Context, mapping model.Mapping) error
	DeleteMapping(ctx context.Context, id string) error

	// Policy operations
	PutPolicy(ctx context.Context, policy model.TransformationPolicy) error
	GetPolicy(ctx context.Context, id string) (*model.TransformationPolicy, error)
	DeletePolicy(ctx context.Context, id string) error
}

// memory implements the Store interface using in-memory maps.
// It's intended for development and testing purposes.
type memory struct {
	mu       sync.RWMutex
	origins  map[string]*model.Origin
	mappings map[string]*model.Mapping
	policies map[string]*model.TransformationPolicy
}

// NewMemory creates a new in-memory configuration store.
func NewMemory() Store {
	return &memory{
		origins:  make(map[string]*model.Origin),
		mappings: make(map[string]*model.Mapping),
		policies: make(map[string]*model.TransformationPolicy),
	}
}

func (m *memory) ScanConfig(ctx context.Context) (*model.ConfigSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &model.ConfigSnapshot{
		Origins:  make([]model.Origin, 0, len(m.origins)),
		Mappings: make([]model.Mapping, 0, len(m.mappings)),
		Policies: make([]model.TransformationPolicy, 0, len(m.policies)),
	}
	for _, o := range m.origins {
		snap.Origins = append(snap.Origins, *o)
	}
	for _, mp := range m.mappings {
		snap.Mappings = append(snap.Mappings, *mp)
	}
	for _, p := range m.policies {
		snap.Policies = append(snap.Policies, *p)
	}

	// Stable order keeps index builds reproducible across scans.
	sort.Slice(snap.Origins, func(i, j int) bool { return snap.Origins[i].ID < snap.Origins[j].ID })
	sort.Slice(snap.Mappings, func(i, j int) bool { return snap.Mappings[i].ID < snap.Mappings[j].ID })
	sort.Slice(snap.Policies, func(i, j int) bool { return snap.Policies[i].ID < snap.Policies[j].ID })

	return snap, nil
}

func (m *memory) PutOrigin(ctx context.Context, origin model.Origin) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if origin.CreatedAt.IsZero() {
		origin.CreatedAt = time.Now().UTC()
	}
	originCopy := origin
	m.origins[origin.ID] = &originCopy
	return nil
}

func (m *memory) GetOrigin(ctx context.Context, id string) (*model.Origin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	origin, exists := m.origins[id]
	if !exists {
		return nil, ErrNotFound
	}
	return origin, nil
}

func (m *memory) DeleteOrigin(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.origins[id]; !exists {
		return ErrNotFound
	}
	// A referenced origin cannot be removed; the mapping must go first.
	for _, mp := range m.mappings {
		if mp.OriginID == id {
			return ErrOriginInUse
		}
	}
	delete(m.origins, id)
	return nil
}

func (m *memory) PutMapping(ctx context.Context, mapping model.Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Mappings must reference a known origin at write time.
	if _, exists := m.origins[mapping.OriginID]; !exists {
		return ErrNotFound
	}
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = time.Now().UTC()
	}
	mappingCopy := mapping
	m.mappings[mapping.ID] = &mappingCopy
	return nil
}

func (m *memory) DeleteMapping(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.mappings[id]; !exists {
		return ErrNotFound
	}
	delete(m.mappings, id)
	return nil
}

func (m *memory) PutPolicy(ctx context.Context, policy model.TransformationPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// At most one policy may be the default.
	if policy.IsDefault {
		for id, p := range m.policies {
			if p.IsDefault && id != policy.ID {
				return ErrDefaultExists
			}
		}
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now().UTC()
	}
	policyCopy := policy
	m.policies[policy.ID] = &policyCopy
	return nil
}

func (m *memory) GetPolicy(ctx context.Context, id string) (*model.TransformationPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	policy, exists := m.policies[id]
	if !exists {
		return nil, ErrNotFound
	}
	return policy, nil
}

func (m *memory) DeletePolicy(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.policies[id]; !exists {
		return ErrNotFound
	}
	delete(m.policies, id)
	return nil
}
