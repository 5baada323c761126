// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/contract-ledger/document"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	docs  map[key]document.Document
	byRef map[refKey]string
	now   func() time.Time
}

type key struct {
	Type document.Type
	ID   string
}

type refKey struct {
	Type document.Type
	Ref  document.ReferenceID
}

func NewMemory() *Memory {
	return &Memory{
		docs:  make(map[key]document.Document),
		byRef: make(map[refKey]string),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create adds a document. Both unique constraints are checked under the lock.
func (m *Memory) Create(_ context.Context, doc document.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{Type: doc.Type, ID: doc.ID}
	if _, exists := m.docs[k]; exists {
		return document.ErrConflict
	}
	if doc.ReferenceID != "" {
		if _, exists := m.byRef[refKey{doc.Type, doc.ReferenceID}]; exists {
			return document.ErrConflict
		}
	}

	stored := doc.Clone()
	now := m.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	stored.Version = 1
	m.put(stored)
	return nil
}

func (m *Memory) put(doc document.Document) {
	m.docs[key{doc.Type, doc.ID}] = doc
	if doc.ReferenceID != "" {
		m.byRef[refKey{doc.Type, doc.ReferenceID}] = doc.ID
	}
}

func (m *Memory) Get(_ context.Context, typ document.Type, id string) (document.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[key{typ, id}]
	if !ok {
		return document.Document{}, document.ErrNotFound
	}
	return doc.Clone(), nil
}

func (m *Memory) FindByReferenceID(_ context.Context, typ document.Type, ref document.ReferenceID) (document.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[refKey{typ, ref}]
	if !ok {
		return document.Document{}, document.ErrNotFound
	}
	return m.docs[key{typ, id}].Clone(), nil
}

func (m *Memory) ExistsByReferenceID(_ context.Context, typ document.Type, ref document.ReferenceID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.byRef[refKey{typ, ref}]
	return ok, nil
}

func (m *Memory) FindByStorageKey(_ context.Context, storageKey string, types []document.Type, states []document.State) ([]document.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []document.Document
	for _, doc := range m.docs {
		if !containsType(types, doc.Type) || !containsState(states, doc.State) {
			continue
		}
		if doc.HasStorageKey(storageKey) {
			result = append(result, doc.Clone())
		}
	}
	sortOldestFirst(result)
	return result, nil
}

func (m *Memory) ListByContract(_ context.Context, typ document.Type, contractID string) ([]document.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []document.Document
	for k, doc := range m.docs {
		if k.Type == typ && doc.ContractID() == contractID {
			result = append(result, doc.Clone())
		}
	}
	sortOldestFirst(result)
	return result, nil
}

func (m *Memory) LatestByContract(ctx context.Context, typ document.Type, contractID string, state document.State) (document.Document, error) {
	docs, err := m.ListByContract(ctx, typ, contractID)
	if err != nil {
		return document.Document{}, err
	}
	var latest *document.Document
	for i := range docs {
		if docs[i].State != state {
			continue
		}
		if latest == nil || !docs[i].ExchangedAt().Before(latest.ExchangedAt()) {
			latest = &docs[i]
		}
	}
	if latest == nil {
		return document.Document{}, document.ErrNotFound
	}
	return *latest, nil
}

func (m *Memory) List(_ context.Context, typ document.Type) ([]document.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []document.Document
	for k, doc := range m.docs {
		if k.Type == typ {
			result = append(result, doc.Clone())
		}
	}
	sortOldestFirst(result)
	return result, nil
}

// ConditionalUpdate matches and writes under one write lock.
func (m *Memory) ConditionalUpdate(_ context.Context, match document.Match, patch document.Patch) (document.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.docs[key{match.Type, match.ID}]
	if !ok {
		return document.Document{}, document.ErrNotFound
	}
	if err := match.Check(cur); err != nil {
		return document.Document{}, err
	}

	next, err := document.ApplyPatch(cur, patch, m.now())
	if err != nil {
		return document.Document{}, err
	}
	if next.ReferenceID != cur.ReferenceID {
		if _, taken := m.byRef[refKey{next.Type, next.ReferenceID}]; taken {
			return document.Document{}, document.ErrConflict
		}
	}

	m.put(next)
	return next.Clone(), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func sortOldestFirst(docs []document.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].ID < docs[j].ID
		}
		return docs[i].CreatedAt.Before(docs[j].CreatedAt)
	})
}

func containsType(types []document.Type, t document.Type) bool {
	if len(types) == 0 {
		return true
	}
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func containsState(states []document.State, s document.State) bool {
	if len(states) == 0 {
		return true
	}
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}
