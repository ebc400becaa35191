package repository

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/maxpert/tapline/encoding"
)

// MemoryStore is a process-local tree of encoded documents shared by Memory
// repositories
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// Paths lists every stored path including parents, sorted
func (s *MemoryStore) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.docs))
	for p := range s.docs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Memory keeps the document encoded so callers never share its state
type Memory[T any] struct {
	store       *MemoryStore
	path        string
	codec       encoding.Codec
	allowRemove bool
}

func NewMemory[T any](store *MemoryStore, path string, opts Options) (*Memory[T], error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Memory[T]{store: store, path: path, codec: opts.codec(), allowRemove: opts.AllowRemove}, nil
}

func (m *Memory[T]) Path() string { return m.path }

func (m *Memory[T]) Exists(context.Context) (bool, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	_, ok := m.store.docs[m.path]
	return ok, nil
}

func (m *Memory[T]) Get(context.Context) (T, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	return m.getLocked()
}

func (m *Memory[T]) getLocked() (T, error) {
	data, ok := m.store.docs[m.path]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return decode[T](m.codec, m.path, data)
}

func (m *Memory[T]) Create(_ context.Context, value T) error {
	data, err := encode(m.codec, m.path, value)
	if err != nil {
		return err
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	return m.createLocked(data)
}

func (m *Memory[T]) createLocked(data []byte) error {
	if _, ok := m.store.docs[m.path]; ok {
		return ErrExists
	}
	for _, p := range parents(m.path) {
		if _, ok := m.store.docs[p]; !ok {
			m.store.docs[p] = nil
		}
	}
	m.store.docs[m.path] = data
	return nil
}

func (m *Memory[T]) Set(_ context.Context, value T) error {
	data, err := encode(m.codec, m.path, value)
	if err != nil {
		return err
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if _, ok := m.store.docs[m.path]; !ok {
		return ErrNotFound
	}
	m.store.docs[m.path] = data
	return nil
}

func (m *Memory[T]) Update(_ context.Context, value T, fn UpdateFunc[T]) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	current, err := m.getLocked()
	if errors.Is(err, ErrNotFound) {
		data, err := encode(m.codec, m.path, value)
		if err != nil {
			return err
		}
		return m.createLocked(data)
	}
	if err != nil {
		return err
	}

	data, err := encode(m.codec, m.path, fn(current, value))
	if err != nil {
		return err
	}
	m.store.docs[m.path] = data
	return nil
}

func (m *Memory[T]) Remove(context.Context) error {
	if !m.allowRemove {
		return ErrRemoveDisabled
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if _, ok := m.store.docs[m.path]; !ok {
		return ErrNotFound
	}
	delete(m.store.docs, m.path)
	return nil
}
