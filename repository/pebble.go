package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/tapline/encoding"
	"github.com/puzpuzpuz/xsync/v3"
)

// Pebble tuning for a small, rarely written state database
const (
	pebbleMemTableSize = 4 << 20 // 4MB
	pebbleCacheSize    = 8 << 20 // 8MB
)

// updateLocks serialises read-merge-write per path across every Pebble
// repository in the process
var updateLocks = xsync.NewMapOf[string, *sync.Mutex]()

// OpenPebble opens (creating if needed) the state database at dir
func OpenPebble(dir string) (*pebble.DB, error) {
	cache := pebble.NewCache(pebbleCacheSize)
	defer cache.Unref()

	db, err := pebble.Open(dir, &pebble.Options{
		Cache:        cache,
		MemTableSize: pebbleMemTableSize,
		DisableWAL:   false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database at %s: %w", dir, err)
	}
	return db, nil
}

// Pebble stores the document under its path as a key. Parents are kept as
// empty marker keys.
type Pebble[T any] struct {
	db          *pebble.DB
	path        string
	key         []byte
	codec       encoding.Codec
	allowRemove bool
	lock        *sync.Mutex
}

func NewPebble[T any](db *pebble.DB, path string, opts Options) (*Pebble[T], error) {
	if db == nil {
		return nil, errors.New("pebble repository requires a database")
	}
	if err := validatePath(path); err != nil {
		return nil, err
	}
	lock, _ := updateLocks.LoadOrStore(path, &sync.Mutex{})
	return &Pebble[T]{
		db:          db,
		path:        path,
		key:         []byte(path),
		codec:       opts.codec(),
		allowRemove: opts.AllowRemove,
		lock:        lock,
	}, nil
}

func (p *Pebble[T]) Path() string { return p.path }

func (p *Pebble[T]) Exists(context.Context) (bool, error) {
	_, closer, err := p.db.Get(p.key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", p.path, err)
	}
	closer.Close()
	return true, nil
}

func (p *Pebble[T]) Get(context.Context) (T, error) {
	var zero T
	val, closer, err := p.db.Get(p.key)
	if errors.Is(err, pebble.ErrNotFound) {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("failed to read %s: %w", p.path, err)
	}
	defer closer.Close()
	return decode[T](p.codec, p.path, val)
}

func (p *Pebble[T]) Create(ctx context.Context, value T) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.createLocked(ctx, value)
}

func (p *Pebble[T]) createLocked(ctx context.Context, value T) error {
	exists, err := p.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return ErrExists
	}

	data, err := encode(p.codec, p.path, value)
	if err != nil {
		return err
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	for _, parent := range parents(p.path) {
		_, closer, err := p.db.Get([]byte(parent))
		if err == nil {
			closer.Close()
			continue
		}
		if !errors.Is(err, pebble.ErrNotFound) {
			return fmt.Errorf("failed to read %s: %w", parent, err)
		}
		if err := batch.Set([]byte(parent), nil, nil); err != nil {
			return err
		}
	}
	if err := batch.Set(p.key, data, nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to create %s: %w", p.path, err)
	}
	return nil
}

func (p *Pebble[T]) Set(ctx context.Context, value T) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.setLocked(ctx, value)
}

func (p *Pebble[T]) setLocked(ctx context.Context, value T) error {
	exists, err := p.Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}

	data, err := encode(p.codec, p.path, value)
	if err != nil {
		return err
	}
	if err := p.db.Set(p.key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write %s: %w", p.path, err)
	}
	return nil
}

func (p *Pebble[T]) Update(ctx context.Context, value T, fn UpdateFunc[T]) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	current, err := p.Get(ctx)
	if errors.Is(err, ErrNotFound) {
		return p.createLocked(ctx, value)
	}
	if err != nil {
		return err
	}
	return p.setLocked(ctx, fn(current, value))
}

func (p *Pebble[T]) Remove(ctx context.Context) error {
	if !p.allowRemove {
		return ErrRemoveDisabled
	}
	p.lock.Lock()
	defer p.lock.Unlock()

	exists, err := p.Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	if err := p.db.Delete(p.key, pebble.Sync); err != nil {
		return fmt.Errorf("failed to remove %s: %w", p.path, err)
	}
	return nil
}
