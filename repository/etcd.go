package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/tapline/encoding"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// NewEtcdClient connects to the etcd cluster
func NewEtcdClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd %v: %w", endpoints, err)
	}
	return client, nil
}

// Etcd stores the document under its path as an etcd key. Update is a
// compare-and-swap on the key's mod revision and reports ErrConflict when
// another writer got there first. It does not retry.
type Etcd[T any] struct {
	client      *clientv3.Client
	path        string
	codec       encoding.Codec
	allowRemove bool
}

func NewEtcd[T any](client *clientv3.Client, path string, opts Options) (*Etcd[T], error) {
	if client == nil {
		return nil, errors.New("etcd repository requires a client")
	}
	if err := validatePath(path); err != nil {
		return nil, err
	}
	return &Etcd[T]{client: client, path: path, codec: opts.codec(), allowRemove: opts.AllowRemove}, nil
}

func (e *Etcd[T]) Path() string { return e.path }

func (e *Etcd[T]) Exists(ctx context.Context) (bool, error) {
	resp, err := e.client.Get(ctx, e.path, clientv3.WithCountOnly())
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", e.path, err)
	}
	return resp.Count > 0, nil
}

func (e *Etcd[T]) Get(ctx context.Context) (T, error) {
	value, _, err := e.get(ctx)
	return value, err
}

// get returns the document with its mod revision
func (e *Etcd[T]) get(ctx context.Context) (T, int64, error) {
	var zero T
	resp, err := e.client.Get(ctx, e.path)
	if err != nil {
		return zero, 0, fmt.Errorf("failed to read %s: %w", e.path, err)
	}
	if len(resp.Kvs) == 0 {
		return zero, 0, ErrNotFound
	}
	kv := resp.Kvs[0]
	value, err := decode[T](e.codec, e.path, kv.Value)
	return value, kv.ModRevision, err
}

func (e *Etcd[T]) Create(ctx context.Context, value T) error {
	data, err := encode(e.codec, e.path, value)
	if err != nil {
		return err
	}

	for _, parent := range parents(e.path) {
		_, err := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(parent), "=", 0)).
			Then(clientv3.OpPut(parent, "")).
			Commit()
		if err != nil {
			return fmt.Errorf("failed to create parent %s: %w", parent, err)
		}
	}

	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(e.path), "=", 0)).
		Then(clientv3.OpPut(e.path, string(data))).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", e.path, err)
	}
	if !resp.Succeeded {
		return ErrExists
	}
	return nil
}

func (e *Etcd[T]) Set(ctx context.Context, value T) error {
	data, err := encode(e.codec, e.path, value)
	if err != nil {
		return err
	}

	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(e.path), ">", 0)).
		Then(clientv3.OpPut(e.path, string(data))).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", e.path, err)
	}
	if !resp.Succeeded {
		return ErrNotFound
	}
	return nil
}

func (e *Etcd[T]) Update(ctx context.Context, value T, fn UpdateFunc[T]) error {
	current, rev, err := e.get(ctx)
	if errors.Is(err, ErrNotFound) {
		err = e.Create(ctx, value)
		if errors.Is(err, ErrExists) {
			return ErrConflict
		}
		return err
	}
	if err != nil {
		return err
	}

	data, err := encode(e.codec, e.path, fn(current, value))
	if err != nil {
		return err
	}

	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(e.path), "=", rev)).
		Then(clientv3.OpPut(e.path, string(data))).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", e.path, err)
	}
	if !resp.Succeeded {
		log.Debug().
			Str("path", e.path).
			Int64("mod_revision", rev).
			Msg("Document changed since read, update rejected")
		return ErrConflict
	}
	return nil
}

func (e *Etcd[T]) Remove(ctx context.Context) error {
	if !e.allowRemove {
		return ErrRemoveDisabled
	}
	resp, err := e.client.Delete(ctx, e.path)
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", e.path, err)
	}
	if resp.Deleted == 0 {
		return ErrNotFound
	}
	return nil
}
