// Package repository stores a single typed document at a path.
//
// Implementations differ in how atomic Update is: Etcd uses compare-and-swap
// across processes, Pebble and Memory serialise updates within one process.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/maxpert/tapline/encoding"
)

var (
	ErrNotFound       = errors.New("document not found")
	ErrExists         = errors.New("document already exists")
	ErrConflict       = errors.New("document modified concurrently")
	ErrRemoveDisabled = errors.New("document removal is disabled")
)

// UpdateFunc merges an incoming document into the stored one and returns
// the document to persist
type UpdateFunc[T any] func(current, incoming T) T

// Repository is the storage contract for one document
type Repository[T any] interface {
	Exists(ctx context.Context) (bool, error)
	// Get returns ErrNotFound when the document is absent
	Get(ctx context.Context) (T, error)
	// Create fails with ErrExists when the document is present. Missing
	// parent paths are created.
	Create(ctx context.Context, value T) error
	// Set fails with ErrNotFound when the document is absent
	Set(ctx context.Context, value T) error
	// Update stores fn(current, value) when the document exists and creates
	// it from value otherwise
	Update(ctx context.Context, value T, fn UpdateFunc[T]) error
	// Remove fails with ErrRemoveDisabled unless the repository allows it
	Remove(ctx context.Context) error
	Path() string
}

// Options shared by all implementations
type Options struct {
	// Codec encodes documents, msgpack when nil
	Codec       encoding.Codec
	AllowRemove bool
}

func (o Options) codec() encoding.Codec {
	if o.Codec == nil {
		return encoding.Msgpack
	}
	return o.Codec
}

func decode[T any](codec encoding.Codec, path string, data []byte) (T, error) {
	var v T
	if err := codec.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return v, nil
}

func encode[T any](codec encoding.Codec, path string, v T) ([]byte, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return data, nil
}

// validatePath requires an absolute slash separated path without a trailing slash
func validatePath(path string) error {
	if !strings.HasPrefix(path, "/") || len(path) < 2 || strings.HasSuffix(path, "/") {
		return fmt.Errorf("invalid document path %q", path)
	}
	return nil
}

// parents lists the ancestors of path from the root down
func parents(path string) []string {
	var out []string
	for i := 1; i < len(path); i++ {
		if path[i] == '/' {
			out = append(out, path[:i])
		}
	}
	return out
}
