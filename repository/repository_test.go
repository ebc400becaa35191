package repository

import (
	"context"
	"testing"

	"github.com/maxpert/tapline/encoding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Epoch int64  `msgpack:"epoch" json:"epoch"`
	Name  string `msgpack:"name" json:"name"`
}

func keepNewest(current, incoming doc) doc {
	if incoming.Epoch < current.Epoch {
		return current
	}
	return incoming
}

type factory func(t *testing.T, path string, opts Options) Repository[doc]

// runContract exercises the behaviour every implementation shares
func runContract(t *testing.T, newRepo factory) {
	ctx := context.Background()

	t.Run("absent", func(t *testing.T) {
		r := newRepo(t, "/tapline/absent/state", Options{})
		exists, err := r.Exists(ctx)
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = r.Get(ctx)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, r.Set(ctx, doc{Epoch: 1}), ErrNotFound)
	})

	t.Run("create then get", func(t *testing.T) {
		r := newRepo(t, "/tapline/create/state", Options{})
		require.NoError(t, r.Create(ctx, doc{Epoch: 3, Name: "a"}))

		exists, err := r.Exists(ctx)
		require.NoError(t, err)
		assert.True(t, exists)

		got, err := r.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, doc{Epoch: 3, Name: "a"}, got)

		assert.ErrorIs(t, r.Create(ctx, doc{Epoch: 4}), ErrExists)
	})

	t.Run("set overwrites", func(t *testing.T) {
		r := newRepo(t, "/tapline/set/state", Options{})
		require.NoError(t, r.Create(ctx, doc{Epoch: 3, Name: "a"}))
		require.NoError(t, r.Set(ctx, doc{Epoch: 1, Name: "b"}))

		got, err := r.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, doc{Epoch: 1, Name: "b"}, got)
	})

	t.Run("update creates then merges", func(t *testing.T) {
		r := newRepo(t, "/tapline/update/state", Options{})
		require.NoError(t, r.Update(ctx, doc{Epoch: 5, Name: "first"}, keepNewest))

		require.NoError(t, r.Update(ctx, doc{Epoch: 4, Name: "stale"}, keepNewest))
		got, err := r.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "first", got.Name)

		require.NoError(t, r.Update(ctx, doc{Epoch: 5, Name: "tie"}, keepNewest))
		got, err = r.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "tie", got.Name)

		require.NoError(t, r.Update(ctx, doc{Epoch: 6, Name: "newer"}, keepNewest))
		got, err = r.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, doc{Epoch: 6, Name: "newer"}, got)
	})

	t.Run("remove disabled", func(t *testing.T) {
		r := newRepo(t, "/tapline/keep/state", Options{})
		require.NoError(t, r.Create(ctx, doc{Epoch: 1}))
		assert.ErrorIs(t, r.Remove(ctx), ErrRemoveDisabled)

		exists, err := r.Exists(ctx)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("remove allowed", func(t *testing.T) {
		r := newRepo(t, "/tapline/remove/state", Options{AllowRemove: true})
		require.NoError(t, r.Create(ctx, doc{Epoch: 1}))
		require.NoError(t, r.Remove(ctx))

		exists, err := r.Exists(ctx)
		require.NoError(t, err)
		assert.False(t, exists)
		assert.ErrorIs(t, r.Remove(ctx), ErrNotFound)
	})

	t.Run("json codec", func(t *testing.T) {
		r := newRepo(t, "/tapline/json/state", Options{Codec: encoding.JSON})
		require.NoError(t, r.Create(ctx, doc{Epoch: 9, Name: "j"}))
		got, err := r.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, doc{Epoch: 9, Name: "j"}, got)
	})
}

func TestMemory(t *testing.T) {
	runContract(t, func(t *testing.T, path string, opts Options) Repository[doc] {
		r, err := NewMemory[doc](NewMemoryStore(), path, opts)
		require.NoError(t, err)
		return r
	})
}

func TestMemory_CreatesParents(t *testing.T) {
	store := NewMemoryStore()
	r, err := NewMemory[doc](store, "/a/b/state", Options{})
	require.NoError(t, err)
	require.NoError(t, r.Create(context.Background(), doc{Epoch: 1}))

	assert.Equal(t, []string{"/a", "/a/b", "/a/b/state"}, store.Paths())
}

func TestMemory_ReturnsCopies(t *testing.T) {
	type withSlice struct {
		Items []string `msgpack:"items"`
	}
	r, err := NewMemory[withSlice](nil, "/copies", Options{})
	require.NoError(t, err)

	in := withSlice{Items: []string{"a"}}
	require.NoError(t, r.Create(context.Background(), in))
	in.Items[0] = "mutated"

	got, err := r.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.Items)
}

func TestInvalidPath(t *testing.T) {
	for _, p := range []string{"", "/", "relative", "/trailing/"} {
		_, err := NewMemory[doc](nil, p, Options{})
		assert.Error(t, err, p)
	}
}

func TestParents(t *testing.T) {
	assert.Nil(t, parents("/state"))
	assert.Equal(t, []string{"/tapline", "/tapline/src"}, parents("/tapline/src/state"))
}
