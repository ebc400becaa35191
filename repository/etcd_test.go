package repository

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

// setupEmbedEtcd starts a single member etcd server on free ports
func setupEmbedEtcd(t *testing.T) *clientv3.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("embedded etcd skipped in short mode")
	}

	ports, err := freeport.GetFreePorts(2)
	require.NoError(t, err)
	peerURL, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", ports[0]))
	require.NoError(t, err)
	clientURL, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", ports[1]))
	require.NoError(t, err)

	cfg := embed.NewConfig()
	cfg.Dir = t.TempDir()
	cfg.ListenPeerUrls = []url.URL{*peerURL}
	cfg.AdvertisePeerUrls = []url.URL{*peerURL}
	cfg.ListenClientUrls = []url.URL{*clientURL}
	cfg.AdvertiseClientUrls = []url.URL{*clientURL}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)
	cfg.Logger = "zap"
	cfg.LogLevel = "error"

	e, err := embed.StartEtcd(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(60 * time.Second):
		e.Server.Stop()
		t.Fatal("etcd server took too long to start")
	}

	client, err := NewEtcdClient([]string{clientURL.String()}, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestEtcd(t *testing.T) {
	client := setupEmbedEtcd(t)
	runContract(t, func(t *testing.T, path string, opts Options) Repository[doc] {
		r, err := NewEtcd[doc](client, path, opts)
		require.NoError(t, err)
		return r
	})
}

func TestEtcd_CreatesParents(t *testing.T) {
	client := setupEmbedEtcd(t)
	ctx := context.Background()

	r, err := NewEtcd[doc](client, "/tapline/parents/state", Options{})
	require.NoError(t, err)
	require.NoError(t, r.Create(ctx, doc{Epoch: 1}))

	resp, err := client.Get(ctx, "/tapline/parents")
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	assert.Empty(t, resp.Kvs[0].Value)
}

func TestEtcd_UpdateConflict(t *testing.T) {
	client := setupEmbedEtcd(t)
	ctx := context.Background()

	r, err := NewEtcd[doc](client, "/tapline/cas/state", Options{})
	require.NoError(t, err)
	other, err := NewEtcd[doc](client, "/tapline/cas/state", Options{})
	require.NoError(t, err)
	require.NoError(t, r.Create(ctx, doc{Epoch: 1, Name: "initial"}))

	err = r.Update(ctx, doc{Epoch: 2, Name: "mine"}, func(current, incoming doc) doc {
		require.NoError(t, other.Set(ctx, doc{Epoch: 3, Name: "theirs"}))
		return keepNewest(current, incoming)
	})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := r.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "theirs", got.Name)
}
