package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"manageragent/internal/bus"
	"manageragent/internal/store"
	"manageragent/internal/types"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, nil, 30*time.Second), st
}

func TestRegister_Validation(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, "", "http://a", 0); err == nil {
		t.Error("empty name should be rejected")
	}
	if _, err := reg.Register(ctx, "api", "127.0.0.1:3002", 0); err == nil {
		t.Error("addr without scheme should be rejected")
	}
	if _, err := reg.Register(ctx, "api", "https://host:3002", 0); err != nil {
		t.Errorf("https addr rejected: %v", err)
	}
}

func TestRegister_DefaultTTL(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	inst, err := reg.Register(context.Background(), "api", "http://127.0.0.1:3002", 0)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, inst.TTL)
	require.True(t, inst.LiveAt(time.Now()))
}

func TestLookup_OnlyLiveInstances(t *testing.T) {
	t.Parallel()

	reg, st := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, "api", "http://live:3002", time.Hour)
	require.NoError(t, err)
	_, err = reg.Register(ctx, "api", "http://stale:3002", time.Hour)
	require.NoError(t, err)
	_, err = reg.Register(ctx, "other", "http://other:3003", time.Hour)
	require.NoError(t, err)

	// Age one instance past its TTL.
	stale := &types.ServiceInstance{
		Name: "api", Addr: "http://stale:3002", TTL: time.Second,
		RegisteredAt:  time.Now().Add(-time.Minute),
		LastHeartbeat: time.Now().Add(-time.Minute),
	}
	require.NoError(t, st.UpsertService(stale))

	live, err := reg.Lookup("api")
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, "http://live:3002", live[0].Addr)

	none, err := reg.Lookup("ghost")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestHeartbeat_ExtendsLiveness(t *testing.T) {
	t.Parallel()

	reg, st := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, "api", "http://a:3002", time.Minute)
	require.NoError(t, err)

	// Age the heartbeat to the edge of expiry, then refresh it.
	old := &types.ServiceInstance{
		Name: "api", Addr: "http://a:3002", TTL: time.Minute,
		RegisteredAt:  time.Now().Add(-59 * time.Second),
		LastHeartbeat: time.Now().Add(-59 * time.Second),
	}
	require.NoError(t, st.UpsertService(old))
	require.NoError(t, reg.Heartbeat("api", "http://a:3002"))

	live, err := reg.Lookup("api")
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Greater(t, time.Until(live[0].ExpiresAt()), 50*time.Second)
}

func TestHeartbeat_UnknownInstance(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	require.Error(t, reg.Heartbeat("ghost", "http://nowhere"))
}

func TestDeregister(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, "api", "http://a:3002", time.Minute)
	require.NoError(t, err)
	require.NoError(t, reg.Deregister("api", "http://a:3002"))

	live, err := reg.Lookup("api")
	require.NoError(t, err)
	require.Empty(t, live)
}

func TestReapOnce_AnnouncesExpiry(t *testing.T) {
	t.Parallel()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := bus.New(st, bus.Options{})
	t.Cleanup(func() { b.Close() })

	expired := make(chan types.Event, 1)
	_, err = b.Subscribe(TopicExpired, "watcher", false, func(ctx context.Context, e types.Event) error {
		expired <- e
		return nil
	})
	require.NoError(t, err)

	reg := New(st, b, 30*time.Second)
	ctx := context.Background()

	stale := &types.ServiceInstance{
		Name: "api", Addr: "http://stale:3002", TTL: time.Second,
		RegisteredAt:  time.Now().Add(-time.Minute),
		LastHeartbeat: time.Now().Add(-time.Minute),
	}
	require.NoError(t, st.UpsertService(stale))

	n, err := reg.ReapOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	select {
	case e := <-expired:
		require.Equal(t, TopicExpired, e.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("expiry was not announced")
	}

	// The instance is gone from the registry.
	all, err := reg.List()
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestReapOnce_LeavesLiveInstances(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, "api", "http://live:3002", time.Hour)
	require.NoError(t, err)

	n, err := reg.ReapOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	live, err := reg.Lookup("api")
	require.NoError(t, err)
	require.Len(t, live, 1)
}
