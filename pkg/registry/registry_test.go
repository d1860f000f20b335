package registry

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ag1-io/aetherbus/pkg/keys"
	"github.com/ag1-io/aetherbus/pkg/observability"
	busredis "github.com/ag1-io/aetherbus/pkg/redis"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := busredis.NewStreamsClient(&busredis.StreamsConfig{
		Addresses: []string{mr.Addr()},
	}, observability.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return New(client, keys.NewBuilder(""), observability.NewNoopLogger())
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	before := float64(time.Now().UnixNano()) / 1e9

	added, err := r.Register(ctx, "pa0", nil)
	require.NoError(t, err)
	assert.True(t, added)

	ok, err := r.IsRegistered(ctx, "pa0")
	require.NoError(t, err)
	assert.True(t, ok)

	agents, err := r.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, agents, "pa0")

	info, err := r.Info(ctx, "pa0")
	require.NoError(t, err)
	ts, err := strconv.ParseFloat(info["registered_at"], 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ts, before)
	assert.LessOrEqual(t, ts, float64(time.Now().UnixNano())/1e9)
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	added, err := r.Register(ctx, "pa0", map[string]string{"version": "1"})
	require.NoError(t, err)
	require.True(t, added)

	first, err := r.Info(ctx, "pa0")
	require.NoError(t, err)

	added, err = r.Register(ctx, "pa0", map[string]string{"version": "2"})
	require.NoError(t, err)
	assert.False(t, added)

	// Re-registering must not rewrite the original info.
	second, err := r.Info(ctx, "pa0")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "1", second["version"])
}

func TestRegistry_Metadata(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "pa0", map[string]string{"channel": "webchat"})
	require.NoError(t, err)

	info, err := r.Info(ctx, "pa0")
	require.NoError(t, err)
	assert.Equal(t, "webchat", info["channel"])
	assert.NotEmpty(t, info["registered_at"])
}

func TestRegistry_Unregister(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "pa0", nil)
	require.NoError(t, err)
	require.NoError(t, r.Unregister(ctx, "pa0"))

	ok, err := r.IsRegistered(ctx, "pa0")
	require.NoError(t, err)
	assert.False(t, ok)

	info, err := r.Info(ctx, "pa0")
	require.NoError(t, err)
	assert.Empty(t, info)

	// Unregistering again is a no-op, not an error.
	require.NoError(t, r.Unregister(ctx, "pa0"))
}

func TestRegistry_EmptyAgentID(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "", nil)
	require.Error(t, err)

	require.Error(t, r.Unregister(ctx, ""))
}
