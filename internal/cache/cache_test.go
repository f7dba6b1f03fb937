package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/usds-yield-tracker/internal/config"
	"github.com/smartdevs17/usds-yield-tracker/pkg/utils"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), 0))

	v, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", string(v))

	now = now.Add(2 * time.Minute)
	_, ok, _ = s.Get(ctx, "a")
	assert.False(t, ok, "expired")

	_, ok, _ = s.Get(ctx, "b")
	assert.True(t, ok, "zero ttl never expires")

	require.NoError(t, s.Delete(ctx, "b"))
	_, ok, _ = s.Get(ctx, "b")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	buf := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", buf, 0))
	buf[0] = 'z'

	v, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "abc", string(v))
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	type payload struct {
		APY string `json:"apy"`
	}
	require.NoError(t, SetJSON(ctx, s, "apy", payload{APY: "8.50"}, time.Minute))

	var out payload
	found, err := GetJSON(ctx, s, "apy", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "8.50", out.APY)

	require.NoError(t, s.Set(ctx, "bad", []byte("{"), 0))
	found, err = GetJSON(ctx, s, "bad", &out)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, s.Len())

	found, err = GetJSON(ctx, nil, "apy", &out)
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, SetJSON(ctx, nil, "apy", out, 0))
}

func TestNew(t *testing.T) {
	s, err := New(&config.CacheConfig{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = New(&config.CacheConfig{Type: "none"})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = New(&config.CacheConfig{Type: "redis", RedisURL: "redis://localhost:6379/2"})
	require.NoError(t, err)
	rs, ok := s.(*RedisStore)
	require.True(t, ok)
	assert.Equal(t, 2, rs.Client.Options().DB)
	require.NoError(t, rs.Close())

	_, err = New(&config.CacheConfig{Type: "redis", RedisURL: "://"})
	assert.True(t, utils.IsCode(err, utils.ErrCodeConfiguration))

	_, err = New(&config.CacheConfig{Type: "memcached"})
	assert.True(t, utils.IsCode(err, utils.ErrCodeConfiguration))
}
