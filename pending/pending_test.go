package pending

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisSet(t *testing.T) (*RedisSet, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSet(client, "ledger:dirty-groups", nil), mr
}

func TestSets(t *testing.T) {
	sets := map[string]func(t *testing.T) Set{
		"memory": func(t *testing.T) Set { return NewMemorySet() },
		"redis": func(t *testing.T) Set {
			s, _ := newRedisSet(t)
			return s
		},
	}

	for name, newSet := range sets {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newSet(t)
			a, b := uuid.New(), uuid.New()

			require.NoError(t, s.Mark(ctx, a))
			require.NoError(t, s.Mark(ctx, a))
			require.NoError(t, s.Mark(ctx, b))

			groups, err := s.List(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []uuid.UUID{a, b}, groups)

			require.NoError(t, s.Clear(ctx, a))
			require.NoError(t, s.Clear(ctx, a))

			groups, err = s.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []uuid.UUID{b}, groups)
		})
	}
}

func TestRedisSetDropsMalformedMembers(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisSet(t)

	_, err := mr.SAdd("ledger:dirty-groups", "not-a-uuid")
	require.NoError(t, err)
	groupID := uuid.New()
	require.NoError(t, s.Mark(ctx, groupID))

	groups, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{groupID}, groups)

	members, err := mr.Members("ledger:dirty-groups")
	require.NoError(t, err)
	assert.Equal(t, []string{groupID.String()}, members)
}

func TestRedisSetReportsConnectionErrors(t *testing.T) {
	s, mr := newRedisSet(t)
	mr.Close()

	assert.Error(t, s.Mark(context.Background(), uuid.New()))
	_, err := s.List(context.Background())
	assert.Error(t, err)
}
