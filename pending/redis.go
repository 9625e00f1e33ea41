package pending

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisSet keeps the pending groups in a Redis set so every instance of the
// service shares one view.
type RedisSet struct {
	client redis.UniversalClient
	key    string
	logger *slog.Logger
}

func NewRedisSet(client redis.UniversalClient, key string, logger *slog.Logger) *RedisSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSet{client: client, key: key, logger: logger}
}

func (s *RedisSet) Mark(ctx context.Context, groupID uuid.UUID) error {
	if err := s.client.SAdd(ctx, s.key, groupID.String()).Err(); err != nil {
		return fmt.Errorf("marking group %s: %w", groupID, err)
	}
	return nil
}

// List returns the pending groups. Members that are not uuids are removed.
func (s *RedisSet) List(ctx context.Context) ([]uuid.UUID, error) {
	members, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("listing pending groups: %w", err)
	}
	slices.Sort(members)

	groups := make([]uuid.UUID, 0, len(members))
	for _, member := range members {
		groupID, err := uuid.Parse(member)
		if err != nil {
			s.logger.Warn("removing malformed pending group", "member", member, "error", err)
			if err := s.client.SRem(ctx, s.key, member).Err(); err != nil {
				return nil, fmt.Errorf("removing malformed member: %w", err)
			}
			continue
		}
		groups = append(groups, groupID)
	}

	return groups, nil
}

func (s *RedisSet) Clear(ctx context.Context, groupID uuid.UUID) error {
	if err := s.client.SRem(ctx, s.key, groupID.String()).Err(); err != nil {
		return fmt.Errorf("clearing group %s: %w", groupID, err)
	}
	return nil
}
