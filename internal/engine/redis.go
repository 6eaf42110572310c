package engine

import (
	"context"
	"encoding/json"
	"sort"

	"character-playground/backend/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each character's conversations in a Redis hash keyed by
// conversation id, values JSON-encoded. Suited to deployments where the
// engine outlives a single process.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store backed by the given Redis address.
func NewRedisStore(addr string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
	}
}

func conversationsKey(characterID string) string {
	return "conversations:" + characterID
}

// List returns the character's conversations, most recently updated first.
func (s *RedisStore) List(ctx context.Context, characterID string) ([]models.Conversation, error) {
	values, err := s.client.HVals(ctx, conversationsKey(characterID)).Result()
	if err != nil {
		return nil, err
	}

	out := make([]models.Conversation, 0, len(values))
	for _, v := range values {
		var conv models.Conversation
		if err := json.Unmarshal([]byte(v), &conv); err != nil {
			continue
		}
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

// Get returns one conversation, or nil when it does not exist.
func (s *RedisStore) Get(ctx context.Context, characterID, id string) (*models.Conversation, error) {
	v, err := s.client.HGet(ctx, conversationsKey(characterID), id).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var conv models.Conversation
	if err := json.Unmarshal([]byte(v), &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Put inserts or replaces a conversation.
func (s *RedisStore) Put(ctx context.Context, conv *models.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, conversationsKey(conv.CharacterID), conv.ID, data).Err()
}

// Delete removes a conversation.
func (s *RedisStore) Delete(ctx context.Context, characterID, id string) error {
	return s.client.HDel(ctx, conversationsKey(characterID), id).Err()
}
