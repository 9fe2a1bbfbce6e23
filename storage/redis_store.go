package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"hybrid-chat/common"
	"hybrid-chat/configs"
)

// RedisStore keeps the message log in one sorted set per unordered pair
// (scored by creation time), directory entries under publicKey:<id> and
// session tokens under session:<token>.
type RedisStore struct {
	redisClient *redis.Client
}

var (
	_ MessageLog      = (*RedisStore)(nil)
	_ Directory       = (*RedisStore)(nil)
	_ SessionVerifier = (*RedisStore)(nil)
)

func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{redisClient: redisClient}
}

func (s *RedisStore) Append(ctx context.Context, rec MessageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal message from %d to %d: %w", rec.From, rec.To, err)
	}
	lo, hi := pairBounds(rec.From, rec.To)
	z := redis.Z{Score: float64(rec.CreatedAt.UnixMilli()), Member: data}
	if err := s.redisClient.ZAdd(ctx, fmt.Sprintf(configs.ServerMessageLogKey, lo, hi), z).Err(); err != nil {
		return fmt.Errorf("append message from %d to %d: %w", rec.From, rec.To, err)
	}
	return nil
}

func (s *RedisStore) History(ctx context.Context, a, b common.IdentityID) ([]MessageRecord, error) {
	lo, hi := pairBounds(a, b)
	members, err := s.redisClient.ZRange(ctx, fmt.Sprintf(configs.ServerMessageLogKey, lo, hi), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history %d/%d: %w", a, b, err)
	}
	out := make([]MessageRecord, 0, len(members))
	for _, m := range members {
		var rec MessageRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			return nil, fmt.Errorf("decode history %d/%d: %w", a, b, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) PublishKey(ctx context.Context, entry common.PublicKeyEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := s.redisClient.Set(ctx, fmt.Sprintf(configs.ServerUserPubKey, entry.UserID), data, 0).Err(); err != nil {
		return fmt.Errorf("publish key for %d: %w", entry.UserID, err)
	}
	return nil
}

func (s *RedisStore) LookupKey(ctx context.Context, id common.IdentityID) (common.PublicKeyEntry, error) {
	data, err := s.redisClient.Get(ctx, fmt.Sprintf(configs.ServerUserPubKey, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return common.PublicKeyEntry{}, ErrNotFound
	}
	if err != nil {
		return common.PublicKeyEntry{}, fmt.Errorf("lookup key for %d: %w", id, err)
	}
	var entry common.PublicKeyEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return common.PublicKeyEntry{}, fmt.Errorf("decode key for %d: %w", id, err)
	}
	return entry, nil
}

func (s *RedisStore) Verify(ctx context.Context, token string) (common.IdentityID, error) {
	if token == "" {
		return 0, ErrUnauthorized
	}
	v, err := s.redisClient.Get(ctx, fmt.Sprintf(configs.ServerSessionTokenKey, token)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrUnauthorized
	}
	if err != nil {
		return 0, fmt.Errorf("verify session: %w", err)
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrUnauthorized
	}
	return common.IdentityID(id), nil
}
