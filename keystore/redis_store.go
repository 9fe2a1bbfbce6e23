package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"hybrid-chat/common"
	"hybrid-chat/configs"
)

// RedisStore keeps session records in Redis under client:session:<owner>:<peer>.
// It is meant for clients that share a local Redis, the way the relay does.
type RedisStore struct {
	ctx         context.Context
	redisClient *redis.Client
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(ctx context.Context, redisClient *redis.Client) *RedisStore {
	return &RedisStore{ctx: ctx, redisClient: redisClient}
}

func (s *RedisStore) Get(k PairKey) (SessionRecord, bool, error) {
	data, err := s.redisClient.Get(s.ctx, fmt.Sprintf(configs.ClientSessionKey, k.Owner, k.Peer)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, fmt.Errorf("get session %s: %w", k, err)
	}
	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return SessionRecord{}, false, fmt.Errorf("decode session %s: %w", k, err)
	}
	return rec, true, nil
}

func (s *RedisStore) Put(k PairKey, rec SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.redisClient.Set(s.ctx, fmt.Sprintf(configs.ClientSessionKey, k.Owner, k.Peer), data, 0).Err(); err != nil {
		return fmt.Errorf("put session %s: %w", k, err)
	}
	return nil
}

// Peers scans client:session:<owner>:* and returns the peer ids.
func (s *RedisStore) Peers(owner common.IdentityID) ([]common.IdentityID, error) {
	pattern := fmt.Sprintf(configs.ClientSessionPattern, owner)
	prefix := strings.TrimSuffix(pattern, "*")
	var peers []common.IdentityID
	iter := s.redisClient.Scan(s.ctx, 0, pattern, 100).Iterator()
	for iter.Next(s.ctx) {
		peer, err := common.ParseIdentityID(strings.TrimPrefix(iter.Val(), prefix))
		if err != nil {
			return nil, fmt.Errorf("corrupt session key %q: %w", iter.Val(), err)
		}
		peers = append(peers, peer)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list sessions of %d: %w", owner, err)
	}
	return sortPeers(peers), nil
}
