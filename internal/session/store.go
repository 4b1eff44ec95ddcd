package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/eleven-am/voice-live/internal/shared"
	"github.com/redis/go-redis/v9"
)

const recordTTL = 24 * time.Hour

type Store struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewStore(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient, ttl: recordTTL}
}

func (s *Store) Save(ctx context.Context, rec *Record) error {
	if rec.SessionID == "" {
		return errors.New("session id is required")
	}
	rec.UpdatedAt = time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, rec.RedisKey(), data, s.ttl).Err()
}

func (s *Store) Load(ctx context.Context, sessionID string) (*Record, error) {
	data, err := s.redis.Get(ctx, RedisKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.redis.Del(ctx, RedisKey(sessionID)).Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}
