package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ai-trading-engine/config"
	"ai-trading-engine/internal/model"
)

// Redis key layout. The snapshot is a single key overwritten on every
// save; lifecycles are per-signal keys with a retention TTL; fills and
// rejections are capped lists, newest first.
const (
	snapshotKey        = "engine:snapshot"
	lifecycleKeyPrefix = "engine:lifecycle"
	fillsKey           = "engine:fills"
	rejectionsKey      = "engine:rejections"

	lifecycleTTL = 7 * 24 * time.Hour
	auditListCap = 10000
)

// RedisStore keeps engine state in Redis. Suited to paper sessions and
// deployments that want fast restart recovery without a SQL database.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewRedisStore(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("unable to ping redis: %w", err)
	}

	s := &RedisStore{
		client: client,
		logger: logger.With().Str("component", "redis_store").Logger(),
	}
	s.logger.Info().Str("address", cfg.Address).Msg("connected to redis")
	return s, nil
}

func (s *RedisStore) SaveSnapshot(ctx context.Context, snap model.EngineSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, snapshotKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadSnapshot(ctx context.Context) (*model.EngineSnapshot, error) {
	data, err := s.client.Get(ctx, snapshotKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snap model.EngineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (s *RedisStore) RecordLifecycle(ctx context.Context, rec model.LifecycleRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle record: %w", err)
	}
	key := fmt.Sprintf("%s:%s", lifecycleKeyPrefix, rec.Signal.ID)
	if err := s.client.Set(ctx, key, data, lifecycleTTL).Err(); err != nil {
		return fmt.Errorf("failed to record lifecycle: %w", err)
	}
	return nil
}

func (s *RedisStore) RecordFill(ctx context.Context, fill model.Fill) error {
	data, err := json.Marshal(fill)
	if err != nil {
		return fmt.Errorf("failed to marshal fill: %w", err)
	}
	return s.pushCapped(ctx, fillsKey, data)
}

func (s *RedisStore) RecordRejection(ctx context.Context, sig model.Signal, code, reason string) error {
	entry := struct {
		Signal model.Signal `json:"signal"`
		Code   string       `json:"code"`
		Reason string       `json:"reason"`
		At     time.Time    `json:"at"`
	}{Signal: sig, Code: code, Reason: reason, At: time.Now().UTC()}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal rejection: %w", err)
	}
	return s.pushCapped(ctx, rejectionsKey, data)
}

func (s *RedisStore) pushCapped(ctx context.Context, key string, data []byte) error {
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, auditListCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
