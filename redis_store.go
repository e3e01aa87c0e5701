package main

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisOpTimeout = 2 * time.Second

// RedisMirror copies counter increments into a Redis hash so several relay
// instances can report combined totals. A nil *RedisMirror is a no-op.
type RedisMirror struct {
	client *redis.Client
	key    string
	log    *zap.Logger
}

// initRedis connects to Redis when an address is configured. It returns nil
// when Redis is disabled or unreachable; counters then stay in memory only.
func initRedis(ctx context.Context, cfg RedisConfig, log *zap.Logger) *RedisMirror {
	if cfg.Addr == "" {
		log.Info("redis disabled, keeping stats in memory")
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("⚠️  redis not available, keeping stats in memory", zap.String("addr", cfg.Addr), zap.Error(err))
		_ = client.Close()
		return nil
	}
	log.Info("✅ redis connected", zap.String("addr", cfg.Addr))
	return &RedisMirror{client: client, key: cfg.StatsKey, log: log.Named("redis")}
}

// Incr adds n to the named field without blocking the request path.
func (m *RedisMirror) Incr(name statName, n int64) {
	if m == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
		defer cancel()
		if err := m.client.HIncrBy(ctx, m.key, string(name), n).Err(); err != nil {
			m.log.Debug("stats mirror failed", zap.String("field", string(name)), zap.Error(err))
		}
	}()
}

// Totals returns the combined counters stored in Redis.
func (m *RedisMirror) Totals(ctx context.Context) (map[string]int64, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := m.client.HGetAll(ctx, m.key).Result()
	if err != nil {
		return nil, err
	}
	totals := make(map[string]int64, len(raw))
	for field, val := range raw {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		totals[field] = n
	}
	return totals, nil
}

// Status reports "disabled", "connected" or "unreachable".
func (m *RedisMirror) Status(ctx context.Context) string {
	if m == nil {
		return "disabled"
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := m.client.Ping(ctx).Err(); err != nil {
		return "unreachable"
	}
	return "connected"
}

func (m *RedisMirror) Close() error {
	if m == nil {
		return nil
	}
	return m.client.Close()
}
