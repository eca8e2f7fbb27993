package service

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	goredis "github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"futures_engine/internal/helper"
	"futures_engine/internal/models"
)

const snapshotPrefix = "candles:"

// Snapshots зеркало закрытых свечей в redis, чтобы рестарт не ходил в REST.
type Snapshots struct {
	rdb *goredis.Client
	ttl time.Duration
}

func NewSnapshots(rdb *goredis.Client, ttl time.Duration) *Snapshots {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Snapshots{rdb: rdb, ttl: ttl}
}

func snapshotKey(symbol, interval string) string {
	return snapshotPrefix + helper.CacheKey(symbol, interval)
}

// Save перезаписывает снимок ключа. Незакрытые свечи не сохраняются.
func (s *Snapshots) Save(ctx context.Context, symbol, interval string, candles []models.Candle) error {
	closed := make([]models.Candle, 0, len(candles))
	for _, cd := range candles {
		if cd.Closed {
			closed = append(closed, cd)
		}
	}
	payload, err := sonic.Marshal(closed)
	if err != nil {
		return errors.Wrap(err, "snapshot encode")
	}
	if err := s.rdb.Set(ctx, snapshotKey(symbol, interval), payload, s.ttl).Err(); err != nil {
		return errors.Wrap(err, "snapshot save")
	}
	return nil
}

// Load читает снимок. Отсутствие ключа не ошибка.
func (s *Snapshots) Load(ctx context.Context, symbol, interval string) ([]models.Candle, error) {
	raw, err := s.rdb.Get(ctx, snapshotKey(symbol, interval)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "snapshot load")
	}
	var out []models.Candle
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "snapshot decode")
	}
	return out, nil
}

func (s *Snapshots) Delete(ctx context.Context, symbol, interval string) error {
	return s.rdb.Del(ctx, snapshotKey(symbol, interval)).Err()
}

func (s *Snapshots) Close() error { return s.rdb.Close() }

// NewRedisClient клиент с проверкой ping.
func NewRedisClient(addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	return client, nil
}
