package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore guarda cada job en "{prefix}delivery:{id}" y el índice en el
// sorted set "{prefix}delivery_queue" con score = unix segundos.
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
}

// NewRedisStore usa un cliente existente; Close no lo cierra.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis abre un cliente propio y lo verifica con PING.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return &RedisStore{client: c, prefix: prefix, owned: true}, nil
}

// Client expone el cliente (para compartirlo con el cache de discovery).
func (s *RedisStore) Client() *redis.Client { return s.client }

func (s *RedisStore) jobKey(id string) string { return s.prefix + "delivery:" + id }
func (s *RedisStore) indexKey() string        { return s.prefix + "delivery_queue" }

func score(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

func (s *RedisStore) Put(ctx context.Context, j *Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.jobKey(j.ID), b, 0).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	b, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *RedisStore) Schedule(ctx context.Context, id string, at time.Time) error {
	return s.client.ZAdd(ctx, s.indexKey(), redis.Z{Score: score(at), Member: id}).Err()
}

func (s *RedisStore) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(score(now), 'f', 3, 64),
		Count: int64(limit),
	}).Result()
}

func (s *RedisStore) Unschedule(ctx context.Context, id string) error {
	return s.client.ZRem(ctx, s.indexKey(), id).Err()
}

func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
